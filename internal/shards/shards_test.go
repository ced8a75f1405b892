package shards

import (
	"context"
	"reflect"
	"testing"

	"github.com/silvercrystal/batch-allocator/internal/batchtable"
	"github.com/silvercrystal/batch-allocator/internal/storage"
)

func testStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestRecordSuccessIsAppendUnique(t *testing.T) {
	t.Parallel()

	s := New(testStore(t), "runs/test", "worker-1")
	s.Seed(batchtable.Unit{Name: "B1", SalesOrders: []string{"SO1", "SO2"}})

	if !s.RecordSuccess("B1", "SO1") {
		t.Fatal("first record should succeed")
	}
	if s.RecordSuccess("B1", "SO1") {
		t.Fatal("duplicate record should be rejected")
	}
	if s.RecordSuccess("B9", "SO1") {
		t.Fatal("unknown batch should be rejected")
	}

	rows := s.Results()
	if len(rows) != 1 || rows[0].OrdersBatched != "SO1" || rows[0].SOCount != 1 {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s1 := New(testStore(t), "runs/test", "worker-1")
	s1.Seed(batchtable.Unit{Name: "B1", SalesOrders: []string{"SO1", "SO2"}})
	s1.RecordSuccess("B1", "SO1")

	s2 := New(testStore(t), "runs/test", "worker-2")
	s2.Seed(batchtable.Unit{Name: "B2", SalesOrders: []string{"SO3"}})

	successes := map[string][]string{
		"B1": {"SO2"},
		"B2": {"SO3"},
	}
	all := []*Shard{s1, s2}
	if err := Merge(ctx, all, successes); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := Merge(ctx, all, successes); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	results, _ := Combine(all)
	for _, row := range results {
		switch row.BatchName {
		case "B1":
			if row.OrdersBatched != "SO1, SO2" || row.SOCount != 2 {
				t.Fatalf("B1 row = %+v after double merge", row)
			}
		case "B2":
			if row.OrdersBatched != "SO3" || row.SOCount != 1 {
				t.Fatalf("B2 row = %+v after double merge", row)
			}
		}
	}
}

func TestCombineSortsByDueDateThenName(t *testing.T) {
	t.Parallel()

	s1 := New(testStore(t), "runs/test", "worker-1")
	s1.Seed(batchtable.Unit{Name: "zeta", DueDate: "2026-09-01", SalesOrders: []string{"1"}})
	s1.Seed(batchtable.Unit{Name: "beta", DueDate: "2026-09-05", SalesOrders: []string{"2"}})
	s1.RecordFailure("zeta", "1", "create_failed")

	s2 := New(testStore(t), "runs/test", "worker-2")
	s2.Seed(batchtable.Unit{Name: "alpha", DueDate: "2026-09-01", SalesOrders: []string{"3"}})

	results, errRows := Combine([]*Shard{s1, s2})
	var names []string
	for _, row := range results {
		names = append(names, row.BatchName)
	}
	want := []string{"alpha", "zeta", "beta"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("combined order = %v, want %v", names, want)
	}
	if len(errRows) != 1 || errRows[0].Reason != "create_failed" {
		t.Fatalf("unexpected error rows: %v", errRows)
	}
}

func TestPersistWritesBothTables(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := testStore(t)
	s := New(store, "runs/test", "worker-1")
	s.Seed(batchtable.Unit{Name: "B1", SalesOrders: []string{"SO1"}})
	s.RecordSuccess("B1", "SO1")
	s.RecordFailure("B1", "SO2", "create_failed")

	if err := s.Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	for _, key := range []string{
		"runs/test/shards/worker-1_results.parquet",
		"runs/test/shards/worker-1_errors.parquet",
	} {
		if _, err := store.Get(ctx, key); err != nil {
			t.Fatalf("expected %s to exist: %v", key, err)
		}
	}
}
