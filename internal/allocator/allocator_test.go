package allocator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/silvercrystal/batch-allocator/internal/batchtable"
	"github.com/silvercrystal/batch-allocator/internal/catalog"
	"github.com/silvercrystal/batch-allocator/internal/config"
	"github.com/silvercrystal/batch-allocator/internal/orderapi"
	"github.com/silvercrystal/batch-allocator/internal/runs"
	"github.com/silvercrystal/batch-allocator/internal/shards"
	"github.com/silvercrystal/batch-allocator/internal/snapshot"
	"github.com/silvercrystal/batch-allocator/internal/storage"
)

// fakeReader is an in-memory mirror whose state the fake remote mutates,
// mimicking the service's read-after-write behavior without the lag.
type fakeReader struct {
	mu      sync.Mutex
	open    []snapshot.Order
	orders  map[string]snapshot.Order
	batches map[string]snapshot.Batch
	lines   map[string][]snapshot.WorkOrderLine // keyed by order id
	bom     map[string][]snapshot.BOMRow
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		orders:  make(map[string]snapshot.Order),
		batches: make(map[string]snapshot.Batch),
		lines:   make(map[string][]snapshot.WorkOrderLine),
		bom:     make(map[string][]snapshot.BOMRow),
	}
}

func (r *fakeReader) addBOM(soNum string) {
	r.bom[soNum] = []snapshot.BOMRow{{
		DocNum:     soNum,
		DocDueDate: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		LineNum:    1,
		ItemCode:   "ITEM-" + soNum,
		MaterialID: "MAT-" + soNum,
		Quantity:   1,
		PickItem:   "Y",
	}}
}

func (r *fakeReader) OpenOrders(context.Context) ([]snapshot.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot.Order(nil), r.open...), nil
}

func (r *fakeReader) OrderByName(_ context.Context, name string) (*snapshot.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ord, ok := r.orders[name]; ok {
		return &ord, nil
	}
	return nil, nil
}

func (r *fakeReader) BatchByName(_ context.Context, name string) (*snapshot.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[name]; ok {
		return &b, nil
	}
	return nil, nil
}

func (r *fakeReader) WorkOrderLines(_ context.Context, orderID string) ([]snapshot.WorkOrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot.WorkOrderLine(nil), r.lines[orderID]...), nil
}

func (r *fakeReader) SourceBOM(_ context.Context, soNums []string) ([]snapshot.BOMRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []snapshot.BOMRow
	for _, so := range soNums {
		out = append(out, r.bom[so]...)
	}
	return out, nil
}

type assignment struct {
	LineID  string
	BatchID string
	Rank    int
}

// fakeRemote scripts create outcomes per order name and records every call.
type fakeRemote struct {
	mu       sync.Mutex
	reader   *fakeReader
	outcomes map[string][]orderapi.CreateOutcomeKind // consumed front-first

	createCalls  map[string]int
	deleteCalls  []string
	deallocCalls []string
	lineFailures map[string]int // failures remaining before a line succeeds
	assigned     []assignment
}

func newFakeRemote(reader *fakeReader) *fakeRemote {
	return &fakeRemote{
		reader:       reader,
		outcomes:     make(map[string][]orderapi.CreateOutcomeKind),
		createCalls:  make(map[string]int),
		lineFailures: make(map[string]int),
	}
}

func (f *fakeRemote) script(order string, kinds ...orderapi.CreateOutcomeKind) {
	f.outcomes[order] = kinds
}

// materialize makes an order and one work-order-line visible to the reader.
func (f *fakeRemote) materialize(name string) {
	f.reader.mu.Lock()
	defer f.reader.mu.Unlock()
	id := "id-" + name
	f.reader.orders[name] = snapshot.Order{ID: id, Name: name, Status: snapshot.StatusReadyForAllocation}
	if len(f.reader.lines[id]) == 0 {
		f.reader.lines[id] = []snapshot.WorkOrderLine{{ID: "wol-" + name + "-1", OrderID: id}}
	}
}

func (f *fakeRemote) CreateOrder(_ context.Context, req orderapi.OrderRequest) orderapi.CreateOutcome {
	f.mu.Lock()
	f.createCalls[req.Name]++
	kind := orderapi.OrderCreated
	if queued := f.outcomes[req.Name]; len(queued) > 0 {
		kind = queued[0]
		f.outcomes[req.Name] = queued[1:]
	}
	f.mu.Unlock()

	switch kind {
	case orderapi.OrderCreated, orderapi.OrderConflict:
		f.materialize(req.Name)
	}
	return orderapi.CreateOutcome{Kind: kind}
}

func (f *fakeRemote) DeleteOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	f.deleteCalls = append(f.deleteCalls, orderID)
	f.mu.Unlock()

	f.reader.mu.Lock()
	defer f.reader.mu.Unlock()
	for name, ord := range f.reader.orders {
		if ord.ID == orderID {
			delete(f.reader.orders, name)
		}
	}
	return nil
}

func (f *fakeRemote) SetAllocation(_ context.Context, orderID string, allocate bool) error {
	f.mu.Lock()
	f.deallocCalls = append(f.deallocCalls, orderID)
	f.mu.Unlock()

	f.reader.mu.Lock()
	defer f.reader.mu.Unlock()
	for name, ord := range f.reader.orders {
		if ord.ID == orderID && !allocate {
			ord.Status = snapshot.StatusReadyForAllocation
			f.reader.orders[name] = ord
		}
	}
	return nil
}

func (f *fakeRemote) CreateBatch(_ context.Context, name string) error {
	f.reader.mu.Lock()
	defer f.reader.mu.Unlock()
	if _, ok := f.reader.batches[name]; !ok {
		f.reader.batches[name] = snapshot.Batch{ID: "batch-" + name, Name: name}
	}
	return nil
}

func (f *fakeRemote) AssignWorkOrderLine(_ context.Context, lineID, batchID string, rank int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lineFailures[lineID] > 0 {
		f.lineFailures[lineID]--
		return fmt.Errorf("assign %s: http 500", lineID)
	}
	f.assigned = append(f.assigned, assignment{LineID: lineID, BatchID: batchID, Rank: rank})
	return nil
}

func (f *fakeRemote) ranksFor(batchID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ranks []int
	for _, a := range f.assigned {
		if a.BatchID == batchID {
			ranks = append(ranks, a.Rank)
		}
	}
	return ranks
}

func testBudgets() config.BudgetConfig {
	ms := time.Millisecond
	return config.BudgetConfig{
		CleanupAttempts:       2,
		CleanupInterval:       ms,
		CreateGraceWindow:     2 * ms,
		CreateGraceInterval:   ms,
		AssignPrewait:         2 * ms,
		AssignPrewaitInterval: ms,
		LinePollAttempts:      2,
		LinePollInterval:      ms,
		BatchCreateAttempts:   2,
		BatchCreateInterval:   ms,
		LineAssignAttempts:    2,
		LineAssignPause:       ms,
		LineRefetchSettle:     ms,
		TailCreateWait:        3 * ms,
		TailCreateInterval:    ms,
	}
}

func newTestAllocator(t *testing.T, remote orderapi.Service, reader snapshot.Reader, workers int) *Allocator {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	run, err := runs.NewManager(dir).Create(nil, workers)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	cfg := config.Config{
		DataDir: dir,
		Run:     config.RunConfig{Workers: workers},
		Budgets: testBudgets(),
	}
	return New(cfg, remote, reader, store, catalog.Noop{}, run)
}

func unit(name string, soNums ...string) batchtable.Unit {
	return batchtable.Unit{Name: name, SalesOrders: soNums}
}

func resultFor(t *testing.T, results []shards.ResultRow, batch string) shards.ResultRow {
	t.Helper()
	for _, row := range results {
		if row.BatchName == batch {
			return row
		}
	}
	t.Fatalf("no result row for batch %s in %v", batch, results)
	return shards.ResultRow{}
}

func TestRunAssignsDenseRanks(t *testing.T) {
	reader := newFakeReader()
	remote := newFakeRemote(reader)
	soNums := []string{"SO1", "SO2", "SO3", "SO4", "SO5"}
	for _, so := range soNums {
		reader.addBOM(so)
	}
	// SO3's first line fails once and succeeds on the retry; the rank
	// sequence must stay dense regardless.
	remote.lineFailures["wol-SO3-1"] = 1

	a := newTestAllocator(t, remote, reader, 2)
	summary, err := a.Run(context.Background(), []batchtable.Unit{unit("B1", soNums...)})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.OrdersPlaced != 5 || summary.OrdersFailed != 0 {
		t.Fatalf("summary = %+v, want 5 placed, 0 failed", summary)
	}

	ranks := remote.ranksFor("batch-B1")
	seen := make(map[int]bool)
	for _, r := range ranks {
		seen[r] = true
	}
	for want := 1; want <= 5; want++ {
		if !seen[want] {
			t.Fatalf("rank %d missing from committed ranks %v", want, ranks)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("expected exactly ranks 1..5, got %v", ranks)
	}
}

func TestFirstLineFailureGatesOrder(t *testing.T) {
	reader := newFakeReader()
	remote := newFakeRemote(reader)
	reader.addBOM("SO1")
	reader.addBOM("SO2")
	// SO2's first line never assigns, in the main pass or the tail.
	remote.lineFailures["wol-SO2-1"] = 100

	a := newTestAllocator(t, remote, reader, 1)
	summary, err := a.Run(context.Background(), []batchtable.Unit{unit("B1", "SO1", "SO2")})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.OrdersPlaced != 1 || summary.OrdersFailed != 1 {
		t.Fatalf("summary = %+v, want 1 placed, 1 failed", summary)
	}

	results, errRows := shards.Combine(a.shards)
	row := resultFor(t, results, "B1")
	if row.OrdersBatched != "SO1" || row.SOCount != 1 {
		t.Fatalf("row = %+v, want ordersBatched=SO1, soCount=1", row)
	}
	if a.ledger.Count("B1") != 1 {
		t.Fatalf("ledger count = %d, want 1 (failed order must not consume a rank)", a.ledger.Count("B1"))
	}
	if len(errRows) != 1 || errRows[0].SONum != "SO2" {
		t.Fatalf("error rows = %v, want one row for SO2", errRows)
	}
}

func TestDeferredCreateRecoveredInTail(t *testing.T) {
	reader := newFakeReader()
	remote := newFakeRemote(reader)
	reader.addBOM("SO1")
	reader.addBOM("SO2")
	// SO1 already exists remotely; SO2's first create hits a server fault
	// and must only be resubmitted in the tail pass.
	remote.materialize("SO1")
	remote.script("SO1", orderapi.OrderConflict)
	remote.script("SO2", orderapi.OrderDeferred, orderapi.OrderCreated)

	a := newTestAllocator(t, remote, reader, 1)
	summary, err := a.Run(context.Background(), []batchtable.Unit{unit("B1", "SO1", "SO2")})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	results, errRows := shards.Combine(a.shards)
	row := resultFor(t, results, "B1")
	if row.OrdersBatched != "SO1, SO2" || row.SOCount != 2 {
		t.Fatalf("row = %+v, want ordersBatched=\"SO1, SO2\", soCount=2", row)
	}
	if len(errRows) != 0 {
		t.Fatalf("unexpected error rows: %v", errRows)
	}
	if summary.OrdersPlaced != 2 {
		t.Fatalf("summary = %+v, want 2 placed", summary)
	}
	if got := remote.createCalls["SO2"]; got != 2 {
		t.Fatalf("SO2 create calls = %d, want exactly 2", got)
	}
	// SO1 at rank 1 in the main pass, SO2 at rank 2 in the tail.
	ranks := remote.ranksFor("batch-B1")
	if len(ranks) != 2 || ranks[0] != 1 || ranks[1] != 2 {
		t.Fatalf("ranks = %v, want [1 2]", ranks)
	}
}

func TestSecondServerFaultIsTerminal(t *testing.T) {
	reader := newFakeReader()
	remote := newFakeRemote(reader)
	reader.addBOM("SO1")
	remote.script("SO1", orderapi.OrderDeferred, orderapi.OrderDeferred)

	a := newTestAllocator(t, remote, reader, 1)
	summary, err := a.Run(context.Background(), []batchtable.Unit{unit("B1", "SO1")})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.OrdersPlaced != 0 || summary.OrdersFailed != 1 {
		t.Fatalf("summary = %+v, want 0 placed, 1 failed", summary)
	}
	if got := remote.createCalls["SO1"]; got != 2 {
		t.Fatalf("create calls = %d, want exactly 2 across the whole run", got)
	}

	_, errRows := shards.Combine(a.shards)
	if len(errRows) != 1 || errRows[0].Reason != "create deferred twice" {
		t.Fatalf("error rows = %v, want one terminal defer-twice row", errRows)
	}
}

func TestDisjointBatchesKeepIndependentRanks(t *testing.T) {
	reader := newFakeReader()
	remote := newFakeRemote(reader)
	for _, so := range []string{"SO1", "SO2", "SO3", "SO4", "SO5"} {
		reader.addBOM(so)
	}

	a := newTestAllocator(t, remote, reader, 2)
	_, err := a.Run(context.Background(), []batchtable.Unit{
		unit("B1", "SO1", "SO2"),
		unit("B2", "SO3", "SO4", "SO5"),
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	b1 := remote.ranksFor("batch-B1")
	if len(b1) != 2 || b1[0] != 1 || b1[1] != 2 {
		t.Fatalf("B1 ranks = %v, want [1 2]", b1)
	}
	b2 := remote.ranksFor("batch-B2")
	if len(b2) != 3 || b2[0] != 1 || b2[1] != 2 || b2[2] != 3 {
		t.Fatalf("B2 ranks = %v, want [1 2 3]", b2)
	}
}

func TestPreexistingOrderIsCleanedUp(t *testing.T) {
	reader := newFakeReader()
	remote := newFakeRemote(reader)
	reader.addBOM("SO1")

	// SO1 already exists and is allocated: the run must deallocate and
	// delete it before creating the fresh order.
	stale := snapshot.Order{ID: "stale-SO1", Name: "SO1", Status: snapshot.StatusIsAllocated}
	reader.open = []snapshot.Order{stale}
	reader.orders["SO1"] = stale

	a := newTestAllocator(t, remote, reader, 1)
	summary, err := a.Run(context.Background(), []batchtable.Unit{unit("B1", "SO1")})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if summary.OrdersPlaced != 1 {
		t.Fatalf("summary = %+v, want 1 placed", summary)
	}

	if len(remote.deallocCalls) != 1 || remote.deallocCalls[0] != "stale-SO1" {
		t.Fatalf("dealloc calls = %v, want the stale order", remote.deallocCalls)
	}
	if len(remote.deleteCalls) != 1 || remote.deleteCalls[0] != "stale-SO1" {
		t.Fatalf("delete calls = %v, want the stale order", remote.deleteCalls)
	}
	if got := remote.createCalls["SO1"]; got != 1 {
		t.Fatalf("create calls = %d, want 1", got)
	}
}
