// Package shards holds per-worker result accumulators. Each worker owns one
// shard and persists it after every sales order, so a crash loses at most
// the in-flight order. After the tail passes a single-threaded merge folds
// late successes back into the owning shard, and all shards are combined
// into the final output and error tables.
package shards

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/silvercrystal/batch-allocator/internal/batchtable"
	"github.com/silvercrystal/batch-allocator/internal/storage"
)

// ResultRow is one batch's outcome in a shard or the combined output table.
type ResultRow struct {
	BatchName     string `parquet:"batchName"`
	DueDate       string `parquet:"dueDate,optional"`
	DocNums       string `parquet:"docNums"`
	OrdersBatched string `parquet:"ordersBatched"`
	SOCount       int32  `parquet:"soCount"`
}

// ErrorRow is one failed sales order in a shard or the combined error table.
type ErrorRow struct {
	BatchName string `parquet:"batchName"`
	SONum     string `parquet:"soNum"`
	Reason    string `parquet:"reason"`
}

type entry struct {
	dueDate string
	docNums string
	orders  []string
	seen    map[string]bool
}

// Shard is one worker's durable partial result. It is written by exactly one
// goroutine during the main pass and only by the reconciliation step after.
type Shard struct {
	id     string
	store  storage.Store
	prefix string

	names   []string // batch insertion order
	entries map[string]*entry
	errors  []ErrorRow
}

// New creates an empty shard persisted under <prefix>/shards/<id>_*.parquet.
func New(store storage.Store, prefix, id string) *Shard {
	return &Shard{
		id:      id,
		store:   store,
		prefix:  prefix,
		entries: make(map[string]*entry),
	}
}

// Seed registers a batch unit so its row exists even if every order fails.
func (s *Shard) Seed(unit batchtable.Unit) {
	if _, ok := s.entries[unit.Name]; ok {
		return
	}
	s.names = append(s.names, unit.Name)
	s.entries[unit.Name] = &entry{
		dueDate: unit.DueDate,
		docNums: strings.Join(unit.SalesOrders, ", "),
		seen:    make(map[string]bool),
	}
}

// Holds reports whether this shard owns the row for the given batch.
func (s *Shard) Holds(batch string) bool {
	_, ok := s.entries[batch]
	return ok
}

// RecordSuccess appends soNum to the batch's assigned list if not already
// present. Returns false when the entry was a duplicate or the batch is not
// held by this shard.
func (s *Shard) RecordSuccess(batch, soNum string) bool {
	e, ok := s.entries[batch]
	if !ok || e.seen[soNum] {
		return false
	}
	e.seen[soNum] = true
	e.orders = append(e.orders, soNum)
	return true
}

// RecordFailure appends a terminal failure for one sales order.
func (s *Shard) RecordFailure(batch, soNum, reason string) {
	s.errors = append(s.errors, ErrorRow{BatchName: batch, SONum: soNum, Reason: reason})
}

// Results returns the shard's rows in batch insertion order.
func (s *Shard) Results() []ResultRow {
	rows := make([]ResultRow, 0, len(s.names))
	for _, name := range s.names {
		e := s.entries[name]
		rows = append(rows, ResultRow{
			BatchName:     name,
			DueDate:       e.dueDate,
			DocNums:       e.docNums,
			OrdersBatched: strings.Join(e.orders, ", "),
			SOCount:       int32(len(e.orders)),
		})
	}
	return rows
}

// Errors returns the shard's failure rows.
func (s *Shard) Errors() []ErrorRow {
	return s.errors
}

// Persist writes the shard's result and error tables to the store.
func (s *Shard) Persist(ctx context.Context) error {
	if err := putParquet(ctx, s.store, s.key("results"), s.Results()); err != nil {
		return err
	}
	return putParquet(ctx, s.store, s.key("errors"), s.errors)
}

func (s *Shard) key(kind string) string {
	return fmt.Sprintf("%s/shards/%s_%s.parquet", s.prefix, s.id, kind)
}

// Merge folds tail-pass successes into whichever shard holds each batch's
// row. The merge is idempotent: applying the same map twice changes nothing.
// Shards touched by the merge are re-persisted.
func Merge(ctx context.Context, all []*Shard, successes map[string][]string) error {
	for _, shard := range all {
		touched := false
		for batch, soNums := range successes {
			if !shard.Holds(batch) {
				continue
			}
			for _, so := range soNums {
				if shard.RecordSuccess(batch, so) {
					touched = true
				}
			}
		}
		if touched {
			if err := shard.Persist(ctx); err != nil {
				return fmt.Errorf("persist shard %s after merge: %w", shard.id, err)
			}
		}
	}
	return nil
}

// Combine joins all shards into one output table sorted by due date then
// batch name, and one error table.
func Combine(all []*Shard) ([]ResultRow, []ErrorRow) {
	var results []ResultRow
	var errRows []ErrorRow
	for _, shard := range all {
		results = append(results, shard.Results()...)
		errRows = append(errRows, shard.errors...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].DueDate != results[j].DueDate {
			return results[i].DueDate < results[j].DueDate
		}
		return results[i].BatchName < results[j].BatchName
	})
	return results, errRows
}

// WriteCombined persists the combined output and error tables under prefix.
func WriteCombined(ctx context.Context, store storage.Store, prefix string, results []ResultRow, errRows []ErrorRow) error {
	if err := putParquet(ctx, store, prefix+"/batch_results.parquet", results); err != nil {
		return err
	}
	return putParquet(ctx, store, prefix+"/batch_errors.parquet", errRows)
}

func putParquet[T any](ctx context.Context, store storage.Store, key string, rows []T) error {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf)
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish %s: %w", key, err)
	}
	if err := store.Put(ctx, key, buf.Bytes()); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
