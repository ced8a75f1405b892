package allocator

import (
	"sort"
	"sync"
)

// Entry is one deferred (batch, sales order) pair.
type Entry struct {
	Batch string
	SONum string
}

// DeferredTracker collects the sales orders that could not complete during
// the main pass: assignment failures (the order exists but its first line
// would not take the batch) and creation deferrals (the create returned a
// server fault and must not be retried inline). Entries are consumed by the
// tail passes, which run single-threaded after the pool drains.
type DeferredTracker struct {
	mu     sync.Mutex
	assign map[string][]string
	create map[string][]string
}

func NewDeferredTracker() *DeferredTracker {
	return &DeferredTracker{
		assign: make(map[string][]string),
		create: make(map[string][]string),
	}
}

// AddAssign queues a sales order whose assignment failed after its budget.
func (t *DeferredTracker) AddAssign(batch, soNum string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.assign[batch] = append(t.assign[batch], soNum)
}

// AddCreate queues a sales order whose create returned a server fault.
func (t *DeferredTracker) AddCreate(batch, soNum string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.create[batch] = append(t.create[batch], soNum)
}

// AssignEntries returns the deferred-assign entries in deterministic order:
// batch name ascending, insertion order within a batch.
func (t *DeferredTracker) AssignEntries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return flatten(t.assign)
}

// CreateEntries returns the deferred-create entries in deterministic order.
func (t *DeferredTracker) CreateEntries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return flatten(t.create)
}

// Counts returns how many entries each queue holds.
func (t *DeferredTracker) Counts() (assigns, creates int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.assign {
		assigns += len(v)
	}
	for _, v := range t.create {
		creates += len(v)
	}
	return assigns, creates
}

func flatten(m map[string][]string) []Entry {
	batches := make([]string, 0, len(m))
	for batch := range m {
		batches = append(batches, batch)
	}
	sort.Strings(batches)

	var out []Entry
	for _, batch := range batches {
		for _, so := range m[batch] {
			out = append(out, Entry{Batch: batch, SONum: so})
		}
	}
	return out
}
