package allocator

import "sync"

// RankLedger tracks, per batch name, how many sales orders have been
// successfully assigned. The next rank to attempt is always counter+1; a
// rank is never reserved ahead of a confirmed assignment, so a failed
// attempt simply retries at whatever rank is current when it runs again.
//
// One mutex guards every read-increment-write sequence. The mutex is held
// only for the map access, never across a remote call.
type RankLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewRankLedger() *RankLedger {
	return &RankLedger{counts: make(map[string]int)}
}

// Next returns the rank the next assignment for batch should use, without
// reserving it.
func (l *RankLedger) Next(batch string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[batch] + 1
}

// Commit records one confirmed assignment and returns the new count. Called
// only after the order's first work-order-line assignment succeeded.
func (l *RankLedger) Commit(batch string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[batch]++
	return l.counts[batch]
}

// Count returns the number of committed assignments for batch.
func (l *RankLedger) Count(batch string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[batch]
}
