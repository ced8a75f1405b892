// Package allocator is the batch-allocation core: a FIFO worker pool drives
// every sales order of every batch unit through the order lifecycle, rank
// bookkeeping keeps batch priorities dense, and two single-threaded tail
// passes recover the orders that deferred during the main pass.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/silvercrystal/batch-allocator/internal/batchtable"
	"github.com/silvercrystal/batch-allocator/internal/catalog"
	"github.com/silvercrystal/batch-allocator/internal/config"
	"github.com/silvercrystal/batch-allocator/internal/logging"
	"github.com/silvercrystal/batch-allocator/internal/metrics"
	"github.com/silvercrystal/batch-allocator/internal/orderapi"
	"github.com/silvercrystal/batch-allocator/internal/runs"
	"github.com/silvercrystal/batch-allocator/internal/shards"
	"github.com/silvercrystal/batch-allocator/internal/snapshot"
	"github.com/silvercrystal/batch-allocator/internal/storage"
)

// Summary is what a finished run reports back.
type Summary struct {
	Batches      int
	OrdersPlaced int
	OrdersFailed int
}

// Allocator owns one allocation run.
type Allocator struct {
	cfg    config.Config
	remote orderapi.Service
	snap   snapshot.Reader
	store  storage.Store
	cat    catalog.Writer
	run    *runs.Run
	log    *slog.Logger
	met    *metrics.Metrics

	ledger    *RankLedger
	deferred  *DeferredTracker
	lifecycle *Lifecycle

	prefix string
	shards []*shards.Shard
	bom    map[string][]snapshot.BOMRow
	open   map[string]snapshot.Order
}

// New wires an allocator for one run. All shared state (rank ledger,
// deferred tracker, batch cache) is constructed here and torn down with the
// allocator; nothing is ambient.
func New(cfg config.Config, remote orderapi.Service, snap snapshot.Reader, store storage.Store, cat catalog.Writer, run *runs.Run) *Allocator {
	ledger := NewRankLedger()
	deferred := NewDeferredTracker()
	return &Allocator{
		cfg:       cfg,
		remote:    remote,
		snap:      snap,
		store:     store,
		cat:       cat,
		run:       run,
		log:       logging.Component("allocator"),
		met:       metrics.Get(),
		ledger:    ledger,
		deferred:  deferred,
		lifecycle: NewLifecycle(remote, snap, ledger, deferred, cfg.Budgets),
		prefix:    "runs/" + run.Meta.RunID,
	}
}

// Run processes all units: main pass through the worker pool, then the two
// tail passes, then shard merge, combine, and catalog recording. Failures
// scoped to single sales orders never abort the run; only infrastructure
// failures (snapshot load, output persistence) surface as errors.
func (a *Allocator) Run(ctx context.Context, units []batchtable.Unit) (Summary, error) {
	if len(units) == 0 {
		return Summary{}, errors.New("no batch units to process")
	}

	if err := a.loadSnapshots(ctx, units); err != nil {
		return Summary{}, err
	}

	if err := a.runPool(ctx, units); err != nil {
		return Summary{}, fmt.Errorf("worker pool: %w", err)
	}
	a.runTails(ctx)

	results, errRows := shards.Combine(a.shards)
	if err := shards.WriteCombined(ctx, a.store, a.prefix, results, errRows); err != nil {
		return Summary{}, fmt.Errorf("write combined tables: %w", err)
	}

	if err := a.cat.RecordResults(ctx, a.run.Meta.RunID, results); err != nil {
		a.log.Warn("catalog result recording failed", "error", err)
	}
	if err := a.cat.RecordFailures(ctx, a.run.Meta.RunID, errRows); err != nil {
		a.log.Warn("catalog failure recording failed", "error", err)
	}

	summary := Summary{Batches: len(results), OrdersFailed: len(errRows)}
	for _, row := range results {
		summary.OrdersPlaced += int(row.SOCount)
	}
	return summary, nil
}

// loadSnapshots reads everything the run needs from the mirror up front:
// the open-order state driving cleanup decisions and the source BOM rows
// for every sales order in every unit.
func (a *Allocator) loadSnapshots(ctx context.Context, units []batchtable.Unit) error {
	open, err := a.snap.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	a.open = make(map[string]snapshot.Order, len(open))
	for _, ord := range open {
		a.open[ord.Name] = ord
	}

	var soNums []string
	seen := make(map[string]bool)
	for _, unit := range units {
		for _, so := range unit.SalesOrders {
			if !seen[so] {
				seen[so] = true
				soNums = append(soNums, so)
			}
		}
	}
	rows, err := a.snap.SourceBOM(ctx, soNums)
	if err != nil {
		return fmt.Errorf("load source BOM: %w", err)
	}
	a.bom = make(map[string][]snapshot.BOMRow)
	for _, row := range rows {
		a.bom[row.DocNum] = append(a.bom[row.DocNum], row)
	}

	a.log.Info("snapshots loaded", "open_orders", len(open), "sales_orders", len(soNums), "bom_rows", len(rows))
	return nil
}

func (a *Allocator) openOrder(name string) *snapshot.Order {
	if ord, ok := a.open[name]; ok {
		return &ord
	}
	return nil
}

// recordFailure writes a terminal failure into whichever shard owns the
// batch's row and re-persists it.
func (a *Allocator) recordFailure(ctx context.Context, batch, soNum, reason string) {
	for _, shard := range a.shards {
		if !shard.Holds(batch) {
			continue
		}
		shard.RecordFailure(batch, soNum, reason)
		if err := shard.Persist(ctx); err != nil {
			a.log.Error("persist shard after failure record", "error", err)
		}
		return
	}
	a.log.Error("no shard holds batch for failure record", "batch", batch, "so", soNum)
}
