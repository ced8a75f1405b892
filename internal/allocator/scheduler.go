package allocator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/silvercrystal/batch-allocator/internal/batchtable"
	"github.com/silvercrystal/batch-allocator/internal/logging"
	"github.com/silvercrystal/batch-allocator/internal/shards"
)

// runPool executes the main pass: all units are loaded into one FIFO queue
// before any worker starts, then min(configured, len(units)) workers drain
// it. A unit is consumed by exactly one worker, so a batch name is never
// processed concurrently even though the rank ledger would tolerate it.
func (a *Allocator) runPool(ctx context.Context, units []batchtable.Unit) error {
	queue := make(chan batchtable.Unit, len(units))
	for _, unit := range units {
		queue <- unit
	}
	close(queue)
	a.met.QueueDepth.Set(float64(len(units)))

	workers := a.cfg.Run.Workers
	if workers > len(units) {
		workers = len(units)
	}
	a.shards = make([]*shards.Shard, workers)
	for i := range a.shards {
		a.shards[i] = shards.New(a.store, a.prefix, fmt.Sprintf("worker-%d", i+1))
	}

	a.log.Info("starting worker pool", "workers", workers, "units", len(units))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := i + 1
		shard := a.shards[i]
		g.Go(func() error {
			return a.worker(gctx, id, shard, queue)
		})
	}
	return g.Wait()
}

func (a *Allocator) worker(ctx context.Context, id int, shard *shards.Shard, queue <-chan batchtable.Unit) error {
	log := logging.WorkerLogger(id)
	log.Info("worker started")

	for unit := range queue {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.met.QueueDepth.Dec()
		a.met.WorkersBusy.Inc()
		start := time.Now()
		a.processUnit(ctx, id, shard, unit)
		a.met.BatchUnitDuration.Observe(time.Since(start).Seconds())
		a.met.WorkersBusy.Dec()
	}

	log.Info("worker exiting, queue drained")
	return nil
}

// processUnit runs the lifecycle over every sales order of one unit in
// input order, persisting the shard after each order so a crash loses at
// most the in-flight one.
func (a *Allocator) processUnit(ctx context.Context, workerID int, shard *shards.Shard, unit batchtable.Unit) {
	log := logging.BatchLogger(workerID, unit.Name, len(unit.SalesOrders))
	log.Info("processing batch unit", "due_date", unit.DueDate)
	shard.Seed(unit)

	for _, soNum := range unit.SalesOrders {
		olog := logging.OrderLogger(log, soNum)
		res := a.lifecycle.ProcessOrder(ctx, olog, unit.Name, soNum, a.bom[soNum], a.openOrder(soNum))
		a.met.OrdersProcessed.WithLabelValues(unit.Name, res.outcome.String()).Inc()

		switch res.outcome {
		case outcomeAssigned:
			shard.RecordSuccess(unit.Name, soNum)
		case outcomeFailed:
			shard.RecordFailure(unit.Name, soNum, res.reason)
		default:
			// deferred either way; the tail passes decide the final state
		}
		if err := shard.Persist(ctx); err != nil {
			olog.Error("shard persist failed", "error", err)
		}
	}
	log.Info("batch unit done", "assigned", a.ledger.Count(unit.Name))
}
