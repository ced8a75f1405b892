package allocator

import (
	"context"

	"github.com/silvercrystal/batch-allocator/internal/logging"
	"github.com/silvercrystal/batch-allocator/internal/orderapi"
	"github.com/silvercrystal/batch-allocator/internal/poll"
	"github.com/silvercrystal/batch-allocator/internal/shards"
)

// runTails executes the two recovery passes strictly single-threaded after
// the pool has drained, then merges their successes into the owning shards.
// Running after drain means no rank races and no duplicate-creation races.
func (a *Allocator) runTails(ctx context.Context) {
	assigns, creates := a.deferred.Counts()
	if assigns == 0 && creates == 0 {
		a.log.Info("no deferred work")
		return
	}
	a.log.Info("starting tail passes", "deferred_assigns", assigns, "deferred_creates", creates)

	successes := make(map[string][]string)
	a.tailAssignPass(ctx, successes)
	a.tailCreatePass(ctx, successes)

	if err := shards.Merge(ctx, a.shards, successes); err != nil {
		a.log.Error("tail merge failed", "error", err)
	}
}

// tailAssignPass retries each deferred assignment exactly once at the
// then-current tail rank. Orders that vanished since the main pass are
// dropped with a terminal failure.
func (a *Allocator) tailAssignPass(ctx context.Context, successes map[string][]string) {
	log := logging.Component("tail").With("pass", "assign_retry")

	for _, e := range a.deferred.AssignEntries() {
		olog := logging.OrderLogger(log, e.SONum).With("batch", e.Batch)

		ord, err := a.snap.OrderByName(ctx, e.SONum)
		if err != nil {
			olog.Warn("order lookup failed", "error", err)
		}
		if ord == nil {
			olog.Warn("deferred order vanished, dropping")
			a.recordFailure(ctx, e.Batch, e.SONum, "order vanished before deferred assignment")
			continue
		}

		if a.lifecycle.assign(ctx, olog, e.Batch, e.SONum) {
			successes[e.Batch] = append(successes[e.Batch], e.SONum)
			a.met.TailSuccesses.WithLabelValues("assign_retry").Inc()
			olog.Info("deferred assignment recovered")
		} else {
			a.recordFailure(ctx, e.Batch, e.SONum, "assignment failed after deferred retry")
		}
	}
}

// tailCreatePass handles orders whose create hit a server fault. Each gets
// one bounded visibility wait (the original create may have landed
// asynchronously), then at most one more create submission, then one
// assignment attempt. A second server fault is terminal for the run.
func (a *Allocator) tailCreatePass(ctx context.Context, successes map[string][]string) {
	log := logging.Component("tail").With("pass", "create_retry")

	for _, e := range a.deferred.CreateEntries() {
		olog := logging.OrderLogger(log, e.SONum).With("batch", e.Batch)

		visible, _ := poll.UntilWindow(ctx, a.cfg.Budgets.TailCreateWait, a.cfg.Budgets.TailCreateInterval, func(ctx context.Context) (bool, error) {
			ord, err := a.snap.OrderByName(ctx, e.SONum)
			return err == nil && ord != nil, nil
		})

		if !visible {
			req, ok := buildOrderRequest(e.SONum, a.bom[e.SONum])
			if !ok {
				a.recordFailure(ctx, e.Batch, e.SONum, "no pickable lines in source BOM")
				continue
			}
			out := a.remote.CreateOrder(ctx, req)
			a.met.OrderCreates.WithLabelValues(out.Kind.String()).Inc()
			switch out.Kind {
			case orderapi.OrderDeferred:
				olog.Error("create deferred twice, giving up for this run")
				a.recordFailure(ctx, e.Batch, e.SONum, "create deferred twice")
				continue
			case orderapi.OrderFailed:
				olog.Error("deferred create failed", "status", out.StatusCode)
				a.recordFailure(ctx, e.Batch, e.SONum, "create_failed")
				continue
			}
			// created, conflict, or timed out: assignment decides from here
		} else {
			olog.Info("deferred order became visible on its own")
		}

		if a.lifecycle.assign(ctx, olog, e.Batch, e.SONum) {
			successes[e.Batch] = append(successes[e.Batch], e.SONum)
			a.met.TailSuccesses.WithLabelValues("create_retry").Inc()
			olog.Info("deferred creation recovered")
		} else {
			a.recordFailure(ctx, e.Batch, e.SONum, "assignment failed after deferred creation")
		}
	}
}
