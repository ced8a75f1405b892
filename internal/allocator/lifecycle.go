package allocator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/silvercrystal/batch-allocator/internal/config"
	"github.com/silvercrystal/batch-allocator/internal/metrics"
	"github.com/silvercrystal/batch-allocator/internal/orderapi"
	"github.com/silvercrystal/batch-allocator/internal/poll"
	"github.com/silvercrystal/batch-allocator/internal/snapshot"
)

// ErrBatchUnavailable means the batch container never became visible within
// its creation budget.
var ErrBatchUnavailable = errors.New("batch container not visible")

// orderOutcome classifies what happened to one sales order in one pass.
type orderOutcome int

const (
	outcomeAssigned orderOutcome = iota
	outcomeDeferCreate
	outcomeDeferAssign
	outcomeFailed
)

func (o orderOutcome) String() string {
	switch o {
	case outcomeAssigned:
		return "assigned"
	case outcomeDeferCreate:
		return "defer_create"
	case outcomeDeferAssign:
		return "defer_assign"
	case outcomeFailed:
		return "failed"
	}
	return "unknown"
}

type orderResult struct {
	outcome orderOutcome
	reason  string
}

// Storage-unit hints by material group: ground pallet zones for bulky
// groups, vertical bins for small parts.
var groupStorageUnits = map[string][]string{
	"101": {"G1", "G2", "G3", "G4"},
	"102": {"G1", "G2", "G3", "G4"},
	"105": {"V1", "V2", "V3", "V4", "V5"},
	"106": {"V1", "V2", "V3", "V4", "V5"},
}

// Lifecycle drives one sales order through cleanup, create, and assign
// against the remote service. Safe for concurrent use; the only shared
// mutable state is the batch container cache and the injected ledger and
// tracker, each behind its own mutex.
type Lifecycle struct {
	remote   orderapi.Service
	snap     snapshot.Reader
	ledger   *RankLedger
	deferred *DeferredTracker
	budgets  config.BudgetConfig
	met      *metrics.Metrics

	mu         sync.Mutex
	batchCache map[string]*snapshot.Batch
}

func NewLifecycle(remote orderapi.Service, snap snapshot.Reader, ledger *RankLedger, deferred *DeferredTracker, budgets config.BudgetConfig) *Lifecycle {
	return &Lifecycle{
		remote:     remote,
		snap:       snap,
		ledger:     ledger,
		deferred:   deferred,
		budgets:    budgets,
		met:        metrics.Get(),
		batchCache: make(map[string]*snapshot.Batch),
	}
}

// ProcessOrder runs the full main-pass state machine for one sales order.
// existing is the order as seen by the run-start snapshot, nil when absent.
func (l *Lifecycle) ProcessOrder(ctx context.Context, log *slog.Logger, batch, soNum string, bom []snapshot.BOMRow, existing *snapshot.Order) orderResult {
	if existing != nil {
		l.cleanup(ctx, log, *existing)
	}

	req, ok := buildOrderRequest(soNum, bom)
	if !ok {
		return orderResult{outcome: outcomeFailed, reason: "no pickable lines in source BOM"}
	}

	out := l.remote.CreateOrder(ctx, req)
	l.met.OrderCreates.WithLabelValues(out.Kind.String()).Inc()
	switch out.Kind {
	case orderapi.OrderCreated:
		// proceed to assign
	case orderapi.OrderConflict:
		log.Info("order already exists, assigning as-is")
	case orderapi.OrderTimedOut:
		// The create may still land asynchronously. Watch for it briefly,
		// then try to assign either way.
		visible, _ := poll.UntilWindow(ctx, l.budgets.CreateGraceWindow, l.budgets.CreateGraceInterval, func(ctx context.Context) (bool, error) {
			ord, err := l.snap.OrderByName(ctx, soNum)
			return err == nil && ord != nil, nil
		})
		log.Warn("order create timed out", "visible_after_wait", visible)
	case orderapi.OrderDeferred:
		// Retrying now risks a duplicate order. Park it for the tail pass.
		log.Warn("order create hit server fault, deferring")
		l.deferred.AddCreate(batch, soNum)
		return orderResult{outcome: outcomeDeferCreate}
	case orderapi.OrderFailed:
		log.Error("order create failed", "status", out.StatusCode, "error", out.Err)
		return orderResult{outcome: outcomeFailed, reason: "create_failed"}
	}

	if l.assign(ctx, log, batch, soNum) {
		return orderResult{outcome: outcomeAssigned}
	}
	l.deferred.AddAssign(batch, soNum)
	return orderResult{outcome: outcomeDeferAssign}
}

// cleanup deallocates and deletes a pre-existing order with the same name.
// Best effort: a cleanup that does not finish within budget never blocks the
// sales order, the create step just proceeds against whatever state remains.
func (l *Lifecycle) cleanup(ctx context.Context, log *slog.Logger, existing snapshot.Order) {
	log.Info("cleaning up pre-existing order", "order_id", existing.ID, "status", int(existing.Status))

	if existing.Status.Allocated() {
		if err := l.remote.SetAllocation(ctx, existing.ID, false); err != nil {
			log.Warn("deallocate request failed", "error", err)
		}
		released, _ := poll.Until(ctx, l.budgets.CleanupAttempts, l.budgets.CleanupInterval, func(ctx context.Context) (bool, error) {
			ord, err := l.snap.OrderByName(ctx, existing.Name)
			if err != nil {
				return false, nil
			}
			return ord == nil || !ord.Status.Allocated(), nil
		})
		if !released {
			log.Warn("order still allocated after wait, continuing")
		}
	}

	if err := l.remote.DeleteOrder(ctx, existing.ID); err != nil {
		log.Warn("delete request failed", "error", err)
	}
	gone, _ := poll.Until(ctx, l.budgets.CleanupAttempts, l.budgets.CleanupInterval, func(ctx context.Context) (bool, error) {
		ord, err := l.snap.OrderByName(ctx, existing.Name)
		if err != nil {
			return false, nil
		}
		return ord == nil, nil
	})
	if !gone {
		log.Warn("order still visible after delete wait, continuing")
	}
}

// assign puts every work-order-line of the named order into the batch at the
// current rank. Returns false without consuming a rank when the first line
// cannot be assigned within its budget.
func (l *Lifecycle) assign(ctx context.Context, log *slog.Logger, batch, soNum string) bool {
	container, err := l.ensureBatch(ctx, log, batch)
	if err != nil {
		log.Error("batch container unavailable", "error", err)
		return false
	}

	var order *snapshot.Order
	poll.UntilWindow(ctx, l.budgets.AssignPrewait, l.budgets.AssignPrewaitInterval, func(ctx context.Context) (bool, error) {
		ord, err := l.snap.OrderByName(ctx, soNum)
		if err != nil || ord == nil {
			return false, nil
		}
		order = ord
		return true, nil
	})
	if order == nil {
		log.Warn("order not visible for assignment")
		return false
	}

	var lines []snapshot.WorkOrderLine
	poll.Until(ctx, l.budgets.LinePollAttempts, l.budgets.LinePollInterval, func(ctx context.Context) (bool, error) {
		ls, err := l.snap.WorkOrderLines(ctx, order.ID)
		if err != nil {
			return false, nil
		}
		lines = ls
		return len(ls) > 0, nil
	})
	if len(lines) == 0 {
		log.Warn("no work-order-lines visible for assignment", "order_id", order.ID)
		return false
	}

	rank := l.ledger.Next(batch)

	// The first line is load-bearing: on its first failure only, refetch the
	// lines once in case the create we raced against replaced the ids.
	first := lines[0]
	firstOK := false
	for attempt := 1; attempt <= l.budgets.LineAssignAttempts; attempt++ {
		if err := l.remote.AssignWorkOrderLine(ctx, first.ID, container.ID, rank); err == nil {
			firstOK = true
			break
		} else {
			log.Warn("first line assignment failed", "line_id", first.ID, "attempt", attempt, "error", err)
		}
		l.met.AssignRetries.Inc()
		if attempt == 1 {
			sleepCtx(ctx, l.budgets.LineRefetchSettle)
			if fresh, err := l.snap.WorkOrderLines(ctx, order.ID); err == nil && len(fresh) > 0 {
				lines = fresh
				first = fresh[0]
			}
		} else {
			sleepCtx(ctx, l.budgets.LineAssignPause)
		}
	}
	if !firstOK {
		return false
	}
	committed := l.ledger.Commit(batch)
	log.Info("order assigned", "rank", rank, "batch_count", committed, "lines", len(lines))

	// Remaining lines fail independently without giving the rank back.
	for _, line := range lines[1:] {
		if !l.assignLine(ctx, line.ID, container.ID, rank) {
			log.Warn("trailing line assignment failed", "line_id", line.ID, "rank", rank)
		}
	}
	return true
}

func (l *Lifecycle) assignLine(ctx context.Context, lineID, batchID string, rank int) bool {
	for attempt := 1; attempt <= l.budgets.LineAssignAttempts; attempt++ {
		if err := l.remote.AssignWorkOrderLine(ctx, lineID, batchID, rank); err == nil {
			return true
		}
		l.met.AssignRetries.Inc()
		sleepCtx(ctx, l.budgets.LineAssignPause)
	}
	return false
}

// ensureBatch resolves the batch container, creating it when absent and
// waiting out the service's visibility lag. Containers are cached for the
// run; the same name always resolves to the same id.
func (l *Lifecycle) ensureBatch(ctx context.Context, log *slog.Logger, name string) (*snapshot.Batch, error) {
	l.mu.Lock()
	cached := l.batchCache[name]
	l.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	container, err := l.snap.BatchByName(ctx, name)
	if err != nil {
		log.Warn("batch lookup failed", "batch", name, "error", err)
	}
	if container == nil {
		if err := l.remote.CreateBatch(ctx, name); err != nil {
			return nil, err
		}
		poll.Until(ctx, l.budgets.BatchCreateAttempts, l.budgets.BatchCreateInterval, func(ctx context.Context) (bool, error) {
			b, err := l.snap.BatchByName(ctx, name)
			if err != nil || b == nil {
				return false, nil
			}
			container = b
			return true, nil
		})
		if container == nil {
			return nil, ErrBatchUnavailable
		}
	}

	l.mu.Lock()
	l.batchCache[name] = container
	l.mu.Unlock()
	return container, nil
}

// buildOrderRequest turns a sales order's BOM rows into a create request.
// Only pickable rows become order lines; the deadline is the earliest due
// date across the rows.
func buildOrderRequest(soNum string, bom []snapshot.BOMRow) (orderapi.OrderRequest, bool) {
	req := orderapi.OrderRequest{Name: soNum}
	for _, row := range bom {
		if !row.DocDueDate.IsZero() && (req.Deadline.IsZero() || row.DocDueDate.Before(req.Deadline)) {
			req.Deadline = row.DocDueDate
		}
		if row.PickItem != "Y" {
			continue
		}
		req.Lines = append(req.Lines, orderapi.OrderLine{
			MaterialID:    row.MaterialID,
			Quantity:      row.Quantity,
			Info1:         row.Description,
			Info2:         row.FreeText,
			Qualification: row.Warehouse,
			StorageUnits:  storageUnitHints(row.GroupCode),
		})
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().AddDate(0, 0, 1)
	}
	return req, len(req.Lines) > 0
}

func storageUnitHints(groupCode string) []orderapi.StorageUnit {
	names := groupStorageUnits[groupCode]
	units := make([]orderapi.StorageUnit, 0, len(names))
	for _, n := range names {
		units = append(units, orderapi.StorageUnit{Name: n})
	}
	if len(units) == 0 {
		return nil
	}
	return units
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
