// Package snapshot reads current-state snapshots of the remote order service
// from its queryable SQL mirror. The mirror is eventually consistent: a row
// for a just-created entity may lag behind the create acknowledgment, and
// callers are expected to poll for visibility.
package snapshot

import (
	"context"
	"time"
)

// OrderStatus is the remote service's order status code.
type OrderStatus int

const (
	StatusUntouched          OrderStatus = 0
	StatusReadyForAllocation OrderStatus = 5
	StatusIsAllocated        OrderStatus = 10
	StatusInProcess          OrderStatus = 11
	StatusUnknown            OrderStatus = -1
)

// Allocated reports whether the order currently holds an allocation.
func (s OrderStatus) Allocated() bool {
	return s == StatusIsAllocated || s == StatusInProcess
}

// StatusFromCode maps a raw mirror status code onto a known status.
func StatusFromCode(code int) OrderStatus {
	switch OrderStatus(code) {
	case StatusUntouched, StatusReadyForAllocation, StatusIsAllocated, StatusInProcess:
		return OrderStatus(code)
	default:
		return StatusUnknown
	}
}

// Order is a pick order as seen by the mirror.
type Order struct {
	ID     string
	Name   string
	Status OrderStatus
}

// Batch is a named grouping container as seen by the mirror.
type Batch struct {
	ID   string
	Name string
}

// WorkOrderLine is a child line of an order, listed in assignment order.
type WorkOrderLine struct {
	ID      string
	OrderID string
}

// BOMRow is one source-system BOM line for a sales order.
type BOMRow struct {
	DocNum      string
	DocDueDate  time.Time
	LineNum     int
	Warehouse   string
	ItemCode    string
	Description string
	Quantity    float64
	FreeText    string
	GroupCode   string
	PickItem    string
	MaterialID  string
}

// Reader provides snapshot reads against the mirror. Implementations must be
// safe for concurrent use by multiple workers.
type Reader interface {
	// OpenOrders returns all open pick orders.
	OpenOrders(ctx context.Context) ([]Order, error)

	// OrderByName returns the order with the given name, or nil when the
	// mirror does not (yet) see it.
	OrderByName(ctx context.Context, name string) (*Order, error)

	// BatchByName returns the batch container with the given name, or nil.
	BatchByName(ctx context.Context, name string) (*Batch, error)

	// WorkOrderLines returns the order's lines in their listed order.
	WorkOrderLines(ctx context.Context, orderID string) ([]WorkOrderLine, error)

	// SourceBOM returns the BOM rows for the given sales-order numbers.
	SourceBOM(ctx context.Context, soNumbers []string) ([]BOMRow, error)
}
