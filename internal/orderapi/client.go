// Package orderapi is the HTTP client for the remote order management
// service. The service can time out, return transient 5xx errors, and lag in
// making new entities visible to reads; the client's job is to issue single
// requests and classify their outcomes, leaving retry policy to the caller.
package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/silvercrystal/batch-allocator/internal/config"
	"github.com/silvercrystal/batch-allocator/internal/logging"
	"github.com/silvercrystal/batch-allocator/internal/metrics"
)

// CreateOutcomeKind classifies the result of an order create request.
type CreateOutcomeKind int

const (
	// OrderCreated: the service acknowledged the create.
	OrderCreated CreateOutcomeKind = iota
	// OrderConflict: an order with this name already exists (HTTP 409).
	OrderConflict
	// OrderTimedOut: gateway timeout or network failure; the create may
	// still land asynchronously.
	OrderTimedOut
	// OrderDeferred: server fault (HTTP 500); retrying inline risks a
	// duplicate create, so the caller must defer to the tail pass.
	OrderDeferred
	// OrderFailed: any other HTTP error; terminal for this order.
	OrderFailed
)

func (k CreateOutcomeKind) String() string {
	switch k {
	case OrderCreated:
		return "created"
	case OrderConflict:
		return "conflict"
	case OrderTimedOut:
		return "timed_out"
	case OrderDeferred:
		return "deferred"
	case OrderFailed:
		return "failed"
	}
	return "unknown"
}

// CreateOutcome is the classified result of CreateOrder.
type CreateOutcome struct {
	Kind       CreateOutcomeKind
	StatusCode int
	Err        error
}

// StorageUnit names a storage unit hint attached to an order line.
type StorageUnit struct {
	Name string `json:"name"`
}

// OrderLine is one line of an order create request.
type OrderLine struct {
	MaterialID    string        `json:"materialId"`
	Quantity      float64       `json:"quantity"`
	Info1         string        `json:"Info1"`
	Info2         string        `json:"Info2"`
	Qualification string        `json:"qualification"`
	StorageUnits  []StorageUnit `json:"storageUnits,omitempty"`
}

// OrderRequest is a full order create request.
type OrderRequest struct {
	Name     string
	Deadline time.Time
	Lines    []OrderLine
}

// Service is the remote operation surface the allocator depends on.
type Service interface {
	CreateOrder(ctx context.Context, req OrderRequest) CreateOutcome
	DeleteOrder(ctx context.Context, orderID string) error
	SetAllocation(ctx context.Context, orderID string, allocate bool) error
	CreateBatch(ctx context.Context, name string) error
	AssignWorkOrderLine(ctx context.Context, lineID, batchID string, rank int) error
}

// Client implements Service over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	sink    *Sink
	met     *metrics.Metrics
}

// New creates a client from configuration. sink may be nil.
func New(cfg config.APIConfig, sink *Sink) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Client{
		baseURL: trimTrailingSlash(cfg.BaseURL),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		sink:    sink,
		met:     metrics.Get(),
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// CreateOrder submits an order create request and classifies the response.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) CreateOutcome {
	body := map[string]any{
		"name":          req.Name,
		"directionType": 2,
		"allocate":      true,
		"deadline":      req.Deadline.Format("2006-01-02T15:04:05"),
		"order_lines":   req.Lines,
	}

	rid := requestID("create:" + req.Name)
	status, _, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/orders", body, rid, "create_order")
	if err != nil {
		c.sink.Emit(Event{Event: "order.create.error", RID: rid, Order: req.Name, Error: err.Error()})
		return CreateOutcome{Kind: OrderTimedOut, Err: err}
	}

	switch {
	case status >= 200 && status < 300:
		c.sink.Emit(Event{Event: "order.create.ok", RID: rid, Order: req.Name, Status: status})
		return CreateOutcome{Kind: OrderCreated, StatusCode: status}
	case status == http.StatusConflict:
		c.sink.Emit(Event{Event: "order.create.exists", RID: rid, Order: req.Name, Status: status})
		return CreateOutcome{Kind: OrderConflict, StatusCode: status}
	case status == http.StatusGatewayTimeout:
		c.sink.Emit(Event{Event: "order.create.timeout", RID: rid, Order: req.Name, Status: status})
		return CreateOutcome{Kind: OrderTimedOut, StatusCode: status}
	case status == http.StatusInternalServerError:
		c.sink.Emit(Event{Event: "order.create.defer", RID: rid, Order: req.Name, Status: status})
		return CreateOutcome{Kind: OrderDeferred, StatusCode: status}
	default:
		c.sink.Emit(Event{Event: "order.create.fail", RID: rid, Order: req.Name, Status: status})
		return CreateOutcome{
			Kind:       OrderFailed,
			StatusCode: status,
			Err:        fmt.Errorf("create order %s: http %d", req.Name, status),
		}
	}
}

// DeleteOrder deletes the order with the given ID.
func (c *Client) DeleteOrder(ctx context.Context, orderID string) error {
	rid := requestID("delete:" + orderID)
	url := fmt.Sprintf("%s/api/orders/%s/delete", c.baseURL, orderID)

	status, _, err := c.do(ctx, http.MethodDelete, url, nil, rid, "delete_order")
	if err != nil {
		c.sink.Emit(Event{Event: "order.delete.error", RID: rid, Order: orderID, Error: err.Error()})
		return fmt.Errorf("delete order %s: %w", orderID, err)
	}
	// 404 means the order is already gone, which is what we wanted.
	if status >= 400 && status != http.StatusNotFound {
		c.sink.Emit(Event{Event: "order.delete.fail", RID: rid, Order: orderID, Status: status})
		return fmt.Errorf("delete order %s: http %d", orderID, status)
	}
	c.sink.Emit(Event{Event: "order.delete.ok", RID: rid, Order: orderID, Status: status})
	return nil
}

// SetAllocation toggles allocation on the order with the given ID.
func (c *Client) SetAllocation(ctx context.Context, orderID string, allocate bool) error {
	rid := requestID("alloc:" + orderID)
	url := fmt.Sprintf("%s/api/orders/%s", c.baseURL, orderID)
	body := map[string]any{
		"allocate":   allocate,
		"deallocate": !allocate,
	}

	status, _, err := c.do(ctx, http.MethodPut, url, body, rid, "set_allocation")
	if err != nil {
		c.sink.Emit(Event{Event: "order.alloc.error", RID: rid, Order: orderID, Error: err.Error()})
		return fmt.Errorf("set allocation on %s: %w", orderID, err)
	}
	if status >= 400 {
		c.sink.Emit(Event{Event: "order.alloc.fail", RID: rid, Order: orderID, Status: status})
		return fmt.Errorf("set allocation on %s: http %d", orderID, status)
	}
	c.sink.Emit(Event{Event: "order.alloc.ok", RID: rid, Order: orderID, Status: status})
	return nil
}

// CreateBatch creates the named batch container. An already-existing batch is
// success; visibility of the new batch is the caller's concern.
func (c *Client) CreateBatch(ctx context.Context, name string) error {
	rid := requestID("batch:" + name)
	body := map[string]any{
		"name": name,
		"type": 2,
	}

	status, _, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/batches", body, rid, "create_batch")
	if err != nil {
		c.sink.Emit(Event{Event: "batch.create.error", RID: rid, Batch: name, Error: err.Error()})
		return fmt.Errorf("create batch %s: %w", name, err)
	}
	if status >= 400 && status != http.StatusConflict {
		c.sink.Emit(Event{Event: "batch.create.fail", RID: rid, Batch: name, Status: status})
		return fmt.Errorf("create batch %s: http %d", name, status)
	}
	c.sink.Emit(Event{Event: "batch.create.ok", RID: rid, Batch: name, Status: status})
	return nil
}

// AssignWorkOrderLine sets the batch and handling rank on one work-order
// line. Only HTTP 200 counts as success.
func (c *Client) AssignWorkOrderLine(ctx context.Context, lineID, batchID string, rank int) error {
	rid := requestID("wol:" + lineID)
	url := fmt.Sprintf("%s/api/work_order_lines/%s", c.baseURL, lineID)
	body := map[string]any{
		"batchId":      batchID,
		"handlingRank": rank,
	}

	status, _, err := c.do(ctx, http.MethodPut, url, body, rid, "assign_line")
	if err != nil {
		c.sink.Emit(Event{Event: "wol.assign.error", RID: rid, Line: lineID, Error: err.Error()})
		return fmt.Errorf("assign line %s: %w", lineID, err)
	}
	if status != http.StatusOK {
		c.sink.Emit(Event{Event: "wol.assign.fail", RID: rid, Line: lineID, Status: status})
		return fmt.Errorf("assign line %s: http %d", lineID, status)
	}
	c.sink.Emit(Event{Event: "wol.assign.ok", RID: rid, Line: lineID, Status: status})
	return nil
}

// do issues one request and returns the status code and body. A non-nil
// error means the request never produced an HTTP response.
func (c *Client) do(ctx context.Context, method, url string, body any, rid, op string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-Id", rid)
	if cid := logging.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-Id", cid)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	c.met.ObserveRemoteCall(op, start)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.sink.Emit(Event{
		Event:  "http.ack",
		RID:    rid,
		Status: resp.StatusCode,
		MS:     float64(time.Since(start).Microseconds()) / 1000,
	})
	return resp.StatusCode, respBody, nil
}

func requestID(key string) string {
	return fmt.Sprintf("%s-%d-%s", key, time.Now().UnixMilli(), uuid.NewString()[:6])
}
