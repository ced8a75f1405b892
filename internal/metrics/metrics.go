// Package metrics exposes Prometheus instruments for allocation runs and an
// optional /metrics listener.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/silvercrystal/batch-allocator/internal/logging"
)

// Metrics holds every instrument the allocator records.
type Metrics struct {
	OrdersProcessed *prometheus.CounterVec // labels: batch, outcome
	OrderCreates    *prometheus.CounterVec // labels: outcome
	AssignRetries   prometheus.Counter
	TailSuccesses   *prometheus.CounterVec // labels: pass

	RemoteCallDuration *prometheus.HistogramVec // labels: operation
	BatchUnitDuration  prometheus.Histogram

	QueueDepth  prometheus.Gauge
	WorkersBusy prometheus.Gauge
}

var (
	once sync.Once
	inst *Metrics
)

// Get returns the process-wide metrics, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		inst = &Metrics{
			OrdersProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "allocator_orders_processed_total",
				Help: "Sales orders processed, by batch and outcome.",
			}, []string{"batch", "outcome"}),
			OrderCreates: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "allocator_order_creates_total",
				Help: "Order create submissions, by classified outcome.",
			}, []string{"outcome"}),
			AssignRetries: promauto.NewCounter(prometheus.CounterOpts{
				Name: "allocator_assign_retries_total",
				Help: "Work-order-line assignment retries.",
			}),
			TailSuccesses: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "allocator_tail_successes_total",
				Help: "Deferred orders recovered by tail pass.",
			}, []string{"pass"}),
			RemoteCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "allocator_remote_call_seconds",
				Help:    "Remote order service call duration.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"operation"}),
			BatchUnitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "allocator_batch_unit_seconds",
				Help:    "Time to process one batch unit end to end.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "allocator_queue_depth",
				Help: "Batch units waiting in the work queue.",
			}),
			WorkersBusy: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "allocator_workers_busy",
				Help: "Workers currently processing a batch unit.",
			}),
		}
	})
	return inst
}

// ObserveRemoteCall records one remote call's duration.
func (m *Metrics) ObserveRemoteCall(operation string, start time.Time) {
	m.RemoteCallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Serve starts the /metrics listener. It returns immediately; listener
// errors are logged, never fatal.
func Serve(addr string) {
	log := logging.Component("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info("metrics listener starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics listener stopped", "error", err)
		}
	}()
}
