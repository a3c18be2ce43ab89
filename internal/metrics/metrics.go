// Package metrics exposes sync engine counters on a dedicated Prometheus
// registry. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tillsync"

// Outcome labels for synced operations.
const (
	OutcomeSynced   = "synced"
	OutcomeRetried  = "retried"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

// Collector holds the engine's metrics.
type Collector struct {
	registry *prometheus.Registry

	pending    prometheus.Gauge
	online     prometheus.Gauge
	drains     prometheus.Counter
	operations *prometheus.CounterVec
	backoff    prometheus.Histogram
	sales      *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry, including Go
// runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_operations",
			Help:      "Operations waiting in the offline queue.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the remote service is reachable.",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_passes_total",
			Help:      "Queue drain passes started.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Queued operations processed, by outcome.",
		}, []string{"outcome"}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_backoff_seconds",
			Help:      "Backoff delays scheduled for failed operations.",
			Buckets:   []float64{1, 2, 4, 8, 16, 30},
		}),
		sales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sales_total",
			Help:      "Sales recorded, by path.",
		}, []string{"path"}),
	}
	reg.MustRegister(
		c.pending,
		c.online,
		c.drains,
		c.operations,
		c.backoff,
		c.sales,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry backing c.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetPending records the current queue depth.
func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.pending.Set(float64(n))
}

// SetOnline records connectivity.
func (c *Collector) SetOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
		return
	}
	c.online.Set(0)
}

// DrainStarted counts a drain pass.
func (c *Collector) DrainStarted() {
	if c == nil {
		return
	}
	c.drains.Inc()
}

// Operation counts one processed operation by outcome.
func (c *Collector) Operation(outcome string) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(outcome).Inc()
}

// Backoff records a scheduled retry delay.
func (c *Collector) Backoff(d time.Duration) {
	if c == nil {
		return
	}
	c.backoff.Observe(d.Seconds())
}

// Sale counts a sale by path ("online" or "offline").
func (c *Collector) Sale(path string) {
	if c == nil {
		return
	}
	c.sales.WithLabelValues(path).Inc()
}
