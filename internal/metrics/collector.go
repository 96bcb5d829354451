// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/modalkit/fuseflow/types"
)

// Collector aggregates the engine's Prometheus metrics. A nil *Collector
// is valid and records nothing, so components can run unmetered in tests.
type Collector struct {
	handlesCreated     *prometheus.CounterVec
	handlesEvicted     *prometheus.CounterVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	fusionsTotal       *prometheus.CounterVec
	persistFailures    *prometheus.CounterVec
	resultFetches      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a Collector registered on the default Prometheus
// registry under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return newCollector(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWith registers on an explicit registerer; used by tests to
// avoid duplicate registration on the global registry.
func NewCollectorWith(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	return newCollector(namespace, reg, logger)
}

func newCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.handlesCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_handles_created_total",
			Help:      "Total number of backend handles created",
		},
		[]string{"capability"},
	)

	c.handlesEvicted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_handles_evicted_total",
			Help:      "Total number of backend handle evictions",
		},
		[]string{"capability"},
	)

	c.invocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_invocations_total",
			Help:      "Total number of backend invocations by outcome",
		},
		[]string{"capability", "outcome"},
	)

	c.invocationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_invocation_duration_seconds",
			Help:      "Backend invocation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	c.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of processed requests by overall status",
		},
		[]string{"status"},
	)

	c.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.fusionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fusions_total",
			Help:      "Total number of fusion passes by strategy and outcome",
		},
		[]string{"strategy", "fused"},
	)

	c.persistFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Total number of fire-and-forget persistence failures",
		},
		[]string{"sink"},
	)

	c.resultFetches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_fetches_total",
			Help:      "Total number of cached result lookups by outcome",
		},
		[]string{"sink", "outcome"},
	)

	return c
}

// HandleCreated records a new backend handle.
func (c *Collector) HandleCreated(key types.CapabilityKey) {
	if c == nil {
		return
	}
	c.handlesCreated.WithLabelValues(key.String()).Inc()
}

// HandleEvicted records a handle eviction.
func (c *Collector) HandleEvicted(key types.CapabilityKey) {
	if c == nil {
		return
	}
	c.handlesEvicted.WithLabelValues(key.String()).Inc()
}

// Invocation records one backend invocation outcome and duration.
func (c *Collector) Invocation(key types.CapabilityKey, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocationsTotal.WithLabelValues(key.String(), outcome).Inc()
	c.invocationDuration.WithLabelValues(key.String()).Observe(d.Seconds())
}

// Request records one end-to-end request.
func (c *Collector) Request(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(status).Inc()
	c.requestDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Fusion records one fusion pass.
func (c *Collector) Fusion(strategy types.FusionStrategy, fused bool) {
	if c == nil {
		return
	}
	label := "false"
	if fused {
		label = "true"
	}
	c.fusionsTotal.WithLabelValues(string(strategy), label).Inc()
}

// PersistFailure records a persistence sink failure.
func (c *Collector) PersistFailure(sink string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(sink).Inc()
}

// ResultFetch records a cached result lookup (hit, miss or error).
func (c *Collector) ResultFetch(sink, outcome string) {
	if c == nil {
		return
	}
	c.resultFetches.WithLabelValues(sink, outcome).Inc()
}
