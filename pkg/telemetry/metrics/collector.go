// Package metrics registers and records the engine's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quorumlabs/quorum/pkg/breaker"
)

// Config controls metric naming.
type Config struct {
	// Namespace prefixes every metric. Default "quorum".
	Namespace string `yaml:"namespace"`

	// Subsystem follows the namespace. Default "engine".
	Subsystem string `yaml:"subsystem"`
}

// Collector owns the engine's metric instruments and the registry they
// live in. It implements breaker.MetricsCollector so circuit state
// changes surface as a gauge.
type Collector struct {
	registry *prometheus.Registry

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	tokensUsed      *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec
	concurrency   prometheus.Gauge
}

// NewCollector creates a collector backed by its own registry (nil means
// a fresh one).
func NewCollector(config Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if config.Namespace == "" {
		config.Namespace = "quorum"
	}
	if config.Subsystem == "" {
		config.Subsystem = "engine"
	}

	c := &Collector{
		registry: registry,

		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "provider_calls_total",
			Help:      "Provider calls by model and outcome",
		}, []string{"model", "outcome"}),

		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "provider_latency_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "tokens_used_total",
			Help:      "Estimated tokens consumed by model",
		}, []string{"model"}),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "cache_hits_total",
			Help:      "Response cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "cache_misses_total",
			Help:      "Response cache misses",
		}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),

		breakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "breaker_rejections_total",
			Help:      "Calls rejected by an open circuit",
		}, []string{"name"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of one pattern stage",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"pattern", "stage"}),

		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "dispatch_concurrency",
			Help:      "Current adaptive dispatch concurrency",
		}),
	}

	registry.MustRegister(
		c.providerCalls, c.providerLatency, c.tokensUsed,
		c.cacheHits, c.cacheMisses,
		c.breakerState, c.breakerRejections,
		c.stageDuration, c.concurrency,
	)
	return c
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordProviderCall records one provider call outcome.
func (c *Collector) RecordProviderCall(model, outcome string, latency time.Duration, tokens int) {
	if c == nil {
		return
	}
	c.providerCalls.WithLabelValues(model, outcome).Inc()
	c.providerLatency.WithLabelValues(model).Observe(latency.Seconds())
	if tokens > 0 {
		c.tokensUsed.WithLabelValues(model).Add(float64(tokens))
	}
}

// RecordCacheHit counts a cache hit or miss.
func (c *Collector) RecordCacheHit(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// RecordStageDuration records one stage's wall-clock time.
func (c *Collector) RecordStageDuration(pattern, stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(pattern, stage).Observe(d.Seconds())
}

// SetConcurrency records the current dispatch width.
func (c *Collector) SetConcurrency(n int) {
	if c == nil {
		return
	}
	c.concurrency.Set(float64(n))
}

// RecordStateChange implements breaker.MetricsCollector.
func (c *Collector) RecordStateChange(name string, _, to breaker.State) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(to))
}

// RecordRejection implements breaker.MetricsCollector.
func (c *Collector) RecordRejection(name string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(name).Inc()
}
