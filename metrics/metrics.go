// Package metrics exports the §6 Prometheus surface: queue depth,
// dispatch latency, flow advancement counters, and resolver cache hit
// rate. Grounded on ai/metrics/prometheus.go's exporter shape (a
// registry-holding struct built with prometheus.New*Vec + MustRegister,
// handed out through a promhttp handler) generalized from AI chat/tool
// metrics to the queue/flow/dependency domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter holds every metric this process reports.
type Exporter struct {
	registry *prometheus.Registry

	QueueDepth        *prometheus.GaugeVec
	DispatchLatency   *prometheus.HistogramVec
	FlowAdvancements  *prometheus.CounterVec
	ResolverCacheHits *prometheus.CounterVec
	ResolverCacheMiss *prometheus.CounterVec
}

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300}

// New builds an Exporter with its own registry, so multiple server
// processes in the same test binary don't collide on the default
// global registry.
func New() *Exporter {
	registry := prometheus.NewRegistry()

	e := &Exporter{
		registry: registry,
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jobctl",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs currently queued, by workspace and running state.",
		}, []string{"workspace", "running"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "jobctl",
			Subsystem: "worker",
			Name:      "dispatch_latency_seconds",
			Help:      "Time from job push to pull, by workspace.",
			Buckets:   latencyBuckets,
		}, []string{"workspace"}),
		FlowAdvancements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobctl",
			Subsystem: "flow",
			Name:      "advancements_total",
			Help:      "Number of flow step transitions, by workspace and outcome.",
		}, []string{"workspace", "outcome"}),
		ResolverCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobctl",
			Subsystem: "dependency",
			Name:      "cache_hits_total",
			Help:      "Dependency resolver cache hits, by language.",
		}, []string{"language"}),
		ResolverCacheMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jobctl",
			Subsystem: "dependency",
			Name:      "cache_misses_total",
			Help:      "Dependency resolver cache misses, by language.",
		}, []string{"language"}),
	}

	registry.MustRegister(
		e.QueueDepth,
		e.DispatchLatency,
		e.FlowAdvancements,
		e.ResolverCacheHits,
		e.ResolverCacheMiss,
	)
	return e
}

// RecordDispatch observes the pull-latency histogram.
func (e *Exporter) RecordDispatch(workspace string, latency time.Duration) {
	e.DispatchLatency.WithLabelValues(workspace).Observe(latency.Seconds())
}

// RecordFlowAdvancement increments the flow transition counter.
func (e *Exporter) RecordFlowAdvancement(workspace, outcome string) {
	e.FlowAdvancements.WithLabelValues(workspace, outcome).Inc()
}

// SetQueueDepth sets the queue depth gauge for one (workspace, running)
// pair. Called periodically by a poller, not per-request, since a
// precise live gauge would mean a COUNT(*) on every push/pull.
func (e *Exporter) SetQueueDepth(workspace string, running bool, depth int) {
	label := "false"
	if running {
		label = "true"
	}
	e.QueueDepth.WithLabelValues(workspace, label).Set(float64(depth))
}

// RecordResolverCache increments the dependency resolver's hit or miss
// counter for language.
func (e *Exporter) RecordResolverCache(language string, hit bool) {
	if hit {
		e.ResolverCacheHits.WithLabelValues(language).Inc()
		return
	}
	e.ResolverCacheMiss.WithLabelValues(language).Inc()
}

// Handler returns the /metrics HTTP handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
