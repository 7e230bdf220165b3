// Package metrics exposes Prometheus instrumentation for the evaluation pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nftguard"

// Evaluation outcomes used as the status label
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	evaluations   *prometheus.CounterVec
	flagged       prometheus.Counter
	comparisons   prometheus.Counter
	duration      prometheus.Histogram
	catalogAssets prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Asset evaluations by outcome.",
		}, []string{"status"}),
		flagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_flagged_total",
			Help:      "Evaluations that flagged a potential duplicate.",
		}),
		comparisons: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comparisons_total",
			Help:      "Fingerprint comparisons performed.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one asset.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		catalogAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_assets",
			Help:      "Assets currently held in the catalog.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_cache_total",
			Help:      "Fingerprint cache lookups by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.evaluations,
		m.flagged,
		m.comparisons,
		m.duration,
		m.catalogAssets,
		m.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvaluation records one evaluation and how long it took
func (m *Metrics) ObserveEvaluation(status string, elapsed time.Duration) {
	m.evaluations.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// ObserveComparisons adds to the comparison counter
func (m *Metrics) ObserveComparisons(n int) {
	m.comparisons.Add(float64(n))
}

// ObserveFlagged counts a flagged verdict
func (m *Metrics) ObserveFlagged() {
	m.flagged.Inc()
}

// SetCatalogSize updates the catalog gauge
func (m *Metrics) SetCatalogSize(n int) {
	m.catalogAssets.Set(float64(n))
}

// ObserveFingerprintCache counts a fingerprint cache lookup
func (m *Metrics) ObserveFingerprintCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
