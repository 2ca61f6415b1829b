// Package metrics holds the prometheus collectors for the object access layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// URL cache
	CacheHits       prometheus.Counter // palette_url_cache_hits_total
	CacheMisses     prometheus.Counter // palette_url_cache_misses_total
	CacheCoalesced  prometheus.Counter // palette_url_cache_coalesced_total
	CacheEvictions  prometheus.Counter // palette_url_cache_evictions_total
	SignErrors      prometheus.Counter // palette_url_sign_errors_total
	SignDuration    prometheus.Histogram
	CacheEntries    prometheus.Gauge
	RateDecisions   *prometheus.CounterVec // palette_ratelimit_decisions_total{outcome}
	BreakerState    *prometheus.GaugeVec   // palette_breaker_state{dependency}
	BreakerRejected *prometheus.CounterVec // palette_breaker_rejected_total{dependency}
}

// New registers all collectors with registry (prometheus.DefaultRegisterer when nil).
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "palette_url_cache_hits_total",
			Help: "Presigned URL cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "palette_url_cache_misses_total",
			Help: "Presigned URL cache misses, including expired entries",
		}),
		CacheCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "palette_url_cache_coalesced_total",
			Help: "Misses that attached to an in-flight signing call",
		}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "palette_url_cache_evictions_total",
			Help: "Entries evicted by the capacity bound",
		}),
		SignErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "palette_url_sign_errors_total",
			Help: "Failed object store signing calls",
		}),
		SignDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "palette_url_sign_duration_seconds",
			Help:    "Object store signing call duration",
			Buckets: prometheus.DefBuckets,
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "palette_url_cache_entries",
			Help: "Entries currently held by the presigned URL cache",
		}),
		RateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "palette_ratelimit_decisions_total",
			Help: "Admission decisions by outcome",
		}, []string{"outcome"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "palette_breaker_state",
			Help: "Circuit state per dependency (0 closed, 1 half-open, 2 open)",
		}, []string{"dependency"}),
		BreakerRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "palette_breaker_rejected_total",
			Help: "Calls refused without reaching the dependency",
		}, []string{"dependency"}),
	}
}

func (m *Metrics) Hit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) Miss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) Coalesced() {
	if m != nil {
		m.CacheCoalesced.Inc()
	}
}

func (m *Metrics) Evicted() {
	if m != nil {
		m.CacheEvictions.Inc()
	}
}

// Signed records one signing call.
func (m *Metrics) Signed(seconds float64, err error) {
	if m == nil {
		return
	}
	m.SignDuration.Observe(seconds)
	if err != nil {
		m.SignErrors.Inc()
	}
}

func (m *Metrics) Entries(n int) {
	if m != nil {
		m.CacheEntries.Set(float64(n))
	}
}

// Decision records an admission outcome: allowed, denied, fallback_allow or fallback_deny.
func (m *Metrics) Decision(outcome string) {
	if m != nil {
		m.RateDecisions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) BreakerTransition(dependency string, state float64) {
	if m != nil {
		m.BreakerState.WithLabelValues(dependency).Set(state)
	}
}

func (m *Metrics) BreakerReject(dependency string) {
	if m != nil {
		m.BreakerRejected.WithLabelValues(dependency).Inc()
	}
}
