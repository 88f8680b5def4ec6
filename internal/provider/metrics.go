package provider

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the per-run metric surface for all Callers. Each run owns its
// own prometheus registry; consumers scrape or gather it as they see fit.
type Metrics struct {
	queued   *prometheus.GaugeVec
	inflight *prometheus.GaugeVec
	tokens   *prometheus.GaugeVec
	retries  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

// NewMetrics registers the caller metric families on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queued: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ideaforge",
			Subsystem: "caller",
			Name:      "queued",
			Help:      "Calls waiting for a concurrency slot.",
		}, []string{"provider"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ideaforge",
			Subsystem: "caller",
			Name:      "inflight",
			Help:      "Calls currently executing.",
		}, []string{"provider"}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ideaforge",
			Subsystem: "caller",
			Name:      "tokens_available",
			Help:      "Token bucket level sampled at call time.",
		}, []string{"provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ideaforge",
			Subsystem: "caller",
			Name:      "retries_total",
			Help:      "Retry attempts issued.",
		}, []string{"provider"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ideaforge",
			Subsystem: "caller",
			Name:      "failures_total",
			Help:      "Terminal call failures by kind.",
		}, []string{"provider", "kind"}),
	}
	reg.MustRegister(m.queued, m.inflight, m.tokens, m.retries, m.failures)
	return m
}

// NopMetrics returns a metric surface backed by an unexported registry,
// for tests and callers that do not care about metrics.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
