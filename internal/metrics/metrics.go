// Package metrics exposes podium's Prometheus collectors. Every component
// records through one shared Metrics value; tests build their own so
// registries never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup and submission outcome labels.
const (
	OutcomeHit      = "hit"
	OutcomePartial  = "partial"
	OutcomeMiss     = "miss"
	OutcomeDegraded = "degraded"
	OutcomeSkipped  = "skipped"

	OutcomeCached    = "cached"
	OutcomeEnqueued  = "enqueued"
	OutcomeCoalesced = "coalesced"
	OutcomeRejected  = "rejected"
)

// Metrics bundles podium's collectors around a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// CacheLookups counts cache consultations by outcome: hit, partial,
	// miss, degraded (breaker open or lookup failure), skipped (sample
	// size below the reuse floor).
	CacheLookups *prometheus.CounterVec

	// Submissions counts accepted evaluate calls by how they resolved:
	// cached, partial, enqueued, coalesced, rejected.
	Submissions *prometheus.CounterVec

	// TaskTransitions counts lifecycle steps by target status.
	TaskTransitions *prometheus.CounterVec

	// QueueDepth is the last observed queue backlog (queued plus leased).
	QueueDepth prometheus.Gauge

	// EvalDuration is wall time per completed evaluation attempt.
	EvalDuration prometheus.Histogram

	// SamplesPersisted counts per-sample rows written to storage.
	SamplesPersisted prometheus.Counter

	// EnvelopesHeld is the number of credential envelopes in the vault.
	EnvelopesHeld prometheus.Gauge
}

// New builds a Metrics on a fresh private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry builds a Metrics registered on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache consultations by outcome.",
		}, []string{"outcome"}),

		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Subsystem: "dispatch",
			Name:      "submissions_total",
			Help:      "Accepted evaluation submissions by resolution.",
		}, []string{"outcome"}),

		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "podium",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task lifecycle transitions by target status.",
		}, []string{"status"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "podium",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Messages queued or leased.",
		}),

		EvalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "podium",
			Subsystem: "evaluator",
			Name:      "duration_seconds",
			Help:      "Wall time per evaluation attempt.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),

		SamplesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "podium",
			Subsystem: "samples",
			Name:      "persisted_total",
			Help:      "Per-sample result rows written.",
		}),

		EnvelopesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "podium",
			Subsystem: "credentials",
			Name:      "envelopes_held",
			Help:      "Credential envelopes currently in the vault.",
		}),
	}

	reg.MustRegister(
		m.CacheLookups,
		m.Submissions,
		m.TaskTransitions,
		m.QueueDepth,
		m.EvalDuration,
		m.SamplesPersisted,
		m.EnvelopesHeld,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
