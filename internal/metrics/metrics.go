// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so tests and multiple servers never collide on
// the global default registerer.
type Metrics struct {
	Registry *prometheus.Registry

	// DispatchAttempts counts rail calls by rail and outcome
	// (confirmed, accepted, retrying, failed).
	DispatchAttempts *prometheus.CounterVec
	// RailLatency observes rail round-trip time by rail and operation.
	RailLatency        *prometheus.HistogramVec
	LedgerEntries      *prometheus.CounterVec
	PoolTransitions    *prometheus.CounterVec
	ReconcileIssues    prometheus.Counter
	WebhookDeliveries  *prometheus.CounterVec
	AllocationsCreated prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Payout attempts by rail and outcome",
		}, []string{"rail", "outcome"}),
		RailLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bountyline",
			Subsystem: "rail",
			Name:      "request_duration_seconds",
			Help:      "Duration of settlement rail calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"rail", "op"}),
		LedgerEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entries appended by kind",
		}, []string{"kind"}),
		PoolTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Subsystem: "pool",
			Name:      "transitions_total",
			Help:      "Pool lifecycle transitions by target status",
		}, []string{"to"}),
		ReconcileIssues: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bountyline",
			Subsystem: "reconcile",
			Name:      "issues_total",
			Help:      "Reconciliation issues raised",
		}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bountyline",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries by result",
		}, []string{"result"}),
		AllocationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bountyline",
			Subsystem: "allocation",
			Name:      "created_total",
			Help:      "Allocations computed at distribution start",
		}),
	}
	m.Registry.MustRegister(
		m.DispatchAttempts,
		m.RailLatency,
		m.LedgerEntries,
		m.PoolTransitions,
		m.ReconcileIssues,
		m.WebhookDeliveries,
		m.AllocationsCreated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Nil-safe helpers so callers can run without metrics.

func (m *Metrics) Attempt(rail, outcome string) {
	if m == nil {
		return
	}
	m.DispatchAttempts.WithLabelValues(rail, outcome).Inc()
}

func (m *Metrics) ObserveRail(rail, op string, seconds float64) {
	if m == nil {
		return
	}
	m.RailLatency.WithLabelValues(rail, op).Observe(seconds)
}

func (m *Metrics) Ledger(kind string) {
	if m == nil {
		return
	}
	m.LedgerEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.PoolTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Issue() {
	if m == nil {
		return
	}
	m.ReconcileIssues.Inc()
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) Allocations(n int) {
	if m == nil {
		return
	}
	m.AllocationsCreated.Add(float64(n))
}
