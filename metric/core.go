// Package metric provides Prometheus metrics for the federation management
// engine: per-domain traffic and cost counters, budget and health gauges, and
// an owned registry with an HTTP exposition server.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics for federation accounting
type Metrics struct {
	// Ledger metrics
	IngressBytes   *prometheus.CounterVec
	EgressBytes    *prometheus.CounterVec
	RequestsTotal  *prometheus.CounterVec
	ErrorsTotal    *prometheus.CounterVec
	AccruedCostUSD *prometheus.CounterVec
	WindowRollover *prometheus.CounterVec

	// Budget metrics
	BudgetPercentUsed *prometheus.GaugeVec
	BudgetAlertsTotal *prometheus.CounterVec

	// Health and state metrics
	InstanceHealth  *prometheus.GaugeVec
	FederationState *prometheus.GaugeVec

	// Severance metrics
	SeverancesTotal      *prometheus.CounterVec
	ReconnectionOutcomes *prometheus.CounterVec

	// Engine metrics
	EvaluationDuration *prometheus.HistogramVec
	EventsPublished    *prometheus.CounterVec
	SubscribersActive  *prometheus.GaugeVec

	// Gateway metrics
	GraphQLOperations *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		IngressBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "ledger",
				Name:      "ingress_bytes_total",
				Help:      "Total ingress bytes accounted per remote domain",
			},
			[]string{"domain"},
		),

		EgressBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "ledger",
				Name:      "egress_bytes_total",
				Help:      "Total egress bytes accounted per remote domain",
			},
			[]string{"domain"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "ledger",
				Name:      "requests_total",
				Help:      "Total federation requests accounted per remote domain",
			},
			[]string{"domain"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Total federation errors accounted per remote domain",
			},
			[]string{"domain"},
		),

		AccruedCostUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "ledger",
				Name:      "accrued_cost_usd_total",
				Help:      "Total accrued federation cost in USD per remote domain",
			},
			[]string{"domain"},
		),

		WindowRollover: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "ledger",
				Name:      "window_rollovers_total",
				Help:      "Total ledger window rollovers per remote domain",
			},
			[]string{"domain"},
		),

		BudgetPercentUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fedmeter",
				Subsystem: "budget",
				Name:      "percent_used",
				Help:      "Fraction of monthly budget consumed per remote domain (0-1+)",
			},
			[]string{"domain"},
		),

		BudgetAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "budget",
				Name:      "alerts_total",
				Help:      "Total budget alerts emitted per remote domain and level",
			},
			[]string{"domain", "level"},
		),

		InstanceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fedmeter",
				Subsystem: "health",
				Name:      "instance_status",
				Help:      "Instance health status (0=unknown, 1=healthy, 2=warning, 3=critical, 4=offline)",
			},
			[]string{"domain"},
		),

		FederationState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fedmeter",
				Subsystem: "state",
				Name:      "federation_state",
				Help:      "Federation state (0=active, 1=limited, 2=paused, 3=error, 4=blocked)",
			},
			[]string{"domain"},
		),

		SeverancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "severance",
				Name:      "recorded_total",
				Help:      "Total severed relationships recorded per reason",
			},
			[]string{"reason"},
		),

		ReconnectionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "severance",
				Name:      "reconnection_outcomes_total",
				Help:      "Total per-relationship reconnection outcomes",
			},
			[]string{"outcome"},
		),

		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fedmeter",
				Subsystem: "engine",
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of evaluation cycles per component",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component"},
		),

		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedmeter",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total events published per topic",
			},
			[]string{"topic"},
		),

		SubscribersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fedmeter",
				Subsystem: "events",
				Name:      "subscribers_active",
				Help:      "Active subscribers per topic",
			},
			[]string{"topic"},
		),

		GraphQLOperations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fedmeter",
				Subsystem: "gateway",
				Name:      "graphql_operation_duration_seconds",
				Help:      "Duration of GraphQL operations by name and status",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordDelta records a ledger delta's traffic counters for a domain
func (m *Metrics) RecordDelta(domain string, ingress, egress uint64, requests, errs int, costUSD float64) {
	m.IngressBytes.WithLabelValues(domain).Add(float64(ingress))
	m.EgressBytes.WithLabelValues(domain).Add(float64(egress))
	m.RequestsTotal.WithLabelValues(domain).Add(float64(requests))
	m.ErrorsTotal.WithLabelValues(domain).Add(float64(errs))
	if costUSD > 0 {
		m.AccruedCostUSD.WithLabelValues(domain).Add(costUSD)
	}
}

// RecordWindowRollover increments the rollover counter for a domain
func (m *Metrics) RecordWindowRollover(domain string) {
	m.WindowRollover.WithLabelValues(domain).Inc()
}

// RecordBudgetPercent updates the budget usage gauge for a domain
func (m *Metrics) RecordBudgetPercent(domain string, percentUsed float64) {
	m.BudgetPercentUsed.WithLabelValues(domain).Set(percentUsed)
}

// RecordBudgetAlert increments the alert counter for a domain and level
func (m *Metrics) RecordBudgetAlert(domain, level string) {
	m.BudgetAlertsTotal.WithLabelValues(domain, level).Inc()
}

// RecordInstanceHealth updates the health status gauge for a domain
func (m *Metrics) RecordInstanceHealth(domain string, status int) {
	m.InstanceHealth.WithLabelValues(domain).Set(float64(status))
}

// RecordFederationState updates the federation state gauge for a domain
func (m *Metrics) RecordFederationState(domain string, state int) {
	m.FederationState.WithLabelValues(domain).Set(float64(state))
}

// RecordSeverance increments the severance counter for a reason
func (m *Metrics) RecordSeverance(reason string) {
	m.SeverancesTotal.WithLabelValues(reason).Inc()
}

// RecordReconnectionOutcome increments the reconnection outcome counter
func (m *Metrics) RecordReconnectionOutcome(outcome string) {
	m.ReconnectionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordEvaluationDuration records an evaluation cycle duration
func (m *Metrics) RecordEvaluationDuration(component string, duration time.Duration) {
	m.EvaluationDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordEventPublished increments the published event counter for a topic
func (m *Metrics) RecordEventPublished(topic string) {
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordSubscriberCount updates the active subscriber gauge for a topic
func (m *Metrics) RecordSubscriberCount(topic string, count int) {
	m.SubscribersActive.WithLabelValues(topic).Set(float64(count))
}

// RecordGraphQLOperation records the duration and outcome of one GraphQL
// operation
func (m *Metrics) RecordGraphQLOperation(operation, status string, duration time.Duration) {
	m.GraphQLOperations.WithLabelValues(operation, status).Observe(duration.Seconds())
}
