// Package costagg turns raw ledger traffic into cost breakdowns, projections,
// and optimization suggestions for the federation management API.
package costagg

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
)

// Traffic categories that carry cost
const (
	CategoryIngress  = "ingress"
	CategoryEgress   = "egress"
	CategoryRequests = "requests"
)

// Trend classifies a cost driver's direction against the prior period
type Trend string

// Trend values
const (
	TrendIncreasing Trend = "INCREASING"
	TrendDecreasing Trend = "DECREASING"
	TrendStable     Trend = "STABLE"
)

// stableBand is the relative change within which a driver counts as STABLE
const stableBand = 0.05

// Rates prices federation traffic by category
type Rates struct {
	IngressPerGBUSD        float64 `yaml:"ingress_per_gb_usd"`
	EgressPerGBUSD         float64 `yaml:"egress_per_gb_usd"`
	RequestsPerThousandUSD float64 `yaml:"requests_per_thousand_usd"`
}

// DefaultRates returns typical cloud egress-heavy pricing
func DefaultRates() Rates {
	return Rates{
		IngressPerGBUSD:        0.01,
		EgressPerGBUSD:         0.09,
		RequestsPerThousandUSD: 0.0004,
	}
}

// CostItem is one category's share of a period's cost
type CostItem struct {
	Category    string  `json:"category"`
	Description string  `json:"description"`
	CostUSD     float64 `json:"cost_usd"`
	Percentage  float64 `json:"percentage"`
}

// Breakdown decomposes a period's cost by traffic category. TotalCostUSD is
// always the sum of the items.
type Breakdown struct {
	Period       ledger.Period `json:"period"`
	TotalCostUSD float64       `json:"total_cost_usd"`
	Items        []CostItem    `json:"items"`
}

// CostDriver is one category's trajectory in a projection
type CostDriver struct {
	Category     string  `json:"category"`
	CurrentUSD   float64 `json:"current_usd"`
	PreviousUSD  float64 `json:"previous_usd"`
	ProjectedUSD float64 `json:"projected_usd"`
	Trend        Trend   `json:"trend"`
}

// Projection extrapolates a period's cost from the elapsed fraction
type Projection struct {
	Period           ledger.Period `json:"period"`
	CurrentCostUSD   float64       `json:"current_cost_usd"`
	ProjectedCostUSD float64       `json:"projected_cost_usd"`
	ElapsedFraction  float64       `json:"elapsed_fraction"`
	Drivers          []CostDriver  `json:"drivers"`
}

// DomainCost is one domain's traffic and cost over a period
type DomainCost struct {
	Domain       string  `json:"domain"`
	IngressBytes uint64  `json:"ingress_bytes"`
	EgressBytes  uint64  `json:"egress_bytes"`
	Requests     int64   `json:"requests"`
	CostUSD      float64 `json:"cost_usd"`
}

// OptimizationAction is one proposed cost-saving measure
type OptimizationAction struct {
	Domain              string  `json:"domain"`
	Action              string  `json:"action"`
	Description         string  `json:"description"`
	EstimatedSavingsUSD float64 `json:"estimated_savings_usd"`
}

// OptimizationResult summarizes an optimization pass
type OptimizationResult struct {
	Optimized       bool                 `json:"optimized"`
	SavedMonthlyUSD float64              `json:"saved_monthly_usd"`
	Actions         []OptimizationAction `json:"actions"`
}

// LimitApplier is the aggregator's view of the federation state controller,
// used when an optimization pass applies its suggestions.
type LimitApplier interface {
	RequestLimit(ctx context.Context, domain, reason string) error
}

// Options configures the aggregator
type Options struct {
	Rates             Rates
	AlertThresholdUSD float64 // base threshold for CostAlert emission (default 50)
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		Rates:             DefaultRates(),
		AlertThresholdUSD: 50,
	}
}

// Aggregator computes cost views over the ledger. It holds no mutable cost
// state of its own; the ledger stays the single source of truth.
type Aggregator struct {
	ledger  *ledger.Ledger
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
	bus     *event.Bus

	applierMu sync.RWMutex
	applier   LimitApplier

	alertMu sync.Mutex
	// domains alerted in the current calendar month, cleared on rollover
	alerted     map[string]bool
	alertPeriod time.Time
}

// Option configures optional aggregator collaborators
type Option func(*Aggregator)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger.With("component", "cost-aggregator")
	}
}

// WithMetrics attaches platform metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = metrics
	}
}

// WithBus attaches the event bus for CostAlert publication
func WithBus(bus *event.Bus) Option {
	return func(a *Aggregator) {
		a.bus = bus
	}
}

// NewAggregator creates a cost aggregator reading from the ledger
func NewAggregator(ldg *ledger.Ledger, clk clock.Clock, opts Options, options ...Option) *Aggregator {
	if opts.AlertThresholdUSD <= 0 {
		opts.AlertThresholdUSD = DefaultOptions().AlertThresholdUSD
	}
	if opts.Rates == (Rates{}) {
		opts.Rates = DefaultRates()
	}

	a := &Aggregator{
		ledger:  ldg,
		clock:   clk,
		opts:    opts,
		logger:  slog.Default().With("component", "cost-aggregator"),
		alerted: make(map[string]bool),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// SetApplier wires the federation state controller after construction
func (a *Aggregator) SetApplier(applier LimitApplier) {
	a.applierMu.Lock()
	defer a.applierMu.Unlock()
	a.applier = applier
}

func (a *Aggregator) getApplier() LimitApplier {
	a.applierMu.RLock()
	defer a.applierMu.RUnlock()
	return a.applier
}

const bytesPerGB = 1024 * 1024 * 1024

// itemsFor prices an aggregate of traffic counters by category
func (a *Aggregator) itemsFor(ingress, egress uint64, requests int64) []CostItem {
	r := a.opts.Rates
	items := []CostItem{
		{
			Category:    CategoryIngress,
			Description: "Inbound federation traffic",
			CostUSD:     float64(ingress) / bytesPerGB * r.IngressPerGBUSD,
		},
		{
			Category:    CategoryEgress,
			Description: "Outbound federation traffic",
			CostUSD:     float64(egress) / bytesPerGB * r.EgressPerGBUSD,
		},
		{
			Category:    CategoryRequests,
			Description: "Federation API requests",
			CostUSD:     float64(requests) / 1000 * r.RequestsPerThousandUSD,
		},
	}

	var total float64
	for _, item := range items {
		total += item.CostUSD
	}
	if total > 0 {
		for i := range items {
			items[i].Percentage = items[i].CostUSD / total * 100
		}
	}
	return items
}

// aggregate sums snapshots for every ledger domain over the period
func (a *Aggregator) aggregate(period ledger.Period) (ingress, egress uint64, requests int64) {
	for _, domain := range a.ledger.Domains() {
		snap, err := a.ledger.Snapshot(domain, period)
		if err != nil {
			continue
		}
		ingress += snap.IngressBytes
		egress += snap.EgressBytes
		requests += snap.RequestCount
	}
	return ingress, egress, requests
}

// Breakdown decomposes the period's instance-wide cost by traffic category
func (a *Aggregator) Breakdown(ctx context.Context, period ledger.Period) (*Breakdown, error) {
	if err := period.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Aggregator", "Breakdown", "period validation")
	}

	ingress, egress, requests := a.aggregate(period)
	items := a.itemsFor(ingress, egress, requests)

	var total float64
	for _, item := range items {
		total += item.CostUSD
	}

	return &Breakdown{
		Period:       period,
		TotalCostUSD: total,
		Items:        items,
	}, nil
}

// Projection extrapolates the period's cost from its elapsed fraction and
// classifies each driver's trend against the prior period.
func (a *Aggregator) Projection(ctx context.Context, period ledger.Period) (*Projection, error) {
	current, err := a.Breakdown(ctx, period)
	if err != nil {
		return nil, err
	}
	previous, err := a.Breakdown(ctx, period.Previous())
	if err != nil {
		return nil, err
	}

	elapsed := period.ElapsedFraction(a.clock.Now())
	projected := current.TotalCostUSD
	if elapsed > 0 {
		projected = current.TotalCostUSD / elapsed
	}

	prevByCategory := make(map[string]float64, len(previous.Items))
	for _, item := range previous.Items {
		prevByCategory[item.Category] = item.CostUSD
	}

	drivers := make([]CostDriver, 0, len(current.Items))
	for _, item := range current.Items {
		prev := prevByCategory[item.Category]
		driverProjected := item.CostUSD
		if elapsed > 0 {
			driverProjected = item.CostUSD / elapsed
		}
		drivers = append(drivers, CostDriver{
			Category:     item.Category,
			CurrentUSD:   item.CostUSD,
			PreviousUSD:  prev,
			ProjectedUSD: driverProjected,
			Trend:        classifyTrend(item.CostUSD, prev),
		})
	}

	return &Projection{
		Period:           period,
		CurrentCostUSD:   current.TotalCostUSD,
		ProjectedCostUSD: projected,
		ElapsedFraction:  elapsed,
		Drivers:          drivers,
	}, nil
}

// classifyTrend compares a driver's cost to the prior period within the
// stable band
func classifyTrend(current, previous float64) Trend {
	if previous == 0 {
		if current > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	ratio := current / previous
	switch {
	case ratio > 1+stableBand:
		return TrendIncreasing
	case ratio < 1-stableBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// DomainCosts returns per-domain traffic and cost over a period, most
// expensive first. The cost is the ledger's accrued cost, not the rate model.
func (a *Aggregator) DomainCosts(ctx context.Context, period ledger.Period) ([]DomainCost, error) {
	if err := period.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Aggregator", "DomainCosts", "period validation")
	}

	domains := a.ledger.Domains()
	costs := make([]DomainCost, 0, len(domains))
	for _, domain := range domains {
		snap, err := a.ledger.Snapshot(domain, period)
		if err != nil {
			if stderrors.Is(err, errors.ErrUnknownDomain) {
				continue
			}
			return nil, err
		}
		costs = append(costs, DomainCost{
			Domain:       domain,
			IngressBytes: snap.IngressBytes,
			EgressBytes:  snap.EgressBytes,
			Requests:     snap.RequestCount,
			CostUSD:      snap.CostUSD,
		})
	}

	sort.Slice(costs, func(i, j int) bool {
		if costs[i].CostUSD == costs[j].CostUSD {
			return costs[i].Domain < costs[j].Domain
		}
		return costs[i].CostUSD > costs[j].CostUSD
	})
	return costs, nil
}

// Optimize scans for domains whose projected monthly cost exceeds
// thresholdUSD and proposes limit actions. When apply is true the suggestions
// are requested through the state controller.
func (a *Aggregator) Optimize(ctx context.Context, thresholdUSD float64, apply bool) (*OptimizationResult, error) {
	if thresholdUSD <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("threshold must be positive, got %f", thresholdUSD),
			"Aggregator", "Optimize", "input validation")
	}

	now := a.clock.Now()
	period := ledger.MonthOf(now)
	elapsed := period.ElapsedFraction(now)

	result := &OptimizationResult{}
	for _, domain := range a.ledger.Domains() {
		spend := a.ledger.MonthToDateCost(domain)
		projected := spend
		if elapsed > 0 {
			projected = spend / elapsed
		}
		if projected <= thresholdUSD {
			continue
		}

		savings := projected - thresholdUSD
		result.Actions = append(result.Actions, OptimizationAction{
			Domain: domain,
			Action: "LIMIT",
			Description: fmt.Sprintf(
				"Limit federation with %s: projected monthly cost $%.2f exceeds $%.2f",
				domain, projected, thresholdUSD),
			EstimatedSavingsUSD: savings,
		})
		result.SavedMonthlyUSD += savings

		if apply {
			if applier := a.getApplier(); applier != nil {
				reason := fmt.Sprintf("cost optimization: projected $%.2f/month", projected)
				if err := applier.RequestLimit(ctx, domain, reason); err != nil {
					a.logger.Error("Limit request failed", "domain", domain, "error", err)
				}
			}
		}
	}

	sort.Slice(result.Actions, func(i, j int) bool {
		return result.Actions[i].EstimatedSavingsUSD > result.Actions[j].EstimatedSavingsUSD
	})
	result.Optimized = len(result.Actions) > 0

	a.logger.Info("Optimization pass finished",
		"threshold_usd", thresholdUSD,
		"actions", len(result.Actions),
		"saved_monthly_usd", result.SavedMonthlyUSD,
		"applied", apply)
	return result, nil
}

// EvaluateAlerts publishes a CostAlert for every domain whose month-to-date
// cost has crossed the base alert threshold, at most once per calendar month
// per domain.
func (a *Aggregator) EvaluateAlerts(ctx context.Context) {
	now := a.clock.Now()
	monthStart := ledger.MonthOf(now).Start

	a.alertMu.Lock()
	if !a.alertPeriod.Equal(monthStart) {
		a.alerted = make(map[string]bool)
		a.alertPeriod = monthStart
	}

	var alerts []event.CostAlert
	for _, domain := range a.ledger.Domains() {
		if a.alerted[domain] {
			continue
		}
		accrued := a.ledger.MonthToDateCost(domain)
		if accrued < a.opts.AlertThresholdUSD {
			continue
		}
		a.alerted[domain] = true
		alerts = append(alerts, event.CostAlert{
			Domain:       domain,
			ThresholdUSD: a.opts.AlertThresholdUSD,
			AccruedUSD:   accrued,
			At:           now,
		})
	}
	a.alertMu.Unlock()

	for _, alert := range alerts {
		a.logger.Warn("Cost alert",
			"domain", alert.Domain,
			"accrued_usd", alert.AccruedUSD,
			"threshold_usd", alert.ThresholdUSD)
		if a.bus != nil {
			a.bus.Publish(alert)
		}
	}
}
