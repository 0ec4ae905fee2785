package budget

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
)

// StateRequester is the enforcer's view of the federation state controller.
// The controller decides whether the requested transition actually happens.
type StateRequester interface {
	RequestLimit(ctx context.Context, domain, reason string) error
}

// Enforcer evaluates ledger state against configured limits and budgets
type Enforcer struct {
	ledger  *ledger.Ledger
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
	bus     *event.Bus

	mu        sync.RWMutex
	limits    map[string]Limit
	budgets   map[string]Budget
	limiters  map[string]*rate.Limiter
	lastLevel map[string]event.AlertLevel

	controllerMu sync.RWMutex
	controller   StateRequester
}

// Option configures optional enforcer collaborators
type Option func(*Enforcer)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		e.logger = logger.With("component", "budget-enforcer")
	}
}

// WithMetrics attaches platform metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(e *Enforcer) {
		e.metrics = metrics
	}
}

// WithBus attaches the event bus for BudgetAlert publication
func WithBus(bus *event.Bus) Option {
	return func(e *Enforcer) {
		e.bus = bus
	}
}

// NewEnforcer creates a budget and limit enforcer reading from the ledger
func NewEnforcer(ldg *ledger.Ledger, clk clock.Clock, opts ...Option) *Enforcer {
	e := &Enforcer{
		ledger:    ldg,
		clock:     clk,
		logger:    slog.Default().With("component", "budget-enforcer"),
		limits:    make(map[string]Limit),
		budgets:   make(map[string]Budget),
		limiters:  make(map[string]*rate.Limiter),
		lastLevel: make(map[string]event.AlertLevel),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetController wires the federation state controller after construction.
// The enforcer and controller reference each other; the controller is built
// second and injected here.
func (e *Enforcer) SetController(c StateRequester) {
	e.controllerMu.Lock()
	defer e.controllerMu.Unlock()
	e.controller = c
}

func (e *Enforcer) getController() StateRequester {
	e.controllerMu.RLock()
	defer e.controllerMu.RUnlock()
	return e.controller
}

// SetLimit creates or replaces the limit record for a domain. Limits are
// per-domain singletons; a second SetLimit updates in place.
func (e *Enforcer) SetLimit(_ context.Context, limit Limit) (Limit, error) {
	if err := limit.Validate(); err != nil {
		return Limit{}, errors.WrapInvalid(err, "Enforcer", "SetLimit", "limit validation")
	}

	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.limits[limit.Domain]; ok {
		limit.CreatedAt = existing.CreatedAt
	} else {
		limit.CreatedAt = now
	}
	limit.UpdatedAt = now
	e.limits[limit.Domain] = limit

	if limit.Active && limit.RequestsPerMinute > 0 {
		e.limiters[limit.Domain] = rate.NewLimiter(
			rate.Limit(float64(limit.RequestsPerMinute)/60.0),
			limit.RequestsPerMinute)
	} else {
		delete(e.limiters, limit.Domain)
	}

	e.logger.Info("Federation limit set",
		"domain", limit.Domain,
		"requests_per_minute", limit.RequestsPerMinute,
		"active", limit.Active)

	return limit, nil
}

// GetLimit returns the limit record for a domain
func (e *Enforcer) GetLimit(domain string) (Limit, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	limit, ok := e.limits[domain]
	return limit, ok
}

// Limits lists limit records, optionally only active ones, in domain order
func (e *Enforcer) Limits(activeOnly bool) []Limit {
	e.mu.RLock()
	limits := make([]Limit, 0, len(e.limits))
	for _, limit := range e.limits {
		if activeOnly && !limit.Active {
			continue
		}
		limits = append(limits, limit)
	}
	e.mu.RUnlock()

	sort.Slice(limits, func(i, j int) bool { return limits[i].Domain < limits[j].Domain })
	return limits
}

// SetBudget creates or replaces the budget for a domain. A zero alert
// threshold takes the default.
func (e *Enforcer) SetBudget(_ context.Context, b Budget) (Budget, error) {
	if b.AlertThreshold == 0 {
		b.AlertThreshold = DefaultAlertThreshold
	}
	if err := b.Validate(); err != nil {
		return Budget{}, errors.WrapInvalid(err, "Enforcer", "SetBudget", "budget validation")
	}

	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.budgets[b.Domain]; ok {
		b.CreatedAt = existing.CreatedAt
	} else {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	e.budgets[b.Domain] = b

	e.logger.Info("Instance budget set",
		"domain", b.Domain,
		"monthly_budget_usd", b.MonthlyBudgetUSD,
		"auto_limit", b.AutoLimit)

	return b, nil
}

// GetBudget returns the budget for a domain
func (e *Enforcer) GetBudget(domain string) (Budget, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.budgets[domain]
	return b, ok
}

// Status derives the spend status for a single budgeted domain. Domains
// without a budget fail with ErrNoBudget.
func (e *Enforcer) Status(domain string) (Status, error) {
	e.mu.RLock()
	b, ok := e.budgets[domain]
	e.mu.RUnlock()

	if !ok {
		return Status{}, errors.WrapInvalid(errors.ErrNoBudget, "Enforcer", "Status",
			fmt.Sprintf("status for %q", domain))
	}
	return e.derive(b, ledger.MonthOf(e.clock.Now())), nil
}

// Budgets lists budget statuses with ledger-derived spend, optionally only
// exceeded ones, in domain order.
func (e *Enforcer) Budgets(exceededOnly bool) []Status {
	e.mu.RLock()
	budgets := make([]Budget, 0, len(e.budgets))
	for _, b := range e.budgets {
		budgets = append(budgets, b)
	}
	e.mu.RUnlock()

	month := ledger.MonthOf(e.clock.Now())

	statuses := make([]Status, 0, len(budgets))
	for _, b := range budgets {
		status := e.derive(b, month)
		if exceededOnly && !status.Exceeded {
			continue
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Domain < statuses[j].Domain })
	return statuses
}

// derive computes ledger-derived spend figures for a budget
func (e *Enforcer) derive(b Budget, month ledger.Period) Status {
	spend := e.ledger.MonthToDateCost(b.Domain)

	status := Status{
		Budget:          b,
		CurrentSpendUSD: spend,
		PercentUsed:     spend / b.MonthlyBudgetUSD,
		RemainingUSD:    b.MonthlyBudgetUSD - spend,
		Exceeded:        spend > b.MonthlyBudgetUSD,
	}

	elapsed := month.ElapsedFraction(e.clock.Now())
	if elapsed > 0 {
		if projected := spend/elapsed - b.MonthlyBudgetUSD; projected > 0 {
			status.ProjectedOverspendUSD = projected
		}
	}
	return status
}

// AllowRequest is the delivery-path rate check for a domain. Domains without
// an active requests-per-minute limit are always allowed.
func (e *Enforcer) AllowRequest(domain string) bool {
	e.mu.RLock()
	limiter := e.limiters[domain]
	e.mu.RUnlock()

	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// alertLevel classifies budget usage
func alertLevel(percentUsed float64) event.AlertLevel {
	switch {
	case percentUsed > 1.0:
		return event.AlertCritical
	case percentUsed >= 0.8:
		return event.AlertWarning
	default:
		return event.AlertInfo
	}
}

// Evaluate reads the latest ledger snapshot and the domain's limit and budget,
// emits at most one BudgetAlert at the highest crossed severity, and requests
// an automatic LIMITED transition when an auto-limit budget is exceeded.
// Repeated evaluations at an unchanged level do not re-alert.
func (e *Enforcer) Evaluate(ctx context.Context, domain string) (Evaluation, error) {
	if domain == "" {
		return Evaluation{}, errors.WrapInvalid(
			fmt.Errorf("domain must not be empty"), "Enforcer", "Evaluate", "input validation")
	}

	now := e.clock.Now()
	eval := Evaluation{Domain: domain, EvaluatedAt: now}

	e.mu.RLock()
	limit, hasLimit := e.limits[domain]
	b, hasBudget := e.budgets[domain]
	e.mu.RUnlock()

	// Traffic limit checks over the current month
	if hasLimit && limit.Active {
		if exceeded, reason := e.trafficExceeded(domain, limit); exceeded {
			eval.LimitRequested = true
			e.requestLimit(ctx, domain, reason)
		}
	}

	if !hasBudget {
		return eval, nil
	}

	month := ledger.MonthOf(now)
	spend := e.ledger.MonthToDateCost(domain)

	eval.CurrentSpendUSD = spend
	eval.MonthlyBudgetUSD = b.MonthlyBudgetUSD
	eval.PercentUsed = spend / b.MonthlyBudgetUSD
	eval.RemainingUSD = b.MonthlyBudgetUSD - spend

	if elapsed := month.ElapsedFraction(now); elapsed > 0 {
		if projected := spend/elapsed - b.MonthlyBudgetUSD; projected > 0 {
			eval.ProjectedOverspendUSD = projected
		}
	}

	if e.metrics != nil {
		e.metrics.RecordBudgetPercent(domain, eval.PercentUsed)
	}

	level := alertLevel(eval.PercentUsed)
	eval.Level = string(level)

	if eval.PercentUsed >= b.AlertThreshold {
		e.mu.Lock()
		previous := e.lastLevel[domain]
		e.lastLevel[domain] = level
		e.mu.Unlock()

		if level != previous {
			eval.Alerted = true
			e.emitAlert(domain, level, eval, b)
		}
	} else {
		e.mu.Lock()
		delete(e.lastLevel, domain)
		e.mu.Unlock()
	}

	if b.AutoLimit && eval.PercentUsed > 1.0 {
		eval.LimitRequested = true
		e.requestLimit(ctx, domain,
			fmt.Sprintf("monthly budget exceeded: spent %.2f of %.2f USD", spend, b.MonthlyBudgetUSD))
	}

	return eval, nil
}

// trafficExceeded checks month-to-date traffic against MB limits
func (e *Enforcer) trafficExceeded(domain string, limit Limit) (bool, string) {
	snap, err := e.ledger.Snapshot(domain, ledger.MonthOf(e.clock.Now()))
	if err != nil {
		// No ledger entries yet means nothing to enforce
		return false, ""
	}

	const mb = 1024 * 1024
	ingressMB := float64(snap.IngressBytes) / mb
	egressMB := float64(snap.EgressBytes) / mb

	if limit.IngressLimitMB > 0 && ingressMB > limit.IngressLimitMB {
		return true, fmt.Sprintf("ingress limit exceeded: %.1f of %.1f MB", ingressMB, limit.IngressLimitMB)
	}
	if limit.EgressLimitMB > 0 && egressMB > limit.EgressLimitMB {
		return true, fmt.Sprintf("egress limit exceeded: %.1f of %.1f MB", egressMB, limit.EgressLimitMB)
	}
	return false, ""
}

// requestLimit asks the controller for a LIMITED transition
func (e *Enforcer) requestLimit(ctx context.Context, domain, reason string) {
	controller := e.getController()
	if controller == nil {
		e.logger.Warn("Limit requested but no controller wired", "domain", domain, "reason", reason)
		return
	}
	if err := controller.RequestLimit(ctx, domain, reason); err != nil {
		e.logger.Error("Limit request rejected", "domain", domain, "error", err)
	}
}

// emitAlert publishes a BudgetAlert and records metrics
func (e *Enforcer) emitAlert(domain string, level event.AlertLevel, eval Evaluation, b Budget) {
	alert := event.BudgetAlert{
		ID:              uuid.NewString(),
		Domain:          domain,
		Level:           level,
		PercentUsed:     eval.PercentUsed,
		CurrentSpendUSD: eval.CurrentSpendUSD,
		BudgetUSD:       b.MonthlyBudgetUSD,
		Message: fmt.Sprintf("domain %s has used %.0f%% of its %.2f USD monthly budget",
			domain, eval.PercentUsed*100, b.MonthlyBudgetUSD),
		At: eval.EvaluatedAt,
	}

	if e.bus != nil {
		e.bus.Publish(alert)
	}
	if e.metrics != nil {
		e.metrics.RecordBudgetAlert(domain, string(level))
	}

	e.logger.Info("Budget alert emitted",
		"domain", domain,
		"level", level,
		"percent_used", eval.PercentUsed)
}

// EvaluateAll runs an evaluation cycle over every domain known to the ledger
func (e *Enforcer) EvaluateAll(ctx context.Context) []Evaluation {
	start := e.clock.Now()

	domains := e.ledger.Domains()
	evals := make([]Evaluation, 0, len(domains))
	for _, domain := range domains {
		if ctx.Err() != nil {
			break
		}
		eval, err := e.Evaluate(ctx, domain)
		if err != nil {
			e.logger.Error("Evaluation failed", "domain", domain, "error", err)
			continue
		}
		evals = append(evals, eval)
	}

	if e.metrics != nil {
		e.metrics.RecordEvaluationDuration("enforcer", e.clock.Since(start))
	}
	return evals
}
