package graphql

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/c360/fedmeter/budget"
	"github.com/c360/fedmeter/costagg"
	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/fedstate"
	"github.com/c360/fedmeter/health"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/pkg/clock"
	"github.com/c360/fedmeter/severance"
)

// Resolver answers the schema's queries and mutations against the engine
// components. All dependencies are injected at construction; the resolver
// itself holds no state beyond them.
type Resolver struct {
	clock      clock.Clock
	enforcer   *budget.Enforcer
	monitor    *health.Monitor
	controller *fedstate.Controller
	severances *severance.Manager
	costs      *costagg.Aggregator
	logger     *slog.Logger
}

// ResolverOption configures optional resolver dependencies
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger for the resolver
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger.With("component", "graphql-resolver")
	}
}

// NewResolver creates a resolver over the engine components
func NewResolver(
	clk clock.Clock,
	enforcer *budget.Enforcer,
	monitor *health.Monitor,
	controller *fedstate.Controller,
	severances *severance.Manager,
	costs *costagg.Aggregator,
	options ...ResolverOption,
) *Resolver {
	r := &Resolver{
		clock:      clk,
		enforcer:   enforcer,
		monitor:    monitor,
		controller: controller,
		severances: severances,
		costs:      costs,
		logger:     slog.Default().With("component", "graphql-resolver"),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// FederationCosts returns the current month's per-domain cost connection
func (r *Resolver) FederationCosts(ctx context.Context, orderBy string, first *int, after *string) (*FederationCostConnection, error) {
	period := ledger.MonthOf(r.clock.Now())
	domainCosts, err := r.costs.DomainCosts(ctx, period)
	if err != nil {
		return nil, err
	}

	switch orderBy {
	case "COST_ASC":
		sort.Slice(domainCosts, func(i, j int) bool {
			if domainCosts[i].CostUSD != domainCosts[j].CostUSD {
				return domainCosts[i].CostUSD < domainCosts[j].CostUSD
			}
			return domainCosts[i].Domain < domainCosts[j].Domain
		})
	case "DOMAIN_ASC":
		sort.Slice(domainCosts, func(i, j int) bool {
			return domainCosts[i].Domain < domainCosts[j].Domain
		})
	default:
		// DomainCosts already sorts by cost descending
	}

	page, start, info, err := paginate(domainCosts, first, after)
	if err != nil {
		return nil, err
	}

	edges := make([]*FederationCostEdge, 0, len(page))
	for i, dc := range page {
		edges = append(edges, &FederationCostEdge{
			Cursor: encodeCursor(start + i),
			Node:   toFederationCost(dc),
		})
	}
	return &FederationCostConnection{
		TotalCount: len(domainCosts),
		PageInfo:   info,
		Edges:      edges,
	}, nil
}

// FederationHealth returns health reports at or above the severity threshold
func (r *Resolver) FederationHealth(_ context.Context, threshold string) ([]*FederationManagementStatus, error) {
	reports := r.monitor.All(health.ParseStatus(threshold))
	out := make([]*FederationManagementStatus, 0, len(reports))
	for _, rep := range reports {
		out = append(out, toManagementStatus(rep))
	}
	return out, nil
}

// FederationStatus returns the federation state record for one domain
func (r *Resolver) FederationStatus(_ context.Context, domain string) (*FederationStatus, error) {
	if domain == "" {
		return nil, errors.WrapInvalid(errors.ErrUnknownDomain, "Resolver", "FederationStatus",
			"domain must not be empty")
	}
	return toFederationStatus(r.controller.Status(domain)), nil
}

// InstanceBudgets returns all budgets with derived spend, optionally only
// those currently exceeded
func (r *Resolver) InstanceBudgets(_ context.Context, exceeded *bool) ([]*InstanceBudget, error) {
	statuses := r.enforcer.Budgets(exceeded != nil && *exceeded)
	out := make([]*InstanceBudget, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, toInstanceBudget(s))
	}
	return out, nil
}

// FederationLimits returns the paginated limit connection
func (r *Resolver) FederationLimits(_ context.Context, active *bool, first *int, after *string) (*FederationLimitConnection, error) {
	limits := r.enforcer.Limits(active != nil && *active)

	page, start, info, err := paginate(limits, first, after)
	if err != nil {
		return nil, err
	}

	edges := make([]*FederationLimitEdge, 0, len(page))
	for i, l := range page {
		edges = append(edges, &FederationLimitEdge{
			Cursor: encodeCursor(start + i),
			Node:   toFederationLimit(l),
		})
	}
	return &FederationLimitConnection{
		TotalCount: len(limits),
		PageInfo:   info,
		Edges:      edges,
	}, nil
}

// SeveredRelationships returns the paginated severance connection, optionally
// filtered to records involving one instance
func (r *Resolver) SeveredRelationships(ctx context.Context, instance *string, first *int, after *string) (*SeveredRelationshipConnection, error) {
	filter := ""
	if instance != nil {
		filter = *instance
	}
	records, err := r.severances.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	page, start, info, err := paginate(records, first, after)
	if err != nil {
		return nil, err
	}

	edges := make([]*SeveredRelationshipEdge, 0, len(page))
	for i, rec := range page {
		edges = append(edges, &SeveredRelationshipEdge{
			Cursor: encodeCursor(start + i),
			Node:   toSeveredRelationship(rec),
		})
	}
	return &SeveredRelationshipConnection{
		TotalCount: len(records),
		PageInfo:   info,
		Edges:      edges,
	}, nil
}

// LimitInput carries the setFederationLimit mutation arguments
type LimitInput struct {
	IngressLimitMB    *float64
	EgressLimitMB     *float64
	RequestsPerMinute *int
	MonthlyBudgetUSD  *float64
	Active            bool
}

// SetFederationLimit upserts a per-domain federation limit
func (r *Resolver) SetFederationLimit(ctx context.Context, domain string, input LimitInput) (*FederationLimitPayload, error) {
	limit := budget.Limit{
		Domain: domain,
		Active: input.Active,
	}
	if input.IngressLimitMB != nil {
		limit.IngressLimitMB = *input.IngressLimitMB
	}
	if input.EgressLimitMB != nil {
		limit.EgressLimitMB = *input.EgressLimitMB
	}
	if input.RequestsPerMinute != nil {
		limit.RequestsPerMinute = *input.RequestsPerMinute
	}
	if input.MonthlyBudgetUSD != nil {
		limit.MonthlyBudgetUSD = *input.MonthlyBudgetUSD
	}

	saved, err := r.enforcer.SetLimit(ctx, limit)
	if err != nil {
		return nil, err
	}
	return &FederationLimitPayload{Success: true, Limit: toFederationLimit(saved)}, nil
}

// SetInstanceBudget upserts a per-domain monthly budget
func (r *Resolver) SetInstanceBudget(ctx context.Context, domain string, monthlyUSD float64, autoLimit *bool) (*InstanceBudgetPayload, error) {
	b := budget.Budget{
		Domain:           domain,
		MonthlyBudgetUSD: monthlyUSD,
	}
	if autoLimit != nil {
		b.AutoLimit = *autoLimit
	}

	if _, err := r.enforcer.SetBudget(ctx, b); err != nil {
		return nil, err
	}

	status, err := r.enforcer.Status(domain)
	if err != nil {
		return nil, err
	}
	return &InstanceBudgetPayload{Success: true, Budget: toInstanceBudget(status)}, nil
}

// PauseFederation pauses federation with a domain, optionally until a deadline
func (r *Resolver) PauseFederation(ctx context.Context, domain, reason string, until *time.Time) (*FederationStatusPayload, error) {
	record, err := r.controller.Pause(ctx, domain, reason, until)
	if err != nil {
		return nil, err
	}
	return &FederationStatusPayload{Success: true, Status: toFederationStatus(record)}, nil
}

// ResumeFederation resumes a paused domain. Resuming an already active
// domain is an idempotent no-op success.
func (r *Resolver) ResumeFederation(ctx context.Context, domain string) (*FederationStatusPayload, error) {
	record, err := r.controller.Resume(ctx, domain)
	if err != nil {
		return nil, err
	}
	return &FederationStatusPayload{Success: true, Status: toFederationStatus(record)}, nil
}

// UnblockFederation lifts a block and returns the domain to ACTIVE
func (r *Resolver) UnblockFederation(ctx context.Context, domain string) (*FederationStatusPayload, error) {
	record, err := r.controller.Unblock(ctx, domain)
	if err != nil {
		return nil, err
	}
	return &FederationStatusPayload{Success: true, Status: toFederationStatus(record)}, nil
}

// OptimizeFederationCosts applies limit recommendations for domains whose
// projected monthly cost exceeds the threshold
func (r *Resolver) OptimizeFederationCosts(ctx context.Context, thresholdUSD float64) (*CostOptimizationResult, error) {
	result, err := r.costs.Optimize(ctx, thresholdUSD, true)
	if err != nil {
		return nil, err
	}

	actions := make([]*CostOptimizationAction, 0, len(result.Actions))
	for _, a := range result.Actions {
		actions = append(actions, &CostOptimizationAction{
			Domain:              a.Domain,
			Action:              a.Action,
			Description:         a.Description,
			EstimatedSavingsUSD: a.EstimatedSavingsUSD,
		})
	}
	return &CostOptimizationResult{
		Success:         true,
		Optimized:       result.Optimized,
		SavedMonthlyUSD: result.SavedMonthlyUSD,
		Actions:         actions,
	}, nil
}

// AcknowledgeSeverance marks a severance record acknowledged. Repeat
// acknowledgement is an idempotent success.
func (r *Resolver) AcknowledgeSeverance(ctx context.Context, id string) (*AcknowledgeSeverancePayload, error) {
	record, err := r.severances.Acknowledge(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AcknowledgeSeverancePayload{Success: true, Severance: toSeveredRelationship(record)}, nil
}

// AttemptReconnection retries the affected relationships of a reversible
// severance. Partial failure is reported in the payload, not as an error.
func (r *Resolver) AttemptReconnection(ctx context.Context, id string) (*ReconnectionPayload, error) {
	result, err := r.severances.AttemptReconnection(ctx, id)
	if err != nil {
		return nil, err
	}
	errs := result.Errors
	if errs == nil {
		errs = []string{}
	}
	return &ReconnectionPayload{
		Success:     result.Success,
		Reconnected: result.Reconnected,
		Failed:      result.Failed,
		Errors:      errs,
	}, nil
}
