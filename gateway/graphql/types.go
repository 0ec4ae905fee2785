package graphql

import (
	"time"

	"github.com/c360/fedmeter/budget"
	"github.com/c360/fedmeter/costagg"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/fedstate"
	"github.com/c360/fedmeter/health"
	"github.com/c360/fedmeter/severance"
)

// Wire models for the schema types. Field names follow the schema's
// camelCase convention, so these are kept separate from the engine's
// domain structs and populated by the converters below.

// PageInfo describes the pagination state of a connection
type PageInfo struct {
	HasNextPage     bool    `json:"hasNextPage"`
	HasPreviousPage bool    `json:"hasPreviousPage"`
	StartCursor     *string `json:"startCursor"`
	EndCursor       *string `json:"endCursor"`
}

// FederationCost is one domain's traffic and cost figures for a period
type FederationCost struct {
	Domain       string  `json:"domain"`
	IngressBytes float64 `json:"ingressBytes"`
	EgressBytes  float64 `json:"egressBytes"`
	Requests     int64   `json:"requests"`
	CostUSD      float64 `json:"costUSD"`
}

// FederationCostEdge pairs a cost node with its cursor
type FederationCostEdge struct {
	Cursor string          `json:"cursor"`
	Node   *FederationCost `json:"node"`
}

// FederationCostConnection is the paginated federationCosts result
type FederationCostConnection struct {
	TotalCount int                   `json:"totalCount"`
	PageInfo   PageInfo              `json:"pageInfo"`
	Edges      []*FederationCostEdge `json:"edges"`
}

// FederationIssue is an active problem on a remote instance
type FederationIssue struct {
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detectedAt"`
	Impact      *string   `json:"impact"`
}

// FederationManagementStatus is the health view of one remote instance
type FederationManagementStatus struct {
	Domain              string             `json:"domain"`
	Status              string             `json:"status"`
	ErrorRate           float64            `json:"errorRate"`
	Reachable           bool               `json:"reachable"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	AvgLatencyMs        float64            `json:"avgLatencyMs"`
	Issues              []*FederationIssue `json:"issues"`
	LastProbe           *time.Time         `json:"lastProbe"`
	ChangedAt           *time.Time         `json:"changedAt"`
}

// FederationStatus is one domain's federation state record
type FederationStatus struct {
	Domain      string     `json:"domain"`
	State       string     `json:"state"`
	Reason      *string    `json:"reason"`
	PausedUntil *time.Time `json:"pausedUntil"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// InstanceBudget is a budget with its ledger-derived spend figures
type InstanceBudget struct {
	Domain                string    `json:"domain"`
	MonthlyBudgetUSD      float64   `json:"monthlyBudgetUSD"`
	AlertThreshold        float64   `json:"alertThreshold"`
	AutoLimit             bool      `json:"autoLimit"`
	CurrentSpendUSD       float64   `json:"currentSpendUSD"`
	PercentUsed           float64   `json:"percentUsed"`
	RemainingBudgetUSD    float64   `json:"remainingBudgetUSD"`
	ProjectedOverspendUSD float64   `json:"projectedOverspendUSD"`
	Exceeded              bool      `json:"exceeded"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// FederationLimit is a per-domain traffic and budget limit
type FederationLimit struct {
	Domain            string    `json:"domain"`
	IngressLimitMB    float64   `json:"ingressLimitMB"`
	EgressLimitMB     float64   `json:"egressLimitMB"`
	RequestsPerMinute int       `json:"requestsPerMinute"`
	MonthlyBudgetUSD  float64   `json:"monthlyBudgetUSD"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// FederationLimitEdge pairs a limit node with its cursor
type FederationLimitEdge struct {
	Cursor string           `json:"cursor"`
	Node   *FederationLimit `json:"node"`
}

// FederationLimitConnection is the paginated federationLimits result
type FederationLimitConnection struct {
	TotalCount int                    `json:"totalCount"`
	PageInfo   PageInfo               `json:"pageInfo"`
	Edges      []*FederationLimitEdge `json:"edges"`
}

// SeveredRelationship is an immutable severance record
type SeveredRelationship struct {
	ID                string    `json:"id"`
	LocalInstance     string    `json:"localInstance"`
	RemoteInstance    string    `json:"remoteInstance"`
	Reason            string    `json:"reason"`
	AffectedFollowers int       `json:"affectedFollowers"`
	AffectedFollowing int       `json:"affectedFollowing"`
	Reversible        bool      `json:"reversible"`
	Acknowledged      bool      `json:"acknowledged"`
	Timestamp         time.Time `json:"timestamp"`
	Details           *string   `json:"details"`
}

// SeveredRelationshipEdge pairs a severance node with its cursor
type SeveredRelationshipEdge struct {
	Cursor string               `json:"cursor"`
	Node   *SeveredRelationship `json:"node"`
}

// SeveredRelationshipConnection is the paginated severedRelationships result
type SeveredRelationshipConnection struct {
	TotalCount int                        `json:"totalCount"`
	PageInfo   PageInfo                   `json:"pageInfo"`
	Edges      []*SeveredRelationshipEdge `json:"edges"`
}

// FederationLimitPayload is the setFederationLimit result
type FederationLimitPayload struct {
	Success bool             `json:"success"`
	Limit   *FederationLimit `json:"limit"`
}

// InstanceBudgetPayload is the setInstanceBudget result
type InstanceBudgetPayload struct {
	Success bool            `json:"success"`
	Budget  *InstanceBudget `json:"budget"`
}

// FederationStatusPayload is the pause/resume/unblock mutation result
type FederationStatusPayload struct {
	Success bool              `json:"success"`
	Status  *FederationStatus `json:"status"`
}

// CostOptimizationAction is one proposed or applied optimization
type CostOptimizationAction struct {
	Domain              string  `json:"domain"`
	Action              string  `json:"action"`
	Description         string  `json:"description"`
	EstimatedSavingsUSD float64 `json:"estimatedSavingsUSD"`
}

// CostOptimizationResult is the optimizeFederationCosts result
type CostOptimizationResult struct {
	Success         bool                      `json:"success"`
	Optimized       bool                      `json:"optimized"`
	SavedMonthlyUSD float64                   `json:"savedMonthlyUSD"`
	Actions         []*CostOptimizationAction `json:"actions"`
}

// AcknowledgeSeverancePayload is the acknowledgeSeverance result
type AcknowledgeSeverancePayload struct {
	Success   bool                 `json:"success"`
	Severance *SeveredRelationship `json:"severance"`
}

// ReconnectionPayload is the attemptReconnection result
type ReconnectionPayload struct {
	Success     bool     `json:"success"`
	Reconnected int      `json:"reconnected"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors"`
}

// FederationHealthUpdate is the federationHealthUpdates subscription event
type FederationHealthUpdate struct {
	Domain         string    `json:"domain"`
	PreviousStatus string    `json:"previousStatus"`
	CurrentStatus  string    `json:"currentStatus"`
	Issues         []string  `json:"issues"`
	At             time.Time `json:"at"`
}

// BudgetAlert is the budgetAlerts subscription event
type BudgetAlert struct {
	ID              string    `json:"id"`
	Domain          string    `json:"domain"`
	Level           string    `json:"level"`
	PercentUsed     float64   `json:"percentUsed"`
	CurrentSpendUSD float64   `json:"currentSpendUSD"`
	BudgetUSD       float64   `json:"budgetUSD"`
	Message         string    `json:"message"`
	At              time.Time `json:"at"`
}

// CostAlert is the costAlerts subscription event
type CostAlert struct {
	Domain       string    `json:"domain"`
	ThresholdUSD float64   `json:"thresholdUSD"`
	AccruedUSD   float64   `json:"accruedUSD"`
	At           time.Time `json:"at"`
}

// CostUpdate is the costUpdates subscription event
type CostUpdate struct {
	Domain   string    `json:"domain"`
	DeltaUSD float64   `json:"deltaUSD"`
	TotalUSD float64   `json:"totalUSD"`
	At       time.Time `json:"at"`
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toFederationCost(dc costagg.DomainCost) *FederationCost {
	return &FederationCost{
		Domain:       dc.Domain,
		IngressBytes: float64(dc.IngressBytes),
		EgressBytes:  float64(dc.EgressBytes),
		Requests:     dc.Requests,
		CostUSD:      dc.CostUSD,
	}
}

func toManagementStatus(r health.Report) *FederationManagementStatus {
	issues := make([]*FederationIssue, 0, len(r.Issues))
	for _, iss := range r.Issues {
		issues = append(issues, &FederationIssue{
			Type:        iss.Type,
			Severity:    iss.Severity,
			Description: iss.Description,
			DetectedAt:  iss.DetectedAt,
			Impact:      optString(iss.Impact),
		})
	}
	return &FederationManagementStatus{
		Domain:              r.Domain,
		Status:              r.Status.String(),
		ErrorRate:           r.ErrorRate,
		Reachable:           r.Reachable,
		ConsecutiveFailures: r.ConsecutiveFailures,
		AvgLatencyMs:        float64(r.AvgLatency) / float64(time.Millisecond),
		Issues:              issues,
		LastProbe:           optTime(r.LastProbe),
		ChangedAt:           optTime(r.ChangedAt),
	}
}

func toFederationStatus(r fedstate.Record) *FederationStatus {
	return &FederationStatus{
		Domain:      r.Domain,
		State:       r.State.String(),
		Reason:      optString(r.Reason),
		PausedUntil: r.PausedUntil,
		UpdatedAt:   r.UpdatedAt,
	}
}

func toInstanceBudget(s budget.Status) *InstanceBudget {
	return &InstanceBudget{
		Domain:                s.Domain,
		MonthlyBudgetUSD:      s.MonthlyBudgetUSD,
		AlertThreshold:        s.AlertThreshold,
		AutoLimit:             s.AutoLimit,
		CurrentSpendUSD:       s.CurrentSpendUSD,
		PercentUsed:           s.PercentUsed,
		RemainingBudgetUSD:    s.RemainingUSD,
		ProjectedOverspendUSD: s.ProjectedOverspendUSD,
		Exceeded:              s.Exceeded,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
}

func toFederationLimit(l budget.Limit) *FederationLimit {
	return &FederationLimit{
		Domain:            l.Domain,
		IngressLimitMB:    l.IngressLimitMB,
		EgressLimitMB:     l.EgressLimitMB,
		RequestsPerMinute: l.RequestsPerMinute,
		MonthlyBudgetUSD:  l.MonthlyBudgetUSD,
		Active:            l.Active,
		CreatedAt:         l.CreatedAt,
		UpdatedAt:         l.UpdatedAt,
	}
}

func toSeveredRelationship(r *severance.Record) *SeveredRelationship {
	return &SeveredRelationship{
		ID:                r.ID,
		LocalInstance:     r.LocalInstance,
		RemoteInstance:    r.RemoteInstance,
		Reason:            string(r.Reason),
		AffectedFollowers: r.AffectedFollowers,
		AffectedFollowing: r.AffectedFollowing,
		Reversible:        r.Reversible,
		Acknowledged:      r.Acknowledged,
		Timestamp:         r.Timestamp,
		Details:           optString(r.Details),
	}
}

func toSubscriptionPayload(e event.Event) any {
	switch ev := e.(type) {
	case event.HealthUpdate:
		issues := ev.Issues
		if issues == nil {
			issues = []string{}
		}
		return &FederationHealthUpdate{
			Domain:         ev.Domain,
			PreviousStatus: ev.PreviousStatus,
			CurrentStatus:  ev.CurrentStatus,
			Issues:         issues,
			At:             ev.At,
		}
	case event.BudgetAlert:
		return &BudgetAlert{
			ID:              ev.ID,
			Domain:          ev.Domain,
			Level:           string(ev.Level),
			PercentUsed:     ev.PercentUsed,
			CurrentSpendUSD: ev.CurrentSpendUSD,
			BudgetUSD:       ev.BudgetUSD,
			Message:         ev.Message,
			At:              ev.At,
		}
	case event.CostAlert:
		return &CostAlert{
			Domain:       ev.Domain,
			ThresholdUSD: ev.ThresholdUSD,
			AccruedUSD:   ev.AccruedUSD,
			At:           ev.At,
		}
	case event.CostUpdate:
		return &CostUpdate{
			Domain:   ev.Domain,
			DeltaUSD: ev.DeltaUSD,
			TotalUSD: ev.TotalUSD,
			At:       ev.At,
		}
	default:
		return nil
	}
}
