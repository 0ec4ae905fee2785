// Package budget implements the budget and limit enforcer: per-domain
// federation limits, monthly budgets, alert emission, and rate limiting for
// the delivery path. Spend is always recomputed from the ledger, never
// mutated independently.
package budget

import (
	"fmt"
	"time"
)

// Limit is the per-domain federation limit record. At most one limit exists
// per domain; SetLimit upserts.
type Limit struct {
	Domain            string    `json:"domain"`
	IngressLimitMB    float64   `json:"ingress_limit_mb,omitempty"`
	EgressLimitMB     float64   `json:"egress_limit_mb,omitempty"`
	RequestsPerMinute int       `json:"requests_per_minute,omitempty"`
	MonthlyBudgetUSD  float64   `json:"monthly_budget_usd,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Validate checks limit invariants
func (l Limit) Validate() error {
	if l.Domain == "" {
		return fmt.Errorf("limit domain must not be empty")
	}
	if l.IngressLimitMB < 0 || l.EgressLimitMB < 0 {
		return fmt.Errorf("traffic limits must not be negative")
	}
	if l.RequestsPerMinute < 0 {
		return fmt.Errorf("requests per minute must not be negative")
	}
	if l.MonthlyBudgetUSD < 0 {
		return fmt.Errorf("monthly budget must not be negative")
	}
	return nil
}

// Budget is the per-domain monthly budget configuration
type Budget struct {
	Domain           string    `json:"domain"`
	MonthlyBudgetUSD float64   `json:"monthly_budget_usd"`
	AlertThreshold   float64   `json:"alert_threshold"` // fraction of budget, 0-1
	AutoLimit        bool      `json:"auto_limit"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultAlertThreshold is applied when a budget is created without one
const DefaultAlertThreshold = 0.8

// Validate checks budget invariants
func (b Budget) Validate() error {
	if b.Domain == "" {
		return fmt.Errorf("budget domain must not be empty")
	}
	if b.MonthlyBudgetUSD <= 0 {
		return fmt.Errorf("monthly budget must be positive")
	}
	if b.AlertThreshold < 0 || b.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold must be within [0, 1]")
	}
	return nil
}

// Status is a budget with its ledger-derived spend figures
type Status struct {
	Budget

	CurrentSpendUSD       float64 `json:"current_spend_usd"`
	PercentUsed           float64 `json:"percent_used"`
	RemainingUSD          float64 `json:"remaining_usd"`
	ProjectedOverspendUSD float64 `json:"projected_overspend_usd"`
	Exceeded              bool    `json:"exceeded"`
}

// Evaluation is the outcome of one enforcer cycle for a domain
type Evaluation struct {
	Domain                string    `json:"domain"`
	CurrentSpendUSD       float64   `json:"current_spend_usd"`
	MonthlyBudgetUSD      float64   `json:"monthly_budget_usd"`
	PercentUsed           float64   `json:"percent_used"`
	RemainingUSD          float64   `json:"remaining_usd"`
	ProjectedOverspendUSD float64   `json:"projected_overspend_usd"`
	Level                 string    `json:"level,omitempty"`
	Alerted               bool      `json:"alerted"`
	LimitRequested        bool      `json:"limit_requested"`
	EvaluatedAt           time.Time `json:"evaluated_at"`
}
