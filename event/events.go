// Package event provides the in-process topic bus that carries federation
// engine events (health updates, budget alerts, cost updates, state changes,
// severance notices) from their producers to subscribers such as the GraphQL
// subscription transport and the NATS bridge.
package event

import (
	"time"
)

// Topic identifies an event stream
type Topic string

// Topics published by the engine
const (
	TopicHealthUpdates Topic = "health_updates"
	TopicBudgetAlerts  Topic = "budget_alerts"
	TopicCostAlerts    Topic = "cost_alerts"
	TopicCostUpdates   Topic = "cost_updates"
	TopicStateChanges  Topic = "state_changes"
	TopicSeverances    Topic = "severances"
)

// Event is implemented by every message carried on the bus
type Event interface {
	// EventTopic returns the topic this event belongs to
	EventTopic() Topic
	// EventDomain returns the remote domain the event concerns, if any
	EventDomain() string
}

// HealthUpdate is published on every instance health status transition.
// It is the only observable record of status history.
type HealthUpdate struct {
	Domain         string    `json:"domain"`
	PreviousStatus string    `json:"previous_status"`
	CurrentStatus  string    `json:"current_status"`
	Issues         []string  `json:"issues,omitempty"`
	At             time.Time `json:"at"`
}

// EventTopic implements Event
func (HealthUpdate) EventTopic() Topic { return TopicHealthUpdates }

// EventDomain implements Event
func (e HealthUpdate) EventDomain() string { return e.Domain }

// AlertLevel classifies the severity of a budget alert
type AlertLevel string

// Budget alert levels
const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// BudgetAlert is published when a domain's spend crosses its alert threshold
type BudgetAlert struct {
	ID              string     `json:"id"`
	Domain          string     `json:"domain"`
	Level           AlertLevel `json:"level"`
	PercentUsed     float64    `json:"percent_used"`
	CurrentSpendUSD float64    `json:"current_spend_usd"`
	BudgetUSD       float64    `json:"budget_usd"`
	Message         string     `json:"message"`
	At              time.Time  `json:"at"`
}

// EventTopic implements Event
func (BudgetAlert) EventTopic() Topic { return TopicBudgetAlerts }

// EventDomain implements Event
func (e BudgetAlert) EventDomain() string { return e.Domain }

// CostAlert is published when a domain's accrued period cost crosses a
// subscriber-supplied threshold
type CostAlert struct {
	Domain       string    `json:"domain"`
	ThresholdUSD float64   `json:"threshold_usd"`
	AccruedUSD   float64   `json:"accrued_usd"`
	At           time.Time `json:"at"`
}

// EventTopic implements Event
func (CostAlert) EventTopic() Topic { return TopicCostAlerts }

// EventDomain implements Event
func (e CostAlert) EventDomain() string { return e.Domain }

// CostUpdate is published on every cost-affecting ledger delta
type CostUpdate struct {
	Domain   string    `json:"domain"`
	DeltaUSD float64   `json:"delta_usd"`
	TotalUSD float64   `json:"total_usd"`
	At       time.Time `json:"at"`
}

// EventTopic implements Event
func (CostUpdate) EventTopic() Topic { return TopicCostUpdates }

// EventDomain implements Event
func (e CostUpdate) EventDomain() string { return e.Domain }

// StateChange is published on every federation state transition
type StateChange struct {
	Domain string    `json:"domain"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// EventTopic implements Event
func (StateChange) EventTopic() Topic { return TopicStateChanges }

// EventDomain implements Event
func (e StateChange) EventDomain() string { return e.Domain }

// SeveranceNotice is published when a severed relationship is recorded
type SeveranceNotice struct {
	ID             string    `json:"id"`
	LocalInstance  string    `json:"local_instance"`
	RemoteInstance string    `json:"remote_instance"`
	Reason         string    `json:"reason"`
	Reversible     bool      `json:"reversible"`
	At             time.Time `json:"at"`
}

// EventTopic implements Event
func (SeveranceNotice) EventTopic() Topic { return TopicSeverances }

// EventDomain implements Event
func (e SeveranceNotice) EventDomain() string { return e.RemoteInstance }
