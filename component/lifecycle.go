// Package component defines the lifecycle contract shared by the engine's
// long-running pieces and the health model the service manager aggregates.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates the component was created but not started
	StateCreated State = iota
	// StateStarted indicates the component is running
	StateStarted
	// StateStopped indicates the component was stopped
	StateStopped
	// StateFailed indicates the component failed during a lifecycle operation
	StateFailed
)

// String returns a string representation of the component state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LifecycleComponent is implemented by components that need managed startup
// and shutdown. Start blocks only long enough to launch the component's
// goroutines; Stop drains them within the timeout.
type LifecycleComponent interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// HealthStatus describes one component's health for aggregation
type HealthStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Detail  string `json:"detail,omitempty"`
}

// Aggregate reports whether every component is healthy
func Aggregate(statuses []HealthStatus) bool {
	for _, s := range statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
