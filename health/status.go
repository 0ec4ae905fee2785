// Package health monitors remote federation instances. It derives a health
// status per remote domain from ledger error rates, latency samples, and
// reachability probes, and publishes a HealthUpdate event on every status
// transition. The event stream is the only record of status history.
package health

import (
	"time"
)

// InstanceStatus is the derived health of a remote instance
type InstanceStatus int

// Instance health statuses, ordered by severity
const (
	// StatusUnknown means no probes or traffic have been observed yet
	StatusUnknown InstanceStatus = iota
	// StatusHealthy means the instance is reachable with a low error rate
	StatusHealthy
	// StatusWarning means the error rate is elevated (> 10%)
	StatusWarning
	// StatusCritical means the error rate is severe (> 50%)
	StatusCritical
	// StatusOffline means consecutive reachability probes have failed
	StatusOffline
)

// String returns the schema representation of the status
func (s InstanceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusWarning:
		return "WARNING"
	case StatusCritical:
		return "CRITICAL"
	case StatusOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus converts a schema status string to an InstanceStatus
func ParseStatus(s string) InstanceStatus {
	switch s {
	case "HEALTHY":
		return StatusHealthy
	case "WARNING":
		return StatusWarning
	case "CRITICAL":
		return StatusCritical
	case "OFFLINE":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// AtLeast reports whether the status is at least as severe as threshold.
// StatusUnknown only matches an unknown threshold.
func (s InstanceStatus) AtLeast(threshold InstanceStatus) bool {
	if threshold == StatusUnknown {
		return true
	}
	return s >= threshold
}

// Issue is an ephemeral problem attached to an instance while it persists
type Issue struct {
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
	Impact      string    `json:"impact,omitempty"`
}

// Report is the externally visible health view of one remote instance
type Report struct {
	Domain              string         `json:"domain"`
	Status              InstanceStatus `json:"status"`
	ErrorRate           float64        `json:"error_rate"`
	Reachable           bool           `json:"reachable"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	AvgLatency          time.Duration  `json:"avg_latency"`
	Issues              []Issue        `json:"issues,omitempty"`
	LastProbe           time.Time      `json:"last_probe"`
	ChangedAt           time.Time      `json:"changed_at"`
}
