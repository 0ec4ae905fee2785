package fedstate

import (
	"fmt"
	"time"
)

// State is the federation relationship state for a remote domain
type State int

const (
	// StateActive means federation proceeds without restriction
	StateActive State = iota
	// StateLimited means traffic to the domain is rate limited
	StateLimited
	// StatePaused means federation is suspended by an operator
	StatePaused
	// StateError means the remote instance is failing and deliveries are held
	StateError
	// StateBlocked means the domain is blocked by explicit operator action
	StateBlocked
)

// String returns the schema value for the state
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateLimited:
		return "LIMITED"
	case StatePaused:
		return "PAUSED"
	case StateError:
		return "ERROR"
	case StateBlocked:
		return "BLOCKED"
	default:
		return "ACTIVE"
	}
}

// ParseState converts a schema value into a State
func ParseState(s string) (State, error) {
	switch s {
	case "ACTIVE":
		return StateActive, nil
	case "LIMITED":
		return StateLimited, nil
	case "PAUSED":
		return StatePaused, nil
	case "ERROR":
		return StateError, nil
	case "BLOCKED":
		return StateBlocked, nil
	default:
		return StateActive, fmt.Errorf("unknown federation state %q", s)
	}
}

// Record is the current federation state for a domain
type Record struct {
	Domain      string     `json:"domain"`
	State       State      `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
