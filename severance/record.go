package severance

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reason classifies why a federation relationship was severed
type Reason string

const (
	// ReasonDefederation is an explicit operator defederation
	ReasonDefederation Reason = "DEFEDERATION"
	// ReasonDomainBlock is an operator domain block
	ReasonDomainBlock Reason = "DOMAIN_BLOCK"
	// ReasonInstanceDown is an automatic severance after prolonged outage
	ReasonInstanceDown Reason = "INSTANCE_DOWN"
)

// Valid reports whether the reason is a known value
func (r Reason) Valid() bool {
	switch r {
	case ReasonDefederation, ReasonDomainBlock, ReasonInstanceDown:
		return true
	default:
		return false
	}
}

// ParseReason converts a schema value into a Reason
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown severance reason %q", s)
	}
	return r, nil
}

// Record is an immutable account of a severed federation relationship. Only
// the Acknowledged flag changes after creation.
type Record struct {
	ID                string    `json:"id"`
	LocalInstance     string    `json:"local_instance"`
	RemoteInstance    string    `json:"remote_instance"`
	Reason            Reason    `json:"reason"`
	AffectedFollowers int       `json:"affected_followers"`
	AffectedFollowing int       `json:"affected_following"`
	Reversible        bool      `json:"reversible"`
	Acknowledged      bool      `json:"acknowledged"`
	Timestamp         time.Time `json:"timestamp"`
	Details           string    `json:"details,omitempty"`
}

// NewRecord builds a severance record with a fresh ID
func NewRecord(local, remote string, reason Reason, followers, following int, reversible bool, at time.Time) *Record {
	return &Record{
		ID:                uuid.NewString(),
		LocalInstance:     local,
		RemoteInstance:    remote,
		Reason:            reason,
		AffectedFollowers: followers,
		AffectedFollowing: following,
		Reversible:        reversible,
		Timestamp:         at,
	}
}

// Validate checks the record invariants
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record ID must not be empty")
	}
	if r.LocalInstance == "" || r.RemoteInstance == "" {
		return fmt.Errorf("record instances must not be empty")
	}
	if !r.Reason.Valid() {
		return fmt.Errorf("unknown severance reason %q", r.Reason)
	}
	if r.AffectedFollowers < 0 || r.AffectedFollowing < 0 {
		return fmt.Errorf("affected counts must not be negative")
	}
	return nil
}

// Clone returns a copy so callers cannot mutate stored records
func (r *Record) Clone() *Record {
	cp := *r
	return &cp
}
