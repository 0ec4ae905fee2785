package severance

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/fedmeter/errors"
)

// Store persists severance records. Records are immutable except for the
// acknowledged flag.
type Store interface {
	// Create stores a new record. The record ID must be unique.
	Create(ctx context.Context, rec *Record) error
	// Get returns a record by ID, or ErrSeveranceNotFound
	Get(ctx context.Context, id string) (*Record, error)
	// SetAcknowledged flips the acknowledged flag and returns the record
	SetAcknowledged(ctx context.Context, id string) (*Record, error)
	// List returns records for an instance, newest first. An empty instance
	// returns all records.
	List(ctx context.Context, instance string) ([]*Record, error)
}

// MemoryStore is the in-process Store used when no JetStream KV bucket is
// configured, and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create implements Store
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	if rec == nil {
		return errors.WrapInvalid(
			fmt.Errorf("record must not be nil"), "MemoryStore", "Create", "input validation")
	}
	if err := rec.Validate(); err != nil {
		return errors.WrapInvalid(err, "MemoryStore", "Create", "record validation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("record %s already exists", rec.ID), "MemoryStore", "Create", "uniqueness check")
	}
	s.records[rec.ID] = rec.Clone()
	return nil
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrSeveranceNotFound, "MemoryStore", "Get", "lookup "+id)
	}
	return rec.Clone(), nil
}

// SetAcknowledged implements Store
func (s *MemoryStore) SetAcknowledged(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrSeveranceNotFound, "MemoryStore", "SetAcknowledged", "lookup "+id)
	}
	rec.Acknowledged = true
	return rec.Clone(), nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context, instance string) ([]*Record, error) {
	s.mu.RLock()
	records := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if instance != "" && rec.LocalInstance != instance && rec.RemoteInstance != instance {
			continue
		}
		records = append(records, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}
