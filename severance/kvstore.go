package severance

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/natsclient"
)

// kvBucket is the JetStream KV bucket holding severance records
const kvBucket = "fedmeter_severances"

// KVStore persists severance records in a JetStream KV bucket so they survive
// restarts and are shared between instances of the service.
type KVStore struct {
	kv *natsclient.KVStore
}

// NewKVStore creates or opens the severance bucket
func NewKVStore(client *natsclient.Client) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("nats client must not be nil"), "KVStore", "NewKVStore", "input validation")
	}

	bucket, err := client.CreateKeyValueBucket(context.Background(), jetstream.KeyValueConfig{
		Bucket:      kvBucket,
		Description: "Severed federation relationship records",
		History:     5,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "NewKVStore", "create KV bucket")
	}

	return &KVStore{kv: client.NewKVStore(bucket)}, nil
}

// Create implements Store
func (s *KVStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.WrapInvalid(
			fmt.Errorf("record must not be nil"), "KVStore", "Create", "input validation")
	}
	if err := rec.Validate(); err != nil {
		return errors.WrapInvalid(err, "KVStore", "Create", "record validation")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapFatal(err, "KVStore", "Create", "marshal record")
	}

	if _, err := s.kv.Create(ctx, rec.ID, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return errors.WrapInvalid(err, "KVStore", "Create", "record already exists")
		}
		return errors.WrapTransient(err, "KVStore", "Create", "create in KV")
	}
	return nil
}

// Get implements Store
func (s *KVStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrSeveranceNotFound, "KVStore", "Get", "empty id")
	}

	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.WrapInvalid(errors.ErrSeveranceNotFound, "KVStore", "Get", "lookup "+id)
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", "get from KV")
	}

	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapFatal(err, "KVStore", "Get", "unmarshal record")
	}
	return &rec, nil
}

// SetAcknowledged implements Store. The CAS retry keeps concurrent
// acknowledgements from clobbering each other.
func (s *KVStore) SetAcknowledged(ctx context.Context, id string) (*Record, error) {
	var updated Record
	err := s.kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.ErrSeveranceNotFound
		}
		var rec Record
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		rec.Acknowledged = true
		updated = rec
		return json.Marshal(rec)
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrSeveranceNotFound) {
			return nil, errors.WrapInvalid(errors.ErrSeveranceNotFound, "KVStore", "SetAcknowledged", "lookup "+id)
		}
		return nil, errors.WrapTransient(err, "KVStore", "SetAcknowledged", "update in KV")
	}
	return &updated, nil
}

// List implements Store
func (s *KVStore) List(ctx context.Context, instance string) ([]*Record, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "List", "list KV keys")
	}

	records := make([]*Record, 0, len(keys))
	for _, key := range keys {
		rec, err := s.Get(ctx, key)
		if err != nil {
			if stderrors.Is(err, errors.ErrSeveranceNotFound) {
				continue
			}
			return nil, err
		}
		if instance != "" && rec.LocalInstance != instance && rec.RemoteInstance != instance {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}
