package severance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/errors"
)

func TestMemoryStoreCreateRejectsDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := NewRecord("local.example", "b.example", ReasonInstanceDown, 1, 1, true, testStart)
	require.NoError(t, store.Create(ctx, rec))

	err := store.Create(ctx, rec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStoreCreateValidates(t *testing.T) {
	store := NewMemoryStore()

	rec := NewRecord("", "b.example", ReasonInstanceDown, 1, 1, true, testStart)
	err := store.Create(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := NewRecord("local.example", "b.example", ReasonInstanceDown, 1, 1, true, testStart)
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	got.Acknowledged = true

	again, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, again.Acknowledged)
}

func TestMemoryStoreGetUnknown(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSeveranceNotFound)
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := NewRecord("local.example", "b.example", ReasonInstanceDown, 0, 0, true, testStart)
	newer := NewRecord("local.example", "c.example", ReasonDefederation, 0, 0, false, testStart.Add(time.Hour))
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newer))

	records, err := store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c.example", records[0].RemoteInstance)
	assert.Equal(t, "b.example", records[1].RemoteInstance)
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		input   string
		want    Reason
		wantErr bool
	}{
		{"DEFEDERATION", ReasonDefederation, false},
		{"DOMAIN_BLOCK", ReasonDomainBlock, false},
		{"INSTANCE_DOWN", ReasonInstanceDown, false},
		{"defederation", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseReason(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
