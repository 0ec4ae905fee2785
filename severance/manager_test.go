package severance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/pkg/clock"
)

var testStart = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

// fakeDialer simulates the federation protocol boundary
type fakeDialer struct {
	mu            sync.Mutex
	relationships []Relationship
	failActors    map[string]bool
	hangActors    map[string]bool
	followers     int
	following     int
	countsErr     error
	attempts      int
}

func (d *fakeDialer) AffectedRelationships(_ context.Context, _ *Record) ([]Relationship, error) {
	return d.relationships, nil
}

func (d *fakeDialer) AffectedCounts(_ context.Context, _ string) (int, int, error) {
	return d.followers, d.following, d.countsErr
}

func (d *fakeDialer) Reestablish(ctx context.Context, rel Relationship) error {
	d.mu.Lock()
	d.attempts++
	fail := d.failActors[rel.RemoteActor]
	hang := d.hangActors[rel.RemoteActor]
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if fail {
		return fmt.Errorf("remote refused follow for %s", rel.RemoteActor)
	}
	return nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func newTestManager(t *testing.T, dialer Dialer) (*Manager, *event.Bus) {
	t.Helper()

	fake := clock.NewFake(testStart)
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	opts := DefaultOptions("local.example")
	opts.ItemTimeout = 200 * time.Millisecond

	mgr := NewManager(NewMemoryStore(), fake, opts, WithBus(bus), WithDialer(dialer))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Stop(2 * time.Second) })
	return mgr, bus
}

func relationships(n int) []Relationship {
	rels := make([]Relationship, n)
	for i := range rels {
		rels[i] = Relationship{
			LocalActor:  fmt.Sprintf("alice%d@local.example", i),
			RemoteActor: fmt.Sprintf("bob%d@b.example", i),
			Following:   i%2 == 0,
		}
	}
	return rels
}

func TestRecordSeveranceCapturesCounts(t *testing.T) {
	dialer := &fakeDialer{followers: 12, following: 5}
	mgr, bus := newTestManager(t, dialer)

	sub := bus.Subscribe(event.TopicSeverances, nil, 0)

	rec, err := mgr.RecordSeverance(context.Background(), "b.example", ReasonDefederation, false, "operator defederation")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "local.example", rec.LocalInstance)
	assert.Equal(t, "b.example", rec.RemoteInstance)
	assert.Equal(t, 12, rec.AffectedFollowers)
	assert.Equal(t, 5, rec.AffectedFollowing)
	assert.False(t, rec.Reversible)
	assert.False(t, rec.Acknowledged)
	assert.Equal(t, testStart, rec.Timestamp)

	notice := (<-sub.Events()).(event.SeveranceNotice)
	assert.Equal(t, rec.ID, notice.ID)
	assert.Equal(t, "DEFEDERATION", notice.Reason)
}

func TestRecordSeveranceRejectsUnknownReason(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})

	_, err := mgr.RecordSeverance(context.Background(), "b.example", Reason("GHOSTED"), false, "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	rec, err := mgr.RecordSeverance(ctx, "b.example", ReasonInstanceDown, true, "")
	require.NoError(t, err)

	first, err := mgr.Acknowledge(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)

	second, err := mgr.Acknowledge(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, second.Acknowledged)
}

func TestAcknowledgeUnknownID(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})

	_, err := mgr.Acknowledge(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSeveranceNotFound)
}

func TestAttemptReconnectionPartialFailure(t *testing.T) {
	dialer := &fakeDialer{
		relationships: relationships(10),
		failActors: map[string]bool{
			"bob1@b.example": true,
			"bob4@b.example": true,
			"bob7@b.example": true,
		},
	}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	rec, err := mgr.RecordSeverance(ctx, "b.example", ReasonInstanceDown, true, "")
	require.NoError(t, err)

	result, err := mgr.AttemptReconnection(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, 7, result.Reconnected)
	assert.Equal(t, 3, result.Failed)
	assert.True(t, result.Success)
	assert.Len(t, result.Errors, 3)
	assert.Equal(t, 10, dialer.attemptCount())
}

func TestAttemptReconnectionNotReversible(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	rec, err := mgr.RecordSeverance(ctx, "b.example", ReasonDefederation, false, "")
	require.NoError(t, err)

	_, err = mgr.AttemptReconnection(ctx, rec.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotReversible)
}

func TestAttemptReconnectionTimeoutCountsAsFailed(t *testing.T) {
	dialer := &fakeDialer{
		relationships: relationships(3),
		hangActors:    map[string]bool{"bob0@b.example": true},
	}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	rec, err := mgr.RecordSeverance(ctx, "b.example", ReasonInstanceDown, true, "")
	require.NoError(t, err)

	result, err := mgr.AttemptReconnection(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Reconnected)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "timeout")
}

func TestAttemptReconnectionAllFail(t *testing.T) {
	dialer := &fakeDialer{
		relationships: relationships(2),
		failActors: map[string]bool{
			"bob0@b.example": true,
			"bob1@b.example": true,
		},
	}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	rec, err := mgr.RecordSeverance(ctx, "b.example", ReasonInstanceDown, true, "")
	require.NoError(t, err)

	result, err := mgr.AttemptReconnection(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.Reconnected)
	assert.Equal(t, 2, result.Failed)
}

func TestAutomaticSeveranceOnStateChange(t *testing.T) {
	dialer := &fakeDialer{followers: 3, following: 1}
	mgr, bus := newTestManager(t, dialer)
	ctx := context.Background()

	bus.Publish(event.StateChange{
		Domain: "down.example",
		From:   "ACTIVE",
		To:     "ERROR",
		Reason: "instance offline past grace period",
		At:     testStart,
	})
	bus.Publish(event.StateChange{
		Domain: "spam.example",
		From:   "ACTIVE",
		To:     "BLOCKED",
		Reason: "operator block",
		At:     testStart,
	})

	// The watcher is asynchronous
	require.Eventually(t, func() bool {
		records, err := mgr.List(ctx, "")
		return err == nil && len(records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	records, err := mgr.List(ctx, "")
	require.NoError(t, err)

	byRemote := map[string]*Record{}
	for _, rec := range records {
		byRemote[rec.RemoteInstance] = rec
	}

	down := byRemote["down.example"]
	require.NotNil(t, down)
	assert.Equal(t, ReasonInstanceDown, down.Reason)
	assert.True(t, down.Reversible)

	spam := byRemote["spam.example"]
	require.NotNil(t, spam)
	assert.Equal(t, ReasonDomainBlock, spam.Reason)
	assert.False(t, spam.Reversible)
}

func TestListFiltersByInstance(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeDialer{})
	ctx := context.Background()

	_, err := mgr.RecordSeverance(ctx, "b.example", ReasonInstanceDown, true, "")
	require.NoError(t, err)
	_, err = mgr.RecordSeverance(ctx, "c.example", ReasonDefederation, false, "")
	require.NoError(t, err)

	records, err := mgr.List(ctx, "b.example")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b.example", records[0].RemoteInstance)

	all, err := mgr.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStateChangeToLimitedDoesNotSever(t *testing.T) {
	mgr, bus := newTestManager(t, &fakeDialer{})

	bus.Publish(event.StateChange{
		Domain: "b.example",
		From:   "ACTIVE",
		To:     "LIMITED",
		Reason: "budget exceeded",
		At:     testStart,
	})

	time.Sleep(50 * time.Millisecond)
	records, err := mgr.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReconnectionErrorsNameTheActor(t *testing.T) {
	dialer := &fakeDialer{
		relationships: relationships(2),
		failActors:    map[string]bool{"bob1@b.example": true},
	}
	mgr, _ := newTestManager(t, dialer)
	ctx := context.Background()

	rec, err := mgr.RecordSeverance(ctx, "b.example", ReasonInstanceDown, true, "")
	require.NoError(t, err)

	result, err := mgr.AttemptReconnection(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.True(t, strings.HasPrefix(result.Errors[0], "bob1@b.example:"))
}

func TestAttemptReconnectionWithoutDialerReportsFailure(t *testing.T) {
	fake := clock.NewFake(testStart)
	mgr := NewManager(NewMemoryStore(), fake, DefaultOptions("local.example"))
	require.NoError(t, mgr.Start(context.Background()))
	t.Cleanup(func() { _ = mgr.Stop(2 * time.Second) })

	rec := NewRecord("local.example", "b.example", ReasonInstanceDown, 7, 3, true, fake.Now())
	require.NoError(t, mgr.store.Create(context.Background(), rec))

	result, err := mgr.AttemptReconnection(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Zero(t, result.Reconnected)
	assert.Equal(t, 10, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no dialer")
}
