package fedstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/health"
	"github.com/c360/fedmeter/pkg/clock"
)

var testStart = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestController(t *testing.T) (*Controller, *event.Bus, *clock.Fake) {
	t.Helper()

	fake := clock.NewFake(testStart)
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	ctrl := NewController(fake, DefaultOptions(), WithBus(bus))
	return ctrl, bus, fake
}

func drainStateChanges(sub *event.Subscription) []event.StateChange {
	var changes []event.StateChange
	for {
		select {
		case e := <-sub.Events():
			changes = append(changes, e.(event.StateChange))
		default:
			return changes
		}
	}
}

func TestPauseRequiresReason(t *testing.T) {
	ctrl, _, _ := newTestController(t)

	_, err := ctrl.Pause(context.Background(), "b.example", "", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidReason)
}

func TestPauseAndExplicitResume(t *testing.T) {
	ctrl, bus, _ := newTestController(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	record, err := ctrl.Pause(ctx, "b.example", "manual maintenance", nil)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, record.State)
	assert.Equal(t, "manual maintenance", record.Reason)
	assert.Nil(t, record.PausedUntil)

	record, err = ctrl.Resume(ctx, "b.example")
	require.NoError(t, err)
	assert.Equal(t, StateActive, record.State)

	changes := drainStateChanges(sub)
	require.Len(t, changes, 2)
	assert.Equal(t, "ACTIVE", changes[0].From)
	assert.Equal(t, "PAUSED", changes[0].To)
	assert.Equal(t, "PAUSED", changes[1].From)
	assert.Equal(t, "ACTIVE", changes[1].To)
}

func TestPauseAutoResumesWhenUntilElapses(t *testing.T) {
	ctrl, bus, fake := newTestController(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	until := testStart.Add(time.Hour)
	record, err := ctrl.Pause(ctx, "b.example", "manual maintenance", &until)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, record.State)
	require.NotNil(t, record.PausedUntil)

	fake.Advance(59 * time.Minute)
	assert.Equal(t, StatePaused, ctrl.Status("b.example").State)

	fake.Advance(time.Minute)
	assert.Equal(t, StateActive, ctrl.Status("b.example").State)

	changes := drainStateChanges(sub)
	require.Len(t, changes, 2)
	assert.Equal(t, "pause expired", changes[1].Reason)
}

func TestExplicitResumeCancelsAutoResumeTimer(t *testing.T) {
	ctrl, bus, fake := newTestController(t)
	ctx := context.Background()

	until := testStart.Add(time.Hour)
	_, err := ctrl.Pause(ctx, "b.example", "manual maintenance", &until)
	require.NoError(t, err)

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	_, err = ctrl.Resume(ctx, "b.example")
	require.NoError(t, err)

	// Advancing past the original deadline must not fire a second transition
	fake.Advance(2 * time.Hour)

	changes := drainStateChanges(sub)
	require.Len(t, changes, 1)
	assert.Equal(t, "ACTIVE", changes[0].To)
	assert.Equal(t, StateActive, ctrl.Status("b.example").State)
}

func TestPauseIsIdempotent(t *testing.T) {
	ctrl, bus, _ := newTestController(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	_, err := ctrl.Pause(ctx, "b.example", "manual maintenance", nil)
	require.NoError(t, err)

	record, err := ctrl.Pause(ctx, "b.example", "again", nil)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, record.State)
	assert.Equal(t, "manual maintenance", record.Reason)

	assert.Len(t, drainStateChanges(sub), 1)
}

func TestResumeOnActiveDomainIsNoOp(t *testing.T) {
	ctrl, bus, _ := newTestController(t)

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	record, err := ctrl.Resume(context.Background(), "b.example")
	require.NoError(t, err)
	assert.Equal(t, StateActive, record.State)
	assert.Empty(t, drainStateChanges(sub))
}

func TestBlockedAdmitsOnlyUnblock(t *testing.T) {
	ctrl, _, fake := newTestController(t)
	ctx := context.Background()

	_, err := ctrl.Block(ctx, "spam.example", "defederation")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, ctrl.Status("spam.example").State)

	_, err = ctrl.Pause(ctx, "spam.example", "maintenance", nil)
	assert.ErrorIs(t, err, errors.ErrDomainBlocked)

	_, err = ctrl.Resume(ctx, "spam.example")
	assert.ErrorIs(t, err, errors.ErrDomainBlocked)

	require.NoError(t, ctrl.RequestLimit(ctx, "spam.example", "over budget"))
	assert.Equal(t, StateBlocked, ctrl.Status("spam.example").State)

	require.NoError(t, ctrl.ReportHealth(ctx, "spam.example", health.StatusOffline, fake.Now().Add(-time.Hour)))
	assert.Equal(t, StateBlocked, ctrl.Status("spam.example").State)

	record, err := ctrl.Unblock(ctx, "spam.example")
	require.NoError(t, err)
	assert.Equal(t, StateActive, record.State)
}

func TestBlockIsIdempotent(t *testing.T) {
	ctrl, bus, _ := newTestController(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	_, err := ctrl.Block(ctx, "spam.example", "defederation")
	require.NoError(t, err)
	_, err = ctrl.Block(ctx, "spam.example", "defederation")
	require.NoError(t, err)

	assert.Len(t, drainStateChanges(sub), 1)
}

func TestUnblockOnUnblockedDomainIsNoOp(t *testing.T) {
	ctrl, bus, _ := newTestController(t)

	sub := bus.Subscribe(event.TopicStateChanges, nil, 0)

	record, err := ctrl.Unblock(context.Background(), "b.example")
	require.NoError(t, err)
	assert.Equal(t, StateActive, record.State)
	assert.Empty(t, drainStateChanges(sub))
}

func TestRequestLimitTransitionsActiveOnly(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.RequestLimit(ctx, "b.example", "budget exceeded"))
	assert.Equal(t, StateLimited, ctrl.Status("b.example").State)

	// From PAUSED, limit requests are ignored
	_, err := ctrl.Pause(ctx, "c.example", "maintenance", nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.RequestLimit(ctx, "c.example", "budget exceeded"))
	assert.Equal(t, StatePaused, ctrl.Status("c.example").State)
}

func TestCriticalHealthLimitsAndRecoveryLifts(t *testing.T) {
	ctrl, _, fake := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusCritical, fake.Now()))
	assert.Equal(t, StateLimited, ctrl.Status("b.example").State)

	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusHealthy, fake.Now()))
	assert.Equal(t, StateActive, ctrl.Status("b.example").State)
}

func TestRecoveryDoesNotLiftBudgetLimit(t *testing.T) {
	ctrl, _, fake := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.RequestLimit(ctx, "b.example", "budget exceeded"))
	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusHealthy, fake.Now()))
	assert.Equal(t, StateLimited, ctrl.Status("b.example").State)
}

func TestOfflinePastGraceTransitionsToError(t *testing.T) {
	ctrl, _, fake := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusOffline, fake.Now()))
	assert.Equal(t, StateActive, ctrl.Status("b.example").State)

	fake.Advance(5 * time.Minute)
	assert.Equal(t, StateError, ctrl.Status("b.example").State)
}

func TestOfflineAlreadyPastGraceTransitionsImmediately(t *testing.T) {
	ctrl, _, fake := newTestController(t)

	since := fake.Now().Add(-10 * time.Minute)
	require.NoError(t, ctrl.ReportHealth(context.Background(), "b.example", health.StatusOffline, since))
	assert.Equal(t, StateError, ctrl.Status("b.example").State)
}

func TestRecoveryBeforeGraceCancelsErrorTransition(t *testing.T) {
	ctrl, _, fake := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusOffline, fake.Now()))
	fake.Advance(2 * time.Minute)
	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusHealthy, fake.Now()))

	fake.Advance(time.Hour)
	assert.Equal(t, StateActive, ctrl.Status("b.example").State)
}

func TestErrorRecoveryReturnsToActive(t *testing.T) {
	ctrl, _, fake := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusOffline, fake.Now().Add(-time.Hour)))
	require.Equal(t, StateError, ctrl.Status("b.example").State)

	require.NoError(t, ctrl.ReportHealth(ctx, "b.example", health.StatusHealthy, fake.Now()))
	assert.Equal(t, StateActive, ctrl.Status("b.example").State)
}

func TestAllSortedByDomain(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	require.NoError(t, ctrl.RequestLimit(ctx, "c.example", "budget"))
	_, err := ctrl.Pause(ctx, "a.example", "maintenance", nil)
	require.NoError(t, err)

	records := ctrl.All()
	require.Len(t, records, 2)
	assert.Equal(t, "a.example", records[0].Domain)
	assert.Equal(t, StatePaused, records[0].State)
	assert.Equal(t, "c.example", records[1].Domain)
	assert.Equal(t, StateLimited, records[1].State)
}
