package natsbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/natsclient"
)

func newTestBridge(t *testing.T) (*Bridge, *event.Bus) {
	t.Helper()

	// never connected: publish attempts fail and are absorbed
	client, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)

	bus := event.NewBus()
	t.Cleanup(bus.Close)
	return New(client, bus), bus
}

func TestSubjectForKeepsDomainDots(t *testing.T) {
	b, _ := newTestBridge(t)

	subject := b.subjectFor(event.TopicHealthUpdates, "mastodon.social")
	assert.Equal(t, "fedmeter.events.health_updates.mastodon.social", subject)
}

func TestSubjectForSanitizesReservedCharacters(t *testing.T) {
	b, _ := newTestBridge(t)

	subject := b.subjectFor(event.TopicBudgetAlerts, "weird > *domain")
	assert.Equal(t, "fedmeter.events.budget_alerts.weird___domain", subject)
}

func TestSubjectForEmptyDomain(t *testing.T) {
	b, _ := newTestBridge(t)

	subject := b.subjectFor(event.TopicCostUpdates, "")
	assert.Equal(t, "fedmeter.events.cost_updates.global", subject)
}

func TestSubjectPrefixOverride(t *testing.T) {
	client, err := natsclient.NewClient("nats://127.0.0.1:4222")
	require.NoError(t, err)
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	b := New(client, bus, WithSubjectPrefix("custom.prefix"))
	assert.Equal(t, "custom.prefix.severances.a.example",
		b.subjectFor(event.TopicSeverances, "a.example"))
}

func TestStartIsNotReentrant(t *testing.T) {
	b, _ := newTestBridge(t)

	require.NoError(t, b.Start(context.Background()))
	assert.Error(t, b.Start(context.Background()))
	require.NoError(t, b.Stop(time.Second))
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	b, _ := newTestBridge(t)
	assert.NoError(t, b.Stop(time.Second))
}

func TestPublishFailureDoesNotBlockBus(t *testing.T) {
	b, bus := newTestBridge(t)
	require.NoError(t, b.Start(context.Background()))

	// the client is disconnected, so every forward attempt fails; the
	// bridge must keep draining its subscriptions regardless
	for i := 0; i < 50; i++ {
		bus.Publish(event.HealthUpdate{
			Domain:         "down.example",
			PreviousStatus: "HEALTHY",
			CurrentStatus:  "OFFLINE",
			At:             time.Now(),
		})
	}

	require.NoError(t, b.Stop(2*time.Second))
}
