package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()

	events := make([]Event, 0, n)
	timeout := time.After(time.Second)
	for len(events) < n {
		select {
		case e, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			events = append(events, e)
		case <-timeout:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(events))
		}
	}
	return events
}

func TestBusDeliversToMatchingTopic(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	health := bus.Subscribe(TopicHealthUpdates, nil, 0)
	alerts := bus.Subscribe(TopicBudgetAlerts, nil, 0)

	bus.Publish(HealthUpdate{Domain: "a.example", PreviousStatus: "HEALTHY", CurrentStatus: "WARNING"})

	events := collectEvents(t, health, 1)
	hu, ok := events[0].(HealthUpdate)
	require.True(t, ok)
	assert.Equal(t, "a.example", hu.Domain)
	assert.Equal(t, "WARNING", hu.CurrentStatus)

	select {
	case <-alerts.Events():
		t.Fatal("budget alert subscriber received health event")
	default:
	}
}

func TestBusDomainFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicStateChanges, FilterDomain("b.example"), 0)

	bus.Publish(StateChange{Domain: "a.example", From: "ACTIVE", To: "PAUSED"})
	bus.Publish(StateChange{Domain: "b.example", From: "ACTIVE", To: "LIMITED"})

	events := collectEvents(t, sub, 1)
	sc := events[0].(StateChange)
	assert.Equal(t, "b.example", sc.Domain)
	assert.Equal(t, "LIMITED", sc.To)
}

func TestBusEmptyDomainFilterMatchesAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicStateChanges, FilterDomain(""), 0)

	bus.Publish(StateChange{Domain: "a.example", From: "ACTIVE", To: "PAUSED"})
	bus.Publish(StateChange{Domain: "b.example", From: "ACTIVE", To: "LIMITED"})

	assert.Len(t, collectEvents(t, sub, 2), 2)
}

func TestBusCostThresholdFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicCostUpdates, FilterCostThreshold(50), 0)

	bus.Publish(CostUpdate{Domain: "a.example", DeltaUSD: 1, TotalUSD: 10})
	bus.Publish(CostUpdate{Domain: "a.example", DeltaUSD: 1, TotalUSD: 60})

	events := collectEvents(t, sub, 1)
	cu := events[0].(CostUpdate)
	assert.Equal(t, 60.0, cu.TotalUSD)
}

func TestBusSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicCostUpdates, nil, 2)

	for i := 1; i <= 5; i++ {
		bus.Publish(CostUpdate{Domain: "a.example", TotalUSD: float64(i)})
	}

	// Oldest events were evicted; the two newest remain
	events := collectEvents(t, sub, 2)
	assert.Equal(t, 4.0, events[0].(CostUpdate).TotalUSD)
	assert.Equal(t, 5.0, events[1].(CostUpdate).TotalUSD)
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicSeverances, nil, 0)
	assert.Equal(t, 1, bus.SubscriberCount(TopicSeverances))

	sub.Close()
	assert.Equal(t, 0, bus.SubscriberCount(TopicSeverances))

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed")

	// Publishing after unsubscribe must not panic
	bus.Publish(SeveranceNotice{ID: "x", RemoteInstance: "a.example"})
}

func TestBusCloseClosesSubscriptions(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicHealthUpdates, nil, 0)

	bus.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Subscribe after close returns nil, publish is a no-op
	assert.Nil(t, bus.Subscribe(TopicHealthUpdates, nil, 0))
	bus.Publish(HealthUpdate{Domain: "a.example"})
}
