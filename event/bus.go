package event

import (
	"log/slog"
	"sync"

	"github.com/c360/fedmeter/metric"
)

// DefaultBuffer is the per-subscription channel depth when the caller does
// not specify one.
const DefaultBuffer = 64

// Filter decides whether a subscription receives an event. A nil filter
// receives everything on the topic.
type Filter func(Event) bool

// FilterDomain matches events for a single domain. An empty domain matches
// all events.
func FilterDomain(domain string) Filter {
	if domain == "" {
		return nil
	}
	return func(e Event) bool {
		return e.EventDomain() == domain
	}
}

// FilterCostThreshold matches CostUpdate events whose running total meets the
// threshold. Non-cost events never match.
func FilterCostThreshold(thresholdUSD float64) Filter {
	return func(e Event) bool {
		cu, ok := e.(CostUpdate)
		if !ok {
			return false
		}
		return cu.TotalUSD >= thresholdUSD
	}
}

// Subscription is a registered consumer of one topic
type Subscription struct {
	topic  Topic
	filter Filter
	ch     chan Event

	bus       *Bus
	closeOnce sync.Once

	// dropped counts events discarded because the subscriber was slow
	mu      sync.Mutex
	dropped uint64
}

// Events returns the channel events are delivered on. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports how many events were discarded because the subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription and closes its channel
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is an in-process topic bus. Publish never blocks producers: when a
// subscriber's buffer is full the oldest buffered event is discarded to make
// room, matching the delivery semantics of the websocket output path.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	closed bool

	logger  *slog.Logger
	metrics *metric.Metrics
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger.With("component", "event-bus")
	}
}

// WithMetrics attaches platform metrics for publish/subscriber accounting
func WithMetrics(metrics *metric.Metrics) Option {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// NewBus creates an event bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Topic][]*Subscription),
		logger: slog.Default().With("component", "event-bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer for a topic. buffer <= 0 uses DefaultBuffer.
// Returns nil if the bus is already closed.
func (b *Bus) Subscribe(topic Topic, filter Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscription{
		topic:  topic,
		filter: filter,
		ch:     make(chan Event, buffer),
		bus:    b,
	}
	b.subs[topic] = append(b.subs[topic], sub)

	if b.metrics != nil {
		b.metrics.RecordSubscriberCount(string(topic), len(b.subs[topic]))
	}

	return sub
}

// Publish delivers an event to all matching subscriptions on its topic.
// It never blocks: full subscriber buffers lose their oldest event.
func (b *Bus) Publish(e Event) {
	topic := e.EventTopic()

	// Delivery happens under the read lock so a concurrent unsubscribe
	// cannot close a channel mid-send. deliver never blocks, so the lock
	// hold time is bounded.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	if b.metrics != nil {
		b.metrics.RecordEventPublished(string(topic))
	}

	for _, sub := range b.subs[topic] {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		b.deliver(sub, e)
	}
}

// deliver pushes an event to a subscription, evicting the oldest buffered
// event when the channel is full.
func (b *Bus) deliver(sub *Subscription, e Event) {
	for {
		select {
		case sub.ch <- e:
			return
		default:
		}

		// Buffer full: evict the oldest event and retry
		select {
		case <-sub.ch:
			sub.mu.Lock()
			sub.dropped++
			dropped := sub.dropped
			sub.mu.Unlock()

			if dropped == 1 || dropped%100 == 0 {
				b.logger.Warn("Slow subscriber dropping events",
					"topic", sub.topic,
					"dropped", dropped)
			}
		default:
			// Concurrent consumer drained the channel, retry the send
		}
	}
}

// unsubscribe removes a subscription and closes its channel
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	count := len(b.subs[sub.topic])
	closed := b.closed
	b.mu.Unlock()

	if b.metrics != nil && !closed {
		b.metrics.RecordSubscriberCount(string(sub.topic), count)
	}

	sub.closeOnce.Do(func() { close(sub.ch) })
}

// SubscriberCount reports the number of active subscriptions on a topic
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close shuts down the bus, closing all subscription channels
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := make([]*Subscription, 0)
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
}
