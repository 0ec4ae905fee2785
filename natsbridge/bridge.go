// Package natsbridge republishes engine events onto NATS subjects so that
// other services can observe federation health, budget, cost, and severance
// activity without attaching to the in-process bus. The bridge is optional:
// when no NATS URL is configured the engine runs without it.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/natsclient"
)

// DefaultSubjectPrefix is the root of all bridge subjects
const DefaultSubjectPrefix = "fedmeter.events"

// bridged is the set of topics mirrored to NATS
var bridged = []event.Topic{
	event.TopicHealthUpdates,
	event.TopicBudgetAlerts,
	event.TopicCostAlerts,
	event.TopicCostUpdates,
	event.TopicStateChanges,
	event.TopicSeverances,
}

// Bridge mirrors event bus topics onto NATS subjects of the form
// <prefix>.<topic>.<domain>. Publish failures trip a circuit breaker so a
// NATS outage never backs up the bus.
type Bridge struct {
	client        *natsclient.Client
	bus           *event.Bus
	subjectPrefix string
	logger        *slog.Logger
	metrics       *metric.Metrics
	breaker       *gobreaker.CircuitBreaker

	mu      sync.Mutex
	subs    []*event.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures optional bridge dependencies
type Option func(*Bridge)

// WithLogger sets the logger for the bridge
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger.With("component", "natsbridge")
	}
}

// WithMetrics sets the metrics recorder for the bridge
func WithMetrics(metrics *metric.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithSubjectPrefix overrides the default subject prefix
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		b.subjectPrefix = prefix
	}
}

// New creates a bridge between the bus and a connected NATS client
func New(client *natsclient.Client, bus *event.Bus, options ...Option) *Bridge {
	b := &Bridge{
		client:        client,
		bus:           bus,
		subjectPrefix: DefaultSubjectPrefix,
		logger:        slog.Default().With("component", "natsbridge"),
	}
	for _, opt := range options {
		opt(b)
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "natsbridge-publish",
		Interval: 60 * time.Second,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.logger.Warn("publish breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return b
}

// Start attaches one bus subscription per topic and begins forwarding
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Bridge", "Start", "already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true

	var wg sync.WaitGroup
	for _, topic := range bridged {
		sub := b.bus.Subscribe(topic, nil, 256)
		b.subs = append(b.subs, sub)
		wg.Add(1)
		go func(topic event.Topic, sub *event.Subscription) {
			defer wg.Done()
			b.forward(runCtx, topic, sub)
		}(topic, sub)
	}
	go func() {
		wg.Wait()
		close(b.done)
	}()

	b.logger.Info("nats bridge started",
		"topics", len(bridged), "prefix", b.subjectPrefix)
	return nil
}

// Stop detaches the bus subscriptions and waits for forwarding to drain
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	b.cancel()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Bridge", "Stop",
			"forwarders did not drain in time")
	}
}

func (b *Bridge) forward(ctx context.Context, topic event.Topic, sub *event.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := b.publish(ctx, topic, ev); err != nil {
				b.logger.Warn("event publish failed",
					"topic", string(topic),
					"domain", ev.EventDomain(),
					"error", err)
			}
		}
	}
}

func (b *Bridge) publish(ctx context.Context, topic event.Topic, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Bridge", "publish", "encode event")
	}

	subject := b.subjectFor(topic, ev.EventDomain())
	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, subject, data)
	})
	if err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.RecordEventPublished("nats." + string(topic))
	}
	return nil
}

// subjectFor builds <prefix>.<topic>.<domain>. Domains keep their dots, so
// subscribers match with a trailing ">" wildcard. Characters NATS reserves
// for subject syntax are replaced.
func (b *Bridge) subjectFor(topic event.Topic, domain string) string {
	if domain == "" {
		domain = "global"
	}
	domain = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '>':
			return '_'
		default:
			return r
		}
	}, domain)
	return fmt.Sprintf("%s.%s.%s", b.subjectPrefix, topic, domain)
}
