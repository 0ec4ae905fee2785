package severance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
	"github.com/c360/fedmeter/pkg/worker"
)

// Relationship is a single follower or following edge affected by a severance
type Relationship struct {
	LocalActor  string `json:"local_actor"`
	RemoteActor string `json:"remote_actor"`
	Following   bool   `json:"following"` // local follows remote, otherwise remote follows local
}

// Dialer performs the external I/O of talking to remote instances. It is the
// boundary the reconnection fan-out calls through; implementations speak the
// actual federation protocol.
type Dialer interface {
	// AffectedRelationships enumerates the edges severed by a record
	AffectedRelationships(ctx context.Context, rec *Record) ([]Relationship, error)
	// AffectedCounts reports follower/following counts toward a remote domain
	AffectedCounts(ctx context.Context, remote string) (followers, following int, err error)
	// Reestablish re-creates one relationship on the remote instance
	Reestablish(ctx context.Context, rel Relationship) error
}

// ReconnectionResult summarizes a reconnection attempt. Partial failure is
// expected; Success means at least one relationship was re-established.
type ReconnectionResult struct {
	Reconnected int      `json:"reconnected"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors"`
	Success     bool     `json:"success"`
}

// Options configures the manager
type Options struct {
	LocalInstance string
	Workers       int           // reconnection fan-out width (default 8)
	QueueSize     int           // reconnection queue (default 256)
	ItemTimeout   time.Duration // per-relationship timeout (default 30s)
}

// DefaultOptions returns production defaults
func DefaultOptions(localInstance string) Options {
	return Options{
		LocalInstance: localInstance,
		Workers:       8,
		QueueSize:     256,
		ItemTimeout:   30 * time.Second,
	}
}

type reconnectItem struct {
	rel     Relationship
	results chan<- reconnectOutcome
}

type reconnectOutcome struct {
	rel Relationship
	err error
}

// Manager records severed relationships and drives reconnection attempts.
// It also watches federation state changes and records automatic severances
// when a domain enters ERROR or BLOCKED.
type Manager struct {
	store   Store
	dialer  Dialer
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
	bus     *event.Bus

	breaker *gobreaker.CircuitBreaker
	pool    *worker.Pool[reconnectItem]

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	watchDone   chan struct{}
}

// Option configures optional manager collaborators
type Option func(*Manager)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With("component", "severance-manager")
	}
}

// WithMetrics attaches platform metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithBus attaches the event bus for SeveranceNotice publication and
// StateChange watching
func WithBus(bus *event.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithDialer attaches the federation dialer used for reconnection
func WithDialer(dialer Dialer) Option {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

// NewManager creates a severance manager backed by the given store
func NewManager(store Store, clk clock.Clock, opts Options, options ...Option) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 30 * time.Second
	}

	m := &Manager{
		store:  store,
		clock:  clk,
		opts:   opts,
		logger: slog.Default().With("component", "severance-manager"),
	}
	for _, opt := range options {
		opt(m)
	}

	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "severance-dialer",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	m.pool = worker.NewPool(opts.Workers, opts.QueueSize, m.processReconnect)
	return m
}

// Start launches the reconnection workers and the state change watcher
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "state check")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := m.pool.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Manager", "Start", "start worker pool")
	}
	m.cancel = cancel

	if m.bus != nil {
		sub := m.bus.Subscribe(event.TopicStateChanges, nil, 64)
		m.watchDone = make(chan struct{})
		go m.watchStateChanges(runCtx, sub)
	}
	return nil
}

// Stop cancels the watcher and drains the worker pool
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel == nil {
		return nil
	}
	m.cancel()
	m.cancel = nil

	if m.watchDone != nil {
		select {
		case <-m.watchDone:
		case <-time.After(timeout):
		}
		m.watchDone = nil
	}
	return m.pool.Stop(timeout)
}

// watchStateChanges records automatic severances for domains entering ERROR
// or BLOCKED
func (m *Manager) watchStateChanges(ctx context.Context, sub *event.Subscription) {
	defer close(m.watchDone)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			change, isChange := e.(event.StateChange)
			if !isChange {
				continue
			}

			switch change.To {
			case "ERROR":
				// Outage severances are reversible once the instance returns
				if _, err := m.RecordSeverance(ctx, change.Domain, ReasonInstanceDown, true, change.Reason); err != nil {
					m.logger.Error("Automatic severance failed", "domain", change.Domain, "error", err)
				}
			case "BLOCKED":
				if _, err := m.RecordSeverance(ctx, change.Domain, ReasonDomainBlock, false, change.Reason); err != nil {
					m.logger.Error("Automatic severance failed", "domain", change.Domain, "error", err)
				}
			}
		}
	}
}

// RecordSeverance creates a severance record for a remote domain, capturing
// the affected relationship counts at severance time.
func (m *Manager) RecordSeverance(ctx context.Context, remote string, reason Reason, reversible bool, details string) (*Record, error) {
	if remote == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("remote instance must not be empty"), "Manager", "RecordSeverance", "input validation")
	}
	if !reason.Valid() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown severance reason %q", reason), "Manager", "RecordSeverance", "input validation")
	}

	var followers, following int
	if m.dialer != nil {
		var err error
		followers, following, err = m.dialer.AffectedCounts(ctx, remote)
		if err != nil {
			// Counts are best effort; the severance itself must not fail
			m.logger.Warn("Affected counts unavailable", "remote", remote, "error", err)
		}
	}

	rec := NewRecord(m.opts.LocalInstance, remote, reason, followers, following, reversible, m.clock.Now())
	rec.Details = details

	if err := m.store.Create(ctx, rec); err != nil {
		return nil, errors.Wrap(err, "Manager", "RecordSeverance", "store record")
	}

	m.logger.Info("Severance recorded",
		"id", rec.ID,
		"remote", remote,
		"reason", string(reason),
		"reversible", reversible,
		"affected_followers", followers,
		"affected_following", following)

	if m.metrics != nil {
		m.metrics.RecordSeverance(string(reason))
	}

	if m.bus != nil {
		m.bus.Publish(event.SeveranceNotice{
			ID:             rec.ID,
			LocalInstance:  rec.LocalInstance,
			RemoteInstance: rec.RemoteInstance,
			Reason:         string(rec.Reason),
			Reversible:     rec.Reversible,
			At:             rec.Timestamp,
		})
	}
	return rec, nil
}

// Get returns a severance record by ID
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List returns severance records involving an instance, newest first
func (m *Manager) List(ctx context.Context, instance string) ([]*Record, error) {
	return m.store.List(ctx, instance)
}

// Acknowledge marks a severance record as acknowledged. Acknowledging an
// already acknowledged record succeeds without side effects.
func (m *Manager) Acknowledge(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.SetAcknowledged(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "Acknowledge", "update record")
	}
	return rec, nil
}

// AttemptReconnection re-establishes the relationships severed by a record.
// Attempts fan out to the worker pool; each is bounded by the per-item
// timeout and counted as failed if it neither succeeds nor fails in time.
// No ledger or controller locks are held while attempts are in flight.
func (m *Manager) AttemptReconnection(ctx context.Context, id string) (*ReconnectionResult, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Reversible {
		return nil, errors.WrapInvalid(errors.ErrNotReversible, "Manager", "AttemptReconnection", "reversibility check")
	}
	if m.dialer == nil {
		// Without a dialer nothing can be re-established; report every
		// affected relationship as failed so callers still get a result.
		result := &ReconnectionResult{
			Failed: rec.AffectedFollowers + rec.AffectedFollowing,
			Errors: []string{"no dialer configured"},
		}
		m.logger.Warn("Reconnection attempted without a dialer",
			"id", id,
			"remote", rec.RemoteInstance,
			"failed", result.Failed)
		if m.metrics != nil {
			m.metrics.RecordReconnectionOutcome("failure")
		}
		return result, nil
	}

	rels, err := m.dialer.AffectedRelationships(ctx, rec)
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "AttemptReconnection", "enumerate relationships")
	}

	result := &ReconnectionResult{}
	if len(rels) == 0 {
		return result, nil
	}

	results := make(chan reconnectOutcome, len(rels))
	submitted := 0
	for _, rel := range rels {
		if err := m.pool.Submit(reconnectItem{rel: rel, results: results}); err != nil {
			result.Failed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: %v", rel.RemoteActor, err))
			continue
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		select {
		case <-ctx.Done():
			return nil, errors.WrapTransient(ctx.Err(), "Manager", "AttemptReconnection", "wait for attempts")
		case outcome := <-results:
			if outcome.err != nil {
				result.Failed++
				result.Errors = append(result.Errors,
					fmt.Sprintf("%s: %v", outcome.rel.RemoteActor, outcome.err))
			} else {
				result.Reconnected++
			}
		}
	}
	result.Success = result.Reconnected > 0

	m.logger.Info("Reconnection attempt finished",
		"id", id,
		"reconnected", result.Reconnected,
		"failed", result.Failed,
		"success", result.Success)

	if m.metrics != nil {
		if result.Success {
			m.metrics.RecordReconnectionOutcome("success")
		} else {
			m.metrics.RecordReconnectionOutcome("failure")
		}
	}
	return result, nil
}

// processReconnect runs a single reconnection attempt on a pool worker
func (m *Manager) processReconnect(ctx context.Context, item reconnectItem) error {
	itemCtx, cancel := context.WithTimeout(ctx, m.opts.ItemTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := m.breaker.Execute(func() (any, error) {
			return nil, m.dialer.Reestablish(itemCtx, item.rel)
		})
		done <- err
	}()

	var err error
	select {
	case <-itemCtx.Done():
		err = fmt.Errorf("timeout after %s", m.opts.ItemTimeout)
	case err = <-done:
	}

	item.results <- reconnectOutcome{rel: item.rel, err: err}
	return err
}
