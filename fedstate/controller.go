package fedstate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/health"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
)

// Options configures the state controller
type Options struct {
	// OfflineGrace is how long an instance may stay OFFLINE before the
	// domain transitions to ERROR (default 5m)
	OfflineGrace time.Duration
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{OfflineGrace: 5 * time.Minute}
}

// domainState is the mutable per-domain controller state
type domainState struct {
	record Record

	// healthDriven marks a LIMITED or ERROR state imposed by the health
	// monitor, so that recovery can lift it without touching limits an
	// operator or the budget enforcer imposed
	healthDriven bool

	// resumeTimer fires the PAUSED auto-resume when pausedUntil elapses
	resumeTimer clock.Timer
	resumeGen   uint64

	// graceTimer fires the OFFLINE grace expiry
	graceTimer clock.Timer
	graceGen   uint64
}

// Controller is the per-domain federation state machine. It accepts limit
// requests from the budget enforcer, health reports from the health monitor,
// and explicit operator commands, and publishes a StateChange event for every
// real transition.
type Controller struct {
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
	bus     *event.Bus

	mu      sync.Mutex
	domains map[string]*domainState
}

// Option configures optional controller collaborators
type Option func(*Controller)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger.With("component", "fedstate-controller")
	}
}

// WithMetrics attaches platform metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(c *Controller) {
		c.metrics = metrics
	}
}

// WithBus attaches the event bus for StateChange publication
func WithBus(bus *event.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// NewController creates a federation state controller
func NewController(clk clock.Clock, opts Options, options ...Option) *Controller {
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = DefaultOptions().OfflineGrace
	}

	c := &Controller{
		clock:   clk,
		opts:    opts,
		logger:  slog.Default().With("component", "fedstate-controller"),
		domains: make(map[string]*domainState),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// getOrCreateLocked returns the domain state, creating it ACTIVE on first
// contact. Caller must hold c.mu.
func (c *Controller) getOrCreateLocked(domain string) *domainState {
	st, ok := c.domains[domain]
	if !ok {
		st = &domainState{record: Record{
			Domain:    domain,
			State:     StateActive,
			UpdatedAt: c.clock.Now(),
		}}
		c.domains[domain] = st
	}
	return st
}

// Status returns the current state record for a domain. Unknown domains are
// reported ACTIVE without being created.
func (c *Controller) Status(domain string) Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.domains[domain]
	if !ok {
		return Record{Domain: domain, State: StateActive, UpdatedAt: c.clock.Now()}
	}
	return st.record
}

// All returns the state record for every known domain in domain order
func (c *Controller) All() []Record {
	c.mu.Lock()
	records := make([]Record, 0, len(c.domains))
	for _, st := range c.domains {
		records = append(records, st.record)
	}
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Domain < records[j].Domain })
	return records
}

// Pause suspends federation with a domain until resumed. A non-empty reason
// is required. When until is set, a cancellable timer schedules the automatic
// PAUSED to ACTIVE transition. Pausing an already paused domain is a no-op
// returning the current record.
func (c *Controller) Pause(ctx context.Context, domain, reason string, until *time.Time) (Record, error) {
	if domain == "" {
		return Record{}, errors.WrapInvalid(
			fmt.Errorf("domain must not be empty"), "Controller", "Pause", "input validation")
	}
	if reason == "" {
		return Record{}, errors.WrapInvalid(errors.ErrInvalidReason, "Controller", "Pause", "input validation")
	}

	c.mu.Lock()
	st := c.getOrCreateLocked(domain)
	if st.record.State == StateBlocked {
		record := st.record
		c.mu.Unlock()
		return record, errors.WrapInvalid(errors.ErrDomainBlocked, "Controller", "Pause", "state check")
	}
	if st.record.State == StatePaused {
		record := st.record
		c.mu.Unlock()
		return record, nil
	}

	c.cancelResumeLocked(st)
	record := c.transitionLocked(st, StatePaused, reason)
	record.PausedUntil = until
	st.record.PausedUntil = until

	if until != nil {
		st.resumeGen++
		gen := st.resumeGen
		delay := until.Sub(c.clock.Now())
		if delay < 0 {
			delay = 0
		}
		st.resumeTimer = c.clock.AfterFunc(delay, func() {
			c.autoResume(domain, gen)
		})
	}
	c.mu.Unlock()

	return record, nil
}

// autoResume handles pausedUntil expiry. The generation guard makes a timer
// that raced with an explicit Resume or a newer Pause harmless.
func (c *Controller) autoResume(domain string, gen uint64) {
	c.mu.Lock()
	st, ok := c.domains[domain]
	if !ok || st.resumeGen != gen || st.record.State != StatePaused {
		c.mu.Unlock()
		return
	}
	st.resumeTimer = nil
	c.transitionLocked(st, StateActive, "pause expired")
	c.mu.Unlock()
}

// Resume lifts an operator pause, cancelling any pending auto-resume timer.
// Resuming a domain that is not paused is a no-op returning the current
// record, except for BLOCKED which only Unblock can exit.
func (c *Controller) Resume(ctx context.Context, domain string) (Record, error) {
	c.mu.Lock()
	st := c.getOrCreateLocked(domain)
	if st.record.State == StateBlocked {
		record := st.record
		c.mu.Unlock()
		return record, errors.WrapInvalid(errors.ErrDomainBlocked, "Controller", "Resume", "state check")
	}
	if st.record.State != StatePaused {
		record := st.record
		c.mu.Unlock()
		return record, nil
	}

	c.cancelResumeLocked(st)
	record := c.transitionLocked(st, StateActive, "resumed by operator")
	c.mu.Unlock()

	return record, nil
}

// Block puts a domain into the BLOCKED state. Only Unblock exits it.
func (c *Controller) Block(ctx context.Context, domain, reason string) (Record, error) {
	if reason == "" {
		return Record{}, errors.WrapInvalid(errors.ErrInvalidReason, "Controller", "Block", "input validation")
	}

	c.mu.Lock()
	st := c.getOrCreateLocked(domain)
	if st.record.State == StateBlocked {
		record := st.record
		c.mu.Unlock()
		return record, nil
	}

	c.cancelResumeLocked(st)
	c.cancelGraceLocked(st)
	st.healthDriven = false
	record := c.transitionLocked(st, StateBlocked, reason)
	c.mu.Unlock()

	return record, nil
}

// Unblock returns a BLOCKED domain to ACTIVE. Unblocking a domain that is
// not blocked is a no-op returning the current record.
func (c *Controller) Unblock(ctx context.Context, domain string) (Record, error) {
	c.mu.Lock()
	st := c.getOrCreateLocked(domain)
	if st.record.State != StateBlocked {
		record := st.record
		c.mu.Unlock()
		return record, nil
	}

	record := c.transitionLocked(st, StateActive, "unblocked by operator")
	c.mu.Unlock()

	return record, nil
}

// RequestLimit transitions an ACTIVE domain to LIMITED on behalf of the
// budget enforcer. More restrictive states are left alone.
func (c *Controller) RequestLimit(ctx context.Context, domain, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.getOrCreateLocked(domain)
	if st.record.State != StateActive {
		return nil
	}
	st.healthDriven = false
	c.transitionLocked(st, StateLimited, reason)
	return nil
}

// ReportHealth feeds a health status transition from the health monitor.
// CRITICAL limits an active domain. OFFLINE past the grace period puts the
// domain into ERROR; within the grace a timer schedules the check. Recovery
// to HEALTHY lifts health-driven restrictions only.
func (c *Controller) ReportHealth(ctx context.Context, domain string, status health.InstanceStatus, since time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.getOrCreateLocked(domain)
	if st.record.State == StateBlocked {
		return nil
	}

	switch status {
	case health.StatusOffline:
		remaining := c.opts.OfflineGrace - c.clock.Since(since)
		if remaining <= 0 {
			c.toErrorLocked(st)
			return nil
		}
		c.cancelGraceLocked(st)
		st.graceGen++
		gen := st.graceGen
		st.graceTimer = c.clock.AfterFunc(remaining, func() {
			c.graceExpired(domain, gen)
		})

	case health.StatusCritical:
		c.cancelGraceLocked(st)
		if st.record.State == StateActive {
			st.healthDriven = true
			c.transitionLocked(st, StateLimited, "instance health critical")
		}

	case health.StatusHealthy:
		c.cancelGraceLocked(st)
		if st.healthDriven && (st.record.State == StateLimited || st.record.State == StateError) {
			st.healthDriven = false
			c.transitionLocked(st, StateActive, "instance recovered")
		}

	default:
		// WARNING and UNKNOWN are not actionable, but a non-OFFLINE report
		// cancels a pending grace expiry
		c.cancelGraceLocked(st)
	}
	return nil
}

// graceExpired fires when a domain has been OFFLINE for the full grace period
func (c *Controller) graceExpired(domain string, gen uint64) {
	c.mu.Lock()
	st, ok := c.domains[domain]
	if !ok || st.graceGen != gen || st.record.State == StateBlocked {
		c.mu.Unlock()
		return
	}
	st.graceTimer = nil
	c.toErrorLocked(st)
	c.mu.Unlock()
}

// toErrorLocked moves a domain to ERROR. Caller holds c.mu.
func (c *Controller) toErrorLocked(st *domainState) {
	if st.record.State == StateError {
		return
	}
	c.cancelResumeLocked(st)
	st.healthDriven = true
	c.transitionLocked(st, StateError, "instance offline past grace period")
}

// cancelResumeLocked stops a pending auto-resume timer. Caller holds c.mu.
func (c *Controller) cancelResumeLocked(st *domainState) {
	if st.resumeTimer != nil {
		st.resumeTimer.Stop()
		st.resumeTimer = nil
	}
	st.resumeGen++
	st.record.PausedUntil = nil
}

// cancelGraceLocked stops a pending offline grace timer. Caller holds c.mu.
func (c *Controller) cancelGraceLocked(st *domainState) {
	if st.graceTimer != nil {
		st.graceTimer.Stop()
		st.graceTimer = nil
	}
	st.graceGen++
}

// transitionLocked applies a state change and emits the StateChange event.
// Caller holds c.mu and has verified the transition is real.
func (c *Controller) transitionLocked(st *domainState, to State, reason string) Record {
	from := st.record.State
	now := c.clock.Now()

	st.record.State = to
	st.record.Reason = reason
	st.record.UpdatedAt = now
	if to != StatePaused {
		st.record.PausedUntil = nil
	}

	c.logger.Info("Federation state transition",
		"domain", st.record.Domain,
		"from", from.String(),
		"to", to.String(),
		"reason", reason)

	if c.metrics != nil {
		c.metrics.RecordFederationState(st.record.Domain, int(to))
	}

	if c.bus != nil {
		c.bus.Publish(event.StateChange{
			Domain: st.record.Domain,
			From:   from.String(),
			To:     to.String(),
			Reason: reason,
			At:     now,
		})
	}
	return st.record
}
