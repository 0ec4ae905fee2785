package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
)

// StateReporter is the monitor's view of the federation state controller.
// since is when the reported status was entered, so the controller can apply
// its offline grace period.
type StateReporter interface {
	ReportHealth(ctx context.Context, domain string, status InstanceStatus, since time.Time) error
}

// Options configures health classification
type Options struct {
	OfflineAfterProbes int           // consecutive failed probes before OFFLINE (default 3)
	TrailingWindow     time.Duration // error-rate window (default 15m)
	CriticalErrorRate  float64       // default 0.5
	WarningErrorRate   float64       // default 0.1
	LatencySamples     int           // latency ring size (default 64)
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		OfflineAfterProbes: 3,
		TrailingWindow:     15 * time.Minute,
		CriticalErrorRate:  0.5,
		WarningErrorRate:   0.1,
		LatencySamples:     64,
	}
}

// instanceState is the mutable per-domain monitor state
type instanceState struct {
	status              InstanceStatus
	changedAt           time.Time
	reachable           bool
	consecutiveFailures int
	lastProbe           time.Time
	issues              []Issue

	// latency ring
	latencies []time.Duration
	latIdx    int
	latCount  int
}

// Monitor derives instance health from ledger error rates and probe results
type Monitor struct {
	ledger  *ledger.Ledger
	clock   clock.Clock
	opts    Options
	logger  *slog.Logger
	metrics *metric.Metrics
	bus     *event.Bus

	mu        sync.RWMutex
	instances map[string]*instanceState

	reporterMu sync.RWMutex
	reporter   StateReporter
}

// Option configures optional monitor collaborators
type Option func(*Monitor)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger.With("component", "health-monitor")
	}
}

// WithMetrics attaches platform metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// WithBus attaches the event bus for HealthUpdate publication
func WithBus(bus *event.Bus) Option {
	return func(m *Monitor) {
		m.bus = bus
	}
}

// NewMonitor creates a health monitor reading error rates from the ledger
func NewMonitor(ldg *ledger.Ledger, clk clock.Clock, opts Options, options ...Option) *Monitor {
	defaults := DefaultOptions()
	if opts.OfflineAfterProbes <= 0 {
		opts.OfflineAfterProbes = defaults.OfflineAfterProbes
	}
	if opts.TrailingWindow <= 0 {
		opts.TrailingWindow = defaults.TrailingWindow
	}
	if opts.CriticalErrorRate <= 0 {
		opts.CriticalErrorRate = defaults.CriticalErrorRate
	}
	if opts.WarningErrorRate <= 0 {
		opts.WarningErrorRate = defaults.WarningErrorRate
	}
	if opts.LatencySamples <= 0 {
		opts.LatencySamples = defaults.LatencySamples
	}

	m := &Monitor{
		ledger:    ldg,
		clock:     clk,
		opts:      opts,
		logger:    slog.Default().With("component", "health-monitor"),
		instances: make(map[string]*instanceState),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// SetReporter wires the federation state controller after construction
func (m *Monitor) SetReporter(r StateReporter) {
	m.reporterMu.Lock()
	defer m.reporterMu.Unlock()
	m.reporter = r
}

func (m *Monitor) getReporter() StateReporter {
	m.reporterMu.RLock()
	defer m.reporterMu.RUnlock()
	return m.reporter
}

// getOrCreate returns the instance state, creating it on first contact.
// Caller must hold m.mu.
func (m *Monitor) getOrCreateLocked(domain string) *instanceState {
	st, ok := m.instances[domain]
	if !ok {
		st = &instanceState{
			status:    StatusUnknown,
			changedAt: m.clock.Now(),
			latencies: make([]time.Duration, m.opts.LatencySamples),
		}
		m.instances[domain] = st
	}
	return st
}

// RecordProbe feeds a reachability probe result into the monitor. The probe
// itself is external I/O performed by the caller. Crossing the consecutive
// failure threshold transitions the instance to OFFLINE immediately.
func (m *Monitor) RecordProbe(ctx context.Context, domain string, reachable bool, latency time.Duration) {
	now := m.clock.Now()

	m.mu.Lock()
	st := m.getOrCreateLocked(domain)
	st.lastProbe = now
	st.reachable = reachable

	if reachable {
		st.consecutiveFailures = 0
		st.latencies[st.latIdx] = latency
		st.latIdx = (st.latIdx + 1) % len(st.latencies)
		if st.latCount < len(st.latencies) {
			st.latCount++
		}
	} else {
		st.consecutiveFailures++
	}

	offline := !reachable && st.consecutiveFailures >= m.opts.OfflineAfterProbes
	m.mu.Unlock()

	if offline {
		m.transition(ctx, domain, StatusOffline, fmt.Sprintf(
			"unreachable for %d consecutive probes", m.opts.OfflineAfterProbes))
		return
	}

	// A successful probe on an OFFLINE instance re-evaluates immediately
	if reachable {
		m.mu.RLock()
		wasOffline := st.status == StatusOffline
		m.mu.RUnlock()
		if wasOffline {
			_, _ = m.Evaluate(ctx, domain)
		}
	}
}

// Evaluate recomputes the health status for a domain from the trailing error
// rate and the latest probe state, transitioning and emitting a HealthUpdate
// if the status changed.
func (m *Monitor) Evaluate(ctx context.Context, domain string) (Report, error) {
	if domain == "" {
		return Report{}, errors.WrapInvalid(
			fmt.Errorf("domain must not be empty"), "Monitor", "Evaluate", "input validation")
	}

	m.mu.Lock()
	st := m.getOrCreateLocked(domain)
	offline := !st.reachable && st.consecutiveFailures >= m.opts.OfflineAfterProbes
	hasProbes := !st.lastProbe.IsZero()
	m.mu.Unlock()

	var errorRate float64
	snap, err := m.ledger.Snapshot(domain, ledger.Trailing(m.clock.Now(), m.opts.TrailingWindow))
	hasTraffic := err == nil && snap.RequestCount > 0
	if err == nil {
		errorRate = snap.ErrorRate()
	}

	var status InstanceStatus
	var reason string
	switch {
	case offline:
		status = StatusOffline
		reason = "instance unreachable"
	case !hasProbes && !hasTraffic:
		status = StatusUnknown
	case errorRate > m.opts.CriticalErrorRate:
		status = StatusCritical
		reason = fmt.Sprintf("error rate %.0f%% over trailing window", errorRate*100)
	case errorRate > m.opts.WarningErrorRate:
		status = StatusWarning
		reason = fmt.Sprintf("error rate %.0f%% over trailing window", errorRate*100)
	default:
		status = StatusHealthy
	}

	m.transition(ctx, domain, status, reason)

	report, _ := m.Status(domain)
	report.ErrorRate = errorRate
	return report, nil
}

// transition applies a status change: appends an issue on degradation, prunes
// issues on recovery, emits the HealthUpdate event, and reports to the state
// controller. No-op when the status is unchanged.
func (m *Monitor) transition(ctx context.Context, domain string, status InstanceStatus, reason string) {
	now := m.clock.Now()

	m.mu.Lock()
	st := m.getOrCreateLocked(domain)
	previous := st.status
	if previous == status {
		m.mu.Unlock()
		return
	}

	st.status = status
	st.changedAt = now

	switch status {
	case StatusHealthy, StatusUnknown:
		// Recovery prunes outstanding issues
		st.issues = nil
	default:
		st.issues = append(st.issues, Issue{
			Type:        issueType(status),
			Severity:    issueSeverity(status),
			Description: reason,
			DetectedAt:  now,
			Impact:      issueImpact(status),
		})
	}

	issues := make([]string, 0, len(st.issues))
	for _, issue := range st.issues {
		issues = append(issues, issue.Description)
	}
	m.mu.Unlock()

	m.logger.Info("Instance health transition",
		"domain", domain,
		"previous", previous.String(),
		"current", status.String(),
		"reason", reason)

	if m.metrics != nil {
		m.metrics.RecordInstanceHealth(domain, int(status))
	}

	if m.bus != nil {
		m.bus.Publish(event.HealthUpdate{
			Domain:         domain,
			PreviousStatus: previous.String(),
			CurrentStatus:  status.String(),
			Issues:         issues,
			At:             now,
		})
	}

	if reporter := m.getReporter(); reporter != nil {
		if err := reporter.ReportHealth(ctx, domain, status, now); err != nil {
			m.logger.Error("Health report rejected", "domain", domain, "error", err)
		}
	}
}

func issueType(status InstanceStatus) string {
	switch status {
	case StatusOffline:
		return "UNREACHABLE"
	case StatusCritical:
		return "HIGH_ERROR_RATE"
	default:
		return "ELEVATED_ERROR_RATE"
	}
}

func issueSeverity(status InstanceStatus) string {
	switch status {
	case StatusOffline, StatusCritical:
		return "HIGH"
	default:
		return "MEDIUM"
	}
}

func issueImpact(status InstanceStatus) string {
	switch status {
	case StatusOffline:
		return "deliveries to this instance are failing"
	case StatusCritical:
		return "most deliveries to this instance are failing"
	default:
		return "some deliveries to this instance are failing"
	}
}

// Status returns the current report for a domain
func (m *Monitor) Status(domain string) (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.instances[domain]
	if !ok {
		return Report{}, false
	}
	return m.reportLocked(domain, st), true
}

// reportLocked builds a Report. Caller holds m.mu (read or write).
func (m *Monitor) reportLocked(domain string, st *instanceState) Report {
	var avg time.Duration
	if st.latCount > 0 {
		var sum time.Duration
		for i := 0; i < st.latCount; i++ {
			sum += st.latencies[i]
		}
		avg = sum / time.Duration(st.latCount)
	}

	issues := make([]Issue, len(st.issues))
	copy(issues, st.issues)

	return Report{
		Domain:              domain,
		Status:              st.status,
		Reachable:           st.reachable,
		ConsecutiveFailures: st.consecutiveFailures,
		AvgLatency:          avg,
		Issues:              issues,
		LastProbe:           st.lastProbe,
		ChangedAt:           st.changedAt,
	}
}

// All returns reports for every instance at least as severe as threshold,
// in domain order.
func (m *Monitor) All(threshold InstanceStatus) []Report {
	m.mu.RLock()
	reports := make([]Report, 0, len(m.instances))
	for domain, st := range m.instances {
		if !st.status.AtLeast(threshold) {
			continue
		}
		reports = append(reports, m.reportLocked(domain, st))
	}
	m.mu.RUnlock()

	sort.Slice(reports, func(i, j int) bool { return reports[i].Domain < reports[j].Domain })
	return reports
}

// EvaluateAll runs an evaluation cycle over every domain known to the ledger
// or already monitored.
func (m *Monitor) EvaluateAll(ctx context.Context) []Report {
	start := m.clock.Now()

	seen := make(map[string]bool)
	domains := m.ledger.Domains()
	for _, d := range domains {
		seen[d] = true
	}
	m.mu.RLock()
	for d := range m.instances {
		if !seen[d] {
			domains = append(domains, d)
		}
	}
	m.mu.RUnlock()
	sort.Strings(domains)

	reports := make([]Report, 0, len(domains))
	for _, domain := range domains {
		if ctx.Err() != nil {
			break
		}
		report, err := m.Evaluate(ctx, domain)
		if err != nil {
			m.logger.Error("Health evaluation failed", "domain", domain, "error", err)
			continue
		}
		reports = append(reports, report)
	}

	if m.metrics != nil {
		m.metrics.RecordEvaluationDuration("health-monitor", m.clock.Since(start))
	}
	return reports
}
