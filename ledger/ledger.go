// Package ledger implements the instance ledger: the single source of truth
// for per-remote-domain traffic and cost counters. Federation delivery
// workers apply deltas concurrently; all other components read consistent
// snapshots derived from bounded time windows.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
)

// Delta is one accounting increment from the federation delivery path
type Delta struct {
	Domain       string
	IngressBytes uint64
	EgressBytes  uint64
	Requests     int
	Errors       int
	CostUSD      float64
}

// Validate rejects malformed deltas before they touch a window
func (d Delta) Validate() error {
	if d.Domain == "" {
		return fmt.Errorf("delta domain must not be empty")
	}
	if d.Requests < 0 || d.Errors < 0 {
		return fmt.Errorf("delta counters must not be negative")
	}
	if d.CostUSD < 0 {
		return fmt.Errorf("delta cost must not be negative")
	}
	return nil
}

// Window accumulates counters over a bounded interval [Start, End).
// Counters are monotonic within a window and reset at rollover.
type Window struct {
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	IngressBytes uint64    `json:"ingress_bytes"`
	EgressBytes  uint64    `json:"egress_bytes"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	CostUSD      float64   `json:"cost_usd"`
}

// Snapshot is a read-only aggregate over all windows overlapping a period
type Snapshot struct {
	Domain       string  `json:"domain"`
	Period       Period  `json:"period"`
	IngressBytes uint64  `json:"ingress_bytes"`
	EgressBytes  uint64  `json:"egress_bytes"`
	RequestCount int64   `json:"request_count"`
	ErrorCount   int64   `json:"error_count"`
	CostUSD      float64 `json:"cost_usd"`
	Windows      int     `json:"windows"`
}

// ErrorRate returns errors / max(requests, 1)
func (s Snapshot) ErrorRate() float64 {
	requests := s.RequestCount
	if requests < 1 {
		requests = 1
	}
	return float64(s.ErrorCount) / float64(requests)
}

// Listener is notified after a delta has been applied. Listeners run on the
// applying goroutine with no ledger locks held and must not block.
type Listener func(Delta)

// domainLedger holds the mutable window state for a single domain.
// Each domain has its own lock so cross-domain applies never contend.
type domainLedger struct {
	mu        sync.RWMutex
	current   Window
	history   []Window // closed windows, oldest first
	totalCost float64  // lifetime accrued cost
	gen       uint64   // bumped on every apply, part of the snapshot cache key
}

// Options configures a Ledger
type Options struct {
	WindowLength time.Duration // accumulation window length (default 1h)
	Retention    time.Duration // how long closed windows are kept (default 840h / 35d)
	CacheSize    int           // snapshot cache entries (default 1024)
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		WindowLength: time.Hour,
		Retention:    35 * 24 * time.Hour,
		CacheSize:    1024,
	}
}

// Ledger tracks per-domain traffic/cost windows
type Ledger struct {
	opts    Options
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
	bus     *event.Bus

	mu      sync.RWMutex
	domains map[string]*domainLedger

	listenerMu sync.RWMutex
	listeners  []Listener

	snapshots *lru.Cache[string, Snapshot]
}

// Option configures optional ledger collaborators
type Option func(*Ledger)

// WithLogger attaches a structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger.With("component", "ledger")
	}
}

// WithMetrics attaches platform metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(l *Ledger) {
		l.metrics = metrics
	}
}

// WithBus attaches the event bus for CostUpdate publication
func WithBus(bus *event.Bus) Option {
	return func(l *Ledger) {
		l.bus = bus
	}
}

// New creates a ledger driven by the given clock
func New(clk clock.Clock, opts Options, options ...Option) *Ledger {
	if opts.WindowLength <= 0 {
		opts.WindowLength = DefaultOptions().WindowLength
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions().Retention
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}

	cache, _ := lru.New[string, Snapshot](opts.CacheSize)

	l := &Ledger{
		opts:      opts,
		clock:     clk,
		logger:    slog.Default().With("component", "ledger"),
		domains:   make(map[string]*domainLedger),
		snapshots: cache,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// RegisterListener adds a post-apply notification hook
func (l *Ledger) RegisterListener(fn Listener) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// getOrCreate returns the domain ledger, creating it on first contact
func (l *Ledger) getOrCreate(domain string) *domainLedger {
	l.mu.RLock()
	dl, ok := l.domains[domain]
	l.mu.RUnlock()
	if ok {
		return dl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if dl, ok = l.domains[domain]; ok {
		return dl
	}
	dl = &domainLedger{}
	l.domains[domain] = dl
	return dl
}

// get returns the domain ledger or nil
func (l *Ledger) get(domain string) *domainLedger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.domains[domain]
}

// windowStart aligns t down to the window grid
func (l *Ledger) windowStart(t time.Time) time.Time {
	return t.Truncate(l.opts.WindowLength)
}

// Apply accumulates a delta into the current window for the delta's domain,
// creating the window on demand and rolling over closed windows. It never
// fails for an unknown domain: first contact creates the domain.
func (l *Ledger) Apply(ctx context.Context, delta Delta) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Ledger", "Apply", "context check")
	}
	if err := delta.Validate(); err != nil {
		return errors.WrapInvalid(err, "Ledger", "Apply", "delta validation")
	}

	now := l.clock.Now()
	dl := l.getOrCreate(delta.Domain)

	dl.mu.Lock()
	l.rolloverLocked(delta.Domain, dl, now)

	dl.current.IngressBytes += delta.IngressBytes
	dl.current.EgressBytes += delta.EgressBytes
	dl.current.RequestCount += int64(delta.Requests)
	dl.current.ErrorCount += int64(delta.Errors)
	dl.current.CostUSD += delta.CostUSD
	dl.totalCost += delta.CostUSD
	totalCost := dl.totalCost
	dl.gen++
	dl.mu.Unlock()

	if l.metrics != nil {
		l.metrics.RecordDelta(delta.Domain, delta.IngressBytes, delta.EgressBytes,
			delta.Requests, delta.Errors, delta.CostUSD)
	}

	if l.bus != nil && delta.CostUSD > 0 {
		l.bus.Publish(event.CostUpdate{
			Domain:   delta.Domain,
			DeltaUSD: delta.CostUSD,
			TotalUSD: totalCost,
			At:       now,
		})
	}

	l.notify(delta)
	return nil
}

// rolloverLocked closes expired windows and opens the current one.
// Caller holds dl.mu.
func (l *Ledger) rolloverLocked(domain string, dl *domainLedger, now time.Time) {
	if dl.current.End.IsZero() {
		start := l.windowStart(now)
		dl.current = Window{Start: start, End: start.Add(l.opts.WindowLength)}
		return
	}

	if now.Before(dl.current.End) {
		return
	}

	// Close the current window and open the one containing now. Idle gaps
	// between the two produce no empty windows.
	dl.history = append(dl.history, dl.current)
	start := l.windowStart(now)
	dl.current = Window{Start: start, End: start.Add(l.opts.WindowLength)}
	dl.gen++

	// Prune history beyond retention
	cutoff := now.Add(-l.opts.Retention)
	firstLive := 0
	for firstLive < len(dl.history) && dl.history[firstLive].End.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		dl.history = append([]Window(nil), dl.history[firstLive:]...)
	}

	if l.metrics != nil {
		l.metrics.RecordWindowRollover(domain)
	}
}

// notify invokes all listeners outside any ledger lock
func (l *Ledger) notify(delta Delta) {
	l.listenerMu.RLock()
	listeners := l.listeners
	l.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(delta)
	}
}

// Snapshot returns a read-only aggregate over all windows overlapping the
// period. It fails with ErrUnknownDomain when the domain has no entries.
func (l *Ledger) Snapshot(domain string, period Period) (Snapshot, error) {
	if err := period.Validate(); err != nil {
		return Snapshot{}, errors.WrapInvalid(err, "Ledger", "Snapshot", "period validation")
	}

	dl := l.get(domain)
	if dl == nil {
		return Snapshot{}, errors.WrapInvalid(errors.ErrUnknownDomain, "Ledger", "Snapshot",
			fmt.Sprintf("snapshot for %q", domain))
	}

	dl.mu.RLock()
	gen := dl.gen
	dl.mu.RUnlock()

	key := fmt.Sprintf("%s|%d|%d|%d", domain, period.Start.UnixNano(), period.End.UnixNano(), gen)
	if snap, ok := l.snapshots.Get(key); ok {
		return snap, nil
	}

	dl.mu.RLock()
	snap := Snapshot{Domain: domain, Period: period}
	accumulate := func(w Window) {
		if w.End.IsZero() || !period.Overlaps(w.Start, w.End) {
			return
		}
		snap.IngressBytes += w.IngressBytes
		snap.EgressBytes += w.EgressBytes
		snap.RequestCount += w.RequestCount
		snap.ErrorCount += w.ErrorCount
		snap.CostUSD += w.CostUSD
		snap.Windows++
	}
	for _, w := range dl.history {
		accumulate(w)
	}
	accumulate(dl.current)
	dl.mu.RUnlock()

	l.snapshots.Add(key, snap)
	return snap, nil
}

// TrailingSnapshot returns a snapshot over the trailing duration d ending now
func (l *Ledger) TrailingSnapshot(domain string, d time.Duration) (Snapshot, error) {
	return l.Snapshot(domain, Trailing(l.clock.Now(), d))
}

// MonthToDateCost returns the domain's accrued cost in the current calendar
// month. Unknown domains report zero spend rather than an error so budget
// evaluation can run before first contact.
func (l *Ledger) MonthToDateCost(domain string) float64 {
	snap, err := l.Snapshot(domain, MonthOf(l.clock.Now()))
	if err != nil {
		return 0
	}
	return snap.CostUSD
}

// TotalCost returns the lifetime accrued cost for a domain
func (l *Ledger) TotalCost(domain string) float64 {
	dl := l.get(domain)
	if dl == nil {
		return 0
	}
	dl.mu.RLock()
	defer dl.mu.RUnlock()
	return dl.totalCost
}

// Domains returns all known domains in lexical order
func (l *Ledger) Domains() []string {
	l.mu.RLock()
	domains := make([]string, 0, len(l.domains))
	for domain := range l.domains {
		domains = append(domains, domain)
	}
	l.mu.RUnlock()

	sort.Strings(domains)
	return domains
}

// Touch records first contact with a domain without applying any counters
func (l *Ledger) Touch(domain string) {
	l.getOrCreate(domain)
}
