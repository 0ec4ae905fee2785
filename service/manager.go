// Package service assembles the federation management engine: it builds the
// components in dependency order, wires the cross-component callbacks, runs
// the periodic evaluation loop, and manages graceful startup and shutdown.
package service

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/fedmeter/budget"
	"github.com/c360/fedmeter/component"
	"github.com/c360/fedmeter/config"
	"github.com/c360/fedmeter/costagg"
	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/fedstate"
	"github.com/c360/fedmeter/gateway/graphql"
	"github.com/c360/fedmeter/health"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/natsbridge"
	"github.com/c360/fedmeter/natsclient"
	"github.com/c360/fedmeter/pkg/clock"
	"github.com/c360/fedmeter/severance"
)

// Manager owns the engine's component graph. Construction order follows the
// data flow: ledger first, then the components that read it, then the state
// controller they feed, then the API surface.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
	clk    clock.Clock
	dialer severance.Dialer

	registry *metric.Registry
	bus      *event.Bus

	ledger     *ledger.Ledger
	enforcer   *budget.Enforcer
	monitor    *health.Monitor
	controller *fedstate.Controller
	severances *severance.Manager
	costs      *costagg.Aggregator

	natsClient    *natsclient.Client
	bridge        *natsbridge.Bridge
	gateway       *graphql.Server
	metricsServer *metric.Server

	kick chan string

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// Option configures optional manager dependencies
type Option func(*Manager)

// WithLogger sets the logger for the manager and all components
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source, used by tests
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) {
		m.clk = clk
	}
}

// WithDialer provides the federation dialer used for reconnection attempts.
// Without one, attemptReconnection reports every relationship as failed.
func WithDialer(dialer severance.Dialer) Option {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

// NewManager builds the core component graph from configuration. Components
// that need external connectivity (NATS, listeners) are not touched until
// Start.
func NewManager(cfg *config.Config, options ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager",
			"config must not be nil")
	}

	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		clk:    clock.Real(),
		kick:   make(chan string, 64),
	}
	for _, opt := range options {
		opt(m)
	}

	m.registry = metric.NewRegistry()
	metrics := m.registry.CoreMetrics()
	m.bus = event.NewBus(event.WithLogger(m.logger), event.WithMetrics(metrics))

	m.ledger = ledger.New(m.clk, cfg.Ledger.Options(),
		ledger.WithLogger(m.logger), ledger.WithMetrics(metrics), ledger.WithBus(m.bus))
	m.enforcer = budget.NewEnforcer(m.ledger, m.clk,
		budget.WithLogger(m.logger), budget.WithMetrics(metrics), budget.WithBus(m.bus))
	m.monitor = health.NewMonitor(m.ledger, m.clk, cfg.Health.Options(),
		health.WithLogger(m.logger), health.WithMetrics(metrics), health.WithBus(m.bus))
	m.controller = fedstate.NewController(m.clk, cfg.StateController.Options(),
		fedstate.WithLogger(m.logger), fedstate.WithMetrics(metrics), fedstate.WithBus(m.bus))
	m.costs = costagg.NewAggregator(m.ledger, m.clk, cfg.Budget.CostOptions(),
		costagg.WithLogger(m.logger), costagg.WithMetrics(metrics), costagg.WithBus(m.bus))

	// budget overruns limit domains, health drives pause/error transitions,
	// and the optimizer applies its recommendations through the same path
	m.enforcer.SetController(m.controller)
	m.monitor.SetReporter(m.controller)
	m.costs.SetApplier(m.controller)

	// cost-affecting deltas on budgeted domains re-trigger evaluation ahead
	// of the next tick
	m.ledger.RegisterListener(func(delta ledger.Delta) {
		if delta.CostUSD <= 0 {
			return
		}
		if _, ok := m.enforcer.GetBudget(delta.Domain); !ok {
			return
		}
		select {
		case m.kick <- delta.Domain:
		default:
		}
	})

	return m, nil
}

// Ledger returns the instance ledger for the delivery path
func (m *Manager) Ledger() *ledger.Ledger { return m.ledger }

// Enforcer returns the budget enforcer for the delivery path
func (m *Manager) Enforcer() *budget.Enforcer { return m.enforcer }

// Monitor returns the health monitor for probe feeding
func (m *Manager) Monitor() *health.Monitor { return m.monitor }

// Controller returns the federation state controller
func (m *Manager) Controller() *fedstate.Controller { return m.controller }

// Bus returns the event bus
func (m *Manager) Bus() *event.Bus { return m.bus }

// Start connects external dependencies and launches every component. It
// returns once the gateway is accepting requests; the components then run
// until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.setupNATS(runCtx); err != nil {
		cancel()
		return err
	}

	store, err := m.severanceStore()
	if err != nil {
		cancel()
		return err
	}

	metrics := m.registry.CoreMetrics()
	sevOptions := []severance.Option{
		severance.WithLogger(m.logger),
		severance.WithMetrics(metrics),
		severance.WithBus(m.bus),
	}
	if m.dialer != nil {
		sevOptions = append(sevOptions, severance.WithDialer(m.dialer))
	}
	m.severances = severance.NewManager(store, m.clk,
		m.cfg.Severance.Options(m.cfg.Platform.LocalInstance), sevOptions...)
	if err := m.severances.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "Manager", "Start", "start severance manager")
	}

	resolver := graphql.NewResolver(m.clk, m.enforcer, m.monitor, m.controller,
		m.severances, m.costs, graphql.WithResolverLogger(m.logger))
	m.gateway = graphql.NewServer(m.cfg.Gateway, resolver, m.bus,
		graphql.WithLogger(m.logger), graphql.WithMetrics(metrics))
	if err := m.gateway.Setup(); err != nil {
		cancel()
		return errors.Wrap(err, "Manager", "Start", "setup gateway")
	}

	if m.cfg.Metrics.Enabled {
		port := portOf(m.cfg.Metrics.BindAddress)
		m.metricsServer = metric.NewServer(port, m.cfg.Metrics.Path, m.registry, m.logger)
		if err := m.metricsServer.Start(); err != nil {
			cancel()
			return errors.Wrap(err, "Manager", "Start", "start metrics server")
		}
	}

	if m.bridge != nil {
		if err := m.bridge.Start(runCtx); err != nil {
			cancel()
			return errors.Wrap(err, "Manager", "Start", "start nats bridge")
		}
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	m.group = group

	ready := make(chan struct{})
	group.Go(func() error {
		return m.gateway.Start(groupCtx, ready)
	})
	group.Go(func() error {
		m.evaluationLoop(groupCtx)
		return nil
	})

	select {
	case <-ready:
	case <-groupCtx.Done():
		cancel()
		err := group.Wait()
		if err == nil {
			err = groupCtx.Err()
		}
		return errors.Wrap(err, "Manager", "Start", "gateway did not become ready")
	}

	m.started = true
	m.logger.Info("federation engine started",
		"local_instance", m.cfg.Platform.LocalInstance,
		"gateway", m.cfg.Gateway.BindAddress,
		"nats", m.cfg.NATS.Enabled(),
		"metrics", m.cfg.Metrics.Enabled)
	return nil
}

// Stop shuts the engine down in reverse start order
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.cancel()
	record(m.gateway.Stop(timeout))
	if m.bridge != nil {
		record(m.bridge.Stop(timeout))
	}
	record(m.severances.Stop(timeout))
	if m.metricsServer != nil {
		record(m.metricsServer.Stop(timeout))
	}
	if m.group != nil {
		record(m.group.Wait())
	}
	if m.natsClient != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		record(m.natsClient.Close(closeCtx))
		cancel()
	}
	m.bus.Close()

	m.logger.Info("federation engine stopped")
	return firstErr
}

// Health reports per-component health for the aggregate view
func (m *Manager) Health() []component.HealthStatus {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	statuses := []component.HealthStatus{
		{Name: "engine", Healthy: started, State: stateOf(started)},
	}
	if m.gateway != nil {
		statuses = append(statuses, component.HealthStatus{
			Name:    "gateway",
			Healthy: m.gateway.Healthy(),
			State:   stateOf(m.gateway.Healthy()),
		})
	}
	if m.natsClient != nil {
		connected := m.natsClient.IsHealthy()
		status := component.HealthStatus{
			Name:    "nats",
			Healthy: connected,
			State:   stateOf(connected),
		}
		if !connected {
			status.Detail = "connection down"
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// Healthy reports whether every component is healthy
func (m *Manager) Healthy() bool {
	return component.Aggregate(m.Health())
}

func (m *Manager) setupNATS(ctx context.Context) error {
	if !m.cfg.NATS.Enabled() {
		return nil
	}

	client, err := natsclient.NewClient(m.cfg.NATS.URL,
		natsclient.WithLogger(m.logger),
		natsclient.WithOptions(m.cfg.NATS.ClientOptions()))
	if err != nil {
		return errors.Wrap(err, "Manager", "setupNATS", "create nats client")
	}
	if err := client.Connect(ctx); err != nil {
		return errors.Wrap(err, "Manager", "setupNATS", "connect to nats")
	}
	m.natsClient = client

	bridgeOptions := []natsbridge.Option{
		natsbridge.WithLogger(m.logger),
		natsbridge.WithMetrics(m.registry.CoreMetrics()),
	}
	if m.cfg.NATS.SubjectPrefix != "" {
		bridgeOptions = append(bridgeOptions, natsbridge.WithSubjectPrefix(m.cfg.NATS.SubjectPrefix))
	}
	m.bridge = natsbridge.New(client, m.bus, bridgeOptions...)
	return nil
}

func (m *Manager) severanceStore() (severance.Store, error) {
	if m.cfg.NATS.PersistSeverances {
		store, err := severance.NewKVStore(m.natsClient)
		if err != nil {
			return nil, errors.Wrap(err, "Manager", "severanceStore", "create kv store")
		}
		return store, nil
	}
	return severance.NewMemoryStore(), nil
}

// evaluationLoop drives the periodic enforcement and health cycle. Deltas on
// budgeted domains re-trigger a single-domain evaluation between ticks.
func (m *Manager) evaluationLoop(ctx context.Context) {
	interval := m.cfg.Evaluation.Interval.Std()
	metrics := m.registry.CoreMetrics()
	tick := m.clk.After(interval)

	for {
		select {
		case <-ctx.Done():
			return
		case domain := <-m.kick:
			if _, err := m.enforcer.Evaluate(ctx, domain); err != nil {
				m.logger.Warn("on-demand evaluation failed", "domain", domain, "error", err)
			}
			m.costs.EvaluateAlerts(ctx)
		case <-tick:
			started := m.clk.Now()
			m.enforcer.EvaluateAll(ctx)
			m.monitor.EvaluateAll(ctx)
			m.costs.EvaluateAlerts(ctx)
			if metrics != nil {
				metrics.RecordEvaluationDuration("engine", m.clk.Since(started))
			}
			tick = m.clk.After(interval)
		}
	}
}

func portOf(bindAddress string) int {
	_, portStr, err := net.SplitHostPort(bindAddress)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func stateOf(healthy bool) string {
	if healthy {
		return component.StateStarted.String()
	}
	return component.StateStopped.String()
}
