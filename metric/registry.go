package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/fedmeter/errors"
)

// Registry manages the registration and lifecycle of metrics on an owned
// Prometheus registry, so tests and embedded instances never collide with the
// global default registry.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with core platform metrics
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}

	registry.Metrics = NewMetrics()
	registry.registerCoreMetrics()

	// Add Go runtime metrics
	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// registerCoreMetrics registers the built-in platform metrics
func (r *Registry) registerCoreMetrics() {
	core := []prometheus.Collector{
		r.Metrics.IngressBytes,
		r.Metrics.EgressBytes,
		r.Metrics.RequestsTotal,
		r.Metrics.ErrorsTotal,
		r.Metrics.AccruedCostUSD,
		r.Metrics.WindowRollover,
		r.Metrics.BudgetPercentUsed,
		r.Metrics.BudgetAlertsTotal,
		r.Metrics.InstanceHealth,
		r.Metrics.FederationState,
		r.Metrics.SeverancesTotal,
		r.Metrics.ReconnectionOutcomes,
		r.Metrics.EvaluationDuration,
		r.Metrics.EventsPublished,
		r.Metrics.SubscribersActive,
		r.Metrics.GraphQLOperations,
	}
	for _, c := range core {
		r.prometheusRegistry.MustRegister(c)
	}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core platform metrics
func (r *Registry) CoreMetrics() *Metrics {
	return r.Metrics
}

// Register registers an additional collector under component.name ownership.
// Registration is idempotent-unsafe on purpose: a duplicate name is a wiring
// bug and surfaces as an invalid error.
func (r *Registry) Register(componentName, metricName string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", metricName, componentName),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes a previously registered collector. Returns true if the
// metric existed and was removed.
func (r *Registry) Unregister(componentName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	r.prometheusRegistry.Unregister(collector)
	delete(r.registeredMetrics, key)
	return true
}
