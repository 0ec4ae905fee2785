package component

import (
	"log/slog"

	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/metric"
	"github.com/c360/fedmeter/pkg/clock"
)

// Dependencies bundles the shared infrastructure handed to every engine
// component at construction time. All fields may be nil except Clock.
type Dependencies struct {
	Logger  *slog.Logger     // structured logger (defaults to slog.Default())
	Metrics *metric.Registry // owned Prometheus registry
	Bus     *event.Bus       // in-process event bus
	Clock   clock.Clock      // time source, fakeable in tests
}

// GetLogger returns the configured logger or the process default
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger tagged with a component name
func (d *Dependencies) GetLoggerWithComponent(name string) *slog.Logger {
	return d.GetLogger().With("component", name)
}

// CoreMetrics returns the core metrics or nil when metrics are disabled
func (d *Dependencies) CoreMetrics() *metric.Metrics {
	if d.Metrics == nil {
		return nil
	}
	return d.Metrics.CoreMetrics()
}
