package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/pkg/clock"
)

var testStart = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

type fakeReporter struct {
	mu      sync.Mutex
	reports []string
}

func (f *fakeReporter) ReportHealth(_ context.Context, domain string, status InstanceStatus, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, domain+"="+status.String())
	return nil
}

func (f *fakeReporter) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reports...)
}

func newTestMonitor(t *testing.T) (*Monitor, *ledger.Ledger, *event.Bus, *clock.Fake) {
	t.Helper()

	fake := clock.NewFake(testStart)
	bus := event.NewBus()
	t.Cleanup(bus.Close)

	ldg := ledger.New(fake, ledger.DefaultOptions())
	monitor := NewMonitor(ldg, fake, DefaultOptions(), WithBus(bus))
	return monitor, ldg, bus, fake
}

func applyTraffic(t *testing.T, ldg *ledger.Ledger, domain string, requests, errs int) {
	t.Helper()
	require.NoError(t, ldg.Apply(context.Background(), ledger.Delta{
		Domain: domain, Requests: requests, Errors: errs,
	}))
}

func TestEvaluateHealthy(t *testing.T) {
	monitor, ldg, _, _ := newTestMonitor(t)
	ctx := context.Background()

	applyTraffic(t, ldg, "a.example", 100, 2)

	report, err := monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.InDelta(t, 0.02, report.ErrorRate, 1e-9)
	assert.Empty(t, report.Issues)
}

func TestEvaluateErrorRateThresholds(t *testing.T) {
	tests := []struct {
		name     string
		requests int
		errs     int
		expected InstanceStatus
	}{
		{"warning above ten percent", 100, 15, StatusWarning},
		{"critical above fifty percent", 100, 60, StatusCritical},
		{"healthy at ten percent", 100, 10, StatusHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor, ldg, _, _ := newTestMonitor(t)
			applyTraffic(t, ldg, "a.example", tt.requests, tt.errs)

			report, err := monitor.Evaluate(context.Background(), "a.example")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, report.Status)
		})
	}
}

func TestOfflineAfterConsecutiveFailedProbes(t *testing.T) {
	monitor, _, bus, _ := newTestMonitor(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicHealthUpdates, nil, 0)

	monitor.RecordProbe(ctx, "a.example", false, 0)
	monitor.RecordProbe(ctx, "a.example", false, 0)
	if report, ok := monitor.Status("a.example"); ok {
		assert.NotEqual(t, StatusOffline, report.Status)
	}

	// Third consecutive failure crosses the default threshold
	monitor.RecordProbe(ctx, "a.example", false, 0)
	report, ok := monitor.Status("a.example")
	require.True(t, ok)
	assert.Equal(t, StatusOffline, report.Status)
	assert.Equal(t, 3, report.ConsecutiveFailures)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "UNREACHABLE", report.Issues[0].Type)

	update := (<-sub.Events()).(event.HealthUpdate)
	assert.Equal(t, "UNKNOWN", update.PreviousStatus)
	assert.Equal(t, "OFFLINE", update.CurrentStatus)
}

func TestSuccessfulProbeResetsFailureCount(t *testing.T) {
	monitor, ldg, _, _ := newTestMonitor(t)
	ctx := context.Background()

	applyTraffic(t, ldg, "a.example", 100, 0)

	monitor.RecordProbe(ctx, "a.example", false, 0)
	monitor.RecordProbe(ctx, "a.example", false, 0)
	monitor.RecordProbe(ctx, "a.example", true, 20*time.Millisecond)

	monitor.RecordProbe(ctx, "a.example", false, 0)
	monitor.RecordProbe(ctx, "a.example", false, 0)

	report, err := monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)
	assert.NotEqual(t, StatusOffline, report.Status)
}

func TestRecoveryPrunesIssuesAndEmitsUpdate(t *testing.T) {
	monitor, ldg, bus, _ := newTestMonitor(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicHealthUpdates, nil, 0)

	applyTraffic(t, ldg, "a.example", 100, 60)
	_, err := monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)
	<-sub.Events() // UNKNOWN -> CRITICAL

	// Error rate recovers
	applyTraffic(t, ldg, "a.example", 1000, 0)
	report, err := monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Issues)

	update := (<-sub.Events()).(event.HealthUpdate)
	assert.Equal(t, "CRITICAL", update.PreviousStatus)
	assert.Equal(t, "HEALTHY", update.CurrentStatus)
}

func TestNoDuplicateEventOnUnchangedStatus(t *testing.T) {
	monitor, ldg, bus, _ := newTestMonitor(t)
	ctx := context.Background()

	sub := bus.Subscribe(event.TopicHealthUpdates, nil, 0)

	applyTraffic(t, ldg, "a.example", 100, 0)
	_, err := monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)
	<-sub.Events() // UNKNOWN -> HEALTHY

	_, err = monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected event on unchanged status: %+v", e)
	default:
	}
}

func TestReporterReceivesTransitions(t *testing.T) {
	monitor, ldg, _, _ := newTestMonitor(t)
	ctx := context.Background()

	reporter := &fakeReporter{}
	monitor.SetReporter(reporter)

	applyTraffic(t, ldg, "a.example", 100, 60)
	_, err := monitor.Evaluate(ctx, "a.example")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.example=CRITICAL"}, reporter.all())
}

func TestAllWithThreshold(t *testing.T) {
	monitor, ldg, _, _ := newTestMonitor(t)
	ctx := context.Background()

	applyTraffic(t, ldg, "healthy.example", 100, 0)
	applyTraffic(t, ldg, "warning.example", 100, 20)
	applyTraffic(t, ldg, "critical.example", 100, 80)

	monitor.EvaluateAll(ctx)

	all := monitor.All(StatusUnknown)
	assert.Len(t, all, 3)

	degraded := monitor.All(StatusWarning)
	require.Len(t, degraded, 2)
	assert.Equal(t, "critical.example", degraded[0].Domain)
	assert.Equal(t, "warning.example", degraded[1].Domain)
}

func TestAvgLatencyFromProbes(t *testing.T) {
	monitor, _, _, _ := newTestMonitor(t)
	ctx := context.Background()

	monitor.RecordProbe(ctx, "a.example", true, 10*time.Millisecond)
	monitor.RecordProbe(ctx, "a.example", true, 30*time.Millisecond)

	report, ok := monitor.Status("a.example")
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, report.AvgLatency)
}
