package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedmeter/budget"
	"github.com/c360/fedmeter/config"
	"github.com/c360/fedmeter/errors"
	"github.com/c360/fedmeter/event"
	"github.com/c360/fedmeter/ledger"
	"github.com/c360/fedmeter/pkg/clock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Platform.LocalInstance = "home.example"
	cfg.Gateway.BindAddress = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestNewManagerRequiresConfig(t *testing.T) {
	_, err := NewManager(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewManagerWiresComponents(t *testing.T) {
	m, err := NewManager(testConfig(t))
	require.NoError(t, err)

	assert.NotNil(t, m.Ledger())
	assert.NotNil(t, m.Enforcer())
	assert.NotNil(t, m.Monitor())
	assert.NotNil(t, m.Controller())
	assert.NotNil(t, m.Bus())

	// not started yet
	assert.False(t, m.Healthy())
}

func TestManagerStartStop(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(testConfig(t), WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	assert.True(t, m.Healthy())

	err = m.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	require.NoError(t, m.Stop(2*time.Second))
	assert.False(t, m.Healthy())

	// repeated Stop is a no-op
	require.NoError(t, m.Stop(2*time.Second))
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	m, err := NewManager(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, m.Stop(time.Second))
}

func TestCostDeltaTriggersBudgetAlert(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	m, err := NewManager(testConfig(t), WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(2 * time.Second) //nolint:errcheck

	_, err = m.Enforcer().SetBudget(ctx, budget.Budget{
		Domain:           "pricey.example",
		MonthlyBudgetUSD: 100,
	})
	require.NoError(t, err)

	sub := m.Bus().Subscribe(event.TopicBudgetAlerts, nil, 8)
	require.NotNil(t, sub)
	defer sub.Close()

	// 90 USD of spend against a 100 USD budget crosses the default 80%
	// alert threshold; the ledger listener kicks an evaluation without
	// waiting for the periodic tick.
	require.NoError(t, m.Ledger().Apply(ctx, ledger.Delta{
		Domain:  "pricey.example",
		CostUSD: 90,
	}))

	select {
	case ev := <-sub.Events():
		alert, ok := ev.(event.BudgetAlert)
		require.True(t, ok)
		assert.Equal(t, "pricey.example", alert.Domain)
		assert.InDelta(t, 0.9, alert.PercentUsed, 0.001)
	case <-time.After(3 * time.Second):
		t.Fatal("no budget alert delivered")
	}
}

func TestPeriodicEvaluationRunsOnTick(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(t)
	m, err := NewManager(cfg, WithClock(clk))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop(2 * time.Second) //nolint:errcheck

	_, err = m.Enforcer().SetBudget(ctx, budget.Budget{
		Domain:           "steady.example",
		MonthlyBudgetUSD: 10,
	})
	require.NoError(t, err)

	sub := m.Bus().Subscribe(event.TopicBudgetAlerts, nil, 8)
	require.NotNil(t, sub)
	defer sub.Close()

	require.NoError(t, m.Ledger().Apply(ctx, ledger.Delta{
		Domain:  "steady.example",
		CostUSD: 9,
	}))
	select {
	case <-sub.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no alert from on-demand evaluation")
	}

	// The periodic tick must not re-alert at the same level
	clk.Advance(cfg.Evaluation.Interval.Std())
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected duplicate alert: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, 9090, portOf("127.0.0.1:9090"))
	assert.Equal(t, 9090, portOf(":9090"))
	assert.Equal(t, 0, portOf("no-port"))
	assert.Equal(t, 0, portOf("host:nan"))
}
