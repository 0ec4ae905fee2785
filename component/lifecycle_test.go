package component

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateStarted, "started"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestAggregate(t *testing.T) {
	assert.True(t, Aggregate(nil))
	assert.True(t, Aggregate([]HealthStatus{
		{Name: "a", Healthy: true},
		{Name: "b", Healthy: true},
	}))
	assert.False(t, Aggregate([]HealthStatus{
		{Name: "a", Healthy: true},
		{Name: "b", Healthy: false, Detail: "queue stalled"},
	}))
}

func TestDependenciesLoggerFallback(t *testing.T) {
	var d Dependencies
	assert.NotNil(t, d.GetLogger())

	custom := slog.Default().With("test", true)
	d.Logger = custom
	assert.Equal(t, custom, d.GetLogger())
	assert.Nil(t, d.CoreMetrics())
}
