package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.class.String())
	}
}

func TestWrapConvention(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Ledger", "Apply", "window rollover")
	require.Error(t, err)
	assert.Equal(t, "Ledger.Apply: window rollover failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.NoError(t, Wrap(nil, "Ledger", "Apply", "noop"))
}

func TestWrapClassified(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.wrap(base, "Enforcer", "Evaluate", "budget check")
			var ce *ClassifiedError
			require.True(t, stderrors.As(err, &ce))
			assert.Equal(t, tt.class, ce.Class)
			assert.Equal(t, "Enforcer", ce.Component)
			assert.Equal(t, "Evaluate", ce.Operation)
			assert.True(t, stderrors.Is(err, base))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(stderrors.New("dial tcp: connection refused")))
	assert.False(t, IsTransient(stderrors.New("value out of range")))
}

func TestIsInvalid(t *testing.T) {
	assert.True(t, IsInvalid(ErrUnknownDomain))
	assert.True(t, IsInvalid(ErrInvalidReason))
	assert.True(t, IsInvalid(ErrNotReversible))
	assert.True(t, IsInvalid(fmt.Errorf("pause: %w", ErrInvalidReason)))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrUnknownDomain))
	assert.Equal(t, ErrorFatal, Classify(ErrInvalidConfig))
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("something else entirely")))
}
