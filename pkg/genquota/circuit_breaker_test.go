package genquota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	var states []CircuitBreakerState
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute},
		func(state CircuitBreakerState) { states = append(states, state) })
	cb.now = func() time.Time { return now }
	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("fail") }))
	now = now.Add(time.Minute)

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("still failing") }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_SingleHalfOpenProbe(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("fail") }))
	now = now.Add(time.Minute)

	probeErr := cb.Execute(ctx, func() error {
		// A second caller while the probe is in flight is rejected.
		return cb.Execute(ctx, func() error { return nil })
	})
	assert.ErrorIs(t, probeErr, ErrCircuitOpen)
}

func TestCircuitBreaker_IgnoresCallerCancellation(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, cb.Execute(ctx, func() error { return ctx.Err() }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerConfig_Defaults(t *testing.T) {
	cfg := (&CircuitBreakerConfig{}).withDefaults()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
}
