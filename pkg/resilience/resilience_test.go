package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errDown = errors.New("store down")
	ctx     = context.Background()
)

func newTestBreaker(now *time.Time, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.now = func() time.Time { return *now }
	return NewCircuitBreaker("test", cfg)
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	cb := newTestBreaker(&now, CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	fail := func(context.Context) error { return errDown }

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Second)
	require.NoError(t, cb.Execute(ctx, func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := newTestBreaker(&now, CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})

	cb.Execute(ctx, func(context.Context) error { return errDown })
	now = now.Add(time.Second)
	cb.Execute(ctx, func(context.Context) error { return errDown })
	assert.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerIgnoresNonFailures(t *testing.T) {
	now := time.Now()
	errBadInput := errors.New("bad input")
	cb := newTestBreaker(&now, CircuitBreakerConfig{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return errors.Is(err, errDown) },
	})

	assert.ErrorIs(t, cb.Execute(ctx, func(context.Context) error { return errBadInput }), errBadInput)
	assert.Equal(t, StateClosed, cb.GetState())
	cb.Execute(ctx, func(context.Context) error { return errDown })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreakerIgnoresCancelledCalls(t *testing.T) {
	now := time.Now()
	cb := newTestBreaker(&now, CircuitBreakerConfig{FailureThreshold: 1})

	cctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(cctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())

	called := false
	assert.ErrorIs(t, cb.Execute(cctx, func(context.Context) error { called = true; return nil }), context.Canceled)
	assert.False(t, called)
}

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "connect", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errDown
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = Retry(context.Background(), "connect", RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errDown
	})
	assert.ErrorIs(t, err, errDown)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	errAuth := errors.New("password authentication failed")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, errAuth) },
	}
	err := Retry(context.Background(), "connect", cfg, func(context.Context) error {
		calls++
		return errAuth
	})
	assert.ErrorIs(t, err, errAuth)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, "connect", RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}, func(context.Context) error { return errDown })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeout(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, WithTimeout(context.Background(), time.Second, "fast", func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WithTimeout(ctx, time.Second, "cancelled", func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}
