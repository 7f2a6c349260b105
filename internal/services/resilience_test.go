package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irfndi/celebrum-quant/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	cb := NewCircuitBreaker("market_data", CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		MaxRequests:      1,
		ResetTimeout:     time.Minute,
	}, logrus.New())
	cb.now = clock.Now
	return cb
}

var errUpstream = errors.New("upstream down")

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{}, nil)
	assert.Equal(t, 5, cb.config.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.config.Timeout)
	assert.Equal(t, 5*time.Minute, cb.config.ResetTimeout)
	assert.Equal(t, "x", cb.Name())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	fail := func(context.Context) error { return errUpstream }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), fail), errUpstream)
	}
	assert.Equal(t, Open, cb.GetState())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, int64(1), cb.GetStats().RejectedRequests)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errUpstream })
	}
	require.Equal(t, Open, cb.GetState())

	clock.Advance(2 * time.Second)
	ok := func(context.Context) error { return nil }

	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, HalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, Closed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	cb := newTestBreaker(clock)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error { return errUpstream })
	}
	clock.Advance(2 * time.Second)

	_ = cb.Execute(context.Background(), func(context.Context) error { return errUpstream })
	assert.Equal(t, Open, cb.GetState())

	cb.Reset()
	assert.Equal(t, Closed, cb.GetState())
}

func TestCircuitBreaker_StateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "unknown", CircuitBreakerState(9).String())
}

func transientErr() error {
	return &models.ExternalServiceError{Service: "postgres", Operation: "query", Transient: true, Err: errUpstream}
}

func noSleepRetrier(policy RetryPolicy) (*Retrier, *[]time.Duration) {
	r := NewRetrier(policy, logrus.New())
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return r, &waits
}

func TestRetrier_RecoversFromTransientErrors(t *testing.T) {
	r, waits := noSleepRetrier(RetryPolicy{MaxRetries: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2})

	calls := 0
	err := r.Do(context.Background(), "get_prices", func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *waits)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	r, waits := noSleepRetrier(RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2})

	calls := 0
	err := r.Do(context.Background(), "get_prices", func(context.Context) error {
		calls++
		return models.NewInsufficientHistory("AAPL", 200, 10)
	})

	assert.ErrorIs(t, err, models.ErrInsufficientHistory)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	r, waits := noSleepRetrier(RetryPolicy{MaxRetries: 2, InitialDelay: time.Second, MaxDelay: 1500 * time.Millisecond, BackoffFactor: 3})

	calls := 0
	err := r.Do(context.Background(), "get_prices", func(context.Context) error {
		calls++
		return transientErr()
	})

	assert.True(t, models.IsTransient(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, *waits)
}

func TestRetrier_CancelledContext(t *testing.T) {
	r, _ := noSleepRetrier(RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, "op", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 2.0, p.BackoffFactor)
	assert.True(t, p.JitterEnabled)
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(errUpstream))
	assert.True(t, Retryable(transientErr()))
}

func TestResourceOptimizer_Workers(t *testing.T) {
	tests := []struct {
		name     string
		override int
		cpu      float64
		mem      float64
		cfg      ResourceOptimizerConfig
		check    func(t *testing.T, workers int)
	}{
		{
			name:     "override wins",
			override: 7,
			check:    func(t *testing.T, w int) { assert.Equal(t, 7, w) },
		},
		{
			name: "bounded by max",
			cfg:  ResourceOptimizerConfig{MinWorkers: 1, MaxWorkers: 1},
			check: func(t *testing.T, w int) {
				assert.Equal(t, 1, w)
			},
		},
		{
			name: "never below min under pressure",
			cpu:  99,
			mem:  99,
			cfg:  ResourceOptimizerConfig{MinWorkers: 3, MaxWorkers: 64},
			check: func(t *testing.T, w int) {
				assert.GreaterOrEqual(t, w, 3)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ro := NewResourceOptimizer(tc.cfg, nil)
			ro.cpuPercent = func(context.Context) (float64, error) { return tc.cpu, nil }
			ro.memory = func(context.Context) (uint64, float64, error) { return 8 << 30, tc.mem, nil }
			tc.check(t, ro.Workers(context.Background(), tc.override))
		})
	}
}

func TestResourceOptimizer_SnapshotProbeFailure(t *testing.T) {
	ro := NewResourceOptimizer(ResourceOptimizerConfig{}, nil)
	ro.cpuPercent = func(context.Context) (float64, error) { return 0, errors.New("no cpu") }
	ro.memory = func(context.Context) (uint64, float64, error) { return 0, 0, errors.New("no mem") }

	snap := ro.Snapshot(context.Background())
	assert.Positive(t, snap.CPUCores)
	assert.Zero(t, snap.MemoryGB)
}
