package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

func autoPolicy(maxRetries int, initial time.Duration, multiplier float64, maxDelay time.Duration) (Policy, *clock.Fake) {
	fake := clock.NewAutoFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewPolicy(maxRetries, initial, multiplier, maxDelay)
	p.Clock = fake
	return p, fake
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)
	assert.Zero(t, p.Jitter)
	require.NoError(t, p.Validate())
}

func TestNewPolicyFallbacks(t *testing.T) {
	p := NewPolicy(-1, 0, 0.5, 0)
	assert.Equal(t, DefaultPolicy().MaxRetries, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 2.0, p.BackoffMultiplier)
	assert.Equal(t, 5*time.Minute, p.MaxDelay)

	p = NewPolicy(0, time.Minute, 3, time.Second)
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay, "initial is clamped to max")
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"negative retries", func(p *Policy) { p.MaxRetries = -1 }},
		{"zero initial", func(p *Policy) { p.InitialDelay = 0 }},
		{"max below initial", func(p *Policy) { p.MaxDelay = time.Millisecond }},
		{"shrinking multiplier", func(p *Policy) { p.BackoffMultiplier = 0.5 }},
		{"jitter above one", func(p *Policy) { p.Jitter = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 3, 7} {
		t.Run(fmt.Sprintf("max_retries_%d", maxRetries), func(t *testing.T) {
			p, _ := autoPolicy(maxRetries, time.Millisecond, 2, time.Second)

			calls := 0
			err := p.Execute(context.Background(), "op", func(context.Context) error {
				calls++
				return fmt.Errorf("attempt %d", calls)
			})

			require.Error(t, err)
			assert.Equal(t, maxRetries+1, calls)
			assert.Equal(t, fmt.Sprintf("attempt %d", maxRetries+1), err.Error(), "final attempt's error surfaces")
		})
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	p, fake := autoPolicy(3, time.Second, 2, time.Minute)

	calls := 0
	v, err := ExecuteWithRetry(context.Background(), p, "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errFailed
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fake.Sleeps())
}

func TestBackoffMonotonicity(t *testing.T) {
	p, fake := autoPolicy(8, 100*time.Millisecond, 3, 5*time.Second)

	_ = p.Execute(context.Background(), "op", fail)

	sleeps := fake.Sleeps()
	require.Len(t, sleeps, 8)
	assert.Equal(t, p.Delays(), sleeps)
	assert.Equal(t, 100*time.Millisecond, sleeps[0])
	for i := 0; i+1 < len(sleeps); i++ {
		want := time.Duration(float64(sleeps[i]) * 3)
		if want > 5*time.Second {
			want = 5 * time.Second
		}
		assert.Equal(t, want, sleeps[i+1])
		assert.LessOrEqual(t, sleeps[i+1], 5*time.Second)
	}
}

func TestRetryOnRetryHook(t *testing.T) {
	p, _ := autoPolicy(2, 10*time.Millisecond, 2, time.Second)

	var attempts []RetryAttempt
	p.OnRetry = func(a RetryAttempt) { attempts = append(attempts, a) }

	_ = p.Execute(context.Background(), "inference.models", fail)

	require.Len(t, attempts, 2)
	assert.Equal(t, "inference.models", attempts[0].OperationID)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, 10*time.Millisecond, attempts[0].NextDelay)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, 20*time.Millisecond, attempts[1].NextDelay)
	assert.ErrorIs(t, attempts[1].Err, errFailed)
}

func TestRetryStopsOnCancellationDuringWait(t *testing.T) {
	fake := clock.NewFake(time.Now())
	p := NewPolicy(5, time.Hour, 2, time.Hour)
	p.Clock = fake

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Execute(ctx, "op", func(context.Context) error {
			calls++
			return errFailed
		})
	}()

	require.Eventually(t, func() bool { return fake.Waiters() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, errors.Is(err, errFailed), "cancellation is distinct from failure")
	case <-time.After(time.Second):
		t.Fatal("retry did not stop promptly after cancellation")
	}
	assert.Equal(t, 1, calls)
}

func TestRetryCancelledBeforeStart(t *testing.T) {
	p, _ := autoPolicy(3, time.Millisecond, 2, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Execute(ctx, "op", func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetryJitterNeverExceedsDelay(t *testing.T) {
	p, fake := autoPolicy(5, time.Second, 2, 10*time.Second)
	p.Jitter = 0.5

	_ = p.Execute(context.Background(), "op", fail)

	for i, d := range fake.Sleeps() {
		base := p.Delays()[i]
		assert.LessOrEqual(t, d, base)
		assert.GreaterOrEqual(t, d, base/2)
	}
}

func TestBreakerAroundRetryCountsOneFailure(t *testing.T) {
	breaker, _ := newTestBreaker(2, time.Minute)
	p, _ := autoPolicy(2, time.Millisecond, 2, time.Second)

	calls := 0
	err := breaker.Execute(context.Background(), "ai", func(ctx context.Context) error {
		return p.Execute(ctx, "ai", func(context.Context) error {
			calls++
			return errFailed
		})
	})

	assert.ErrorIs(t, err, errFailed)
	assert.Equal(t, 3, calls)
	record, _ := breaker.Record("ai")
	assert.Equal(t, uint32(1), record.ConsecutiveFailures)
	assert.Equal(t, StateClosed, record.State)
}
