package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/des-work/WorldBuilder-sub000/internal/shared/clock"
)

// RetryAttempt describes a failed attempt that is about to be retried.
// It only lives for the duration of one Execute call.
type RetryAttempt struct {
	OperationID string
	Attempt     int
	NextDelay   time.Duration
	Err         error
}

// Policy retries an operation with capped exponential backoff.
// It is immutable after construction and safe for concurrent use.
type Policy struct {
	MaxRetries        int           // retries after the first attempt
	InitialDelay      time.Duration // wait before the first retry
	BackoffMultiplier float64       // growth factor per retry
	MaxDelay          time.Duration // cap for growth
	Jitter            float64       // 0 disables; otherwise shrinks each wait by up to this fraction

	OnRetry func(RetryAttempt)
	Clock   clock.Clock
}

// DefaultPolicy returns 3 retries starting at 1s, doubling, capped at 5 minutes.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Minute,
	}
}

// NewPolicy builds a policy from raw config fields. A negative retry count,
// non-positive delays and multipliers below 1 fall back to the defaults; zero
// retries is kept and disables retrying.
func NewPolicy(maxRetries int, initial time.Duration, multiplier float64, maxDelay time.Duration) Policy {
	p := DefaultPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.InitialDelay = initial
	}
	if multiplier >= 1 {
		p.BackoffMultiplier = multiplier
	}
	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}
	if p.InitialDelay > p.MaxDelay {
		p.InitialDelay = p.MaxDelay
	}
	return p
}

// Validate rejects a policy that cannot be applied.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("initial delay must be >0")
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("max delay must be >= initial delay")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0,1]")
	}
	return nil
}

// NextDelay returns min(current*multiplier, MaxDelay).
func (p Policy) NextDelay(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.BackoffMultiplier)
	if next > p.MaxDelay || next < current {
		return p.MaxDelay
	}
	return next
}

// Delays returns the un-jittered wait before each retry.
func (p Policy) Delays() []time.Duration {
	delays := make([]time.Duration, 0, p.MaxRetries)
	delay := min(p.InitialDelay, p.MaxDelay)
	for i := 0; i < p.MaxRetries; i++ {
		delays = append(delays, delay)
		delay = p.NextDelay(delay)
	}
	return delays
}

// Execute invokes fn up to MaxRetries+1 times. The error of the final
// attempt is returned unchanged. If ctx is cancelled while waiting, the
// context error is returned instead.
func (p Policy) Execute(ctx context.Context, operationID string, fn func(ctx context.Context) error) error {
	clk := clock.OrReal(p.Clock)
	delay := min(p.InitialDelay, p.MaxDelay)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt > p.MaxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		wait := p.jittered(delay)
		if p.OnRetry != nil {
			p.OnRetry(RetryAttempt{
				OperationID: operationID,
				Attempt:     attempt,
				NextDelay:   wait,
				Err:         err,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(wait):
		}

		delay = p.NextDelay(delay)
	}
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - p.Jitter*rand.Float64()))
}

// ExecuteWithRetry runs a value-returning operation under the policy.
func ExecuteWithRetry[T any](ctx context.Context, p Policy, operationID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, operationID, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
