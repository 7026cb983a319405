// Package retry runs an operation again while it fails with a retryable
// error, waiting linearly longer between attempts.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = time.Second
)

// Policy is a bounded retry schedule. Attempt n (1-based) that fails with a
// retryable error is followed by a wait of n*Delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns five attempts with a one second step.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Delay: DefaultDelay}
}

// Delays returns the full wait sequence the policy would use.
func (p Policy) Delays() []time.Duration {
	n := p.attempts() - 1
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, time.Duration(i)*p.Delay)
	}
	return out
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backoff() goretry.Backoff {
	step := 0
	linear := goretry.BackoffFunc(func() (time.Duration, bool) {
		step++
		return time.Duration(step) * p.Delay, false
	})
	return goretry.WithMaxRetries(uint64(p.attempts()-1), linear)
}

// Do calls fn until it succeeds, returns an error retryable rejects, runs out
// of attempts, or ctx is done. The last error from fn is returned unchanged.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	var (
		attempt int
		lastErr error
	)
	b := p.backoff()
	if p.OnRetry != nil {
		next := b
		b = goretry.BackoffFunc(func() (time.Duration, bool) {
			wait, stop := next.Next()
			if !stop {
				p.OnRetry(attempt, lastErr, wait)
			}
			return wait, stop
		})
	}
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		lastErr = err
		if err != nil && retryable != nil && retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), retryable func(error) bool) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, retryable)
	return out, err
}
