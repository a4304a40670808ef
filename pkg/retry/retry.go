package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	minAttempts      = 3
	maxAttempts      = 8
	defaultAttempts  = 5
	defaultBaseDelay = 50 * time.Millisecond
)

// Policy bounds a retry loop. Attempts outside 3..8 are clamped; a zero base
// delay falls back to 50ms.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultPolicy matches the store-busy profile of the embedded database.
func DefaultPolicy() Policy {
	return Policy{Attempts: defaultAttempts, BaseDelay: defaultBaseDelay}
}

func (p Policy) attempts() int {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	if attempts < minAttempts {
		attempts = minAttempts
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}
	return attempts
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return defaultBaseDelay
	}
	return p.BaseDelay
}

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// is exhausted. retryable decides which errors are transient; everything else
// propagates immediately. Waits grow exponentially with jitter so concurrent
// writers back off out of step.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func() error) error {
	attempts := policy.attempts()
	base := policy.baseDelay()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable == nil || !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		wait := base << attempt
		wait += time.Duration(rand.Int63n(int64(base) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}
