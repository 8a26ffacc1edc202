// Package reliability holds the retry policy used when a dependency is
// briefly unavailable at startup.
package reliability

import (
	"context"
	"time"
)

// Policy bounds a retry loop. Attempts counts the first try.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry runs op until it succeeds, returns an error retryable rejects, or
// the policy runs out of attempts. The last error is returned. onRetry, when
// set, is told about each failed attempt that will be retried.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, onRetry func(attempt int, wait time.Duration, err error), op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 || (retryable != nil && !retryable(err)) {
			return err
		}
		wait := ExponentialBackoff(attempt, p.Base, p.Cap)
		if onRetry != nil {
			onRetry(attempt+1, wait, err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
