// Package retry wraps cenkalti/backoff with the bounded exponential policy the
// tracker applies to transient store, bus, and queue failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op with bounded exponential backoff until it succeeds, the budget
// maxElapsed is spent, or ctx is cancelled. The last error is returned when
// retries are exhausted.
func Do(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}

// Permanent marks err as non-retryable so Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
