package util

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and capped at maxDelay (zero keeps the library cap). It returns
// nil on the first successful call, or the last error if all attempts fail.
// Errors wrapped with Permanent stop retrying immediately. Context
// cancellation is honoured between attempts.
func Retry(ctx context.Context, maxAttempts int, baseDelay, maxDelay time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	if baseDelay <= 0 {
		b.RandomizationFactor = 0
	}
	if maxDelay > 0 {
		b.MaxInterval = maxDelay
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(maxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
	)
	// The last attempt's error comes back still wrapped.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
