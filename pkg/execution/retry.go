package execution

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryableFunc is a function that can be retried.
// It returns a result of type T and an error.
// The error should be nil if the function was successful.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// WithRetry executes fn up to maxAttempts times, sleeping with exponential
// backoff plus jitter between attempts. It stops early when ctx is done and
// returns the last error.
func WithRetry[T any](ctx context.Context, maxAttempts int, initialBackoff, maxBackoff time.Duration, fn RetryableFunc[T]) (T, error) {
	var result T
	var err error

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for i := 0; i < maxAttempts; i++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if i == maxAttempts-1 {
			break
		}

		backoff := initialBackoff * (1 << i)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		// Jitter only spreads retries out; it is not security relevant.
		if half := int64(backoff / 2); half > 0 {
			backoff += time.Duration(rand.Int64N(half))
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}

	return result, err
}
