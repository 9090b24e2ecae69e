package venue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry runs fn up to attempts times with exponential backoff between tries, stopping early
// when retryable reports false or ctx ends. The last error is returned.
func Retry(ctx context.Context, attempts uint, initial time.Duration, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 8 * initial
	b.RandomizationFactor = 0.2

	var err error
	for try := uint(1); ; try++ {
		if err = fn(ctx); err == nil || !retryable(err) || try >= attempts {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
	}
}
