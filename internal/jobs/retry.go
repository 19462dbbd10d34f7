package jobs

import (
	"context"
	"time"
)

const (
	maxRetries     = 2
	baseBackoff    = time.Second
	maxBackoff     = 4 * time.Second
	providerBudget = 10 * time.Second
)

// withRetry runs fn with a bounded retry loop: the initial call plus up to
// maxRetries re-attempts, doubling the backoff each time up to maxBackoff.
// Each attempt gets its own deadline so a hung provider cannot stall the
// queue sweep.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := baseBackoff

	var err error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, providerBudget)
		err = fn(attemptCtx)
		cancel()

		if err == nil || attempt >= maxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
