package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy configures the retry behavior for provider calls.
type RetryPolicy struct {
	Attempts  int           // total attempts, including the first
	BaseDelay time.Duration // initial backoff, doubled per attempt
	MaxDelay  time.Duration // backoff ceiling
}

// DefaultRetryPolicy returns sensible defaults for embedding API calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
	}
}

// retry executes op with exponential backoff. retryable decides whether an
// error is transient; permanent errors fail immediately. The same combinator
// wraps every provider in the chain, so primary and fallback share one
// backoff shape.
func retry[T any](ctx context.Context, policy RetryPolicy, logger *slog.Logger,
	op func() (T, error), retryable func(error) bool) (T, error) {

	var zero T
	var lastErr error

	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := policy.BaseDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op()
		if err == nil {
			if attempt > 1 {
				logger.Debug("operation succeeded after retry", "attempts", attempt)
			}
			return result, nil
		}

		lastErr = err

		if !retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		logger.Debug("retrying after error", "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, maxDelay)
		}
	}

	return zero, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
