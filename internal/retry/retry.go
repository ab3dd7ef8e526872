package retry

import (
	"context"
	"fmt"
	"time"
)

// ExhaustedError is returned when every attempt failed. It carries the last
// underlying error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last underlying error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Do evaluates fn until it succeeds, fails non-retryably, or the policy's
// attempt budget is spent. Each attempt receives its 0-based index. On
// exhaustion the returned error is an *ExhaustedError wrapping the last
// failure.
func Do[T any](ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	policy = policy.sanitized()
	classify := policy.Classify
	if classify == nil {
		classify = Classify
	}

	var lastErr error
	var prevDelay time.Duration

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := classify(err)
		if !class.Retryable() {
			return zero, err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.Delay(attempt, prevDelay)
		// A rate-limited call waits for the server's reset when present
		// and within bounds.
		if class == ClassRateLimit {
			if wait, ok := ResetHint(err, time.Now(), policy.MaxResetWait); ok {
				delay = wait
			}
		}
		prevDelay = delay

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, &ExhaustedError{Attempts: policy.MaxAttempts, Last: lastErr}
}
