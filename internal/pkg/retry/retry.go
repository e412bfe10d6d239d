// Package retry provides context-aware retry with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidMaxAttempts = errors.New("retry: maxAttempts must be positive")

// Do runs operation up to maxAttempts times, sleeping baseDelay, 2*baseDelay,
// 4*baseDelay, ... between attempts. It returns nil on the first success and
// the last error once attempts are exhausted. The context is checked before
// every attempt and during backoff sleeps.
func Do(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return lastErr
}
