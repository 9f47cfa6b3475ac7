package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/collab"
)

const (
	maxBackoff    = 30 * time.Second
	backoffFactor = 2
)

// executeWithRetry runs fn, retrying transient failures with exponential
// backoff. Permanent failures return immediately.
func executeWithRetry(ctx context.Context, name string, attempts int, baseDelay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := calculateBackoff(attempt, baseDelay)
			log.Printf("stage %s: attempt %d/%d failed, retrying in %s: %v", name, attempt, attempts, wait, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !collab.IsTransient(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("stage %s: retries exhausted: %w", name, lastErr)
}

func calculateBackoff(attempt int, baseDelay time.Duration) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
