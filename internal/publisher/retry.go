package publisher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/constellation-overwatch/overwatch-isr/internal/statestore"
)

// retryable reports whether another attempt could succeed. Revision
// conflicts and missing keys are answers, not failures.
func retryable(err error) bool {
	return !errors.Is(err, statestore.ErrConflict) &&
		!errors.Is(err, statestore.ErrNotFound) &&
		!errors.Is(err, context.Canceled)
}

// withRetry runs fn up to attempts times, each under its own timeout, with
// doubling backoff between attempts
func (p *StatePublisher) withRetry(ctx context.Context, entityID, op string, fn func(ctx context.Context) error) error {
	backoff := p.cfg.RetryBase
	attempts := max(p.cfg.PublishAttempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt == attempts {
			break
		}

		p.metrics.IncPublishRetries(entityID)
		log.Printf("[Publisher] %s for %s failed (attempt %d/%d): %v, retrying in %v",
			op, entityID, attempt, attempts, err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff *= 2
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
