package errclass

import (
	"context"
	"math/rand"
	"time"
)

const (
	// Max backoff delay between attempts.
	maxBackoff = 8 * time.Second

	// Jitter applied to each delay: +/- 25%.
	jitterFraction = 0.25
)

// RetryOperation runs op up to maxRetries times, sleeping between attempts
// with capped exponential backoff and jitter.
//
// Only retryable failures (see Classify) are retried. A non-retryable
// failure, or exhausting the attempt budget, returns the original error
// unchanged so the caller keeps its category information.
func (c *Classifier) RetryOperation(ctx context.Context, op func(context.Context) error, maxRetries int, baseDelay time.Duration) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var last error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err

		d := c.Classify(err, map[string]any{"attempt": attempt, "max_retries": maxRetries})
		if !d.Retryable || attempt == maxRetries {
			c.log.Debug("retry.give_up", "category", string(d.Category), "attempt", attempt, "err", err)
			return err
		}

		delay := backoffDelay(baseDelay, attempt)
		c.log.Debug("retry.backoff", "category", string(d.Category), "attempt", attempt, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return last
}

// backoffDelay computes min(base * 2^(attempt-1), maxBackoff) with jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			d = maxBackoff
			break
		}
	}

	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(d) * jitter)
}
