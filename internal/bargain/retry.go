package bargain

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// retryPolicy controls retries of store calls. Only failures that leave no
// visible partial state are retried: every retried call carries the same
// conditional precondition as the first attempt.
type retryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// isRetryable reports whether err is a transient infrastructure failure.
// Domain outcomes, lost preconditions and cancellation are final.
func isRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case domain.IsTerminal(err):
		return false
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrLockHeld):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// retryOp executes fn with exponential backoff and jitter while it fails
// with retryable errors. When retries are exhausted the last error is
// returned wrapped in domain.ErrInternal.
func retryOp(ctx context.Context, p retryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		lastErr = fn()
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < p.maxRetries {
			if err := sleepCtx(ctx, p.backoff(attempt)); err != nil {
				return err
			}
		}
	}
	if errors.Is(lastErr, domain.ErrInternal) {
		return lastErr
	}
	return fmt.Errorf("%w: %w", domain.ErrInternal, lastErr)
}

// backoff computes baseDelay * 2^attempt capped at maxDelay, plus jitter in
// [0, baseDelay).
func (p retryPolicy) backoff(attempt int) time.Duration {
	delay := p.baseDelay << uint(attempt)
	if delay > p.maxDelay || delay <= 0 {
		delay = p.maxDelay
	}
	if p.baseDelay > 0 {
		delay += time.Duration(rand.Int64N(int64(p.baseDelay)))
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
