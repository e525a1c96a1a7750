// Package retry wraps cenkalti/backoff for the read-only operations that may
// be retried after a timeout.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/something1703/Nexus-Zero/internal/apperr"
)

// ReadOnly runs fn with a per-attempt deadline of timeout, retrying up to
// retries extra times while fn fails with a timeout and the parent context is
// still live. Non-timeout errors are returned immediately.
func ReadOnly(ctx context.Context, op string, timeout time.Duration, retries int, fn func(context.Context) error) error {
	if retries < 0 {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0

	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(apperr.Timeout(op, err))
		}
		actx, cancel := withOptionalTimeout(ctx, timeout)
		defer cancel()
		err := apperr.FromContext(op, fn(actx))
		if err == nil {
			return nil
		}
		if !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
	if err != nil && ctx.Err() != nil && !apperr.Retryable(err) {
		return apperr.Timeout(op, ctx.Err())
	}
	return err
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
