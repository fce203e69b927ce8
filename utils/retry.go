package utils

import (
	"context"
	"errors"
	"time"

	"buildappswith/models"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff applied to provider calls.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout caps every single attempt.
	AttemptTimeout time.Duration
	// MaxElapsed caps the whole call, attempts and waits included.
	MaxElapsed time.Duration
}

// DefaultRetryBudget bounds how long a caller waits on one provider operation.
const DefaultRetryBudget = 10 * time.Second

func DefaultRetryPolicy(maxRetries int, attemptTimeout time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      maxRetries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  attemptTimeout,
		MaxElapsed:      DefaultRetryBudget,
	}
}

// Retry runs op until it succeeds, returns a non-retryable error, or the
// policy is exhausted. Only retryable ProviderErrors are retried. When
// MaxElapsed runs out the last error from op is returned.
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	if p.MaxElapsed > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.MaxElapsed)
		defer cancel()
		eb.MaxElapsedTime = p.MaxElapsed
	}
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	var last error
	err := backoff.Retry(func() error {
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		last = err
		if pe, ok := models.AsProviderError(err); ok && !pe.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil && last != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return last
	}
	return err
}
