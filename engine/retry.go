package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how an activity step is retried before the operation
// as a whole is marked failed.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy retries a step three times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
	}
}

// Permanent marks err as non-retryable. RunStep returns it immediately
// without consuming further attempts. Validation and permission failures
// use this.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RunStep executes fn under the policy with a per-attempt timeout. Each
// attempt gets a fresh deadline; attempts stop early when ctx is canceled
// or fn returns a Permanent error.
func (p RetryPolicy) RunStep(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		bo.Multiplier = p.Multiplier
	}
	bo.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(attempts-1))
	policy = backoff.WithContext(policy, ctx)

	attempt := func() error {
		stepCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := fn(stepCtx)
		// The parent being canceled ends the whole operation; only a
		// per-attempt deadline is worth retrying.
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	return backoff.Retry(attempt, policy)
}
