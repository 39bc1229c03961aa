package generic

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the exponential backoff used for Conflict retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
	}
}

// BackOff returns the delay schedule between attempts: exponential from
// BaseDelay, capped at MaxDelay, with 50% jitter, stopping after
// MaxAttempts-1 retries.
func (p RetryPolicy) BackOff() backoff.BackOff {
	maxDelay := p.MaxDelay
	if maxDelay < p.BaseDelay {
		maxDelay = p.BaseDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         maxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.attempts()-1))
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged, also when
// ctx ends between attempts.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	var last error
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		last = fn(attempt)
		if last != nil && !IsRetryable(last) {
			return backoff.Permanent(last)
		}
		return last
	}, backoff.WithContext(p.BackOff(), ctx))
	if err == nil {
		return nil
	}
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if last != nil {
		return last
	}
	return err
}
