package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_RetriesOnlyConflicts(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	ctx := context.Background()

	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		return generic.ErrConflict
	})
	assert.ErrorIs(t, err, generic.ErrConflict)
	assert.Equal(t, 3, calls)

	calls = 0
	err = p.Do(ctx, func(int) error {
		calls++
		return &generic.InsufficientCapacityError{}
	})
	assert.ErrorIs(t, err, generic.ErrInsufficientCapacity)
	assert.Equal(t, 1, calls)

	calls = 0
	err = p.Do(ctx, func(attempt int) error {
		calls++
		if attempt < 2 {
			return generic.ErrConflict
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicy_BackOffBoundedAndFinite(t *testing.T) {
	p := generic.DefaultRetryPolicy()
	b := p.BackOff()

	// GIVEN 3 attempts THEN 2 delays, each within the jittered cap
	for i := 0; i < p.MaxAttempts-1; i++ {
		d := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, d)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, p.MaxDelay+p.MaxDelay/2)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	p := generic.RetryPolicy{}
	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return generic.ErrConflict
	})
	assert.ErrorIs(t, err, generic.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_StopsWhenContextDone(t *testing.T) {
	p := generic.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		return generic.ErrConflict
	})
	assert.True(t, errors.Is(err, generic.ErrConflict))
	assert.Equal(t, 1, calls)
}
