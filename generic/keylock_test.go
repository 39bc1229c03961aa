package generic_test

import (
	"context"
	"testing"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := generic.NewKeyedMutex()
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "a")
	require.NoError(t, err)

	// Another key is independent.
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	// Same key waits and gives up with the context.
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(short, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	unlock2()

	assert.Equal(t, 0, k.Len())
}
