package redis_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	ledgerredis "github.com/kisaan/fulfillment-engine/store/redis"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newLedger returns a store under a fresh prefix, or skips when no Redis
// server is reachable.
func newLedger(t *testing.T) *ledgerredis.Ledger {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	l := ledgerredis.NewLedger(client, "kisaan-test:"+generic.NewID()+":")
	t.Cleanup(func() {
		l.Reset(context.Background())
		client.Close()
	})
	return l
}

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var wheat = generic.ListingLineKey("L1", "wheat/organic")

func TestLedger_OpenGetAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)

	e, err := store.Open(ctx, wheat, qty("10"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.Version)
	assert.True(t, e.Total.Equal(qty("10")))

	again, err := store.Open(ctx, wheat, qty("50"))
	require.NoError(t, err)
	assert.True(t, again.Total.Equal(qty("10")))

	next := e.Clone()
	next.Holds[generic.OfferHold("o1")] = generic.Hold{Quantity: qty("4"), At: time.Now().UTC()}
	next.Committed = qty("4")
	next.Version = 1
	require.NoError(t, store.CompareAndSwap(ctx, 0, next))

	err = store.CompareAndSwap(ctx, 0, next)
	assert.True(t, errors.Is(err, generic.ErrConflict), "got %v", err)

	got, err := store.Get(ctx, wheat)
	require.NoError(t, err)
	assert.Equal(t, wheat, got.Key)
	assert.Equal(t, int64(1), got.Version)
	held, ok := got.HoldFor(generic.OfferHold("o1"))
	require.True(t, ok)
	assert.True(t, held.Equal(qty("4")))
}

func TestLedger_MissingEntry(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)

	_, err := store.Get(ctx, wheat)
	assert.True(t, errors.Is(err, generic.ErrNotFound))

	next := generic.NewLedgerEntry(wheat, qty("1"), time.Now())
	next.Version = 1
	err = store.CompareAndSwap(ctx, 0, next)
	assert.True(t, errors.Is(err, generic.ErrNotFound))
}

func TestLedger_ListOrderedByKey(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	for _, k := range []generic.LedgerKey{generic.ProductKey("p2"), wheat, generic.ProductKey("p1")} {
		_, err := store.Open(ctx, k, qty("1"))
		require.NoError(t, err)
	}
	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, wheat, entries[0].Key)
	assert.Equal(t, generic.ProductKey("p1"), entries[1].Key)
	assert.Equal(t, generic.ProductKey("p2"), entries[2].Key)
}

// Two independent ledgers over one Redis behave like two processes: the
// in-process key lock does not help, only the script's version check does.
func TestLedger_TwoProcessesNeverOversell(t *testing.T) {
	ctx := context.Background()
	store := newLedger(t)
	a := generic.NewLedger(store)
	b := generic.NewLedger(store)
	_, err := a.Open(ctx, wheat, qty("10"))
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]error, 20)
	for i := range results {
		l := a
		if i%2 == 1 {
			l = b
		}
		g.Go(func() error {
			_, results[i] = l.ReserveLatest(ctx, wheat, generic.OfferHold(generic.NewID()), qty("1"))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		}
	}
	e, err := a.Entry(ctx, wheat)
	require.NoError(t, err)
	assert.True(t, e.Committed.Equal(decimal.NewFromInt(int64(ok))))
	assert.True(t, e.Committed.LessThanOrEqual(qty("10")))
	assert.Empty(t, e.Violation())
}
