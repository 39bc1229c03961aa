package generic_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var wheat = generic.ListingLineKey("L1", "wheat/organic")

func qty(s string) decimal.Decimal { return generic.MustQuantity(s) }

func newTestLedger(t *testing.T, total string) (*generic.QuantityLedger, *memory.Ledger) {
	t.Helper()
	store := memory.NewLedger()
	ledger := generic.NewLedger(store)
	_, err := ledger.Open(context.Background(), wheat, qty(total))
	require.NoError(t, err)
	return ledger, store
}

func committed(t *testing.T, l *generic.QuantityLedger, key generic.LedgerKey) decimal.Decimal {
	t.Helper()
	e, err := l.Entry(context.Background(), key)
	require.NoError(t, err)
	return e.Committed
}

// =============================================================================
// RESERVE
// =============================================================================

func TestLedger_Reserve_WithinCapacity(t *testing.T) {
	// GIVEN: wheat/organic has 10, nothing committed
	// WHEN: O1 reserves 7 at version 0
	// THEN: committed is 7, version is 1, remaining is 3

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()

	v, err := ledger.Reserve(ctx, wheat, generic.OfferHold("O1"), qty("7"), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.True(t, committed(t, ledger, wheat).Equal(qty("7")))

	remaining, err := ledger.Remaining(ctx, wheat)
	require.NoError(t, err)
	assert.True(t, remaining.Equal(qty("3")), "remaining = %s", remaining)
}

func TestLedger_Reserve_InsufficientCapacity(t *testing.T) {
	// GIVEN: O1 holds 7 of 10
	// WHEN: O2 asks for 5
	// THEN: InsufficientCapacity with remaining 3, committed unchanged

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()

	_, err := ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O1"), qty("7"))
	require.NoError(t, err)

	_, err = ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O2"), qty("5"))
	require.ErrorIs(t, err, generic.ErrInsufficientCapacity)
	var capErr *generic.InsufficientCapacityError
	require.ErrorAs(t, err, &capErr)
	assert.True(t, capErr.Remaining.Equal(qty("3")))
	assert.True(t, capErr.Requested.Equal(qty("5")))
	assert.True(t, committed(t, ledger, wheat).Equal(qty("7")))
}

func TestLedger_Reserve_StaleVersion_Conflict(t *testing.T) {
	// GIVEN: the entry moved to version 1
	// WHEN: a writer still expecting version 0 reserves
	// THEN: Conflict, and nothing is written

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, wheat, generic.OfferHold("O1"), qty("2"), 0)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, wheat, generic.OfferHold("O2"), qty("2"), 0)
	assert.ErrorIs(t, err, generic.ErrConflict)
	assert.True(t, generic.IsRetryable(err))
	assert.True(t, committed(t, ledger, wheat).Equal(qty("2")))
}

func TestLedger_Reserve_RejectsNonPositive(t *testing.T) {
	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()

	for _, q := range []string{"0", "-1"} {
		_, err := ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O1"), qty(q))
		assert.ErrorIs(t, err, generic.ErrValidation, "quantity %s", q)
	}
}

func TestLedger_Open_KeepsFirstTotal(t *testing.T) {
	ledger, _ := newTestLedger(t, "10")

	e, err := ledger.Open(context.Background(), wheat, qty("99"))
	require.NoError(t, err)
	assert.True(t, e.Total.Equal(qty("10")))
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_ConcurrentReservations_NeverOvercommit(t *testing.T) {
	// GIVEN: 10 available
	// WHEN: 20 goroutines each reserve 1 at the same time
	// THEN: exactly 10 succeed, the rest get InsufficientCapacity,
	//       committed is exactly 10

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()

	var ok, short atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		ref := generic.OfferHold(fmt.Sprintf("O%d", i))
		g.Go(func() error {
			_, err := ledger.ReserveLatest(ctx, wheat, ref, qty("1"))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, generic.ErrInsufficientCapacity):
				short.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(10), short.Load())
	assert.True(t, committed(t, ledger, wheat).Equal(qty("10")))
}

func TestLedger_ConcurrentMixedSizes_CommittedEqualsSuccesses(t *testing.T) {
	// GIVEN: 10 available, requests of 7 and 5 racing (the O1/O2 scenario)
	// THEN: exactly one wins, committed equals the winner's quantity

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()

	sizes := map[generic.HoldRef]string{generic.OfferHold("O1"): "7", generic.OfferHold("O2"): "5"}
	won := make(chan decimal.Decimal, len(sizes))
	var g errgroup.Group
	for ref, size := range sizes {
		g.Go(func() error {
			_, err := ledger.ReserveLatest(ctx, wheat, ref, qty(size))
			if err == nil {
				won <- qty(size)
				return nil
			}
			if errors.Is(err, generic.ErrInsufficientCapacity) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	close(won)

	var winners []decimal.Decimal
	for q := range won {
		winners = append(winners, q)
	}
	require.Len(t, winners, 1)
	assert.True(t, committed(t, ledger, wheat).Equal(winners[0]))
}

// =============================================================================
// RELEASE
// =============================================================================

func TestLedger_Release_Idempotent(t *testing.T) {
	// GIVEN: O1 holds 7
	// WHEN: O1 is released twice
	// THEN: committed goes to 0 once and stays there, no fault

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()
	o1 := generic.OfferHold("O1")

	_, err := ledger.ReserveLatest(ctx, wheat, o1, qty("7"))
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, wheat, o1, qty("7")))
	require.NoError(t, ledger.Release(ctx, wheat, o1, qty("7")))

	e, err := ledger.Entry(ctx, wheat)
	require.NoError(t, err)
	assert.True(t, e.Committed.IsZero())
	assert.False(t, e.Faulted)
	_, held := e.HoldFor(o1)
	assert.False(t, held)
}

func TestLedger_Release_UnknownKeyIsNoop(t *testing.T) {
	ledger, _ := newTestLedger(t, "10")

	err := ledger.Release(context.Background(), generic.ProductKey("nope"), generic.OfferHold("O1"), qty("1"))
	assert.NoError(t, err)
}

func TestLedger_Release_MoreThanHeld_ClampsAndFaults(t *testing.T) {
	// GIVEN: O1 holds 3, O2 holds 4
	// WHEN: O1 releases 5
	// THEN: only O1's 3 is freed, committed is 4 (never negative),
	//       the entry is faulted and refuses reservations until cleared

	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()
	o1, o2 := generic.OfferHold("O1"), generic.OfferHold("O2")

	_, err := ledger.ReserveLatest(ctx, wheat, o1, qty("3"))
	require.NoError(t, err)
	_, err = ledger.ReserveLatest(ctx, wheat, o2, qty("4"))
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, wheat, o1, qty("5")))

	e, err := ledger.Entry(ctx, wheat)
	require.NoError(t, err)
	assert.True(t, e.Committed.Equal(qty("4")))
	assert.True(t, e.Faulted)
	assert.Contains(t, e.FaultDetail, "exceeds its hold")

	_, err = ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O3"), qty("1"))
	assert.ErrorIs(t, err, generic.ErrConsistencyFault)

	// Releases still apply while faulted.
	require.NoError(t, ledger.Release(ctx, wheat, o2, qty("4")))
	assert.True(t, committed(t, ledger, wheat).IsZero())

	cleared, err := ledger.ClearFault(ctx, wheat)
	require.NoError(t, err)
	assert.False(t, cleared.Faulted)

	_, err = ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O3"), qty("1"))
	assert.NoError(t, err)
}

// =============================================================================
// CONSISTENCY FAULTS
// =============================================================================

func TestLedger_CorruptEntry_DetectedAndPersisted(t *testing.T) {
	// GIVEN: an entry whose committed exceeds its total (written by a bug)
	// WHEN: it is read and then reserved against
	// THEN: both report ConsistencyFault, committed is not corrected,
	//       and the fault flag is persisted

	ledger, store := newTestLedger(t, "10")
	ctx := context.Background()

	bad := generic.NewLedgerEntry(wheat, qty("10"), time.Now())
	bad.Committed = qty("12")
	bad.Holds[generic.OfferHold("O1")] = generic.Hold{Quantity: qty("12")}
	bad.Version = 5
	store.Put(bad)

	_, err := ledger.Remaining(ctx, wheat)
	assert.ErrorIs(t, err, generic.ErrConsistencyFault)

	_, err = ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O2"), qty("1"))
	assert.ErrorIs(t, err, generic.ErrConsistencyFault)

	e, err := ledger.Entry(ctx, wheat)
	require.NoError(t, err)
	assert.True(t, e.Faulted)
	assert.True(t, e.Committed.Equal(qty("12")), "committed must not be silently corrected")

	// Holds exceed the total: clearing is refused.
	_, err = ledger.ClearFault(ctx, wheat)
	assert.ErrorIs(t, err, generic.ErrConsistencyFault)
}

func TestLedger_ClearFault_RederivesCommittedFromHolds(t *testing.T) {
	ledger, store := newTestLedger(t, "10")
	ctx := context.Background()

	drifted := generic.NewLedgerEntry(wheat, qty("10"), time.Now())
	drifted.Committed = qty("9")
	drifted.Holds[generic.OfferHold("O1")] = generic.Hold{Quantity: qty("4")}
	store.Put(drifted)

	require.NoError(t, ledger.MarkFault(ctx, wheat, "planted"))
	e, err := ledger.ClearFault(ctx, wheat)
	require.NoError(t, err)
	assert.True(t, e.Committed.Equal(qty("4")))
	assert.False(t, e.Faulted)
}

// =============================================================================
// SET
// =============================================================================

func TestLedger_Set_MovesHoldBothWays(t *testing.T) {
	ledger, _ := newTestLedger(t, "10")
	ctx := context.Background()
	r := generic.RestockOrderHold("R1")

	_, err := ledger.Set(ctx, wheat, r, qty("6"))
	require.NoError(t, err)
	_, err = ledger.Set(ctx, wheat, r, qty("2"))
	require.NoError(t, err)
	assert.True(t, committed(t, ledger, wheat).Equal(qty("2")))

	_, err = ledger.Set(ctx, wheat, r, qty("11"))
	assert.ErrorIs(t, err, generic.ErrInsufficientCapacity)
	assert.True(t, committed(t, ledger, wheat).Equal(qty("2")))
}

// =============================================================================
// TIMEOUTS
// =============================================================================

// stallingStore never completes a write before the context ends.
type stallingStore struct {
	*memory.Ledger
}

func (s stallingStore) CompareAndSwap(ctx context.Context, _ int64, _ generic.LedgerEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestLedger_WriteInterrupted_OutcomeUnknown(t *testing.T) {
	// GIVEN: a store whose write outlives the caller's deadline
	// WHEN: a reservation times out mid-write
	// THEN: the error is OutcomeUnknown (not a plain failure),
	//       and HoldOf tells the caller what actually happened

	store := stallingStore{memory.NewLedger()}
	ledger := generic.NewLedger(store)
	_, err := ledger.Open(context.Background(), wheat, qty("10"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O1"), qty("3"))
	require.ErrorIs(t, err, generic.ErrOutcomeUnknown)

	_, held, err := ledger.HoldOf(context.Background(), wheat, generic.OfferHold("O1"))
	require.NoError(t, err)
	assert.False(t, held)
}

// contendedStore loses the first n writes to another process.
type contendedStore struct {
	*memory.Ledger
	lost atomic.Int32
	n    int32
}

func (s *contendedStore) CompareAndSwap(ctx context.Context, v int64, next generic.LedgerEntry) error {
	if s.lost.Add(1) <= s.n {
		return generic.ErrConflict
	}
	return s.Ledger.CompareAndSwap(ctx, v, next)
}

func TestLedger_Release_OutlastsRetryPolicy(t *testing.T) {
	// GIVEN: a hold of 4, and a store that loses 25 writes in a row
	// WHEN: the hold is released under a 2-attempt policy
	// THEN: the release keeps going past the policy and lands

	store := &contendedStore{Ledger: memory.NewLedger()}
	ledger := generic.NewLedger(store)
	ledger.Retry = generic.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}
	ctx := context.Background()
	_, err := ledger.Open(ctx, wheat, qty("10"))
	require.NoError(t, err)
	_, err = ledger.ReserveLatest(ctx, wheat, generic.OfferHold("O1"), qty("4"))
	require.NoError(t, err)

	store.lost.Store(0)
	store.n = 25
	require.NoError(t, ledger.Release(ctx, wheat, generic.OfferHold("O1"), qty("4")))
	assert.True(t, committed(t, ledger, wheat).IsZero())
	assert.Greater(t, store.lost.Load(), int32(25))
}

func TestLedger_Release_StopsWhenContextEnds(t *testing.T) {
	// GIVEN: a store that never accepts a write
	// WHEN: a release runs under a short deadline
	// THEN: it gives up once the deadline passes

	store := &contendedStore{Ledger: memory.NewLedger()}
	ledger := generic.NewLedger(store)
	ledger.Retry = generic.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	_, err := ledger.Open(context.Background(), wheat, qty("10"))
	require.NoError(t, err)
	_, err = ledger.ReserveLatest(context.Background(), wheat, generic.OfferHold("O1"), qty("4"))
	require.NoError(t, err)

	store.n = 1 << 30
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = ledger.Release(ctx, wheat, generic.OfferHold("O1"), qty("4"))
	require.Error(t, err)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestLedger_Property_InvariantsHold(t *testing.T) {
	// Any sequence of reserves and releases keeps committed equal to the sum
	// of holds, between zero and the total, and matching a simple model.
	refs := []generic.HoldRef{
		generic.OfferHold("a"), generic.OfferHold("b"), generic.CatalogOrderHold("c"), generic.RestockOrderHold("d"),
	}

	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		total := int64(rapid.IntRange(0, 30).Draw(t, "total"))
		ledger := generic.NewLedger(memory.NewLedger())
		_, err := ledger.Open(ctx, wheat, decimal.NewFromInt(total))
		require.NoError(t, err)

		model := map[generic.HoldRef]int64{}
		faulted := false
		sum := func() int64 {
			var s int64
			for _, q := range model {
				s += q
			}
			return s
		}

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			ref := rapid.SampledFrom(refs).Draw(t, fmt.Sprintf("ref%d", i))
			q := int64(rapid.IntRange(1, 10).Draw(t, fmt.Sprintf("qty%d", i)))

			if rapid.Bool().Draw(t, fmt.Sprintf("reserve%d", i)) {
				_, err := ledger.ReserveLatest(ctx, wheat, ref, decimal.NewFromInt(q))
				switch {
				case faulted:
					require.ErrorIs(t, err, generic.ErrConsistencyFault)
				case sum()+q > total:
					require.ErrorIs(t, err, generic.ErrInsufficientCapacity)
				default:
					require.NoError(t, err)
					model[ref] += q
				}
			} else {
				require.NoError(t, ledger.Release(ctx, wheat, ref, decimal.NewFromInt(q)))
				if h := model[ref]; h > 0 {
					if q >= h {
						faulted = faulted || q > h
						delete(model, ref)
					} else {
						model[ref] = h - q
					}
				}
			}

			e, err := ledger.Entry(ctx, wheat)
			require.NoError(t, err)
			require.True(t, e.Committed.Equal(e.HoldSum()), "committed %s != holds %s", e.Committed, e.HoldSum())
			require.False(t, e.Committed.IsNegative())
			require.True(t, e.Committed.LessThanOrEqual(e.Total))
			require.True(t, e.Committed.Equal(decimal.NewFromInt(sum())), "committed %s, model %d", e.Committed, sum())
			require.Equal(t, faulted, e.Faulted)
		}
	})
}
