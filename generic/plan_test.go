package generic_test

import (
	"context"
	"testing"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	lineA = generic.ListingLineKey("L1", "a/x")
	lineB = generic.ListingLineKey("L1", "b/x")
)

func TestReserveAll_PartialFailure_RollsBack(t *testing.T) {
	// GIVEN: A has 10 with 2 already held by someone else, B has only 2
	// WHEN: an offer asks for (A,3),(B,4)
	// THEN: B fails with InsufficientCapacity, A's 3 is released again,
	//       A's committed is back to 2 and the offer holds nothing

	ledger := generic.NewLedger(memory.NewLedger())
	ctx := context.Background()
	other := generic.OfferHold("other")
	offer := generic.OfferHold("O1")

	_, err := ledger.Open(ctx, lineA, qty("10"))
	require.NoError(t, err)
	_, err = ledger.ReserveLatest(ctx, lineA, other, qty("2"))
	require.NoError(t, err)

	err = ledger.ReserveAll(ctx, []generic.Claim{
		{Key: lineB, Ref: offer, Quantity: qty("4"), Total: qty("2")},
		{Key: lineA, Ref: offer, Quantity: qty("3"), Total: qty("10")},
	})
	require.ErrorIs(t, err, generic.ErrInsufficientCapacity)

	assert.True(t, committed(t, ledger, lineA).Equal(qty("2")))
	assert.True(t, committed(t, ledger, lineB).IsZero())
	_, held, err := ledger.HoldOf(ctx, lineA, offer)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestReserveAll_AllFit(t *testing.T) {
	ledger := generic.NewLedger(memory.NewLedger())
	ctx := context.Background()
	offer := generic.OfferHold("O1")

	err := ledger.ReserveAll(ctx, []generic.Claim{
		{Key: lineA, Ref: offer, Quantity: qty("3"), Total: qty("10")},
		{Key: lineB, Ref: offer, Quantity: qty("4"), Total: qty("4")},
	})
	require.NoError(t, err)
	assert.True(t, committed(t, ledger, lineA).Equal(qty("3")))
	assert.True(t, committed(t, ledger, lineB).Equal(qty("4")))

	require.NoError(t, ledger.ReleaseAllOf(ctx, offer, []generic.LedgerKey{lineA, lineB}))
	assert.True(t, committed(t, ledger, lineA).IsZero())
	assert.True(t, committed(t, ledger, lineB).IsZero())
}

func TestReserveAll_DuplicateKey_Validation(t *testing.T) {
	ledger := generic.NewLedger(memory.NewLedger())

	err := ledger.ReserveAll(context.Background(), []generic.Claim{
		{Key: lineA, Ref: generic.OfferHold("O1"), Quantity: qty("1"), Total: qty("10")},
		{Key: lineA, Ref: generic.OfferHold("O1"), Quantity: qty("1"), Total: qty("10")},
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestReserveAll_Empty_Validation(t *testing.T) {
	ledger := generic.NewLedger(memory.NewLedger())

	err := ledger.ReserveAll(context.Background(), nil)
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestAdjustAll_IncreaseDoesNotFit_Undone(t *testing.T) {
	// GIVEN: R1 holds 2 of A (10) and 2 of B (3)
	// WHEN: an edit asks for A=5, B=4
	// THEN: B does not fit, A goes back to 2, B stays at 2

	ledger := generic.NewLedger(memory.NewLedger())
	ctx := context.Background()
	r := generic.RestockOrderHold("R1")

	require.NoError(t, ledger.ReserveAll(ctx, []generic.Claim{
		{Key: lineA, Ref: r, Quantity: qty("2"), Total: qty("10")},
		{Key: lineB, Ref: r, Quantity: qty("2"), Total: qty("3")},
	}))

	err := ledger.AdjustAll(ctx, []generic.Adjustment{
		{Key: lineA, Ref: r, From: qty("2"), To: qty("5"), Total: qty("10")},
		{Key: lineB, Ref: r, From: qty("2"), To: qty("4"), Total: qty("3")},
	})
	require.ErrorIs(t, err, generic.ErrInsufficientCapacity)
	assert.True(t, committed(t, ledger, lineA).Equal(qty("2")))
	assert.True(t, committed(t, ledger, lineB).Equal(qty("2")))
}

func TestAdjustAll_MixedChanges_Applied(t *testing.T) {
	ledger := generic.NewLedger(memory.NewLedger())
	ctx := context.Background()
	r := generic.RestockOrderHold("R1")

	require.NoError(t, ledger.ReserveAll(ctx, []generic.Claim{
		{Key: lineA, Ref: r, Quantity: qty("6"), Total: qty("10")},
	}))

	err := ledger.AdjustAll(ctx, []generic.Adjustment{
		{Key: lineA, Ref: r, From: qty("6"), To: qty("0")},
		{Key: lineB, Ref: r, From: qty("0"), To: qty("3"), Total: qty("5")},
	})
	require.NoError(t, err)
	assert.True(t, committed(t, ledger, lineA).IsZero())
	assert.True(t, committed(t, ledger, lineB).Equal(qty("3")))
}
