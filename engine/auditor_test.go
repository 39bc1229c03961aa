package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kisaan/fulfillment-engine/engine"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wheatPool = generic.ListingLineKey("L1", "wheat/organic")

func seedOffer(id string, status generic.Status) fulfillment.Offer {
	return fulfillment.Offer{
		ID:          id,
		ListingID:   "L1",
		RequestedBy: buyerA.ID,
		Lines:       []fulfillment.Line{line(wheat, "1")},
		Status:      status,
		Version:     1,
	}
}

func TestAuditor_ReleasesHoldWithoutRecordAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ghost := generic.OfferHold("ghost")
	require.NoError(t, f.Ledger.ReserveAll(ctx, []generic.Claim{{Key: wheatPool, Ref: ghost, Quantity: qty("4"), Total: qty("10")}}))
	live, err := f.submit(t, buyerA, "a-1", line(wheat, "3"))
	require.NoError(t, err)

	report, err := f.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.OrphansReleased, "hold is younger than the grace period")
	assert.True(t, f.remaining(t, wheat).Equal(qty("3")))

	f.clock.Advance(engine.DefaultOrphanGrace + time.Second)
	report, err = f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.OrphansReleased, 1)
	orphan := report.OrphansReleased[0]
	assert.Equal(t, ghost, orphan.Ref)
	assert.Equal(t, wheatPool.String(), orphan.Key)
	assert.True(t, orphan.Quantity.Equal(qty("4")))
	assert.Equal(t, "record does not exist", orphan.Reason)
	assert.Equal(t, 1, report.EntriesScanned)
	assert.Empty(t, report.Faults)

	held, ok, err := f.Ledger.HoldOf(ctx, wheatPool, live.Hold())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, held.Equal(qty("3")))
	assert.True(t, f.remaining(t, wheat).Equal(qty("7")))
}

func TestAuditor_ReleasesHoldOfRejectedOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	o, err := f.submit(t, buyerA, "a-1", line(wheat, "3"))
	require.NoError(t, err)
	_, err = f.Transition(ctx, generic.EntityFulfillmentOffer, o.ID, fulfillment.StatusRejected, farmer)
	require.NoError(t, err)

	// An interrupted release leaves the hold behind.
	_, err = f.Ledger.ReserveLatest(ctx, wheatPool, o.Hold(), qty("3"))
	require.NoError(t, err)

	report, err := f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.OrphansReleased, 1)
	assert.Equal(t, "record is rejected", report.OrphansReleased[0].Reason)
	assert.True(t, f.remaining(t, wheat).Equal(qty("10")))
}

func TestAuditor_FaultsBrokenEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	draft, err := f.BuildOffer(ctx, "L1", []fulfillment.Line{line(wheat, "1")}, buyerA)
	require.NoError(t, err)

	broken := generic.NewLedgerEntry(wheatPool, qty("10"), f.clock.Now())
	broken.Holds[generic.OfferHold("x")] = generic.Hold{Quantity: qty("4"), At: f.clock.Now()}
	broken.Committed = qty("12")
	broken.Version = 3
	f.ledger.Put(broken)

	report, err := f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Faults, 1)
	assert.True(t, report.Faults[0].New)
	assert.Equal(t, "committed 12 exceeds total 10", report.Faults[0].Detail)

	_, err = f.SubmitOffer(ctx, draft, "a-1")
	assert.True(t, errors.Is(err, generic.ErrConsistencyFault), "got %v", err)
	_, err = f.Remaining(ctx, "L1", wheat)
	assert.True(t, errors.Is(err, generic.ErrConsistencyFault), "got %v", err)

	report, err = f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Faults, 1)
	assert.False(t, report.Faults[0].New, "already flagged")

	entry, err := f.ClearFault(ctx, wheatPool)
	require.NoError(t, err)
	assert.False(t, entry.Faulted)
	assert.True(t, entry.Committed.Equal(qty("4")))

	_, err = f.SubmitOffer(ctx, draft, "a-1")
	require.NoError(t, err)
	assert.True(t, f.remaining(t, wheat).Equal(decimal.NewFromInt(5)))
}
