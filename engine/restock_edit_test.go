package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kisaan/fulfillment-engine/engine"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/restock"
	"github.com/kisaan/fulfillment-engine/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// interleavedRestocks runs before once, ahead of the first Update that
// reaches the store. before writes through the embedded store directly, as
// another process would.
type interleavedRestocks struct {
	*memory.RestockOrders
	once   sync.Once
	before func()
}

func (r *interleavedRestocks) Update(ctx context.Context, expectedVersion int64, next restock.Order) error {
	if r.before != nil {
		r.once.Do(r.before)
	}
	return r.RestockOrders.Update(ctx, expectedVersion, next)
}

// withRestocks rebuilds the fixture's engine over repo.
func (f *fixture) withRestocks(repo restock.Repository) {
	f.Engine = engine.New(engine.Deps{
		Ledger:        f.ledger,
		Offers:        f.offers,
		CatalogOrders: f.orders,
		RestockOrders: repo,
		Listings:      f.catalog,
		Products:      f.catalog,
		Events:        f.events,
		Now:           f.clock.Now,
	})
}

func (f *fixture) restockHold(t *testing.T, o restock.Order, productID string) (string, bool) {
	t.Helper()
	held, ok, err := f.Ledger.HoldOf(context.Background(), generic.ProductKey(productID), o.Hold())
	require.NoError(t, err)
	return held.String(), ok
}

// =============================================================================
// EDIT ORDERING
// =============================================================================

func TestBulkOrder_EditLosingToApprovalKeepsHoldsOnRecord(t *testing.T) {
	// GIVEN: a pending order for 10 of p1
	// WHEN: an edit to {p1 2, p2 3} races an approval written by another
	//       process, which also places a catalog order for the other 10 of p1
	// THEN: the edit is refused, the approved record keeps p1 10, its hold
	//       is still 10, nothing stays held on p2, and the audit is clean

	ctx := context.Background()
	f := newFixture(t)
	repo := &interleavedRestocks{RestockOrders: f.restocks}
	f.withRestocks(repo)

	o, err := f.CreateBulkOrder(ctx, []restock.Line{{ProductID: "p1", Quantity: qty("10")}}, operator, "r-1")
	require.NoError(t, err)
	_, err = f.Transition(ctx, generic.EntityBulkRestock, o.ID, restock.StatusPending, operator)
	require.NoError(t, err)

	var competing error
	repo.before = func() {
		cur, err := f.restocks.Get(ctx, o.ID)
		require.NoError(t, err)
		next := cur
		next.Status = restock.StatusApproved
		next.Version = cur.Version + 1
		require.NoError(t, f.restocks.Update(ctx, cur.Version, next))
		_, competing = f.PlaceCatalogOrder(ctx, "p1", qty("10"), buyerB, "c-1")
	}

	_, err = f.EditBulkOrder(ctx, o.ID, []restock.Line{
		{ProductID: "p1", Quantity: qty("2")},
		{ProductID: "p2", Quantity: qty("3")},
	}, operator)
	assert.ErrorIs(t, err, generic.ErrPermissionDenied)
	require.NoError(t, competing)

	got, err := f.GetBulkOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, restock.StatusApproved, got.Status)
	assert.Equal(t, []restock.Line{{ProductID: "p1", Quantity: qty("10")}}, got.Lines)

	held, ok := f.restockHold(t, got, "p1")
	assert.True(t, ok)
	assert.Equal(t, "10", held)
	_, ok = f.restockHold(t, got, "p2")
	assert.False(t, ok)
	assert.True(t, f.productRemaining(t, "p1").IsZero())
	assert.True(t, f.productRemaining(t, "p2").Equal(qty("8")))

	f.clock.Advance(engine.DefaultOrphanGrace + time.Second)
	report, err := f.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Faults)
	assert.Empty(t, report.OrphansReleased)
}

func TestBulkOrder_EditWriteConflictGivesBackRaisedHolds(t *testing.T) {
	// GIVEN: a draft order for 4 of p1
	// WHEN: another process rewrites the record under an edit to {p1 6, p2 2}
	// THEN: the retried edit lands and holds match the final lines

	ctx := context.Background()
	f := newFixture(t)
	repo := &interleavedRestocks{RestockOrders: f.restocks}
	f.withRestocks(repo)

	o, err := f.CreateBulkOrder(ctx, []restock.Line{{ProductID: "p1", Quantity: qty("4")}}, operator, "r-1")
	require.NoError(t, err)
	repo.before = func() {
		cur, err := f.restocks.Get(ctx, o.ID)
		require.NoError(t, err)
		cur.Version++
		require.NoError(t, f.restocks.Update(ctx, cur.Version-1, cur))
	}

	edited, err := f.EditBulkOrder(ctx, o.ID, []restock.Line{
		{ProductID: "p1", Quantity: qty("6")},
		{ProductID: "p2", Quantity: qty("2")},
	}, operator)
	require.NoError(t, err)
	assert.Equal(t, int64(3), edited.Version)
	assert.True(t, f.productRemaining(t, "p1").Equal(qty("14")))
	assert.True(t, f.productRemaining(t, "p2").Equal(qty("6")))
}

func TestBulkOrder_ConcurrentEditAndApproveAgreeWithLedger(t *testing.T) {
	// GIVEN: a pending order for 5 of p1 and 1 of p2
	// WHEN: the creator edits it while an admin approves it
	// THEN: whichever wins, every hold equals the record's quantity

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		o, err := f.CreateBulkOrder(ctx, []restock.Line{
			{ProductID: "p1", Quantity: qty("5")},
			{ProductID: "p2", Quantity: qty("1")},
		}, operator, "r-1")
		require.NoError(t, err)
		_, err = f.Transition(ctx, generic.EntityBulkRestock, o.ID, restock.StatusPending, operator)
		require.NoError(t, err)

		var g errgroup.Group
		g.Go(func() error {
			_, err := f.EditBulkOrder(ctx, o.ID, []restock.Line{{ProductID: "p2", Quantity: qty("4")}}, operator)
			if err != nil && !assert.ErrorIs(t, err, generic.ErrPermissionDenied) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			_, err := f.Transition(ctx, generic.EntityBulkRestock, o.ID, restock.StatusApproved, admin)
			return err
		})
		require.NoError(t, g.Wait())

		got, err := f.GetBulkOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, restock.StatusApproved, got.Status)
		for _, p := range []string{"p1", "p2"} {
			key := generic.ProductKey(p)
			held, _, err := f.Ledger.HoldOf(ctx, key, got.Hold())
			require.NoError(t, err)
			assert.True(t, held.Equal(got.QuantityOn(key)), "%s: hold %s, record %s", p, held, got.QuantityOn(key))
		}
	}
}

func TestBulkOrder_EditPricesAtCurrentCatalogPrice(t *testing.T) {
	// GIVEN: an order for 2 of p1 created at price 10 / selling 12
	// WHEN: p1 is repriced to 11 / 13 and the order is edited to 3
	// THEN: the new totals use the new prices; the stored order kept the
	//       old totals until the edit

	ctx := context.Background()
	f := newFixture(t)

	o, err := f.CreateBulkOrder(ctx, []restock.Line{{ProductID: "p1", Quantity: qty("2")}}, operator, "r-1")
	require.NoError(t, err)
	assert.True(t, o.TotalBuyingValue.Equal(qty("20")))
	assert.True(t, o.TotalSellingValue.Equal(qty("24")))

	require.NoError(t, f.catalog.PutProduct(market.Product{ID: "p1", Name: "Urea 45kg", Unit: "bag", Price: qty("11"), SellingPrice: qty("13"), Stock: qty("20")}))
	stored, err := f.GetBulkOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalBuyingValue.Equal(qty("20")))

	edited, err := f.EditBulkOrder(ctx, o.ID, []restock.Line{{ProductID: "p1", Quantity: qty("3")}}, operator)
	require.NoError(t, err)
	assert.True(t, edited.TotalBuyingValue.Equal(qty("33")), "buying %s", edited.TotalBuyingValue)
	assert.True(t, edited.TotalSellingValue.Equal(qty("39")), "selling %s", edited.TotalSellingValue)
	assert.True(t, f.productRemaining(t, "p1").Equal(qty("17")))
}

// =============================================================================
// AUDIT OF HOLD DRIFT
// =============================================================================

func TestAuditor_TrimsHoldAboveRecordQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	o, err := f.CreateBulkOrder(ctx, []restock.Line{{ProductID: "p1", Quantity: qty("4")}}, operator, "r-1")
	require.NoError(t, err)
	_, err = f.Ledger.Set(ctx, generic.ProductKey("p1"), o.Hold(), qty("6"))
	require.NoError(t, err)

	report, err := f.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.OrphansReleased, "hold is younger than the grace period")

	f.clock.Advance(engine.DefaultOrphanGrace + time.Second)
	report, err = f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.OrphansReleased, 1)
	trimmed := report.OrphansReleased[0]
	assert.Equal(t, o.Hold(), trimmed.Ref)
	assert.True(t, trimmed.Quantity.Equal(qty("2")))
	assert.Equal(t, "hold 6 exceeds record quantity 4", trimmed.Reason)
	assert.Empty(t, report.Faults)

	held, ok := f.restockHold(t, o, "p1")
	assert.True(t, ok)
	assert.Equal(t, "4", held)
	assert.True(t, f.productRemaining(t, "p1").Equal(qty("16")))
}

func TestAuditor_ReleasesHoldOnPoolRecordNoLongerUses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	o, err := f.CreateBulkOrder(ctx, []restock.Line{{ProductID: "p1", Quantity: qty("4")}}, operator, "r-1")
	require.NoError(t, err)
	require.NoError(t, f.Ledger.ReserveAll(ctx, []generic.Claim{{Key: generic.ProductKey("p2"), Ref: o.Hold(), Quantity: qty("3"), Total: qty("8")}}))

	f.clock.Advance(engine.DefaultOrphanGrace + time.Second)
	report, err := f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.OrphansReleased, 1)
	assert.Equal(t, generic.ProductKey("p2").String(), report.OrphansReleased[0].Key)
	assert.Equal(t, "hold 3 exceeds record quantity 0", report.OrphansReleased[0].Reason)
	_, ok := f.restockHold(t, o, "p2")
	assert.False(t, ok)
	assert.True(t, f.productRemaining(t, "p2").Equal(qty("8")))
}

func TestAuditor_FaultsHoldBelowRecordQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	o, err := f.CreateBulkOrder(ctx, []restock.Line{{ProductID: "p1", Quantity: qty("4")}}, operator, "r-1")
	require.NoError(t, err)
	_, err = f.Ledger.Set(ctx, generic.ProductKey("p1"), o.Hold(), qty("1"))
	require.NoError(t, err)

	f.clock.Advance(engine.DefaultOrphanGrace + time.Second)
	report, err := f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Faults, 1)
	assert.True(t, report.Faults[0].New)
	assert.Equal(t, fmt.Sprintf("hold 1 of %s is below record quantity 4", o.Hold()), report.Faults[0].Detail)
	assert.Empty(t, report.OrphansReleased)

	_, err = f.PlaceCatalogOrder(ctx, "p1", qty("1"), buyerA, "c-1")
	assert.ErrorIs(t, err, generic.ErrConsistencyFault)

	report, err = f.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, report.Faults, 1)
	assert.False(t, report.Faults[0].New, "already flagged")
}
