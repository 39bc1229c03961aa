package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kisaan/fulfillment-engine/engine"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	farmer    = generic.Actor{ID: "farmer-1", Role: generic.RoleListingOwner}
	buyerA    = generic.Actor{ID: "buyer-a", Role: generic.RoleRequester}
	buyerB    = generic.Actor{ID: "buyer-b", Role: generic.RoleRequester}
	operator  = generic.Actor{ID: "op-1", Role: generic.RoleOperator}
	operator2 = generic.Actor{ID: "op-2", Role: generic.RoleOperator}
	admin     = generic.Actor{ID: "admin-1", Role: generic.RoleAdmin}

	wheat = market.LineItemKey{Name: "wheat", Type: "organic"}
	rice  = market.LineItemKey{Name: "rice", Type: "basmati"}
)

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// clock is a settable time source shared by every component.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	*engine.Engine
	ledger   *memory.Ledger
	offers   *memory.Offers
	orders   *memory.CatalogOrders
	restocks *memory.RestockOrders
	catalog  *market.Catalog
	events   *eventLog
	clock    *clock
}

// eventLog collects published events in order.
type eventLog struct {
	mu     sync.Mutex
	events []generic.Event
}

func (l *eventLog) Publish(e generic.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) Names() []generic.EventName {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]generic.EventName, len(l.events))
	for i, e := range l.events {
		out[i] = e.Name
	}
	return out
}

// newFixture seeds listing L1 (wheat 10, rice 5, owned by farmer-1) and
// products p1 (stock 20) and p2 (stock 8).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := market.NewCatalog()
	require.NoError(t, cat.PutListing(market.Listing{
		ID:      "L1",
		OwnerID: farmer.ID,
		Title:   "Rabi harvest",
		Kind:    market.ListingSupply,
		Status:  market.ListingActive,
		LineItems: []market.LineItem{
			{Key: wheat, Unit: "quintal", QuantityTotal: qty("10"), UnitPrice: qty("2400")},
			{Key: rice, Unit: "quintal", QuantityTotal: qty("5"), UnitPrice: qty("3100")},
		},
	}))
	require.NoError(t, cat.PutProduct(market.Product{ID: "p1", Name: "Urea 45kg", Unit: "bag", Price: qty("10"), SellingPrice: qty("12"), Stock: qty("20")}))
	require.NoError(t, cat.PutProduct(market.Product{ID: "p2", Name: "DAP 50kg", Unit: "bag", Price: qty("25.5"), SellingPrice: qty("27"), Stock: qty("8")}))

	f := &fixture{
		ledger:   memory.NewLedger(),
		offers:   memory.NewOffers(),
		orders:   memory.NewCatalogOrders(),
		restocks: memory.NewRestockOrders(),
		catalog:  cat,
		events:   &eventLog{},
		clock:    &clock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.Engine = engine.New(engine.Deps{
		Ledger:        f.ledger,
		Offers:        f.offers,
		CatalogOrders: f.orders,
		RestockOrders: f.restocks,
		Listings:      cat,
		Products:      cat,
		Events:        f.events,
		Now:           f.clock.Now,
	})
	return f
}

// submit builds and submits an offer on L1.
func (f *fixture) submit(t *testing.T, actor generic.Actor, key string, lines ...fulfillment.Line) (fulfillment.Offer, error) {
	t.Helper()
	draft, err := f.BuildOffer(context.Background(), "L1", lines, actor)
	if err != nil {
		return fulfillment.Offer{}, err
	}
	return f.SubmitOffer(context.Background(), draft, key)
}

func line(key market.LineItemKey, q string) fulfillment.Line {
	return fulfillment.Line{LineItemKey: key, Quantity: qty(q)}
}

func (f *fixture) remaining(t *testing.T, key market.LineItemKey) decimal.Decimal {
	t.Helper()
	r, err := f.Remaining(context.Background(), "L1", key)
	require.NoError(t, err)
	return r
}

func (f *fixture) productRemaining(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	r, err := f.ProductRemaining(context.Background(), id)
	require.NoError(t, err)
	return r
}
