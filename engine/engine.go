/*
Package engine is the single entry point the transport layer talks to.

PURPOSE:
  Wires the quantity ledger, the transition gate and the three lifecycles
  (fulfillment offers, catalog orders, bulk restock orders) over whatever
  stores and catalog sources the caller provides, and exposes one method
  per operation.

OPERATIONS:
  BuildOffer / SubmitOffer          offers against listings
  PlaceCatalogOrder                 orders against catalog products
  CreateBulkOrder / EditBulkOrder /
  DeleteBulkOrder                   bulk restock orders
  Transition(entity, id, to, actor) every status change, dispatched by entity
  Remaining / AllowedTransitions    advisory reads
  ClearFault / Audit                ledger administration

ACTOR:
  Every mutating call takes the resolved actor explicitly. The engine never
  reads identity from anywhere else.

SEE ALSO:
  - auditor.go: ledger reconciliation
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kisaan/fulfillment-engine/catalog"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/restock"
	"github.com/shopspring/decimal"
)

// NewGate composes the transition table of every lifecycle.
func NewGate() *generic.Gate {
	return generic.NewGate(fulfillment.Lifecycle, catalog.Lifecycle, restock.Lifecycle)
}

// Deps are the collaborators the engine runs on.
type Deps struct {
	Ledger        generic.LedgerStore
	Offers        fulfillment.Repository
	CatalogOrders catalog.Repository
	RestockOrders restock.Repository
	Listings      market.ListingSource
	Products      market.ProductSource
	Events        generic.Publisher

	// Zero values mean defaults.
	Retry       generic.RetryPolicy
	OrphanGrace time.Duration
	Now         func() time.Time
}

type Engine struct {
	Gate        *generic.Gate
	Ledger      *generic.QuantityLedger
	Listings    market.ListingSource
	Products    market.ProductSource
	Fulfillment *fulfillment.Service
	Catalog     *catalog.Service
	Restock     *restock.Service
	Auditor     *Auditor
}

func New(d Deps) *Engine {
	gate := NewGate()
	ledger := generic.NewLedger(d.Ledger)
	if d.Retry.MaxAttempts > 0 {
		ledger.Retry = d.Retry
	}
	if d.Now != nil {
		ledger.Now = d.Now
	}

	offers := fulfillment.NewService(fulfillment.NewBuilder(d.Listings, ledger), d.Offers, gate, d.Events)
	orders := catalog.NewService(d.Products, ledger, d.CatalogOrders, gate, d.Events)
	restocks := restock.NewService(d.Products, ledger, d.RestockOrders, gate, d.Events)
	offers.Retry, orders.Retry, restocks.Retry = ledger.Retry, ledger.Retry, ledger.Retry
	if d.Now != nil {
		offers.Now, orders.Now, restocks.Now = d.Now, d.Now, d.Now
	}

	e := &Engine{
		Gate:        gate,
		Ledger:      ledger,
		Listings:    d.Listings,
		Products:    d.Products,
		Fulfillment: offers,
		Catalog:     orders,
		Restock:     restocks,
	}
	e.Auditor = NewAuditor(ledger, d.Offers, d.CatalogOrders, d.RestockOrders)
	if d.OrphanGrace > 0 {
		e.Auditor.OrphanGrace = d.OrphanGrace
	}
	if d.Now != nil {
		e.Auditor.Now = d.Now
	}
	return e
}

// =============================================================================
// OFFERS
// =============================================================================

func (e *Engine) BuildOffer(ctx context.Context, listingID string, lines []fulfillment.Line, actor generic.Actor) (fulfillment.Draft, error) {
	return e.Fulfillment.Builder.Build(ctx, listingID, lines, actor)
}

func (e *Engine) SubmitOffer(ctx context.Context, draft fulfillment.Draft, idempotencyKey string) (fulfillment.Offer, error) {
	return e.Fulfillment.Submit(ctx, draft, idempotencyKey)
}

func (e *Engine) GetOffer(ctx context.Context, id string) (fulfillment.Offer, error) {
	return e.Fulfillment.Get(ctx, id)
}

func (e *Engine) ListOffers(ctx context.Context, listingID string) ([]fulfillment.Offer, error) {
	return e.Fulfillment.ListByListing(ctx, listingID)
}

// =============================================================================
// CATALOG ORDERS
// =============================================================================

func (e *Engine) PlaceCatalogOrder(ctx context.Context, productID string, quantity decimal.Decimal, actor generic.Actor, idempotencyKey string) (catalog.Order, error) {
	return e.Catalog.Place(ctx, productID, quantity, actor, idempotencyKey)
}

func (e *Engine) GetCatalogOrder(ctx context.Context, id string) (catalog.Order, error) {
	return e.Catalog.Get(ctx, id)
}

// =============================================================================
// BULK RESTOCK ORDERS
// =============================================================================

func (e *Engine) CreateBulkOrder(ctx context.Context, lines []restock.Line, actor generic.Actor, idempotencyKey string) (restock.Order, error) {
	return e.Restock.Create(ctx, lines, actor, idempotencyKey)
}

func (e *Engine) EditBulkOrder(ctx context.Context, id string, lines []restock.Line, actor generic.Actor) (restock.Order, error) {
	return e.Restock.Edit(ctx, id, lines, actor)
}

func (e *Engine) DeleteBulkOrder(ctx context.Context, id string, actor generic.Actor) error {
	return e.Restock.Delete(ctx, id, actor)
}

func (e *Engine) GetBulkOrder(ctx context.Context, id string) (restock.Order, error) {
	return e.Restock.Get(ctx, id)
}

func (e *Engine) ListBulkOrders(ctx context.Context, createdBy generic.ActorID) ([]restock.Order, error) {
	return e.Restock.ListByCreator(ctx, createdBy)
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition changes the status of any lifecycle record. Every path goes
// through the gate inside the owning service.
func (e *Engine) Transition(ctx context.Context, entity generic.EntityType, id string, to generic.Status, actor generic.Actor) (generic.Record, error) {
	if id == "" {
		return nil, &generic.ValidationError{Field: "id", Reason: "record id is required"}
	}
	switch entity {
	case generic.EntityFulfillmentOffer:
		o, err := e.Fulfillment.Transition(ctx, id, to, actor)
		return record(o, err)
	case generic.EntityCatalogOrder:
		o, err := e.Catalog.Transition(ctx, id, to, actor)
		return record(o, err)
	case generic.EntityBulkRestock:
		o, err := e.Restock.Transition(ctx, id, to, actor)
		return record(o, err)
	}
	return nil, &generic.ValidationError{Field: "entity_type", Reason: fmt.Sprintf("unknown entity type %q", entity)}
}

// record keeps a failed transition from returning a non-nil zero record.
func record[T generic.Record](r T, err error) (generic.Record, error) {
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AllowedTransitions lists the statuses role may move entity to from status.
func (e *Engine) AllowedTransitions(entity generic.EntityType, status generic.Status, role generic.Role) ([]generic.Status, error) {
	if !e.Gate.Knows(entity, status) {
		return nil, &generic.ValidationError{Field: "status", Reason: fmt.Sprintf("%s has no status %q", entity, status)}
	}
	if role == "" {
		return e.Gate.Next(entity, status), nil
	}
	if !role.Valid() {
		return nil, &generic.ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	return e.Gate.Allowed(entity, status, role), nil
}

// =============================================================================
// LEDGER
// =============================================================================

// Remaining is the advisory remaining quantity of a listing line.
func (e *Engine) Remaining(ctx context.Context, listingID string, key market.LineItemKey) (decimal.Decimal, error) {
	listing, err := e.Listings.GetListing(ctx, listingID)
	if err != nil {
		return decimal.Zero, err
	}
	li, ok := listing.Line(key)
	if !ok {
		return decimal.Zero, &generic.NotFoundError{Kind: "line item", ID: key.String()}
	}
	r, err := e.Ledger.Remaining(ctx, listing.LedgerKey(key))
	if errors.Is(err, generic.ErrNotFound) {
		return li.QuantityTotal, nil
	}
	return r, err
}

// ProductRemaining is the advisory remaining stock of a catalog product.
func (e *Engine) ProductRemaining(ctx context.Context, productID string) (decimal.Decimal, error) {
	p, err := e.Products.GetProduct(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := e.Ledger.Remaining(ctx, p.LedgerKey())
	if errors.Is(err, generic.ErrNotFound) {
		return p.Stock, nil
	}
	return r, err
}

func (e *Engine) LedgerEntries(ctx context.Context) ([]generic.LedgerEntry, error) {
	return e.Ledger.Store.List(ctx)
}

func (e *Engine) ClearFault(ctx context.Context, key generic.LedgerKey) (generic.LedgerEntry, error) {
	return e.Ledger.ClearFault(ctx, key)
}

func (e *Engine) Audit(ctx context.Context) (AuditReport, error) {
	return e.Auditor.Run(ctx)
}
