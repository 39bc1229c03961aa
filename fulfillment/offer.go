/*
Package fulfillment implements offers against listings: the Offer Builder
and the Fulfillment Lifecycle.

FLOW:
  1. Build:  validate candidate lines against a listing snapshot, with an
             advisory check against the ledger's remaining quantity
  2. Submit: reserve every line in the ledger (all or nothing, key order),
             then create the offer in its entry status
  3. Transition: gate check + ownership check, status compare-and-swap,
             then release the reservations if the new status gives them back

IDEMPOTENCY:
  Submit takes an idempotency key. A replay returns the offer created by the
  first call without reserving again.

SEE ALSO:
  - lifecycle.go: statuses and gate rows
  - generic/plan.go: ReserveAll
*/
package fulfillment

import (
	"context"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/shopspring/decimal"
)

// Line is one (line item, quantity) pair of an offer.
type Line struct {
	LineItemKey market.LineItemKey
	Quantity    decimal.Decimal
}

// Draft is a validated, not yet submitted offer.
type Draft struct {
	ListingID   string
	RequestedBy generic.ActorID
	Lines       []Line
}

// Offer is a submitted fulfillment offer.
type Offer struct {
	ID             string
	ListingID      string
	RequestedBy    generic.ActorID
	Lines          []Line
	Status         generic.Status
	IdempotencyKey string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (o Offer) EntityType() generic.EntityType { return generic.EntityFulfillmentOffer }
func (o Offer) RecordID() string               { return o.ID }
func (o Offer) CurrentStatus() generic.Status  { return o.Status }

// Hold is the ledger hold reference owned by this offer.
func (o Offer) Hold() generic.HoldRef { return generic.OfferHold(o.ID) }

// LedgerKeys lists the pools this offer reserves against.
func (o Offer) LedgerKeys() []generic.LedgerKey {
	keys := make([]generic.LedgerKey, len(o.Lines))
	for i, l := range o.Lines {
		keys[i] = generic.ListingLineKey(o.ListingID, l.LineItemKey.String())
	}
	return keys
}

// QuantityOn is how much this offer should hold on key.
func (o Offer) QuantityOn(key generic.LedgerKey) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		if generic.ListingLineKey(o.ListingID, l.LineItemKey.String()) == key {
			sum = sum.Add(l.Quantity)
		}
	}
	return sum
}

// Repository persists offers.
type Repository interface {
	// Create stores a new offer. Returns ErrDuplicateIdempotencyKey if an
	// offer with the same idempotency key exists.
	Create(ctx context.Context, o Offer) error
	Get(ctx context.Context, id string) (Offer, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Offer, error)
	ListByListing(ctx context.Context, listingID string) ([]Offer, error)
	// Update replaces the offer if its stored version equals
	// expectedVersion. Returns ErrConflict otherwise.
	Update(ctx context.Context, expectedVersion int64, next Offer) error
}
