/*
Package restock implements bulk restock orders: multi-line purchase orders
an operator uses to replenish their own stock.

LIFECYCLE:
  draft -> pending -> approved -> received -> delivered
  Edit and delete are gated actions, allowed only in draft and pending.

QUANTITIES:
  Each line holds its quantity in the product's ledger pool under the
  order's hold reference. Edit moves every hold to the new quantity
  (increases first, all or nothing); delete removes the record and then
  releases every hold.

TOTALS:
  totalBuyingValue and totalSellingValue are recomputed from the current
  catalog prices every time lines change. Prices are never cached from
  creation time.

SEE ALSO:
  - lifecycle.go: statuses, gate rows and gated actions
  - generic/plan.go: ReserveAll / AdjustAll / ReleaseAllOf
*/
package restock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/shopspring/decimal"
)

type Line struct {
	ProductID string
	Quantity  decimal.Decimal
}

type Order struct {
	ID                string
	CreatedBy         generic.ActorID
	Lines             []Line
	Status            generic.Status
	TotalBuyingValue  decimal.Decimal
	TotalSellingValue decimal.Decimal
	IdempotencyKey    string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (o Order) EntityType() generic.EntityType { return generic.EntityBulkRestock }
func (o Order) RecordID() string               { return o.ID }
func (o Order) CurrentStatus() generic.Status  { return o.Status }

func (o Order) Hold() generic.HoldRef { return generic.RestockOrderHold(o.ID) }

func (o Order) LedgerKeys() []generic.LedgerKey {
	keys := make([]generic.LedgerKey, len(o.Lines))
	for i, l := range o.Lines {
		keys[i] = generic.ProductKey(l.ProductID)
	}
	return keys
}

// QuantityOn is how much this order should hold on key.
func (o Order) QuantityOn(key generic.LedgerKey) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		if generic.ProductKey(l.ProductID) == key {
			sum = sum.Add(l.Quantity)
		}
	}
	return sum
}

// quantities maps product id to line quantity.
func (o Order) quantities() map[string]decimal.Decimal {
	m := make(map[string]decimal.Decimal, len(o.Lines))
	for _, l := range o.Lines {
		m[l.ProductID] = l.Quantity
	}
	return m
}

// MergeLines validates lines, sums duplicates and drops zero quantities.
// The result is sorted by product id.
func MergeLines(lines []Line) ([]Line, error) {
	sums := make(map[string]decimal.Decimal)
	for _, l := range lines {
		if l.ProductID == "" {
			return nil, &generic.ValidationError{Field: "lines", Reason: "product id is required"}
		}
		if l.Quantity.IsNegative() {
			return nil, &generic.ValidationError{Field: "lines", Reason: fmt.Sprintf("%s: quantity must not be negative", l.ProductID)}
		}
		sums[l.ProductID] = sums[l.ProductID].Add(l.Quantity)
	}
	out := make([]Line, 0, len(sums))
	for id, q := range sums {
		if q.IsPositive() {
			out = append(out, Line{ProductID: id, Quantity: q})
		}
	}
	if len(out) == 0 {
		return nil, &generic.ValidationError{Field: "lines", Reason: "at least one line must have a positive quantity"}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Repository persists bulk restock orders.
type Repository interface {
	// Create returns ErrDuplicateIdempotencyKey if the key is taken.
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	ListByCreator(ctx context.Context, createdBy generic.ActorID) ([]Order, error)
	// Update and Delete return ErrConflict if the stored version is not
	// expectedVersion.
	Update(ctx context.Context, expectedVersion int64, next Order) error
	Delete(ctx context.Context, id string, expectedVersion int64) error
}
