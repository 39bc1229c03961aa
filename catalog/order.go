/*
Package catalog implements direct purchase orders against catalog products.

A catalog order reserves product stock in the product-level pool of the
quantity ledger when it is placed, and gives it back when the seller
rejects it. Acceptance and delivery keep the stock committed.

SEE ALSO:
  - lifecycle.go: statuses and gate rows
  - restock: bulk orders share the same product pools
*/
package catalog

import (
	"context"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/shopspring/decimal"
)

type Order struct {
	ID             string
	CreatedBy      generic.ActorID
	ProductID      string
	Quantity       decimal.Decimal
	Status         generic.Status
	IdempotencyKey string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (o Order) EntityType() generic.EntityType { return generic.EntityCatalogOrder }
func (o Order) RecordID() string               { return o.ID }
func (o Order) CurrentStatus() generic.Status  { return o.Status }

func (o Order) Hold() generic.HoldRef { return generic.CatalogOrderHold(o.ID) }

func (o Order) LedgerKey() generic.LedgerKey { return generic.ProductKey(o.ProductID) }

// QuantityOn is how much this order should hold on key.
func (o Order) QuantityOn(key generic.LedgerKey) decimal.Decimal {
	if key != o.LedgerKey() {
		return decimal.Zero
	}
	return o.Quantity
}

// Repository persists catalog orders.
type Repository interface {
	// Create returns ErrDuplicateIdempotencyKey if the key is taken.
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, error)
	ListByCreator(ctx context.Context, createdBy generic.ActorID) ([]Order, error)
	// Update returns ErrConflict if the stored version is not expectedVersion.
	Update(ctx context.Context, expectedVersion int64, next Order) error
}
