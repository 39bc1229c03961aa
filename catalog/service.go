package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/shopspring/decimal"
)

const releaseTimeout = 10 * time.Second

// Service places catalog orders and moves them through their lifecycle.
type Service struct {
	Products market.ProductSource
	Ledger   *generic.QuantityLedger
	Repo     Repository
	Gate     *generic.Gate
	Events   generic.Publisher
	Retry    generic.RetryPolicy
	Now      func() time.Time
	NewID    func() string

	places *generic.KeyedMutex
}

func NewService(products market.ProductSource, ledger *generic.QuantityLedger, repo Repository, gate *generic.Gate, events generic.Publisher) *Service {
	if events == nil {
		events = generic.DiscardPublisher{}
	}
	return &Service{
		Products: products,
		Ledger:   ledger,
		Repo:     repo,
		Gate:     gate,
		Events:   events,
		Retry:    generic.DefaultRetryPolicy(),
		Now:      time.Now,
		NewID:    generic.NewID,
		places:   generic.NewKeyedMutex(),
	}
}

// Place reserves quantity of the product's stock and creates the order in
// its entry status.
func (s *Service) Place(ctx context.Context, productID string, quantity decimal.Decimal, actor generic.Actor, idempotencyKey string) (Order, error) {
	if err := actor.Validate(); err != nil {
		return Order{}, err
	}
	if idempotencyKey == "" {
		return Order{}, &generic.ValidationError{Field: "idempotency_key", Reason: "idempotency key is required"}
	}
	if productID == "" {
		return Order{}, &generic.ValidationError{Field: "product_id", Reason: "product id is required"}
	}
	if !quantity.IsPositive() {
		return Order{}, &generic.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	unlock, err := s.places.Lock(ctx, idempotencyKey)
	if err != nil {
		return Order{}, fmt.Errorf("placing order: %w", err)
	}
	defer unlock()

	if prior, ok, err := s.replay(ctx, productID, actor, idempotencyKey); err != nil || ok {
		return prior, err
	}

	product, err := s.Products.GetProduct(ctx, productID)
	if err != nil {
		return Order{}, fmt.Errorf("reading product %s: %w", productID, err)
	}
	entry, _ := s.Gate.Entry(generic.EntityCatalogOrder)
	now := s.Now().UTC()
	order := Order{
		ID:             s.NewID(),
		CreatedBy:      actor.ID,
		ProductID:      product.ID,
		Quantity:       quantity,
		Status:         entry,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	claim := generic.Claim{Key: product.LedgerKey(), Ref: order.Hold(), Quantity: quantity, Total: product.Stock}
	if err := s.Ledger.ReserveAll(ctx, []generic.Claim{claim}); err != nil {
		return Order{}, err
	}
	if err := s.Repo.Create(ctx, order); err != nil {
		s.release(ctx, order)
		if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			if prior, ok, rerr := s.replay(ctx, productID, actor, idempotencyKey); rerr == nil && ok {
				return prior, nil
			}
		}
		return Order{}, fmt.Errorf("storing catalog order: %w", err)
	}

	log.Printf("[Catalog] Order %s placed by %s: %s x %s", order.ID, actor, order.Quantity, order.ProductID)
	s.Events.Publish(generic.NewEvent("catalog_order.placed", order, "", actor, now))
	return order, nil
}

func (s *Service) replay(ctx context.Context, productID string, actor generic.Actor, key string) (Order, bool, error) {
	prior, err := s.Repo.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, generic.ErrNotFound) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	if prior.ProductID != productID || prior.CreatedBy != actor.ID {
		return Order{}, false, &generic.ValidationError{Field: "idempotency_key", Reason: "key was already used for a different order"}
	}
	log.Printf("[Catalog] Replayed order %s -> %s", key, prior.ID)
	return prior, true, nil
}

// Transition moves an order to `to`. Status first, then release.
func (s *Service) Transition(ctx context.Context, id string, to generic.Status, actor generic.Actor) (Order, error) {
	if err := actor.Validate(); err != nil {
		return Order{}, err
	}
	var out Order
	var from generic.Status
	err := s.Retry.Do(ctx, func(int) error {
		cur, err := s.Repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Gate.CheckTransition(generic.EntityCatalogOrder, cur.Status, to, actor.Role); err != nil {
			return err
		}
		next := cur
		next.Status = to
		next.Version = cur.Version + 1
		next.UpdatedAt = s.Now().UTC()
		if err := s.Repo.Update(ctx, cur.Version, next); err != nil {
			return err
		}
		out, from = next, cur.Status
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if ReleasesCapacity(to) {
		s.release(ctx, out)
	}
	log.Printf("[Catalog] Order %s: %s -> %s by %s", out.ID, from, to, actor)
	s.Events.Publish(generic.NewEvent(generic.StatusEvent("catalog_order", to), out, from, actor, out.UpdatedAt))
	return out, nil
}

func (s *Service) release(ctx context.Context, o Order) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.Ledger.ReleaseAll(rctx, o.LedgerKey(), o.Hold()); err != nil {
		log.Printf("[Catalog] Release of order %s incomplete, left for the auditor: %v", o.ID, err)
	}
}

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) ListByCreator(ctx context.Context, createdBy generic.ActorID) ([]Order, error) {
	return s.Repo.ListByCreator(ctx, createdBy)
}
