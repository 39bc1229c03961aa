package restock

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

// Service creates, edits, deletes and transitions bulk restock orders.
type Service struct {
	Products market.ProductSource
	Ledger   *generic.QuantityLedger
	Repo     Repository
	Gate     *generic.Gate
	Events   generic.Publisher
	Retry    generic.RetryPolicy
	Now      func() time.Time
	NewID    func() string

	creates *generic.KeyedMutex
	orders  *generic.KeyedMutex
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
		creates:  generic.NewKeyedMutex(),
		orders:   generic.NewKeyedMutex(),
	}
}

// =============================================================================
// CREATE
// =============================================================================

// Create reserves every line in the product pools and stores the order in
// its entry status.
func (s *Service) Create(ctx context.Context, lines []Line, actor generic.Actor, idempotencyKey string) (Order, error) {
	if err := actor.Validate(); err != nil {
		return Order{}, err
	}
	entry, _ := s.Gate.Entry(generic.EntityBulkRestock)
	if actor.Role != generic.RoleOperator && actor.Role != generic.RoleAdmin {
		return Order{}, generic.PermissionDenied(generic.EntityBulkRestock, "", entry, actor.Role, "only operators create restock orders")
	}
	if idempotencyKey == "" {
		return Order{}, &generic.ValidationError{Field: "idempotency_key", Reason: "idempotency key is required"}
	}
	merged, err := MergeLines(lines)
	if err != nil {
		return Order{}, err
	}

	unlock, err := s.creates.Lock(ctx, idempotencyKey)
	if err != nil {
		return Order{}, fmt.Errorf("creating restock order: %w", err)
	}
	defer unlock()

	if prior, ok, err := s.replay(ctx, actor, idempotencyKey); err != nil || ok {
		return prior, err
	}

	products, err := s.products(ctx, merged)
	if err != nil {
		return Order{}, err
	}
	now := s.Now().UTC()
	order := Order{
		ID:             s.NewID(),
		CreatedBy:      actor.ID,
		Lines:          merged,
		Status:         entry,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	order.TotalBuyingValue, order.TotalSellingValue = totals(merged, products)

	claims := make([]generic.Claim, len(merged))
	for i, l := range merged {
		p := products[l.ProductID]
		claims[i] = generic.Claim{Key: p.LedgerKey(), Ref: order.Hold(), Quantity: l.Quantity, Total: p.Stock}
	}
	if err := s.Ledger.ReserveAll(ctx, claims); err != nil {
		return Order{}, err
	}
	if err := s.Repo.Create(ctx, order); err != nil {
		s.release(ctx, order)
		if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			if prior, ok, rerr := s.replay(ctx, actor, idempotencyKey); rerr == nil && ok {
				return prior, nil
			}
		}
		return Order{}, fmt.Errorf("storing restock order: %w", err)
	}

	log.Printf("[Restock] Order %s created by %s (%d lines, buying %s, selling %s)",
		order.ID, actor, len(order.Lines), order.TotalBuyingValue, order.TotalSellingValue)
	s.Events.Publish(generic.NewEvent("restock.created", order, "", actor, now))
	return order, nil
}

func (s *Service) replay(ctx context.Context, actor generic.Actor, key string) (Order, bool, error) {
	prior, err := s.Repo.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, generic.ErrNotFound) {
		return Order{}, false, nil
	}
	if err != nil {
		return Order{}, false, err
	}
	if prior.CreatedBy != actor.ID {
		return Order{}, false, &generic.ValidationError{Field: "idempotency_key", Reason: "key was already used for a different order"}
	}
	log.Printf("[Restock] Replayed create %s -> %s", key, prior.ID)
	return prior, true, nil
}

// =============================================================================
// EDIT / DELETE
// =============================================================================

// Edit replaces the order's lines. Holds move to the new quantities all or
// nothing, and totals are recomputed from current catalog prices.
func (s *Service) Edit(ctx context.Context, id string, lines []Line, actor generic.Actor) (Order, error) {
	if err := actor.Validate(); err != nil {
		return Order{}, err
	}
	merged, err := MergeLines(lines)
	if err != nil {
		return Order{}, err
	}
	unlock, err := s.orders.Lock(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("editing restock order %s: %w", id, err)
	}
	defer unlock()

	var out Order
	var lowered []generic.Adjustment
	err = s.Retry.Do(ctx, func(int) error {
		cur, err := s.Repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkAction(cur, generic.ActionEdit, actor); err != nil {
			return err
		}
		products, err := s.products(ctx, merged)
		if err != nil {
			return err
		}

		next := cur
		next.Lines = merged
		next.TotalBuyingValue, next.TotalSellingValue = totals(merged, products)
		next.Version = cur.Version + 1
		next.UpdatedAt = s.Now().UTC()

		// Raise holds, write the record, then lower holds. A failed write
		// only has to give back what it raised.
		raises, lowers := splitAdjustments(adjustments(cur, next, products))
		if err := s.Ledger.AdjustAll(ctx, raises); err != nil {
			return err
		}
		if err := s.Repo.Update(ctx, cur.Version, next); err != nil {
			s.revert(ctx, raises)
			return err
		}
		out, lowered = next, lowers
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.lower(ctx, out, lowered)

	log.Printf("[Restock] Order %s edited by %s (%d lines, buying %s, selling %s)",
		out.ID, actor, len(out.Lines), out.TotalBuyingValue, out.TotalSellingValue)
	s.Events.Publish(generic.NewEvent("restock.edited", out, out.Status, actor, out.UpdatedAt))
	return out, nil
}

// Delete removes the order and releases every hold it owned.
func (s *Service) Delete(ctx context.Context, id string, actor generic.Actor) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	unlock, err := s.orders.Lock(ctx, id)
	if err != nil {
		return fmt.Errorf("deleting restock order %s: %w", id, err)
	}
	defer unlock()

	var gone Order
	err = s.Retry.Do(ctx, func(int) error {
		cur, err := s.Repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.checkAction(cur, generic.ActionDelete, actor); err != nil {
			return err
		}
		if err := s.Repo.Delete(ctx, id, cur.Version); err != nil {
			return err
		}
		gone = cur
		return nil
	})
	if err != nil {
		return err
	}

	s.release(ctx, gone)
	log.Printf("[Restock] Order %s deleted by %s", gone.ID, actor)
	s.Events.Publish(deletedEvent(gone, actor, s.Now().UTC()))
	return nil
}

// deletedEvent has no target status: the record is gone.
func deletedEvent(o Order, actor generic.Actor, at time.Time) generic.Event {
	e := generic.NewEvent("restock.deleted", o, o.Status, actor, at)
	e.To = ""
	return e
}

func (s *Service) checkAction(o Order, action generic.Action, actor generic.Actor) error {
	if err := s.Gate.CheckAction(generic.EntityBulkRestock, o.Status, action, actor.Role); err != nil {
		return err
	}
	if actor.Role == generic.RoleOperator && actor.ID != o.CreatedBy {
		return generic.ActionDenied(generic.EntityBulkRestock, o.Status, action, actor.Role, "not the creator of the order")
	}
	return nil
}

// =============================================================================
// TRANSITION
// =============================================================================

// Transition moves an order one step forward.
func (s *Service) Transition(ctx context.Context, id string, to generic.Status, actor generic.Actor) (Order, error) {
	if err := actor.Validate(); err != nil {
		return Order{}, err
	}
	unlock, err := s.orders.Lock(ctx, id)
	if err != nil {
		return Order{}, fmt.Errorf("transitioning restock order %s: %w", id, err)
	}
	defer unlock()

	var out Order
	var from generic.Status
	err = s.Retry.Do(ctx, func(int) error {
		cur, err := s.Repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Gate.CheckTransition(generic.EntityBulkRestock, cur.Status, to, actor.Role); err != nil {
			return err
		}
		if actor.Role == generic.RoleOperator && actor.ID != cur.CreatedBy {
			return generic.PermissionDenied(generic.EntityBulkRestock, cur.Status, to, actor.Role, "not the creator of the order")
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
	log.Printf("[Restock] Order %s: %s -> %s by %s", out.ID, from, to, actor)
	s.Events.Publish(generic.NewEvent(generic.StatusEvent("restock", to), out, from, actor, out.UpdatedAt))
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) ListByCreator(ctx context.Context, createdBy generic.ActorID) ([]Order, error) {
	return s.Repo.ListByCreator(ctx, createdBy)
}

// =============================================================================
// INTERNALS
// =============================================================================

// products reads the current catalog entry of every line's product.
func (s *Service) products(ctx context.Context, lines []Line) (map[string]market.Product, error) {
	out := make(map[string]market.Product, len(lines))
	for _, l := range lines {
		p, err := s.Products.GetProduct(ctx, l.ProductID)
		if err != nil {
			return nil, fmt.Errorf("reading product %s: %w", l.ProductID, err)
		}
		out[l.ProductID] = p
	}
	return out, nil
}

// totals prices lines at the given products' current buying and selling prices.
func totals(lines []Line, products map[string]market.Product) (buying, selling decimal.Decimal) {
	buying, selling = decimal.Zero, decimal.Zero
	for _, l := range lines {
		p := products[l.ProductID]
		buying = buying.Add(l.Quantity.Mul(p.Price))
		selling = selling.Add(l.Quantity.Mul(p.SellingPrice))
	}
	return buying, selling
}

// adjustments lists the hold changes that turn cur's lines into next's.
// Removed products need no total: their pool already exists.
func adjustments(cur, next Order, products map[string]market.Product) []generic.Adjustment {
	before, after := cur.quantities(), next.quantities()
	var out []generic.Adjustment
	for id, to := range after {
		from := before[id]
		if !from.Equal(to) {
			out = append(out, generic.Adjustment{Key: generic.ProductKey(id), Ref: cur.Hold(), From: from, To: to, Total: products[id].Stock})
		}
	}
	for id, from := range before {
		if _, kept := after[id]; !kept {
			out = append(out, generic.Adjustment{Key: generic.ProductKey(id), Ref: cur.Hold(), From: from, To: decimal.Zero})
		}
	}
	return out
}

// splitAdjustments separates hold increases from decreases.
func splitAdjustments(adjs []generic.Adjustment) (raises, lowers []generic.Adjustment) {
	for _, a := range adjs {
		if a.To.GreaterThan(a.From) {
			raises = append(raises, a)
		} else if a.To.LessThan(a.From) {
			lowers = append(lowers, a)
		}
	}
	return raises, lowers
}

// lower gives back capacity an edit no longer needs. The record already
// carries the new lines, so a failure leaves an excess hold that the
// auditor trims.
func (s *Service) lower(ctx context.Context, o Order, lowers []generic.Adjustment) {
	if len(lowers) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.Ledger.AdjustAll(rctx, lowers); err != nil {
		log.Printf("[Restock] Lowering holds of order %s incomplete, left for the auditor: %v", o.ID, err)
	}
}

// revert lowers raised holds back after the record write failed.
func (s *Service) revert(ctx context.Context, adjs []generic.Adjustment) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	back := make([]generic.Adjustment, len(adjs))
	for i, a := range adjs {
		back[i] = generic.Adjustment{Key: a.Key, Ref: a.Ref, From: a.To, To: a.From, Total: a.Total}
	}
	if err := s.Ledger.AdjustAll(rctx, back); err != nil {
		log.Printf("[Restock] CRITICAL revert of hold adjustments failed, left for the auditor: %v", err)
	}
}

func (s *Service) release(ctx context.Context, o Order) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.Ledger.ReleaseAllOf(rctx, o.Hold(), o.LedgerKeys()); err != nil {
		log.Printf("[Restock] Release of order %s incomplete, left for the auditor: %v", o.ID, err)
	}
}
