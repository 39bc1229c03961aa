package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
)

const releaseTimeout = 10 * time.Second

// Service submits offers and moves them through their lifecycle.
type Service struct {
	Builder *Builder
	Ledger  *generic.QuantityLedger
	Repo    Repository
	Gate    *generic.Gate
	Events  generic.Publisher
	Retry   generic.RetryPolicy
	Now     func() time.Time
	NewID   func() string

	submits *generic.KeyedMutex
}

func NewService(builder *Builder, repo Repository, gate *generic.Gate, events generic.Publisher) *Service {
	if events == nil {
		events = generic.DiscardPublisher{}
	}
	return &Service{
		Builder: builder,
		Ledger:  builder.Ledger,
		Repo:    repo,
		Gate:    gate,
		Events:  events,
		Retry:   generic.DefaultRetryPolicy(),
		Now:     time.Now,
		NewID:   generic.NewID,
		submits: generic.NewKeyedMutex(),
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit reserves every line of the draft and creates the offer in its entry
// status. Reservation is all or nothing. Replaying an idempotency key
// returns the offer created the first time.
func (s *Service) Submit(ctx context.Context, draft Draft, idempotencyKey string) (Offer, error) {
	if idempotencyKey == "" {
		return Offer{}, &generic.ValidationError{Field: "idempotency_key", Reason: "idempotency key is required"}
	}
	actor := generic.Actor{ID: draft.RequestedBy, Role: generic.RoleRequester}
	if draft.RequestedBy == "" {
		return Offer{}, &generic.ValidationError{Field: "requested_by", Reason: "requester is required"}
	}

	unlock, err := s.submits.Lock(ctx, idempotencyKey)
	if err != nil {
		return Offer{}, fmt.Errorf("submitting offer: %w", err)
	}
	defer unlock()

	if prior, ok, err := s.replay(ctx, draft, idempotencyKey); err != nil || ok {
		return prior, err
	}

	listing, err := s.Builder.listing(ctx, draft.ListingID)
	if err != nil {
		return Offer{}, err
	}
	lines, err := checkLines(listing, draft.Lines, actor)
	if err != nil {
		return Offer{}, err
	}
	entry, _ := s.Gate.Entry(generic.EntityFulfillmentOffer)

	now := s.Now().UTC()
	offer := Offer{
		ID:             s.NewID(),
		ListingID:      listing.ID,
		RequestedBy:    draft.RequestedBy,
		Lines:          lines,
		Status:         entry,
		IdempotencyKey: idempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	claims := make([]generic.Claim, len(lines))
	for i, l := range lines {
		li, _ := listing.Line(l.LineItemKey)
		claims[i] = generic.Claim{
			Key:      listing.LedgerKey(l.LineItemKey),
			Ref:      offer.Hold(),
			Quantity: l.Quantity,
			Total:    li.QuantityTotal,
		}
	}
	if err := s.Ledger.ReserveAll(ctx, claims); err != nil {
		return Offer{}, err
	}

	if err := s.Repo.Create(ctx, offer); err != nil {
		s.release(ctx, offer)
		if errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
			// Another process won the race for this key.
			prior, ok, rerr := s.replay(ctx, draft, idempotencyKey)
			if rerr == nil && ok {
				return prior, nil
			}
		}
		return Offer{}, fmt.Errorf("storing offer: %w", err)
	}

	log.Printf("[Fulfillment] Offer %s submitted on listing %s by %s (%d lines)",
		offer.ID, offer.ListingID, offer.RequestedBy, len(offer.Lines))
	s.Events.Publish(generic.NewEvent("offer.submitted", offer, "", actor, now))
	return offer, nil
}

// replay returns the offer previously created with key, if any.
func (s *Service) replay(ctx context.Context, draft Draft, key string) (Offer, bool, error) {
	prior, err := s.Repo.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, generic.ErrNotFound) {
		return Offer{}, false, nil
	}
	if err != nil {
		return Offer{}, false, err
	}
	if prior.ListingID != draft.ListingID || prior.RequestedBy != draft.RequestedBy {
		return Offer{}, false, &generic.ValidationError{Field: "idempotency_key", Reason: "key was already used for a different offer"}
	}
	log.Printf("[Fulfillment] Replayed submission %s -> offer %s", key, prior.ID)
	return prior, true, nil
}

// =============================================================================
// TRANSITION
// =============================================================================

// Transition moves an offer to status `to` on behalf of actor. The status is
// written first (compare-and-swap on the record version) and reservations
// are released afterwards, so a lost race never frees capacity of an offer
// someone else just approved.
func (s *Service) Transition(ctx context.Context, id string, to generic.Status, actor generic.Actor) (Offer, error) {
	if err := actor.Validate(); err != nil {
		return Offer{}, err
	}
	var out Offer
	var from generic.Status
	err := s.Retry.Do(ctx, func(int) error {
		cur, err := s.Repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Gate.CheckTransition(generic.EntityFulfillmentOffer, cur.Status, to, actor.Role); err != nil {
			return err
		}
		if err := s.authorize(ctx, cur, to, actor); err != nil {
			return err
		}
		next := cur
		next.Status = to
		next.Version = cur.Version + 1
		next.UpdatedAt = s.Now().UTC()
		if err := s.Repo.Update(ctx, cur.Version, next); err != nil {
			if generic.IsRetryable(err) {
				log.Printf("[Fulfillment] Offer %s changed concurrently, re-reading", id)
			}
			return err
		}
		out, from = next, cur.Status
		return nil
	})
	if err != nil {
		return Offer{}, err
	}

	if ReleasesCapacity(to) {
		s.release(ctx, out)
	}
	log.Printf("[Fulfillment] Offer %s: %s -> %s by %s", out.ID, from, to, actor)
	s.Events.Publish(generic.NewEvent(generic.StatusEvent("offer", to), out, from, actor, out.UpdatedAt))
	return out, nil
}

// authorize applies the record-level rules the gate table cannot express:
// a listing owner may only decide offers on their own listing, and nobody
// but an admin decides their own offer.
func (s *Service) authorize(ctx context.Context, o Offer, to generic.Status, actor generic.Actor) error {
	if actor.Role == generic.RoleAdmin {
		return nil
	}
	if actor.ID == o.RequestedBy {
		return generic.PermissionDenied(generic.EntityFulfillmentOffer, o.Status, to, actor.Role, "requester may not decide their own offer")
	}
	if actor.Role == generic.RoleListingOwner {
		listing, err := s.Builder.Listings.GetListing(ctx, o.ListingID)
		if err != nil {
			return fmt.Errorf("reading listing %s: %w", o.ListingID, err)
		}
		if listing.OwnerID != actor.ID {
			return generic.PermissionDenied(generic.EntityFulfillmentOffer, o.Status, to, actor.Role, "not the owner of listing "+o.ListingID)
		}
	}
	return nil
}

// release gives back every hold of o. It runs to completion even if ctx was
// cancelled; a failure leaves an orphaned hold for the auditor.
func (s *Service) release(ctx context.Context, o Offer) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.Ledger.ReleaseAllOf(rctx, o.Hold(), o.LedgerKeys()); err != nil {
		log.Printf("[Fulfillment] Release of offer %s incomplete, left for the auditor: %v", o.ID, err)
	}
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (Offer, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) ListByListing(ctx context.Context, listingID string) ([]Offer, error) {
	return s.Repo.ListByListing(ctx, listingID)
}
