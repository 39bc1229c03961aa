package generic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// rollbackTimeout bounds compensation work that must outlive a cancelled
// request context.
const rollbackTimeout = 10 * time.Second

// Claim is one reservation of a multi-key plan. Total is the pool size used
// to open the entry if this is its first use.
type Claim struct {
	Key      LedgerKey
	Ref      HoldRef
	Quantity decimal.Decimal
	Total    decimal.Decimal
}

// Adjustment moves a hold from From to To (either may be zero).
type Adjustment struct {
	Key   LedgerKey
	Ref   HoldRef
	From  decimal.Decimal
	To    decimal.Decimal
	Total decimal.Decimal
}

func sortClaims(claims []Claim) ([]Claim, error) {
	out := append([]Claim(nil), claims...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	for i := 1; i < len(out); i++ {
		if out[i].Key == out[i-1].Key {
			return nil, &ValidationError{Field: "lines", Reason: fmt.Sprintf("duplicate claim on %s", out[i].Key)}
		}
	}
	return out, nil
}

// ReserveAll reserves every claim or none. Claims are applied in key order
// so that two plans touching the same keys always lock them in the same
// order. On the first failure, everything already reserved is released and
// the failure is returned unchanged.
func (l *QuantityLedger) ReserveAll(ctx context.Context, claims []Claim) error {
	if len(claims) == 0 {
		return &ValidationError{Field: "lines", Reason: "nothing to reserve"}
	}
	ordered, err := sortClaims(claims)
	if err != nil {
		return err
	}

	var done []Claim
	for _, c := range ordered {
		if _, err := l.Open(ctx, c.Key, c.Total); err != nil {
			l.rollback(ctx, done, nil)
			return err
		}
		if _, err := l.ReserveLatest(ctx, c.Key, c.Ref, c.Quantity); err != nil {
			pending := c
			l.rollback(ctx, done, &pending)
			return err
		}
		done = append(done, c)
	}
	return nil
}

// rollback releases done claims. uncertain, if set, is a claim whose write
// may or may not have landed; it is released only if its hold is present.
func (l *QuantityLedger) rollback(ctx context.Context, done []Claim, uncertain *Claim) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	if uncertain != nil {
		if held, ok, err := l.HoldOf(rctx, uncertain.Key, uncertain.Ref); err != nil {
			log.Printf("[Ledger] Could not resolve reserve on %s for %s: %v", uncertain.Key, uncertain.Ref, err)
		} else if ok && held.GreaterThanOrEqual(uncertain.Quantity) {
			done = append(done, *uncertain)
		}
	}
	for i := len(done) - 1; i >= 0; i-- {
		c := done[i]
		if err := l.Release(rctx, c.Key, c.Ref, c.Quantity); err != nil {
			log.Printf("[Ledger] CRITICAL rollback of %s on %s failed: %v", c.Ref, c.Key, err)
		}
	}
}

// ReleaseAllOf drops every hold of ref on the given keys. Errors are
// collected so one failed key does not leave the others held.
func (l *QuantityLedger) ReleaseAllOf(ctx context.Context, ref HoldRef, keys []LedgerKey) error {
	var errs []error
	for _, k := range keys {
		if err := l.ReleaseAll(ctx, k, ref); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// AdjustAll applies every adjustment or none. Increases go first, in key
// order, and are checked against capacity; if one fails the increases
// already applied are moved back to their From quantity. Decreases run only
// after every increase landed, so undo never has to re-acquire capacity
// that someone else may have taken in the meantime.
func (l *QuantityLedger) AdjustAll(ctx context.Context, adjs []Adjustment) error {
	var ups, downs []Adjustment
	for _, a := range adjs {
		switch a.To.Cmp(a.From) {
		case 1:
			ups = append(ups, a)
		case -1:
			downs = append(downs, a)
		}
	}
	byKey := func(s []Adjustment) {
		sort.Slice(s, func(i, j int) bool { return s[i].Key.String() < s[j].Key.String() })
	}
	byKey(ups)
	byKey(downs)

	var done []Adjustment
	for _, a := range ups {
		if _, err := l.Open(ctx, a.Key, a.Total); err != nil {
			l.undo(ctx, done)
			return err
		}
		if _, err := l.Set(ctx, a.Key, a.Ref, a.To); err != nil {
			if errors.Is(err, ErrOutcomeUnknown) {
				done = append(done, a)
			}
			l.undo(ctx, done)
			return err
		}
		done = append(done, a)
	}
	for _, a := range downs {
		if _, err := l.Set(ctx, a.Key, a.Ref, a.To); err != nil {
			return fmt.Errorf("lowering %s on %s: %w", a.Ref, a.Key, err)
		}
	}
	return nil
}

func (l *QuantityLedger) undo(ctx context.Context, done []Adjustment) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		if _, err := l.Set(rctx, a.Key, a.Ref, a.From); err != nil {
			log.Printf("[Ledger] CRITICAL undo of %s on %s failed: %v", a.Ref, a.Key, err)
		}
	}
}
