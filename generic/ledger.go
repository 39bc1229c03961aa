/*
ledger.go - Quantity ledger: the authority on "how much is already spoken for"

PURPOSE:
  Every finite pool (a line item on a listing, a product's catalog stock)
  has exactly one LedgerEntry. The entry records the committed quantity and
  which record holds which share of it. The ledger is the ONLY place that
  decides whether a claim fits; callers never compare remaining quantity
  themselves on the authoritative path.

WHY NOT "READ REMAINING, THEN WRITE"?
  Two concurrent offers can both read "remaining = 5" and both commit 5.
  Every mutation here is a read-modify-write guarded by the entry version
  (compare-and-swap in the store) and serialized per key in-process.

OPERATIONS:
  Reserve(key, ref, qty, expectedVersion)  CAS primitive; Conflict on stale version
  ReserveLatest(key, ref, qty)             reads under the key lock, retries
                                           cross-process conflicts with backoff
  Release(key, ref, qty)                   never fails logically, floors at zero
  Set(key, ref, target)                    moves a hold to an exact quantity
  Remaining(key)                           advisory read (Total - Committed)

HOLDS:
  Committed is always the sum of the holds. A hold is owned by one record
  (HoldRef). Releasing a ref that holds nothing is a no-op, which makes
  release idempotent. Releasing more than a ref holds is an upstream bug:
  the release is clamped, the entry is marked faulted and the fault is
  logged. A faulted entry refuses further reservations until ClearFault.

TIMEOUTS:
  If the context expires while waiting for the key lock or during the store
  write, the error wraps ErrOutcomeUnknown. Use HoldOf to find out whether
  the write landed before deciding to retry.

SEE ALSO:
  - store.go: LedgerStore contract
  - plan.go: all-or-nothing reservation of several keys
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// errNoChange lets a mutation finish successfully without writing.
var errNoChange = errors.New("no change")

// QuantityLedger serializes claims on finite pools.
type QuantityLedger struct {
	Store LedgerStore
	Retry RetryPolicy
	Now   func() time.Time

	locks *KeyedMutex
}

func NewLedger(store LedgerStore) *QuantityLedger {
	return &QuantityLedger{
		Store: store,
		Retry: DefaultRetryPolicy(),
		Now:   time.Now,
		locks: NewKeyedMutex(),
	}
}

func (l *QuantityLedger) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// =============================================================================
// READS
// =============================================================================

// Open makes sure an entry exists for key. The total is captured on first
// open and never changed afterwards.
func (l *QuantityLedger) Open(ctx context.Context, key LedgerKey, total decimal.Decimal) (LedgerEntry, error) {
	if total.IsNegative() {
		return LedgerEntry{}, &ValidationError{Field: "total", Reason: "must not be negative"}
	}
	return l.Store.Open(ctx, key, total)
}

// Entry returns the current entry for key.
func (l *QuantityLedger) Entry(ctx context.Context, key LedgerKey) (LedgerEntry, error) {
	return l.Store.Get(ctx, key)
}

// Remaining returns Total - Committed. Advisory only: the authoritative
// check happens inside Reserve. A violated invariant is reported as a
// ConsistencyFaultError instead of a number.
func (l *QuantityLedger) Remaining(ctx context.Context, key LedgerKey) (decimal.Decimal, error) {
	e, err := l.Store.Get(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	if detail := e.Violation(); detail != "" {
		logFault(e, detail)
		return decimal.Zero, faultError(e, detail)
	}
	return e.Remaining(), nil
}

// HoldOf reports what ref currently holds on key. Used to resolve an
// ErrOutcomeUnknown write.
func (l *QuantityLedger) HoldOf(ctx context.Context, key LedgerKey, ref HoldRef) (decimal.Decimal, bool, error) {
	e, err := l.Store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	q, ok := e.HoldFor(ref)
	return q, ok, nil
}

// =============================================================================
// WRITES
// =============================================================================

// Reserve adds qty to ref's hold on key if the stored version still equals
// expectedVersion and the pool has room. Returns the new version.
func (l *QuantityLedger) Reserve(ctx context.Context, key LedgerKey, ref HoldRef, qty decimal.Decimal, expectedVersion int64) (int64, error) {
	if err := validateClaim(ref, qty); err != nil {
		return 0, err
	}
	e, err := l.mutate(ctx, key, &expectedVersion, l.reserveFn(ref, qty))
	if err != nil {
		return 0, err
	}
	return e.Version, nil
}

// ReserveLatest reserves against the current version. The entry is read
// under the key lock, so only writers in other processes can cause a
// Conflict; those are retried with bounded backoff. InsufficientCapacity
// is returned immediately.
func (l *QuantityLedger) ReserveLatest(ctx context.Context, key LedgerKey, ref HoldRef, qty decimal.Decimal) (LedgerEntry, error) {
	if err := validateClaim(ref, qty); err != nil {
		return LedgerEntry{}, err
	}
	var out LedgerEntry
	err := l.Retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			log.Printf("[Ledger] Retrying reserve on %s for %s (attempt %d)", key, ref, attempt)
		}
		var err error
		out, err = l.mutate(ctx, key, nil, l.reserveFn(ref, qty))
		return err
	})
	return out, err
}

// Release gives back up to qty of ref's hold on key. It never fails for
// logical reasons: unknown keys and refs are no-ops, over-release is
// clamped and reported as a consistency fault in the log. Only store
// errors are returned.
func (l *QuantityLedger) Release(ctx context.Context, key LedgerKey, ref HoldRef, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return nil
	}
	return l.retryForever(ctx, key, func(e *LedgerEntry) error {
		return l.releaseLocked(e, ref, qty)
	})
}

// ReleaseAll drops ref's whole hold on key.
func (l *QuantityLedger) ReleaseAll(ctx context.Context, key LedgerKey, ref HoldRef) error {
	return l.retryForever(ctx, key, func(e *LedgerEntry) error {
		h, ok := e.Holds[ref]
		if !ok {
			return errNoChange
		}
		return l.releaseLocked(e, ref, h.Quantity)
	})
}

// Set moves ref's hold on key to exactly target. Increases are checked
// against capacity like a reservation; decreases behave like a release.
func (l *QuantityLedger) Set(ctx context.Context, key LedgerKey, ref HoldRef, target decimal.Decimal) (LedgerEntry, error) {
	if ref == "" {
		return LedgerEntry{}, &ValidationError{Field: "ref", Reason: "hold reference is required"}
	}
	if target.IsNegative() {
		return LedgerEntry{}, &ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	var out LedgerEntry
	err := l.Retry.Do(ctx, func(int) error {
		var err error
		out, err = l.mutate(ctx, key, nil, func(e *LedgerEntry) error {
			current, _ := e.HoldFor(ref)
			delta := target.Sub(current)
			switch delta.Sign() {
			case 0:
				return errNoChange
			case 1:
				return l.reserveFn(ref, delta)(e)
			default:
				return l.releaseLocked(e, ref, delta.Neg())
			}
		})
		return err
	})
	return out, err
}

// MarkFault flags key as inconsistent. Reservations are refused until
// ClearFault.
func (l *QuantityLedger) MarkFault(ctx context.Context, key LedgerKey, detail string) error {
	return l.retryForever(ctx, key, func(e *LedgerEntry) error {
		if e.Faulted {
			return errNoChange
		}
		e.Faulted = true
		e.FaultDetail = detail
		logFault(*e, detail)
		return nil
	})
}

// ClearFault re-derives Committed from the holds and lifts the fault.
// Refused if the holds themselves exceed the total.
func (l *QuantityLedger) ClearFault(ctx context.Context, key LedgerKey) (LedgerEntry, error) {
	return l.mutate(ctx, key, nil, func(e *LedgerEntry) error {
		sum := e.HoldSum()
		if sum.GreaterThan(e.Total) {
			return faultError(*e, fmt.Sprintf("holds %s exceed total; cannot clear", sum))
		}
		if !e.Faulted && sum.Equal(e.Committed) {
			return errNoChange
		}
		log.Printf("[Ledger] Clearing fault on %s (committed %s -> %s, was: %s)",
			e.Key, e.Committed, sum, e.FaultDetail)
		e.Committed = sum
		e.Faulted = false
		e.FaultDetail = ""
		return nil
	})
}

// =============================================================================
// INTERNALS
// =============================================================================

func validateClaim(ref HoldRef, qty decimal.Decimal) error {
	if ref == "" {
		return &ValidationError{Field: "ref", Reason: "hold reference is required"}
	}
	if !qty.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return nil
}

func (l *QuantityLedger) reserveFn(ref HoldRef, qty decimal.Decimal) func(*LedgerEntry) error {
	return func(e *LedgerEntry) error {
		if e.Faulted {
			return faultError(*e, e.FaultDetail)
		}
		next := e.Committed.Add(qty)
		if next.GreaterThan(e.Total) {
			return &InsufficientCapacityError{Key: e.Key, Requested: qty, Remaining: e.Remaining()}
		}
		h := e.Holds[ref]
		h.Quantity = h.Quantity.Add(qty)
		h.At = l.now()
		e.Holds[ref] = h
		e.Committed = next
		return nil
	}
}

func (l *QuantityLedger) releaseLocked(e *LedgerEntry, ref HoldRef, qty decimal.Decimal) error {
	h, ok := e.Holds[ref]
	if !ok {
		log.Printf("[Ledger] Release of %s on %s ignored: nothing held", ref, e.Key)
		return errNoChange
	}
	amount := qty
	if qty.GreaterThan(h.Quantity) {
		detail := fmt.Sprintf("release of %s by %s exceeds its hold of %s", qty, ref, h.Quantity)
		logFault(*e, detail)
		e.Faulted = true
		e.FaultDetail = detail
		amount = h.Quantity
	}
	h.Quantity = h.Quantity.Sub(amount)
	if h.Quantity.IsZero() {
		delete(e.Holds, ref)
	} else {
		e.Holds[ref] = h
	}
	e.Committed = e.Committed.Sub(amount)
	if e.Committed.IsNegative() {
		detail := fmt.Sprintf("committed underflow to %s releasing %s", e.Committed, ref)
		logFault(*e, detail)
		e.Committed = decimal.Zero
		e.Faulted = true
		e.FaultDetail = detail
	}
	return nil
}

// mutate applies fn to the entry under the key lock and persists the
// result with a version compare-and-swap. With expected set, a version
// mismatch is reported as ErrConflict before fn runs.
func (l *QuantityLedger) mutate(ctx context.Context, key LedgerKey, expected *int64, fn func(*LedgerEntry) error) (LedgerEntry, error) {
	unlock, err := l.locks.Lock(ctx, key.String())
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}
	defer unlock()

	cur, err := l.Store.Get(ctx, key)
	if err != nil {
		return LedgerEntry{}, err
	}
	if expected != nil && cur.Version != *expected {
		return cur, fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, key, cur.Version, *expected)
	}

	next := cur.Clone()
	detail := ""
	if !cur.Faulted {
		detail = cur.Violation()
	}
	if detail != "" {
		// Found broken on read: the fault is persisted whatever fn does.
		next.Faulted = true
		next.FaultDetail = detail
		logFault(cur, detail)
	}

	fnErr := fn(&next)
	switch {
	case fnErr == nil:
	case errors.Is(fnErr, errNoChange):
		if detail == "" {
			return cur, nil
		}
	default:
		if detail != "" {
			flagged := cur.Clone()
			flagged.Faulted = true
			flagged.FaultDetail = detail
			if _, err := l.write(ctx, cur, flagged); err != nil {
				return cur, err
			}
		}
		return cur, fnErr
	}
	return l.write(ctx, cur, next)
}

func (l *QuantityLedger) write(ctx context.Context, cur, next LedgerEntry) (LedgerEntry, error) {
	next.Version = cur.Version + 1
	next.UpdatedAt = l.now()
	err := l.Store.CompareAndSwap(ctx, cur.Version, next)
	if err != nil {
		if !errors.Is(err, ErrConflict) && ctx.Err() != nil {
			return cur, fmt.Errorf("%w: writing %s: %w", ErrOutcomeUnknown, cur.Key, err)
		}
		return cur, err
	}
	return next, nil
}

// retryForever is used by operations that must not fail logically
// (release, fault marking). Conflicts can only come from other processes
// and are retried, policy round after policy round, until the context ends.
func (l *QuantityLedger) retryForever(ctx context.Context, key LedgerKey, fn func(*LedgerEntry) error) error {
	var err error
	for {
		err = l.Retry.Do(ctx, func(int) error {
			_, err := l.mutate(ctx, key, nil, fn)
			return err
		})
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	var fault *ConsistencyFaultError
	if errors.As(err, &fault) {
		// Already logged; the release itself must not fail.
		return nil
	}
	return err
}

func faultError(e LedgerEntry, detail string) *ConsistencyFaultError {
	return &ConsistencyFaultError{Key: e.Key, Committed: e.Committed, Total: e.Total, Detail: detail}
}

func logFault(e LedgerEntry, detail string) {
	log.Printf("[Ledger] CONSISTENCY FAULT on %s: committed=%s total=%s: %s",
		e.Key, e.Committed, e.Total, detail)
}
