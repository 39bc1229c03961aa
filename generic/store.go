/*
store.go - Persistence contract for ledger entries

PURPOSE:
  Defines the interface between the quantity ledger and durable storage.
  The ledger owns every decision (capacity, underflow, faults); the store
  only has to persist an entry and offer one atomic primitive:
  compare-and-swap on the entry version.

KEY TYPES:
  LedgerEntry: committed quantity + holds for one pool, versioned
  Hold:        the share of a pool owned by one record
  LedgerStore: Open / Get / CompareAndSwap / List

INVARIANTS (maintained by the ledger, persisted by the store):
  - Committed == sum of Holds
  - Committed <= Total
  - Version increments by exactly one on every successful write

IMPLEMENTATIONS:
  - store/memory: in-memory, for tests and dev
  - store/sqlite: UPDATE ... WHERE version = ?
  - store/redis:  Lua script comparing the version field

SEE ALSO:
  - ledger.go: the only caller of CompareAndSwap
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Hold is the quantity of a pool held by a single record.
type Hold struct {
	Quantity decimal.Decimal
	At       time.Time
}

// LedgerEntry is the committed state of one pool.
type LedgerEntry struct {
	Key       LedgerKey
	Total     decimal.Decimal
	Committed decimal.Decimal
	Holds     map[HoldRef]Hold
	Version   int64

	// Faulted is set when an invariant violation was detected on this key.
	// Reservations are refused until an admin clears it.
	Faulted     bool
	FaultDetail string

	UpdatedAt time.Time
}

// Remaining is Total - Committed. Never negative for a consistent entry.
func (e LedgerEntry) Remaining() decimal.Decimal {
	return e.Total.Sub(e.Committed)
}

// HoldFor returns the quantity held by ref, if any.
func (e LedgerEntry) HoldFor(ref HoldRef) (decimal.Decimal, bool) {
	h, ok := e.Holds[ref]
	return h.Quantity, ok
}

// HoldSum recomputes committed from the holds.
func (e LedgerEntry) HoldSum() decimal.Decimal {
	sum := decimal.Zero
	for _, h := range e.Holds {
		sum = sum.Add(h.Quantity)
	}
	return sum
}

// SortedRefs returns hold references in a stable order.
func (e LedgerEntry) SortedRefs() []HoldRef {
	refs := make([]HoldRef, 0, len(e.Holds))
	for ref := range e.Holds {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (e LedgerEntry) Clone() LedgerEntry {
	c := e
	c.Holds = make(map[HoldRef]Hold, len(e.Holds))
	for ref, h := range e.Holds {
		c.Holds[ref] = h
	}
	return c
}

// Violation describes the first broken invariant of the entry, or "".
func (e LedgerEntry) Violation() string {
	switch {
	case e.Committed.IsNegative():
		return fmt.Sprintf("committed %s is negative", e.Committed)
	case e.Committed.GreaterThan(e.Total):
		return fmt.Sprintf("committed %s exceeds total %s", e.Committed, e.Total)
	case !e.Committed.Equal(e.HoldSum()):
		return fmt.Sprintf("committed %s differs from sum of holds %s", e.Committed, e.HoldSum())
	}
	return ""
}

// NewLedgerEntry returns an empty entry at version 0.
func NewLedgerEntry(key LedgerKey, total decimal.Decimal, at time.Time) LedgerEntry {
	return LedgerEntry{
		Key:       key,
		Total:     total,
		Committed: decimal.Zero,
		Holds:     map[HoldRef]Hold{},
		UpdatedAt: at,
	}
}

// =============================================================================
// LEDGER STORE
// =============================================================================

// LedgerStore persists ledger entries.
type LedgerStore interface {
	// Open returns the entry for key, creating it with total at version 0 if
	// it does not exist yet. The total of an existing entry is never changed.
	Open(ctx context.Context, key LedgerKey, total decimal.Decimal) (LedgerEntry, error)

	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, key LedgerKey) (LedgerEntry, error)

	// CompareAndSwap replaces the stored entry with next if the stored version
	// equals expectedVersion. Returns ErrConflict otherwise.
	// next.Version must be expectedVersion+1.
	CompareAndSwap(ctx context.Context, expectedVersion int64, next LedgerEntry) error

	// List returns every entry, ordered by key.
	List(ctx context.Context) ([]LedgerEntry, error)
}
