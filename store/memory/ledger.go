// Package memory provides in-memory implementations of the ledger store and
// the record repositories (for tests and dev).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

type Ledger struct {
	mu      sync.RWMutex
	entries map[generic.LedgerKey]generic.LedgerEntry
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[generic.LedgerKey]generic.LedgerEntry)}
}

func (m *Ledger) Open(_ context.Context, key generic.LedgerKey, total decimal.Decimal) (generic.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.Clone(), nil
	}
	e := generic.NewLedgerEntry(key, total, time.Now().UTC())
	m.entries[key] = e
	return e.Clone(), nil
}

func (m *Ledger) Get(_ context.Context, key generic.LedgerKey) (generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return generic.LedgerEntry{}, &generic.NotFoundError{Kind: "ledger entry", ID: key.String()}
	}
	return e.Clone(), nil
}

func (m *Ledger) CompareAndSwap(_ context.Context, expectedVersion int64, next generic.LedgerEntry) error {
	if next.Version != expectedVersion+1 {
		return fmt.Errorf("ledger write for %s must advance version %d by one, got %d", next.Key, expectedVersion, next.Version)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[next.Key]
	if !ok {
		return &generic.NotFoundError{Kind: "ledger entry", ID: next.Key.String()}
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, expected %d", generic.ErrConflict, next.Key, cur.Version, expectedVersion)
	}
	m.entries[next.Key] = next.Clone()
	return nil
}

func (m *Ledger) List(_ context.Context) ([]generic.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]generic.LedgerEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}

// Put overwrites an entry without any check. Tests use it to plant
// inconsistent state.
func (m *Ledger) Put(e generic.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e.Clone()
}

// Reset drops every entry.
func (m *Ledger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[generic.LedgerKey]generic.LedgerEntry)
}
