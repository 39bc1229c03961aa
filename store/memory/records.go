package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/kisaan/fulfillment-engine/catalog"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/restock"
)

// table is a versioned record map with a unique idempotency key index.
type table[T any] struct {
	kind    string
	mu      sync.RWMutex
	rows    map[string]T
	byKey   map[string]string
	id      func(T) string
	key     func(T) string
	version func(T) int64
	clone   func(T) T
}

func (t *table[T]) create(r T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.id(r)
	if _, ok := t.rows[id]; ok {
		return fmt.Errorf("%s %s already exists", t.kind, id)
	}
	if k := t.key(r); k != "" {
		if _, ok := t.byKey[k]; ok {
			return generic.ErrDuplicateIdempotencyKey
		}
		t.byKey[k] = id
	}
	t.rows[id] = t.clone(r)
	return nil
}

func (t *table[T]) get(id string) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, &generic.NotFoundError{Kind: t.kind, ID: id}
	}
	return t.clone(r), nil
}

func (t *table[T]) getByKey(key string) (T, error) {
	t.mu.RLock()
	id, ok := t.byKey[key]
	t.mu.RUnlock()
	if !ok {
		var zero T
		return zero, &generic.NotFoundError{Kind: t.kind, ID: "idempotency key " + key}
	}
	return t.get(id)
}

func (t *table[T]) update(expectedVersion int64, next T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.id(next)
	cur, ok := t.rows[id]
	if !ok {
		return &generic.NotFoundError{Kind: t.kind, ID: id}
	}
	if t.version(cur) != expectedVersion {
		return fmt.Errorf("%w: %s %s at version %d, expected %d", generic.ErrConflict, t.kind, id, t.version(cur), expectedVersion)
	}
	t.rows[id] = t.clone(next)
	return nil
}

func (t *table[T]) delete(id string, expectedVersion int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.rows[id]
	if !ok {
		return &generic.NotFoundError{Kind: t.kind, ID: id}
	}
	if t.version(cur) != expectedVersion {
		return fmt.Errorf("%w: %s %s at version %d, expected %d", generic.ErrConflict, t.kind, id, t.version(cur), expectedVersion)
	}
	delete(t.rows, id)
	if k := t.key(cur); k != "" {
		delete(t.byKey, k)
	}
	return nil
}

func (t *table[T]) filter(keep func(T) bool, less func(a, b T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []T
	for _, r := range t.rows {
		if keep(r) {
			out = append(out, t.clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (t *table[T]) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[string]T)
	t.byKey = make(map[string]string)
}

func newTable[T any](kind string, id, key func(T) string, version func(T) int64, clone func(T) T) *table[T] {
	return &table[T]{
		kind:    kind,
		rows:    make(map[string]T),
		byKey:   make(map[string]string),
		id:      id,
		key:     key,
		version: version,
		clone:   clone,
	}
}

// =============================================================================
// OFFERS
// =============================================================================

type Offers struct{ t *table[fulfillment.Offer] }

func NewOffers() *Offers {
	return &Offers{t: newTable("offer",
		func(o fulfillment.Offer) string { return o.ID },
		func(o fulfillment.Offer) string { return o.IdempotencyKey },
		func(o fulfillment.Offer) int64 { return o.Version },
		func(o fulfillment.Offer) fulfillment.Offer {
			o.Lines = slices.Clone(o.Lines)
			return o
		},
	)}
}

func (m *Offers) Create(_ context.Context, o fulfillment.Offer) error { return m.t.create(o) }

func (m *Offers) Get(_ context.Context, id string) (fulfillment.Offer, error) { return m.t.get(id) }

func (m *Offers) GetByIdempotencyKey(_ context.Context, key string) (fulfillment.Offer, error) {
	return m.t.getByKey(key)
}

func (m *Offers) ListByListing(_ context.Context, listingID string) ([]fulfillment.Offer, error) {
	return m.t.filter(
		func(o fulfillment.Offer) bool { return o.ListingID == listingID },
		func(a, b fulfillment.Offer) bool { return a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) },
	), nil
}

func (m *Offers) Update(_ context.Context, expectedVersion int64, next fulfillment.Offer) error {
	return m.t.update(expectedVersion, next)
}

// =============================================================================
// CATALOG ORDERS
// =============================================================================

type CatalogOrders struct{ t *table[catalog.Order] }

func NewCatalogOrders() *CatalogOrders {
	return &CatalogOrders{t: newTable("catalog order",
		func(o catalog.Order) string { return o.ID },
		func(o catalog.Order) string { return o.IdempotencyKey },
		func(o catalog.Order) int64 { return o.Version },
		func(o catalog.Order) catalog.Order { return o },
	)}
}

func (m *CatalogOrders) Create(_ context.Context, o catalog.Order) error { return m.t.create(o) }

func (m *CatalogOrders) Get(_ context.Context, id string) (catalog.Order, error) { return m.t.get(id) }

func (m *CatalogOrders) GetByIdempotencyKey(_ context.Context, key string) (catalog.Order, error) {
	return m.t.getByKey(key)
}

func (m *CatalogOrders) ListByCreator(_ context.Context, createdBy generic.ActorID) ([]catalog.Order, error) {
	return m.t.filter(
		func(o catalog.Order) bool { return o.CreatedBy == createdBy },
		func(a, b catalog.Order) bool { return a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) },
	), nil
}

func (m *CatalogOrders) Update(_ context.Context, expectedVersion int64, next catalog.Order) error {
	return m.t.update(expectedVersion, next)
}

// =============================================================================
// RESTOCK ORDERS
// =============================================================================

type RestockOrders struct{ t *table[restock.Order] }

func NewRestockOrders() *RestockOrders {
	return &RestockOrders{t: newTable("restock order",
		func(o restock.Order) string { return o.ID },
		func(o restock.Order) string { return o.IdempotencyKey },
		func(o restock.Order) int64 { return o.Version },
		func(o restock.Order) restock.Order {
			o.Lines = slices.Clone(o.Lines)
			return o
		},
	)}
}

func (m *RestockOrders) Create(_ context.Context, o restock.Order) error { return m.t.create(o) }

func (m *RestockOrders) Get(_ context.Context, id string) (restock.Order, error) { return m.t.get(id) }

func (m *RestockOrders) GetByIdempotencyKey(_ context.Context, key string) (restock.Order, error) {
	return m.t.getByKey(key)
}

func (m *RestockOrders) ListByCreator(_ context.Context, createdBy generic.ActorID) ([]restock.Order, error) {
	return m.t.filter(
		func(o restock.Order) bool { return o.CreatedBy == createdBy },
		func(a, b restock.Order) bool { return a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID) },
	), nil
}

func (m *RestockOrders) Update(_ context.Context, expectedVersion int64, next restock.Order) error {
	return m.t.update(expectedVersion, next)
}

func (m *RestockOrders) Delete(_ context.Context, id string, expectedVersion int64) error {
	return m.t.delete(id, expectedVersion)
}

// =============================================================================
// RESET
// =============================================================================

func (m *Offers) Reset()        { m.t.reset() }
func (m *CatalogOrders) Reset() { m.t.reset() }
func (m *RestockOrders) Reset() { m.t.reset() }
