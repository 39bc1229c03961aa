package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kisaan/fulfillment-engine/catalog"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/restock"
	"github.com/shopspring/decimal"
)

func (s *Store) Offers() *Offers               { return &Offers{s: s} }
func (s *Store) CatalogOrders() *CatalogOrders { return &CatalogOrders{s: s} }
func (s *Store) RestockOrders() *RestockOrders { return &RestockOrders{s: s} }

// create runs an INSERT, mapping a taken idempotency key to
// ErrDuplicateIdempotencyKey.
func (s *Store) create(ctx context.Context, kind, id, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isIdempotencyKeyError(err) {
			return generic.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create %s %s: %w", kind, id, err)
	}
	return nil
}

// update runs a versioned UPDATE or DELETE whose last argument is the
// expected version.
func (s *Store) update(ctx context.Context, table, kind, id string, expected int64, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}
	return casResult(ctx, s.db, res, table, kind, id, expected)
}

func queryAll[T any](ctx context.Context, s *Store, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func queryOne[T any](ctx context.Context, s *Store, kind, id string, scan func(scanner) (T, error), query string, args ...any) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := scan(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		var zero T
		return zero, &generic.NotFoundError{Kind: kind, ID: id}
	}
	return r, err
}

func mustDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad %s %q: %w", field, s, err)
	}
	return d, nil
}

// =============================================================================
// OFFERS
// =============================================================================

// Offers implements fulfillment.Repository.
type Offers struct{ s *Store }

type offerLineRow struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
}

const offerColumns = `id, listing_id, requested_by, lines_json, status, idempotency_key, version, created_at, updated_at`

func encodeOfferLines(lines []fulfillment.Line) (string, error) {
	rows := make([]offerLineRow, len(lines))
	for i, l := range lines {
		rows[i] = offerLineRow{Name: l.LineItemKey.Name, Type: l.LineItemKey.Type, Quantity: l.Quantity}
	}
	b, err := json.Marshal(rows)
	return string(b), err
}

func scanOffer(sc scanner) (fulfillment.Offer, error) {
	var (
		o                    fulfillment.Offer
		requestedBy, status  string
		lines                string
		key                  sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&o.ID, &o.ListingID, &requestedBy, &lines, &status, &key, &o.Version, &createdAt, &updatedAt); err != nil {
		return fulfillment.Offer{}, err
	}
	var rows []offerLineRow
	if err := json.Unmarshal([]byte(lines), &rows); err != nil {
		return fulfillment.Offer{}, fmt.Errorf("offer %s: failed to decode lines: %w", o.ID, err)
	}
	for _, r := range rows {
		o.Lines = append(o.Lines, fulfillment.Line{
			LineItemKey: market.LineItemKey{Name: r.Name, Type: r.Type},
			Quantity:    r.Quantity,
		})
	}
	o.RequestedBy = generic.ActorID(requestedBy)
	o.Status = generic.Status(status)
	o.IdempotencyKey = key.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

func (r *Offers) Create(ctx context.Context, o fulfillment.Offer) error {
	lines, err := encodeOfferLines(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode offer lines: %w", err)
	}
	return r.s.create(ctx, "offer", o.ID, `
		INSERT INTO offers (`+offerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.ListingID, string(o.RequestedBy), lines, string(o.Status),
		nullString(o.IdempotencyKey), o.Version, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
}

func (r *Offers) Get(ctx context.Context, id string) (fulfillment.Offer, error) {
	return queryOne(ctx, r.s, "offer", id, scanOffer,
		`SELECT `+offerColumns+` FROM offers WHERE id = ?`, id)
}

func (r *Offers) GetByIdempotencyKey(ctx context.Context, key string) (fulfillment.Offer, error) {
	return queryOne(ctx, r.s, "offer", "idempotency key "+key, scanOffer,
		`SELECT `+offerColumns+` FROM offers WHERE idempotency_key = ?`, key)
}

func (r *Offers) ListByListing(ctx context.Context, listingID string) ([]fulfillment.Offer, error) {
	return queryAll(ctx, r.s, scanOffer,
		`SELECT `+offerColumns+` FROM offers WHERE listing_id = ? ORDER BY created_at, id`, listingID)
}

func (r *Offers) Update(ctx context.Context, expectedVersion int64, next fulfillment.Offer) error {
	lines, err := encodeOfferLines(next.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode offer lines: %w", err)
	}
	return r.s.update(ctx, "offers", "offer", next.ID, expectedVersion, `
		UPDATE offers SET lines_json = ?, status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, lines, string(next.Status), next.Version, formatTime(next.UpdatedAt), next.ID, expectedVersion)
}

// =============================================================================
// CATALOG ORDERS
// =============================================================================

// CatalogOrders implements catalog.Repository.
type CatalogOrders struct{ s *Store }

const catalogColumns = `id, created_by, product_id, quantity, status, idempotency_key, version, created_at, updated_at`

func scanCatalogOrder(sc scanner) (catalog.Order, error) {
	var (
		o                      catalog.Order
		createdBy, qty, status string
		key                    sql.NullString
		createdAt, updatedAt   string
	)
	if err := sc.Scan(&o.ID, &createdBy, &o.ProductID, &qty, &status, &key, &o.Version, &createdAt, &updatedAt); err != nil {
		return catalog.Order{}, err
	}
	var err error
	if o.Quantity, err = mustDecimal("quantity", qty); err != nil {
		return catalog.Order{}, fmt.Errorf("catalog order %s: %w", o.ID, err)
	}
	o.CreatedBy = generic.ActorID(createdBy)
	o.Status = generic.Status(status)
	o.IdempotencyKey = key.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

func (r *CatalogOrders) Create(ctx context.Context, o catalog.Order) error {
	return r.s.create(ctx, "catalog order", o.ID, `
		INSERT INTO catalog_orders (`+catalogColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, string(o.CreatedBy), o.ProductID, o.Quantity.String(), string(o.Status),
		nullString(o.IdempotencyKey), o.Version, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
}

func (r *CatalogOrders) Get(ctx context.Context, id string) (catalog.Order, error) {
	return queryOne(ctx, r.s, "catalog order", id, scanCatalogOrder,
		`SELECT `+catalogColumns+` FROM catalog_orders WHERE id = ?`, id)
}

func (r *CatalogOrders) GetByIdempotencyKey(ctx context.Context, key string) (catalog.Order, error) {
	return queryOne(ctx, r.s, "catalog order", "idempotency key "+key, scanCatalogOrder,
		`SELECT `+catalogColumns+` FROM catalog_orders WHERE idempotency_key = ?`, key)
}

func (r *CatalogOrders) ListByCreator(ctx context.Context, createdBy generic.ActorID) ([]catalog.Order, error) {
	return queryAll(ctx, r.s, scanCatalogOrder,
		`SELECT `+catalogColumns+` FROM catalog_orders WHERE created_by = ? ORDER BY created_at, id`, string(createdBy))
}

func (r *CatalogOrders) Update(ctx context.Context, expectedVersion int64, next catalog.Order) error {
	return r.s.update(ctx, "catalog_orders", "catalog order", next.ID, expectedVersion, `
		UPDATE catalog_orders SET quantity = ?, status = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, next.Quantity.String(), string(next.Status), next.Version, formatTime(next.UpdatedAt), next.ID, expectedVersion)
}

// =============================================================================
// RESTOCK ORDERS
// =============================================================================

// RestockOrders implements restock.Repository.
type RestockOrders struct{ s *Store }

type restockLineRow struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

const restockColumns = `id, created_by, lines_json, status, total_buying_value, total_selling_value, idempotency_key, version, created_at, updated_at`

func encodeRestockLines(lines []restock.Line) (string, error) {
	rows := make([]restockLineRow, len(lines))
	for i, l := range lines {
		rows[i] = restockLineRow{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	b, err := json.Marshal(rows)
	return string(b), err
}

func scanRestockOrder(sc scanner) (restock.Order, error) {
	var (
		o                       restock.Order
		createdBy, lines        string
		status, buying, selling string
		key                     sql.NullString
		createdAt, updatedAt    string
	)
	if err := sc.Scan(&o.ID, &createdBy, &lines, &status, &buying, &selling, &key, &o.Version, &createdAt, &updatedAt); err != nil {
		return restock.Order{}, err
	}
	var rows []restockLineRow
	if err := json.Unmarshal([]byte(lines), &rows); err != nil {
		return restock.Order{}, fmt.Errorf("restock order %s: failed to decode lines: %w", o.ID, err)
	}
	for _, r := range rows {
		o.Lines = append(o.Lines, restock.Line{ProductID: r.ProductID, Quantity: r.Quantity})
	}
	var err error
	if o.TotalBuyingValue, err = mustDecimal("total buying value", buying); err != nil {
		return restock.Order{}, fmt.Errorf("restock order %s: %w", o.ID, err)
	}
	if o.TotalSellingValue, err = mustDecimal("total selling value", selling); err != nil {
		return restock.Order{}, fmt.Errorf("restock order %s: %w", o.ID, err)
	}
	o.CreatedBy = generic.ActorID(createdBy)
	o.Status = generic.Status(status)
	o.IdempotencyKey = key.String
	o.CreatedAt = parseTime(createdAt)
	o.UpdatedAt = parseTime(updatedAt)
	return o, nil
}

func (r *RestockOrders) Create(ctx context.Context, o restock.Order) error {
	lines, err := encodeRestockLines(o.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode restock lines: %w", err)
	}
	return r.s.create(ctx, "restock order", o.ID, `
		INSERT INTO restock_orders (`+restockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, string(o.CreatedBy), lines, string(o.Status),
		o.TotalBuyingValue.String(), o.TotalSellingValue.String(),
		nullString(o.IdempotencyKey), o.Version, formatTime(o.CreatedAt), formatTime(o.UpdatedAt))
}

func (r *RestockOrders) Get(ctx context.Context, id string) (restock.Order, error) {
	return queryOne(ctx, r.s, "restock order", id, scanRestockOrder,
		`SELECT `+restockColumns+` FROM restock_orders WHERE id = ?`, id)
}

func (r *RestockOrders) GetByIdempotencyKey(ctx context.Context, key string) (restock.Order, error) {
	return queryOne(ctx, r.s, "restock order", "idempotency key "+key, scanRestockOrder,
		`SELECT `+restockColumns+` FROM restock_orders WHERE idempotency_key = ?`, key)
}

func (r *RestockOrders) ListByCreator(ctx context.Context, createdBy generic.ActorID) ([]restock.Order, error) {
	return queryAll(ctx, r.s, scanRestockOrder,
		`SELECT `+restockColumns+` FROM restock_orders WHERE created_by = ? ORDER BY created_at, id`, string(createdBy))
}

func (r *RestockOrders) Update(ctx context.Context, expectedVersion int64, next restock.Order) error {
	lines, err := encodeRestockLines(next.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode restock lines: %w", err)
	}
	return r.s.update(ctx, "restock_orders", "restock order", next.ID, expectedVersion, `
		UPDATE restock_orders
		SET lines_json = ?, status = ?, total_buying_value = ?, total_selling_value = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, lines, string(next.Status), next.TotalBuyingValue.String(), next.TotalSellingValue.String(),
		next.Version, formatTime(next.UpdatedAt), next.ID, expectedVersion)
}

func (r *RestockOrders) Delete(ctx context.Context, id string, expectedVersion int64) error {
	return r.s.update(ctx, "restock_orders", "restock order", id, expectedVersion,
		`DELETE FROM restock_orders WHERE id = ? AND version = ?`, id, expectedVersion)
}
