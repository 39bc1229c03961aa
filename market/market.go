/*
Package market holds the read-mostly marketplace records the engine reserves
against: listings (crop supply or demand posts) and catalog products.

PURPOSE:
  Listings and products are owned by an external catalog service. The engine
  only reads them: a listing line's QuantityTotal and a product's Stock become
  the total of the matching ledger pool the first time that pool is used.
  Remaining capacity is derived from the ledger and never stored here.

KEY TYPES:
  Listing      a post with one or more line items
  LineItem     one crop line, keyed by (name, type), with a finite quantity
  Product      a catalog product with buying/selling price and stock
  ListingSource, ProductSource: the read contract the engine depends on

SEE ALSO:
  - catalog.go: in-process Catalog implementing both sources
  - factory/catalog.go: loading a Catalog from a seed document
*/
package market

import (
	"context"
	"fmt"
	"strings"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LISTING
// =============================================================================

type ListingKind string

const (
	ListingSupply ListingKind = "supply"
	ListingDemand ListingKind = "demand"
)

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingInactive ListingStatus = "inactive"
)

// LineItemKey identifies a line within a listing. Unique per listing.
type LineItemKey struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// String is the canonical "name/type" form used in ledger keys.
func (k LineItemKey) String() string { return k.Name + "/" + k.Type }

// ParseLineItemKey is the inverse of LineItemKey.String.
func ParseLineItemKey(s string) (LineItemKey, error) {
	name, typ, ok := strings.Cut(s, "/")
	if !ok || name == "" || typ == "" {
		return LineItemKey{}, &generic.ValidationError{Field: "line_item_key", Reason: fmt.Sprintf("expected name/type, got %q", s)}
	}
	return LineItemKey{Name: name, Type: typ}, nil
}

type LineItem struct {
	Key           LineItemKey
	Unit          string
	QuantityTotal decimal.Decimal
	UnitPrice     decimal.Decimal
}

type Listing struct {
	ID        string
	OwnerID   generic.ActorID
	Title     string
	Kind      ListingKind
	Status    ListingStatus
	LineItems []LineItem
}

// Line looks up a line item by key.
func (l Listing) Line(key LineItemKey) (LineItem, bool) {
	for _, li := range l.LineItems {
		if li.Key == key {
			return li, true
		}
	}
	return LineItem{}, false
}

// LedgerKey is the pool backing the given line of this listing.
func (l Listing) LedgerKey(key LineItemKey) generic.LedgerKey {
	return generic.ListingLineKey(l.ID, key.String())
}

// Validate checks the structural rules every listing must satisfy.
func (l Listing) Validate() error {
	if l.ID == "" {
		return &generic.ValidationError{Field: "id", Reason: "listing id is required"}
	}
	if strings.Contains(l.ID, ":") {
		return &generic.ValidationError{Field: "id", Reason: "listing id must not contain ':'"}
	}
	if l.OwnerID == "" {
		return &generic.ValidationError{Field: "owner_id", Reason: "listing owner is required"}
	}
	switch l.Kind {
	case ListingSupply, ListingDemand:
	default:
		return &generic.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown listing kind %q", l.Kind)}
	}
	switch l.Status {
	case ListingActive, ListingInactive:
	default:
		return &generic.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown listing status %q", l.Status)}
	}
	if len(l.LineItems) == 0 {
		return &generic.ValidationError{Field: "line_items", Reason: "listing has no line items"}
	}
	seen := make(map[LineItemKey]bool, len(l.LineItems))
	for _, li := range l.LineItems {
		if li.Key.Name == "" || li.Key.Type == "" {
			return &generic.ValidationError{Field: "line_items", Reason: "line item name and type are required"}
		}
		if strings.ContainsAny(li.Key.Name+li.Key.Type, "/:") {
			return &generic.ValidationError{Field: "line_items", Reason: fmt.Sprintf("line item %s contains a reserved character", li.Key)}
		}
		if seen[li.Key] {
			return &generic.ValidationError{Field: "line_items", Reason: fmt.Sprintf("duplicate line item %s", li.Key)}
		}
		seen[li.Key] = true
		if li.QuantityTotal.IsNegative() || li.UnitPrice.IsNegative() {
			return &generic.ValidationError{Field: "line_items", Reason: fmt.Sprintf("line item %s has a negative quantity or price", li.Key)}
		}
	}
	return nil
}

// =============================================================================
// PRODUCT
// =============================================================================

type Product struct {
	ID           string
	Name         string
	Unit         string
	Price        decimal.Decimal // buying price
	SellingPrice decimal.Decimal
	Stock        decimal.Decimal
}

func (p Product) LedgerKey() generic.LedgerKey { return generic.ProductKey(p.ID) }

func (p Product) Validate() error {
	if p.ID == "" {
		return &generic.ValidationError{Field: "id", Reason: "product id is required"}
	}
	if strings.Contains(p.ID, ":") {
		return &generic.ValidationError{Field: "id", Reason: "product id must not contain ':'"}
	}
	if p.Price.IsNegative() || p.SellingPrice.IsNegative() || p.Stock.IsNegative() {
		return &generic.ValidationError{Field: "product", Reason: fmt.Sprintf("product %s has a negative price or stock", p.ID)}
	}
	return nil
}

// =============================================================================
// READ CONTRACT
// =============================================================================

// ListingSource returns the current state of a listing, or a NotFoundError.
type ListingSource interface {
	GetListing(ctx context.Context, id string) (Listing, error)
}

// ProductSource returns the current price and stock of a product, or a
// NotFoundError.
type ProductSource interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}
