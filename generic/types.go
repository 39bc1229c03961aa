/*
Package generic provides the core reservation engine.

PURPOSE:
  This package contains the domain-agnostic pieces that every marketplace
  lifecycle relies on: the quantity ledger that prevents over-commitment of
  a finite stock, the transition gate that decides which status changes are
  legal for which role, and the error taxonomy shared by all of them.
  Whether the stock is a line item on a crop listing or a product in the
  supplier catalog, the same ledger serializes the claims against it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: decimal quantity helpers (no floats anywhere near stock)
  - LedgerKey: identifies one finite pool (listing line item or product)
  - HoldRef: identifies the record that owns part of a pool
  - Actor/Role: who is asking, resolved per request and passed explicitly

DESIGN PRINCIPLES:
  1. Precision: quantities are decimal.Decimal, never float64
  2. Type Safety: distinct ID types prevent mixing listings and products
  3. Explicit identity: no ambient session, every operation takes an Actor

USAGE:
  key := generic.ListingLineKey("L1", "wheat/organic")
  qty := generic.MustQuantity("7")

SEE ALSO:
  - ledger.go: QuantityLedger (reserve/release/remaining)
  - gate.go: Transition Gate
  - errors.go: error taxonomy
*/
package generic

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITY
// =============================================================================

// MustQuantity parses a decimal literal. Panics on malformed input; use in
// tests and static tables only.
func MustQuantity(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("invalid quantity literal %q: %v", s, err))
	}
	return d
}

// ParseQuantity parses a decimal literal supplied by a client.
func ParseQuantity(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("not a number: %q", s)}
	}
	return d, nil
}

// =============================================================================
// LEDGER KEYS
// =============================================================================

// PoolKind distinguishes the two kinds of finite pools the ledger tracks.
type PoolKind string

const (
	PoolListingLine PoolKind = "listing"
	PoolProduct     PoolKind = "product"
)

// LedgerKey identifies one finite pool of quantity.
//
//	listing line: {Kind: listing, Owner: <listingID>, Item: <name/type>}
//	product:      {Kind: product, Owner: <productID>, Item: ""}
type LedgerKey struct {
	Kind  PoolKind
	Owner string
	Item  string
}

func ListingLineKey(listingID, lineItemKey string) LedgerKey {
	return LedgerKey{Kind: PoolListingLine, Owner: listingID, Item: lineItemKey}
}

func ProductKey(productID string) LedgerKey {
	return LedgerKey{Kind: PoolProduct, Owner: productID}
}

// String is the canonical, sortable form used for storage and lock ordering.
func (k LedgerKey) String() string {
	if k.Item == "" {
		return string(k.Kind) + ":" + k.Owner
	}
	return string(k.Kind) + ":" + k.Owner + ":" + k.Item
}

// ParseLedgerKey is the inverse of LedgerKey.String.
func ParseLedgerKey(s string) (LedgerKey, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return LedgerKey{}, &ValidationError{Field: "ledger_key", Reason: fmt.Sprintf("malformed key %q", s)}
	}
	k := LedgerKey{Kind: PoolKind(parts[0]), Owner: parts[1]}
	if len(parts) == 3 {
		k.Item = parts[2]
	}
	switch k.Kind {
	case PoolListingLine:
		if k.Item == "" {
			return LedgerKey{}, &ValidationError{Field: "ledger_key", Reason: "listing key requires a line item"}
		}
	case PoolProduct:
	default:
		return LedgerKey{}, &ValidationError{Field: "ledger_key", Reason: fmt.Sprintf("unknown pool kind %q", parts[0])}
	}
	return k, nil
}

// HoldRef names the record owning a hold on a pool, e.g. "offer:<id>".
type HoldRef string

func OfferHold(offerID string) HoldRef { return HoldRef("offer:" + offerID) }
func CatalogOrderHold(orderID string) HoldRef { return HoldRef("catalog:" + orderID) }
func RestockOrderHold(orderID string) HoldRef { return HoldRef("restock:" + orderID) }

// Split returns the record kind and record id of a hold reference.
func (r HoldRef) Split() (kind, id string) {
	kind, id, _ = strings.Cut(string(r), ":")
	return kind, id
}

// =============================================================================
// ACTOR
// =============================================================================

type ActorID string

// Role is the capacity an actor acts in for a single request.
type Role string

const (
	RoleListingOwner Role = "listing_owner"
	RoleRequester    Role = "requester"
	RoleOperator     Role = "operator"
	RoleAdmin        Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleListingOwner, RoleRequester, RoleOperator, RoleAdmin:
		return true
	}
	return false
}

// Actor is the resolved identity of the caller. It is always passed in
// explicitly; nothing in the engine reads identity from ambient state.
type Actor struct {
	ID   ActorID `json:"id"`
	Role Role    `json:"role"`
}

func (a Actor) Validate() error {
	if a.ID == "" {
		return &ValidationError{Field: "actor", Reason: "actor id is required"}
	}
	if !a.Role.Valid() {
		return &ValidationError{Field: "actor", Reason: fmt.Sprintf("unknown role %q", a.Role)}
	}
	return nil
}

func (a Actor) String() string { return fmt.Sprintf("%s(%s)", a.ID, a.Role) }
