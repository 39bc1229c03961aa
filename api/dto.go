/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain records from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

NUMBERS:
  Quantities and prices are decimals. They are written as JSON strings
  ("7.5") and accepted as strings or numbers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/kisaan/fulfillment-engine/catalog"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/restock"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LISTINGS
// =============================================================================

type LineItemDTO struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Unit          string          `json:"unit,omitempty"`
	QuantityTotal decimal.Decimal `json:"quantity_total"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Remaining     decimal.Decimal `json:"remaining"`
}

type ListingDTO struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	Title     string        `json:"title,omitempty"`
	Kind      string        `json:"kind"`
	Status    string        `json:"status"`
	LineItems []LineItemDTO `json:"line_items"`
}

type RemainingDTO struct {
	ListingID string          `json:"listing_id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Remaining decimal.Decimal `json:"remaining"`
}

type ProductDTO struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit,omitempty"`
	Price        decimal.Decimal `json:"price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
	Stock        decimal.Decimal `json:"stock"`
	Remaining    decimal.Decimal `json:"remaining"`
}

// =============================================================================
// OFFERS
// =============================================================================

type OfferLineDTO struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OfferRequest is the body of both the draft and the submit endpoints.
type OfferRequest struct {
	Lines []OfferLineDTO `json:"lines"`
}

type DraftDTO struct {
	ListingID   string         `json:"listing_id"`
	RequestedBy string         `json:"requested_by"`
	Lines       []OfferLineDTO `json:"lines"`
}

type OfferDTO struct {
	ID          string         `json:"id"`
	ListingID   string         `json:"listing_id"`
	RequestedBy string         `json:"requested_by"`
	Lines       []OfferLineDTO `json:"lines"`
	Status      string         `json:"status"`
	Version     int64          `json:"version"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

func toOfferLines(lines []fulfillment.Line) []OfferLineDTO {
	out := make([]OfferLineDTO, len(lines))
	for i, l := range lines {
		out[i] = OfferLineDTO{Name: l.LineItemKey.Name, Type: l.LineItemKey.Type, Quantity: l.Quantity}
	}
	return out
}

func fromOfferLines(lines []OfferLineDTO) []fulfillment.Line {
	out := make([]fulfillment.Line, len(lines))
	for i, l := range lines {
		out[i] = fulfillment.Line{LineItemKey: market.LineItemKey{Name: l.Name, Type: l.Type}, Quantity: l.Quantity}
	}
	return out
}

func toOfferDTO(o fulfillment.Offer) OfferDTO {
	return OfferDTO{
		ID:          o.ID,
		ListingID:   o.ListingID,
		RequestedBy: string(o.RequestedBy),
		Lines:       toOfferLines(o.Lines),
		Status:      string(o.Status),
		Version:     o.Version,
		CreatedAt:   formatTime(o.CreatedAt),
		UpdatedAt:   formatTime(o.UpdatedAt),
	}
}

// =============================================================================
// CATALOG ORDERS
// =============================================================================

type CatalogOrderRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type CatalogOrderDTO struct {
	ID        string          `json:"id"`
	CreatedBy string          `json:"created_by"`
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Status    string          `json:"status"`
	Version   int64           `json:"version"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func toCatalogOrderDTO(o catalog.Order) CatalogOrderDTO {
	return CatalogOrderDTO{
		ID:        o.ID,
		CreatedBy: string(o.CreatedBy),
		ProductID: o.ProductID,
		Quantity:  o.Quantity,
		Status:    string(o.Status),
		Version:   o.Version,
		CreatedAt: formatTime(o.CreatedAt),
		UpdatedAt: formatTime(o.UpdatedAt),
	}
}

// =============================================================================
// RESTOCK ORDERS
// =============================================================================

type RestockLineDTO struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// RestockOrderRequest is the body of create and edit.
type RestockOrderRequest struct {
	Lines []RestockLineDTO `json:"lines"`
}

type RestockOrderDTO struct {
	ID                string           `json:"id"`
	CreatedBy         string           `json:"created_by"`
	Lines             []RestockLineDTO `json:"lines"`
	Status            string           `json:"status"`
	TotalBuyingValue  decimal.Decimal  `json:"total_buying_value"`
	TotalSellingValue decimal.Decimal  `json:"total_selling_value"`
	Version           int64            `json:"version"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
}

func fromRestockLines(lines []RestockLineDTO) []restock.Line {
	out := make([]restock.Line, len(lines))
	for i, l := range lines {
		out[i] = restock.Line{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return out
}

func toRestockOrderDTO(o restock.Order) RestockOrderDTO {
	lines := make([]RestockLineDTO, len(o.Lines))
	for i, l := range o.Lines {
		lines[i] = RestockLineDTO{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return RestockOrderDTO{
		ID:                o.ID,
		CreatedBy:         string(o.CreatedBy),
		Lines:             lines,
		Status:            string(o.Status),
		TotalBuyingValue:  o.TotalBuyingValue,
		TotalSellingValue: o.TotalSellingValue,
		Version:           o.Version,
		CreatedAt:         formatTime(o.CreatedAt),
		UpdatedAt:         formatTime(o.UpdatedAt),
	}
}

// =============================================================================
// TRANSITIONS & GATE
// =============================================================================

type TransitionRequest struct {
	EntityType string `json:"entity_type"`
	ID         string `json:"id"`
	To         string `json:"to"`
}

type GateDTO struct {
	Entity  string   `json:"entity_type"`
	Status  string   `json:"status"`
	Role    string   `json:"role,omitempty"`
	Allowed []string `json:"allowed"`
}

// recordDTO renders any lifecycle record returned by a transition.
func recordDTO(rec generic.Record) any {
	switch r := rec.(type) {
	case fulfillment.Offer:
		return toOfferDTO(r)
	case catalog.Order:
		return toCatalogOrderDTO(r)
	case restock.Order:
		return toRestockOrderDTO(r)
	}
	return rec
}

// =============================================================================
// LEDGER & ADMIN
// =============================================================================

type HoldDTO struct {
	Ref      string          `json:"ref"`
	Quantity decimal.Decimal `json:"quantity"`
	At       string          `json:"at"`
}

type LedgerEntryDTO struct {
	Key         string          `json:"key"`
	Total       decimal.Decimal `json:"total"`
	Committed   decimal.Decimal `json:"committed"`
	Remaining   decimal.Decimal `json:"remaining"`
	Holds       []HoldDTO       `json:"holds"`
	Version     int64           `json:"version"`
	Faulted     bool            `json:"faulted"`
	FaultDetail string          `json:"fault_detail,omitempty"`
	UpdatedAt   string          `json:"updated_at"`
}

func toLedgerEntryDTO(e generic.LedgerEntry) LedgerEntryDTO {
	holds := make([]HoldDTO, 0, len(e.Holds))
	for _, ref := range e.SortedRefs() {
		h := e.Holds[ref]
		holds = append(holds, HoldDTO{Ref: string(ref), Quantity: h.Quantity, At: formatTime(h.At)})
	}
	return LedgerEntryDTO{
		Key:         e.Key.String(),
		Total:       e.Total,
		Committed:   e.Committed,
		Remaining:   e.Remaining(),
		Holds:       holds,
		Version:     e.Version,
		Faulted:     e.Faulted,
		FaultDetail: e.FaultDetail,
		UpdatedAt:   formatTime(e.UpdatedAt),
	}
}

type ClearFaultRequest struct {
	Key string `json:"key"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request body for loading a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
