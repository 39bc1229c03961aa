/*
Package factory converts catalog seed documents into market records.

PURPOSE:
  The server can run without an external catalog service by loading
  listings and products from a seed document. The same documents back the
  demo scenarios.

FORMATS:
  JSON or YAML, same shape. Quantities and prices may be written as
  numbers or strings; they are parsed as decimals.

SCHEMA (YAML):
  products:
    - id: urea-50kg
      name: Urea 50kg
      unit: bag
      price: 300          # buying price
      selling_price: 350
      stock: 100
  listings:
    - id: L1
      owner_id: farmer-1
      title: Organic wheat, Rabi harvest
      kind: supply        # supply | demand
      status: active      # default active
      line_items:
        - name: wheat
          type: organic
          unit: quintal
          quantity_total: 10
          unit_price: 2200

SEE ALSO:
  - market/catalog.go: the in-process Catalog being filled
  - api/scenarios.go: demo seeds
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// CatalogDoc is the seed document.
type CatalogDoc struct {
	Products []ProductDoc `json:"products" yaml:"products"`
	Listings []ListingDoc `json:"listings" yaml:"listings"`
}

type ProductDoc struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Unit         string `json:"unit,omitempty" yaml:"unit,omitempty"`
	Price        Number `json:"price" yaml:"price"`
	SellingPrice Number `json:"selling_price" yaml:"selling_price"`
	Stock        Number `json:"stock" yaml:"stock"`
}

type ListingDoc struct {
	ID        string        `json:"id" yaml:"id"`
	OwnerID   string        `json:"owner_id" yaml:"owner_id"`
	Title     string        `json:"title,omitempty" yaml:"title,omitempty"`
	Kind      string        `json:"kind" yaml:"kind"`
	Status    string        `json:"status,omitempty" yaml:"status,omitempty"`
	LineItems []LineItemDoc `json:"line_items" yaml:"line_items"`
}

type LineItemDoc struct {
	Name          string `json:"name" yaml:"name"`
	Type          string `json:"type" yaml:"type"`
	Unit          string `json:"unit,omitempty" yaml:"unit,omitempty"`
	QuantityTotal Number `json:"quantity_total" yaml:"quantity_total"`
	UnitPrice     Number `json:"unit_price" yaml:"unit_price"`
}

// Number is a decimal written as a JSON/YAML number or string.
type Number string

func (n *Number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*n = ""
		return nil
	}
	*n = Number(strings.Trim(s, `"`))
	return nil
}

func (n Number) decimal(field string) (decimal.Decimal, error) {
	if n == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, &generic.ValidationError{Field: field, Reason: fmt.Sprintf("not a number: %q", string(n))}
	}
	return d, nil
}

// =============================================================================
// PARSING
// =============================================================================

// Format of a seed document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension. Anything that is not
// .yaml or .yml is read as JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// ParseCatalog decodes a seed document.
func ParseCatalog(data []byte, format Format) (CatalogDoc, error) {
	var doc CatalogDoc
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	case FormatJSON:
		err = json.Unmarshal(data, &doc)
	default:
		return doc, fmt.Errorf("unknown catalog format %q", format)
	}
	if err != nil {
		return doc, fmt.Errorf("failed to parse catalog %s: %w", format, err)
	}
	return doc, nil
}

// Build converts the document into market records and validates them.
func (d CatalogDoc) Build() ([]market.Product, []market.Listing, error) {
	products := make([]market.Product, 0, len(d.Products))
	for i, pd := range d.Products {
		p := market.Product{ID: pd.ID, Name: pd.Name, Unit: pd.Unit}
		var err error
		if p.Price, err = pd.Price.decimal("price"); err != nil {
			return nil, nil, fmt.Errorf("product %d (%s): %w", i, pd.ID, err)
		}
		if p.SellingPrice, err = pd.SellingPrice.decimal("selling_price"); err != nil {
			return nil, nil, fmt.Errorf("product %d (%s): %w", i, pd.ID, err)
		}
		if p.Stock, err = pd.Stock.decimal("stock"); err != nil {
			return nil, nil, fmt.Errorf("product %d (%s): %w", i, pd.ID, err)
		}
		if err := p.Validate(); err != nil {
			return nil, nil, fmt.Errorf("product %d (%s): %w", i, pd.ID, err)
		}
		products = append(products, p)
	}

	listings := make([]market.Listing, 0, len(d.Listings))
	for i, ld := range d.Listings {
		l := market.Listing{
			ID:      ld.ID,
			OwnerID: generic.ActorID(ld.OwnerID),
			Title:   ld.Title,
			Kind:    market.ListingKind(ld.Kind),
			Status:  market.ListingStatus(ld.Status),
		}
		if l.Status == "" {
			l.Status = market.ListingActive
		}
		for _, li := range ld.LineItems {
			item := market.LineItem{Key: market.LineItemKey{Name: li.Name, Type: li.Type}, Unit: li.Unit}
			var err error
			if item.QuantityTotal, err = li.QuantityTotal.decimal("quantity_total"); err != nil {
				return nil, nil, fmt.Errorf("listing %d (%s): %w", i, ld.ID, err)
			}
			if item.UnitPrice, err = li.UnitPrice.decimal("unit_price"); err != nil {
				return nil, nil, fmt.Errorf("listing %d (%s): %w", i, ld.ID, err)
			}
			l.LineItems = append(l.LineItems, item)
		}
		if err := l.Validate(); err != nil {
			return nil, nil, fmt.Errorf("listing %d (%s): %w", i, ld.ID, err)
		}
		listings = append(listings, l)
	}
	return products, listings, nil
}

// Load parses data and puts every record into cat.
func Load(cat *market.Catalog, data []byte, format Format) (int, error) {
	doc, err := ParseCatalog(data, format)
	if err != nil {
		return 0, err
	}
	products, listings, err := doc.Build()
	if err != nil {
		return 0, err
	}
	for _, p := range products {
		if err := cat.PutProduct(p); err != nil {
			return 0, err
		}
	}
	for _, l := range listings {
		if err := cat.PutListing(l); err != nil {
			return 0, err
		}
	}
	return len(products) + len(listings), nil
}

// LoadFile reads a seed document from disk.
func LoadFile(cat *market.Catalog, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog seed: %w", err)
	}
	return Load(cat, data, FormatOf(path))
}
