package market

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/kisaan/fulfillment-engine/generic"
)

// Catalog is an in-process ListingSource and ProductSource. Used by the
// server when no external catalog service is configured, and by tests.
type Catalog struct {
	mu       sync.RWMutex
	listings map[string]Listing
	products map[string]Product
}

func NewCatalog() *Catalog {
	return &Catalog{
		listings: make(map[string]Listing),
		products: make(map[string]Product),
	}
}

// PutListing adds or replaces a listing after validating it.
func (c *Catalog) PutListing(l Listing) error {
	if err := l.Validate(); err != nil {
		return err
	}
	l.LineItems = slices.Clone(l.LineItems)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings[l.ID] = l
	return nil
}

// PutProduct adds or replaces a product after validating it.
func (c *Catalog) PutProduct(p Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
	return nil
}

func (c *Catalog) GetListing(_ context.Context, id string) (Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.listings[id]
	if !ok {
		return Listing{}, &generic.NotFoundError{Kind: "listing", ID: id}
	}
	l.LineItems = slices.Clone(l.LineItems)
	return l, nil
}

func (c *Catalog) GetProduct(_ context.Context, id string) (Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return Product{}, &generic.NotFoundError{Kind: "product", ID: id}
	}
	return p, nil
}

// Listings returns every listing ordered by id.
func (c *Catalog) Listings() []Listing {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Listing, 0, len(c.listings))
	for _, l := range c.listings {
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b Listing) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Products returns every product ordered by id.
func (c *Catalog) Products() []Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Product) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Reset drops every listing and product.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = make(map[string]Listing)
	c.products = make(map[string]Product)
}
