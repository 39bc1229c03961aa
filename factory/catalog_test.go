package factory_test

import (
	"context"
	"testing"

	"github.com/kisaan/fulfillment-engine/factory"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
products:
  - id: urea-50kg
    name: Urea 50kg
    unit: bag
    price: 300
    selling_price: "350.50"
    stock: 100
listings:
  - id: L1
    owner_id: farmer-1
    kind: supply
    line_items:
      - name: wheat
        type: organic
        unit: quintal
        quantity_total: 10
        unit_price: 2200
`

const seedJSON = `{
  "products": [{"id": "urea-50kg", "name": "Urea 50kg", "price": 300, "selling_price": "350.50", "stock": 100}],
  "listings": [{
    "id": "L1", "owner_id": "farmer-1", "kind": "supply",
    "line_items": [{"name": "wheat", "type": "organic", "quantity_total": 10, "unit_price": "2200"}]
  }]
}`

func TestLoad_BothFormatsAgree(t *testing.T) {
	for name, tc := range map[string]struct {
		data   string
		format factory.Format
	}{
		"yaml": {seedYAML, factory.FormatYAML},
		"json": {seedJSON, factory.FormatJSON},
	} {
		t.Run(name, func(t *testing.T) {
			cat := market.NewCatalog()
			n, err := factory.Load(cat, []byte(tc.data), tc.format)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			p, err := cat.GetProduct(context.Background(), "urea-50kg")
			require.NoError(t, err)
			assert.True(t, p.SellingPrice.Equal(generic.MustQuantity("350.5")))
			assert.True(t, p.Stock.Equal(generic.MustQuantity("100")))

			l, err := cat.GetListing(context.Background(), "L1")
			require.NoError(t, err)
			assert.Equal(t, market.ListingActive, l.Status, "status defaults to active")
			li, ok := l.Line(market.LineItemKey{Name: "wheat", Type: "organic"})
			require.True(t, ok)
			assert.True(t, li.QuantityTotal.Equal(generic.MustQuantity("10")))
		})
	}
}

func TestLoad_RejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"bad number":     `{"products": [{"id": "p", "price": "abc"}]}`,
		"negative stock": `{"products": [{"id": "p", "stock": -1}]}`,
		"duplicate line": `{"listings": [{"id": "L", "owner_id": "o", "kind": "supply", "line_items": [
			{"name": "a", "type": "b", "quantity_total": 1}, {"name": "a", "type": "b", "quantity_total": 2}]}]}`,
		"unknown kind": `{"listings": [{"id": "L", "owner_id": "o", "kind": "barter", "line_items": [{"name": "a", "type": "b"}]}]}`,
		"not json":     `{`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.Load(market.NewCatalog(), []byte(data), factory.FormatJSON)
			assert.Error(t, err)
		})
	}
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, factory.FormatYAML, factory.FormatOf("seed.yaml"))
	assert.Equal(t, factory.FormatYAML, factory.FormatOf("seed.YML"))
	assert.Equal(t, factory.FormatJSON, factory.FormatOf("seed.json"))
}
