/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built catalog seeds that populate listings and products
	with realistic data for demos. Each scenario is a YAML seed document
	read by the factory, optionally followed by a few engine calls that
	put the marketplace in an interesting state.

AVAILABLE SCENARIOS:

	harvest-season:    Two supply listings with several crop lines
	input-store:       Fertilizer and seed products for catalog and bulk orders
	contested-listing: One small listing with an offer already holding most of it

HOW SCENARIOS WORK:
 1. Reset ledger and records
 2. Reset the catalog
 3. Load the seed via factory.Load
 4. Run the scenario's setup calls, if any

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "contested-listing"}

NOTE:

	Scenarios reset all state. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler
  - factory/catalog.go: Seed document format
*/
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/kisaan/fulfillment-engine/factory"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	seed  string
	setup func(ctx context.Context, h *Handler) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "harvest-season",
			Name:        "Harvest Season",
			Description: "Two supply listings with wheat, rice and mustard lines open for offers",
		},
		seed: harvestSeasonSeed,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "input-store",
			Name:        "Input Store",
			Description: "Fertilizer and seed products shared by catalog orders and bulk restock orders",
		},
		seed: inputStoreSeed,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "contested-listing",
			Name:        "Contested Listing",
			Description: "A 10 quintal wheat line with a pending offer for 7; a second offer for 5 will be refused",
		},
		seed:  contestedListingSeed,
		setup: setupContestedListing,
	},
}

const harvestSeasonSeed = `
listings:
  - id: harvest-ramesh
    owner_id: farmer-ramesh
    title: Rabi harvest, Sehore
    kind: supply
    line_items:
      - {name: wheat, type: sharbati, unit: quintal, quantity_total: 40, unit_price: 2450}
      - {name: wheat, type: lokwan, unit: quintal, quantity_total: 25, unit_price: 2275}
      - {name: mustard, type: black, unit: quintal, quantity_total: 12, unit_price: 5650}
  - id: harvest-sunita
    owner_id: farmer-sunita
    title: Basmati from Karnal
    kind: supply
    line_items:
      - {name: rice, type: basmati-1121, unit: quintal, quantity_total: 60, unit_price: 4100}
      - {name: rice, type: pusa-1509, unit: quintal, quantity_total: 35, unit_price: 3650}
`

const inputStoreSeed = `
products:
  - {id: urea-45kg, name: Urea 45kg, unit: bag, price: 242, selling_price: 266.5, stock: 400}
  - {id: dap-50kg, name: DAP 50kg, unit: bag, price: 1350, selling_price: 1400, stock: 150}
  - {id: wheat-seed-hd2967, name: Wheat seed HD-2967, unit: kg, price: 38, selling_price: 45, stock: 2000}
  - {id: knapsack-sprayer, name: Knapsack sprayer 16L, unit: piece, price: 1850, selling_price: 2199, stock: 12}
`

const contestedListingSeed = `
listings:
  - id: contested-wheat
    owner_id: farmer-1
    title: Organic wheat, small lot
    kind: supply
    line_items:
      - {name: wheat, type: organic, unit: quintal, quantity_total: 10, unit_price: 2800}
      - {name: rice, type: basmati, unit: quintal, quantity_total: 5, unit_price: 4200}
`

func setupContestedListing(ctx context.Context, h *Handler) error {
	_, err := h.Engine.SubmitOffer(ctx, fulfillment.Draft{
		ListingID:   "contested-wheat",
		RequestedBy: "buyer-a",
		Lines: []fulfillment.Line{
			{LineItemKey: market.LineItemKey{Name: "wheat", Type: "organic"}, Quantity: generic.MustQuantity("7")},
		},
	}, "scenario-contested-listing")
	return err
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	s, ok := findScenario(current)
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

// LoadScenario resets all state and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeDomainError(w, &generic.NotFoundError{Kind: "scenario", ID: req.ScenarioID})
		return
	}
	if h.Reset == nil {
		writeError(w, http.StatusNotImplemented, "Scenario loading is disabled", nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.loadScenario(r.Context(), s); err != nil {
		writeDomainError(w, err)
		return
	}
	h.currentScenario = s.ID
	log.Printf("[API] Loaded scenario %s", s.ID)
	writeJSON(w, http.StatusOK, s.ScenarioDTO)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	h.Catalog.Reset()
	if _, err := factory.Load(h.Catalog, []byte(s.seed), factory.FormatYAML); err != nil {
		return fmt.Errorf("scenario %s: %w", s.ID, err)
	}
	if s.setup != nil {
		if err := s.setup(ctx, h); err != nil {
			return fmt.Errorf("scenario %s setup: %w", s.ID, err)
		}
	}
	return nil
}
