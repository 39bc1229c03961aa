/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Heartbeat:  GET /healthz liveness probe
  5. CORS:       Cross-origin requests for the marketplace frontend

ROUTE GROUPS:
  /api/listings/*         Listings, remaining quantities, offers
  /api/offers/*           Offer lookup
  /api/products/*         Catalog products
  /api/catalog-orders/*   Single-product orders
  /api/restock-orders/*   Bulk restock orders
  /api/transitions        Status changes for every record kind
  /api/gate               Transition table queries
  /api/admin/*            Ledger inspection, audit, fault clearing
  /api/events             Recently published events
  /api/scenarios/*        Demo scenarios

SECURITY NOTE:
  Actors are taken from request headers as given. Authentication belongs
  to the gateway in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderActorID, HeaderActorRole, HeaderIdempotencyKey},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// Listing routes
		r.Route("/listings", func(r chi.Router) {
			r.Get("/", h.ListListings)
			r.Get("/{id}", h.GetListing)
			r.Get("/{id}/lines/{name}/{type}/remaining", h.GetRemaining)
			r.Post("/{id}/offers/draft", h.DraftOffer)
			r.Post("/{id}/offers", h.SubmitOffer)
			r.Get("/{id}/offers", h.ListOffers)
		})

		r.Get("/offers/{id}", h.GetOffer)

		// Product routes
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Get("/{id}", h.GetProduct)
		})

		// Catalog order routes
		r.Route("/catalog-orders", func(r chi.Router) {
			r.Post("/", h.PlaceCatalogOrder)
			r.Get("/{id}", h.GetCatalogOrder)
		})

		// Bulk restock routes
		r.Route("/restock-orders", func(r chi.Router) {
			r.Post("/", h.CreateRestockOrder)
			r.Get("/", h.ListRestockOrders)
			r.Get("/{id}", h.GetRestockOrder)
			r.Put("/{id}", h.EditRestockOrder)
			r.Delete("/{id}", h.DeleteRestockOrder)
		})

		// Lifecycle routes
		r.Post("/transitions", h.Transition)
		r.Get("/gate", h.GetGate)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/ledger", h.ListLedger)
			r.Post("/ledger/clear-fault", h.ClearFault)
			r.Get("/audit", h.LastAudit)
			r.Post("/audit", h.RunAudit)
		})

		r.Get("/events", h.ListEvents)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
