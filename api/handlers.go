/*
handlers.go - HTTP API handlers for the fulfillment engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, actor resolution, and delegates to the engine.

ENDPOINTS:
  Listings:
    GET    /api/listings                                  List listings with remaining per line
    GET    /api/listings/{id}                             Listing + remaining per line
    GET    /api/listings/{id}/lines/{name}/{type}/remaining
    POST   /api/listings/{id}/offers/draft                Validate a candidate offer
    POST   /api/listings/{id}/offers                      Submit an offer (Idempotency-Key)
    GET    /api/listings/{id}/offers                      Offers on a listing

  Offers:
    GET    /api/offers/{id}

  Products / catalog orders:
    GET    /api/products
    GET    /api/products/{id}
    POST   /api/catalog-orders                            Place an order (Idempotency-Key)
    GET    /api/catalog-orders/{id}

  Bulk restock orders:
    POST   /api/restock-orders                            Create (Idempotency-Key)
    GET    /api/restock-orders?created_by=
    GET    /api/restock-orders/{id}
    PUT    /api/restock-orders/{id}                       Edit lines
    DELETE /api/restock-orders/{id}

  Lifecycle:
    POST   /api/transitions                               Any status change
    GET    /api/gate?entity=&status=&role=           Allowed transitions (table as text without params)

  Admin (role admin):
    GET    /api/admin/ledger
    POST   /api/admin/audit
    GET    /api/admin/audit                               Last audit outcome
    POST   /api/admin/ledger/clear-fault

  Events:
    GET    /api/events                                    Recently published events

ACTOR:
  Every request names its actor in X-Actor-ID and X-Actor-Role. The actor
  is resolved per request and passed to the engine explicitly.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Role or ownership does not allow the operation
  - 404: Record not found
  - 409: Concurrent modification (retry the request)
  - 422: Insufficient capacity, illegal status transition
  - 500: Ledger consistency fault, internal errors
  - 503: Outcome unknown (the request was interrupted mid-write)

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/kisaan/fulfillment-engine/engine"
	"github.com/kisaan/fulfillment-engine/fulfillment"
	"github.com/kisaan/fulfillment-engine/generic"
	"github.com/kisaan/fulfillment-engine/market"
	"github.com/kisaan/fulfillment-engine/notify"
)

const (
	HeaderActorID        = "X-Actor-ID"
	HeaderActorRole      = "X-Actor-Role"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *engine.Engine
	Catalog *market.Catalog

	// Recorder backs GET /api/events. Optional.
	Recorder *notify.Recorder

	// Scheduler, when set, runs manual audits so the last report is kept.
	Scheduler *AuditScheduler

	// Reset wipes ledger and records before a scenario is loaded. Optional;
	// without it scenarios cannot be loaded.
	Reset func(ctx context.Context) error

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler over the engine and the catalog it reads.
func NewHandler(e *engine.Engine, cat *market.Catalog) *Handler {
	return &Handler{Engine: e, Catalog: cat}
}

// =============================================================================
// LISTING ENDPOINTS
// =============================================================================

// ListListings returns every listing with remaining quantities.
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings := h.Catalog.Listings()
	dtos := make([]ListingDTO, 0, len(listings))
	for _, l := range listings {
		dto, err := h.listingDTO(r.Context(), l)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetListing returns one listing with remaining quantities.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.Catalog.GetListing(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto, err := h.listingDTO(r.Context(), l)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) listingDTO(ctx context.Context, l market.Listing) (ListingDTO, error) {
	dto := ListingDTO{
		ID:        l.ID,
		OwnerID:   string(l.OwnerID),
		Title:     l.Title,
		Kind:      string(l.Kind),
		Status:    string(l.Status),
		LineItems: make([]LineItemDTO, 0, len(l.LineItems)),
	}
	for _, li := range l.LineItems {
		remaining, err := h.Engine.Remaining(ctx, l.ID, li.Key)
		if err != nil {
			return ListingDTO{}, err
		}
		dto.LineItems = append(dto.LineItems, LineItemDTO{
			Name:          li.Key.Name,
			Type:          li.Key.Type,
			Unit:          li.Unit,
			QuantityTotal: li.QuantityTotal,
			UnitPrice:     li.UnitPrice,
			Remaining:     remaining,
		})
	}
	return dto, nil
}

// GetRemaining returns the remaining quantity of one listing line.
func (h *Handler) GetRemaining(w http.ResponseWriter, r *http.Request) {
	key := market.LineItemKey{Name: chi.URLParam(r, "name"), Type: chi.URLParam(r, "type")}
	listingID := chi.URLParam(r, "id")
	remaining, err := h.Engine.Remaining(r.Context(), listingID, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RemainingDTO{ListingID: listingID, Name: key.Name, Type: key.Type, Remaining: remaining})
}

// =============================================================================
// OFFER ENDPOINTS
// =============================================================================

// DraftOffer validates a candidate offer without reserving anything.
func (h *Handler) DraftOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req OfferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	draft, err := h.Engine.BuildOffer(r.Context(), chi.URLParam(r, "id"), fromOfferLines(req.Lines), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DraftDTO{
		ListingID:   draft.ListingID,
		RequestedBy: string(draft.RequestedBy),
		Lines:       toOfferLines(draft.Lines),
	})
}

// SubmitOffer reserves and creates an offer. The advisory remaining check
// of the draft endpoint is skipped; the reservation itself decides.
func (h *Handler) SubmitOffer(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req OfferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	draft := fulfillment.Draft{
		ListingID:   chi.URLParam(r, "id"),
		RequestedBy: actor.ID,
		Lines:       fromOfferLines(req.Lines),
	}
	offer, err := h.Engine.SubmitOffer(r.Context(), draft, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOfferDTO(offer))
}

// ListOffers returns the offers on a listing, oldest first.
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.Engine.ListOffers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]OfferDTO, len(offers))
	for i, o := range offers {
		dtos[i] = toOfferDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.GetOffer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOfferDTO(o))
}

// =============================================================================
// PRODUCT / CATALOG ORDER ENDPOINTS
// =============================================================================

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products := h.Catalog.Products()
	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dto, err := h.productDTO(r.Context(), p)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		dtos = append(dtos, dto)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Catalog.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto, err := h.productDTO(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) productDTO(ctx context.Context, p market.Product) (ProductDTO, error) {
	remaining, err := h.Engine.ProductRemaining(ctx, p.ID)
	if err != nil {
		return ProductDTO{}, err
	}
	return ProductDTO{
		ID:           p.ID,
		Name:         p.Name,
		Unit:         p.Unit,
		Price:        p.Price,
		SellingPrice: p.SellingPrice,
		Stock:        p.Stock,
		Remaining:    remaining,
	}, nil
}

func (h *Handler) PlaceCatalogOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req CatalogOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	o, err := h.Engine.PlaceCatalogOrder(r.Context(), req.ProductID, req.Quantity, actor, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCatalogOrderDTO(o))
}

func (h *Handler) GetCatalogOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.GetCatalogOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCatalogOrderDTO(o))
}

// =============================================================================
// RESTOCK ORDER ENDPOINTS
// =============================================================================

func (h *Handler) CreateRestockOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req RestockOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	o, err := h.Engine.CreateBulkOrder(r.Context(), fromRestockLines(req.Lines), actor, r.Header.Get(HeaderIdempotencyKey))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRestockOrderDTO(o))
}

// ListRestockOrders lists orders by creator (defaults to the calling actor).
func (h *Handler) ListRestockOrders(w http.ResponseWriter, r *http.Request) {
	createdBy := r.URL.Query().Get("created_by")
	if createdBy == "" {
		createdBy = r.Header.Get(HeaderActorID)
	}
	if createdBy == "" {
		writeError(w, http.StatusBadRequest, "created_by is required", nil)
		return
	}
	orders, err := h.Engine.ListBulkOrders(r.Context(), generic.ActorID(createdBy))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]RestockOrderDTO, len(orders))
	for i, o := range orders {
		dtos[i] = toRestockOrderDTO(o)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRestockOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.GetBulkOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRestockOrderDTO(o))
}

func (h *Handler) EditRestockOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req RestockOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	o, err := h.Engine.EditBulkOrder(r.Context(), chi.URLParam(r, "id"), fromRestockLines(req.Lines), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRestockOrderDTO(o))
}

func (h *Handler) DeleteRestockOrder(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.Engine.DeleteBulkOrder(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LIFECYCLE ENDPOINTS
// =============================================================================

// Transition changes the status of any lifecycle record.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req TransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := h.Engine.Transition(r.Context(), generic.EntityType(req.EntityType), req.ID, generic.Status(req.To), actor)
	if err != nil {
		if errors.Is(err, generic.ErrIllegalTransition) {
			log.Printf("[API] Illegal transition of %s %s to %s by %s: %v", req.EntityType, req.ID, req.To, actor, err)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordDTO(rec))
}

// GetGate answers "where can this go next". Without an entity type it
// returns the whole table as plain text.
func (h *Handler) GetGate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entity := q.Get("entity")
	if entity == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(h.Engine.Gate.Render()))
		return
	}
	status, role := q.Get("status"), q.Get("role")
	allowed, err := h.Engine.AllowedTransitions(generic.EntityType(entity), generic.Status(status), generic.Role(role))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := GateDTO{Entity: entity, Status: status, Role: role, Allowed: make([]string, len(allowed))}
	for i, s := range allowed {
		dto.Allowed[i] = string(s)
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	if _, err := adminFrom(r); err != nil {
		writeDomainError(w, err)
		return
	}
	entries, err := h.Engine.LedgerEntries(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := adminFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[API] Audit requested by %s", actor)
	var report engine.AuditReport
	if h.Scheduler != nil {
		report, err = h.Scheduler.RunNow(r.Context())
	} else {
		report, err = h.Engine.Audit(r.Context())
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastAudit returns the outcome of the most recent audit.
func (h *Handler) LastAudit(w http.ResponseWriter, r *http.Request) {
	if _, err := adminFrom(r); err != nil {
		writeDomainError(w, err)
		return
	}
	if h.Scheduler == nil {
		writeError(w, http.StatusNotFound, "Audit scheduler not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.LastRun())
}

func (h *Handler) ClearFault(w http.ResponseWriter, r *http.Request) {
	actor, err := adminFrom(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req ClearFaultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	key, err := generic.ParseLedgerKey(req.Key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	log.Printf("[API] Clear fault on %s requested by %s", key, actor)
	entry, err := h.Engine.ClearFault(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(entry))
}

// ListEvents returns the events the recorder kept, oldest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Recorder == nil {
		writeJSON(w, http.StatusOK, []generic.Event{})
		return
	}
	writeJSON(w, http.StatusOK, h.Recorder.Events())
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFrom resolves the calling actor from the request headers.
func actorFrom(r *http.Request) (generic.Actor, error) {
	actor := generic.Actor{
		ID:   generic.ActorID(r.Header.Get(HeaderActorID)),
		Role: generic.Role(r.Header.Get(HeaderActorRole)),
	}
	if err := actor.Validate(); err != nil {
		return generic.Actor{}, err
	}
	return actor, nil
}

func adminFrom(r *http.Request) (generic.Actor, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return generic.Actor{}, err
	}
	if actor.Role != generic.RoleAdmin {
		return generic.Actor{}, fmt.Errorf("%w: admin role required", generic.ErrPermissionDenied)
	}
	return actor, nil
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &generic.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an engine error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	status, message := classify(err)
	if !generic.IsClientError(err) && !generic.IsNotFound(err) && !generic.IsRetryable(err) {
		log.Printf("[API] %s: %v", message, err)
	}
	writeError(w, status, message, err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, generic.ErrPermissionDenied):
		return http.StatusForbidden, "Permission denied"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, generic.ErrInsufficientCapacity):
		return http.StatusUnprocessableEntity, "Insufficient capacity"
	case errors.Is(err, generic.ErrIllegalTransition):
		return http.StatusUnprocessableEntity, "Illegal status transition"
	case generic.IsRetryable(err):
		return http.StatusConflict, "Concurrent modification, retry the request"
	case errors.Is(err, generic.ErrConsistencyFault):
		return http.StatusInternalServerError, "Ledger consistency fault"
	case errors.Is(err, generic.ErrOutcomeUnknown):
		return http.StatusServiceUnavailable, "Outcome unknown, check the record before retrying"
	}
	return http.StatusInternalServerError, "Internal error"
}
