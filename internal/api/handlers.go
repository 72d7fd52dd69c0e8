/**
 * @description
 * HTTP handlers for the escrow service. Handlers parse the request, resolve the
 * authenticated actor, call the application service and map its error kinds to
 * HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain, internal/rail: Service logic, models and error kinds.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/rail"
)

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service *app.Service
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service) *EscrowHandlers {
	return &EscrowHandlers{service: service}
}

type submitOfferRequest struct {
	PropertyID uuid.UUID `json:"property_id"`
	domain.OfferTerms
}

type directTransactionRequest struct {
	PropertyID    uuid.UUID            `json:"property_id"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
}

type captureRequest struct {
	PayerReference string `json:"payer_reference"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// SubmitOfferHandler handles POST /offers.
func (h *EscrowHandlers) SubmitOfferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req submitOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=submit_offer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	offer, err := h.service.SubmitOffer(r.Context(), actor, req.PropertyID, req.OfferTerms)
	if err != nil {
		log.Printf("level=warn component=api endpoint=submit_offer outcome=failed buyer_id=%s property_id=%s err=%v", actor.ID, req.PropertyID, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=submit_offer outcome=accepted buyer_id=%s offer_id=%s amount=%d", actor.ID, offer.ID, offer.OfferAmount)
	h.writeJSON(w, http.StatusCreated, offer)
}

// GetOfferHandler handles GET /offers/{id}.
func (h *EscrowHandlers) GetOfferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	offer, err := h.service.GetOffer(r.Context(), actor, offerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offer)
}

// ListMyOffersHandler handles GET /offers and returns every offer the caller
// made or received.
func (h *EscrowHandlers) ListMyOffersHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	offers, err := h.service.ListOffersForUser(r.Context(), actor)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offers)
}

// ListPropertyOffersHandler handles GET /properties/{id}/offers.
func (h *EscrowHandlers) ListPropertyOffersHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	propertyID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	offers, err := h.service.ListOffersForProperty(r.Context(), actor, propertyID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offers)
}

// RespondToOfferHandler handles POST /offers/{id}/respond.
func (h *EscrowHandlers) RespondToOfferHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	offerID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req domain.OfferResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=respond_offer outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	outcome, err := h.service.RespondToOffer(r.Context(), actor, offerID, req)
	if err != nil {
		log.Printf("level=warn component=api endpoint=respond_offer outcome=failed actor_id=%s offer_id=%s decision=%s err=%v", actor.ID, offerID, req.Decision, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=respond_offer outcome=accepted actor_id=%s offer_id=%s decision=%s", actor.ID, offerID, req.Decision)
	h.writeJSON(w, http.StatusOK, outcome)
}

// CreateDirectTransactionHandler handles POST /transactions/direct.
func (h *EscrowHandlers) CreateDirectTransactionHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req directTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	txn, err := h.service.CreateTransactionDirect(r.Context(), actor, req.PropertyID, req.PaymentMethod)
	if err != nil {
		log.Printf("level=warn component=api endpoint=direct_purchase outcome=failed buyer_id=%s property_id=%s err=%v", actor.ID, req.PropertyID, err)
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, txn)
}

// GetEscrowStatusHandler handles GET /transactions/{id}/escrow.
func (h *EscrowHandlers) GetEscrowStatusHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	status, err := h.service.GetEscrowStatus(r.Context(), actor, txID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// CaptureFundsHandler handles POST /transactions/{id}/capture.
func (h *EscrowHandlers) CaptureFundsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	txn, err := h.service.CaptureFunds(r.Context(), actor, txID, req.PayerReference)
	if err != nil {
		log.Printf("level=warn component=api endpoint=capture_funds outcome=failed buyer_id=%s transaction_id=%s err=%v", actor.ID, txID, err)
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if txn.Status == domain.TransactionPending {
		// Submitted to the rail; confirmation arrives asynchronously.
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, txn)
}

// CancelTransactionHandler handles POST /transactions/{id}/cancel.
func (h *EscrowHandlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	txn, err := h.service.Cancel(r.Context(), actor, txID, req.Reason)
	if err != nil {
		log.Printf("level=warn component=api endpoint=cancel_transaction outcome=failed actor_id=%s transaction_id=%s err=%v", actor.ID, txID, err)
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if txn.Status != domain.TransactionCancelled {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, txn)
}

// DisputeTransactionHandler handles POST /transactions/{id}/dispute.
func (h *EscrowHandlers) DisputeTransactionHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	txID, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req reasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	txn, err := h.service.Dispute(r.Context(), actor, txID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txn)
}

// ActivityFeedHandler handles GET /activity?limit=&offset=.
func (h *EscrowHandlers) ActivityFeedHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var opts domain.ActivityListOptions
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		opts.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
		opts.Offset = offset
	}

	items, err := h.service.ActivityFeed(r.Context(), actor, opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, items)
}

// QuoteFeesHandler handles GET /fees/quote?amount=.
func (h *EscrowHandlers) QuoteFeesHandler(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "amount must be an integer number of cents")
		return
	}

	split, err := h.service.QuoteFees(amount)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, split)
}

// RailEventHandler handles POST /internal/rail-events, the webhook ingestion
// path for rail confirmations.
func (h *EscrowHandlers) RailEventHandler(w http.ResponseWriter, r *http.Request) {
	var ev domain.RailEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		log.Printf("level=warn component=api endpoint=rail_event outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	if err := h.service.HandleRailEvent(r.Context(), ev); err != nil {
		log.Printf("level=warn component=api endpoint=rail_event outcome=failed transaction_id=%s stage=%s err=%v", ev.TransactionID, ev.Stage, err)
		h.writeServiceError(w, err)
		return
	}

	log.Printf("level=info component=api endpoint=rail_event outcome=applied transaction_id=%s stage=%s", ev.TransactionID, ev.Stage)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *EscrowHandlers) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := GetActor(r.Context())
	if !ok {
		http.Error(w, "Could not get user ID from context", http.StatusInternalServerError)
	}
	return actor, ok
}

func (h *EscrowHandlers) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthorized), errors.Is(err, domain.ErrVerificationRequired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrAlreadyReleased),
		errors.Is(err, domain.ErrDuplicateRailReference),
		errors.Is(err, domain.ErrRailMismatch):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTooEarly):
		return http.StatusTooEarly
	case errors.Is(err, domain.ErrPaymentDeclined), errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrPayoutFailed), errors.Is(err, domain.ErrRefundFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, rail.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *EscrowHandlers) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}

	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, status, "Internal server error")
		return
	}
	h.writeError(w, status, err.Error())
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
