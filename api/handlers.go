// Package api is C7: the thin Admission API that initiates a saga and
// queries its state. Adapted from the teacher's api/handlers.go (handler
// struct wrapping a use case plus a store, JSON request/response shape,
// status-code mapping) with go-chi/validator replacing its hand-rolled
// ServeMux dispatch and manual field checks.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"checkoutsaga/domain/saga"
	"checkoutsaga/infrastructure/bus"
	"checkoutsaga/infrastructure/sagastore"
	"checkoutsaga/internal/errs"
	"checkoutsaga/pkg/metrics"
	pkguuid "checkoutsaga/pkg/uuid"
)

// Handler wires the Admission API to C1 (store) and C3 (gateway).
type Handler struct {
	store     sagastore.Store
	gateway   bus.Gateway
	newID     func() string
	validator *validator.Validate
	log       *logrus.Logger
	metrics   *metrics.Metrics
}

func NewHandler(store sagastore.Store, gateway bus.Gateway, newID func() string, log *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		store:     store,
		gateway:   gateway,
		newID:     newID,
		validator: validator.New(),
		log:       log,
		metrics:   m,
	}
}

// CheckoutRequest is the body of POST /api/checkout (§6). Struct tags
// replace the teacher's `if req.UserID == ""` checks with validator's
// idiomatic declarative style.
type CheckoutRequest struct {
	UserID string `json:"user_id" validate:"required,uuid4"`
	CartID string `json:"cart_id" validate:"required,uuid4"`

	// Items/TotalPriceCents are not part of §6's literal two-field request
	// body; the cart microservice is an out-of-scope collaborator with no
	// configured base URL, so this API cannot fetch the cart itself. They
	// are accepted here, optional, as the seam a real deployment's
	// cart-service integration would fill before calling this endpoint —
	// see DESIGN.md.
	Items           []saga.CartItem `json:"items,omitempty" validate:"omitempty,dive"`
	TotalPriceCents int64           `json:"total_price_cents,omitempty"`
}

type checkoutResponse struct {
	CheckoutID string `json:"checkout_id"`
	Message    string `json:"message"`
}

type statusResponse struct {
	CheckoutID string `json:"checkout_id"`
	State      string `json:"state"`
	Message    string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// InitiateCheckout handles POST /api/checkout: validates UUIDs, creates a
// saga in INITIATED, and publishes CheckoutInitiated (§4.7).
func (h *Handler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		verr := errs.Validation("checkout_request", err)
		h.log.WithError(verr).Warn("rejecting invalid checkout request")
		writeError(w, statusForKind(errs.KindValidation), "user_id and cart_id must be valid uuidv4 values")
		return
	}

	sagaID := h.newID()
	rec := saga.NewRecord(sagaID, req.UserID, req.CartID, time.Now())

	ctx := r.Context()
	if err := h.store.Create(ctx, rec); err != nil {
		cerr := errs.TransientExternal("sagastore_create", err)
		h.log.WithError(cerr).Error("failed to create saga record")
		writeError(w, statusForKind(errs.KindTransientExternal), "failed to initiate checkout")
		return
	}

	event := saga.Envelope{
		Type:    saga.EventCheckoutInitiated,
		SagaID:  sagaID,
		EventID: h.newID(),
		UserID:  req.UserID,
		CartID:  req.CartID,
		// The cart microservice that owns cart_id->items resolution is out
		// of scope and has no configured base URL (§6's env list has none),
		// so this handler cannot fetch cart contents itself. Items/
		// TotalPriceCents are an accepted optional extension to the request
		// body a real cart-service integration would populate upstream of
		// this call; absent, cart_details publishes empty and the engine's
		// own invalid-product-id / pricing-underflow checks apply to
		// whatever was given.
		CartDetails: &saga.CartDetails{
			Items:           req.Items,
			TotalPriceCents: req.TotalPriceCents,
		},
	}
	if err := h.gateway.Send(ctx, saga.TopicCheckoutInitiated, event); err != nil {
		perr := errs.TransientExternal("bus_publish", err)
		h.log.WithError(perr).WithField("saga_id", sagaID).Error("failed to publish CheckoutInitiated")
		writeError(w, statusForKind(errs.KindTransientExternal), "failed to initiate checkout")
		return
	}

	if h.metrics != nil {
		h.metrics.SagasStarted.Inc()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(checkoutResponse{
		CheckoutID: sagaID,
		Message:    "checkout initiated",
	})
}

// GetCheckoutStatus handles GET /api/checkout/{checkoutID} (§4.7).
func (h *Handler) GetCheckoutStatus(w http.ResponseWriter, r *http.Request) {
	checkoutID := chi.URLParam(r, "checkoutID")
	if !pkguuid.IsV4(checkoutID) {
		verr := errs.Validation("checkout_id", errors.New("not a valid uuidv4 value"))
		h.log.WithError(verr).Warn("rejecting invalid checkout id")
		writeError(w, statusForKind(errs.KindValidation), "checkout_id must be a valid uuidv4 value")
		return
	}

	rec, err := h.store.Load(r.Context(), checkoutID)
	if err != nil {
		if errors.Is(err, sagastore.ErrNotFound) {
			// Not a classified failure: the checkout simply doesn't exist,
			// which is the caller's business, not the store's.
			writeError(w, http.StatusNotFound, "checkout not found")
			return
		}
		lerr := errs.TransientExternal("sagastore_load", err)
		h.log.WithError(lerr).Error("failed to load saga record")
		writeError(w, statusForKind(errs.KindTransientExternal), "failed to load checkout status")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statusResponse{
		CheckoutID: rec.SagaID,
		State:      string(rec.State),
		Message:    messageFor(rec),
	})
}

func messageFor(rec *saga.Record) string {
	switch rec.State {
	case saga.StateCompleted:
		return "checkout completed"
	case saga.StateFailed:
		if len(rec.Context.Errors) > 0 {
			return "checkout failed: " + rec.Context.Errors[len(rec.Context.Errors)-1].Reason
		}
		return "checkout failed"
	case saga.StateCompensating:
		return "checkout compensating"
	default:
		return "checkout in progress"
	}
}

// statusForKind maps an errs.Kind to the HTTP status the Admission API
// answers with (§7, §11): the same five-kind classification the runtime
// uses to decide retry/alert behavior also drives this layer's responses,
// rather than each handler re-deriving a status code from scratch.
func statusForKind(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindTimeout:
		return http.StatusGatewayTimeout
	case errs.KindTransientExternal:
		return http.StatusServiceUnavailable
	case errs.KindBusinessFailure:
		return http.StatusUnprocessableEntity
	case errs.KindFatalConfig:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
}
