// Package api exposes the payout engine over HTTP: manual payout requests
// and payout history.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/payout"
)

// Handler handles payout HTTP requests.
type Handler struct {
	service *payout.Service
}

// NewHandler creates a payout handler.
func NewHandler(service *payout.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the payout routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/request", h.RequestPayout)
	r.Get("/history", h.History)
	r.Get("/{id}", h.GetPayout)
	return r
}

// RequestPayoutRequest is the body for POST /payouts/request.
type RequestPayoutRequest struct {
	AmountCents    int64  `json:"amount_cents" validate:"required,gt=0"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// RequestPayout handles POST /payouts/request.
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req RequestPayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	res, err := h.service.Request(r.Context(), middleware.GetProviderID(r.Context()),
		req.Currency, req.AmountCents, req.IdempotencyKey)
	if err != nil {
		api.Error(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	api.Success(w, status, api.Envelope{
		"replayed": res.Replayed,
		"payout":   res.Payout,
	})
}

// History handles GET /payouts/history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	pagination := api.GetPaginationParams(r, 50, 200)

	payouts, err := h.service.List(r.Context(), middleware.GetProviderID(r.Context()),
		pagination.Limit, pagination.Offset)
	if err != nil {
		api.Error(w, err)
		return
	}
	if payouts == nil {
		payouts = []*payout.Payout{}
	}

	api.OK(w, api.Envelope{
		"payouts": payouts,
		"limit":   pagination.Limit,
		"offset":  pagination.Offset,
	})
}

// GetPayout handles GET /payouts/{id}.
func (h *Handler) GetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Get(r.Context(), middleware.GetProviderID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"payout": p})
}
