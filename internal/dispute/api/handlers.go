// Package api exposes disputes over HTTP: provider-scoped reads and the
// admin resolution action. Openings come from the webhook reconciler.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/core"
	"paycore/internal/dispute"
)

// Handler handles dispute HTTP requests.
type Handler struct {
	service *dispute.Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *dispute.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the provider-scoped dispute routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}

// AdminRoutes returns the admin dispute routes.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{processorDisputeID}/resolve", h.Resolve)
	return r
}

// List handles GET /disputes.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	pagination := api.GetPaginationParams(r, 50, 200)

	disputes, err := h.service.List(r.Context(), middleware.GetProviderID(r.Context()),
		pagination.Limit, pagination.Offset)
	if err != nil {
		api.Error(w, err)
		return
	}
	if disputes == nil {
		disputes = []*dispute.Dispute{}
	}

	api.OK(w, api.Envelope{
		"disputes": disputes,
		"limit":    pagination.Limit,
		"offset":   pagination.Offset,
	})
}

// Get handles GET /disputes/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Get(r.Context(), middleware.GetProviderID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"dispute": d})
}

// ResolveRequest is the body for POST /admin/disputes/{processorDisputeID}/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=won lost canceled"`
}

// Resolve handles the admin dispute resolution action.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	if !middleware.IsAdmin(r.Context()) {
		api.Error(w, core.Forbidden("admin_only", "dispute resolution is an admin action"))
		return
	}

	var req ResolveRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	d, err := h.service.Close(r.Context(), chi.URLParam(r, "processorDisputeID"), dispute.Status(req.Outcome))
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"dispute": d})
}
