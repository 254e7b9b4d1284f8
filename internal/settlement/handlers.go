package settlement

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/core"
)

// Handler serves settlement batch history.
type Handler struct {
	store *PGStore
}

// NewHandler creates a settlement handler.
func NewHandler(store *PGStore) *Handler {
	return &Handler{store: store}
}

// Routes returns the settlement routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/batches", h.ListBatches)
	return r
}

// ListBatches handles GET /settlement/batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	pagination := api.GetPaginationParams(r, 50, 200)

	batches, err := h.store.ListBatches(r.Context(), middleware.GetProviderID(r.Context()),
		pagination.Limit, pagination.Offset)
	if err != nil {
		api.Error(w, core.Wrap(core.KindInternal, "batch_list_failed", "listing settlement batches", err))
		return
	}
	if batches == nil {
		batches = []*Batch{}
	}

	api.OK(w, api.Envelope{
		"batches": batches,
		"limit":   pagination.Limit,
		"offset":  pagination.Offset,
	})
}
