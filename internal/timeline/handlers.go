package timeline

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/core"
)

// Handler serves a provider's event timeline.
type Handler struct {
	store Store
}

// NewHandler creates a timeline handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Routes returns the timeline routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.ListTimeline)
	return r
}

// ListTimeline handles GET /timeline.
func (h *Handler) ListTimeline(w http.ResponseWriter, r *http.Request) {
	pagination := api.GetPaginationParams(r, 50, 200)

	records, err := h.store.ListRecords(r.Context(), middleware.GetProviderID(r.Context()),
		pagination.Limit, pagination.Offset)
	if err != nil {
		api.Error(w, core.Wrap(core.KindInternal, "timeline_list_failed", "listing timeline events", err))
		return
	}
	if records == nil {
		records = []*Record{}
	}

	api.OK(w, api.Envelope{
		"events": records,
		"limit":  pagination.Limit,
		"offset": pagination.Offset,
	})
}
