// Package api exposes the read-only ledger HTTP surface: balances and entry
// listings for providers, plus the admin views.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paycore/internal/audit"
	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/ledger"
	"paycore/internal/ledger/domain"
	"paycore/internal/ledger/store"
)

// Handler handles ledger HTTP requests.
type Handler struct {
	service *ledger.Service
	auditor *audit.Auditor
}

// NewHandler creates a new ledger handler.
func NewHandler(service *ledger.Service, auditor *audit.Auditor) *Handler {
	return &Handler{service: service, auditor: auditor}
}

// Routes returns the provider-scoped ledger routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/me/balance", h.GetMyBalance)
	r.Get("/me/entries", h.ListMyEntries)

	return r
}

// AdminRoutes returns the admin ledger routes.
func (h *Handler) AdminRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{providerID}", h.GetProviderBalance)
	r.Get("/{providerID}/balance", h.GetProviderBalance)
	r.Get("/{providerID}/entries", h.ListProviderEntries)
	r.Post("/{providerID}/recompute", h.RecomputeProvider)

	return r
}

// RecomputeProvider handles POST /admin/ledger/provider/{providerID}/recompute.
// ?persist=true overwrites the projection with the replayed values.
func (h *Handler) RecomputeProvider(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	currency := money.NormalizeCurrency(r.URL.Query().Get("currency"))
	persist := r.URL.Query().Get("persist") == "true"

	report, err := h.auditor.Recompute(r.Context(), providerID, currency, persist)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"report": report})
}

// GetMyBalance handles GET /ledger/me/balance.
func (h *Handler) GetMyBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, middleware.GetProviderID(r.Context()))
}

// GetProviderBalance handles GET /admin/ledger/{providerID}/balance.
func (h *Handler) GetProviderBalance(w http.ResponseWriter, r *http.Request) {
	h.writeBalance(w, r, chi.URLParam(r, "providerID"))
}

func (h *Handler) writeBalance(w http.ResponseWriter, r *http.Request, providerID string) {
	currency := money.NormalizeCurrency(r.URL.Query().Get("currency"))

	balance, err := h.service.GetBalance(r.Context(), providerID, currency)
	if err != nil {
		api.Error(w, err)
		return
	}

	api.OK(w, api.Envelope{
		"balance": api.Envelope{
			"provider_id":           balance.ProviderID,
			"currency":              balance.Currency,
			"available_cents":       balance.AvailableCents,
			"pending_cents":         balance.PendingCents,
			"reserved_cents":        balance.ReservedCents,
			"total_cents":           balance.TotalCents(),
			"lifetime_volume_cents": balance.LifetimeVolumeCents,
			"lifetime_fees_cents":   balance.LifetimeFeesCents,
			"lifetime_net_cents":    balance.LifetimeNetCents,
			"updated_at":            balance.UpdatedAt,
		},
	})
}

// ListMyEntries handles GET /ledger/me/entries.
func (h *Handler) ListMyEntries(w http.ResponseWriter, r *http.Request) {
	h.writeEntries(w, r, middleware.GetProviderID(r.Context()))
}

// ListProviderEntries handles GET /admin/ledger/{providerID}/entries.
func (h *Handler) ListProviderEntries(w http.ResponseWriter, r *http.Request) {
	h.writeEntries(w, r, chi.URLParam(r, "providerID"))
}

func (h *Handler) writeEntries(w http.ResponseWriter, r *http.Request, providerID string) {
	pagination := api.GetPaginationParams(r, 50, 200)

	filter := store.EntryFilter{
		Currency: r.URL.Query().Get("currency"),
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		t := domain.EntryType(raw)
		filter.Type = &t
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = &ts
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = &ts
		}
	}

	entries, total, err := h.service.ListEntries(r.Context(), providerID, filter, pagination.Limit, pagination.Offset)
	if err != nil {
		api.Error(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.Entry{}
	}

	api.OK(w, api.Envelope{
		"entries": entries,
		"total":   total,
		"limit":   pagination.Limit,
		"offset":  pagination.Offset,
	})
}
