// Package api exposes the charge pipeline over HTTP: invoice payment,
// subscription billing, terminal sessions, and refunds.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paycore/internal/charge"
	"paycore/internal/common/api"
	"paycore/internal/common/middleware"
)

// Handler handles charge pipeline HTTP requests.
type Handler struct {
	service *charge.Service
}

// NewHandler creates a charge handler.
func NewHandler(service *charge.Service) *Handler {
	return &Handler{service: service}
}

// InvoiceRoutes returns the invoice routes.
func (h *Handler) InvoiceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateInvoice)
	r.Post("/{id}/pay", h.PayInvoice)
	return r
}

// SubscriptionRoutes returns the subscription routes.
func (h *Handler) SubscriptionRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateSubscription)
	r.Post("/{id}/charge", h.ChargeSubscription)
	r.Post("/{id}/cancel", h.CancelSubscription)
	return r
}

// TerminalRoutes returns the terminal session routes.
func (h *Handler) TerminalRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/create-session", h.CreateTerminalSession)
	r.Post("/authorize", h.AuthorizeTerminal)
	r.Post("/capture", h.CaptureTerminal)
	r.Post("/cancel", h.CancelTerminal)
	return r
}

// RefundRoutes returns the refund routes.
func (h *Handler) RefundRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/invoice", h.RefundInvoice)
	r.Post("/subscription", h.RefundSubscription)
	return r
}

// CreateInvoiceRequest is the body for POST /invoices.
type CreateInvoiceRequest struct {
	CustomerID         string   `json:"customer_id" validate:"required"`
	Number             string   `json:"number"`
	AmountDueCents     int64    `json:"amount_due_cents" validate:"required,gt=0"`
	Currency           string   `json:"currency"`
	Description        string   `json:"description"`
	FeeOverridePercent *float64 `json:"fee_override_percent"`
}

// CreateInvoice handles POST /invoices.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), charge.CreateInvoiceParams{
		ProviderID:         middleware.GetProviderID(r.Context()),
		CustomerID:         req.CustomerID,
		Number:             req.Number,
		AmountDueCents:     req.AmountDueCents,
		Currency:           req.Currency,
		Description:        req.Description,
		FeeOverridePercent: req.FeeOverridePercent,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Created(w, api.Envelope{"invoice": inv})
}

// PayRequest is the body for charge endpoints carrying only a key.
type PayRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// PayInvoice handles POST /invoices/{id}/pay.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	var req PayRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	result, err := h.service.PayInvoice(r.Context(),
		middleware.GetProviderID(r.Context()), chi.URLParam(r, "id"), req.IdempotencyKey)
	if err != nil {
		api.Error(w, err)
		return
	}
	writeChargeResult(w, result)
}

// CreateSubscriptionRequest is the body for POST /subscriptions.
type CreateSubscriptionRequest struct {
	CustomerID         string   `json:"customer_id" validate:"required"`
	PlanName           string   `json:"plan_name" validate:"required"`
	Frequency          string   `json:"frequency" validate:"required,oneof=weekly biweekly monthly yearly"`
	PriceCents         int64    `json:"price_cents" validate:"required,gt=0"`
	Currency           string   `json:"currency"`
	FirstBillingDate   string   `json:"first_billing_date"`
	FeeOverridePercent *float64 `json:"fee_override_percent"`
}

// CreateSubscription handles POST /subscriptions.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	var first time.Time
	if req.FirstBillingDate != "" {
		parsed, err := time.Parse(time.RFC3339, req.FirstBillingDate)
		if err != nil {
			api.Fail(w, http.StatusBadRequest, "invalid_date", "first_billing_date must be RFC3339")
			return
		}
		first = parsed
	}

	sub, err := h.service.CreateSubscription(r.Context(), charge.CreateSubscriptionParams{
		ProviderID:         middleware.GetProviderID(r.Context()),
		CustomerID:         req.CustomerID,
		PlanName:           req.PlanName,
		Frequency:          charge.Frequency(req.Frequency),
		PriceCents:         req.PriceCents,
		Currency:           req.Currency,
		FirstBillingDate:   first,
		FeeOverridePercent: req.FeeOverridePercent,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Created(w, api.Envelope{"subscription": sub})
}

// ChargeSubscriptionRequest is the body for POST /subscriptions/{id}/charge.
type ChargeSubscriptionRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
	Scheduled      bool   `json:"scheduled"`
}

// ChargeSubscription handles POST /subscriptions/{id}/charge.
func (h *Handler) ChargeSubscription(w http.ResponseWriter, r *http.Request) {
	var req ChargeSubscriptionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	// Only the billing scheduler (admin identity) may bill before the due
	// date.
	asScheduler := req.Scheduled && middleware.IsAdmin(r.Context())

	result, err := h.service.ChargeSubscription(r.Context(),
		middleware.GetProviderID(r.Context()), chi.URLParam(r, "id"), req.IdempotencyKey, asScheduler)
	if err != nil {
		api.Error(w, err)
		return
	}
	writeChargeResult(w, result)
}

// CancelSubscription handles POST /subscriptions/{id}/cancel.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	err := h.service.CancelSubscriptionByID(r.Context(),
		middleware.GetProviderID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"canceled": true})
}

// CreateSessionRequest is the body for POST /terminal/create-session.
type CreateSessionRequest struct {
	CustomerID         string   `json:"customer_id"`
	AmountCents        int64    `json:"amount_cents" validate:"required,gt=0"`
	Currency           string   `json:"currency"`
	Description        string   `json:"description"`
	InvoiceID          string   `json:"invoice_id"`
	SubscriptionID     string   `json:"subscription_id"`
	FeeOverridePercent *float64 `json:"fee_override_percent"`
}

// CreateTerminalSession handles POST /terminal/create-session.
func (h *Handler) CreateTerminalSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	tp, err := h.service.CreateTerminalSession(r.Context(), charge.CreateSessionParams{
		ProviderID:         middleware.GetProviderID(r.Context()),
		CustomerID:         req.CustomerID,
		AmountCents:        req.AmountCents,
		Currency:           req.Currency,
		Description:        req.Description,
		InvoiceID:          req.InvoiceID,
		SubscriptionID:     req.SubscriptionID,
		FeeOverridePercent: req.FeeOverridePercent,
	})
	if err != nil {
		api.Error(w, err)
		return
	}
	api.Created(w, api.Envelope{"session": tp})
}

// SessionRequest is the body for terminal authorize/cancel.
type SessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

// AuthorizeTerminal handles POST /terminal/authorize.
func (h *Handler) AuthorizeTerminal(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	tp, err := h.service.AuthorizeTerminalSession(r.Context(),
		middleware.GetProviderID(r.Context()), req.SessionID)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"session": tp})
}

// CaptureRequest is the body for POST /terminal/capture.
type CaptureRequest struct {
	SessionID      string `json:"session_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// CaptureTerminal handles POST /terminal/capture.
func (h *Handler) CaptureTerminal(w http.ResponseWriter, r *http.Request) {
	var req CaptureRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	result, err := h.service.CaptureTerminalSession(r.Context(),
		middleware.GetProviderID(r.Context()), req.SessionID, req.IdempotencyKey)
	if err != nil {
		api.Error(w, err)
		return
	}
	writeChargeResult(w, result)
}

// CancelTerminal handles POST /terminal/cancel.
func (h *Handler) CancelTerminal(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	tp, err := h.service.CancelTerminalSession(r.Context(),
		middleware.GetProviderID(r.Context()), req.SessionID)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{"session": tp})
}

// RefundInvoiceRequest is the body for POST /refunds/invoice.
type RefundInvoiceRequest struct {
	InvoiceID      string `json:"invoice_id" validate:"required"`
	AmountCents    int64  `json:"amount_cents" validate:"required,gt=0"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// RefundInvoice handles POST /refunds/invoice.
func (h *Handler) RefundInvoice(w http.ResponseWriter, r *http.Request) {
	var req RefundInvoiceRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	result, err := h.service.RefundInvoice(r.Context(),
		middleware.GetProviderID(r.Context()), req.InvoiceID, req.AmountCents, req.Reason, req.IdempotencyKey)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{
		"replayed":        result.Replayed,
		"ledger_entry_id": result.LedgerEntryID,
		"refund_id":       result.RefundID,
		"amount_cents":    result.AmountCents,
		"currency":        result.Currency,
	})
}

// RefundSubscriptionRequest is the body for POST /refunds/subscription.
type RefundSubscriptionRequest struct {
	SubscriptionChargeID string `json:"subscription_charge_id" validate:"required"`
	AmountCents          int64  `json:"amount_cents" validate:"required,gt=0"`
	Reason               string `json:"reason"`
	IdempotencyKey       string `json:"idempotency_key" validate:"required"`
}

// RefundSubscription handles POST /refunds/subscription.
func (h *Handler) RefundSubscription(w http.ResponseWriter, r *http.Request) {
	var req RefundSubscriptionRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.Error(w, err)
		return
	}

	result, err := h.service.RefundSubscriptionCharge(r.Context(),
		middleware.GetProviderID(r.Context()), req.SubscriptionChargeID, req.AmountCents, req.Reason, req.IdempotencyKey)
	if err != nil {
		api.Error(w, err)
		return
	}
	api.OK(w, api.Envelope{
		"replayed":        result.Replayed,
		"ledger_entry_id": result.LedgerEntryID,
		"refund_id":       result.RefundID,
		"amount_cents":    result.AmountCents,
		"currency":        result.Currency,
	})
}

func writeChargeResult(w http.ResponseWriter, result *charge.Result) {
	api.OK(w, api.Envelope{
		"replayed":               result.Replayed,
		"ledger_entry_id":        result.LedgerEntryID,
		"payment_intent_id":      result.PaymentIntentID,
		"gross_cents":            result.GrossCents,
		"fee_cents":              result.FeeCents,
		"net_cents":              result.NetCents,
		"currency":               result.Currency,
		"subscription_charge_id": result.SubscriptionChargeID,
	})
}
