package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"paycore/internal/core"
)

// LiveProcessor talks to the external card processor over HTTPS. Each call
// gets a bounded timeout; the caller's idempotency key is forwarded verbatim
// so retries are safe on the processor side too.
type LiveProcessor struct {
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *slog.Logger
}

// NewLive creates a live processor client.
func NewLive(cfg Config, logger *slog.Logger) *LiveProcessor {
	return &LiveProcessor{
		baseURL:   cfg.BaseURL,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    logger,
	}
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorBody struct {
	Error apiError `json:"error"`
}

type intentBody struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	LatestCharge string            `json:"latest_charge"`
	Created      int64             `json:"created"`
	Metadata     map[string]string `json:"metadata"`
}

type refundBody struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	Created       int64  `json:"created"`
}

type payoutBody struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	ArrivalDate int64  `json:"arrival_date"`
	Created     int64  `json:"created"`
}

// CreatePaymentIntent creates a payment intent on the processor.
func (p *LiveProcessor) CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	capture := params.CaptureMethod
	if capture == "" {
		capture = CaptureAutomatic
	}

	payload := map[string]interface{}{
		"amount":         params.AmountCents,
		"currency":       params.Currency,
		"capture_method": capture,
		"confirm":        true,
		"description":    params.Description,
		"metadata":       withChannel(params.Metadata, params.Channel),
	}

	var body intentBody
	if err := p.do(ctx, http.MethodPost, "/payment_intents", params.IdempotencyKey, payload, &body); err != nil {
		return nil, err
	}
	return intentFromBody(body), nil
}

// GetPaymentIntent fetches a payment intent; used as the best-effort probe
// after an indeterminate create.
func (p *LiveProcessor) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var body intentBody
	if err := p.do(ctx, http.MethodGet, "/payment_intents/"+url.PathEscape(id), "", nil, &body); err != nil {
		return nil, err
	}
	return intentFromBody(body), nil
}

// CapturePaymentIntent captures a manually-held payment intent.
func (p *LiveProcessor) CapturePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var body intentBody
	if err := p.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(id)+"/capture", "", map[string]interface{}{}, &body); err != nil {
		return nil, err
	}
	return intentFromBody(body), nil
}

// CancelPaymentIntent cancels an uncaptured payment intent.
func (p *LiveProcessor) CancelPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var body intentBody
	if err := p.do(ctx, http.MethodPost, "/payment_intents/"+url.PathEscape(id)+"/cancel", "", map[string]interface{}{}, &body); err != nil {
		return nil, err
	}
	return intentFromBody(body), nil
}

// CreateRefund refunds a captured payment intent, fully or partially.
func (p *LiveProcessor) CreateRefund(ctx context.Context, params RefundParams) (*Refund, error) {
	payload := map[string]interface{}{
		"payment_intent": params.PaymentIntentID,
		"amount":         params.AmountCents,
	}
	if params.Reason != "" {
		payload["reason"] = params.Reason
	}

	var body refundBody
	if err := p.do(ctx, http.MethodPost, "/refunds", params.IdempotencyKey, payload, &body); err != nil {
		return nil, err
	}
	return &Refund{
		ID:              body.ID,
		PaymentIntentID: body.PaymentIntent,
		AmountCents:     body.Amount,
		Status:          body.Status,
		CreatedAt:       time.Unix(body.Created, 0).UTC(),
	}, nil
}

// CreatePayout initiates a payout to the provider's bank account.
func (p *LiveProcessor) CreatePayout(ctx context.Context, params PayoutParams) (*Payout, error) {
	payload := map[string]interface{}{
		"amount":      params.AmountCents,
		"currency":    params.Currency,
		"description": params.Description,
		"metadata":    params.Metadata,
	}

	var body payoutBody
	if err := p.do(ctx, http.MethodPost, "/payouts", params.IdempotencyKey, payload, &body); err != nil {
		return nil, err
	}
	return &Payout{
		ID:          body.ID,
		AmountCents: body.Amount,
		Currency:    body.Currency,
		Status:      body.Status,
		ArrivalDate: time.Unix(body.ArrivalDate, 0).UTC(),
		CreatedAt:   time.Unix(body.Created, 0).UTC(),
	}, nil
}

func (p *LiveProcessor) do(ctx context.Context, method, path, idempotencyKey string, payload, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return core.Wrap(core.KindInternal, "processor_request_encode", "encoding processor request", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return core.Wrap(core.KindInternal, "processor_request_build", "building processor request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return core.Unavailable("processor_timeout", "processor call timed out")
		}
		return core.Wrap(core.KindProcessorUnavailable, "processor_unreachable", "processor call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return core.Wrap(core.KindProcessorUnavailable, "processor_read_failed", "reading processor response", err)
	}

	if resp.StatusCode >= 500 {
		p.logger.Error("processor server error", "status", resp.StatusCode, "path", path)
		return core.Unavailable("processor_error", fmt.Sprintf("processor returned %d", resp.StatusCode))
	}

	if resp.StatusCode >= 400 {
		var errBody apiErrorBody
		_ = json.Unmarshal(raw, &errBody)
		code := errBody.Error.Code
		if code == "" {
			code = "processor_rejected"
		}
		msg := errBody.Error.Message
		if msg == "" {
			msg = "the processor rejected the request"
		}
		if errBody.Error.Type == "card_error" || resp.StatusCode == http.StatusPaymentRequired {
			return core.Declined(code, msg)
		}
		return core.E(core.KindValidation, code, msg)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return core.Wrap(core.KindInternal, "processor_response_decode", "decoding processor response", err)
		}
	}
	return nil
}

func intentFromBody(b intentBody) *PaymentIntent {
	return &PaymentIntent{
		ID:          b.ID,
		Status:      IntentStatus(b.Status),
		AmountCents: b.Amount,
		Currency:    b.Currency,
		ChargeID:    b.LatestCharge,
		CreatedAt:   time.Unix(b.Created, 0).UTC(),
	}
}

func withChannel(meta map[string]string, channel string) map[string]string {
	out := map[string]string{}
	for k, v := range meta {
		out[k] = v
	}
	if channel != "" {
		out["channel"] = channel
	}
	return out
}
