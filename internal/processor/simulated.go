package processor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/core"
)

// SimulatedProcessor declares every payment an immediate success and keeps
// intents in memory so the webhook reconciler can match them in development.
// State is per-process; it is not meant to survive restarts.
type SimulatedProcessor struct {
	mu      sync.Mutex
	intents map[string]*PaymentIntent
	refunds map[string]*Refund
	payouts map[string]*Payout
	byKey   map[string]string
}

// NewSimulated creates a simulated processor.
func NewSimulated() *SimulatedProcessor {
	return &SimulatedProcessor{
		intents: make(map[string]*PaymentIntent),
		refunds: make(map[string]*Refund),
		payouts: make(map[string]*Payout),
		byKey:   make(map[string]string),
	}
}

// CreatePaymentIntent synthesizes a succeeded intent. Repeats with the same
// idempotency key return the original intent.
func (p *SimulatedProcessor) CreatePaymentIntent(_ context.Context, params PaymentIntentParams) (*PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if params.IdempotencyKey != "" {
		if id, ok := p.byKey[params.IdempotencyKey]; ok {
			return clone(p.intents[id]), nil
		}
	}

	channel := params.Channel
	if channel == "" {
		channel = "manual"
	}

	status := IntentSucceeded
	if params.CaptureMethod == CaptureManual {
		status = IntentRequiresCapture
	}

	intent := &PaymentIntent{
		ID:          simulatedIntentID(channel),
		Status:      status,
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		ChargeID:    "ch_sim_" + ulid.Make().String(),
		CreatedAt:   time.Now().UTC(),
	}
	p.intents[intent.ID] = intent
	if params.IdempotencyKey != "" {
		p.byKey[params.IdempotencyKey] = intent.ID
	}
	return clone(intent), nil
}

// GetPaymentIntent looks up a previously created intent.
func (p *SimulatedProcessor) GetPaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[id]
	if !ok {
		return nil, core.NotFound("intent_not_found", fmt.Sprintf("no such payment intent %s", id))
	}
	return clone(intent), nil
}

// CapturePaymentIntent captures a requires_capture intent.
func (p *SimulatedProcessor) CapturePaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[id]
	if !ok {
		return nil, core.NotFound("intent_not_found", fmt.Sprintf("no such payment intent %s", id))
	}
	if intent.Status != IntentRequiresCapture {
		return nil, core.Conflict("not_capturable", fmt.Sprintf("intent %s is %s", id, intent.Status))
	}
	intent.Status = IntentSucceeded
	return clone(intent), nil
}

// CancelPaymentIntent cancels an uncaptured intent.
func (p *SimulatedProcessor) CancelPaymentIntent(_ context.Context, id string) (*PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[id]
	if !ok {
		return nil, core.NotFound("intent_not_found", fmt.Sprintf("no such payment intent %s", id))
	}
	if intent.Status == IntentSucceeded {
		return nil, core.Conflict("already_captured", fmt.Sprintf("intent %s already succeeded", id))
	}
	intent.Status = IntentCanceled
	return clone(intent), nil
}

// CreateRefund refunds a succeeded intent.
func (p *SimulatedProcessor) CreateRefund(_ context.Context, params RefundParams) (*Refund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[params.PaymentIntentID]
	if !ok {
		return nil, core.NotFound("intent_not_found", fmt.Sprintf("no such payment intent %s", params.PaymentIntentID))
	}
	if intent.Status != IntentSucceeded {
		return nil, core.Conflict("not_refundable", fmt.Sprintf("intent %s is %s", params.PaymentIntentID, intent.Status))
	}

	refund := &Refund{
		ID:              "re_sim_" + ulid.Make().String(),
		PaymentIntentID: params.PaymentIntentID,
		AmountCents:     params.AmountCents,
		Status:          "succeeded",
		CreatedAt:       time.Now().UTC(),
	}
	p.refunds[refund.ID] = refund
	return refund, nil
}

// CreatePayout synthesizes an in-transit payout.
func (p *SimulatedProcessor) CreatePayout(_ context.Context, params PayoutParams) (*Payout, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	payout := &Payout{
		ID:          "po_sim_" + ulid.Make().String(),
		AmountCents: params.AmountCents,
		Currency:    params.Currency,
		Status:      "in_transit",
		ArrivalDate: time.Now().UTC().Add(48 * time.Hour),
		CreatedAt:   time.Now().UTC(),
	}
	p.payouts[payout.ID] = payout
	return payout, nil
}

// IsSimulatedIntent reports whether an intent ID was minted by the simulator.
func IsSimulatedIntent(id string) bool {
	return strings.HasPrefix(id, "pi_helpio_") && strings.Contains(id, "_sim_")
}

func simulatedIntentID(channel string) string {
	return fmt.Sprintf("pi_helpio_%s_sim_%s", channel, ulid.Make().String())
}

func clone(intent *PaymentIntent) *PaymentIntent {
	c := *intent
	return &c
}
