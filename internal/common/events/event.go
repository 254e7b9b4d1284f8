// Package events defines the domain event envelope emitted by the money
// engine. Timeline and other CRM consumers subscribe out-of-band; a failed
// emission never fails a money operation.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is the envelope published to NATS.
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ProviderID    string          `json:"provider_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates an event envelope.
func NewEvent(eventType, providerID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		ProviderID:    providerID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation attaches the request correlation ID.
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event payload into v.
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Event types emitted by the money engine.
const (
	EventChargeSucceeded      = "charge.succeeded"
	EventChargeFailed         = "charge.failed"
	EventRefundCreated        = "refund.created"
	EventSubscriptionCharged  = "subscription.charged"
	EventSubscriptionPastDue  = "subscription.past_due"
	EventSubscriptionCanceled = "subscription.canceled"
	EventTerminalCaptured     = "terminal.captured"
	EventDisputeOpened        = "dispute.opened"
	EventDisputeClosed        = "dispute.closed"
	EventPayoutCreated        = "payout.created"
	EventPayoutPaid           = "payout.paid"
	EventPayoutFailed         = "payout.failed"
	EventSettlementCompleted  = "settlement.batch_completed"
)

// ChargeSucceededData is the payload for charge.succeeded events.
type ChargeSucceededData struct {
	Channel        string `json:"channel"`
	CustomerID     string `json:"customer_id,omitempty"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	LedgerEntryID  string `json:"ledger_entry_id"`
	GrossCents     int64  `json:"gross_cents"`
	FeeCents       int64  `json:"fee_cents"`
	NetCents       int64  `json:"net_cents"`
	Currency       string `json:"currency"`
	PaymentIntent  string `json:"payment_intent_id,omitempty"`
}

// ChargeFailedData is the payload for charge.failed events.
type ChargeFailedData struct {
	Channel    string `json:"channel"`
	CustomerID string `json:"customer_id,omitempty"`
	Reason     string `json:"reason"`
	Code       string `json:"code,omitempty"`
}

// RefundCreatedData is the payload for refund.created events.
type RefundCreatedData struct {
	SourceType    string `json:"source_type"`
	SourceID      string `json:"source_id"`
	LedgerEntryID string `json:"ledger_entry_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
}

// DisputeData is the payload for dispute.opened/closed events.
type DisputeData struct {
	DisputeID   string `json:"dispute_id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// PayoutData is the payload for payout.* events.
type PayoutData struct {
	PayoutID    string `json:"payout_id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}

// SettlementCompletedData is the payload for settlement.batch_completed events.
type SettlementCompletedData struct {
	BatchID    string `json:"batch_id"`
	EntryCount int    `json:"entry_count"`
	TotalCents int64  `json:"total_cents"`
	Currency   string `json:"currency"`
}
