// Package dispute handles chargebacks. Opening a dispute moves the contested
// amount out of available funds into reserve; resolution either releases the
// reserve or consumes it.
package dispute

import (
	"fmt"
	"time"

	"paycore/internal/core"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusWon         Status = "won"
	StatusLost        Status = "lost"
	StatusCanceled    Status = "canceled"
)

// Closed reports whether the status is terminal.
func (s Status) Closed() bool {
	return s == StatusWon || s == StatusLost || s == StatusCanceled
}

// Dispute is one chargeback against a charge.
type Dispute struct {
	ID                       string `json:"id"`
	ProviderID               string `json:"provider_id"`
	ProcessorDisputeID       string `json:"processor_dispute_id"`
	ProcessorPaymentIntentID string `json:"processor_payment_intent_id"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
	Status      Status `json:"status"`

	OpenedLedgerEntryID     string `json:"opened_ledger_entry_id"`
	ResolutionLedgerEntryID string `json:"resolution_ledger_entry_id,omitempty"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Resolve transitions an open dispute to a terminal status.
func (d *Dispute) Resolve(outcome Status, resolutionEntryID string, at time.Time) error {
	if d.Status.Closed() {
		return core.Conflict("dispute_closed", fmt.Sprintf("dispute is already %s", d.Status))
	}
	if !outcome.Closed() {
		return core.Validation("invalid_outcome", fmt.Sprintf("%s is not a terminal dispute status", outcome))
	}
	d.Status = outcome
	d.ResolutionLedgerEntryID = resolutionEntryID
	d.ClosedAt = &at
	d.UpdatedAt = at
	return nil
}
