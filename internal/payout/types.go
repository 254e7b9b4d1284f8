// Package payout moves matured funds to providers' bank accounts. The ledger
// debit happens before the processor call; a processor failure reverses the
// debit with a compensating credit rather than deleting anything.
package payout

import (
	"fmt"
	"time"

	"paycore/internal/core"
)

// Status is the payout lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// InFlight reports whether the payout still holds funds out of the balance.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// Origin records who initiated the payout.
type Origin string

const (
	OriginAuto   Origin = "auto"
	OriginManual Origin = "manual"
)

// Payout is one transfer of available funds to a provider's bank account.
type Payout struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Status     Status `json:"status"`
	Origin     Origin `json:"origin"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	ProcessorPayoutID     string `json:"processor_payout_id,omitempty"`
	LedgerEntryID         string `json:"ledger_entry_id,omitempty"`
	ReversalLedgerEntryID string `json:"reversal_ledger_entry_id,omitempty"`
	FailureReason         string `json:"failure_reason,omitempty"`

	ArrivalDate *time.Time `json:"arrival_date,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MarkProcessing records the processor handoff.
func (p *Payout) MarkProcessing(processorPayoutID string, arrival *time.Time, at time.Time) error {
	if p.Status != StatusPending {
		return core.Conflict("payout_not_pending", fmt.Sprintf("payout is %s", p.Status))
	}
	p.Status = StatusProcessing
	p.ProcessorPayoutID = processorPayoutID
	p.ArrivalDate = arrival
	p.UpdatedAt = at
	return nil
}

// MarkPaid records bank confirmation.
func (p *Payout) MarkPaid(at time.Time) error {
	if !p.Status.InFlight() {
		return core.Conflict("payout_not_in_flight", fmt.Sprintf("payout is %s", p.Status))
	}
	p.Status = StatusPaid
	p.PaidAt = &at
	p.UpdatedAt = at
	return nil
}

// MarkFailed records a terminal failure; the reversal entry returns the
// funds.
func (p *Payout) MarkFailed(status Status, reason, reversalEntryID string, at time.Time) error {
	if status != StatusFailed && status != StatusCanceled {
		return core.Validation("invalid_status", fmt.Sprintf("%s is not a failure status", status))
	}
	if !p.Status.InFlight() {
		return core.Conflict("payout_not_in_flight", fmt.Sprintf("payout is %s", p.Status))
	}
	p.Status = status
	p.FailureReason = reason
	p.ReversalLedgerEntryID = reversalEntryID
	p.UpdatedAt = at
	return nil
}
