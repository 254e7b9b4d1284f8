// Package domain contains the ledger's core types and the bucket delta
// rules. Entries are append-only; balances are a projection derived from
// them and always reproducible by replay.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryCharge         EntryType = "charge"
	EntryRefund         EntryType = "refund"
	EntryPayout         EntryType = "payout"
	EntryPayoutReversal EntryType = "payout_reversal"
	EntryAdjustment     EntryType = "adjustment"
	EntryDisputeOpened  EntryType = "dispute_opened"
	EntryDisputeWon     EntryType = "dispute_won"
	EntryDisputeLost    EntryType = "dispute_lost"
	EntryFee            EntryType = "fee"
)

// Direction carries the sign of an entry; amounts are always non-negative.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// SourceType identifies what produced an entry.
type SourceType string

const (
	SourceInvoice            SourceType = "invoice"
	SourceSubscription       SourceType = "subscription"
	SourceSubscriptionCharge SourceType = "subscription_charge"
	SourceTerminal           SourceType = "terminal"
	SourcePayout             SourceType = "payout"
	SourceRefund             SourceType = "refund"
	SourceDispute            SourceType = "dispute"
	SourceAdjustment         SourceType = "adjustment"
	SourceSystem             SourceType = "system"
)

// EntryStatus is the entry lifecycle state. Posted entries are immutable
// except for settlement stamps and bounded metadata.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusPosted  EntryStatus = "posted"
	StatusVoid    EntryStatus = "void"
)

// Bucket names which balance bucket a refund reversed, recorded on the entry
// so replay applies the same rule the live write did.
const (
	BucketPending   = "pending"
	BucketAvailable = "available"
)

// MetaBucket is the metadata key holding a refund's bucket.
const MetaBucket = "bucket"

// Links carries the cross-references an entry may hold.
type Links struct {
	InvoiceID            string `json:"invoice_id,omitempty"`
	SubscriptionID       string `json:"subscription_id,omitempty"`
	SubscriptionChargeID string `json:"subscription_charge_id,omitempty"`
	PayoutID             string `json:"payout_id,omitempty"`
	DisputeID            string `json:"dispute_id,omitempty"`

	ProcessorPaymentIntentID string `json:"pi_id,omitempty"`
	ProcessorChargeID        string `json:"charge_id,omitempty"`
	ProcessorPayoutID        string `json:"processor_payout_id,omitempty"`
	ProcessorBalanceTxID     string `json:"balance_tx_id,omitempty"`
}

// Entry is one append-only ledger row.
type Entry struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	CustomerID string `json:"customer_id,omitempty"`

	Type        EntryType  `json:"type"`
	Direction   Direction  `json:"direction"`
	AmountCents int64      `json:"amount_cents"`
	Currency    string     `json:"currency"`
	SourceType  SourceType `json:"source_type"`

	Links Links `json:"links"`

	// Fee decomposition, set on charge entries only.
	GrossCents int64 `json:"gross_cents,omitempty"`
	FeeCents   int64 `json:"fee_cents,omitempty"`
	NetCents   int64 `json:"net_cents,omitempty"`

	EffectiveAt  time.Time  `json:"effective_at"`
	AvailableAt  time.Time  `json:"available_at"`
	PendingUntil *time.Time `json:"pending_until,omitempty"`

	Status            EntryStatus `json:"status"`
	IsSettled         bool        `json:"is_settled"`
	SettledAt         *time.Time  `json:"settled_at,omitempty"`
	SettlementBatchID string      `json:"settlement_batch_id,omitempty"`

	RunningBalance int64             `json:"running_balance"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the structural invariants of an entry.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.ProviderID == "" {
		return errors.New("provider_id is required")
	}
	if e.AmountCents < 0 {
		return errors.New("amount_cents must be non-negative")
	}
	if e.Currency == "" {
		return errors.New("currency is required")
	}
	if e.Direction != DirectionCredit && e.Direction != DirectionDebit {
		return fmt.Errorf("invalid direction %q", e.Direction)
	}
	if expected, ok := expectedDirection[e.Type]; ok && e.Direction != expected {
		return fmt.Errorf("%s entries must be %s", e.Type, expected)
	}
	return nil
}

// expectedDirection pins the direction for single-direction entry types.
// Adjustments and fees may go either way.
var expectedDirection = map[EntryType]Direction{
	EntryCharge:         DirectionCredit,
	EntryRefund:         DirectionDebit,
	EntryPayout:         DirectionDebit,
	EntryPayoutReversal: DirectionCredit,
	EntryDisputeOpened:  DirectionDebit,
	EntryDisputeWon:     DirectionCredit,
	EntryDisputeLost:    DirectionDebit,
}

// RefundBucket returns the bucket a refund entry reverses.
func (e *Entry) RefundBucket() string {
	if e.Metadata[MetaBucket] == BucketPending {
		return BucketPending
	}
	return BucketAvailable
}

// Delta is the effect an entry has on a provider's balance projection.
type Delta struct {
	Available int64
	Pending   int64
	Reserved  int64

	LifetimeGross int64
	LifetimeFees  int64
	LifetimeNet   int64
}

// Total is the entry's effect on available + pending - reserved.
func (d Delta) Total() int64 {
	return d.Available + d.Pending - d.Reserved
}

// PostDelta computes the projection effect of posting an entry, before any
// settlement maturity. Charge credits land in pending; settlement moves them
// later.
func PostDelta(e *Entry) (Delta, error) {
	if err := e.Validate(); err != nil {
		return Delta{}, err
	}

	amt := e.AmountCents
	var d Delta

	switch e.Type {
	case EntryCharge:
		d.Pending = amt
		d.LifetimeGross = e.GrossCents
		d.LifetimeFees = e.FeeCents
		d.LifetimeNet = e.NetCents
	case EntryRefund:
		if e.RefundBucket() == BucketPending {
			d.Pending = -amt
		} else {
			d.Available = -amt
		}
	case EntryPayout:
		d.Available = -amt
	case EntryPayoutReversal:
		d.Available = amt
	case EntryDisputeOpened:
		d.Available = -amt
		d.Reserved = amt
	case EntryDisputeWon:
		d.Available = amt
		d.Reserved = -amt
	case EntryDisputeLost:
		d.Reserved = -amt
	case EntryAdjustment, EntryFee:
		if e.Direction == DirectionCredit {
			d.Available = amt
		} else {
			d.Available = -amt
		}
	default:
		return Delta{}, fmt.Errorf("unknown entry type %q", e.Type)
	}

	return d, nil
}

// SettleDelta is the projection move applied when a charge credit matures.
func SettleDelta(amountCents int64) Delta {
	return Delta{Available: amountCents, Pending: -amountCents}
}

// ReplayDelta computes the projection effect of an entry during an audit
// replay, simulating settlement maturity from available_at.
func ReplayDelta(e *Entry, now time.Time) (Delta, error) {
	d, err := PostDelta(e)
	if err != nil {
		return Delta{}, err
	}
	if e.Type == EntryCharge && (e.IsSettled || !e.AvailableAt.After(now)) {
		d.Available += e.AmountCents
		d.Pending -= e.AmountCents
	}
	return d, nil
}
