// Package idempotency is the gate in front of every money-moving operation.
// A reservation is written before the processor call; the record's terminal
// state is the durable answer to "did this key already run".
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/core"
)

// Status is the reservation lifecycle state. Terminal states are sticky.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation types gated by idempotency keys.
const (
	TypeInvoicePayNow              = "invoice_paynow"
	TypeSubscriptionCharge         = "subscription_charge"
	TypeTerminalCharge             = "terminal_charge"
	TypeTerminalInvoiceCharge      = "terminal_invoice_charge"
	TypeTerminalSubscriptionCharge = "terminal_subscription_charge"
	TypeRefund                     = "refund"
	TypePayout                     = "payout"
	TypeWebhook                    = "webhook"
)

// Outcome classifies the result of a reservation attempt.
type Outcome string

const (
	OutcomeNew        Outcome = "new"
	OutcomeInProgress Outcome = "existing_in_progress"
	OutcomeCompleted  Outcome = "existing_completed"
	OutcomeFailed     Outcome = "existing_failed"
)

// Record is one idempotency reservation.
type Record struct {
	ID          string `json:"id"`
	Key         string `json:"key"`
	Type        string `json:"type"`
	Status      Status `json:"status"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	RequestHash string `json:"request_hash"`

	ProviderID string `json:"provider_id"`
	CustomerID string `json:"customer_id,omitempty"`

	InvoiceID            string `json:"invoice_id,omitempty"`
	SubscriptionID       string `json:"subscription_id,omitempty"`
	SubscriptionChargeID string `json:"subscription_charge_id,omitempty"`
	TerminalPaymentID    string `json:"terminal_payment_id,omitempty"`
	PayoutID             string `json:"payout_id,omitempty"`

	ProcessorPaymentIntentID string `json:"processor_payment_intent_id,omitempty"`
	ProcessorChargeID        string `json:"processor_charge_id,omitempty"`
	LedgerEntryID            string `json:"ledger_entry_id,omitempty"`

	Context string `json:"context,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Reservation is the outcome of Reserve plus the record that backs it.
type Reservation struct {
	Outcome Outcome
	Record  *Record
}

// ReserveParams describes a reservation attempt.
type ReserveParams struct {
	Key         string
	Type        string
	AmountCents int64
	Currency    string
	Payload     interface{}

	ProviderID string
	CustomerID string

	InvoiceID         string
	SubscriptionID    string
	TerminalPaymentID string
	PayoutID          string
}

// Gate reserves and finalizes idempotency records.
type Gate struct {
	db *database.DB
}

// NewGate creates an idempotency gate.
func NewGate(db *database.DB) *Gate {
	return &Gate{db: db}
}

const recordColumns = `
	id, key, type, status, amount_cents, currency, request_hash,
	provider_id, customer_id,
	invoice_id, subscription_id, subscription_charge_id, terminal_payment_id, payout_id,
	processor_payment_intent_id, processor_charge_id, ledger_entry_id,
	context, created_at, updated_at, completed_at
`

// Reserve atomically claims (key, type). If the pair exists, the stored
// amount, currency, and request hash must match the attempt or the call
// fails with a conflict.
func (g *Gate) Reserve(ctx context.Context, p ReserveParams) (*Reservation, error) {
	if p.Key == "" {
		return nil, core.Validation("missing_idempotency_key", "an idempotency key is required")
	}

	hash, err := HashRequest(p.Payload)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "hash_failed", "hashing request payload", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:                "idem_" + ulid.Make().String(),
		Key:               p.Key,
		Type:              p.Type,
		Status:            StatusInProgress,
		AmountCents:       p.AmountCents,
		Currency:          p.Currency,
		RequestHash:       hash,
		ProviderID:        p.ProviderID,
		CustomerID:        p.CustomerID,
		InvoiceID:         p.InvoiceID,
		SubscriptionID:    p.SubscriptionID,
		TerminalPaymentID: p.TerminalPaymentID,
		PayoutID:          p.PayoutID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tag, err := g.db.Exec(ctx, `
		INSERT INTO idempotency_keys (
			id, key, type, status, amount_cents, currency, request_hash,
			provider_id, customer_id,
			invoice_id, subscription_id, terminal_payment_id, payout_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (key, type) DO NOTHING
	`,
		rec.ID, rec.Key, rec.Type, rec.Status, rec.AmountCents, rec.Currency, rec.RequestHash,
		rec.ProviderID, nullStr(rec.CustomerID),
		nullStr(rec.InvoiceID), nullStr(rec.SubscriptionID), nullStr(rec.TerminalPaymentID), nullStr(rec.PayoutID),
		now,
	)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "reserve_failed", "reserving idempotency key", err)
	}

	if tag.RowsAffected() == 1 {
		return &Reservation{Outcome: OutcomeNew, Record: rec}, nil
	}

	existing, err := g.Get(ctx, p.Key, p.Type)
	if err != nil {
		return nil, err
	}

	if existing.AmountCents != p.AmountCents || existing.Currency != p.Currency {
		return nil, core.Conflict("idempotency_amount_mismatch",
			"this idempotency key was used with a different amount or currency")
	}
	if existing.RequestHash != hash {
		return nil, core.Conflict("idempotency_payload_mismatch",
			"this idempotency key was used with a different request payload")
	}

	outcome := OutcomeInProgress
	switch existing.Status {
	case StatusCompleted:
		outcome = OutcomeCompleted
	case StatusFailed:
		outcome = OutcomeFailed
	}
	return &Reservation{Outcome: outcome, Record: existing}, nil
}

// CompletionRefs carries the artifacts stored on a completed record so
// replays can reproduce the original response.
type CompletionRefs struct {
	ProcessorPaymentIntentID string
	ProcessorChargeID        string
	LedgerEntryID            string
	SubscriptionChargeID     string
	Context                  string
}

// MarkCompleted finalizes an in-progress record with its processor and
// ledger references. Terminal records never transition again.
func (g *Gate) MarkCompleted(ctx context.Context, id string, refs CompletionRefs) error {
	now := time.Now().UTC()
	tag, err := g.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = $1, processor_payment_intent_id = $2, processor_charge_id = $3,
			ledger_entry_id = $4, subscription_charge_id = $5, context = $6,
			updated_at = $7, completed_at = $7
		WHERE id = $8 AND status = $9
	`,
		StatusCompleted,
		nullStr(refs.ProcessorPaymentIntentID), nullStr(refs.ProcessorChargeID),
		nullStr(refs.LedgerEntryID), nullStr(refs.SubscriptionChargeID), nullStr(refs.Context),
		now, id, StatusInProgress,
	)
	if err != nil {
		return core.Wrap(core.KindInternal, "mark_completed_failed", "completing idempotency record", err)
	}
	if tag.RowsAffected() == 0 {
		return core.Conflict("idempotency_not_in_progress",
			fmt.Sprintf("record %s is not in progress", id))
	}
	return nil
}

// MarkFailed finalizes an in-progress record with failure context.
func (g *Gate) MarkFailed(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	tag, err := g.db.Exec(ctx, `
		UPDATE idempotency_keys
		SET status = $1, context = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND status = $5
	`, StatusFailed, reason, now, id, StatusInProgress)
	if err != nil {
		return core.Wrap(core.KindInternal, "mark_failed_failed", "failing idempotency record", err)
	}
	if tag.RowsAffected() == 0 {
		return core.Conflict("idempotency_not_in_progress",
			fmt.Sprintf("record %s is not in progress", id))
	}
	return nil
}

// Get loads a record by (key, type).
func (g *Gate) Get(ctx context.Context, key, recordType string) (*Record, error) {
	row := g.db.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM idempotency_keys
		WHERE key = $1 AND type = $2
	`, key, recordType)

	rec, err := scanRecord(row)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, core.NotFound("idempotency_not_found", "idempotency record not found")
		}
		return nil, core.Wrap(core.KindInternal, "idempotency_lookup_failed", "loading idempotency record", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var customerID, invoiceID, subscriptionID, subscriptionChargeID *string
	var terminalPaymentID, payoutID, piID, chargeID, ledgerEntryID, recCtx *string

	err := row.Scan(
		&r.ID, &r.Key, &r.Type, &r.Status, &r.AmountCents, &r.Currency, &r.RequestHash,
		&r.ProviderID, &customerID,
		&invoiceID, &subscriptionID, &subscriptionChargeID, &terminalPaymentID, &payoutID,
		&piID, &chargeID, &ledgerEntryID,
		&recCtx, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning idempotency record: %w", err)
	}

	r.CustomerID = strVal(customerID)
	r.InvoiceID = strVal(invoiceID)
	r.SubscriptionID = strVal(subscriptionID)
	r.SubscriptionChargeID = strVal(subscriptionChargeID)
	r.TerminalPaymentID = strVal(terminalPaymentID)
	r.PayoutID = strVal(payoutID)
	r.ProcessorPaymentIntentID = strVal(piID)
	r.ProcessorChargeID = strVal(chargeID)
	r.LedgerEntryID = strVal(ledgerEntryID)
	r.Context = strVal(recCtx)
	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
