package payout

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
)

// PGStore persists payouts in Postgres.
type PGStore struct {
	db *database.DB
}

// NewPGStore creates a payout store.
func NewPGStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

const payoutColumns = `
	id, provider_id, status, origin, amount_cents, currency,
	processor_payout_id, ledger_entry_id, reversal_ledger_entry_id, failure_reason,
	arrival_date, paid_at, created_at, updated_at
`

// CreatePayout inserts a payout row.
func (s *PGStore) CreatePayout(ctx context.Context, p *Payout) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		p.ID, p.ProviderID, p.Status, p.Origin, p.AmountCents, p.Currency,
		nullStr(p.ProcessorPayoutID), nullStr(p.LedgerEntryID), nullStr(p.ReversalLedgerEntryID), nullStr(p.FailureReason),
		p.ArrivalDate, p.PaidAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payout %s: %w", p.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting payout: %w", err)
	}
	return nil
}

// UpdatePayout stores a status transition, guarded on the expected prior
// status.
func (s *PGStore) UpdatePayout(ctx context.Context, p *Payout, expected Status) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payouts
		SET status = $1, processor_payout_id = $2, reversal_ledger_entry_id = $3,
			failure_reason = $4, arrival_date = $5, paid_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9
	`,
		p.Status, nullStr(p.ProcessorPayoutID), nullStr(p.ReversalLedgerEntryID),
		nullStr(p.FailureReason), p.ArrivalDate, p.PaidAt, p.UpdatedAt,
		p.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("updating payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s not %s: %w", p.ID, expected, database.ErrConflict)
	}
	return nil
}

// GetPayout loads a provider's payout by ID.
func (s *PGStore) GetPayout(ctx context.Context, providerID, id string) (*Payout, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE id = $1 AND provider_id = $2
	`, id, providerID)
	return scanPayout(row)
}

// GetByProcessorID loads a payout by the processor's payout ID.
func (s *PGStore) GetByProcessorID(ctx context.Context, processorPayoutID string) (*Payout, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE processor_payout_id = $1
	`, processorPayoutID)
	return scanPayout(row)
}

// HasInFlight reports whether a pending or processing payout exists for the
// provider and currency.
func (s *PGStore) HasInFlight(ctx context.Context, providerID, currency string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payouts
			WHERE provider_id = $1 AND currency = $2 AND status IN ($3, $4)
		)
	`, providerID, currency, StatusPending, StatusProcessing).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking in-flight payouts: %w", err)
	}
	return exists, nil
}

// ListPayouts returns a provider's payouts, newest first.
func (s *PGStore) ListPayouts(ctx context.Context, providerID string, limit, offset int) ([]*Payout, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing payouts: %w", err)
	}
	defer rows.Close()

	var out []*Payout
	for rows.Next() {
		p, err := scanPayoutFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayout(row pgx.Row) (*Payout, error) {
	return scanPayoutFrom(row)
}

func scanPayoutFrom(row pgx.Row) (*Payout, error) {
	var p Payout
	var processorID, ledgerEntryID, reversalID, failureReason *string

	err := row.Scan(
		&p.ID, &p.ProviderID, &p.Status, &p.Origin, &p.AmountCents, &p.Currency,
		&processorID, &ledgerEntryID, &reversalID, &failureReason,
		&p.ArrivalDate, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payout: %w", err)
	}
	p.ProcessorPayoutID = strVal(processorID)
	p.LedgerEntryID = strVal(ledgerEntryID)
	p.ReversalLedgerEntryID = strVal(reversalID)
	p.FailureReason = strVal(failureReason)
	return &p, nil
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
