package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
)

// PGStore persists disputes in Postgres.
type PGStore struct {
	db *database.DB
}

// NewPGStore creates a dispute store.
func NewPGStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

const disputeColumns = `
	id, provider_id, processor_dispute_id, processor_payment_intent_id,
	amount_cents, currency, reason, status,
	opened_ledger_entry_id, resolution_ledger_entry_id,
	opened_at, closed_at, created_at, updated_at
`

// CreateDispute inserts a dispute. The processor dispute ID is unique, so a
// replayed webhook surfaces as ErrAlreadyExists.
func (s *PGStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		d.ID, d.ProviderID, d.ProcessorDisputeID, d.ProcessorPaymentIntentID,
		d.AmountCents, d.Currency, d.Reason, d.Status,
		d.OpenedLedgerEntryID, nullStr(d.ResolutionLedgerEntryID),
		d.OpenedAt, d.ClosedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("dispute %s: %w", d.ProcessorDisputeID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting dispute: %w", err)
	}
	return nil
}

// GetByProcessorID loads a dispute by the processor's dispute ID.
func (s *PGStore) GetByProcessorID(ctx context.Context, processorDisputeID string) (*Dispute, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE processor_dispute_id = $1
	`, processorDisputeID)
	return scanDispute(row)
}

// GetDispute loads a provider's dispute by ID.
func (s *PGStore) GetDispute(ctx context.Context, providerID, id string) (*Dispute, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE id = $1 AND provider_id = $2
	`, id, providerID)
	return scanDispute(row)
}

// UpdateDispute stores a resolution, guarded on the still-open status.
func (s *PGStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE disputes
		SET status = $1, resolution_ledger_entry_id = $2, closed_at = $3, updated_at = $4
		WHERE id = $5 AND status IN ($6, $7)
	`, d.Status, nullStr(d.ResolutionLedgerEntryID), d.ClosedAt, d.UpdatedAt,
		d.ID, StatusOpen, StatusUnderReview)
	if err != nil {
		return fmt.Errorf("updating dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispute %s: %w", d.ID, database.ErrConflict)
	}
	return nil
}

// ListDisputes returns a provider's disputes, newest first.
func (s *PGStore) ListDisputes(ctx context.Context, providerID string, limit, offset int) ([]*Dispute, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE provider_id = $1
		ORDER BY opened_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDisputeFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDispute(row pgx.Row) (*Dispute, error) {
	d, err := scanDisputeFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func scanDisputeFrom(row pgx.Row) (*Dispute, error) {
	var d Dispute
	var reason, resolutionID *string

	err := row.Scan(
		&d.ID, &d.ProviderID, &d.ProcessorDisputeID, &d.ProcessorPaymentIntentID,
		&d.AmountCents, &d.Currency, &reason, &d.Status,
		&d.OpenedLedgerEntryID, &resolutionID,
		&d.OpenedAt, &d.ClosedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning dispute: %w", err)
	}
	d.Reason = strVal(reason)
	d.ResolutionLedgerEntryID = strVal(resolutionID)
	return &d, nil
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
