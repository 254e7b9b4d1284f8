package settlement

import (
	"context"
	"fmt"

	"paycore/internal/common/database"
)

// PGStore reads settlement batch history. The rows themselves are written by
// the ledger inside the settle transaction.
type PGStore struct {
	db *database.DB
}

// NewPGStore creates a settlement batch store.
func NewPGStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

// ListBatches returns a provider's batches, newest first.
func (s *PGStore) ListBatches(ctx context.Context, providerID string, limit, offset int) ([]*Batch, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider_id, currency, entry_count, total_cents, settled_at, created_at
		FROM settlement_batches
		WHERE provider_id = $1
		ORDER BY settled_at DESC, created_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing settlement batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.ProviderID, &b.Currency, &b.EntryCount, &b.TotalCents, &b.SettledAt, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning settlement batch: %w", err)
		}
		batches = append(batches, &b)
	}
	return batches, rows.Err()
}
