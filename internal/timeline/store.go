package timeline

import (
	"context"
	"fmt"

	"paycore/internal/common/database"
)

// PGStore persists timeline rows in Postgres.
type PGStore struct {
	db *database.DB
}

// NewPGStore creates a timeline store.
func NewPGStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

// CreateRecord inserts a timeline row. A duplicate event_id maps to
// ErrAlreadyExists so redeliveries are harmless.
func (s *PGStore) CreateRecord(ctx context.Context, rec *Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO timeline_events (
			id, event_id, event_type, provider_id, aggregate_type, aggregate_id,
			correlation_id, data, occurred_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID, rec.EventID, rec.EventType, rec.ProviderID, rec.AggregateType, rec.AggregateID,
		nullStr(rec.CorrelationID), rec.Data, rec.OccurredAt, rec.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("timeline event %s: %w", rec.EventID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting timeline event: %w", err)
	}
	return nil
}

// ListRecords returns a provider's timeline, newest first.
func (s *PGStore) ListRecords(ctx context.Context, providerID string, limit, offset int) ([]*Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, event_type, provider_id, aggregate_type, aggregate_id,
			correlation_id, data, occurred_at, created_at
		FROM timeline_events
		WHERE provider_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3
	`, providerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing timeline events: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var correlationID *string
		err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.EventType, &rec.ProviderID, &rec.AggregateType, &rec.AggregateID,
			&correlationID, &rec.Data, &rec.OccurredAt, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning timeline event: %w", err)
		}
		if correlationID != nil {
			rec.CorrelationID = *correlationID
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
