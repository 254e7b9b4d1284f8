// Package settlement matures pending charge credits. On each tick every
// posted, unsettled charge past its maturity date is grouped by provider and
// currency and moved from pending into available in one batch per group.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/events"
	"paycore/internal/ledger/domain"
)

// Ledger is the slice of the ledger service settlement drives. SettleCharges
// writes the batch row in the same transaction that stamps the entries.
type Ledger interface {
	DueCharges(ctx context.Context, asOf time.Time, limit int) ([]*domain.Entry, error)
	SettleCharges(ctx context.Context, providerID, currency, batchID string, entryIDs []string, totalCents int64, settledAt time.Time) error
}

// Publisher emits settlement events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds settlement configuration.
type Config struct {
	Cron       string `envconfig:"SETTLEMENT_CRON" default:"*/15 * * * *"`
	BatchLimit int    `envconfig:"SETTLEMENT_BATCH_LIMIT" default:"500"`
}

// Batch is one settlement run for a provider and currency.
type Batch struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"provider_id"`
	Currency   string    `json:"currency"`
	EntryCount int       `json:"entry_count"`
	TotalCents int64     `json:"total_cents"`
	SettledAt  time.Time `json:"settled_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Service runs settlement passes.
type Service struct {
	ledger     Ledger
	publisher  Publisher
	batchLimit int
	logger     *slog.Logger
}

// New creates a settlement service.
func New(ldg Ledger, pub Publisher, cfg Config, logger *slog.Logger) *Service {
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = 500
	}
	return &Service{
		ledger:     ldg,
		publisher:  pub,
		batchLimit: limit,
		logger:     logger,
	}
}

type groupKey struct {
	providerID string
	currency   string
}

// RunOnce settles everything due as of the given time and returns how many
// entries matured. A group that fails is logged and left for the next tick;
// the other groups still settle.
func (s *Service) RunOnce(ctx context.Context, asOf time.Time) (int, error) {
	due, err := s.ledger.DueCharges(ctx, asOf, s.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	groups := make(map[groupKey][]*domain.Entry)
	var order []groupKey
	for _, e := range due {
		k := groupKey{e.ProviderID, e.Currency}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	settled := 0
	for _, k := range order {
		entries := groups[k]
		batch := &Batch{
			ID:         "sb_" + ulid.Make().String(),
			ProviderID: k.providerID,
			Currency:   k.currency,
			EntryCount: len(entries),
			SettledAt:  asOf,
			CreatedAt:  time.Now().UTC(),
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.ID)
			batch.TotalCents += e.AmountCents
		}

		if err := s.ledger.SettleCharges(ctx, k.providerID, k.currency, batch.ID, ids, batch.TotalCents, asOf); err != nil {
			s.logger.Error("settlement group failed",
				"provider_id", k.providerID,
				"currency", k.currency,
				"entries", len(ids),
				"error", err,
			)
			continue
		}
		settled += len(entries)

		s.emit(ctx, batch)
		s.logger.Info("settlement batch completed",
			"batch_id", batch.ID,
			"provider_id", k.providerID,
			"currency", k.currency,
			"entries", batch.EntryCount,
			"total_cents", batch.TotalCents,
		)
	}
	return settled, nil
}

func (s *Service) emit(ctx context.Context, batch *Batch) {
	event, err := events.NewEvent(events.EventSettlementCompleted, batch.ProviderID, "settlement_batch", batch.ID,
		events.SettlementCompletedData{
			BatchID:    batch.ID,
			EntryCount: batch.EntryCount,
			TotalCents: batch.TotalCents,
			Currency:   batch.Currency,
		})
	if err != nil {
		s.logger.Error("failed to build settlement event", "batch_id", batch.ID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish settlement event", "batch_id", batch.ID, "error", err)
	}
}
