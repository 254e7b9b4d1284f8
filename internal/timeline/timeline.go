// Package timeline records domain events as CRM timeline rows. It consumes
// the event stream out-of-band; the money engine never waits on it.
package timeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	natsclient "paycore/internal/common/nats"
)

// StreamName is the JetStream stream holding domain events.
const StreamName = "PAYCORE_EVENTS"

// ConsumerName is the durable consumer the recorder reads from.
const ConsumerName = "timeline-recorder"

// Record is one timeline row derived from a domain event.
type Record struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	ProviderID    string    `json:"provider_id"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Data          []byte    `json:"data"`
	OccurredAt    time.Time `json:"occurred_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists timeline rows.
type Store interface {
	CreateRecord(ctx context.Context, rec *Record) error
	ListRecords(ctx context.Context, providerID string, limit, offset int) ([]*Record, error)
}

// Recorder turns events into timeline rows.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a timeline recorder.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Handle writes one event to the timeline. Redeliveries of an already
// recorded event ack cleanly.
func (r *Recorder) Handle(ctx context.Context, event *events.Event) error {
	now := time.Now().UTC()
	rec := &Record{
		ID:            "tl_" + ulid.Make().String(),
		EventID:       event.ID,
		EventType:     event.Type,
		ProviderID:    event.ProviderID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		CorrelationID: event.CorrelationID,
		Data:          event.Data,
		OccurredAt:    event.OccurredAt,
		CreatedAt:     now,
	}

	if err := r.store.CreateRecord(ctx, rec); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			r.logger.Debug("timeline event already recorded", "event_id", event.ID)
			return nil
		}
		return err
	}

	r.logger.Debug("timeline event recorded",
		"event_id", event.ID,
		"event_type", event.Type,
		"provider_id", event.ProviderID,
	)
	return nil
}

// Start wires the durable consumer and runs the recorder until the context
// is canceled.
func Start(ctx context.Context, client *natsclient.Client, recorder *Recorder, logger *slog.Logger) error {
	if _, err := client.EnsureStream(ctx, StreamName, []string{"events.>"}); err != nil {
		return err
	}
	consumer, err := client.EnsureConsumer(ctx, StreamName, ConsumerName, "events.>")
	if err != nil {
		return err
	}

	sub := natsclient.NewSubscriber(consumer, logger)
	go func() {
		if err := sub.Start(ctx, recorder.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("timeline subscriber stopped", "error", err)
		}
	}()
	return nil
}
