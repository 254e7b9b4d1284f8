package dispute

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/core"
	"paycore/internal/ledger"
	ldomain "paycore/internal/ledger/domain"
)

// Store is the persistence the engine needs.
type Store interface {
	CreateDispute(ctx context.Context, d *Dispute) error
	GetByProcessorID(ctx context.Context, processorDisputeID string) (*Dispute, error)
	GetDispute(ctx context.Context, providerID, id string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, providerID string, limit, offset int) ([]*Dispute, error)
}

// Ledger is the slice of the ledger service disputes drive.
type Ledger interface {
	RecordDisputeOpened(ctx context.Context, p ledger.DebitParams) (*ldomain.Entry, error)
	RecordDisputeWon(ctx context.Context, p ledger.DebitParams) (*ldomain.Entry, error)
	RecordDisputeLost(ctx context.Context, p ledger.DebitParams) (*ldomain.Entry, error)
	EntriesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*ldomain.Entry, error)
}

// Publisher emits dispute events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service is the dispute engine.
type Service struct {
	store     Store
	ledger    Ledger
	publisher Publisher
	logger    *slog.Logger
}

// New creates a dispute engine.
func New(store Store, ldg Ledger, pub Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: ldg, publisher: pub, logger: logger}
}

// OpenParams describes a dispute notification from the processor.
type OpenParams struct {
	ProcessorDisputeID string
	PaymentIntentID    string
	AmountCents        int64
	Currency           string
	Reason             string
}

// Open records a new dispute and holds the contested amount in reserve. A
// repeat notification for the same processor dispute returns the existing
// record without moving money again.
func (s *Service) Open(ctx context.Context, p OpenParams) (*Dispute, error) {
	if p.ProcessorDisputeID == "" {
		return nil, core.Validation("missing_dispute_id", "a processor dispute id is required")
	}
	if existing, err := s.store.GetByProcessorID(ctx, p.ProcessorDisputeID); err == nil {
		return existing, nil
	} else if !database.IsNotFound(err) {
		return nil, core.Wrap(core.KindInternal, "dispute_lookup_failed", "loading dispute", err)
	}

	source, err := s.sourceCharge(ctx, p.PaymentIntentID)
	if err != nil {
		return nil, err
	}

	amount := p.AmountCents
	if amount <= 0 {
		amount = source.GrossCents
	}
	currency := money.NormalizeCurrency(p.Currency)
	if p.Currency == "" {
		currency = source.Currency
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:                       "dp_" + ulid.Make().String(),
		ProviderID:               source.ProviderID,
		ProcessorDisputeID:       p.ProcessorDisputeID,
		ProcessorPaymentIntentID: p.PaymentIntentID,
		AmountCents:              amount,
		Currency:                 currency,
		Reason:                   p.Reason,
		Status:                   StatusOpen,
		OpenedAt:                 now,
		CreatedAt:                now,
		UpdatedAt:                now,
	}

	entry, err := s.ledger.RecordDisputeOpened(ctx, ledger.DebitParams{
		ProviderID:  d.ProviderID,
		Currency:    d.Currency,
		AmountCents: d.AmountCents,
		SourceType:  ldomain.SourceDispute,
		Links: ldomain.Links{
			DisputeID:                d.ID,
			ProcessorPaymentIntentID: p.PaymentIntentID,
		},
		Metadata: map[string]string{"reason": p.Reason},
	})
	if err != nil {
		return nil, err
	}
	d.OpenedLedgerEntryID = entry.ID

	if err := s.store.CreateDispute(ctx, d); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			// Concurrent duplicate notification; the reserve entry from the
			// loser stays for the audit trail.
			s.logger.Warn("concurrent dispute open, returning existing",
				"processor_dispute_id", p.ProcessorDisputeID)
			return s.store.GetByProcessorID(ctx, p.ProcessorDisputeID)
		}
		return nil, core.Wrap(core.KindInternal, "dispute_create_failed", "storing dispute", err)
	}

	s.emit(ctx, events.EventDisputeOpened, d)
	s.logger.Info("dispute opened",
		"dispute_id", d.ID,
		"provider_id", d.ProviderID,
		"amount_cents", d.AmountCents,
		"ledger_entry_id", entry.ID,
	)
	return d, nil
}

// Close resolves a dispute by the processor's dispute ID. Closing an already
// resolved dispute with the same outcome is a no-op returning the existing
// record; a different outcome is a conflict.
func (s *Service) Close(ctx context.Context, processorDisputeID string, outcome Status) (*Dispute, error) {
	d, err := s.store.GetByProcessorID(ctx, processorDisputeID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, core.NotFound("dispute_not_found", "no dispute for this processor dispute id")
		}
		return nil, core.Wrap(core.KindInternal, "dispute_lookup_failed", "loading dispute", err)
	}

	if d.Status.Closed() {
		if d.Status == outcome {
			return d, nil
		}
		return nil, core.Conflict("dispute_closed", "dispute was already resolved with a different outcome")
	}

	params := ledger.DebitParams{
		ProviderID:  d.ProviderID,
		Currency:    d.Currency,
		AmountCents: d.AmountCents,
		SourceType:  ldomain.SourceDispute,
		Links: ldomain.Links{
			DisputeID:                d.ID,
			ProcessorPaymentIntentID: d.ProcessorPaymentIntentID,
		},
		Metadata: map[string]string{"outcome": string(outcome)},
	}

	var entry *ldomain.Entry
	switch outcome {
	case StatusWon, StatusCanceled:
		// A canceled dispute releases the reserve the same way a win does.
		entry, err = s.ledger.RecordDisputeWon(ctx, params)
	case StatusLost:
		entry, err = s.ledger.RecordDisputeLost(ctx, params)
	default:
		return nil, core.Validation("invalid_outcome", "outcome must be won, lost, or canceled")
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := d.Resolve(outcome, entry.ID, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		if errors.Is(err, database.ErrConflict) {
			return nil, core.Conflict("dispute_closed", "dispute was resolved concurrently")
		}
		return nil, core.Wrap(core.KindInternal, "dispute_update_failed", "storing dispute resolution", err)
	}

	s.emit(ctx, events.EventDisputeClosed, d)
	s.logger.Info("dispute closed",
		"dispute_id", d.ID,
		"provider_id", d.ProviderID,
		"outcome", outcome,
		"ledger_entry_id", entry.ID,
	)
	return d, nil
}

// Get loads a provider's dispute.
func (s *Service) Get(ctx context.Context, providerID, id string) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, providerID, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, core.NotFound("dispute_not_found", "dispute not found")
		}
		return nil, core.Wrap(core.KindInternal, "dispute_lookup_failed", "loading dispute", err)
	}
	return d, nil
}

// List returns a provider's disputes, newest first.
func (s *Service) List(ctx context.Context, providerID string, limit, offset int) ([]*Dispute, error) {
	out, err := s.store.ListDisputes(ctx, providerID, limit, offset)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "dispute_list_failed", "listing disputes", err)
	}
	return out, nil
}

func (s *Service) sourceCharge(ctx context.Context, paymentIntentID string) (*ldomain.Entry, error) {
	if paymentIntentID == "" {
		return nil, core.Validation("missing_payment_intent", "a payment intent id is required")
	}
	entries, err := s.ledger.EntriesByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type == ldomain.EntryCharge && e.Status == ldomain.StatusPosted {
			return e, nil
		}
	}
	return nil, core.NotFound("charge_entry_not_found", "no charge entry found for this payment")
}

func (s *Service) emit(ctx context.Context, eventType string, d *Dispute) {
	event, err := events.NewEvent(eventType, d.ProviderID, "dispute", d.ID, events.DisputeData{
		DisputeID:   d.ID,
		Status:      string(d.Status),
		AmountCents: d.AmountCents,
		Currency:    d.Currency,
	})
	if err != nil {
		s.logger.Error("failed to build dispute event", "dispute_id", d.ID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish dispute event", "dispute_id", d.ID, "error", err)
	}
}
