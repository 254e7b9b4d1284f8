package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/core"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/processor"
)

// Store is the persistence the engine needs.
type Store interface {
	CreatePayout(ctx context.Context, p *Payout) error
	UpdatePayout(ctx context.Context, p *Payout, expected Status) error
	GetPayout(ctx context.Context, providerID, id string) (*Payout, error)
	GetByProcessorID(ctx context.Context, processorPayoutID string) (*Payout, error)
	HasInFlight(ctx context.Context, providerID, currency string) (bool, error)
	ListPayouts(ctx context.Context, providerID string, limit, offset int) ([]*Payout, error)
}

// Ledger is the slice of the ledger service payouts drive.
type Ledger interface {
	RecordPayout(ctx context.Context, p ledger.DebitParams) (*ldomain.Entry, error)
	RecordPayoutReversal(ctx context.Context, p ledger.DebitParams) (*ldomain.Entry, error)
	AllBalances(ctx context.Context) ([]*ldomain.Balance, error)
}

// Idempotency gates payout creation.
type Idempotency interface {
	Reserve(ctx context.Context, p idempotency.ReserveParams) (*idempotency.Reservation, error)
	MarkCompleted(ctx context.Context, id string, refs idempotency.CompletionRefs) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Publisher emits payout events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds payout configuration.
type Config struct {
	Cron     string `envconfig:"AUTO_PAYOUT_CRON" default:"0 4 * * *"`
	MinCents int64  `envconfig:"PAYOUT_MIN_CENTS" default:"2500"`
}

// Service is the payout engine.
type Service struct {
	store     Store
	ledger    Ledger
	idem      Idempotency
	proc      processor.Processor
	publisher Publisher
	minCents  int64
	logger    *slog.Logger
}

// New creates a payout engine.
func New(store Store, ldg Ledger, idem Idempotency, proc processor.Processor, pub Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ldg,
		idem:      idem,
		proc:      proc,
		publisher: pub,
		minCents:  cfg.MinCents,
		logger:    logger,
	}
}

// Result is the outcome of a payout request.
type Result struct {
	Replayed bool    `json:"replayed"`
	Payout   *Payout `json:"payout"`
}

// Request creates a manual payout of available funds.
func (s *Service) Request(ctx context.Context, providerID, currency string, amountCents int64, idempotencyKey string) (*Result, error) {
	if amountCents <= 0 {
		return nil, core.Validation("invalid_amount", "amount_cents must be positive")
	}
	if amountCents < s.minCents {
		return nil, core.Validation("below_minimum",
			fmt.Sprintf("payouts must be at least %d cents", s.minCents))
	}
	return s.create(ctx, providerID, money.NormalizeCurrency(currency), amountCents, idempotencyKey, OriginManual)
}

// RunAuto sweeps every balance at or above the minimum into a payout, one per
// provider and currency per day. The date-keyed idempotency key makes a
// rerun of the same day's sweep a no-op.
func (s *Service) RunAuto(ctx context.Context, asOf time.Time) (int, error) {
	balances, err := s.ledger.AllBalances(ctx)
	if err != nil {
		return 0, err
	}

	day := asOf.UTC().Format("2006-01-02")
	created := 0
	for _, b := range balances {
		if b.AvailableCents < s.minCents {
			continue
		}
		key := fmt.Sprintf("payout:%s:%s:%s", b.ProviderID, b.Currency, day)
		res, err := s.create(ctx, b.ProviderID, b.Currency, b.AvailableCents, key, OriginAuto)
		if err != nil {
			// One provider's failure never stops the sweep.
			s.logger.Warn("auto payout skipped",
				"provider_id", b.ProviderID,
				"currency", b.Currency,
				"error", err,
			)
			continue
		}
		if !res.Replayed {
			created++
		}
	}
	return created, nil
}

func (s *Service) create(ctx context.Context, providerID, currency string, amountCents int64, idempotencyKey string, origin Origin) (*Result, error) {
	// Minted before the reservation so a replay can find the payout row
	// through the record.
	payoutID := "po_" + ulid.Make().String()

	res, err := s.idem.Reserve(ctx, idempotency.ReserveParams{
		Key:         idempotencyKey,
		Type:        idempotency.TypePayout,
		AmountCents: amountCents,
		Currency:    currency,
		ProviderID:  providerID,
		PayoutID:    payoutID,
		Payload: map[string]interface{}{
			"provider_id":  providerID,
			"amount_cents": amountCents,
			"currency":     currency,
		},
	})
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case idempotency.OutcomeCompleted:
		existing, err := s.store.GetPayout(ctx, providerID, res.Record.PayoutID)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, "payout_lookup_failed", "loading payout", err)
		}
		return &Result{Replayed: true, Payout: existing}, nil
	case idempotency.OutcomeInProgress:
		return nil, core.Conflict("idempotency_in_progress", "another attempt with this key is still in progress")
	case idempotency.OutcomeFailed:
		return nil, core.Conflict("idempotency_failed", "a previous attempt with this key failed; use a new key")
	}

	fail := func(reason string) {
		if mfErr := s.idem.MarkFailed(ctx, res.Record.ID, reason); mfErr != nil {
			s.logger.Error("failed to mark payout idempotency failed", "record_id", res.Record.ID, "error", mfErr)
		}
	}

	inFlight, err := s.store.HasInFlight(ctx, providerID, currency)
	if err != nil {
		fail(err.Error())
		return nil, core.Wrap(core.KindInternal, "payout_check_failed", "checking in-flight payouts", err)
	}
	if inFlight {
		fail("payout already in flight")
		return nil, core.Conflict("payout_in_flight", "a payout for this balance is already in flight")
	}

	now := time.Now().UTC()
	p := &Payout{
		ID:          payoutID,
		ProviderID:  providerID,
		Status:      StatusPending,
		Origin:      origin,
		AmountCents: amountCents,
		Currency:    currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Debit first. If available funds do not cover the amount this blocks
	// and nothing has left the ledger.
	entry, err := s.ledger.RecordPayout(ctx, ledger.DebitParams{
		ProviderID:  providerID,
		Currency:    currency,
		AmountCents: amountCents,
		SourceType:  ldomain.SourcePayout,
		Links:       ldomain.Links{PayoutID: p.ID},
		Metadata:    map[string]string{"origin": string(origin)},
	})
	if err != nil {
		fail(fmt.Sprintf("%s: %s", core.CodeOf(err), err.Error()))
		return nil, err
	}
	p.LedgerEntryID = entry.ID

	if err := s.store.CreatePayout(ctx, p); err != nil {
		// The debit is on the books; reverse it so the balance is whole.
		s.reverse(ctx, p, "payout record could not be stored")
		fail(err.Error())
		return nil, core.Wrap(core.KindInternal, "payout_create_failed", "storing payout", err)
	}

	procPayout, err := s.proc.CreatePayout(ctx, processor.PayoutParams{
		AmountCents:    amountCents,
		Currency:       currency,
		Description:    fmt.Sprintf("payout %s", p.ID),
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]string{"payout_id": p.ID},
	})
	if err != nil {
		reversal := s.reverse(ctx, p, core.CodeOf(err))
		if mErr := p.MarkFailed(StatusFailed, err.Error(), reversal, now); mErr == nil {
			if uErr := s.store.UpdatePayout(ctx, p, StatusPending); uErr != nil {
				s.logger.Error("payout reversed but record update failed", "payout_id", p.ID, "error", uErr)
			}
		}
		fail(fmt.Sprintf("%s: %s", core.CodeOf(err), err.Error()))
		s.emit(ctx, events.EventPayoutFailed, p)
		return nil, err
	}

	arrival := procPayout.ArrivalDate
	if err := p.MarkProcessing(procPayout.ID, &arrival, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayout(ctx, p, StatusPending); err != nil {
		s.logger.Error("payout sent but record update failed",
			"payout_id", p.ID, "processor_payout_id", procPayout.ID, "error", err)
	}

	if err := s.idem.MarkCompleted(ctx, res.Record.ID, idempotency.CompletionRefs{
		LedgerEntryID: entry.ID,
	}); err != nil {
		s.logger.Error("payout committed but idempotency completion failed",
			"record_id", res.Record.ID, "payout_id", p.ID, "error", err)
	}

	s.emit(ctx, events.EventPayoutCreated, p)
	s.logger.Info("payout created",
		"payout_id", p.ID,
		"provider_id", providerID,
		"amount_cents", amountCents,
		"currency", currency,
		"origin", origin,
	)
	return &Result{Payout: p}, nil
}

// ConfirmPaid finalizes an in-flight payout on bank confirmation.
func (s *Service) ConfirmPaid(ctx context.Context, processorPayoutID string) (*Payout, error) {
	p, err := s.byProcessorID(ctx, processorPayoutID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusPaid {
		return p, nil
	}

	prior := p.Status
	if err := p.MarkPaid(time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayout(ctx, p, prior); err != nil {
		return nil, mapUpdateErr(err)
	}
	s.emit(ctx, events.EventPayoutPaid, p)
	return p, nil
}

// ConfirmFailed reverses an in-flight payout the bank bounced. Canceled
// payouts take the same path with the canceled status.
func (s *Service) ConfirmFailed(ctx context.Context, processorPayoutID string, status Status, reason string) (*Payout, error) {
	p, err := s.byProcessorID(ctx, processorPayoutID)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}

	// Claim the terminal state before any money moves: a paid payout, or one
	// already failed under a different status, must never be re-credited.
	prior := p.Status
	if err := p.MarkFailed(status, reason, "", time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePayout(ctx, p, prior); err != nil {
		return nil, mapUpdateErr(err)
	}

	reversal := s.reverse(ctx, p, reason)
	if reversal != "" {
		p.ReversalLedgerEntryID = reversal
		if err := s.store.UpdatePayout(ctx, p, status); err != nil {
			s.logger.Error("payout reversed but reversal ref update failed",
				"payout_id", p.ID, "reversal_entry_id", reversal, "error", err)
		}
	}

	s.emit(ctx, events.EventPayoutFailed, p)
	s.logger.Info("payout reversed",
		"payout_id", p.ID,
		"status", status,
		"reversal_entry_id", reversal,
	)
	return p, nil
}

// Get loads a provider's payout.
func (s *Service) Get(ctx context.Context, providerID, id string) (*Payout, error) {
	p, err := s.store.GetPayout(ctx, providerID, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, core.NotFound("payout_not_found", "payout not found")
		}
		return nil, core.Wrap(core.KindInternal, "payout_lookup_failed", "loading payout", err)
	}
	return p, nil
}

// List returns a provider's payout history, newest first.
func (s *Service) List(ctx context.Context, providerID string, limit, offset int) ([]*Payout, error) {
	out, err := s.store.ListPayouts(ctx, providerID, limit, offset)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "payout_list_failed", "listing payouts", err)
	}
	return out, nil
}

func (s *Service) byProcessorID(ctx context.Context, processorPayoutID string) (*Payout, error) {
	p, err := s.store.GetByProcessorID(ctx, processorPayoutID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, core.NotFound("payout_not_found", "no payout for this processor payout id")
		}
		return nil, core.Wrap(core.KindInternal, "payout_lookup_failed", "loading payout", err)
	}
	return p, nil
}

// reverse credits the payout amount back and returns the reversal entry ID,
// empty when the credit itself failed (the audit recompute will surface it).
func (s *Service) reverse(ctx context.Context, p *Payout, reason string) string {
	entry, err := s.ledger.RecordPayoutReversal(ctx, ledger.DebitParams{
		ProviderID:  p.ProviderID,
		Currency:    p.Currency,
		AmountCents: p.AmountCents,
		SourceType:  ldomain.SourcePayout,
		Links:       ldomain.Links{PayoutID: p.ID, ProcessorPayoutID: p.ProcessorPayoutID},
		Metadata:    map[string]string{"reason": reason},
	})
	if err != nil {
		s.logger.Error("payout reversal failed",
			"payout_id", p.ID, "amount_cents", p.AmountCents, "error", err)
		return ""
	}
	return entry.ID
}

func (s *Service) emit(ctx context.Context, eventType string, p *Payout) {
	event, err := events.NewEvent(eventType, p.ProviderID, "payout", p.ID, events.PayoutData{
		PayoutID:    p.ID,
		Status:      string(p.Status),
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		Reason:      p.FailureReason,
	})
	if err != nil {
		s.logger.Error("failed to build payout event", "payout_id", p.ID, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish payout event", "payout_id", p.ID, "error", err)
	}
}

func mapUpdateErr(err error) error {
	if errors.Is(err, database.ErrConflict) {
		return core.Conflict("payout_conflict", "the payout is not in the expected state")
	}
	return core.Wrap(core.KindInternal, "payout_update_failed", "storing payout", err)
}
