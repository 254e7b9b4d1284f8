package charge

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
	"paycore/internal/fraud"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/processor"
)

// Store is the persistence the pipeline needs.
type Store interface {
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, providerID, id string) (*Invoice, error)
	AcquirePaymentLock(ctx context.Context, invoiceID string, ttl time.Duration) (bool, error)
	ReleasePaymentLock(ctx context.Context, invoiceID string) error
	MarkInvoicePaid(ctx context.Context, invoiceID string, amountPaid int64, ledgerEntryID, paymentIntentID string) error

	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, providerID, id string) (*Subscription, error)
	UpdateSubscriptionBilling(ctx context.Context, sub *Subscription) error
	CancelSubscription(ctx context.Context, providerID, id string) error
	CreateSubscriptionCharge(ctx context.Context, sc *SubscriptionCharge) error
	GetSubscriptionCharge(ctx context.Context, providerID, id string) (*SubscriptionCharge, error)

	CreateTerminalPayment(ctx context.Context, tp *TerminalPayment) error
	GetTerminalBySession(ctx context.Context, providerID, sessionID string) (*TerminalPayment, error)
	UpdateTerminalPayment(ctx context.Context, tp *TerminalPayment, expected TerminalStatus) error
}

// Ledger is the slice of the ledger service the pipeline uses.
type Ledger interface {
	RecordCharge(ctx context.Context, p ledger.ChargeParams) (*ldomain.Entry, error)
	PreCommitRefund(ctx context.Context, p ledger.RefundParams) (*ldomain.Entry, error)
	FinalizeRefund(ctx context.Context, entryID string) (*ldomain.Entry, error)
	VoidRefund(ctx context.Context, entryID string) error
	EntriesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*ldomain.Entry, error)
}

// Idempotency is the gate in front of every charge and refund.
type Idempotency interface {
	Reserve(ctx context.Context, p idempotency.ReserveParams) (*idempotency.Reservation, error)
	MarkCompleted(ctx context.Context, id string, refs idempotency.CompletionRefs) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Publisher emits timeline/domain events. Failures are logged, never
// surfaced: the money has already moved.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds charge pipeline configuration.
type Config struct {
	PaymentLockMS int `envconfig:"PAYMENT_LOCK_MS" default:"120000"`
}

// LockTTL is the invoice payment-lock expiry.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.PaymentLockMS) * time.Millisecond
}

// Service orchestrates the charge pipeline.
type Service struct {
	store     Store
	ledger    Ledger
	idem      Idempotency
	proc      processor.Processor
	fraudGate fraud.Gate
	publisher Publisher
	fees      money.FeeConfig
	lockTTL   time.Duration
	logger    *slog.Logger
}

// New creates the charge pipeline service.
func New(store Store, ldg Ledger, idem Idempotency, proc processor.Processor, gate fraud.Gate, pub Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ldg,
		idem:      idem,
		proc:      proc,
		fraudGate: gate,
		publisher: pub,
		fees:      money.DefaultFeeConfig(),
		lockTTL:   cfg.LockTTL(),
		logger:    logger,
	}
}

// Result is the outcome of a charge, identical whether fresh or replayed.
type Result struct {
	Replayed             bool   `json:"replayed"`
	LedgerEntryID        string `json:"ledger_entry_id"`
	PaymentIntentID      string `json:"payment_intent_id"`
	ChargeID             string `json:"charge_id,omitempty"`
	GrossCents           int64  `json:"gross_cents"`
	FeeCents             int64  `json:"fee_cents"`
	NetCents             int64  `json:"net_cents"`
	Currency             string `json:"currency"`
	SubscriptionChargeID string `json:"subscription_charge_id,omitempty"`
}

// CreateInvoiceParams describes a new invoice.
type CreateInvoiceParams struct {
	ProviderID         string
	CustomerID         string
	Number             string
	AmountDueCents     int64
	Currency           string
	Description        string
	FeeOverridePercent *float64
}

// CreateInvoice opens a new invoice.
func (s *Service) CreateInvoice(ctx context.Context, p CreateInvoiceParams) (*Invoice, error) {
	if p.AmountDueCents <= 0 {
		return nil, core.Validation("invalid_amount", "amount_due_cents must be positive")
	}
	now := time.Now().UTC()
	inv := &Invoice{
		ID:                 "inv_" + ulid.Make().String(),
		ProviderID:         p.ProviderID,
		CustomerID:         p.CustomerID,
		Number:             p.Number,
		Status:             InvoiceOpen,
		AmountDueCents:     p.AmountDueCents,
		Currency:           money.NormalizeCurrency(p.Currency),
		Description:        p.Description,
		FeeOverridePercent: p.FeeOverridePercent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if inv.Number == "" {
		inv.Number = "INV-" + ulid.Make().String()
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, mapStoreErr(err, "invoice")
	}
	return inv, nil
}

// PayInvoice charges an open invoice. The payment lock serializes concurrent
// attempts; the idempotency key makes retries safe.
func (s *Service) PayInvoice(ctx context.Context, providerID, invoiceID, idempotencyKey string) (*Result, error) {
	inv, err := s.store.GetInvoice(ctx, providerID, invoiceID)
	if err != nil {
		return nil, mapStoreErr(err, "invoice")
	}
	locked, err := s.store.AcquirePaymentLock(ctx, inv.ID, s.lockTTL)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "lock_failed", "acquiring payment lock", err)
	}
	if !locked {
		return nil, core.Conflict("locked", "another payment for this invoice is in progress")
	}
	defer func() {
		if relErr := s.store.ReleasePaymentLock(context.WithoutCancel(ctx), inv.ID); relErr != nil {
			s.logger.Error("failed to release payment lock", "invoice_id", inv.ID, "error", relErr)
		}
	}()

	result, err := s.executeCharge(ctx, chargeAttempt{
		IdempotencyType: idempotency.TypeInvoicePayNow,
		IdempotencyKey:  idempotencyKey,
		ProviderID:      providerID,
		CustomerID:      inv.CustomerID,
		Channel:         ChannelInvoice,
		AmountCents:     inv.AmountDueCents,
		Currency:        inv.Currency,
		FeeOverride:     inv.FeeOverridePercent,
		Description:     fmt.Sprintf("invoice %s", inv.Number),
		SourceType:      ldomain.SourceInvoice,
		Links:           ldomain.Links{InvoiceID: inv.ID},
		InvoiceID:       inv.ID,
		Payload: map[string]interface{}{
			"invoice_id":   inv.ID,
			"amount_cents": inv.AmountDueCents,
			"currency":     inv.Currency,
		},
		preflight: func() error {
			if err := inv.Payable(); err != nil {
				return err
			}
			if inv.AmountDueCents <= 0 {
				return core.Validation("invalid_amount", "invoice has nothing due")
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		if err := s.store.MarkInvoicePaid(ctx, inv.ID, inv.AmountDueCents, result.LedgerEntryID, result.PaymentIntentID); err != nil {
			// The ledger write committed; the invoice artifact is repaired by
			// reconciliation, not by failing the response.
			s.logger.Error("invoice paid but artifact update failed",
				"invoice_id", inv.ID, "ledger_entry_id", result.LedgerEntryID, "error", err)
		}
	}
	return result, nil
}

// ChargeSubscription bills one subscription cycle. asScheduler relaxes the
// not-yet-due check for the billing scheduler.
func (s *Service) ChargeSubscription(ctx context.Context, providerID, subscriptionID, idempotencyKey string, asScheduler bool) (*Result, error) {
	sub, err := s.store.GetSubscription(ctx, providerID, subscriptionID)
	if err != nil {
		return nil, mapStoreErr(err, "subscription")
	}

	now := time.Now().UTC()
	result, err := s.executeCharge(ctx, chargeAttempt{
		IdempotencyType: idempotency.TypeSubscriptionCharge,
		IdempotencyKey:  idempotencyKey,
		ProviderID:      providerID,
		CustomerID:      sub.CustomerID,
		Channel:         ChannelSubscription,
		AmountCents:     sub.PriceCents,
		Currency:        sub.Currency,
		FeeOverride:     sub.FeeOverridePercent,
		Description:     fmt.Sprintf("subscription %s cycle %d", sub.PlanName, sub.CycleCount+1),
		SourceType:      ldomain.SourceSubscription,
		Links:           ldomain.Links{SubscriptionID: sub.ID},
		SubscriptionID:  sub.ID,
		Payload: map[string]interface{}{
			"subscription_id": sub.ID,
			"amount_cents":    sub.PriceCents,
			"currency":        sub.Currency,
			"cycle":           sub.CycleCount + 1,
		},
		preflight: func() error {
			if err := sub.Chargeable(now, asScheduler); err != nil {
				return err
			}
			if sub.PriceCents <= 0 {
				return core.Validation("invalid_amount", "subscription price must be positive")
			}
			return nil
		},
		onProcessorFailure: func(fctx context.Context, reason string) {
			sub.MarkChargeFailed()
			if uerr := s.store.UpdateSubscriptionBilling(fctx, sub); uerr != nil {
				s.logger.Error("failed to mark subscription past_due", "subscription_id", sub.ID, "error", uerr)
			}
			s.recordSubscriptionCharge(fctx, sub, sub.CycleCount+1, ChargeOutcomeFailed, reason, "", "")
			s.emit(fctx, events.EventSubscriptionPastDue, sub.ProviderID, "subscription", sub.ID, events.ChargeFailedData{
				Channel:    string(ChannelSubscription),
				CustomerID: sub.CustomerID,
				Reason:     reason,
			})
		},
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		cycle := sub.CycleCount + 1
		scID := s.recordSubscriptionCharge(ctx, sub, cycle, ChargeOutcomeSuccess, "", result.LedgerEntryID, result.PaymentIntentID)
		result.SubscriptionChargeID = scID

		if err := sub.AdvanceAfterSuccess(now); err != nil {
			return nil, core.Wrap(core.KindInternal, "advance_failed", "advancing subscription", err)
		}
		if err := s.store.UpdateSubscriptionBilling(ctx, sub); err != nil {
			s.logger.Error("subscription charged but advance failed",
				"subscription_id", sub.ID, "ledger_entry_id", result.LedgerEntryID, "error", err)
		}
		s.emit(ctx, events.EventSubscriptionCharged, sub.ProviderID, "subscription", sub.ID, events.ChargeSucceededData{
			Channel:        string(ChannelSubscription),
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ID,
			LedgerEntryID:  result.LedgerEntryID,
			GrossCents:     result.GrossCents,
			FeeCents:       result.FeeCents,
			NetCents:       result.NetCents,
			Currency:       result.Currency,
			PaymentIntent:  result.PaymentIntentID,
		})
	}
	return result, nil
}

// CreateSubscriptionParams describes a new subscription.
type CreateSubscriptionParams struct {
	ProviderID         string
	CustomerID         string
	PlanName           string
	Frequency          Frequency
	PriceCents         int64
	Currency           string
	FirstBillingDate   time.Time
	FeeOverridePercent *float64
}

// CreateSubscription opens a new active subscription.
func (s *Service) CreateSubscription(ctx context.Context, p CreateSubscriptionParams) (*Subscription, error) {
	if p.PriceCents <= 0 {
		return nil, core.Validation("invalid_amount", "price_cents must be positive")
	}
	if _, err := p.Frequency.Advance(time.Now()); err != nil {
		return nil, core.Validation("invalid_frequency", err.Error())
	}

	now := time.Now().UTC()
	first := p.FirstBillingDate
	if first.IsZero() {
		first = now
	}
	sub := &Subscription{
		ID:                 "sub_" + ulid.Make().String(),
		ProviderID:         p.ProviderID,
		CustomerID:         p.CustomerID,
		PlanName:           p.PlanName,
		Status:             SubscriptionActive,
		Frequency:          p.Frequency,
		PriceCents:         p.PriceCents,
		Currency:           money.NormalizeCurrency(p.Currency),
		NextBillingDate:    first,
		FeeOverridePercent: p.FeeOverridePercent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, mapStoreErr(err, "subscription")
	}
	return sub, nil
}

// CancelSubscriptionByID cancels a subscription. Canceling is terminal:
// future charges are rejected.
func (s *Service) CancelSubscriptionByID(ctx context.Context, providerID, subscriptionID string) error {
	if err := s.store.CancelSubscription(ctx, providerID, subscriptionID); err != nil {
		return mapStoreErr(err, "subscription")
	}
	s.emit(ctx, events.EventSubscriptionCanceled, providerID, "subscription", subscriptionID, nil)
	return nil
}

func (s *Service) recordSubscriptionCharge(ctx context.Context, sub *Subscription, cycle int, outcome ChargeOutcome, reason, ledgerEntryID, piID string) string {
	sc := &SubscriptionCharge{
		ID:                       "sc_" + ulid.Make().String(),
		SubscriptionID:           sub.ID,
		ProviderID:               sub.ProviderID,
		CustomerID:               sub.CustomerID,
		Cycle:                    cycle,
		AmountCents:              sub.PriceCents,
		Currency:                 sub.Currency,
		Status:                   outcome,
		FailureReason:            reason,
		LedgerEntryID:            ledgerEntryID,
		ProcessorPaymentIntentID: piID,
		CreatedAt:                time.Now().UTC(),
	}
	if err := s.store.CreateSubscriptionCharge(ctx, sc); err != nil {
		s.logger.Error("failed to record subscription charge artifact",
			"subscription_id", sub.ID, "cycle", cycle, "error", err)
		return ""
	}
	return sc.ID
}

// chargeAttempt carries everything the common pipeline needs for one charge.
type chargeAttempt struct {
	IdempotencyType string
	IdempotencyKey  string
	ProviderID      string
	CustomerID      string
	Channel         Channel
	AmountCents     int64
	Currency        string
	FeeOverride     *float64
	Description     string
	SourceType      ldomain.SourceType
	Links           ldomain.Links
	Payload         interface{}

	InvoiceID         string
	SubscriptionID    string
	TerminalPaymentID string

	// Artifact-state checks run after the idempotency reservation, so a
	// retry of a completed attempt replays instead of tripping over the
	// state its own success produced.
	preflight func() error

	// Called after the idempotency record is marked failed, so channel
	// artifacts can record the failure too.
	onProcessorFailure func(ctx context.Context, reason string)

	// When set, the payment intent already exists (terminal capture) and is
	// captured instead of created.
	capturePaymentIntentID string
}

// executeCharge runs the common pipeline: validate, fraud, idempotency,
// processor, ledger, idempotency finalize.
func (s *Service) executeCharge(ctx context.Context, a chargeAttempt) (*Result, error) {
	if a.AmountCents <= 0 {
		return nil, core.Validation("invalid_amount", "amount_cents must be positive")
	}
	currency := money.NormalizeCurrency(a.Currency)

	if err := s.fraudGate.Allow(ctx, fraud.Check{
		ProviderID:  a.ProviderID,
		CustomerID:  a.CustomerID,
		Channel:     string(a.Channel),
		AmountCents: a.AmountCents,
		Currency:    currency,
	}); err != nil {
		return nil, err
	}

	res, err := s.idem.Reserve(ctx, idempotency.ReserveParams{
		Key:               a.IdempotencyKey,
		Type:              a.IdempotencyType,
		AmountCents:       a.AmountCents,
		Currency:          currency,
		Payload:           a.Payload,
		ProviderID:        a.ProviderID,
		CustomerID:        a.CustomerID,
		InvoiceID:         a.InvoiceID,
		SubscriptionID:    a.SubscriptionID,
		TerminalPaymentID: a.TerminalPaymentID,
	})
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case idempotency.OutcomeCompleted:
		fees := s.feesFor(a.AmountCents, a.FeeOverride)
		return &Result{
			Replayed:             true,
			LedgerEntryID:        res.Record.LedgerEntryID,
			PaymentIntentID:      res.Record.ProcessorPaymentIntentID,
			ChargeID:             res.Record.ProcessorChargeID,
			SubscriptionChargeID: res.Record.SubscriptionChargeID,
			GrossCents:           fees.GrossCents,
			FeeCents:             fees.TotalFeeCents,
			NetCents:             fees.NetCents,
			Currency:             currency,
		}, nil
	case idempotency.OutcomeInProgress:
		return nil, core.Conflict("idempotency_in_progress", "another attempt with this key is still in progress")
	case idempotency.OutcomeFailed:
		return nil, core.Conflict("idempotency_failed", "a previous attempt with this key failed; use a new key")
	}

	if a.preflight != nil {
		if err := a.preflight(); err != nil {
			if mfErr := s.idem.MarkFailed(ctx, res.Record.ID, err.Error()); mfErr != nil {
				s.logger.Error("failed to mark idempotency failed", "record_id", res.Record.ID, "error", mfErr)
			}
			return nil, err
		}
	}

	intent, err := s.runProcessor(ctx, a, currency)
	if err != nil {
		reason := fmt.Sprintf("%s: %s", core.CodeOf(err), err.Error())
		if mfErr := s.idem.MarkFailed(ctx, res.Record.ID, reason); mfErr != nil {
			s.logger.Error("failed to mark idempotency failed", "record_id", res.Record.ID, "error", mfErr)
		}
		if a.onProcessorFailure != nil {
			a.onProcessorFailure(ctx, reason)
		}
		return nil, err
	}

	fees := s.feesFor(a.AmountCents, a.FeeOverride)
	links := a.Links
	links.ProcessorPaymentIntentID = intent.ID
	links.ProcessorChargeID = intent.ChargeID

	entry, err := s.ledger.RecordCharge(ctx, ledger.ChargeParams{
		ProviderID: a.ProviderID,
		CustomerID: a.CustomerID,
		Currency:   currency,
		Fees:       fees,
		SourceType: a.SourceType,
		Links:      links,
		Metadata:   map[string]string{"channel": string(a.Channel)},
	})
	if err != nil {
		reason := fmt.Sprintf("ledger write failed: %s", err.Error())
		if mfErr := s.idem.MarkFailed(ctx, res.Record.ID, reason); mfErr != nil {
			s.logger.Error("failed to mark idempotency failed", "record_id", res.Record.ID, "error", mfErr)
		}
		return nil, err
	}

	if err := s.idem.MarkCompleted(ctx, res.Record.ID, idempotency.CompletionRefs{
		ProcessorPaymentIntentID: intent.ID,
		ProcessorChargeID:        intent.ChargeID,
		LedgerEntryID:            entry.ID,
	}); err != nil {
		// The charge is committed; a stuck in_progress record resolves as a
		// conflict on retry and is visible to operators.
		s.logger.Error("charge committed but idempotency completion failed",
			"record_id", res.Record.ID, "ledger_entry_id", entry.ID, "error", err)
	}

	s.logger.Info("charge succeeded",
		"provider_id", a.ProviderID,
		"channel", a.Channel,
		"gross_cents", fees.GrossCents,
		"net_cents", fees.NetCents,
		"payment_intent_id", intent.ID,
		"ledger_entry_id", entry.ID,
	)

	return &Result{
		LedgerEntryID:   entry.ID,
		PaymentIntentID: intent.ID,
		ChargeID:        intent.ChargeID,
		GrossCents:      fees.GrossCents,
		FeeCents:        fees.TotalFeeCents,
		NetCents:        fees.NetCents,
		Currency:        currency,
	}, nil
}

func (s *Service) runProcessor(ctx context.Context, a chargeAttempt, currency string) (*processor.PaymentIntent, error) {
	if a.capturePaymentIntentID != "" {
		intent, err := s.proc.CapturePaymentIntent(ctx, a.capturePaymentIntentID)
		if err != nil {
			return nil, err
		}
		if intent.Status != processor.IntentSucceeded {
			return nil, core.Declined("capture_failed", fmt.Sprintf("capture left intent in %s", intent.Status))
		}
		return intent, nil
	}

	intent, err := s.proc.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		AmountCents:    a.AmountCents,
		Currency:       currency,
		Channel:        string(a.Channel),
		CaptureMethod:  processor.CaptureAutomatic,
		IdempotencyKey: a.IdempotencyKey,
		Description:    a.Description,
	})
	if err != nil {
		return nil, err
	}
	if intent.Status != processor.IntentSucceeded {
		return nil, core.Declined("payment_not_completed",
			fmt.Sprintf("payment intent ended in status %s", intent.Status))
	}
	return intent, nil
}

func (s *Service) feesFor(gross int64, override *float64) money.FeeBreakdown {
	cfg := s.fees
	if override != nil {
		cfg = cfg.WithPlatformOverride(*override)
	}
	return money.CalculateFees(gross, cfg)
}

func (s *Service) emit(ctx context.Context, eventType, providerID, aggregateType, aggregateID string, data interface{}) {
	event, err := events.NewEvent(eventType, providerID, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}

func mapStoreErr(err error, entity string) error {
	switch {
	case database.IsNotFound(err):
		return core.NotFound(entity+"_not_found", entity+" not found")
	case errors.Is(err, database.ErrAlreadyExists):
		return core.Conflict(entity+"_exists", entity+" already exists")
	case errors.Is(err, database.ErrConflict):
		return core.Conflict(entity+"_conflict", entity+" is not in the expected state")
	case core.KindOf(err) != core.KindInternal:
		return err
	default:
		return core.Wrap(core.KindInternal, entity+"_store_error", "storage error", err)
	}
}
