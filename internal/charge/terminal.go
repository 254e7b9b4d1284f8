package charge

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/events"
	"paycore/internal/common/money"
	"paycore/internal/core"
	"paycore/internal/idempotency"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/processor"
)

// CreateSessionParams describes a new terminal tap-to-pay session.
type CreateSessionParams struct {
	ProviderID         string
	CustomerID         string
	AmountCents        int64
	Currency           string
	Description        string
	InvoiceID          string
	SubscriptionID     string
	FeeOverridePercent *float64
}

// CreateTerminalSession opens a session in the initiated state. The amount
// is fixed at creation; authorize and capture move it through the machine.
func (s *Service) CreateTerminalSession(ctx context.Context, p CreateSessionParams) (*TerminalPayment, error) {
	if p.AmountCents <= 0 {
		return nil, core.Validation("invalid_amount", "amount_cents must be positive")
	}
	if p.InvoiceID != "" && p.SubscriptionID != "" {
		return nil, core.Validation("ambiguous_target", "a session may settle an invoice or a subscription, not both")
	}

	now := time.Now().UTC()
	tp := &TerminalPayment{
		ID:                 "tp_" + ulid.Make().String(),
		SessionID:          "ts_" + ulid.Make().String(),
		ProviderID:         p.ProviderID,
		CustomerID:         p.CustomerID,
		Status:             TerminalInitiated,
		AmountCents:        p.AmountCents,
		Currency:           money.NormalizeCurrency(p.Currency),
		Description:        p.Description,
		InvoiceID:          p.InvoiceID,
		SubscriptionID:     p.SubscriptionID,
		FeeOverridePercent: p.FeeOverridePercent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateTerminalPayment(ctx, tp); err != nil {
		return nil, mapStoreErr(err, "terminal_session")
	}
	return tp, nil
}

// AuthorizeTerminalSession holds the funds: the processor intent is created
// with manual capture and the session moves to authorized.
func (s *Service) AuthorizeTerminalSession(ctx context.Context, providerID, sessionID string) (*TerminalPayment, error) {
	tp, err := s.store.GetTerminalBySession(ctx, providerID, sessionID)
	if err != nil {
		return nil, mapStoreErr(err, "terminal_session")
	}
	if tp.Status != TerminalInitiated {
		return nil, core.Conflict("terminal_not_initiated", "session cannot be authorized from its current state")
	}

	intent, err := s.proc.CreatePaymentIntent(ctx, processor.PaymentIntentParams{
		AmountCents:    tp.AmountCents,
		Currency:       tp.Currency,
		Channel:        string(ChannelTerminal),
		CaptureMethod:  processor.CaptureManual,
		IdempotencyKey: "terminal_auth:" + tp.SessionID,
		Description:    tp.Description,
	})
	if err != nil {
		tp.Fail(core.CodeOf(err))
		if uerr := s.store.UpdateTerminalPayment(ctx, tp, TerminalInitiated); uerr != nil {
			s.logger.Error("failed to record terminal authorization failure",
				"session_id", tp.SessionID, "error", uerr)
		}
		return nil, err
	}
	if intent.Status != processor.IntentRequiresCapture && intent.Status != processor.IntentSucceeded {
		tp.Fail(string(intent.Status))
		if uerr := s.store.UpdateTerminalPayment(ctx, tp, TerminalInitiated); uerr != nil {
			s.logger.Error("failed to record terminal authorization failure",
				"session_id", tp.SessionID, "error", uerr)
		}
		return nil, core.Declined("authorization_failed", "the card could not be authorized")
	}

	now := time.Now().UTC()
	if err := tp.Authorize(intent.ID, now); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTerminalPayment(ctx, tp, TerminalInitiated); err != nil {
		return nil, mapStoreErr(err, "terminal_session")
	}
	return tp, nil
}

// CaptureTerminalSession captures an authorized session: the money moves and
// a ledger charge entry is written.
func (s *Service) CaptureTerminalSession(ctx context.Context, providerID, sessionID, idempotencyKey string) (*Result, error) {
	tp, err := s.store.GetTerminalBySession(ctx, providerID, sessionID)
	if err != nil {
		return nil, mapStoreErr(err, "terminal_session")
	}
	idemType := idempotency.TypeTerminalCharge
	switch {
	case tp.InvoiceID != "":
		idemType = idempotency.TypeTerminalInvoiceCharge
	case tp.SubscriptionID != "":
		idemType = idempotency.TypeTerminalSubscriptionCharge
	}

	result, err := s.executeCharge(ctx, chargeAttempt{
		IdempotencyType: idemType,
		IdempotencyKey:  idempotencyKey,
		ProviderID:      providerID,
		CustomerID:      tp.CustomerID,
		Channel:         ChannelTerminal,
		AmountCents:     tp.AmountCents,
		Currency:        tp.Currency,
		FeeOverride:     tp.FeeOverridePercent,
		SourceType:      ldomain.SourceTerminal,
		Links: ldomain.Links{
			InvoiceID:      tp.InvoiceID,
			SubscriptionID: tp.SubscriptionID,
		},
		TerminalPaymentID: tp.ID,
		InvoiceID:         tp.InvoiceID,
		SubscriptionID:    tp.SubscriptionID,
		Payload: map[string]interface{}{
			"session_id":   tp.SessionID,
			"amount_cents": tp.AmountCents,
			"currency":     tp.Currency,
		},
		preflight: func() error {
			if tp.Status != TerminalAuthorized {
				return core.Conflict("terminal_not_authorized", "capture requires an authorized session")
			}
			return nil
		},
		capturePaymentIntentID: tp.ProcessorPaymentIntentID,
		onProcessorFailure: func(fctx context.Context, reason string) {
			tp.Fail(reason)
			if uerr := s.store.UpdateTerminalPayment(fctx, tp, TerminalAuthorized); uerr != nil {
				s.logger.Error("failed to record terminal capture failure",
					"session_id", tp.SessionID, "error", uerr)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		now := time.Now().UTC()
		if err := tp.Capture(result.LedgerEntryID, now); err == nil {
			if uerr := s.store.UpdateTerminalPayment(ctx, tp, TerminalAuthorized); uerr != nil {
				s.logger.Error("terminal captured but artifact update failed",
					"session_id", tp.SessionID, "ledger_entry_id", result.LedgerEntryID, "error", uerr)
			}
		}

		s.settleLinkedArtifacts(ctx, tp, result, now)

		s.emit(ctx, events.EventTerminalCaptured, tp.ProviderID, "terminal_payment", tp.ID, events.ChargeSucceededData{
			Channel:       string(ChannelTerminal),
			CustomerID:    tp.CustomerID,
			InvoiceID:     tp.InvoiceID,
			LedgerEntryID: result.LedgerEntryID,
			GrossCents:    result.GrossCents,
			FeeCents:      result.FeeCents,
			NetCents:      result.NetCents,
			Currency:      result.Currency,
			PaymentIntent: result.PaymentIntentID,
		})
	}
	return result, nil
}

// settleLinkedArtifacts updates the invoice or subscription a terminal
// capture was settling in person.
func (s *Service) settleLinkedArtifacts(ctx context.Context, tp *TerminalPayment, result *Result, now time.Time) {
	if tp.InvoiceID != "" {
		if err := s.store.MarkInvoicePaid(ctx, tp.InvoiceID, tp.AmountCents, result.LedgerEntryID, result.PaymentIntentID); err != nil {
			s.logger.Error("terminal capture committed but invoice update failed",
				"invoice_id", tp.InvoiceID, "error", err)
		}
	}
	if tp.SubscriptionID != "" {
		sub, err := s.store.GetSubscription(ctx, tp.ProviderID, tp.SubscriptionID)
		if err != nil {
			s.logger.Error("terminal capture committed but subscription lookup failed",
				"subscription_id", tp.SubscriptionID, "error", err)
			return
		}
		cycle := sub.CycleCount + 1
		s.recordSubscriptionCharge(ctx, sub, cycle, ChargeOutcomeSuccess, "", result.LedgerEntryID, result.PaymentIntentID)
		if err := sub.AdvanceAfterSuccess(now); err != nil {
			s.logger.Error("terminal capture committed but subscription advance failed",
				"subscription_id", sub.ID, "error", err)
			return
		}
		if err := s.store.UpdateSubscriptionBilling(ctx, sub); err != nil {
			s.logger.Error("terminal capture committed but subscription update failed",
				"subscription_id", sub.ID, "error", err)
		}
	}
}

// CancelTerminalSession cancels an initiated or authorized session and
// releases the processor hold if one exists.
func (s *Service) CancelTerminalSession(ctx context.Context, providerID, sessionID string) (*TerminalPayment, error) {
	tp, err := s.store.GetTerminalBySession(ctx, providerID, sessionID)
	if err != nil {
		return nil, mapStoreErr(err, "terminal_session")
	}

	prior := tp.Status
	if err := tp.Cancel(); err != nil {
		return nil, err
	}

	if prior == TerminalAuthorized && tp.ProcessorPaymentIntentID != "" {
		if _, cErr := s.proc.CancelPaymentIntent(ctx, tp.ProcessorPaymentIntentID); cErr != nil {
			// The hold expires on its own; the session is canceled regardless.
			s.logger.Warn("failed to cancel processor hold",
				"session_id", tp.SessionID, "payment_intent_id", tp.ProcessorPaymentIntentID, "error", cErr)
		}
	}

	if err := s.store.UpdateTerminalPayment(ctx, tp, prior); err != nil {
		return nil, mapStoreErr(err, "terminal_session")
	}
	return tp, nil
}
