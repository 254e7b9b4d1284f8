package charge

import (
	"context"
	"fmt"
	"time"

	"paycore/internal/common/events"
	"paycore/internal/core"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/processor"
)

// RefundResult is the outcome of a refund.
type RefundResult struct {
	Replayed        bool   `json:"replayed"`
	LedgerEntryID   string `json:"ledger_entry_id"`
	RefundID        string `json:"refund_id,omitempty"`
	PaymentIntentID string `json:"payment_intent_id"`
	AmountCents     int64  `json:"amount_cents"`
	Currency        string `json:"currency"`
}

// RefundInvoice refunds part or all of a paid invoice.
func (s *Service) RefundInvoice(ctx context.Context, providerID, invoiceID string, amountCents int64, reason, idempotencyKey string) (*RefundResult, error) {
	inv, err := s.store.GetInvoice(ctx, providerID, invoiceID)
	if err != nil {
		return nil, mapStoreErr(err, "invoice")
	}
	if inv.Status != InvoicePaid || inv.ProcessorPaymentIntentID == "" {
		return nil, core.Conflict("invoice_not_refundable", "only paid invoices can be refunded")
	}

	return s.refund(ctx, refundAttempt{
		ProviderID:      providerID,
		CustomerID:      inv.CustomerID,
		PaymentIntentID: inv.ProcessorPaymentIntentID,
		AmountCents:     amountCents,
		Currency:        inv.Currency,
		Reason:          reason,
		IdempotencyKey:  idempotencyKey,
		SourceType:      ldomain.SourceInvoice,
		Links:           ldomain.Links{InvoiceID: inv.ID},
		InvoiceID:       inv.ID,
	})
}

// RefundSubscriptionCharge refunds one billed subscription cycle.
func (s *Service) RefundSubscriptionCharge(ctx context.Context, providerID, subscriptionChargeID string, amountCents int64, reason, idempotencyKey string) (*RefundResult, error) {
	sc, err := s.store.GetSubscriptionCharge(ctx, providerID, subscriptionChargeID)
	if err != nil {
		return nil, mapStoreErr(err, "subscription_charge")
	}
	if sc.Status != ChargeOutcomeSuccess || sc.ProcessorPaymentIntentID == "" {
		return nil, core.Conflict("charge_not_refundable", "only succeeded charges can be refunded")
	}

	return s.refund(ctx, refundAttempt{
		ProviderID:      providerID,
		CustomerID:      sc.CustomerID,
		PaymentIntentID: sc.ProcessorPaymentIntentID,
		AmountCents:     amountCents,
		Currency:        sc.Currency,
		Reason:          reason,
		IdempotencyKey:  idempotencyKey,
		SourceType:      ldomain.SourceSubscription,
		Links: ldomain.Links{
			SubscriptionID:       sc.SubscriptionID,
			SubscriptionChargeID: sc.ID,
		},
		SubscriptionID: sc.SubscriptionID,
	})
}

type refundAttempt struct {
	ProviderID      string
	CustomerID      string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	Reason          string
	IdempotencyKey  string
	SourceType      ldomain.SourceType
	Links           ldomain.Links
	InvoiceID       string
	SubscriptionID  string
}

// refund runs the shared path: locate the source charge, pre-commit a
// pending refund entry capped at the charge's gross, call the processor,
// then finalize or void.
func (s *Service) refund(ctx context.Context, a refundAttempt) (*RefundResult, error) {
	if a.AmountCents <= 0 {
		return nil, core.Validation("invalid_amount", "amount_cents must be positive")
	}

	entries, err := s.ledger.EntriesByPaymentIntent(ctx, a.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	var source *ldomain.Entry
	for _, e := range entries {
		if e.Type == ldomain.EntryCharge && e.Status == ldomain.StatusPosted {
			source = e
			break
		}
	}
	if source == nil {
		return nil, core.NotFound("charge_entry_not_found", "no charge entry found for this payment")
	}
	if a.AmountCents > source.GrossCents {
		return nil, core.Validation("refund_over_gross", "refund exceeds the original charge amount")
	}

	res, err := s.idem.Reserve(ctx, idempotency.ReserveParams{
		Key:            a.IdempotencyKey,
		Type:           idempotency.TypeRefund,
		AmountCents:    a.AmountCents,
		Currency:       a.Currency,
		ProviderID:     a.ProviderID,
		CustomerID:     a.CustomerID,
		InvoiceID:      a.InvoiceID,
		SubscriptionID: a.SubscriptionID,
		Payload: map[string]interface{}{
			"payment_intent_id": a.PaymentIntentID,
			"amount_cents":      a.AmountCents,
			"reason":            a.Reason,
		},
	})
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case idempotency.OutcomeCompleted:
		return &RefundResult{
			Replayed:        true,
			LedgerEntryID:   res.Record.LedgerEntryID,
			PaymentIntentID: a.PaymentIntentID,
			AmountCents:     a.AmountCents,
			Currency:        a.Currency,
		}, nil
	case idempotency.OutcomeInProgress:
		return nil, core.Conflict("idempotency_in_progress", "another attempt with this key is still in progress")
	case idempotency.OutcomeFailed:
		return nil, core.Conflict("idempotency_failed", "a previous attempt with this key failed; use a new key")
	}

	now := time.Now().UTC()
	bucket := ldomain.BucketAvailable
	if ledger.BucketFor(source, now) == ldomain.BucketPending {
		bucket = ldomain.BucketPending
	}

	links := a.Links
	links.ProcessorPaymentIntentID = a.PaymentIntentID

	pending, err := s.ledger.PreCommitRefund(ctx, ledger.RefundParams{
		ProviderID:          a.ProviderID,
		CustomerID:          a.CustomerID,
		Currency:            a.Currency,
		AmountCents:         a.AmountCents,
		SourceType:          a.SourceType,
		Links:               links,
		Bucket:              bucket,
		MaxTotalRefundCents: source.GrossCents,
		Metadata:            map[string]string{"reason": a.Reason},
	})
	if err != nil {
		if mfErr := s.idem.MarkFailed(ctx, res.Record.ID, err.Error()); mfErr != nil {
			s.logger.Error("failed to mark refund idempotency failed", "record_id", res.Record.ID, "error", mfErr)
		}
		return nil, err
	}

	procRefund, err := s.proc.CreateRefund(ctx, processor.RefundParams{
		PaymentIntentID: a.PaymentIntentID,
		AmountCents:     a.AmountCents,
		Reason:          a.Reason,
		IdempotencyKey:  a.IdempotencyKey,
	})
	if err != nil {
		if vErr := s.ledger.VoidRefund(ctx, pending.ID); vErr != nil {
			s.logger.Error("failed to void pending refund entry",
				"entry_id", pending.ID, "error", vErr)
		}
		reason := fmt.Sprintf("%s: %s", core.CodeOf(err), err.Error())
		if mfErr := s.idem.MarkFailed(ctx, res.Record.ID, reason); mfErr != nil {
			s.logger.Error("failed to mark refund idempotency failed", "record_id", res.Record.ID, "error", mfErr)
		}
		return nil, err
	}

	finalized, err := s.ledger.FinalizeRefund(ctx, pending.ID)
	if err != nil {
		// Processor refund went through; the pending entry stays for the
		// reconciler and audit to resolve.
		s.logger.Error("processor refund succeeded but finalize failed",
			"entry_id", pending.ID, "refund_id", procRefund.ID, "error", err)
		return nil, err
	}

	if err := s.idem.MarkCompleted(ctx, res.Record.ID, idempotency.CompletionRefs{
		ProcessorPaymentIntentID: a.PaymentIntentID,
		LedgerEntryID:            finalized.ID,
	}); err != nil {
		s.logger.Error("refund committed but idempotency completion failed",
			"record_id", res.Record.ID, "error", err)
	}

	s.emit(ctx, events.EventRefundCreated, a.ProviderID, "refund", finalized.ID, events.RefundCreatedData{
		SourceType:    string(a.SourceType),
		SourceID:      firstNonEmpty(a.InvoiceID, a.SubscriptionID),
		LedgerEntryID: finalized.ID,
		AmountCents:   a.AmountCents,
		Currency:      a.Currency,
	})

	s.logger.Info("refund completed",
		"provider_id", a.ProviderID,
		"payment_intent_id", a.PaymentIntentID,
		"amount_cents", a.AmountCents,
		"bucket", bucket,
		"ledger_entry_id", finalized.ID,
	)

	return &RefundResult{
		LedgerEntryID:   finalized.ID,
		RefundID:        procRefund.ID,
		PaymentIntentID: a.PaymentIntentID,
		AmountCents:     a.AmountCents,
		Currency:        a.Currency,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
