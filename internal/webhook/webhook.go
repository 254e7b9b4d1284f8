// Package webhook reconciles processor events with the ledger, disputes, and
// payouts. Every event is gated by a webhook idempotency record so its side
// effects apply exactly once no matter how many times the processor retries.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"paycore/internal/common/money"
	"paycore/internal/core"
	"paycore/internal/dispute"
	"paycore/internal/idempotency"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/payout"
)

// Event is the processor's webhook envelope. Object holds the type-specific
// payload.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Ledger is the slice of the ledger service the reconciler reads and stamps.
type Ledger interface {
	EntriesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*ldomain.Entry, error)
	StampMetadata(ctx context.Context, paymentIntentID string, meta map[string]string) (int64, error)
}

// Disputes is the dispute engine surface driven by processor events.
type Disputes interface {
	Open(ctx context.Context, p dispute.OpenParams) (*dispute.Dispute, error)
	Close(ctx context.Context, processorDisputeID string, outcome dispute.Status) (*dispute.Dispute, error)
}

// Payouts is the payout engine surface driven by processor events.
type Payouts interface {
	ConfirmPaid(ctx context.Context, processorPayoutID string) (*payout.Payout, error)
	ConfirmFailed(ctx context.Context, processorPayoutID string, status payout.Status, reason string) (*payout.Payout, error)
}

// Idempotency gates event processing.
type Idempotency interface {
	Reserve(ctx context.Context, p idempotency.ReserveParams) (*idempotency.Reservation, error)
	MarkCompleted(ctx context.Context, id string, refs idempotency.CompletionRefs) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// Reconciler dispatches processor events to the engines they drive.
type Reconciler struct {
	ledger   Ledger
	disputes Disputes
	payouts  Payouts
	idem     Idempotency
	logger   *slog.Logger
}

// New creates a webhook reconciler.
func New(ldg Ledger, disputes Disputes, payouts Payouts, idem Idempotency, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ledger:   ldg,
		disputes: disputes,
		payouts:  payouts,
		idem:     idem,
		logger:   logger,
	}
}

// Process applies an event's side effects exactly once. A repeat delivery of
// a terminal event short-circuits. Handler failures mark the record failed
// and are swallowed; the processor must not retry-storm, so the operator
// requeues from the failed records instead.
func (r *Reconciler) Process(ctx context.Context, event *Event) error {
	if event.ID == "" {
		return core.Validation("missing_event_id", "the event has no id")
	}

	res, err := r.idem.Reserve(ctx, idempotency.ReserveParams{
		Key:     "webhook:" + event.ID,
		Type:    idempotency.TypeWebhook,
		Payload: map[string]interface{}{"event_id": event.ID, "event_type": event.Type},
	})
	if err != nil {
		return err
	}
	if res.Outcome != idempotency.OutcomeNew {
		r.logger.Info("webhook event already seen",
			"event_id", event.ID,
			"event_type", event.Type,
			"outcome", res.Outcome,
		)
		return nil
	}

	if err := r.dispatch(ctx, event); err != nil {
		r.logger.Error("webhook dispatch failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		if mfErr := r.idem.MarkFailed(ctx, res.Record.ID, err.Error()); mfErr != nil {
			r.logger.Error("failed to mark webhook record failed", "record_id", res.Record.ID, "error", mfErr)
		}
		return nil
	}

	if err := r.idem.MarkCompleted(ctx, res.Record.ID, idempotency.CompletionRefs{Context: event.Type}); err != nil {
		r.logger.Error("webhook applied but completion failed", "record_id", res.Record.ID, "error", err)
	}
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, event *Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return r.onIntentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		var obj struct {
			ID string `json:"id"`
		}
		if err := decodeObject(event, &obj); err != nil {
			return err
		}
		r.logger.Info("payment intent failed at processor", "payment_intent_id", obj.ID)
		return nil
	case "charge.refunded":
		return r.onChargeRefunded(ctx, event)
	case "charge.dispute.created":
		return r.onDisputeCreated(ctx, event)
	case "charge.dispute.closed":
		return r.onDisputeClosed(ctx, event)
	case "payout.paid":
		return r.onPayoutPaid(ctx, event)
	case "payout.failed":
		return r.onPayoutReversed(ctx, event, payout.StatusFailed)
	case "payout.canceled":
		return r.onPayoutReversed(ctx, event, payout.StatusCanceled)
	default:
		r.logger.Info("unhandled webhook type", "event_id", event.ID, "event_type", event.Type)
		return nil
	}
}

// onIntentSucceeded audits that the pipeline recorded the charge the
// processor confirmed. A missing entry means the pipeline died between the
// processor call and the ledger commit; the recompute will flag the drift.
func (r *Reconciler) onIntentSucceeded(ctx context.Context, event *Event) error {
	var obj struct {
		ID       string `json:"id"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := decodeObject(event, &obj); err != nil {
		return err
	}

	entries, err := r.ledger.EntriesByPaymentIntent(ctx, obj.ID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		r.logger.Warn("processor confirmed an intent with no ledger entry",
			"payment_intent_id", obj.ID,
			"amount_cents", obj.Amount,
			"currency", obj.Currency,
		)
		return nil
	}

	expected := money.CalculateFees(obj.Amount, money.DefaultFeeConfig())
	r.logger.Info("payment intent confirmed",
		"payment_intent_id", obj.ID,
		"entry_id", entries[0].ID,
		"gross_cents", obj.Amount,
		"expected_net_cents", expected.NetCents,
		"recorded_net_cents", entries[0].AmountCents,
	)
	return nil
}

func (r *Reconciler) onChargeRefunded(ctx context.Context, event *Event) error {
	var obj struct {
		PaymentIntent  string `json:"payment_intent"`
		AmountRefunded int64  `json:"amount_refunded"`
	}
	if err := decodeObject(event, &obj); err != nil {
		return err
	}
	if obj.PaymentIntent == "" {
		return core.Validation("missing_payment_intent", "charge.refunded carries no payment intent")
	}

	n, err := r.ledger.StampMetadata(ctx, obj.PaymentIntent, map[string]string{
		"refunded":              "true",
		"refunded_amount_cents": strconv.FormatInt(obj.AmountRefunded, 10),
		"refund_webhook_event":  event.ID,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		r.logger.Warn("refund webhook matched no ledger entries", "payment_intent_id", obj.PaymentIntent)
	}
	return nil
}

func (r *Reconciler) onDisputeCreated(ctx context.Context, event *Event) error {
	var obj struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Reason        string `json:"reason"`
	}
	if err := decodeObject(event, &obj); err != nil {
		return err
	}

	d, err := r.disputes.Open(ctx, dispute.OpenParams{
		ProcessorDisputeID: obj.ID,
		PaymentIntentID:    obj.PaymentIntent,
		AmountCents:        obj.Amount,
		Currency:           obj.Currency,
		Reason:             obj.Reason,
	})
	if err != nil {
		return err
	}

	if _, err := r.ledger.StampMetadata(ctx, obj.PaymentIntent, map[string]string{"dispute": d.ID}); err != nil {
		r.logger.Error("dispute opened but source entry stamp failed", "dispute_id", d.ID, "error", err)
	}
	return nil
}

func (r *Reconciler) onDisputeClosed(ctx context.Context, event *Event) error {
	var obj struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := decodeObject(event, &obj); err != nil {
		return err
	}

	outcome, err := mapDisputeStatus(obj.Status)
	if err != nil {
		return err
	}
	_, err = r.disputes.Close(ctx, obj.ID, outcome)
	return err
}

func (r *Reconciler) onPayoutPaid(ctx context.Context, event *Event) error {
	var obj struct {
		ID string `json:"id"`
	}
	if err := decodeObject(event, &obj); err != nil {
		return err
	}
	_, err := r.payouts.ConfirmPaid(ctx, obj.ID)
	return err
}

func (r *Reconciler) onPayoutReversed(ctx context.Context, event *Event, status payout.Status) error {
	var obj struct {
		ID             string `json:"id"`
		FailureMessage string `json:"failure_message"`
	}
	if err := decodeObject(event, &obj); err != nil {
		return err
	}
	reason := obj.FailureMessage
	if reason == "" {
		reason = string(status)
	}
	_, err := r.payouts.ConfirmFailed(ctx, obj.ID, status, reason)
	return err
}

func mapDisputeStatus(s string) (dispute.Status, error) {
	switch s {
	case "won":
		return dispute.StatusWon, nil
	case "lost":
		return dispute.StatusLost, nil
	case "warning_closed", "canceled":
		return dispute.StatusCanceled, nil
	case "under_review", "needs_response":
		return dispute.StatusUnderReview, nil
	default:
		return "", core.Validation("unknown_dispute_status", fmt.Sprintf("unmapped dispute status %q", s))
	}
}

func decodeObject(event *Event, v interface{}) error {
	if len(event.Data.Object) == 0 {
		return core.Validation("missing_object", "the event carries no object payload")
	}
	if err := json.Unmarshal(event.Data.Object, v); err != nil {
		return core.Wrap(core.KindValidation, "invalid_object", "decoding event object", err)
	}
	return nil
}
