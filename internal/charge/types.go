// Package charge implements the charge pipeline: invoice payments, recurring
// subscription billing, in-person terminal sessions, and refunds. Every
// money-moving path runs fraud gate → idempotency reservation → processor →
// ledger write → artifact update, in that order.
package charge

import (
	"fmt"
	"time"

	"paycore/internal/core"
)

// Channel identifies how a charge was initiated.
type Channel string

const (
	ChannelInvoice      Channel = "invoice"
	ChannelSubscription Channel = "subscription"
	ChannelTerminal     Channel = "terminal"
)

// InvoiceStatus is the invoice lifecycle state.
type InvoiceStatus string

const (
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// Invoice is a hosted invoice a customer can pay once.
type Invoice struct {
	ID         string        `json:"id"`
	ProviderID string        `json:"provider_id"`
	CustomerID string        `json:"customer_id"`
	Number     string        `json:"number"`
	Status     InvoiceStatus `json:"status"`

	AmountDueCents  int64  `json:"amount_due_cents"`
	AmountPaidCents int64  `json:"amount_paid_cents"`
	Currency        string `json:"currency"`
	Description     string `json:"description,omitempty"`

	// Provider-level platform fee override, nil means platform default.
	FeeOverridePercent *float64 `json:"fee_override_percent,omitempty"`

	PaymentLock   bool       `json:"payment_lock"`
	PaymentLockAt *time.Time `json:"payment_lock_at,omitempty"`

	LedgerEntryID            string     `json:"ledger_entry_id,omitempty"`
	ProcessorPaymentIntentID string     `json:"processor_payment_intent_id,omitempty"`
	PaidAt                   *time.Time `json:"paid_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payable reports whether the invoice can accept a payment.
func (i *Invoice) Payable() error {
	switch i.Status {
	case InvoiceOpen:
		return nil
	case InvoicePaid:
		return core.Conflict("invoice_already_paid", "this invoice has already been paid")
	default:
		return core.Conflict("invoice_not_payable", fmt.Sprintf("invoice is %s", i.Status))
	}
}

// SubscriptionStatus is the subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Frequency is the billing cadence.
type Frequency string

const (
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyYearly   Frequency = "yearly"
)

// Advance returns the next billing date after from.
func (f Frequency) Advance(from time.Time) (time.Time, error) {
	switch f {
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7), nil
	case FrequencyBiweekly:
		return from.AddDate(0, 0, 14), nil
	case FrequencyMonthly:
		return from.AddDate(0, 1, 0), nil
	case FrequencyYearly:
		return from.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown billing frequency %q", f)
	}
}

// ChargeOutcome is the stored result of the last billing attempt.
type ChargeOutcome string

const (
	ChargeOutcomeSuccess ChargeOutcome = "success"
	ChargeOutcomeFailed  ChargeOutcome = "failed"
)

// Subscription is a recurring billing plan for one customer.
type Subscription struct {
	ID         string             `json:"id"`
	ProviderID string             `json:"provider_id"`
	CustomerID string             `json:"customer_id"`
	PlanName   string             `json:"plan_name"`
	Status     SubscriptionStatus `json:"status"`
	Frequency  Frequency          `json:"frequency"`

	PriceCents int64  `json:"price_cents"`
	Currency   string `json:"currency"`

	FeeOverridePercent *float64 `json:"fee_override_percent,omitempty"`

	CycleCount       int           `json:"cycle_count"`
	NextBillingDate  time.Time     `json:"next_billing_date"`
	LastChargeStatus ChargeOutcome `json:"last_charge_status,omitempty"`

	CanceledAt *time.Time `json:"canceled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Chargeable reports whether the subscription may be billed now. The billing
// scheduler is allowed to bill exactly at the due date; manual callers must
// not bill early.
func (s *Subscription) Chargeable(now time.Time, asScheduler bool) error {
	if s.Status == SubscriptionCanceled {
		return core.Conflict("subscription_canceled", "this subscription is canceled")
	}
	if !asScheduler && now.Before(s.NextBillingDate) {
		return core.Conflict("subscription_not_due",
			fmt.Sprintf("next billing date is %s", s.NextBillingDate.Format(time.RFC3339)))
	}
	return nil
}

// AdvanceAfterSuccess applies the post-charge bookkeeping: one more cycle,
// active again, next date pushed by the plan frequency from the charge time.
func (s *Subscription) AdvanceAfterSuccess(chargedAt time.Time) error {
	next, err := s.Frequency.Advance(chargedAt)
	if err != nil {
		return err
	}
	s.CycleCount++
	s.Status = SubscriptionActive
	s.NextBillingDate = next
	s.LastChargeStatus = ChargeOutcomeSuccess
	return nil
}

// MarkChargeFailed records a failed billing attempt without advancing the
// cycle. The subscription is never canceled here; retry is out-of-band.
func (s *Subscription) MarkChargeFailed() {
	s.Status = SubscriptionPastDue
	s.LastChargeStatus = ChargeOutcomeFailed
}

// SubscriptionCharge is the per-cycle billing artifact.
type SubscriptionCharge struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id"`
	ProviderID     string `json:"provider_id"`
	CustomerID     string `json:"customer_id"`

	Cycle       int    `json:"cycle"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`

	Status        ChargeOutcome `json:"status"`
	FailureReason string        `json:"failure_reason,omitempty"`

	LedgerEntryID            string `json:"ledger_entry_id,omitempty"`
	ProcessorPaymentIntentID string `json:"processor_payment_intent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TerminalStatus is the in-person session state.
type TerminalStatus string

const (
	TerminalInitiated  TerminalStatus = "initiated"
	TerminalAuthorized TerminalStatus = "authorized"
	TerminalCaptured   TerminalStatus = "captured"
	TerminalCanceled   TerminalStatus = "canceled"
	TerminalFailed     TerminalStatus = "failed"
)

// TerminalPayment is one tap-to-pay session.
type TerminalPayment struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ProviderID string         `json:"provider_id"`
	CustomerID string         `json:"customer_id,omitempty"`
	Status     TerminalStatus `json:"status"`

	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Description string `json:"description,omitempty"`

	FeeOverridePercent *float64 `json:"fee_override_percent,omitempty"`

	// Optional link when the terminal session settles an invoice or a
	// subscription cycle in person.
	InvoiceID      string `json:"invoice_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	LedgerEntryID            string `json:"ledger_entry_id,omitempty"`
	ProcessorPaymentIntentID string `json:"processor_payment_intent_id,omitempty"`
	FailureReason            string `json:"failure_reason,omitempty"`

	AuthorizedAt *time.Time `json:"authorized_at,omitempty"`
	CapturedAt   *time.Time `json:"captured_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Authorize transitions initiated → authorized.
func (t *TerminalPayment) Authorize(piID string, at time.Time) error {
	if t.Status != TerminalInitiated {
		return core.Conflict("terminal_not_initiated", fmt.Sprintf("session is %s", t.Status))
	}
	t.Status = TerminalAuthorized
	t.ProcessorPaymentIntentID = piID
	t.AuthorizedAt = &at
	return nil
}

// Capture transitions authorized → captured.
func (t *TerminalPayment) Capture(ledgerEntryID string, at time.Time) error {
	if t.Status != TerminalAuthorized {
		return core.Conflict("terminal_not_authorized", fmt.Sprintf("session is %s", t.Status))
	}
	t.Status = TerminalCaptured
	t.LedgerEntryID = ledgerEntryID
	t.CapturedAt = &at
	return nil
}

// Cancel transitions initiated or authorized → canceled.
func (t *TerminalPayment) Cancel() error {
	switch t.Status {
	case TerminalInitiated, TerminalAuthorized:
		t.Status = TerminalCanceled
		return nil
	default:
		return core.Conflict("terminal_not_cancelable", fmt.Sprintf("session is %s", t.Status))
	}
}

// Fail marks a session failed with the processor's reason.
func (t *TerminalPayment) Fail(reason string) {
	t.Status = TerminalFailed
	t.FailureReason = reason
}
