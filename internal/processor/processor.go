// Package processor abstracts the external card processor behind a single
// interface with a live HTTP implementation and an in-memory simulator.
package processor

import (
	"context"
	"fmt"
	"time"
)

// Mode selects the processor implementation.
const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
)

// Config holds processor configuration.
type Config struct {
	Mode      string        `envconfig:"PROCESSOR_MODE" default:"simulated"`
	SecretKey string        `envconfig:"PROCESSOR_SECRET_KEY"`
	BaseURL   string        `envconfig:"PROCESSOR_BASE_URL" default:"https://api.processor.example.com/v1"`
	Timeout   time.Duration `envconfig:"PROCESSOR_TIMEOUT" default:"30s"`
}

// Validate checks mode-dependent requirements.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeLive:
		if c.SecretKey == "" {
			return fmt.Errorf("PROCESSOR_SECRET_KEY is required in live mode")
		}
	case ModeSimulated:
	default:
		return fmt.Errorf("invalid PROCESSOR_MODE %q", c.Mode)
	}
	return nil
}

// IntentStatus is the processor-side payment intent status.
type IntentStatus string

const (
	IntentSucceeded       IntentStatus = "succeeded"
	IntentRequiresCapture IntentStatus = "requires_capture"
	IntentRequiresAction  IntentStatus = "requires_action"
	IntentProcessing      IntentStatus = "processing"
	IntentCanceled        IntentStatus = "canceled"
	IntentFailed          IntentStatus = "failed"
)

// CaptureMethod controls whether a payment captures immediately.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

// PaymentIntentParams describes a payment intent to create. IdempotencyKey
// is passed to the processor verbatim.
type PaymentIntentParams struct {
	AmountCents    int64
	Currency       string
	Channel        string
	CaptureMethod  CaptureMethod
	IdempotencyKey string
	Description    string
	Metadata       map[string]string
}

// PaymentIntent is the processor's view of a payment.
type PaymentIntent struct {
	ID          string
	Status      IntentStatus
	AmountCents int64
	Currency    string
	ChargeID    string
	CreatedAt   time.Time
}

// RefundParams describes a refund to create against a payment intent.
type RefundParams struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

// Refund is the processor's view of a refund.
type Refund struct {
	ID              string
	PaymentIntentID string
	AmountCents     int64
	Status          string
	CreatedAt       time.Time
}

// PayoutParams describes a payout to a provider bank account.
type PayoutParams struct {
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Payout is the processor's view of a payout.
type Payout struct {
	ID          string
	AmountCents int64
	Currency    string
	Status      string
	ArrivalDate time.Time
	CreatedAt   time.Time
}

// Processor is the external card processor. All calls carry the caller's
// context deadline; implementations must not outlive it.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, params PaymentIntentParams) (*PaymentIntent, error)
	GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CapturePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)
	CreateRefund(ctx context.Context, params RefundParams) (*Refund, error)
	CreatePayout(ctx context.Context, params PayoutParams) (*Payout, error)
}
