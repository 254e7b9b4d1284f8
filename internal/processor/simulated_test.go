package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/core"
)

func TestSimulatedCreatePaymentIntent(t *testing.T) {
	p := NewSimulated()
	ctx := context.Background()

	intent, err := p.CreatePaymentIntent(ctx, PaymentIntentParams{
		AmountCents:    10000,
		Currency:       "usd",
		Channel:        "invoice",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, intent.Status)
	assert.Equal(t, int64(10000), intent.AmountCents)
	assert.True(t, IsSimulatedIntent(intent.ID))
	assert.Contains(t, intent.ID, "pi_helpio_invoice_sim_")

	// Same idempotency key returns the same intent.
	again, err := p.CreatePaymentIntent(ctx, PaymentIntentParams{
		AmountCents:    10000,
		Currency:       "usd",
		Channel:        "invoice",
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, intent.ID, again.ID)

	fetched, err := p.GetPaymentIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, intent.ID, fetched.ID)
}

func TestSimulatedManualCaptureFlow(t *testing.T) {
	p := NewSimulated()
	ctx := context.Background()

	intent, err := p.CreatePaymentIntent(ctx, PaymentIntentParams{
		AmountCents:   4200,
		Currency:      "usd",
		Channel:       "terminal",
		CaptureMethod: CaptureManual,
	})
	require.NoError(t, err)
	assert.Equal(t, IntentRequiresCapture, intent.Status)

	captured, err := p.CapturePaymentIntent(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, IntentSucceeded, captured.Status)

	// Double capture conflicts.
	_, err = p.CapturePaymentIntent(ctx, intent.ID)
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	// Succeeded intents cannot be canceled.
	_, err = p.CancelPaymentIntent(ctx, intent.ID)
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestSimulatedRefund(t *testing.T) {
	p := NewSimulated()
	ctx := context.Background()

	intent, err := p.CreatePaymentIntent(ctx, PaymentIntentParams{
		AmountCents: 5000,
		Currency:    "usd",
		Channel:     "invoice",
	})
	require.NoError(t, err)

	refund, err := p.CreateRefund(ctx, RefundParams{
		PaymentIntentID: intent.ID,
		AmountCents:     2500,
	})
	require.NoError(t, err)
	assert.Equal(t, "succeeded", refund.Status)
	assert.Equal(t, int64(2500), refund.AmountCents)

	_, err = p.CreateRefund(ctx, RefundParams{PaymentIntentID: "pi_missing", AmountCents: 1})
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestSimulatedPayout(t *testing.T) {
	p := NewSimulated()

	payout, err := p.CreatePayout(context.Background(), PayoutParams{
		AmountCents: 50000,
		Currency:    "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "in_transit", payout.Status)
	assert.True(t, payout.ArrivalDate.After(payout.CreatedAt))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Mode: ModeLive}.Validate())
	assert.NoError(t, Config{Mode: ModeLive, SecretKey: "sk_test"}.Validate())
	assert.NoError(t, Config{Mode: ModeSimulated}.Validate())
	assert.Error(t, Config{Mode: "other"}.Validate())
}
