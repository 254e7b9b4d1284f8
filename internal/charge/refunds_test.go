package charge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/events"
	"paycore/internal/core"
	"paycore/internal/idempotency"
	ldomain "paycore/internal/ledger/domain"
)

func (env *testEnv) paidInvoice(t *testing.T, amountCents int64) *Invoice {
	t.Helper()
	ctx := context.Background()
	inv := env.openInvoice(t, amountCents)
	_, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "pay-"+inv.ID)
	require.NoError(t, err)
	paid, err := env.store.GetInvoice(ctx, "prov_1", inv.ID)
	require.NoError(t, err)
	return paid
}

func TestRefundInvoicePartial(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.paidInvoice(t, 10000)

	res, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 6000, "requested_by_customer", "r1")
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, int64(6000), res.AmountCents)
	assert.NotEmpty(t, res.RefundID)
	assert.Equal(t, inv.ProcessorPaymentIntentID, res.PaymentIntentID)

	entry := env.ledger.entries[res.LedgerEntryID]
	require.NotNil(t, entry)
	assert.Equal(t, ldomain.EntryRefund, entry.Type)
	assert.Equal(t, ldomain.StatusPosted, entry.Status)
	assert.Equal(t, "requested_by_customer", entry.Metadata["reason"])
	// The source charge has not matured yet, so the refund comes out of
	// pending funds.
	assert.Equal(t, ldomain.BucketPending, entry.Metadata[ldomain.MetaBucket])

	assert.True(t, env.pub.has(events.EventRefundCreated))
}

func TestRefundInvoiceMaturedChargeUsesAvailable(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.paidInvoice(t, 10000)

	// Mature the source charge.
	entries, err := env.ledger.EntriesByPaymentIntent(ctx, inv.ProcessorPaymentIntentID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entries[0].AvailableAt = time.Now().UTC().Add(-time.Hour)
	entries[0].IsSettled = true

	res, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 1000, "", "r1")
	require.NoError(t, err)

	entry := env.ledger.entries[res.LedgerEntryID]
	require.NotNil(t, entry)
	assert.Equal(t, ldomain.BucketAvailable, entry.Metadata[ldomain.MetaBucket])
}

func TestRefundInvoiceCumulativeCap(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.paidInvoice(t, 10000)

	_, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 6000, "", "r1")
	require.NoError(t, err)

	_, err = env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 5000, "", "r2")
	require.Error(t, err)
	assert.Equal(t, "refund_exceeds_remaining", core.CodeOf(err))

	_, err = env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 4000, "", "r3")
	require.NoError(t, err)

	_, err = env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 1, "", "r4")
	require.Error(t, err)
	assert.Equal(t, "refund_exceeds_remaining", core.CodeOf(err))
}

func TestRefundInvoiceOverGross(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.paidInvoice(t, 10000)

	_, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 10001, "", "r1")
	require.Error(t, err)
	assert.Equal(t, "refund_over_gross", core.CodeOf(err))
}

func TestRefundInvoiceReplay(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.paidInvoice(t, 10000)

	first, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 1000, "", "r1")
	require.NoError(t, err)

	second, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 1000, "", "r1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, 1, env.ledger.countByType(ldomain.EntryRefund))
}

func TestRefundUnpaidInvoice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.openInvoice(t, 10000)

	_, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 1000, "", "r1")
	require.Error(t, err)
	assert.Equal(t, "invoice_not_refundable", core.CodeOf(err))
}

func TestRefundVoidsEntryOnProcessorFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.paidInvoice(t, 10000)

	env.proc.refundErr = core.Unavailable("processor_error", "the processor returned an error")

	_, err := env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 1000, "", "r1")
	require.Error(t, err)
	assert.Equal(t, core.KindProcessorUnavailable, core.KindOf(err))

	// The pre-committed entry must be voided, never posted.
	var refund *ldomain.Entry
	for _, e := range env.ledger.entries {
		if e.Type == ldomain.EntryRefund {
			refund = e
		}
	}
	require.NotNil(t, refund)
	assert.Equal(t, ldomain.StatusVoid, refund.Status)

	rec, ok := env.idem.byKey["r1|"+idempotency.TypeRefund]
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)

	// The voided attempt no longer counts against the cap.
	env.proc.refundErr = nil
	_, err = env.svc.RefundInvoice(ctx, "prov_1", inv.ID, 10000, "", "r2")
	require.NoError(t, err)
}

func TestRefundSubscriptionCharge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	charged, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.NoError(t, err)
	require.NotEmpty(t, charged.SubscriptionChargeID)

	res, err := env.svc.RefundSubscriptionCharge(ctx, "prov_1", charged.SubscriptionChargeID, 5000, "duplicate", "r1")
	require.NoError(t, err)

	entry := env.ledger.entries[res.LedgerEntryID]
	require.NotNil(t, entry)
	assert.Equal(t, ldomain.StatusPosted, entry.Status)
	assert.Equal(t, sub.ID, entry.Links.SubscriptionID)
	assert.Equal(t, charged.SubscriptionChargeID, entry.Links.SubscriptionChargeID)
}

func TestRefundSubscriptionChargeFailedCycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	env.proc.createErr = core.Declined("card_declined", "the card was declined")
	_, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.Error(t, err)
	require.Len(t, env.store.subCharges, 1)

	_, err = env.svc.RefundSubscriptionCharge(ctx, "prov_1", env.store.subCharges[0].ID, 5000, "", "r1")
	require.Error(t, err)
	assert.Equal(t, "charge_not_refundable", core.CodeOf(err))
}
