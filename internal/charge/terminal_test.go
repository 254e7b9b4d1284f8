package charge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/events"
	"paycore/internal/core"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/processor"
)

func (env *testEnv) terminalSession(t *testing.T, amountCents int64) *TerminalPayment {
	t.Helper()
	tp, err := env.svc.CreateTerminalSession(context.Background(), CreateSessionParams{
		ProviderID:  "prov_1",
		CustomerID:  "cus_1",
		AmountCents: amountCents,
	})
	require.NoError(t, err)
	return tp
}

func TestTerminalAuthorizeAndCapture(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tp := env.terminalSession(t, 2500)

	assert.Equal(t, TerminalInitiated, tp.Status)
	assert.NotEmpty(t, tp.SessionID)

	authorized, err := env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, TerminalAuthorized, authorized.Status)
	assert.True(t, processor.IsSimulatedIntent(authorized.ProcessorPaymentIntentID))
	require.NotNil(t, authorized.AuthorizedAt)

	res, err := env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), res.GrossCents)
	assert.Equal(t, int64(127), res.FeeCents)
	assert.Equal(t, int64(2373), res.NetCents)

	stored, err := env.store.GetTerminalBySession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, TerminalCaptured, stored.Status)
	assert.Equal(t, res.LedgerEntryID, stored.LedgerEntryID)

	intent, err := env.proc.GetPaymentIntent(ctx, authorized.ProcessorPaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, processor.IntentSucceeded, intent.Status)

	assert.True(t, env.pub.has(events.EventTerminalCaptured))
}

func TestTerminalCaptureReplay(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tp := env.terminalSession(t, 2500)

	_, err := env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)

	first, err := env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.NoError(t, err)

	second, err := env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, 1, env.ledger.countByType(ldomain.EntryCharge))

	// A fresh key against the captured session is a real conflict.
	_, err = env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k2")
	require.Error(t, err)
	assert.Equal(t, "terminal_not_authorized", core.CodeOf(err))
}

func TestTerminalCaptureRequiresAuthorization(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tp := env.terminalSession(t, 2500)

	_, err := env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.Error(t, err)
	assert.Equal(t, "terminal_not_authorized", core.CodeOf(err))
}

func TestTerminalCaptureSettlesLinkedInvoice(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.openInvoice(t, 2500)

	tp, err := env.svc.CreateTerminalSession(ctx, CreateSessionParams{
		ProviderID:  "prov_1",
		CustomerID:  "cus_1",
		AmountCents: inv.AmountDueCents,
		InvoiceID:   inv.ID,
	})
	require.NoError(t, err)

	_, err = env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)

	res, err := env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.NoError(t, err)

	stored, err := env.store.GetInvoice(ctx, "prov_1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, stored.Status)
	assert.Equal(t, res.LedgerEntryID, stored.LedgerEntryID)

	entry := env.ledger.entries[res.LedgerEntryID]
	require.NotNil(t, entry)
	assert.Equal(t, inv.ID, entry.Links.InvoiceID)
}

func TestTerminalCaptureSettlesLinkedSubscription(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	tp, err := env.svc.CreateTerminalSession(ctx, CreateSessionParams{
		ProviderID:     "prov_1",
		CustomerID:     "cus_1",
		AmountCents:    sub.PriceCents,
		SubscriptionID: sub.ID,
	})
	require.NoError(t, err)

	_, err = env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)

	_, err = env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.NoError(t, err)

	stored, err := env.store.GetSubscription(ctx, "prov_1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CycleCount, "an in-person payment counts as the cycle's billing")
	assert.Equal(t, ChargeOutcomeSuccess, stored.LastChargeStatus)
}

func TestTerminalCancelReleasesHold(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tp := env.terminalSession(t, 2500)

	authorized, err := env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)

	canceled, err := env.svc.CancelTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, TerminalCanceled, canceled.Status)

	intent, err := env.proc.GetPaymentIntent(ctx, authorized.ProcessorPaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, processor.IntentCanceled, intent.Status)

	_, err = env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.Error(t, err)
	assert.Equal(t, "terminal_not_authorized", core.CodeOf(err))
}

func TestTerminalCancelCapturedSessionFails(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tp := env.terminalSession(t, 2500)

	_, err := env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)
	_, err = env.svc.CaptureTerminalSession(ctx, "prov_1", tp.SessionID, "cap-k1")
	require.NoError(t, err)

	_, err = env.svc.CancelTerminalSession(ctx, "prov_1", tp.SessionID)
	require.Error(t, err)
	assert.Equal(t, "terminal_not_cancelable", core.CodeOf(err))
}

func TestTerminalSessionRejectsDualLink(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CreateTerminalSession(context.Background(), CreateSessionParams{
		ProviderID:     "prov_1",
		AmountCents:    2500,
		InvoiceID:      "inv_1",
		SubscriptionID: "sub_1",
	})
	require.Error(t, err)
	assert.Equal(t, "ambiguous_target", core.CodeOf(err))
}

func TestTerminalAuthorizeFailureMarksSession(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tp := env.terminalSession(t, 2500)

	env.proc.createErr = core.Declined("card_declined", "the card was declined")

	_, err := env.svc.AuthorizeTerminalSession(ctx, "prov_1", tp.SessionID)
	require.Error(t, err)

	stored, err := env.store.GetTerminalBySession(ctx, "prov_1", tp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, TerminalFailed, stored.Status)
	assert.NotEmpty(t, stored.FailureReason)
}
