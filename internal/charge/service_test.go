package charge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/database"
	"paycore/internal/common/events"
	"paycore/internal/core"
	"paycore/internal/fraud"
	"paycore/internal/idempotency"
	"paycore/internal/ledger"
	ldomain "paycore/internal/ledger/domain"
	"paycore/internal/processor"
)

// fakeStore is an in-memory Store with the same not-found / conflict
// semantics as the pgx implementation.
type fakeStore struct {
	invoices   map[string]*Invoice
	subs       map[string]*Subscription
	subCharges []*SubscriptionCharge
	terminals  map[string]*TerminalPayment
	locks      map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		invoices:  make(map[string]*Invoice),
		subs:      make(map[string]*Subscription),
		terminals: make(map[string]*TerminalPayment),
		locks:     make(map[string]bool),
	}
}

func (f *fakeStore) CreateInvoice(_ context.Context, inv *Invoice) error {
	if _, ok := f.invoices[inv.ID]; ok {
		return database.ErrAlreadyExists
	}
	cp := *inv
	f.invoices[inv.ID] = &cp
	return nil
}

func (f *fakeStore) GetInvoice(_ context.Context, providerID, id string) (*Invoice, error) {
	inv, ok := f.invoices[id]
	if !ok || inv.ProviderID != providerID {
		return nil, database.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (f *fakeStore) AcquirePaymentLock(_ context.Context, invoiceID string, _ time.Duration) (bool, error) {
	if f.locks[invoiceID] {
		return false, nil
	}
	f.locks[invoiceID] = true
	return true, nil
}

func (f *fakeStore) ReleasePaymentLock(_ context.Context, invoiceID string) error {
	delete(f.locks, invoiceID)
	return nil
}

func (f *fakeStore) MarkInvoicePaid(_ context.Context, invoiceID string, amountPaid int64, ledgerEntryID, paymentIntentID string) error {
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return database.ErrNotFound
	}
	if inv.Status != InvoiceOpen {
		return database.ErrConflict
	}
	now := time.Now().UTC()
	inv.Status = InvoicePaid
	inv.AmountPaidCents = amountPaid
	inv.LedgerEntryID = ledgerEntryID
	inv.ProcessorPaymentIntentID = paymentIntentID
	inv.PaidAt = &now
	return nil
}

func (f *fakeStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	if _, ok := f.subs[sub.ID]; ok {
		return database.ErrAlreadyExists
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeStore) GetSubscription(_ context.Context, providerID, id string) (*Subscription, error) {
	sub, ok := f.subs[id]
	if !ok || sub.ProviderID != providerID {
		return nil, database.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeStore) UpdateSubscriptionBilling(_ context.Context, sub *Subscription) error {
	if _, ok := f.subs[sub.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeStore) CancelSubscription(_ context.Context, providerID, id string) error {
	sub, ok := f.subs[id]
	if !ok || sub.ProviderID != providerID {
		return database.ErrNotFound
	}
	now := time.Now().UTC()
	sub.Status = SubscriptionCanceled
	sub.CanceledAt = &now
	return nil
}

func (f *fakeStore) CreateSubscriptionCharge(_ context.Context, sc *SubscriptionCharge) error {
	cp := *sc
	f.subCharges = append(f.subCharges, &cp)
	return nil
}

func (f *fakeStore) GetSubscriptionCharge(_ context.Context, providerID, id string) (*SubscriptionCharge, error) {
	for _, sc := range f.subCharges {
		if sc.ID == id && sc.ProviderID == providerID {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) CreateTerminalPayment(_ context.Context, tp *TerminalPayment) error {
	if _, ok := f.terminals[tp.SessionID]; ok {
		return database.ErrAlreadyExists
	}
	cp := *tp
	f.terminals[tp.SessionID] = &cp
	return nil
}

func (f *fakeStore) GetTerminalBySession(_ context.Context, providerID, sessionID string) (*TerminalPayment, error) {
	tp, ok := f.terminals[sessionID]
	if !ok || tp.ProviderID != providerID {
		return nil, database.ErrNotFound
	}
	cp := *tp
	return &cp, nil
}

func (f *fakeStore) UpdateTerminalPayment(_ context.Context, tp *TerminalPayment, expected TerminalStatus) error {
	cur, ok := f.terminals[tp.SessionID]
	if !ok {
		return database.ErrNotFound
	}
	if cur.Status != expected {
		return database.ErrConflict
	}
	cp := *tp
	f.terminals[tp.SessionID] = &cp
	return nil
}

// fakeLedger mirrors the ledger service contract, including the duplicate
// payment-intent guard and the cumulative refund cap.
type fakeLedger struct {
	seq            int
	entries        map[string]*ldomain.Entry
	order          []string
	settlementDays int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string]*ldomain.Entry), settlementDays: 7}
}

func (f *fakeLedger) nextID() string {
	f.seq++
	return fmt.Sprintf("le_%04d", f.seq)
}

func (f *fakeLedger) add(e *ldomain.Entry) {
	f.entries[e.ID] = e
	f.order = append(f.order, e.ID)
}

func (f *fakeLedger) RecordCharge(_ context.Context, p ledger.ChargeParams) (*ldomain.Entry, error) {
	for _, e := range f.entries {
		if e.Type == ldomain.EntryCharge && e.Links.ProcessorPaymentIntentID == p.Links.ProcessorPaymentIntentID {
			return nil, core.Conflict("duplicate_entry", "an entry for this payment already exists")
		}
	}
	now := time.Now().UTC()
	availableAt := now.Add(time.Duration(f.settlementDays) * 24 * time.Hour)
	e := &ldomain.Entry{
		ID:           f.nextID(),
		ProviderID:   p.ProviderID,
		CustomerID:   p.CustomerID,
		Type:         ldomain.EntryCharge,
		Direction:    ldomain.DirectionCredit,
		AmountCents:  p.Fees.NetCents,
		Currency:     p.Currency,
		SourceType:   p.SourceType,
		Links:        p.Links,
		GrossCents:   p.Fees.GrossCents,
		FeeCents:     p.Fees.TotalFeeCents,
		NetCents:     p.Fees.NetCents,
		EffectiveAt:  now,
		AvailableAt:  availableAt,
		PendingUntil: &availableAt,
		Status:       ldomain.StatusPosted,
		Metadata:     p.Metadata,
		CreatedAt:    now,
	}
	f.add(e)
	return e, nil
}

func (f *fakeLedger) PreCommitRefund(_ context.Context, p ledger.RefundParams) (*ldomain.Entry, error) {
	if p.MaxTotalRefundCents > 0 && p.Links.ProcessorPaymentIntentID != "" {
		var refunded int64
		for _, e := range f.entries {
			if e.Type == ldomain.EntryRefund && e.Status != ldomain.StatusVoid &&
				e.Links.ProcessorPaymentIntentID == p.Links.ProcessorPaymentIntentID {
				refunded += e.AmountCents
			}
		}
		if refunded+p.AmountCents > p.MaxTotalRefundCents {
			return nil, core.Conflict("refund_exceeds_remaining",
				fmt.Sprintf("refund of %d exceeds the %d still refundable", p.AmountCents, p.MaxTotalRefundCents-refunded))
		}
	}

	bucket := p.Bucket
	if bucket != ldomain.BucketPending {
		bucket = ldomain.BucketAvailable
	}
	meta := map[string]string{ldomain.MetaBucket: bucket}
	for k, v := range p.Metadata {
		meta[k] = v
	}

	now := time.Now().UTC()
	e := &ldomain.Entry{
		ID:          f.nextID(),
		ProviderID:  p.ProviderID,
		CustomerID:  p.CustomerID,
		Type:        ldomain.EntryRefund,
		Direction:   ldomain.DirectionDebit,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		SourceType:  p.SourceType,
		Links:       p.Links,
		EffectiveAt: now,
		AvailableAt: now,
		Status:      ldomain.StatusPending,
		Metadata:    meta,
		CreatedAt:   now,
	}
	f.add(e)
	return e, nil
}

func (f *fakeLedger) FinalizeRefund(_ context.Context, entryID string) (*ldomain.Entry, error) {
	e, ok := f.entries[entryID]
	if !ok {
		return nil, core.NotFound("entry_not_found", "ledger entry not found")
	}
	if e.Status != ldomain.StatusPending {
		return nil, core.Conflict("entry_conflict", "the entry is not in the expected state")
	}
	e.Status = ldomain.StatusPosted
	return e, nil
}

func (f *fakeLedger) VoidRefund(_ context.Context, entryID string) error {
	e, ok := f.entries[entryID]
	if !ok {
		return core.NotFound("entry_not_found", "ledger entry not found")
	}
	if e.Status != ldomain.StatusPending {
		return core.Conflict("entry_conflict", "the entry is not in the expected state")
	}
	e.Status = ldomain.StatusVoid
	return nil
}

func (f *fakeLedger) EntriesByPaymentIntent(_ context.Context, paymentIntentID string) ([]*ldomain.Entry, error) {
	var out []*ldomain.Entry
	for _, id := range f.order {
		if e := f.entries[id]; e.Links.ProcessorPaymentIntentID == paymentIntentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) countByType(t ldomain.EntryType) int {
	n := 0
	for _, e := range f.entries {
		if e.Type == t {
			n++
		}
	}
	return n
}

// fakeIdem reproduces the gate's reserve/compare/finalize semantics in
// memory.
type fakeIdem struct {
	seq   int
	byKey map[string]*idempotency.Record
	byID  map[string]*idempotency.Record
}

func newFakeIdem() *fakeIdem {
	return &fakeIdem{
		byKey: make(map[string]*idempotency.Record),
		byID:  make(map[string]*idempotency.Record),
	}
}

func (f *fakeIdem) Reserve(_ context.Context, p idempotency.ReserveParams) (*idempotency.Reservation, error) {
	if p.Key == "" {
		return nil, core.Validation("missing_idempotency_key", "an idempotency key is required")
	}
	hash, err := idempotency.HashRequest(p.Payload)
	if err != nil {
		return nil, err
	}

	k := p.Key + "|" + p.Type
	if rec, ok := f.byKey[k]; ok {
		if rec.AmountCents != p.AmountCents || rec.Currency != p.Currency {
			return nil, core.Conflict("idempotency_amount_mismatch",
				"this idempotency key was used with a different amount or currency")
		}
		if rec.RequestHash != hash {
			return nil, core.Conflict("idempotency_payload_mismatch",
				"this idempotency key was used with a different request payload")
		}
		outcome := idempotency.OutcomeInProgress
		switch rec.Status {
		case idempotency.StatusCompleted:
			outcome = idempotency.OutcomeCompleted
		case idempotency.StatusFailed:
			outcome = idempotency.OutcomeFailed
		}
		return &idempotency.Reservation{Outcome: outcome, Record: rec}, nil
	}

	f.seq++
	now := time.Now().UTC()
	rec := &idempotency.Record{
		ID:          fmt.Sprintf("idem_%04d", f.seq),
		Key:         p.Key,
		Type:        p.Type,
		Status:      idempotency.StatusInProgress,
		AmountCents: p.AmountCents,
		Currency:    p.Currency,
		RequestHash: hash,
		ProviderID:  p.ProviderID,
		CustomerID:  p.CustomerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.byKey[k] = rec
	f.byID[rec.ID] = rec
	return &idempotency.Reservation{Outcome: idempotency.OutcomeNew, Record: rec}, nil
}

func (f *fakeIdem) MarkCompleted(_ context.Context, id string, refs idempotency.CompletionRefs) error {
	rec, ok := f.byID[id]
	if !ok || rec.Status != idempotency.StatusInProgress {
		return core.Conflict("idempotency_not_in_progress", "record is not in progress")
	}
	now := time.Now().UTC()
	rec.Status = idempotency.StatusCompleted
	rec.ProcessorPaymentIntentID = refs.ProcessorPaymentIntentID
	rec.ProcessorChargeID = refs.ProcessorChargeID
	rec.LedgerEntryID = refs.LedgerEntryID
	rec.SubscriptionChargeID = refs.SubscriptionChargeID
	rec.Context = refs.Context
	rec.CompletedAt = &now
	return nil
}

func (f *fakeIdem) MarkFailed(_ context.Context, id, reason string) error {
	rec, ok := f.byID[id]
	if !ok || rec.Status != idempotency.StatusInProgress {
		return core.Conflict("idempotency_not_in_progress", "record is not in progress")
	}
	now := time.Now().UTC()
	rec.Status = idempotency.StatusFailed
	rec.Context = reason
	rec.CompletedAt = &now
	return nil
}

type fakePublisher struct {
	published []*events.Event
}

func (f *fakePublisher) Publish(_ context.Context, e *events.Event) error {
	f.published = append(f.published, e)
	return nil
}

func (f *fakePublisher) has(eventType string) bool {
	for _, e := range f.published {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

// stubProcessor wraps the simulator with injectable failures.
type stubProcessor struct {
	processor.Processor
	createErr error
	refundErr error
}

func (p *stubProcessor) CreatePaymentIntent(ctx context.Context, params processor.PaymentIntentParams) (*processor.PaymentIntent, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.Processor.CreatePaymentIntent(ctx, params)
}

func (p *stubProcessor) CreateRefund(ctx context.Context, params processor.RefundParams) (*processor.Refund, error) {
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	return p.Processor.CreateRefund(ctx, params)
}

type testEnv struct {
	svc    *Service
	store  *fakeStore
	ledger *fakeLedger
	idem   *fakeIdem
	proc   *stubProcessor
	pub    *fakePublisher
}

func newTestEnv() *testEnv {
	store := newFakeStore()
	ldg := newFakeLedger()
	idem := newFakeIdem()
	proc := &stubProcessor{Processor: processor.NewSimulated()}
	pub := &fakePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		svc:    New(store, ldg, idem, proc, fraud.AllowAll{}, pub, Config{PaymentLockMS: 120000}, logger),
		store:  store,
		ledger: ldg,
		idem:   idem,
		proc:   proc,
		pub:    pub,
	}
}

func (env *testEnv) openInvoice(t *testing.T, amountCents int64) *Invoice {
	t.Helper()
	inv, err := env.svc.CreateInvoice(context.Background(), CreateInvoiceParams{
		ProviderID:     "prov_1",
		CustomerID:     "cus_1",
		AmountDueCents: amountCents,
	})
	require.NoError(t, err)
	return inv
}

func (env *testEnv) activeSubscription(t *testing.T, priceCents int64, due time.Time) *Subscription {
	t.Helper()
	sub, err := env.svc.CreateSubscription(context.Background(), CreateSubscriptionParams{
		ProviderID:       "prov_1",
		CustomerID:       "cus_1",
		PlanName:         "basic",
		Frequency:        FrequencyMonthly,
		PriceCents:       priceCents,
		FirstBillingDate: due,
	})
	require.NoError(t, err)
	return sub
}

func TestPayInvoiceRecordsNetCharge(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.openInvoice(t, 10000)

	res, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k1")
	require.NoError(t, err)

	assert.False(t, res.Replayed)
	assert.Equal(t, int64(10000), res.GrossCents)
	assert.Equal(t, int64(420), res.FeeCents)
	assert.Equal(t, int64(9580), res.NetCents)
	assert.Equal(t, "usd", res.Currency)

	entry := env.ledger.entries[res.LedgerEntryID]
	require.NotNil(t, entry)
	assert.Equal(t, ldomain.EntryCharge, entry.Type)
	assert.Equal(t, int64(9580), entry.AmountCents, "the ledger credit is the net amount")
	assert.Equal(t, int64(10000), entry.GrossCents)

	stored, err := env.store.GetInvoice(ctx, "prov_1", inv.ID)
	require.NoError(t, err)
	assert.Equal(t, InvoicePaid, stored.Status)
	assert.Equal(t, res.LedgerEntryID, stored.LedgerEntryID)
	assert.Equal(t, res.PaymentIntentID, stored.ProcessorPaymentIntentID)

	assert.False(t, env.store.locks[inv.ID], "payment lock must be released")
}

func TestPayInvoiceReplaySameKey(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.openInvoice(t, 10000)

	first, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k1")
	require.NoError(t, err)

	second, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k1")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, first.PaymentIntentID, second.PaymentIntentID)
	assert.Equal(t, first.NetCents, second.NetCents)
	assert.Equal(t, 1, env.ledger.countByType(ldomain.EntryCharge), "replay must not write a second entry")
}

func TestPayInvoiceNewKeyAfterPaid(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.openInvoice(t, 10000)

	_, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k1")
	require.NoError(t, err)

	_, err = env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k2")
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	assert.Equal(t, "invoice_already_paid", core.CodeOf(err))
	assert.Equal(t, 1, env.ledger.countByType(ldomain.EntryCharge))
}

func TestPayInvoiceLockContention(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	inv := env.openInvoice(t, 10000)

	env.store.locks[inv.ID] = true

	_, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k1")
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	assert.Equal(t, "locked", core.CodeOf(err))
	assert.Equal(t, 0, env.ledger.countByType(ldomain.EntryCharge))
}

func TestPayInvoiceKeyReuseAcrossAmounts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	invA := env.openInvoice(t, 10000)
	invB := env.openInvoice(t, 5000)

	_, err := env.svc.PayInvoice(ctx, "prov_1", invA.ID, "k1")
	require.NoError(t, err)

	_, err = env.svc.PayInvoice(ctx, "prov_1", invB.ID, "k1")
	require.Error(t, err)
	assert.Equal(t, "idempotency_amount_mismatch", core.CodeOf(err))
}

func TestPayInvoiceFeeOverride(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	zero := 0.0
	inv, err := env.svc.CreateInvoice(ctx, CreateInvoiceParams{
		ProviderID:         "prov_1",
		CustomerID:         "cus_1",
		AmountDueCents:     10000,
		FeeOverridePercent: &zero,
	})
	require.NoError(t, err)

	res, err := env.svc.PayInvoice(ctx, "prov_1", inv.ID, "k1")
	require.NoError(t, err)

	assert.Equal(t, int64(320), res.FeeCents, "platform fee waived, processor fee stays")
	assert.Equal(t, int64(9680), res.NetCents)
}

func TestPayInvoiceNotFound(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.PayInvoice(context.Background(), "prov_1", "inv_missing", "k1")
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestChargeSubscriptionAdvancesFromChargeTime(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	res, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.NoError(t, err)

	assert.Equal(t, int64(5000), res.GrossCents)
	assert.Equal(t, int64(225), res.FeeCents)
	assert.Equal(t, int64(4775), res.NetCents)
	assert.NotEmpty(t, res.SubscriptionChargeID)

	stored, err := env.store.GetSubscription(ctx, "prov_1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CycleCount)
	assert.Equal(t, SubscriptionActive, stored.Status)
	assert.Equal(t, ChargeOutcomeSuccess, stored.LastChargeStatus)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 1, 0), stored.NextBillingDate, 5*time.Second,
		"next billing date advances one cycle from the charge time")

	sc, err := env.store.GetSubscriptionCharge(ctx, "prov_1", res.SubscriptionChargeID)
	require.NoError(t, err)
	assert.Equal(t, 1, sc.Cycle)
	assert.Equal(t, ChargeOutcomeSuccess, sc.Status)
	assert.Equal(t, res.LedgerEntryID, sc.LedgerEntryID)

	assert.True(t, env.pub.has(events.EventSubscriptionCharged))
}

func TestChargeSubscriptionNotDue(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(24*time.Hour))

	_, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.Error(t, err)
	assert.Equal(t, "subscription_not_due", core.CodeOf(err))

	// The scheduler may bill at or before the due date.
	res, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k2", true)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestChargeSubscriptionReplay(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	first, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.NoError(t, err)

	// After success the next date is a month out; the replay must still
	// return the original result instead of a not-due conflict.
	second, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.LedgerEntryID, second.LedgerEntryID)
	assert.Equal(t, first.SubscriptionChargeID, second.SubscriptionChargeID)

	stored, err := env.store.GetSubscription(ctx, "prov_1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.CycleCount, "replay must not advance the cycle again")
	assert.Equal(t, 1, env.ledger.countByType(ldomain.EntryCharge))
}

func TestChargeSubscriptionProcessorFailure(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	env.proc.createErr = core.Declined("card_declined", "the card was declined")

	_, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.Error(t, err)
	assert.Equal(t, core.KindProcessorDeclined, core.KindOf(err))

	stored, err := env.store.GetSubscription(ctx, "prov_1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionPastDue, stored.Status)
	assert.Equal(t, 0, stored.CycleCount, "a failed attempt never advances the cycle")
	assert.Equal(t, ChargeOutcomeFailed, stored.LastChargeStatus)

	require.Len(t, env.store.subCharges, 1)
	assert.Equal(t, ChargeOutcomeFailed, env.store.subCharges[0].Status)
	assert.NotEmpty(t, env.store.subCharges[0].FailureReason)
	assert.True(t, env.pub.has(events.EventSubscriptionPastDue))

	// The key is burned; retries need a fresh one.
	_, err = env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", false)
	require.Error(t, err)
	assert.Equal(t, "idempotency_failed", core.CodeOf(err))

	// A new key after the card recovers brings the subscription back.
	env.proc.createErr = nil
	res, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k2", false)
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	stored, err = env.store.GetSubscription(ctx, "prov_1", sub.ID)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionActive, stored.Status)
	assert.Equal(t, 1, stored.CycleCount)
}

func TestChargeSubscriptionCanceled(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	sub := env.activeSubscription(t, 5000, time.Now().UTC().Add(-time.Hour))

	require.NoError(t, env.svc.CancelSubscriptionByID(ctx, "prov_1", sub.ID))

	_, err := env.svc.ChargeSubscription(ctx, "prov_1", sub.ID, "sub-k1", true)
	require.Error(t, err)
	assert.Equal(t, "subscription_canceled", core.CodeOf(err))
}

func TestCreateSubscriptionRejectsUnknownFrequency(t *testing.T) {
	env := newTestEnv()

	_, err := env.svc.CreateSubscription(context.Background(), CreateSubscriptionParams{
		ProviderID: "prov_1",
		CustomerID: "cus_1",
		PlanName:   "basic",
		Frequency:  Frequency("fortnightly"),
		PriceCents: 5000,
	})
	require.Error(t, err)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}
