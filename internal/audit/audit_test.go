package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/ledger/domain"
)

type fakeLedger struct {
	entries   []*domain.Entry
	balance   *domain.Balance
	overwrote *domain.Balance
}

func (f *fakeLedger) PostedEntries(_ context.Context, providerID, currency string) ([]*domain.Entry, error) {
	var out []*domain.Entry
	for _, e := range f.entries {
		if e.ProviderID == providerID && e.Currency == currency {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLedger) GetBalance(_ context.Context, providerID, currency string) (*domain.Balance, error) {
	if f.balance == nil {
		return &domain.Balance{ProviderID: providerID, Currency: currency}, nil
	}
	return f.balance, nil
}

func (f *fakeLedger) OverwriteProjection(_ context.Context, providerID, currency string, recomputed *domain.Balance, at time.Time) error {
	cp := *recomputed
	cp.LastRecalculatedAt = &at
	f.overwrote = &cp
	if f.balance != nil {
		f.balance.AvailableCents = cp.AvailableCents
		f.balance.PendingCents = cp.PendingCents
		f.balance.ReservedCents = cp.ReservedCents
		f.balance.LifetimeVolumeCents = cp.LifetimeVolumeCents
		f.balance.LifetimeFeesCents = cp.LifetimeFeesCents
		f.balance.LifetimeNetCents = cp.LifetimeNetCents
		f.balance.LastRecalculatedAt = &at
	}
	return nil
}

var entrySeq int

func entry(providerID string, t domain.EntryType, dir domain.Direction, amount int64, availableAt time.Time) *domain.Entry {
	entrySeq++
	e := &domain.Entry{
		ID:          fmt.Sprintf("le_%04d", entrySeq),
		ProviderID:  providerID,
		Type:        t,
		Direction:   dir,
		AmountCents: amount,
		Currency:    "usd",
		SourceType:  domain.SourceSystem,
		EffectiveAt: availableAt.Add(-7 * 24 * time.Hour),
		AvailableAt: availableAt,
		Status:      domain.StatusPosted,
		CreatedAt:   availableAt.Add(-7 * 24 * time.Hour),
	}
	if t == domain.EntryCharge {
		e.GrossCents = amount + 420
		e.FeeCents = 420
		e.NetCents = amount
	}
	return e
}

func newAuditor(ldg *fakeLedger) *Auditor {
	return New(ldg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecomputeCleanProjection(t *testing.T) {
	now := time.Now().UTC()
	matured := entry("prov_1", domain.EntryCharge, domain.DirectionCredit, 9580, now.Add(-time.Hour))
	immature := entry("prov_1", domain.EntryCharge, domain.DirectionCredit, 4775, now.Add(48*time.Hour))

	ldg := &fakeLedger{
		entries: []*domain.Entry{matured, immature},
		balance: &domain.Balance{
			ProviderID:          "prov_1",
			Currency:            "usd",
			AvailableCents:      9580,
			PendingCents:        4775,
			LifetimeVolumeCents: 10000 + 5195,
			LifetimeFeesCents:   840,
			LifetimeNetCents:    9580 + 4775,
		},
	}

	report, err := newAuditor(ldg).Recompute(context.Background(), "prov_1", "usd", false)
	require.NoError(t, err)

	assert.True(t, report.InSync)
	assert.Empty(t, report.Diffs)
	assert.Equal(t, 2, report.EntryCount)
	assert.False(t, report.Persisted)
	assert.Equal(t, int64(9580), report.Expected.AvailableCents, "matured charge replays into available")
	assert.Equal(t, int64(4775), report.Expected.PendingCents, "immature charge stays pending")
}

func TestRecomputeDetectsDrift(t *testing.T) {
	now := time.Now().UTC()
	ldg := &fakeLedger{
		entries: []*domain.Entry{
			entry("prov_1", domain.EntryCharge, domain.DirectionCredit, 9580, now.Add(-time.Hour)),
		},
		balance: &domain.Balance{
			ProviderID:     "prov_1",
			Currency:       "usd",
			AvailableCents: 9000, // drifted
			PendingCents:   0,
		},
	}

	report, err := newAuditor(ldg).Recompute(context.Background(), "prov_1", "usd", false)
	require.NoError(t, err)

	assert.False(t, report.InSync)
	require.NotEmpty(t, report.Diffs)

	byField := map[string]FieldDiff{}
	for _, d := range report.Diffs {
		byField[d.Field] = d
	}
	avail, ok := byField["available_cents"]
	require.True(t, ok)
	assert.Equal(t, int64(9580), avail.Expected)
	assert.Equal(t, int64(9000), avail.Actual)
	assert.Nil(t, ldg.overwrote, "report mode never writes")
}

func TestRecomputePersistOverwrites(t *testing.T) {
	now := time.Now().UTC()
	ldg := &fakeLedger{
		entries: []*domain.Entry{
			entry("prov_1", domain.EntryCharge, domain.DirectionCredit, 9580, now.Add(-time.Hour)),
			entry("prov_1", domain.EntryPayout, domain.DirectionDebit, 5000, now.Add(-time.Hour)),
		},
		balance: &domain.Balance{ProviderID: "prov_1", Currency: "usd", AvailableCents: 1},
	}

	report, err := newAuditor(ldg).Recompute(context.Background(), "prov_1", "usd", true)
	require.NoError(t, err)

	assert.True(t, report.Persisted)
	require.NotNil(t, ldg.overwrote)
	assert.Equal(t, int64(4580), ldg.overwrote.AvailableCents)
	assert.NotNil(t, ldg.overwrote.LastRecalculatedAt)

	// A second recompute over the persisted projection is clean.
	report, err = newAuditor(ldg).Recompute(context.Background(), "prov_1", "usd", false)
	require.NoError(t, err)
	assert.True(t, report.InSync)
}

func TestRecomputeReplaysDisputeLifecycle(t *testing.T) {
	now := time.Now().UTC()
	opened := entry("prov_1", domain.EntryDisputeOpened, domain.DirectionDebit, 3000, now.Add(-time.Hour))
	won := entry("prov_1", domain.EntryDisputeWon, domain.DirectionCredit, 3000, now.Add(-time.Hour))
	charge := entry("prov_1", domain.EntryCharge, domain.DirectionCredit, 9580, now.Add(-2*time.Hour))

	ldg := &fakeLedger{entries: []*domain.Entry{charge, opened, won}}

	report, err := newAuditor(ldg).Recompute(context.Background(), "prov_1", "usd", false)
	require.NoError(t, err)

	assert.Equal(t, int64(9580), report.Expected.AvailableCents, "a won dispute is net zero")
	assert.Zero(t, report.Expected.ReservedCents)
}

func TestRecomputeEmptyLedger(t *testing.T) {
	ldg := &fakeLedger{}

	report, err := newAuditor(ldg).Recompute(context.Background(), "prov_ghost", "usd", false)
	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.Zero(t, report.EntryCount)
}

func TestRecomputeRequiresProvider(t *testing.T) {
	ldg := &fakeLedger{}

	_, err := newAuditor(ldg).Recompute(context.Background(), "", "usd", false)
	require.Error(t, err)
}
