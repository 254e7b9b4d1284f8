package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEntry(t EntryType, dir Direction, amt int64) *Entry {
	return &Entry{
		ID:          "le_test",
		ProviderID:  "prov_1",
		Type:        t,
		Direction:   dir,
		AmountCents: amt,
		Currency:    "usd",
		SourceType:  SourceSystem,
		EffectiveAt: time.Now().UTC(),
		Status:      StatusPosted,
	}
}

func TestPostDelta(t *testing.T) {
	tests := []struct {
		name     string
		entry    *Entry
		expected Delta
	}{
		{
			name: "charge credits pending",
			entry: func() *Entry {
				e := baseEntry(EntryCharge, DirectionCredit, 9580)
				e.GrossCents = 10000
				e.FeeCents = 420
				e.NetCents = 9580
				return e
			}(),
			expected: Delta{Pending: 9580, LifetimeGross: 10000, LifetimeFees: 420, LifetimeNet: 9580},
		},
		{
			name: "refund against available",
			entry: func() *Entry {
				e := baseEntry(EntryRefund, DirectionDebit, 2500)
				e.Metadata = map[string]string{MetaBucket: BucketAvailable}
				return e
			}(),
			expected: Delta{Available: -2500},
		},
		{
			name: "refund against pending",
			entry: func() *Entry {
				e := baseEntry(EntryRefund, DirectionDebit, 2500)
				e.Metadata = map[string]string{MetaBucket: BucketPending}
				return e
			}(),
			expected: Delta{Pending: -2500},
		},
		{
			name:     "refund defaults to available when bucket missing",
			entry:    baseEntry(EntryRefund, DirectionDebit, 100),
			expected: Delta{Available: -100},
		},
		{
			name:     "payout debits available",
			entry:    baseEntry(EntryPayout, DirectionDebit, 5000),
			expected: Delta{Available: -5000},
		},
		{
			name:     "payout reversal credits available",
			entry:    baseEntry(EntryPayoutReversal, DirectionCredit, 5000),
			expected: Delta{Available: 5000},
		},
		{
			name:     "dispute opened moves available to reserved",
			entry:    baseEntry(EntryDisputeOpened, DirectionDebit, 3000),
			expected: Delta{Available: -3000, Reserved: 3000},
		},
		{
			name:     "dispute won releases reserve back to available",
			entry:    baseEntry(EntryDisputeWon, DirectionCredit, 3000),
			expected: Delta{Available: 3000, Reserved: -3000},
		},
		{
			name:     "dispute lost consumes the reserve",
			entry:    baseEntry(EntryDisputeLost, DirectionDebit, 3000),
			expected: Delta{Reserved: -3000},
		},
		{
			name:     "credit adjustment adds to available",
			entry:    baseEntry(EntryAdjustment, DirectionCredit, 750),
			expected: Delta{Available: 750},
		},
		{
			name:     "debit adjustment subtracts from available",
			entry:    baseEntry(EntryAdjustment, DirectionDebit, 750),
			expected: Delta{Available: -750},
		},
		{
			name:     "debit fee subtracts from available",
			entry:    baseEntry(EntryFee, DirectionDebit, 45),
			expected: Delta{Available: -45},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := PostDelta(tt.entry)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestPostDeltaTotals(t *testing.T) {
	// The total position moves by the signed amount for money that actually
	// enters or leaves; dispute transitions move extra because the reserve
	// is subtracted from the total.
	cases := []struct {
		entry *Entry
		total int64
	}{
		{baseEntry(EntryCharge, DirectionCredit, 1000), 1000},
		{baseEntry(EntryRefund, DirectionDebit, 1000), -1000},
		{baseEntry(EntryPayout, DirectionDebit, 1000), -1000},
		{baseEntry(EntryPayoutReversal, DirectionCredit, 1000), 1000},
		{baseEntry(EntryDisputeOpened, DirectionDebit, 1000), -2000},
		{baseEntry(EntryDisputeWon, DirectionCredit, 1000), 2000},
		{baseEntry(EntryDisputeLost, DirectionDebit, 1000), 1000},
	}
	for _, c := range cases {
		d, err := PostDelta(c.entry)
		require.NoError(t, err)
		assert.Equal(t, c.total, d.Total(), "type %s", c.entry.Type)
	}
}

func TestPostDeltaRejectsInvalid(t *testing.T) {
	e := baseEntry(EntryCharge, DirectionDebit, 100)
	_, err := PostDelta(e)
	assert.Error(t, err, "charge must be a credit")

	e = baseEntry(EntryCharge, DirectionCredit, -1)
	_, err = PostDelta(e)
	assert.Error(t, err, "negative amounts are rejected")

	e = baseEntry(EntryType("bogus"), DirectionCredit, 100)
	_, err = PostDelta(e)
	assert.Error(t, err)
}

func TestReplayDelta(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("unmatured charge stays pending", func(t *testing.T) {
		e := baseEntry(EntryCharge, DirectionCredit, 9580)
		e.AvailableAt = now.Add(24 * time.Hour)
		d, err := ReplayDelta(e, now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), d.Available)
		assert.Equal(t, int64(9580), d.Pending)
	})

	t.Run("matured charge lands in available", func(t *testing.T) {
		e := baseEntry(EntryCharge, DirectionCredit, 9580)
		e.AvailableAt = now.Add(-time.Hour)
		d, err := ReplayDelta(e, now)
		require.NoError(t, err)
		assert.Equal(t, int64(9580), d.Available)
		assert.Equal(t, int64(0), d.Pending)
	})

	t.Run("charge maturing exactly now is available", func(t *testing.T) {
		e := baseEntry(EntryCharge, DirectionCredit, 100)
		e.AvailableAt = now
		d, err := ReplayDelta(e, now)
		require.NoError(t, err)
		assert.Equal(t, int64(100), d.Available)
	})

	t.Run("settled flag wins over available_at", func(t *testing.T) {
		e := baseEntry(EntryCharge, DirectionCredit, 100)
		e.AvailableAt = now.Add(time.Hour)
		e.IsSettled = true
		d, err := ReplayDelta(e, now)
		require.NoError(t, err)
		assert.Equal(t, int64(100), d.Available)
		assert.Equal(t, int64(0), d.Pending)
	})

	t.Run("non-charge entries are unaffected by maturity", func(t *testing.T) {
		e := baseEntry(EntryPayout, DirectionDebit, 500)
		e.AvailableAt = now.Add(-time.Hour)
		d, err := ReplayDelta(e, now)
		require.NoError(t, err)
		assert.Equal(t, Delta{Available: -500}, d)
	})
}

func TestBalanceApply(t *testing.T) {
	b := &Balance{ProviderID: "prov_1", Currency: "usd"}

	charge := baseEntry(EntryCharge, DirectionCredit, 9580)
	charge.GrossCents, charge.FeeCents, charge.NetCents = 10000, 420, 9580
	d, err := PostDelta(charge)
	require.NoError(t, err)
	b.Apply(d)

	assert.Equal(t, int64(9580), b.PendingCents)
	assert.Equal(t, int64(10000), b.LifetimeVolumeCents)
	assert.Equal(t, int64(420), b.LifetimeFeesCents)
	assert.Equal(t, int64(9580), b.LifetimeNetCents)

	b.Apply(SettleDelta(9580))
	assert.Equal(t, int64(9580), b.AvailableCents)
	assert.Equal(t, int64(0), b.PendingCents)
	assert.Equal(t, int64(9580), b.TotalCents())

	dispute := baseEntry(EntryDisputeOpened, DirectionDebit, 3000)
	d, err = PostDelta(dispute)
	require.NoError(t, err)
	b.Apply(d)
	assert.Equal(t, int64(6580), b.AvailableCents)
	assert.Equal(t, int64(3000), b.ReservedCents)
	assert.Equal(t, int64(3580), b.TotalCents())
}
