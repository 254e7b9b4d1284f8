// Package audit rebuilds balance projections from the ledger and reports
// drift. The projection is a cache; the replay over posted entries is the
// canonical value.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"paycore/internal/core"
	"paycore/internal/ledger/domain"
)

// Ledger is the slice of the ledger service the auditor reads and, in
// persist mode, overwrites.
type Ledger interface {
	PostedEntries(ctx context.Context, providerID, currency string) ([]*domain.Entry, error)
	GetBalance(ctx context.Context, providerID, currency string) (*domain.Balance, error)
	OverwriteProjection(ctx context.Context, providerID, currency string, recomputed *domain.Balance, at time.Time) error
}

// Auditor recomputes balance projections.
type Auditor struct {
	ledger Ledger
	logger *slog.Logger
}

// New creates an auditor.
func New(ldg Ledger, logger *slog.Logger) *Auditor {
	return &Auditor{ledger: ldg, logger: logger}
}

// FieldDiff is one projection field that drifted from its replayed value.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// Report is the outcome of one recompute.
type Report struct {
	ProviderID string `json:"provider_id"`
	Currency   string `json:"currency"`
	EntryCount int    `json:"entry_count"`

	Expected *domain.Balance `json:"expected"`
	Actual   *domain.Balance `json:"actual"`

	Diffs     []FieldDiff `json:"diffs,omitempty"`
	InSync    bool        `json:"in_sync"`
	Persisted bool        `json:"persisted"`

	RecomputedAt time.Time `json:"recomputed_at"`
}

// Recompute replays every posted entry for a provider and currency in
// (effective_at, created_at) order, simulating settlement maturity from
// available_at, and compares the result to the live projection. In persist
// mode the projection is overwritten with the replayed values.
func (a *Auditor) Recompute(ctx context.Context, providerID, currency string, persist bool) (*Report, error) {
	if providerID == "" {
		return nil, core.Validation("missing_provider", "a provider id is required")
	}
	now := time.Now().UTC()

	entries, err := a.ledger.PostedEntries(ctx, providerID, currency)
	if err != nil {
		return nil, err
	}

	expected := &domain.Balance{ProviderID: providerID, Currency: currency}
	for _, e := range entries {
		d, err := domain.ReplayDelta(e, now)
		if err != nil {
			return nil, core.Wrap(core.KindInternal, "replay_failed",
				fmt.Sprintf("replaying entry %s", e.ID), err)
		}
		expected.Apply(d)
	}

	actual, err := a.ledger.GetBalance(ctx, providerID, currency)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ProviderID:   providerID,
		Currency:     currency,
		EntryCount:   len(entries),
		Expected:     expected,
		Actual:       actual,
		Diffs:        diff(expected, actual),
		RecomputedAt: now,
	}
	report.InSync = len(report.Diffs) == 0

	if !report.InSync {
		a.logger.Warn("balance projection drifted",
			"provider_id", providerID,
			"currency", currency,
			"diffs", len(report.Diffs),
		)
	}

	if persist {
		if err := a.ledger.OverwriteProjection(ctx, providerID, currency, expected, now); err != nil {
			return nil, err
		}
		report.Persisted = true
		a.logger.Info("balance projection recomputed",
			"provider_id", providerID,
			"currency", currency,
			"entries", len(entries),
			"in_sync", report.InSync,
		)
	}
	return report, nil
}

func diff(expected, actual *domain.Balance) []FieldDiff {
	fields := []struct {
		name     string
		exp, act int64
	}{
		{"available_cents", expected.AvailableCents, actual.AvailableCents},
		{"pending_cents", expected.PendingCents, actual.PendingCents},
		{"reserved_cents", expected.ReservedCents, actual.ReservedCents},
		{"lifetime_volume_cents", expected.LifetimeVolumeCents, actual.LifetimeVolumeCents},
		{"lifetime_fees_cents", expected.LifetimeFeesCents, actual.LifetimeFeesCents},
		{"lifetime_net_cents", expected.LifetimeNetCents, actual.LifetimeNetCents},
	}

	var diffs []FieldDiff
	for _, f := range fields {
		if f.exp != f.act {
			diffs = append(diffs, FieldDiff{Field: f.name, Expected: f.exp, Actual: f.act})
		}
	}
	return diffs
}
