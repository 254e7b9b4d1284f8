// Package ledger is the money engine's source of truth. Every financial
// effect is an append-only entry; the balances table is a cached projection
// updated in the same transaction that appends the entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/core"
	"paycore/internal/ledger/domain"
	"paycore/internal/ledger/store"
)

// Service posts entries and maintains the balance projection.
type Service struct {
	store          *store.Store
	settlementDays int
	logger         *slog.Logger
}

// New creates a ledger service. settlementDays is the maturity window for
// charge credits.
func New(st *store.Store, settlementDays int, logger *slog.Logger) *Service {
	return &Service{
		store:          st,
		settlementDays: settlementDays,
		logger:         logger,
	}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() *store.Store {
	return s.store
}

// SettlementDays returns the configured maturity window.
func (s *Service) SettlementDays() int {
	return s.settlementDays
}

// AvailableAt computes when a charge posted at t matures.
func (s *Service) AvailableAt(t time.Time) time.Time {
	return t.Add(time.Duration(s.settlementDays) * 24 * time.Hour)
}

// ChargeParams describes a successful charge to record.
type ChargeParams struct {
	ProviderID string
	CustomerID string
	Currency   string
	Fees       money.FeeBreakdown
	SourceType domain.SourceType
	Links      domain.Links
	Metadata   map[string]string
}

// RecordCharge appends the charge credit for a succeeded payment. The net
// amount lands in pending and matures after the settlement window. A repeat
// for the same payment intent returns a conflict.
func (s *Service) RecordCharge(ctx context.Context, p ChargeParams) (*domain.Entry, error) {
	now := time.Now().UTC()
	availableAt := s.AvailableAt(now)

	e := &domain.Entry{
		ID:           newEntryID(),
		ProviderID:   p.ProviderID,
		CustomerID:   p.CustomerID,
		Type:         domain.EntryCharge,
		Direction:    domain.DirectionCredit,
		AmountCents:  p.Fees.NetCents,
		Currency:     money.NormalizeCurrency(p.Currency),
		SourceType:   p.SourceType,
		Links:        p.Links,
		GrossCents:   p.Fees.GrossCents,
		FeeCents:     p.Fees.TotalFeeCents,
		NetCents:     p.Fees.NetCents,
		EffectiveAt:  now,
		AvailableAt:  availableAt,
		PendingUntil: &availableAt,
		Status:       domain.StatusPosted,
		Metadata:     p.Metadata,
		CreatedAt:    now,
	}
	if err := s.post(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RefundParams describes a refund to pre-commit. When MaxTotalRefundCents is
// set, the running total of non-void refunds against the linked payment
// intent (this one included) may not exceed it.
type RefundParams struct {
	ProviderID          string
	CustomerID          string
	Currency            string
	AmountCents         int64
	SourceType          domain.SourceType
	Links               domain.Links
	Bucket              string
	MaxTotalRefundCents int64
	Metadata            map[string]string
}

// PreCommitRefund appends a refund entry in status pending, before the
// processor call. It has no balance effect until finalized; voiding it on
// processor failure leaves the projection untouched.
func (s *Service) PreCommitRefund(ctx context.Context, p RefundParams) (*domain.Entry, error) {
	now := time.Now().UTC()

	meta := map[string]string{}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	bucket := p.Bucket
	if bucket != domain.BucketPending {
		bucket = domain.BucketAvailable
	}
	meta[domain.MetaBucket] = bucket

	e := &domain.Entry{
		ID:          newEntryID(),
		ProviderID:  p.ProviderID,
		CustomerID:  p.CustomerID,
		Type:        domain.EntryRefund,
		Direction:   domain.DirectionDebit,
		AmountCents: p.AmountCents,
		Currency:    money.NormalizeCurrency(p.Currency),
		SourceType:  p.SourceType,
		Links:       p.Links,
		EffectiveAt: now,
		AvailableAt: now,
		Status:      domain.StatusPending,
		Metadata:    meta,
		CreatedAt:   now,
	}
	if err := e.Validate(); err != nil {
		return nil, core.Validation("invalid_entry", err.Error())
	}

	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		b, lockErr := s.store.LockBalance(ctx, tx, newBalanceID(), e.ProviderID, e.Currency)
		if lockErr != nil {
			return lockErr
		}

		if p.MaxTotalRefundCents > 0 && e.Links.ProcessorPaymentIntentID != "" {
			refunded, sumErr := s.store.SumRefundedForPaymentIntent(ctx, tx, e.Links.ProcessorPaymentIntentID)
			if sumErr != nil {
				return sumErr
			}
			if refunded+e.AmountCents > p.MaxTotalRefundCents {
				return core.Conflict("refund_exceeds_remaining",
					fmt.Sprintf("refund of %d exceeds the %d still refundable",
						e.AmountCents, p.MaxTotalRefundCents-refunded))
			}
		}

		e.RunningBalance = b.TotalCents()
		return s.store.InsertEntry(ctx, tx, e)
	})
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	return e, nil
}

// EntriesByPaymentIntent returns every entry linked to a processor payment
// intent, oldest first.
func (s *Service) EntriesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*domain.Entry, error) {
	entries, err := s.store.ListEntriesByPaymentIntent(ctx, paymentIntentID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "entries_lookup_failed", "could not list ledger entries", err)
	}
	return entries, nil
}

// StampMetadata merges keys into the metadata of every entry linked to a
// processor payment intent and reports how many entries were touched.
func (s *Service) StampMetadata(ctx context.Context, paymentIntentID string, meta map[string]string) (int64, error) {
	n, err := s.store.StampMetadataByPaymentIntent(ctx, paymentIntentID, meta)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "metadata_stamp_failed", "could not stamp entry metadata", err)
	}
	return n, nil
}

// FinalizeRefund moves a pending refund to posted and applies its balance
// effect.
func (s *Service) FinalizeRefund(ctx context.Context, entryID string) (*domain.Entry, error) {
	var finalized *domain.Entry
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		e, err := s.store.GetEntryForUpdate(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if e.Status != domain.StatusPending {
			return fmt.Errorf("refund %s is %s: %w", entryID, e.Status, database.ErrConflict)
		}

		b, err := s.store.LockBalance(ctx, tx, newBalanceID(), e.ProviderID, e.Currency)
		if err != nil {
			return err
		}

		d, err := domain.PostDelta(e)
		if err != nil {
			return err
		}
		b.Apply(d)

		if err := s.store.UpdateBalance(ctx, tx, b); err != nil {
			return err
		}
		if err := s.store.UpdateEntryStatus(ctx, tx, entryID, domain.StatusPending, domain.StatusPosted); err != nil {
			return err
		}
		e.Status = domain.StatusPosted
		e.RunningBalance = b.TotalCents()
		finalized = e
		return nil
	})
	if err != nil {
		return nil, classifyStoreErr(err)
	}
	return finalized, nil
}

// VoidRefund cancels a pending refund after a processor failure.
func (s *Service) VoidRefund(ctx context.Context, entryID string) error {
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		return s.store.UpdateEntryStatus(ctx, tx, entryID, domain.StatusPending, domain.StatusVoid)
	})
	return classifyStoreErr(err)
}

// DebitParams describes a payout, reversal, dispute, or adjustment entry.
type DebitParams struct {
	ProviderID  string
	Currency    string
	AmountCents int64
	SourceType  domain.SourceType
	Links       domain.Links
	Metadata    map[string]string
}

// RecordPayout debits available funds for a payout. It fails with a blocked
// error when available funds do not cover the amount, checked under the same
// row lock that applies the debit.
func (s *Service) RecordPayout(ctx context.Context, p DebitParams) (*domain.Entry, error) {
	e := s.buildEntry(domain.EntryPayout, domain.DirectionDebit, p)
	err := s.postGuarded(ctx, e, true)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// RecordPayoutReversal credits funds back after a failed payout.
func (s *Service) RecordPayoutReversal(ctx context.Context, p DebitParams) (*domain.Entry, error) {
	e := s.buildEntry(domain.EntryPayoutReversal, domain.DirectionCredit, p)
	if err := s.post(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordDisputeOpened moves disputed funds from available into reserve.
// Available may go negative; the reserve must be held regardless.
func (s *Service) RecordDisputeOpened(ctx context.Context, p DebitParams) (*domain.Entry, error) {
	e := s.buildEntry(domain.EntryDisputeOpened, domain.DirectionDebit, p)
	if err := s.post(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordDisputeWon releases a dispute reserve back to available.
func (s *Service) RecordDisputeWon(ctx context.Context, p DebitParams) (*domain.Entry, error) {
	e := s.buildEntry(domain.EntryDisputeWon, domain.DirectionCredit, p)
	if err := s.post(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordDisputeLost consumes a dispute reserve; the money is gone.
func (s *Service) RecordDisputeLost(ctx context.Context, p DebitParams) (*domain.Entry, error) {
	e := s.buildEntry(domain.EntryDisputeLost, domain.DirectionDebit, p)
	if err := s.post(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RecordAdjustment posts a manual adjustment in either direction.
func (s *Service) RecordAdjustment(ctx context.Context, p DebitParams, direction domain.Direction) (*domain.Entry, error) {
	e := s.buildEntry(domain.EntryAdjustment, direction, p)
	if err := s.post(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// SettleCharges matures a group of charge entries for one (provider,
// currency): pending decreases, available increases, the entries are stamped
// with the batch, and the batch row is written, all in one transaction.
func (s *Service) SettleCharges(ctx context.Context, providerID, currency, batchID string, entryIDs []string, totalCents int64, settledAt time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := s.store.LockBalance(ctx, tx, newBalanceID(), providerID, currency)
		if err != nil {
			return err
		}
		b.Apply(domain.SettleDelta(totalCents))
		if err := s.store.UpdateBalance(ctx, tx, b); err != nil {
			return err
		}
		if err := s.store.MarkSettled(ctx, tx, entryIDs, batchID, settledAt); err != nil {
			return err
		}
		return s.store.InsertSettlementBatch(ctx, tx, batchID, providerID, currency, len(entryIDs), totalCents, settledAt)
	})
	return classifyStoreErr(err)
}

// DueCharges returns posted, unsettled charge entries whose maturity date
// has passed, oldest first.
func (s *Service) DueCharges(ctx context.Context, asOf time.Time, limit int) ([]*domain.Entry, error) {
	entries, err := s.store.ListDueCharges(ctx, asOf, limit)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "due_charges_lookup_failed", "could not list due charges", err)
	}
	return entries, nil
}

// GetBalance returns the projection for a provider and currency, zero-valued
// when no money has moved yet.
func (s *Service) GetBalance(ctx context.Context, providerID, currency string) (*domain.Balance, error) {
	b, err := s.store.GetBalance(ctx, providerID, money.NormalizeCurrency(currency))
	if err != nil {
		if database.IsNotFound(err) {
			now := time.Now().UTC()
			return &domain.Balance{
				ProviderID: providerID,
				Currency:   money.NormalizeCurrency(currency),
				UpdatedAt:  now,
				CreatedAt:  now,
			}, nil
		}
		return nil, core.Wrap(core.KindInternal, "balance_lookup_failed", "could not load balance", err)
	}
	return b, nil
}

// PostedEntries returns every posted entry for a provider and currency in
// replay order.
func (s *Service) PostedEntries(ctx context.Context, providerID, currency string) ([]*domain.Entry, error) {
	entries, err := s.store.ListPostedEntries(ctx, providerID, money.NormalizeCurrency(currency))
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "entries_lookup_failed", "could not list posted entries", err)
	}
	return entries, nil
}

// OverwriteProjection replaces a balance projection with recomputed values
// and stamps last_recalculated_at.
func (s *Service) OverwriteProjection(ctx context.Context, providerID, currency string, recomputed *domain.Balance, at time.Time) error {
	err := s.store.OverwriteBalance(ctx, newBalanceID(), providerID, money.NormalizeCurrency(currency), recomputed, at)
	if err != nil {
		return core.Wrap(core.KindInternal, "balance_overwrite_failed", "could not overwrite balance", err)
	}
	return nil
}

// AllBalances returns every balance projection on the platform.
func (s *Service) AllBalances(ctx context.Context) ([]*domain.Balance, error) {
	balances, err := s.store.ListAllBalances(ctx)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "balance_lookup_failed", "could not list balances", err)
	}
	return balances, nil
}

// ListEntries returns a provider's entries newest-first.
func (s *Service) ListEntries(ctx context.Context, providerID string, filter store.EntryFilter, limit, offset int) ([]*domain.Entry, int64, error) {
	entries, total, err := s.store.ListEntries(ctx, providerID, filter, limit, offset)
	if err != nil {
		return nil, 0, core.Wrap(core.KindInternal, "entries_lookup_failed", "could not list ledger entries", err)
	}
	return entries, total, nil
}

// BucketFor reports which bucket a charge's funds sit in at a point in
// time, deciding where a refund against it is taken from.
func BucketFor(charge *domain.Entry, now time.Time) string {
	if charge.IsSettled || !charge.AvailableAt.After(now) {
		return domain.BucketAvailable
	}
	return domain.BucketPending
}

func (s *Service) buildEntry(t domain.EntryType, dir domain.Direction, p DebitParams) *domain.Entry {
	now := time.Now().UTC()
	return &domain.Entry{
		ID:          newEntryID(),
		ProviderID:  p.ProviderID,
		Type:        t,
		Direction:   dir,
		AmountCents: p.AmountCents,
		Currency:    money.NormalizeCurrency(p.Currency),
		SourceType:  p.SourceType,
		Links:       p.Links,
		EffectiveAt: now,
		AvailableAt: now,
		Status:      domain.StatusPosted,
		Metadata:    p.Metadata,
		CreatedAt:   now,
	}
}

func (s *Service) post(ctx context.Context, e *domain.Entry) error {
	return s.postGuarded(ctx, e, false)
}

// postGuarded appends a posted entry and applies its delta under the balance
// row lock. With requireAvailable it refuses debits that available funds do
// not cover.
func (s *Service) postGuarded(ctx context.Context, e *domain.Entry, requireAvailable bool) error {
	if err := e.Validate(); err != nil {
		return core.Validation("invalid_entry", err.Error())
	}

	d, err := domain.PostDelta(e)
	if err != nil {
		return core.Validation("invalid_entry", err.Error())
	}

	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		b, lockErr := s.store.LockBalance(ctx, tx, newBalanceID(), e.ProviderID, e.Currency)
		if lockErr != nil {
			return lockErr
		}

		if requireAvailable && b.AvailableCents+d.Available < 0 {
			return core.Blocked("insufficient_funds",
				fmt.Sprintf("available balance %d does not cover %d", b.AvailableCents, e.AmountCents))
		}

		b.Apply(d)
		e.RunningBalance = b.TotalCents()

		if insErr := s.store.InsertEntry(ctx, tx, e); insErr != nil {
			return insErr
		}
		return s.store.UpdateBalance(ctx, tx, b)
	})
	if err != nil {
		return classifyStoreErr(err)
	}

	s.logger.Info("ledger entry posted",
		"entry_id", e.ID,
		"provider_id", e.ProviderID,
		"type", e.Type,
		"amount_cents", e.AmountCents,
		"currency", e.Currency,
		"running_balance", e.RunningBalance,
	)
	return nil
}

func classifyStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrAlreadyExists):
		return core.Wrap(core.KindConflict, "duplicate_entry", "an entry for this payment already exists", err)
	case errors.Is(err, database.ErrConflict):
		return core.Wrap(core.KindConflict, "entry_conflict", "the entry is not in the expected state", err)
	case database.IsNotFound(err):
		return core.Wrap(core.KindNotFound, "entry_not_found", "ledger entry not found", err)
	case core.KindOf(err) != core.KindInternal:
		return err
	default:
		return core.Wrap(core.KindInternal, "ledger_write_failed", "ledger write failed", err)
	}
}

func newEntryID() string {
	return "le_" + ulid.Make().String()
}

func newBalanceID() string {
	return "bal_" + ulid.Make().String()
}
