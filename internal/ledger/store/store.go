// Package store provides ledger persistence: the append-only entries table
// and the cached balances projection.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/ledger/domain"
)

// Store provides ledger data access.
type Store struct {
	db *database.DB
}

// New creates a new ledger store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.db.WithTx(ctx, fn)
}

const balanceColumns = `
	id, provider_id, currency, available_cents, pending_cents, reserved_cents,
	lifetime_volume_cents, lifetime_fees_cents, lifetime_net_cents,
	last_recalculated_at, updated_at, created_at
`

const entryColumns = `
	id, provider_id, customer_id, type, direction, amount_cents, currency,
	source_type, invoice_id, subscription_id, subscription_charge_id,
	payout_id, dispute_id, processor_payment_intent_id, processor_charge_id,
	processor_payout_id, processor_balance_tx_id,
	gross_cents, fee_cents, net_cents,
	effective_at, available_at, pending_until,
	status, is_settled, settled_at, settlement_batch_id,
	running_balance, metadata, created_at
`

// LockBalance fetches the (provider, currency) balance row FOR UPDATE,
// creating it first if it does not exist yet.
func (s *Store) LockBalance(ctx context.Context, tx pgx.Tx, balanceID, providerID, currency string) (*domain.Balance, error) {
	now := time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (
			id, provider_id, currency, available_cents, pending_cents, reserved_cents,
			lifetime_volume_cents, lifetime_fees_cents, lifetime_net_cents,
			updated_at, created_at
		) VALUES ($1, $2, $3, 0, 0, 0, 0, 0, 0, $4, $4)
		ON CONFLICT (provider_id, currency) DO NOTHING
	`, balanceID, providerID, currency, now)
	if err != nil {
		return nil, fmt.Errorf("ensuring balance row: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE provider_id = $1 AND currency = $2
		FOR UPDATE
	`, providerID, currency)
	return scanBalance(row)
}

// UpdateBalance writes back a mutated balance projection.
func (s *Store) UpdateBalance(ctx context.Context, tx pgx.Tx, b *domain.Balance) error {
	_, err := tx.Exec(ctx, `
		UPDATE balances
		SET available_cents = $1, pending_cents = $2, reserved_cents = $3,
			lifetime_volume_cents = $4, lifetime_fees_cents = $5, lifetime_net_cents = $6,
			updated_at = $7
		WHERE id = $8
	`,
		b.AvailableCents, b.PendingCents, b.ReservedCents,
		b.LifetimeVolumeCents, b.LifetimeFeesCents, b.LifetimeNetCents,
		time.Now().UTC(), b.ID,
	)
	if err != nil {
		return fmt.Errorf("updating balance: %w", err)
	}
	return nil
}

// InsertEntry appends a ledger entry. A duplicate
// (processor_payment_intent_id, type) pair maps to ErrAlreadyExists.
func (s *Store) InsertEntry(ctx context.Context, tx pgx.Tx, e *domain.Entry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19, $20,
			$21, $22, $23,
			$24, $25, $26, $27,
			$28, $29, $30
		)
	`,
		e.ID, e.ProviderID, nullStr(e.CustomerID), e.Type, e.Direction, e.AmountCents, e.Currency,
		e.SourceType, nullStr(e.Links.InvoiceID), nullStr(e.Links.SubscriptionID), nullStr(e.Links.SubscriptionChargeID),
		nullStr(e.Links.PayoutID), nullStr(e.Links.DisputeID), nullStr(e.Links.ProcessorPaymentIntentID), nullStr(e.Links.ProcessorChargeID),
		nullStr(e.Links.ProcessorPayoutID), nullStr(e.Links.ProcessorBalanceTxID),
		e.GrossCents, e.FeeCents, e.NetCents,
		e.EffectiveAt, e.AvailableAt, e.PendingUntil,
		e.Status, e.IsSettled, e.SettledAt, nullStr(e.SettlementBatchID),
		e.RunningBalance, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("entry for payment intent %s type %s: %w",
				e.Links.ProcessorPaymentIntentID, e.Type, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

// OverwriteBalance replaces every bucket and lifetime counter of a
// (provider, currency) projection with recomputed values and stamps
// last_recalculated_at, creating the row first when it does not exist.
func (s *Store) OverwriteBalance(ctx context.Context, balanceID, providerID, currency string, recomputed *domain.Balance, at time.Time) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		b, err := s.LockBalance(ctx, tx, balanceID, providerID, currency)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE balances
			SET available_cents = $1, pending_cents = $2, reserved_cents = $3,
				lifetime_volume_cents = $4, lifetime_fees_cents = $5, lifetime_net_cents = $6,
				last_recalculated_at = $7, updated_at = $7
			WHERE id = $8
		`,
			recomputed.AvailableCents, recomputed.PendingCents, recomputed.ReservedCents,
			recomputed.LifetimeVolumeCents, recomputed.LifetimeFeesCents, recomputed.LifetimeNetCents,
			at, b.ID,
		)
		if err != nil {
			return fmt.Errorf("overwriting balance: %w", err)
		}
		return nil
	})
}

// GetBalance retrieves the balance projection for a provider and currency.
func (s *Store) GetBalance(ctx context.Context, providerID, currency string) (*domain.Balance, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE provider_id = $1 AND currency = $2
	`, providerID, currency)
	return scanBalance(row)
}

// ListBalances retrieves all balance rows for a provider.
func (s *Store) ListBalances(ctx context.Context, providerID string) ([]*domain.Balance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		WHERE provider_id = $1
		ORDER BY currency
	`, providerID)
	if err != nil {
		return nil, fmt.Errorf("listing balances: %w", err)
	}
	defer rows.Close()

	var balances []*domain.Balance
	for rows.Next() {
		b, err := scanBalanceRows(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListAllBalances retrieves every balance row on the platform, for the
// payout sweep.
func (s *Store) ListAllBalances(ctx context.Context) ([]*domain.Balance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+balanceColumns+`
		FROM balances
		ORDER BY provider_id, currency
	`)
	if err != nil {
		return nil, fmt.Errorf("listing balances: %w", err)
	}
	defer rows.Close()

	var balances []*domain.Balance
	for rows.Next() {
		b, err := scanBalanceRows(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetEntry retrieves a single entry by ID.
func (s *Store) GetEntry(ctx context.Context, id string) (*domain.Entry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
	`, id)
	return scanEntry(row)
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	Type     *domain.EntryType
	Currency string
	From     *time.Time
	To       *time.Time
}

// ListEntries lists a provider's entries newest-first with pagination.
func (s *Store) ListEntries(ctx context.Context, providerID string, filter EntryFilter, limit, offset int) ([]*domain.Entry, int64, error) {
	where := ` WHERE provider_id = $1`
	args := []interface{}{providerID}
	argIdx := 2

	if filter.Type != nil {
		where += fmt.Sprintf(` AND type = $%d`, argIdx)
		args = append(args, *filter.Type)
		argIdx++
	}
	if filter.Currency != "" {
		where += fmt.Sprintf(` AND currency = $%d`, argIdx)
		args = append(args, filter.Currency)
		argIdx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(` AND effective_at >= $%d`, argIdx)
		args = append(args, *filter.From)
		argIdx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(` AND effective_at <= $%d`, argIdx)
		args = append(args, *filter.To)
		argIdx++
	}

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries` + where +
		fmt.Sprintf(` ORDER BY effective_at DESC, created_at DESC LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	return entries, total, err
}

// ListEntriesByPaymentIntent retrieves all entries linked to a processor
// payment intent.
func (s *Store) ListEntriesByPaymentIntent(ctx context.Context, paymentIntentID string) ([]*domain.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE processor_payment_intent_id = $1
		ORDER BY created_at
	`, paymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("listing entries by payment intent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// StampMetadataByPaymentIntent merges keys into the metadata of every entry
// linked to a processor payment intent. Existing keys are overwritten.
func (s *Store) StampMetadataByPaymentIntent(ctx context.Context, paymentIntentID string, meta map[string]string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE ledger_entries
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $2
		WHERE processor_payment_intent_id = $1
	`, paymentIntentID, meta)
	if err != nil {
		return 0, fmt.Errorf("stamping entry metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPostedEntries streams every posted entry for a provider in replay
// order.
func (s *Store) ListPostedEntries(ctx context.Context, providerID, currency string) ([]*domain.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE provider_id = $1 AND currency = $2 AND status = $3
		ORDER BY effective_at, created_at
	`, providerID, currency, domain.StatusPosted)
	if err != nil {
		return nil, fmt.Errorf("listing posted entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListDueCharges returns unsettled posted charge entries whose available_at
// has passed, oldest first.
func (s *Store) ListDueCharges(ctx context.Context, asOf time.Time, limit int) ([]*domain.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE type = $1 AND status = $2 AND is_settled = FALSE AND available_at <= $3
		ORDER BY available_at, created_at
		LIMIT $4
	`, domain.EntryCharge, domain.StatusPosted, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("listing due charges: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// MarkSettled stamps entries with the settlement batch that matured them.
func (s *Store) MarkSettled(ctx context.Context, tx pgx.Tx, entryIDs []string, batchID string, settledAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_entries
		SET is_settled = TRUE, settled_at = $1, settlement_batch_id = $2
		WHERE id = ANY($3) AND is_settled = FALSE
	`, settledAt, batchID, entryIDs)
	if err != nil {
		return fmt.Errorf("marking entries settled: %w", err)
	}
	if int(tag.RowsAffected()) != len(entryIDs) {
		return fmt.Errorf("marking entries settled: expected %d rows, updated %d: %w",
			len(entryIDs), tag.RowsAffected(), database.ErrConflict)
	}
	return nil
}

// InsertSettlementBatch records the batch row in the same transaction that
// stamps its entries, so no entry ever references a batch that does not
// exist.
func (s *Store) InsertSettlementBatch(ctx context.Context, tx pgx.Tx, batchID, providerID, currency string, entryCount int, totalCents int64, settledAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO settlement_batches (
			id, provider_id, currency, entry_count, total_cents, settled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, batchID, providerID, currency, entryCount, totalCents, settledAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting settlement batch: %w", err)
	}
	return nil
}

// UpdateEntryStatus moves a pending entry to posted or void.
func (s *Store) UpdateEntryStatus(ctx context.Context, tx pgx.Tx, entryID string, from, to domain.EntryStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE ledger_entries
		SET status = $1
		WHERE id = $2 AND status = $3
	`, to, entryID, from)
	if err != nil {
		return fmt.Errorf("updating entry status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entry %s not in status %s: %w", entryID, from, database.ErrConflict)
	}
	return nil
}

// GetEntryForUpdate locks an entry row inside a transaction.
func (s *Store) GetEntryForUpdate(ctx context.Context, tx pgx.Tx, id string) (*domain.Entry, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanEntry(row)
}

// SumRefundedForPaymentIntent returns the total of non-void refund entries
// against a payment intent, counting pending pre-commits.
func (s *Store) SumRefundedForPaymentIntent(ctx context.Context, tx pgx.Tx, paymentIntentID string) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM ledger_entries
		WHERE processor_payment_intent_id = $1 AND type = $2 AND status != $3
	`, paymentIntentID, domain.EntryRefund, domain.StatusVoid).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing refunds: %w", err)
	}
	return total, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func scanBalance(row pgx.Row) (*domain.Balance, error) {
	var b domain.Balance
	err := row.Scan(
		&b.ID, &b.ProviderID, &b.Currency,
		&b.AvailableCents, &b.PendingCents, &b.ReservedCents,
		&b.LifetimeVolumeCents, &b.LifetimeFeesCents, &b.LifetimeNetCents,
		&b.LastRecalculatedAt, &b.UpdatedAt, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning balance: %w", err)
	}
	return &b, nil
}

func scanBalanceRows(rows pgx.Rows) (*domain.Balance, error) {
	var b domain.Balance
	err := rows.Scan(
		&b.ID, &b.ProviderID, &b.Currency,
		&b.AvailableCents, &b.PendingCents, &b.ReservedCents,
		&b.LifetimeVolumeCents, &b.LifetimeFeesCents, &b.LifetimeNetCents,
		&b.LastRecalculatedAt, &b.UpdatedAt, &b.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning balance: %w", err)
	}
	return &b, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	e, err := scanEntryFrom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return e, nil
}

func scanEntries(rows pgx.Rows) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	for rows.Next() {
		e, err := scanEntryFrom(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntryFrom(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	var customerID, invoiceID, subscriptionID, subscriptionChargeID *string
	var payoutID, disputeID, piID, chargeID, processorPayoutID, balanceTxID *string
	var settlementBatchID *string

	err := row.Scan(
		&e.ID, &e.ProviderID, &customerID, &e.Type, &e.Direction, &e.AmountCents, &e.Currency,
		&e.SourceType, &invoiceID, &subscriptionID, &subscriptionChargeID,
		&payoutID, &disputeID, &piID, &chargeID,
		&processorPayoutID, &balanceTxID,
		&e.GrossCents, &e.FeeCents, &e.NetCents,
		&e.EffectiveAt, &e.AvailableAt, &e.PendingUntil,
		&e.Status, &e.IsSettled, &e.SettledAt, &settlementBatchID,
		&e.RunningBalance, &e.Metadata, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning ledger entry: %w", err)
	}

	e.CustomerID = strVal(customerID)
	e.Links = domain.Links{
		InvoiceID:                strVal(invoiceID),
		SubscriptionID:           strVal(subscriptionID),
		SubscriptionChargeID:     strVal(subscriptionChargeID),
		PayoutID:                 strVal(payoutID),
		DisputeID:                strVal(disputeID),
		ProcessorPaymentIntentID: strVal(piID),
		ProcessorChargeID:        strVal(chargeID),
		ProcessorPayoutID:        strVal(processorPayoutID),
		ProcessorBalanceTxID:     strVal(balanceTxID),
	}
	e.SettlementBatchID = strVal(settlementBatchID)
	return &e, nil
}
