package charge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
)

// PGStore persists invoices, subscriptions, subscription charges, and
// terminal payments.
type PGStore struct {
	db *database.DB
}

// NewStore creates a charge store.
func NewStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

const invoiceColumns = `
	id, provider_id, customer_id, number, status,
	amount_due_cents, amount_paid_cents, currency, description,
	fee_override_percent, payment_lock, payment_lock_at,
	ledger_entry_id, processor_payment_intent_id, paid_at,
	created_at, updated_at
`

// CreateInvoice inserts a new open invoice.
func (s *PGStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		inv.ID, inv.ProviderID, inv.CustomerID, inv.Number, inv.Status,
		inv.AmountDueCents, inv.AmountPaidCents, inv.Currency, nullStr(inv.Description),
		inv.FeeOverridePercent, inv.PaymentLock, inv.PaymentLockAt,
		nullStr(inv.LedgerEntryID), nullStr(inv.ProcessorPaymentIntentID), inv.PaidAt,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("invoice %s: %w", inv.Number, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating invoice: %w", err)
	}
	return nil
}

// GetInvoice retrieves an invoice scoped to its provider.
func (s *PGStore) GetInvoice(ctx context.Context, providerID, id string) (*Invoice, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE provider_id = $1 AND id = $2
	`, providerID, id)
	return scanInvoice(row)
}

// AcquirePaymentLock takes the invoice payment lock iff it is free or older
// than ttl. Returns false when someone else holds a fresh lock.
func (s *PGStore) AcquirePaymentLock(ctx context.Context, invoiceID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET payment_lock = TRUE, payment_lock_at = $1, updated_at = $1
		WHERE id = $2
		  AND (payment_lock = FALSE OR payment_lock_at IS NULL OR payment_lock_at < $3)
	`, now, invoiceID, now.Add(-ttl))
	if err != nil {
		return false, fmt.Errorf("acquiring payment lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleasePaymentLock frees the invoice payment lock.
func (s *PGStore) ReleasePaymentLock(ctx context.Context, invoiceID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET payment_lock = FALSE, payment_lock_at = NULL, updated_at = $1
		WHERE id = $2
	`, time.Now().UTC(), invoiceID)
	if err != nil {
		return fmt.Errorf("releasing payment lock: %w", err)
	}
	return nil
}

// MarkInvoicePaid records a successful payment on the invoice.
func (s *PGStore) MarkInvoicePaid(ctx context.Context, invoiceID string, amountPaid int64, ledgerEntryID, paymentIntentID string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE invoices
		SET status = $1, amount_paid_cents = $2, ledger_entry_id = $3,
			processor_payment_intent_id = $4, paid_at = $5, updated_at = $5
		WHERE id = $6 AND status = $7
	`, InvoicePaid, amountPaid, ledgerEntryID, paymentIntentID, now, invoiceID, InvoiceOpen)
	if err != nil {
		return fmt.Errorf("marking invoice paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invoice %s is not open: %w", invoiceID, database.ErrConflict)
	}
	return nil
}

const subscriptionColumns = `
	id, provider_id, customer_id, plan_name, status, frequency,
	price_cents, currency, fee_override_percent,
	cycle_count, next_billing_date, last_charge_status,
	canceled_at, created_at, updated_at
`

// CreateSubscription inserts a new active subscription.
func (s *PGStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		sub.ID, sub.ProviderID, sub.CustomerID, sub.PlanName, sub.Status, sub.Frequency,
		sub.PriceCents, sub.Currency, sub.FeeOverridePercent,
		sub.CycleCount, sub.NextBillingDate, nullStr(string(sub.LastChargeStatus)),
		sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription scoped to its provider.
func (s *PGStore) GetSubscription(ctx context.Context, providerID, id string) (*Subscription, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE provider_id = $1 AND id = $2
	`, providerID, id)
	return scanSubscription(row)
}

// UpdateSubscriptionBilling writes back the post-charge billing state.
func (s *PGStore) UpdateSubscriptionBilling(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, cycle_count = $2, next_billing_date = $3,
			last_charge_status = $4, updated_at = $5
		WHERE id = $6
	`, sub.Status, sub.CycleCount, sub.NextBillingDate,
		nullStr(string(sub.LastChargeStatus)), time.Now().UTC(), sub.ID)
	if err != nil {
		return fmt.Errorf("updating subscription billing state: %w", err)
	}
	return nil
}

// CancelSubscription marks a subscription canceled.
func (s *PGStore) CancelSubscription(ctx context.Context, providerID, id string) error {
	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, canceled_at = $2, updated_at = $2
		WHERE provider_id = $3 AND id = $4 AND status != $1
	`, SubscriptionCanceled, now, providerID, id)
	if err != nil {
		return fmt.Errorf("canceling subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CreateSubscriptionCharge inserts the per-cycle billing artifact.
func (s *PGStore) CreateSubscriptionCharge(ctx context.Context, sc *SubscriptionCharge) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscription_charges (
			id, subscription_id, provider_id, customer_id, cycle,
			amount_cents, currency, status, failure_reason,
			ledger_entry_id, processor_payment_intent_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		sc.ID, sc.SubscriptionID, sc.ProviderID, sc.CustomerID, sc.Cycle,
		sc.AmountCents, sc.Currency, sc.Status, nullStr(sc.FailureReason),
		nullStr(sc.LedgerEntryID), nullStr(sc.ProcessorPaymentIntentID), sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating subscription charge: %w", err)
	}
	return nil
}

// GetSubscriptionCharge retrieves a billing artifact scoped to its provider.
func (s *PGStore) GetSubscriptionCharge(ctx context.Context, providerID, id string) (*SubscriptionCharge, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, subscription_id, provider_id, customer_id, cycle,
			   amount_cents, currency, status, failure_reason,
			   ledger_entry_id, processor_payment_intent_id, created_at
		FROM subscription_charges
		WHERE provider_id = $1 AND id = $2
	`, providerID, id)

	var sc SubscriptionCharge
	var failureReason, ledgerEntryID, piID *string
	err := row.Scan(
		&sc.ID, &sc.SubscriptionID, &sc.ProviderID, &sc.CustomerID, &sc.Cycle,
		&sc.AmountCents, &sc.Currency, &sc.Status, &failureReason,
		&ledgerEntryID, &piID, &sc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning subscription charge: %w", err)
	}
	sc.FailureReason = strVal(failureReason)
	sc.LedgerEntryID = strVal(ledgerEntryID)
	sc.ProcessorPaymentIntentID = strVal(piID)
	return &sc, nil
}

const terminalColumns = `
	id, session_id, provider_id, customer_id, status,
	amount_cents, currency, description, fee_override_percent,
	invoice_id, subscription_id,
	ledger_entry_id, processor_payment_intent_id, failure_reason,
	authorized_at, captured_at, created_at, updated_at
`

// CreateTerminalPayment inserts a new terminal session.
func (s *PGStore) CreateTerminalPayment(ctx context.Context, tp *TerminalPayment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO terminal_payments (`+terminalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		tp.ID, tp.SessionID, tp.ProviderID, nullStr(tp.CustomerID), tp.Status,
		tp.AmountCents, tp.Currency, nullStr(tp.Description), tp.FeeOverridePercent,
		nullStr(tp.InvoiceID), nullStr(tp.SubscriptionID),
		nullStr(tp.LedgerEntryID), nullStr(tp.ProcessorPaymentIntentID), nullStr(tp.FailureReason),
		tp.AuthorizedAt, tp.CapturedAt, tp.CreatedAt, tp.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("terminal session %s: %w", tp.SessionID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating terminal payment: %w", err)
	}
	return nil
}

// GetTerminalBySession retrieves a terminal payment by its session ID.
func (s *PGStore) GetTerminalBySession(ctx context.Context, providerID, sessionID string) (*TerminalPayment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+terminalColumns+`
		FROM terminal_payments
		WHERE provider_id = $1 AND session_id = $2
	`, providerID, sessionID)
	return scanTerminal(row)
}

// UpdateTerminalPayment writes back a session's state transition. The
// expected prior status guards against racing transitions.
func (s *PGStore) UpdateTerminalPayment(ctx context.Context, tp *TerminalPayment, expected TerminalStatus) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE terminal_payments
		SET status = $1, ledger_entry_id = $2, processor_payment_intent_id = $3,
			failure_reason = $4, authorized_at = $5, captured_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9
	`,
		tp.Status, nullStr(tp.LedgerEntryID), nullStr(tp.ProcessorPaymentIntentID),
		nullStr(tp.FailureReason), tp.AuthorizedAt, tp.CapturedAt, time.Now().UTC(),
		tp.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("updating terminal payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("terminal payment %s not in status %s: %w", tp.ID, expected, database.ErrConflict)
	}
	return nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var description, ledgerEntryID, piID *string
	err := row.Scan(
		&inv.ID, &inv.ProviderID, &inv.CustomerID, &inv.Number, &inv.Status,
		&inv.AmountDueCents, &inv.AmountPaidCents, &inv.Currency, &description,
		&inv.FeeOverridePercent, &inv.PaymentLock, &inv.PaymentLockAt,
		&ledgerEntryID, &piID, &inv.PaidAt,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning invoice: %w", err)
	}
	inv.Description = strVal(description)
	inv.LedgerEntryID = strVal(ledgerEntryID)
	inv.ProcessorPaymentIntentID = strVal(piID)
	return &inv, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var lastStatus *string
	err := row.Scan(
		&sub.ID, &sub.ProviderID, &sub.CustomerID, &sub.PlanName, &sub.Status, &sub.Frequency,
		&sub.PriceCents, &sub.Currency, &sub.FeeOverridePercent,
		&sub.CycleCount, &sub.NextBillingDate, &lastStatus,
		&sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning subscription: %w", err)
	}
	sub.LastChargeStatus = ChargeOutcome(strVal(lastStatus))
	return &sub, nil
}

func scanTerminal(row pgx.Row) (*TerminalPayment, error) {
	var tp TerminalPayment
	var customerID, description, invoiceID, subscriptionID *string
	var ledgerEntryID, piID, failureReason *string
	err := row.Scan(
		&tp.ID, &tp.SessionID, &tp.ProviderID, &customerID, &tp.Status,
		&tp.AmountCents, &tp.Currency, &description, &tp.FeeOverridePercent,
		&invoiceID, &subscriptionID,
		&ledgerEntryID, &piID, &failureReason,
		&tp.AuthorizedAt, &tp.CapturedAt, &tp.CreatedAt, &tp.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning terminal payment: %w", err)
	}
	tp.CustomerID = strVal(customerID)
	tp.Description = strVal(description)
	tp.InvoiceID = strVal(invoiceID)
	tp.SubscriptionID = strVal(subscriptionID)
	tp.LedgerEntryID = strVal(ledgerEntryID)
	tp.ProcessorPaymentIntentID = strVal(piID)
	tp.FailureReason = strVal(failureReason)
	return &tp, nil
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
