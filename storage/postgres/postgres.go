// Package postgres provides a PostgreSQL implementation of the billing.Store interface.
// Upserts are single ON CONFLICT statements; read-modify-write updates use a transaction
// with SELECT FOR UPDATE on the subscription row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Storage implements billing.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies pending migrations when the storage is created
	AutoMigrate bool

	// Logger receives migration output. Optional.
	Logger billing.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const subscriptionColumns = `user_email, plan, status, provider_customer_id, provider_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end, monthly_price, currency,
	last_event_at, created_at, updated_at`

const invoiceColumns = `user_email, subscription_id, invoice_number, provider_invoice_id, amount, currency,
	status, billing_period_start, billing_period_end, paid_at, created_at`

// UpsertSubscription implements billing.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	}()

	if sub.Status == billing.StatusIncomplete {
		var paying bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM subscriptions
				WHERE user_email = $1 AND provider_subscription_id <> $2 AND status IN ($3, $4))`,
			sub.UserEmail, sub.ProviderSubscriptionID,
			string(billing.StatusActive), string(billing.StatusPastDue)).Scan(&paying)
		if err != nil {
			return false, fmt.Errorf("failed to check open subscriptions: %w", err)
		}
		if paying {
			return false, nil
		}
	}

	// Supersede first so the partial unique index on open rows never trips
	if !sub.IsCancelled() {
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $1, updated_at = $2
				WHERE user_email = $3 AND provider_subscription_id <> $4 AND status <> $1`,
			string(billing.StatusCancelled), sub.UpdatedAt, sub.UserEmail, sub.ProviderSubscriptionID)
		if err != nil {
			return false, fmt.Errorf("failed to supersede subscriptions: %w", err)
		}
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO subscriptions (id, `+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (provider_subscription_id) DO UPDATE SET
				user_email = EXCLUDED.user_email,
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				provider_customer_id = EXCLUDED.provider_customer_id,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				monthly_price = EXCLUDED.monthly_price,
				currency = EXCLUDED.currency,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at
			WHERE subscriptions.last_event_at IS NULL
				OR subscriptions.last_event_at <= EXCLUDED.last_event_at
			RETURNING id`,
		append([]any{uuid.New()}, subscriptionArgs(sub)...)...,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Stored row carries a newer event
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetSubscriptionByProviderID implements billing.Store
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`,
		providerSubscriptionID)
	return scanSubscription(row)
}

// GetActiveSubscription implements billing.Store
func (s *Storage) GetActiveSubscription(ctx context.Context, userEmail string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_email = $1 AND status <> $2
			ORDER BY created_at DESC LIMIT 1`,
		userEmail, string(billing.StatusCancelled))
	return scanSubscription(row)
}

// ListSubscriptions implements billing.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userEmail string) ([]*billing.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_email = $1 ORDER BY created_at DESC`,
		userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	out := make([]*billing.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return out, nil
}

// UpdateSubscription implements billing.Store
func (s *Storage) UpdateSubscription(
	ctx context.Context, providerSubscriptionID string, fn func(*billing.Subscription) error,
) (*billing.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	}()

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE provider_subscription_id = $1
			FOR UPDATE`,
		providerSubscriptionID))
	if err != nil {
		return nil, err
	}

	if err := fn(sub); err != nil {
		return nil, err
	}
	// The reconciliation key is immutable
	sub.ProviderSubscriptionID = providerSubscriptionID

	_, err = tx.Exec(ctx,
		`UPDATE subscriptions SET
				user_email = $1, plan = $2, status = $3, provider_customer_id = $4,
				current_period_start = $6, current_period_end = $7, cancel_at_period_end = $8,
				monthly_price = $9, currency = $10, last_event_at = $11, created_at = $12, updated_at = $13
			WHERE provider_subscription_id = $5`,
		subscriptionArgs(sub)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return sub, nil
}

// UpsertInvoice implements billing.Store
func (s *Storage) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ProviderInvoiceID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO invoices (id, `+invoiceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (provider_invoice_id) DO UPDATE SET
				status = EXCLUDED.status,
				amount = EXCLUDED.amount,
				paid_at = EXCLUDED.paid_at
			WHERE invoices.status = $13 AND EXCLUDED.status = $14
			RETURNING id`,
		uuid.New(),
		inv.UserEmail,
		inv.SubscriptionID,
		inv.InvoiceNumber,
		inv.ProviderInvoiceID,
		toNumeric(inv.Amount),
		inv.Currency,
		string(inv.Status),
		nullTime(inv.BillingPeriodStart),
		nullTime(inv.BillingPeriodEnd),
		inv.PaidAt,
		inv.CreatedAt,
		string(billing.InvoiceFailed),
		string(billing.InvoicePaid),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return true, nil
}

// GetInvoiceByProviderID implements billing.Store
func (s *Storage) GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*billing.Invoice, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE provider_invoice_id = $1`,
		providerInvoiceID)
	return scanInvoice(row)
}

// ListInvoices implements billing.Store
func (s *Storage) ListInvoices(ctx context.Context, userEmail string) ([]*billing.Invoice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE user_email = $1 ORDER BY created_at DESC`,
		userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	out := make([]*billing.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	return out, nil
}

// subscriptionArgs returns the column values in subscriptionColumns order
func subscriptionArgs(sub *billing.Subscription) []any {
	return []any{
		sub.UserEmail,
		string(sub.Plan),
		string(sub.Status),
		sub.ProviderCustomerID,
		sub.ProviderSubscriptionID,
		nullTime(sub.CurrentPeriodStart),
		nullTime(sub.CurrentPeriodEnd),
		sub.CancelAtPeriodEnd,
		toNumeric(sub.MonthlyPrice),
		sub.Currency,
		nullTime(sub.LastEventAt),
		sub.CreatedAt,
		sub.UpdatedAt,
	}
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var (
		sub                            billing.Subscription
		plan, status                   string
		periodStart, periodEnd, lastAt *time.Time
		price                          pgtype.Numeric
	)

	err := row.Scan(
		&sub.UserEmail,
		&plan,
		&status,
		&sub.ProviderCustomerID,
		&sub.ProviderSubscriptionID,
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&price,
		&sub.Currency,
		&lastAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}

	sub.Plan = billing.Plan(plan)
	sub.Status = billing.Status(status)
	sub.CurrentPeriodStart = timeOrZero(periodStart)
	sub.CurrentPeriodEnd = timeOrZero(periodEnd)
	sub.LastEventAt = timeOrZero(lastAt)
	sub.MonthlyPrice = fromNumeric(price)
	return &sub, nil
}

func scanInvoice(row pgx.Row) (*billing.Invoice, error) {
	var (
		inv                    billing.Invoice
		status                 string
		periodStart, periodEnd *time.Time
		amount                 pgtype.Numeric
	)

	err := row.Scan(
		&inv.UserEmail,
		&inv.SubscriptionID,
		&inv.InvoiceNumber,
		&inv.ProviderInvoiceID,
		&amount,
		&inv.Currency,
		&status,
		&periodStart,
		&periodEnd,
		&inv.PaidAt,
		&inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}

	inv.Status = billing.InvoiceStatus(status)
	inv.Amount = fromNumeric(amount)
	inv.BillingPeriodStart = timeOrZero(periodStart)
	inv.BillingPeriodEnd = timeOrZero(periodEnd)
	return &inv, nil
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
