package billing

import "context"

// Store persists Subscription and Invoice records keyed by provider identifiers.
// Implementations must serialize writes per natural key so that concurrent
// upserts of the same subscription never lose updates.
type Store interface {
	// UpsertSubscription inserts or replaces the row keyed by ProviderSubscriptionID.
	// The write is skipped (applied=false) when sub.LastEventAt is strictly older than the
	// stored row's LastEventAt. An incomplete sub is also skipped while another row for the
	// same UserEmail is active or past_due, so an abandoned checkout never displaces a paying
	// subscription. Otherwise, when sub is not cancelled, any other non-cancelled row for the
	// same UserEmail is marked cancelled in the same operation.
	// CreatedAt is preserved from an existing row.
	UpsertSubscription(ctx context.Context, sub *Subscription) (applied bool, err error)

	// GetSubscriptionByProviderID returns ErrSubscriptionNotFound when no row matches.
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// GetActiveSubscription returns the caller's single non-cancelled subscription,
	// or ErrSubscriptionNotFound.
	GetActiveSubscription(ctx context.Context, userEmail string) (*Subscription, error)

	// ListSubscriptions returns every subscription for userEmail, newest first.
	ListSubscriptions(ctx context.Context, userEmail string) ([]*Subscription, error)

	// UpdateSubscription atomically reads the row, applies fn and writes it back.
	// If fn returns an error (including ErrStaleEvent) nothing is written and the error
	// is returned. Returns ErrSubscriptionNotFound when no row matches.
	UpdateSubscription(ctx context.Context, providerSubscriptionID string, fn func(*Subscription) error) (*Subscription, error)

	// UpsertInvoice inserts inv unless a row with the same ProviderInvoiceID exists.
	// An existing row is left untouched (written=false), except that a failed row is
	// promoted when inv is paid: status, amount and paid_at are taken from inv.
	UpsertInvoice(ctx context.Context, inv *Invoice) (written bool, err error)

	// GetInvoiceByProviderID returns ErrInvoiceNotFound when no row matches.
	GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*Invoice, error)

	// ListInvoices returns every invoice for userEmail, newest first.
	ListInvoices(ctx context.Context, userEmail string) ([]*Invoice, error)
}
