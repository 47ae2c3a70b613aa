package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the local lifecycle state of a subscription.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCancelled  Status = "cancelled"
)

// StatusFromProvider maps a provider subscription status onto the local enum.
// Unknown values map to incomplete so that they never grant access.
func StatusFromProvider(providerStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCancelled
	default:
		return StatusIncomplete
	}
}

// InvoiceStatus is the payment outcome recorded for an invoice.
type InvoiceStatus string

const (
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceFailed InvoiceStatus = "failed"
)

// Subscription is the local mirror of a provider subscription.
// ProviderSubscriptionID is immutable once set and keys every webhook-driven update.
type Subscription struct {
	UserEmail              string
	Plan                   Plan
	Status                 Status
	ProviderCustomerID     string
	ProviderSubscriptionID string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	MonthlyPrice           decimal.Decimal
	Currency               string

	// LastEventAt is the ordering token of the last provider event applied to this row.
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCancelled reports whether the subscription has been retired.
func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// IsPaying reports whether the subscription has been activated and not yet retired.
func (s *Subscription) IsPaying() bool {
	return s.Status == StatusActive || s.Status == StatusPastDue
}

// Clone returns a copy that shares no mutable state with s.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Invoice is an append-only record of a provider invoice outcome.
type Invoice struct {
	UserEmail          string
	SubscriptionID     string
	InvoiceNumber      string
	ProviderInvoiceID  string
	Amount             decimal.Decimal
	Currency           string
	Status             InvoiceStatus
	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time
	PaidAt             *time.Time
	CreatedAt          time.Time
}

// Clone returns a copy that shares no mutable state with inv.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	c := *inv
	if inv.PaidAt != nil {
		paidAt := *inv.PaidAt
		c.PaidAt = &paidAt
	}
	return &c
}

// Caller is the authenticated identity on whose behalf a command runs.
type Caller struct {
	Email string
}

// Authenticated reports whether the caller carries a resolved identity.
func (c Caller) Authenticated() bool {
	return strings.TrimSpace(c.Email) != ""
}

// NormalizeEmail lower-cases and trims an email used as a natural key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
