package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventVerifier authenticates a raw webhook delivery and decodes it.
// Verify must check the signature before reading any payload field and
// return an error wrapping ErrInvalidSignature on failure.
type EventVerifier interface {
	Verify(payload []byte, signature string) (*Event, error)
}

// Event is a verified provider event.
type Event struct {
	ID   string
	Type string

	// OccurredAt is the provider's creation time for the event, used as the ordering token.
	OccurredAt time.Time

	Payload EventPayload
}

// EventPayload is the closed set of event variants the processor understands.
// Only types in this package implement it.
type EventPayload interface {
	eventPayload()
}

// SubscriptionChanged carries the full state of a created or updated subscription.
type SubscriptionChanged struct {
	Subscription SubscriptionSnapshot
}

// SubscriptionDeleted reports a subscription that has ended at the provider.
type SubscriptionDeleted struct {
	ProviderSubscriptionID string
}

// InvoiceSettled carries a paid invoice.
type InvoiceSettled struct {
	Invoice InvoiceSnapshot
}

// InvoicePaymentFailed carries an invoice whose payment attempt failed.
type InvoicePaymentFailed struct {
	Invoice InvoiceSnapshot
}

// Ignored is any event type the processor deliberately acknowledges without effect.
type Ignored struct{}

func (SubscriptionChanged) eventPayload()  {}
func (SubscriptionDeleted) eventPayload()  {}
func (InvoiceSettled) eventPayload()       {}
func (InvoicePaymentFailed) eventPayload() {}
func (Ignored) eventPayload()              {}

// InvoiceSnapshot is the provider-reported state of an invoice.
type InvoiceSnapshot struct {
	ProviderInvoiceID      string
	ProviderSubscriptionID string
	InvoiceNumber          string
	CustomerEmail          string
	Amount                 decimal.Decimal
	Currency               string
	PeriodStart            time.Time
	PeriodEnd              time.Time
	PaidAt                 *time.Time
}

// AppliedEvent describes a webhook-driven mutation that was committed to the store.
type AppliedEvent struct {
	EventID                string
	EventType              string
	EventTimestamp         time.Time
	Provider               string
	UserEmail              string
	ProviderSubscriptionID string
	ProviderInvoiceID      string

	// PreviousStatus is empty when the subscription row was created by this event.
	PreviousStatus Status
	NewStatus      Status
	Plan           Plan
}

// Publisher receives applied mutations. Failures are logged by the caller and never
// fail the webhook delivery.
type Publisher interface {
	Publish(ctx context.Context, event AppliedEvent) error
}
