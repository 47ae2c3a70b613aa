package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway is the thin client over the payment provider's API.
// Implementations bound every call with a timeout and report failures wrapped in ErrUpstream.
type Gateway interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// CreateCheckoutSession opens a subscription-mode hosted checkout and returns its URL.
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error)

	// RetrieveSubscription fetches the provider's current view of a subscription.
	RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*SubscriptionSnapshot, error)

	// SetCancelAtPeriodEnd toggles the cancel-at-period-end flag on the provider subscription.
	SetCancelAtPeriodEnd(ctx context.Context, providerSubscriptionID string, cancel bool) (*SubscriptionSnapshot, error)

	// ChangePlan replaces the subscription's line item price and requests proration.
	ChangePlan(ctx context.Context, providerSubscriptionID string, plan Plan, priceID string) (*SubscriptionSnapshot, error)

	// RetrieveCustomer fetches a provider customer.
	RetrieveCustomer(ctx context.Context, providerCustomerID string) (*Customer, error)
}

// CheckoutSessionRequest carries the parameters of a hosted checkout session.
type CheckoutSessionRequest struct {
	PriceID       string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string

	// Metadata is attached to both the session and the subscription it creates,
	// so the webhook can attribute the subscription to the caller.
	Metadata map[string]string
}

// SubscriptionSnapshot is the full provider-reported state of a subscription.
// The webhook reducer treats it as the new state, never as a delta.
type SubscriptionSnapshot struct {
	ProviderSubscriptionID string
	ProviderCustomerID     string
	CustomerEmail          string
	ProviderStatus         string
	PriceID                string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
	MonthlyPrice           decimal.Decimal
	Currency               string
	Metadata               map[string]string
}

// Customer is the subset of a provider customer the reducer needs.
type Customer struct {
	ID    string
	Email string
}

// Metadata keys written at checkout and read back from webhooks.
const (
	MetadataUserEmail = "user_email"
	MetadataPlan      = "plan"
)
