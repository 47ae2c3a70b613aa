package billing

import (
	"context"
	"fmt"
	"strings"
)

const (
	checkoutSuccessPath = "/billing/success?session_id={CHECKOUT_SESSION_ID}"
	checkoutCancelPath  = "/billing/cancel"
)

// CheckoutInitiator opens provider-hosted checkout sessions.
// It never touches the Store: the subscription row is created by the webhook once the
// customer actually completes checkout.
type CheckoutInitiator struct {
	gateway Gateway
	catalog *Catalog
	logger  Logger
	metrics Metrics
}

// NewCheckoutInitiator creates a checkout initiator. Store and Verifier are not used.
func NewCheckoutInitiator(config Config) (*CheckoutInitiator, error) {
	if config.Gateway == nil || config.Catalog == nil {
		return nil, ErrProviderNotConfigured
	}
	cfg := config.withDefaults()
	return &CheckoutInitiator{
		gateway: cfg.Gateway,
		catalog: cfg.Catalog,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// CreateCheckout validates plan and returns the hosted checkout URL for caller.
// returnOrigin is the scheme and host the provider redirects back to.
func (c *CheckoutInitiator) CreateCheckout(ctx context.Context, caller Caller, plan, returnOrigin string) (string, error) {
	url, err := c.createCheckout(ctx, caller, plan, returnOrigin)
	if err != nil {
		c.metrics.RecordCheckout(plan, string(KindOf(err)))
		return "", err
	}
	c.metrics.RecordCheckout(plan, "success")
	return url, nil
}

func (c *CheckoutInitiator) createCheckout(ctx context.Context, caller Caller, rawPlan, returnOrigin string) (string, error) {
	if !caller.Authenticated() {
		return "", ErrUnauthenticated
	}

	plan, priceID, err := c.catalog.Lookup(rawPlan)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidPlan, rawPlan)
	}

	email := NormalizeEmail(caller.Email)
	origin := strings.TrimRight(returnOrigin, "/")

	url, err := c.gateway.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		PriceID:       priceID,
		CustomerEmail: email,
		SuccessURL:    origin + checkoutSuccessPath,
		CancelURL:     origin + checkoutCancelPath,
		Metadata: map[string]string{
			MetadataUserEmail: email,
			MetadataPlan:      string(plan),
		},
	})
	if err != nil {
		c.logger.Warn("checkout session creation failed",
			Field{"user_email", email}, Field{"plan", plan}, Field{"error", err})
		return "", upstream(err)
	}

	c.logger.Info("checkout session created", Field{"user_email", email}, Field{"plan", plan})
	return url, nil
}
