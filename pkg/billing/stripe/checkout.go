package stripe

import (
	"context"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// CreateCheckoutSession creates a subscription-mode Stripe Checkout Session and returns its URL.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutSessionRequest) (string, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
		params.ClientReferenceID = stripe.String(req.CustomerEmail)
	}

	// Metadata goes on the subscription too: the subscription webhooks never see the session
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
		params.SubscriptionData.AddMetadata(k, v)
	}

	session, err := call(ctx, g, "/checkout/sessions", func(ctx context.Context) (*stripe.CheckoutSession, error) {
		return g.stripeClient.V1CheckoutSessions.Create(ctx, params)
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}
