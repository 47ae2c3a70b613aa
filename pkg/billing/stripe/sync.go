package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const prorationCreate = "create_prorations"

// zeroDecimalCurrencies are charged in whole units rather than cents.
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// RetrieveSubscription fetches a subscription with its customer expanded.
func (g *Gateway) RetrieveSubscription(ctx context.Context, providerSubscriptionID string) (*billing.SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionRetrieveParams{}
	params.AddExpand("customer")

	sub, err := call(ctx, g, "/subscriptions/retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		return g.stripeClient.V1Subscriptions.Retrieve(ctx, providerSubscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return snapshotFromSubscription(sub), nil
}

// SetCancelAtPeriodEnd toggles cancel_at_period_end on the subscription.
func (g *Gateway) SetCancelAtPeriodEnd(
	ctx context.Context, providerSubscriptionID string, cancel bool,
) (*billing.SubscriptionSnapshot, error) {
	params := &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}

	sub, err := call(ctx, g, "/subscriptions/update", func(ctx context.Context) (*stripe.Subscription, error) {
		return g.stripeClient.V1Subscriptions.Update(ctx, providerSubscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return snapshotFromSubscription(sub), nil
}

// ChangePlan swaps the subscription's line item to priceID with proration and records the
// plan in metadata so later webhooks resolve the same plan.
func (g *Gateway) ChangePlan(
	ctx context.Context, providerSubscriptionID string, plan billing.Plan, priceID string,
) (*billing.SubscriptionSnapshot, error) {
	current, err := call(ctx, g, "/subscriptions/retrieve", func(ctx context.Context) (*stripe.Subscription, error) {
		return g.stripeClient.V1Subscriptions.Retrieve(ctx, providerSubscriptionID, nil)
	})
	if err != nil {
		return nil, err
	}

	item := primaryItem(current)
	if item == nil {
		return nil, fmt.Errorf("%w: subscription %s has no line items", billing.ErrUpstream, providerSubscriptionID)
	}

	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{
				ID:    stripe.String(item.ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(prorationCreate),
	}
	params.AddMetadata(billing.MetadataPlan, string(plan))

	sub, err := call(ctx, g, "/subscriptions/update", func(ctx context.Context) (*stripe.Subscription, error) {
		return g.stripeClient.V1Subscriptions.Update(ctx, providerSubscriptionID, params)
	})
	if err != nil {
		return nil, err
	}
	return snapshotFromSubscription(sub), nil
}

// RetrieveCustomer fetches a Stripe customer.
func (g *Gateway) RetrieveCustomer(ctx context.Context, providerCustomerID string) (*billing.Customer, error) {
	cust, err := call(ctx, g, "/customers/retrieve", func(ctx context.Context) (*stripe.Customer, error) {
		return g.stripeClient.V1Customers.Retrieve(ctx, providerCustomerID, nil)
	})
	if err != nil {
		return nil, err
	}
	return &billing.Customer{ID: cust.ID, Email: cust.Email}, nil
}

func primaryItem(sub *stripe.Subscription) *stripe.SubscriptionItem {
	if sub == nil || sub.Items == nil {
		return nil
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return item
		}
	}
	return nil
}

// snapshotFromSubscription converts a Stripe subscription into the full state the
// reducer applies. Period bounds live on the line items since the 2025-03 API.
func snapshotFromSubscription(sub *stripe.Subscription) *billing.SubscriptionSnapshot {
	snap := &billing.SubscriptionSnapshot{
		ProviderSubscriptionID: sub.ID,
		ProviderStatus:         string(sub.Status),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		Metadata:               sub.Metadata,
		MonthlyPrice:           decimal.Zero,
	}
	if sub.Customer != nil {
		snap.ProviderCustomerID = sub.Customer.ID
		snap.CustomerEmail = sub.Customer.Email
	}

	if item := primaryItem(sub); item != nil {
		snap.PriceID = item.Price.ID
		snap.Currency = strings.ToLower(string(item.Price.Currency))
		snap.MonthlyPrice = monthlyPrice(item)
		if item.CurrentPeriodStart > 0 {
			snap.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			snap.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return snap
}

// monthlyPrice normalizes the item's recurring charge to a per-month amount in major units.
func monthlyPrice(item *stripe.SubscriptionItem) decimal.Decimal {
	quantity := item.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	amount := minorToMajor(item.Price.UnitAmount*quantity, string(item.Price.Currency))

	recurring := item.Price.Recurring
	if recurring == nil {
		return amount
	}
	count := recurring.IntervalCount
	if count <= 0 {
		count = 1
	}

	var months decimal.Decimal
	switch recurring.Interval {
	case stripe.PriceRecurringIntervalYear:
		months = decimal.NewFromInt(12 * count)
	case stripe.PriceRecurringIntervalWeek:
		months = decimal.NewFromInt(7 * count).Div(decimal.NewFromFloat(30.4375))
	case stripe.PriceRecurringIntervalDay:
		months = decimal.NewFromInt(count).Div(decimal.NewFromFloat(30.4375))
	default:
		months = decimal.NewFromInt(count)
	}
	return amount.Div(months).Round(2)
}

func minorToMajor(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
