package billing_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/storage/memory"
)

var testPrices = map[billing.Plan]string{
	billing.PlanBasic:      "price_basic",
	billing.PlanPro:        "price_pro",
	billing.PlanEnterprise: "price_enterprise",
}

func testCatalog() *billing.Catalog {
	c, err := billing.NewCatalog(testPrices)
	if err != nil {
		panic(err)
	}
	return c
}

// fakeGateway records every call and answers from configured values.
type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	checkoutURL   string
	lastCheckout  billing.CheckoutSessionRequest
	subscriptions map[string]*billing.SubscriptionSnapshot
	customers     map[string]*billing.Customer
	err           error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		checkoutURL:   "https://checkout.example.com/c/pay/cs_test_1",
		subscriptions: make(map[string]*billing.SubscriptionSnapshot),
		customers:     make(map[string]*billing.Customer),
	}
}

func (g *fakeGateway) record(call string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, call)
	return g.err
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutSessionRequest) (string, error) {
	if err := g.record("checkout"); err != nil {
		return "", err
	}
	g.lastCheckout = req
	return g.checkoutURL, nil
}

func (g *fakeGateway) RetrieveSubscription(_ context.Context, id string) (*billing.SubscriptionSnapshot, error) {
	if err := g.record("retrieve_subscription"); err != nil {
		return nil, err
	}
	snap, ok := g.subscriptions[id]
	if !ok {
		return nil, errors.New("no such subscription")
	}
	c := *snap
	return &c, nil
}

func (g *fakeGateway) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*billing.SubscriptionSnapshot, error) {
	if err := g.record("set_cancel_at_period_end"); err != nil {
		return nil, err
	}
	return &billing.SubscriptionSnapshot{ProviderSubscriptionID: id, CancelAtPeriodEnd: cancel}, nil
}

func (g *fakeGateway) ChangePlan(_ context.Context, id string, plan billing.Plan, priceID string) (*billing.SubscriptionSnapshot, error) {
	if err := g.record("change_plan:" + string(plan) + ":" + priceID); err != nil {
		return nil, err
	}
	return &billing.SubscriptionSnapshot{ProviderSubscriptionID: id, PriceID: priceID}, nil
}

func (g *fakeGateway) RetrieveCustomer(_ context.Context, id string) (*billing.Customer, error) {
	if err := g.record("retrieve_customer"); err != nil {
		return nil, err
	}
	c, ok := g.customers[id]
	if !ok {
		return &billing.Customer{ID: id}, nil
	}
	return c, nil
}

// fakeVerifier accepts payloads signed with a fixed signature and returns a queued event.
type fakeVerifier struct {
	signature string
	event     *billing.Event
}

func (v *fakeVerifier) Verify(_ []byte, signature string) (*billing.Event, error) {
	if signature != v.signature {
		return nil, billing.ErrInvalidSignature
	}
	return v.event, nil
}

// countingStore wraps the memory store and counts every call.
type countingStore struct {
	*memory.Storage
	mu    sync.Mutex
	calls int
}

func (s *countingStore) count() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *countingStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *countingStore) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	s.count()
	return s.Storage.UpsertSubscription(ctx, sub)
}

func (s *countingStore) GetSubscriptionByProviderID(ctx context.Context, id string) (*billing.Subscription, error) {
	s.count()
	return s.Storage.GetSubscriptionByProviderID(ctx, id)
}

func (s *countingStore) GetActiveSubscription(ctx context.Context, email string) (*billing.Subscription, error) {
	s.count()
	return s.Storage.GetActiveSubscription(ctx, email)
}

func (s *countingStore) UpdateSubscription(
	ctx context.Context, id string, fn func(*billing.Subscription) error,
) (*billing.Subscription, error) {
	s.count()
	return s.Storage.UpdateSubscription(ctx, id, fn)
}

func (s *countingStore) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	s.count()
	return s.Storage.UpsertInvoice(ctx, inv)
}

// failingUpdateStore rejects every UpdateSubscription call.
type failingUpdateStore struct {
	*memory.Storage
}

func (failingUpdateStore) UpdateSubscription(context.Context, string, func(*billing.Subscription) error) (*billing.Subscription, error) {
	return nil, errors.New("connection reset")
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []billing.AppliedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event billing.AppliedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Events() []billing.AppliedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]billing.AppliedEvent(nil), p.events...)
}

func activeSubscription(email string, plan billing.Plan, at time.Time) *billing.Subscription {
	return &billing.Subscription{
		UserEmail:              email,
		Plan:                   plan,
		Status:                 billing.StatusActive,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
		CurrentPeriodStart:     at,
		CurrentPeriodEnd:       at.AddDate(0, 1, 0),
		MonthlyPrice:           decimal.RequireFromString("29.00"),
		Currency:               "usd",
		LastEventAt:            at,
		CreatedAt:              at,
		UpdatedAt:              at,
	}
}
