package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
	billingstripe "github.com/mihaimyh/billsync/pkg/billing/stripe"
	"github.com/mihaimyh/billsync/storage/memory"
)

const (
	testEmail         = "a@x.com"
	testWebhookSecret = "whsec_api_test"
	testSubscription  = "sub_1"
	testCustomer      = "cus_1"
	identityHeader    = "X-User-Email"
)

// stubGateway answers provider calls without a network.
type stubGateway struct {
	calls []string
	err   error
}

func (g *stubGateway) Name() string { return "stripe" }

func (g *stubGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutSessionRequest) (string, error) {
	g.calls = append(g.calls, "checkout:"+req.PriceID)
	if g.err != nil {
		return "", g.err
	}
	return "https://checkout.stripe.com/c/pay/cs_test_1", nil
}

func (g *stubGateway) RetrieveSubscription(_ context.Context, id string) (*billing.SubscriptionSnapshot, error) {
	g.calls = append(g.calls, "retrieve_subscription")
	return nil, g.err
}

func (g *stubGateway) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*billing.SubscriptionSnapshot, error) {
	g.calls = append(g.calls, fmt.Sprintf("cancel_at_period_end:%t", cancel))
	if g.err != nil {
		return nil, g.err
	}
	return &billing.SubscriptionSnapshot{ProviderSubscriptionID: id, CancelAtPeriodEnd: cancel}, nil
}

func (g *stubGateway) ChangePlan(_ context.Context, id string, plan billing.Plan, priceID string) (*billing.SubscriptionSnapshot, error) {
	g.calls = append(g.calls, "change_plan:"+string(plan))
	if g.err != nil {
		return nil, g.err
	}
	return &billing.SubscriptionSnapshot{ProviderSubscriptionID: id, PriceID: priceID}, nil
}

func (g *stubGateway) RetrieveCustomer(_ context.Context, id string) (*billing.Customer, error) {
	g.calls = append(g.calls, "retrieve_customer")
	if g.err != nil {
		return nil, g.err
	}
	return &billing.Customer{ID: id, Email: testEmail}, nil
}

type testEnv struct {
	handler http.Handler
	store   *memory.Storage
	gateway *stubGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	catalog, err := billing.NewCatalog(map[billing.Plan]string{
		billing.PlanBasic:      "price_basic",
		billing.PlanPro:        "price_pro",
		billing.PlanEnterprise: "price_enterprise",
	})
	require.NoError(t, err)

	verifier, err := billingstripe.NewVerifier(testWebhookSecret)
	require.NoError(t, err)

	store := memory.New()
	gateway := &stubGateway{}
	cfg := billing.Config{
		Store:    store,
		Gateway:  gateway,
		Catalog:  catalog,
		Verifier: verifier,
	}

	checkout, err := billing.NewCheckoutInitiator(cfg)
	require.NoError(t, err)
	commands, err := billing.NewCommandHandler(cfg)
	require.NoError(t, err)
	webhooks, err := billing.NewWebhookProcessor(cfg)
	require.NoError(t, err)

	handler, err := NewHandler(Config{
		Checkout:       checkout,
		Commands:       commands,
		Webhooks:       webhooks,
		Store:          store,
		GetCallerEmail: FromHeader(identityHeader),
		PublicURL:      "https://app.example.com/",
	})
	require.NoError(t, err)

	return &testEnv{handler: handler.Routes(), store: store, gateway: gateway}
}

func (e *testEnv) do(t *testing.T, method, path, email, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if email != "" {
		req.Header.Set(identityHeader, email)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) webhook(t *testing.T, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(string(payload)))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	req.RemoteAddr = "198.51.100.10:443"
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedActive(t *testing.T, plan billing.Plan) {
	t.Helper()
	_, err := e.store.UpsertSubscription(context.Background(), &billing.Subscription{
		UserEmail:              testEmail,
		Plan:                   plan,
		Status:                 billing.StatusActive,
		ProviderCustomerID:     testCustomer,
		ProviderSubscriptionID: testSubscription,
		MonthlyPrice:           decimal.NewFromInt(9),
		Currency:               "usd",
		LastEventAt:            time.Unix(1740830400, 0).UTC(),
	})
	require.NoError(t, err)
}

func signed(t *testing.T, id, eventType string, created int64, object string) ([]byte, string) {
	t.Helper()
	payload := []byte(fmt.Sprintf(
		`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":%s}}`,
		id, eventType, created, object))
	s := stripego.GenerateTestSignedPayload(&stripego.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	})
	return payload, s.Header
}

func subscriptionObject(status string, cancelAtPeriodEnd bool) string {
	return fmt.Sprintf(`{
		"id": %q, "object": "subscription", "status": %q, "cancel_at_period_end": %t,
		"customer": %q,
		"metadata": {"user_email": %q, "plan": "basic"},
		"items": {"object": "list", "data": [{
			"id": "si_1", "object": "subscription_item", "quantity": 1,
			"current_period_start": 1740830400, "current_period_end": 1743508800,
			"price": {"id": "price_basic", "object": "price", "currency": "usd", "unit_amount": 900,
				"recurring": {"interval": "month", "interval_count": 1}}
		}]}
	}`, testSubscription, status, cancelAtPeriodEnd, testCustomer, testEmail)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestCheckout_Success(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/billing/checkout", testEmail, `{"plan":"basic"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CheckoutResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", resp.URL)
	assert.Equal(t, []string{"checkout:price_basic"}, env.gateway.calls)

	subs, invoices := env.store.Len()
	assert.Zero(t, subs)
	assert.Zero(t, invoices)
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		email      string
		body       string
		gatewayErr error
		wantStatus int
		wantKind   string
	}{
		{"unauthenticated", "", `{"plan":"basic"}`, nil, http.StatusUnauthorized, "unauthenticated"},
		{"unknown plan", testEmail, `{"plan":"gold"}`, nil, http.StatusBadRequest, "invalid_plan"},
		{"missing plan", testEmail, `{}`, nil, http.StatusBadRequest, "invalid_plan"},
		{"malformed body", testEmail, `{"plan":`, nil, http.StatusBadRequest, "invalid_plan"},
		{"provider failure", testEmail, `{"plan":"pro"}`, fmt.Errorf("%w: boom", billing.ErrUpstream), http.StatusInternalServerError, "upstream_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.gateway.err = tt.gatewayErr

			w := env.do(t, http.MethodPost, "/billing/checkout", tt.email, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantKind, decodeError(t, w).Kind)
		})
	}
}

func TestCommand_Cancel(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, billing.PlanBasic)

	w := env.do(t, http.MethodPost, "/billing/subscription", testEmail, `{"action":"cancel"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CommandResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Subscription will be cancelled at the end of the billing period", resp.Message)

	sub, err := env.store.GetSubscriptionByProviderID(context.Background(), testSubscription)
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
}

func TestCommand_Errors(t *testing.T) {
	tests := []struct {
		name       string
		seed       bool
		email      string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"unauthenticated", true, "", `{"action":"cancel"}`, http.StatusUnauthorized, "unauthenticated"},
		{"unknown action", true, testEmail, `{"action":"pause"}`, http.StatusBadRequest, "invalid_command"},
		{"missing action", true, testEmail, `{}`, http.StatusBadRequest, "invalid_command"},
		{"no subscription", false, testEmail, `{"action":"upgrade","plan":"pro"}`, http.StatusNotFound, "no_active_subscription"},
		{"downgrade upwards", true, testEmail, `{"action":"downgrade","plan":"pro"}`, http.StatusBadRequest, "invalid_plan"},
		{"same plan", true, testEmail, `{"action":"upgrade","plan":"basic"}`, http.StatusBadRequest, "invalid_plan"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.seed {
				env.seedActive(t, billing.PlanBasic)
			}

			w := env.do(t, http.MethodPost, "/billing/subscription", tt.email, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantKind, decodeError(t, w).Kind)
			assert.Empty(t, env.gateway.calls)
		})
	}
}

func TestWebhook_SubscriptionCreated(t *testing.T) {
	env := newTestEnv(t)
	payload, sig := signed(t, "evt_1", "customer.subscription.created", 1740830400, subscriptionObject("active", false))

	w := env.webhook(t, payload, sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	// Replay is a no-op on the stored state
	w = env.webhook(t, payload, sig)
	require.Equal(t, http.StatusOK, w.Code)

	subs, _ := env.store.Len()
	assert.Equal(t, 1, subs)

	w = env.do(t, http.MethodGet, "/billing/subscription", testEmail, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sub SubscriptionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&sub))
	assert.Equal(t, "basic", sub.Plan)
	assert.Equal(t, "active", sub.Status)
	assert.Equal(t, "9.00", sub.MonthlyPrice)
	require.NotNil(t, sub.CurrentPeriodEnd)
}

func TestWebhook_InvalidSignatureNeverMutates(t *testing.T) {
	env := newTestEnv(t)
	payload, sig := signed(t, "evt_1", "customer.subscription.created", 1740830400, subscriptionObject("active", false))

	tests := []struct {
		name      string
		payload   []byte
		signature string
	}{
		{"missing signature", payload, ""},
		{"forged signature", payload, "t=1740830400,v1=deadbeef"},
		{"tampered body", []byte(strings.Replace(string(payload), `"active"`, `"past_due"`, 1)), sig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.webhook(t, tt.payload, tt.signature)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "invalid_signature", decodeError(t, w).Kind)
		})
	}

	subs, invoices := env.store.Len()
	assert.Zero(t, subs)
	assert.Zero(t, invoices)
}

func TestWebhook_BodyLimits(t *testing.T) {
	env := newTestEnv(t)

	w := env.webhook(t, nil, "t=1,v1=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.webhook(t, []byte(strings.Repeat("x", defaultMaxWebhookBytes+1)), "t=1,v1=x")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/billing/webhook", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestWebhook_OverridesCommandMirror(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, billing.PlanBasic)

	w := env.do(t, http.MethodPost, "/billing/subscription", testEmail, `{"action":"cancel"}`)
	require.Equal(t, http.StatusOK, w.Code)

	payload, sig := signed(t, "evt_2", "customer.subscription.updated", 1740830500, subscriptionObject("active", false))
	w = env.webhook(t, payload, sig)
	require.Equal(t, http.StatusOK, w.Code)

	sub, err := env.store.GetSubscriptionByProviderID(context.Background(), testSubscription)
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestWebhook_InvoicesAndPastDue(t *testing.T) {
	env := newTestEnv(t)
	env.seedActive(t, billing.PlanBasic)

	invoice := fmt.Sprintf(`{
		"id": "in_1", "object": "invoice", "number": "INV-0001", "customer_email": %q,
		"subscription": %q, "currency": "usd", "amount_paid": 900, "amount_due": 900,
		"period_start": 1740830400, "period_end": 1743508800,
		"status_transitions": {"paid_at": 1740830460}
	}`, testEmail, testSubscription)

	payload, sig := signed(t, "evt_3", "invoice.paid", 1740830460, invoice)
	for i := 0; i < 2; i++ {
		w := env.webhook(t, payload, sig)
		require.Equal(t, http.StatusOK, w.Code)
	}

	failed := strings.Replace(strings.Replace(invoice, `"in_1"`, `"in_2"`, 1), "INV-0001", "INV-0002", 1)
	payload, sig = signed(t, "evt_4", "invoice.payment_failed", 1740830470, failed)
	for i := 0; i < 2; i++ {
		w := env.webhook(t, payload, sig)
		require.Equal(t, http.StatusOK, w.Code)
	}

	sub, err := env.store.GetSubscriptionByProviderID(context.Background(), testSubscription)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, sub.Status)

	w := env.do(t, http.MethodGet, "/billing/invoices", testEmail, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp InvoiceListResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Invoices, 2)

	byID := map[string]InvoiceResponse{}
	for _, inv := range resp.Invoices {
		byID[inv.ProviderInvoiceID] = inv
	}
	assert.Equal(t, "paid", byID["in_1"].Status)
	assert.Equal(t, "9.00", byID["in_1"].Amount)
	assert.Equal(t, "failed", byID["in_2"].Status)
}

func TestGetSubscription_NotFound(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/billing/subscription", testEmail, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_active_subscription", decodeError(t, w).Kind)

	w = env.do(t, http.MethodGet, "/billing/invoices", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_CustomErrorHandler(t *testing.T) {
	env := newTestEnv(t)
	var captured error

	h, err := NewHandler(Config{
		Checkout:       mustCheckout(t, env),
		Commands:       mustCommands(t, env),
		Webhooks:       mustWebhooks(t, env),
		Store:          env.store,
		GetCallerEmail: func(*http.Request) string { return "" },
		OnError: func(w http.ResponseWriter, _ *http.Request, err error) {
			captured = err
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/billing/checkout", strings.NewReader(`{"plan":"basic"}`)))
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.ErrorIs(t, captured, billing.ErrUnauthenticated)
}

// recordingLogger keeps warn entries.
type recordingLogger struct {
	billing.NoopLogger
	warnings []string
}

func (l *recordingLogger) Warn(msg string, _ ...billing.Field) { l.warnings = append(l.warnings, msg) }

// brokenWriter accepts headers but fails every body write.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHandler_LogsFailedErrorWrite(t *testing.T) {
	env := newTestEnv(t)
	logger := &recordingLogger{}

	h, err := NewHandler(Config{
		Checkout:       mustCheckout(t, env),
		Commands:       mustCommands(t, env),
		Webhooks:       mustWebhooks(t, env),
		Store:          env.store,
		GetCallerEmail: func(*http.Request) string { return "" },
		Logger:         logger,
	})
	require.NoError(t, err)

	w := brokenWriter{httptest.NewRecorder()}
	h.Routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/billing/invoices", http.NoBody))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, []string{"failed to write error response"}, logger.warnings)
}

func TestFromContext(t *testing.T) {
	type ctxKey struct{}
	get := FromContext(ctxKey{})

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, get(req))

	req = req.WithContext(context.WithValue(req.Context(), ctxKey{}, testEmail))
	assert.Equal(t, testEmail, get(req))
}

func TestStatusForKind(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusForKind(billing.KindUnauthenticated))
	assert.Equal(t, http.StatusBadRequest, StatusForKind(billing.KindInvalidSignature))
	assert.Equal(t, http.StatusNotFound, StatusForKind(billing.KindNoActiveSubscription))
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(billing.KindUpstream))
	assert.Equal(t, http.StatusInternalServerError, StatusForKind(billing.KindUnexpectedFault))
}

func testBillingConfig(t *testing.T, env *testEnv) billing.Config {
	t.Helper()
	catalog, err := billing.NewCatalog(map[billing.Plan]string{billing.PlanBasic: "price_basic"})
	require.NoError(t, err)
	verifier, err := billingstripe.NewVerifier(testWebhookSecret)
	require.NoError(t, err)
	return billing.Config{Store: env.store, Gateway: env.gateway, Catalog: catalog, Verifier: verifier}
}

func mustCheckout(t *testing.T, env *testEnv) *billing.CheckoutInitiator {
	c, err := billing.NewCheckoutInitiator(testBillingConfig(t, env))
	require.NoError(t, err)
	return c
}

func mustCommands(t *testing.T, env *testEnv) *billing.CommandHandler {
	c, err := billing.NewCommandHandler(testBillingConfig(t, env))
	require.NoError(t, err)
	return c
}

func mustWebhooks(t *testing.T, env *testEnv) *billing.WebhookProcessor {
	p, err := billing.NewWebhookProcessor(testBillingConfig(t, env))
	require.NoError(t, err)
	return p
}
