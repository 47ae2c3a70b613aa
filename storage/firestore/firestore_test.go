package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const testProjectID = "test-project"

// setupTestStorage returns a storage bound to fresh collections on the emulator
// Requires FIRESTORE_EMULATOR_HOST, e.g. localhost:8080
func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}

	// Unique collection names per test run
	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	config := Config{
		SubscriptionsCollection: "test_subs_" + suffix,
		InvoicesCollection:      "test_invoices_" + suffix,
	}

	storage, err := New(client, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	t.Cleanup(func() {
		cleanupFirestore(client, config.SubscriptionsCollection, config.InvoicesCollection)
		_ = client.Close()
	})
	return storage
}

func cleanupFirestore(client *firestore.Client, collections ...string) {
	ctx := context.Background()
	bw := client.BulkWriter(ctx)
	for _, coll := range collections {
		snaps, err := client.Collection(coll).Documents(ctx).GetAll()
		if err != nil {
			continue
		}
		for _, snap := range snaps {
			_, _ = bw.Delete(snap.Ref)
		}
	}
	bw.End()
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testSubscription(id, email string, status billing.Status, at time.Time) *billing.Subscription {
	return &billing.Subscription{
		UserEmail:              email,
		Plan:                   billing.PlanBasic,
		Status:                 status,
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: id,
		CurrentPeriodStart:     baseTime,
		CurrentPeriodEnd:       baseTime.AddDate(0, 1, 0),
		MonthlyPrice:           decimal.RequireFromString("9.00"),
		Currency:               "usd",
		LastEventAt:            at,
		CreatedAt:              at,
		UpdatedAt:              at,
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}

	storage, err := New(&firestore.Client{}, Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if storage.subscriptionsCollection != "billing_subscriptions" {
		t.Errorf("subscriptionsCollection = %q", storage.subscriptionsCollection)
	}
	if storage.invoicesCollection != "billing_invoices" {
		t.Errorf("invoicesCollection = %q", storage.invoicesCollection)
	}
}

func TestGetDecimal(t *testing.T) {
	tests := []struct {
		name    string
		data    map[string]interface{}
		want    string
		wantErr bool
	}{
		{name: "missing", data: map[string]interface{}{}, want: "0"},
		{name: "exact", data: map[string]interface{}{"amount": "19.99"}, want: "19.99"},
		{name: "wrong type", data: map[string]interface{}{"amount": 19.99}, want: "0"},
		{name: "garbage", data: map[string]interface{}{"amount": "abc"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := getDecimal(tt.data, "amount")
			if (err != nil) != tt.wantErr {
				t.Fatalf("getDecimal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("getDecimal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStorage_UpsertSubscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	sub := testSubscription("sub_1", "a@x.com", billing.StatusActive, baseTime)
	applied, err := storage.UpsertSubscription(ctx, sub)
	if err != nil || !applied {
		t.Fatalf("UpsertSubscription failed: applied=%v err=%v", applied, err)
	}

	replay := testSubscription("sub_1", "a@x.com", billing.StatusActive, baseTime)
	replay.CreatedAt = baseTime.Add(time.Hour)
	applied, err = storage.UpsertSubscription(ctx, replay)
	if err != nil || !applied {
		t.Fatalf("Replay failed: applied=%v err=%v", applied, err)
	}

	older := testSubscription("sub_1", "a@x.com", billing.StatusPastDue, baseTime.Add(-time.Minute))
	applied, err = storage.UpsertSubscription(ctx, older)
	if err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
	if applied {
		t.Error("Expected older event to be skipped")
	}

	got, err := storage.GetSubscriptionByProviderID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if got.Status != billing.StatusActive {
		t.Errorf("Status mismatch: got %s, want active", got.Status)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt not preserved: got %v", got.CreatedAt)
	}

	if _, err := storage.GetSubscriptionByProviderID(ctx, "missing"); !errors.Is(err, billing.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_SingleOpenSubscriptionPerEmail(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.UpsertSubscription(ctx, testSubscription("sub_1", "a@x.com", billing.StatusActive, baseTime)); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
	if _, err := storage.UpsertSubscription(ctx, testSubscription("sub_2", "a@x.com", billing.StatusActive, baseTime.Add(time.Hour))); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	active, err := storage.GetActiveSubscription(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("GetActiveSubscription failed: %v", err)
	}
	if active.ProviderSubscriptionID != "sub_2" {
		t.Errorf("Expected sub_2 to be active, got %s", active.ProviderSubscriptionID)
	}

	subs, err := storage.ListSubscriptions(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("ListSubscriptions failed: %v", err)
	}
	if len(subs) != 2 || subs[0].ProviderSubscriptionID != "sub_2" {
		t.Fatalf("Expected 2 rows newest first, got %d", len(subs))
	}
	if subs[1].Status != billing.StatusCancelled {
		t.Errorf("Expected sub_1 to be cancelled, got %s", subs[1].Status)
	}
}

func TestStorage_IncompleteNeverSupersedesPayingSubscription(t *testing.T) {
	tests := []struct {
		name       string
		current    billing.Status
		wantActive string
	}{
		{name: "active is kept", current: billing.StatusActive, wantActive: "sub_1"},
		{name: "past_due is kept", current: billing.StatusPastDue, wantActive: "sub_1"},
		{name: "incomplete is replaced", current: billing.StatusIncomplete, wantActive: "sub_2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := setupTestStorage(t)
			ctx := context.Background()

			if _, err := storage.UpsertSubscription(ctx, testSubscription("sub_1", "a@x.com", tt.current, baseTime)); err != nil {
				t.Fatalf("UpsertSubscription failed: %v", err)
			}
			applied, err := storage.UpsertSubscription(ctx, testSubscription("sub_2", "a@x.com", billing.StatusIncomplete, baseTime.Add(time.Hour)))
			if err != nil {
				t.Fatalf("UpsertSubscription failed: %v", err)
			}
			if applied != (tt.wantActive == "sub_2") {
				t.Errorf("applied = %v for a checkout over a %s row", applied, tt.current)
			}

			active, err := storage.GetActiveSubscription(ctx, "a@x.com")
			if err != nil {
				t.Fatalf("GetActiveSubscription failed: %v", err)
			}
			if active.ProviderSubscriptionID != tt.wantActive {
				t.Errorf("Expected %s to be active, got %s", tt.wantActive, active.ProviderSubscriptionID)
			}
			if active.Status != tt.current && tt.wantActive == "sub_1" {
				t.Errorf("Status mismatch: got %s, want %s", active.Status, tt.current)
			}
		})
	}
}

func TestStorage_UpdateSubscription(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.UpdateSubscription(ctx, "missing", func(*billing.Subscription) error { return nil }); !errors.Is(err, billing.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	if _, err := storage.UpsertSubscription(ctx, testSubscription("sub_1", "a@x.com", billing.StatusActive, baseTime)); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	if _, err := storage.UpdateSubscription(ctx, "sub_1", func(*billing.Subscription) error { return billing.ErrStaleEvent }); !errors.Is(err, billing.ErrStaleEvent) {
		t.Errorf("Expected ErrStaleEvent, got %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = storage.UpdateSubscription(ctx, "sub_1", func(s *billing.Subscription) error {
				s.Status = billing.StatusPastDue
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := storage.GetSubscriptionByProviderID(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscriptionByProviderID failed: %v", err)
	}
	if got.Status != billing.StatusPastDue {
		t.Errorf("Status mismatch: got %s, want past_due", got.Status)
	}
}

func TestStorage_UpsertInvoice(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	failed := &billing.Invoice{
		UserEmail:         "a@x.com",
		SubscriptionID:    "sub_1",
		InvoiceNumber:     "INV-1",
		ProviderInvoiceID: "in_1",
		Amount:            decimal.RequireFromString("9.00"),
		Currency:          "usd",
		Status:            billing.InvoiceFailed,
		CreatedAt:         baseTime,
	}
	written, err := storage.UpsertInvoice(ctx, failed)
	if err != nil || !written {
		t.Fatalf("UpsertInvoice failed: written=%v err=%v", written, err)
	}

	if written, _ = storage.UpsertInvoice(ctx, failed); written {
		t.Error("Expected duplicate failed invoice to be skipped")
	}

	paidAt := baseTime.Add(time.Hour)
	paid := *failed
	paid.Status = billing.InvoicePaid
	paid.PaidAt = &paidAt
	written, err = storage.UpsertInvoice(ctx, &paid)
	if err != nil || !written {
		t.Fatalf("Expected failed invoice to be promoted: written=%v err=%v", written, err)
	}

	if written, _ = storage.UpsertInvoice(ctx, failed); written {
		t.Error("Expected paid invoice to stay paid")
	}

	got, err := storage.GetInvoiceByProviderID(ctx, "in_1")
	if err != nil {
		t.Fatalf("GetInvoiceByProviderID failed: %v", err)
	}
	if got.Status != billing.InvoicePaid || got.PaidAt == nil {
		t.Errorf("Expected paid invoice with paid_at, got %s %v", got.Status, got.PaidAt)
	}

	invoices, _ := storage.ListInvoices(ctx, "a@x.com")
	if len(invoices) != 1 {
		t.Errorf("Expected 1 invoice, got %d", len(invoices))
	}

	if _, err := storage.GetInvoiceByProviderID(ctx, "missing"); !errors.Is(err, billing.ErrInvoiceNotFound) {
		t.Errorf("Expected ErrInvoiceNotFound, got %v", err)
	}
}
