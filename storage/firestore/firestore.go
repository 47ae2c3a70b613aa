// Package firestore provides a Firestore implementation of the billing.Store interface.
// This implementation uses Google Cloud Firestore transactions for per-document serialization.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Storage implements billing.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	invoicesCollection      string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription mirrors
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// InvoicesCollection is the Firestore collection for invoice records
	// Default: "billing_invoices"
	InvoicesCollection string
}

// openStatuses lists every status that counts as an open subscription
var openStatuses = []string{
	string(billing.StatusIncomplete),
	string(billing.StatusActive),
	string(billing.StatusPastDue),
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.InvoicesCollection == "" {
		config.InvoicesCollection = "billing_invoices"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		invoicesCollection:      config.InvoicesCollection,
	}, nil
}

// UpsertSubscription implements billing.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	doc := s.subscriptionDoc(sub.ProviderSubscriptionID)
	var applied bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		applied = false

		// All reads happen before any write
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		createdAt := sub.CreatedAt
		if snap != nil && snap.Exists() {
			data := snap.Data()
			if sub.LastEventAt.Before(getTime(data, "lastEventAt")) {
				return nil
			}
			createdAt = getTime(data, "createdAt")
		}

		var open []*firestore.DocumentSnapshot
		if sub.Status != billing.StatusCancelled {
			open, err = tx.Documents(s.openQuery(sub.UserEmail)).GetAll()
			if err != nil {
				return err
			}
		}

		if sub.Status == billing.StatusIncomplete {
			for _, other := range open {
				otherStatus := billing.Status(getString(other.Data(), "status"))
				if other.Ref.ID != sub.ProviderSubscriptionID &&
					(otherStatus == billing.StatusActive || otherStatus == billing.StatusPastDue) {
					return nil
				}
			}
		}

		for _, other := range open {
			if other.Ref.ID == sub.ProviderSubscriptionID {
				continue
			}
			err = tx.Update(other.Ref, []firestore.Update{
				{Path: "status", Value: string(billing.StatusCancelled)},
				{Path: "updatedAt", Value: sub.UpdatedAt},
			})
			if err != nil {
				return err
			}
		}

		data := subscriptionData(sub)
		data["createdAt"] = createdAt
		if err := tx.Set(doc, data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return applied, nil
}

// GetSubscriptionByProviderID implements billing.Store
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	snap, err := s.subscriptionDoc(providerSubscriptionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}

	return toSubscription(snap)
}

// GetActiveSubscription implements billing.Store
func (s *Storage) GetActiveSubscription(ctx context.Context, userEmail string) (*billing.Subscription, error) {
	snaps, err := s.openQuery(userEmail).Limit(1).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	if len(snaps) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	return toSubscription(snaps[0])
}

// ListSubscriptions implements billing.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userEmail string) ([]*billing.Subscription, error) {
	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("userEmail", "==", userEmail).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*billing.Subscription, 0, len(snaps))
	for _, snap := range snaps {
		sub, err := toSubscription(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}

	// Sorted here so the query needs no composite index
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateSubscription implements billing.Store
func (s *Storage) UpdateSubscription(
	ctx context.Context, providerSubscriptionID string, fn func(*billing.Subscription) error,
) (*billing.Subscription, error) {
	doc := s.subscriptionDoc(providerSubscriptionID)
	var updated *billing.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return billing.ErrSubscriptionNotFound
			}
			return err
		}
		if !snap.Exists() {
			return billing.ErrSubscriptionNotFound
		}

		sub, err := toSubscription(snap)
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		// The reconciliation key is immutable
		sub.ProviderSubscriptionID = providerSubscriptionID

		if err := tx.Set(doc, subscriptionData(sub)); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) || errors.Is(err, billing.ErrStaleEvent) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	return updated, nil
}

// UpsertInvoice implements billing.Store
func (s *Storage) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ProviderInvoiceID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	doc := s.client.Collection(s.invoicesCollection).Doc(inv.ProviderInvoiceID)
	var written bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		written = false

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		if snap == nil || !snap.Exists() {
			written = true
			return tx.Create(doc, invoiceData(inv))
		}

		// Only failed -> paid promotion rewrites an existing invoice
		stored := billing.InvoiceStatus(getString(snap.Data(), "status"))
		if stored != billing.InvoiceFailed || inv.Status != billing.InvoicePaid {
			return nil
		}

		updates := []firestore.Update{
			{Path: "status", Value: string(inv.Status)},
			{Path: "amount", Value: inv.Amount.String()},
		}
		if inv.PaidAt != nil {
			updates = append(updates, firestore.Update{Path: "paidAt", Value: *inv.PaidAt})
		}
		written = true
		return tx.Update(doc, updates)
	})
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	return written, nil
}

// GetInvoiceByProviderID implements billing.Store
func (s *Storage) GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*billing.Invoice, error) {
	snap, err := s.client.Collection(s.invoicesCollection).Doc(providerInvoiceID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	if !snap.Exists() {
		return nil, billing.ErrInvoiceNotFound
	}

	return toInvoice(snap)
}

// ListInvoices implements billing.Store
func (s *Storage) ListInvoices(ctx context.Context, userEmail string) ([]*billing.Invoice, error) {
	snaps, err := s.client.Collection(s.invoicesCollection).
		Where("userEmail", "==", userEmail).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	out := make([]*billing.Invoice, 0, len(snaps))
	for _, snap := range snaps {
		inv, err := toInvoice(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// subscriptionDoc returns the document reference for a subscription
// Structure: billing_subscriptions/{providerSubscriptionID}
func (s *Storage) subscriptionDoc(providerSubscriptionID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(providerSubscriptionID)
}

func (s *Storage) openQuery(userEmail string) firestore.Query {
	return s.client.Collection(s.subscriptionsCollection).
		Where("userEmail", "==", userEmail).
		Where("status", "in", openStatuses)
}

func subscriptionData(sub *billing.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"userEmail":              sub.UserEmail,
		"plan":                   string(sub.Plan),
		"status":                 string(sub.Status),
		"providerCustomerId":     sub.ProviderCustomerID,
		"providerSubscriptionId": sub.ProviderSubscriptionID,
		"currentPeriodStart":     sub.CurrentPeriodStart,
		"currentPeriodEnd":       sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd":      sub.CancelAtPeriodEnd,
		"monthlyPrice":           sub.MonthlyPrice.String(),
		"currency":               sub.Currency,
		"lastEventAt":            sub.LastEventAt,
		"createdAt":              sub.CreatedAt,
		"updatedAt":              sub.UpdatedAt,
	}
}

func toSubscription(snap *firestore.DocumentSnapshot) (*billing.Subscription, error) {
	data := snap.Data()
	price, err := getDecimal(data, "monthlyPrice")
	if err != nil {
		return nil, err
	}

	return &billing.Subscription{
		UserEmail:              getString(data, "userEmail"),
		Plan:                   billing.Plan(getString(data, "plan")),
		Status:                 billing.Status(getString(data, "status")),
		ProviderCustomerID:     getString(data, "providerCustomerId"),
		ProviderSubscriptionID: snap.Ref.ID,
		CurrentPeriodStart:     getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:       getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd:      getBool(data, "cancelAtPeriodEnd"),
		MonthlyPrice:           price,
		Currency:               getString(data, "currency"),
		LastEventAt:            getTime(data, "lastEventAt"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}, nil
}

func invoiceData(inv *billing.Invoice) map[string]interface{} {
	data := map[string]interface{}{
		"userEmail":          inv.UserEmail,
		"subscriptionId":     inv.SubscriptionID,
		"invoiceNumber":      inv.InvoiceNumber,
		"amount":             inv.Amount.String(),
		"currency":           inv.Currency,
		"status":             string(inv.Status),
		"billingPeriodStart": inv.BillingPeriodStart,
		"billingPeriodEnd":   inv.BillingPeriodEnd,
		"createdAt":          inv.CreatedAt,
	}
	if inv.PaidAt != nil {
		data["paidAt"] = *inv.PaidAt
	}
	return data
}

func toInvoice(snap *firestore.DocumentSnapshot) (*billing.Invoice, error) {
	data := snap.Data()
	amount, err := getDecimal(data, "amount")
	if err != nil {
		return nil, err
	}

	inv := &billing.Invoice{
		UserEmail:          getString(data, "userEmail"),
		SubscriptionID:     getString(data, "subscriptionId"),
		InvoiceNumber:      getString(data, "invoiceNumber"),
		ProviderInvoiceID:  snap.Ref.ID,
		Amount:             amount,
		Currency:           getString(data, "currency"),
		Status:             billing.InvoiceStatus(getString(data, "status")),
		BillingPeriodStart: getTime(data, "billingPeriodStart"),
		BillingPeriodEnd:   getTime(data, "billingPeriodEnd"),
		CreatedAt:          getTime(data, "createdAt"),
	}
	if paidAt, ok := data["paidAt"].(time.Time); ok && !paidAt.IsZero() {
		inv.PaidAt = &paidAt
	}
	return inv, nil
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

// getDecimal reads money stored as a string to keep it exact
func getDecimal(data map[string]interface{}, key string) (decimal.Decimal, error) {
	raw := getString(data, key)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
