// Package memory provides an in-memory implementation of the billing.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Storage implements billing.Store using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*billing.Subscription // provider subscription id -> row
	invoices      map[string]*billing.Invoice      // provider invoice id -> row
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*billing.Subscription),
		invoices:      make(map[string]*billing.Invoice),
	}
}

// UpsertSubscription implements billing.Store
func (s *Storage) UpsertSubscription(_ context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := sub.Clone()
	if existing, ok := s.subscriptions[sub.ProviderSubscriptionID]; ok {
		if sub.LastEventAt.Before(existing.LastEventAt) {
			return false, nil
		}
		row.CreatedAt = existing.CreatedAt
	}

	if row.Status == billing.StatusIncomplete {
		for id, other := range s.subscriptions {
			if id != row.ProviderSubscriptionID && other.UserEmail == row.UserEmail && other.IsPaying() {
				return false, nil
			}
		}
	}

	// Keep at most one non-cancelled row per email
	if !row.IsCancelled() {
		for id, other := range s.subscriptions {
			if id != row.ProviderSubscriptionID && other.UserEmail == row.UserEmail && !other.IsCancelled() {
				other.Status = billing.StatusCancelled
				other.UpdatedAt = row.UpdatedAt
			}
		}
	}

	s.subscriptions[row.ProviderSubscriptionID] = row
	return true, nil
}

// GetSubscriptionByProviderID implements billing.Store
func (s *Storage) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	return sub.Clone(), nil
}

// GetActiveSubscription implements billing.Store
func (s *Storage) GetActiveSubscription(_ context.Context, userEmail string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subscriptions {
		if sub.UserEmail == userEmail && !sub.IsCancelled() {
			return sub.Clone(), nil
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

// ListSubscriptions implements billing.Store
func (s *Storage) ListSubscriptions(_ context.Context, userEmail string) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.UserEmail == userEmail {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateSubscription implements billing.Store
func (s *Storage) UpdateSubscription(
	_ context.Context, providerSubscriptionID string, fn func(*billing.Subscription) error,
) (*billing.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}

	row := existing.Clone()
	if err := fn(row); err != nil {
		return nil, err
	}
	// The reconciliation key is immutable
	row.ProviderSubscriptionID = providerSubscriptionID
	s.subscriptions[providerSubscriptionID] = row
	return row.Clone(), nil
}

// UpsertInvoice implements billing.Store
func (s *Storage) UpsertInvoice(_ context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ProviderInvoiceID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.invoices[inv.ProviderInvoiceID]
	if !ok {
		s.invoices[inv.ProviderInvoiceID] = inv.Clone()
		return true, nil
	}

	if existing.Status == billing.InvoiceFailed && inv.Status == billing.InvoicePaid {
		promoted := existing.Clone()
		promoted.Status = billing.InvoicePaid
		promoted.Amount = inv.Amount
		promoted.PaidAt = inv.Clone().PaidAt
		s.invoices[inv.ProviderInvoiceID] = promoted
		return true, nil
	}
	return false, nil
}

// GetInvoiceByProviderID implements billing.Store
func (s *Storage) GetInvoiceByProviderID(_ context.Context, providerInvoiceID string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[providerInvoiceID]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

// ListInvoices implements billing.Store
func (s *Storage) ListInvoices(_ context.Context, userEmail string) ([]*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billing.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.UserEmail == userEmail {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscriptions = make(map[string]*billing.Subscription)
	s.invoices = make(map[string]*billing.Invoice)
}

// Len returns the number of subscription and invoice rows.
func (s *Storage) Len() (subscriptions, invoices int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions), len(s.invoices)
}
