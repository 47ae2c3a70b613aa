// Package tiered provides a Hot/Cold tiered storage adapter that fronts a durable
// billing.Store (Cold) with a fast cache store (Hot).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 cache storage (e.g., Redis, Memory) serving lookups by provider id
	Hot billing.Store

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold billing.Store

	// AsyncHotSync mirrors writes into Hot from a background worker.
	// If false, Hot is updated before the write returns.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot write fails.
	// Essential for monitoring cache drift.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// Strategies per operation type:
// - Write-Through: every mutation lands in Cold first, then its result is mirrored to Hot
// - Read-Through: lookups by provider id (Hot → Cold → populate Hot)
// - Cold-Only: per-user queries, since Hot may hold a partial view
type Storage struct {
	hot  billing.Store
	cold billing.Store
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

var _ billing.Store = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
			// Already closed
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so mirrored writes keep their causal order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// mirror applies job to Hot, inline or through the worker queue.
// The job must not depend on the caller's context.
func (s *Storage) mirror(job func() error) {
	if !s.conf.AsyncHotSync {
		s.report(job())
		return
	}

	select {
	case s.syncQueue <- job:
	default:
		s.report(errors.New("sync queue full, dropping hot write"))
	}
}

// --- Strategy: Write-Through (Cold → Hot) ---

// UpsertSubscription implements billing.Store with write-through strategy.
// Hot receives the row as Cold stored it, so CreatedAt and supersession match.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	applied, err := s.cold.UpsertSubscription(ctx, sub)
	if err != nil || !applied {
		return applied, err
	}

	stored, err := s.cold.GetSubscriptionByProviderID(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		s.report(fmt.Errorf("read back subscription %s: %w", sub.ProviderSubscriptionID, err))
		return true, nil
	}
	s.mirror(func() error {
		_, err := s.hot.UpsertSubscription(context.Background(), stored)
		return err
	})
	return true, nil
}

// UpdateSubscription implements billing.Store with write-through strategy.
func (s *Storage) UpdateSubscription(
	ctx context.Context, providerSubscriptionID string, fn func(*billing.Subscription) error,
) (*billing.Subscription, error) {
	updated, err := s.cold.UpdateSubscription(ctx, providerSubscriptionID, fn)
	if err != nil {
		return nil, err
	}

	row := updated.Clone()
	s.mirror(func() error {
		_, err := s.hot.UpsertSubscription(context.Background(), row)
		return err
	})
	return updated, nil
}

// UpsertInvoice implements billing.Store with write-through strategy.
func (s *Storage) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	written, err := s.cold.UpsertInvoice(ctx, inv)
	if err != nil || !written {
		return written, err
	}

	row := inv.Clone()
	s.mirror(func() error {
		_, err := s.hot.UpsertInvoice(context.Background(), row)
		return err
	})
	return true, nil
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetSubscriptionByProviderID implements billing.Store with read-through strategy.
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	// 1. Try Hot
	sub, err := s.hot.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
	if err == nil {
		return sub, nil
	}

	// 2. Try Cold (Source of Truth)
	sub, err = s.cold.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair)
	// Cache fill errors are non-critical
	_, _ = s.hot.UpsertSubscription(ctx, sub)
	return sub, nil
}

// GetInvoiceByProviderID implements billing.Store with read-through strategy.
func (s *Storage) GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*billing.Invoice, error) {
	inv, err := s.hot.GetInvoiceByProviderID(ctx, providerInvoiceID)
	if err == nil {
		return inv, nil
	}

	inv, err = s.cold.GetInvoiceByProviderID(ctx, providerInvoiceID)
	if err != nil {
		return nil, err
	}

	_, _ = s.hot.UpsertInvoice(ctx, inv)
	return inv, nil
}

// --- Strategy: Cold-Only ---

// GetActiveSubscription implements billing.Store with cold-only strategy.
func (s *Storage) GetActiveSubscription(ctx context.Context, userEmail string) (*billing.Subscription, error) {
	return s.cold.GetActiveSubscription(ctx, userEmail)
}

// ListSubscriptions implements billing.Store with cold-only strategy.
func (s *Storage) ListSubscriptions(ctx context.Context, userEmail string) ([]*billing.Subscription, error) {
	return s.cold.ListSubscriptions(ctx, userEmail)
}

// ListInvoices implements billing.Store with cold-only strategy.
func (s *Storage) ListInvoices(ctx context.Context, userEmail string) ([]*billing.Invoice, error) {
	return s.cold.ListInvoices(ctx, userEmail)
}
