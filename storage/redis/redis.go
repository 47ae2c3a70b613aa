// Package redis provides a Redis implementation of the billing.Store interface.
// Upserts run as Lua scripts for atomicity; read-modify-write updates use WATCH
// with an optimistic transaction and bounded retries.
//
// A subscription upsert touches keys owned by the row and by its user, which
// need not share a hash slot, so the store targets a single Redis node.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Storage implements billing.Store using Redis
type Storage struct {
	client  *redis.Client
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "billsync:")
	KeyPrefix string

	// MaxRetries is the maximum number of optimistic transaction attempts (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "billsync:",
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter
func New(client *redis.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "billsync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts for atomic upserts.
//
// Subscription hashes hold the JSON row in "data" plus the fields scripts need to
// read or rewrite: status, last_event_at (unix micros), created_at and updated_at.
// Those fields override the JSON on read.
//
// The upsert receives the user's open row as read by the caller (ARGV[9], key
// KEYS[4]) and returns -1 when the active pointer moved in the meantime.
func (s *Storage) loadScripts() {
	s.scripts["upsertSubscription"] = redis.NewScript(`
		local subKey = KEYS[1]
		local listKey = KEYS[2]
		local activeKey = KEYS[3]
		local currentKey = KEYS[4]
		local data = ARGV[1]
		local status = ARGV[2]
		local lastEventAt = tonumber(ARGV[3])
		local createdAt = ARGV[4]
		local updatedAt = ARGV[5]
		local score = ARGV[6]
		local id = ARGV[7]
		local cancelled = ARGV[8]
		local expected = ARGV[9]
		local incomplete = ARGV[10]
		local active = ARGV[11]
		local pastDue = ARGV[12]

		local current = redis.call('GET', activeKey)
		if not current then
			current = ''
		end
		if current ~= expected then
			return -1
		end

		local stored = redis.call('HGET', subKey, 'last_event_at')
		if stored and lastEventAt < tonumber(stored) then
			return 0
		end

		if status == incomplete and current ~= '' and current ~= id then
			local currentStatus = redis.call('HGET', currentKey, 'status')
			if currentStatus == active or currentStatus == pastDue then
				return 0
			end
		end

		local existingCreated = redis.call('HGET', subKey, 'created_at')
		if existingCreated then
			createdAt = existingCreated
		else
			redis.call('ZADD', listKey, score, id)
		end

		redis.call('HSET', subKey,
			'data', data,
			'status', status,
			'last_event_at', ARGV[3],
			'created_at', createdAt,
			'updated_at', updatedAt)

		if status ~= cancelled then
			if current ~= '' and current ~= id then
				redis.call('HSET', currentKey, 'status', cancelled, 'updated_at', updatedAt)
			end
			redis.call('SET', activeKey, id)
		elseif current == id then
			redis.call('DEL', activeKey)
		end

		return 1
	`)

	// Invoices: insert once, promote failed to paid, never demote
	s.scripts["upsertInvoice"] = redis.NewScript(`
		local invKey = KEYS[1]
		local listKey = KEYS[2]
		local data = ARGV[1]
		local status = ARGV[2]
		local amount = ARGV[3]
		local paidAt = ARGV[4]
		local score = ARGV[5]
		local id = ARGV[6]
		local paid = ARGV[7]
		local failed = ARGV[8]

		if redis.call('EXISTS', invKey) == 0 then
			redis.call('HSET', invKey, 'data', data, 'status', status, 'amount', amount, 'paid_at', paidAt)
			redis.call('ZADD', listKey, score, id)
			return 1
		end

		if redis.call('HGET', invKey, 'status') == failed and status == paid then
			redis.call('HSET', invKey, 'status', status, 'amount', amount, 'paid_at', paidAt)
			return 1
		end

		return 0
	`)
}

// subscriptionRecord is the JSON form of a subscription row
type subscriptionRecord struct {
	UserEmail              string          `json:"user_email"`
	Plan                   string          `json:"plan"`
	Status                 string          `json:"status"`
	ProviderCustomerID     string          `json:"provider_customer_id"`
	ProviderSubscriptionID string          `json:"provider_subscription_id"`
	CurrentPeriodStart     time.Time       `json:"current_period_start"`
	CurrentPeriodEnd       time.Time       `json:"current_period_end"`
	CancelAtPeriodEnd      bool            `json:"cancel_at_period_end"`
	MonthlyPrice           decimal.Decimal `json:"monthly_price"`
	Currency               string          `json:"currency"`
	LastEventAt            time.Time       `json:"last_event_at"`
}

// invoiceRecord is the JSON form of an invoice row
type invoiceRecord struct {
	UserEmail          string    `json:"user_email"`
	SubscriptionID     string    `json:"subscription_id"`
	InvoiceNumber      string    `json:"invoice_number"`
	ProviderInvoiceID  string    `json:"provider_invoice_id"`
	Currency           string    `json:"currency"`
	BillingPeriodStart time.Time `json:"billing_period_start"`
	BillingPeriodEnd   time.Time `json:"billing_period_end"`
	CreatedAt          time.Time `json:"created_at"`
}

// UpsertSubscription implements billing.Store
func (s *Storage) UpsertSubscription(ctx context.Context, sub *billing.Subscription) (bool, error) {
	if sub == nil || sub.ProviderSubscriptionID == "" {
		return false, fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(toSubscriptionRecord(sub))
	if err != nil {
		return false, fmt.Errorf("failed to marshal subscription: %w", err)
	}

	subKey := s.subscriptionKey(sub.ProviderSubscriptionID)
	activeKey := s.activeKey(sub.UserEmail)

	for i := 0; i < s.config.MaxRetries; i++ {
		current, err := s.client.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("failed to read active subscription: %w", err)
		}
		currentKey := subKey
		if current != "" {
			currentKey = s.subscriptionKey(current)
		}

		result, err := s.scripts["upsertSubscription"].Run(ctx, s.client,
			[]string{subKey, s.userSubscriptionsKey(sub.UserEmail), activeKey, currentKey},
			string(data),
			string(sub.Status),
			sub.LastEventAt.UnixMicro(),
			formatTime(sub.CreatedAt),
			formatTime(sub.UpdatedAt),
			sub.CreatedAt.UnixMicro(),
			sub.ProviderSubscriptionID,
			string(billing.StatusCancelled),
			current,
			string(billing.StatusIncomplete),
			string(billing.StatusActive),
			string(billing.StatusPastDue),
		).Int()
		if err != nil {
			return false, fmt.Errorf("failed to upsert subscription: %w", err)
		}
		if result >= 0 {
			return result == 1, nil
		}
		// Active pointer moved, retry
	}

	return false, fmt.Errorf("failed to upsert subscription %s: too many concurrent writers", sub.ProviderSubscriptionID)
}

// GetSubscriptionByProviderID implements billing.Store
func (s *Storage) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	return s.loadSubscription(ctx, s.client, providerSubscriptionID)
}

// GetActiveSubscription implements billing.Store
func (s *Storage) GetActiveSubscription(ctx context.Context, userEmail string) (*billing.Subscription, error) {
	id, err := s.client.Get(ctx, s.activeKey(userEmail)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}

	sub, err := s.loadSubscription(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if sub.IsCancelled() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListSubscriptions implements billing.Store
func (s *Storage) ListSubscriptions(ctx context.Context, userEmail string) ([]*billing.Subscription, error) {
	ids, err := s.client.ZRevRange(ctx, s.userSubscriptionsKey(userEmail), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	out := make([]*billing.Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.loadSubscription(ctx, s.client, id)
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// UpdateSubscription implements billing.Store
func (s *Storage) UpdateSubscription(
	ctx context.Context, providerSubscriptionID string, fn func(*billing.Subscription) error,
) (*billing.Subscription, error) {
	key := s.subscriptionKey(providerSubscriptionID)

	var updated *billing.Subscription
	txf := func(tx *redis.Tx) error {
		sub, err := s.loadSubscription(ctx, tx, providerSubscriptionID)
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
		// The reconciliation key is immutable
		sub.ProviderSubscriptionID = providerSubscriptionID

		data, err := json.Marshal(toSubscriptionRecord(sub))
		if err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}

		activeKey := s.activeKey(sub.UserEmail)
		active, err := tx.Get(ctx, activeKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read active subscription: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"data", string(data),
				"status", string(sub.Status),
				"last_event_at", sub.LastEventAt.UnixMicro(),
				"created_at", formatTime(sub.CreatedAt),
				"updated_at", formatTime(sub.UpdatedAt),
			)
			switch {
			case !sub.IsCancelled():
				pipe.Set(ctx, activeKey, providerSubscriptionID, 0)
			case active == providerSubscriptionID:
				pipe.Del(ctx, activeKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = sub
		return nil
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Concurrent write, retry
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("failed to update subscription %s: too many concurrent writers", providerSubscriptionID)
}

// UpsertInvoice implements billing.Store
func (s *Storage) UpsertInvoice(ctx context.Context, inv *billing.Invoice) (bool, error) {
	if inv == nil || inv.ProviderInvoiceID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	data, err := json.Marshal(invoiceRecord{
		UserEmail:          inv.UserEmail,
		SubscriptionID:     inv.SubscriptionID,
		InvoiceNumber:      inv.InvoiceNumber,
		ProviderInvoiceID:  inv.ProviderInvoiceID,
		Currency:           inv.Currency,
		BillingPeriodStart: inv.BillingPeriodStart,
		BillingPeriodEnd:   inv.BillingPeriodEnd,
		CreatedAt:          inv.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal invoice: %w", err)
	}

	paidAt := ""
	if inv.PaidAt != nil {
		paidAt = formatTime(*inv.PaidAt)
	}

	result, err := s.scripts["upsertInvoice"].Run(ctx, s.client,
		[]string{
			s.invoiceKey(inv.ProviderInvoiceID),
			s.userInvoicesKey(inv.UserEmail),
		},
		string(data),
		string(inv.Status),
		inv.Amount.String(),
		paidAt,
		inv.CreatedAt.UnixMicro(),
		inv.ProviderInvoiceID,
		string(billing.InvoicePaid),
		string(billing.InvoiceFailed),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return result == 1, nil
}

// GetInvoiceByProviderID implements billing.Store
func (s *Storage) GetInvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*billing.Invoice, error) {
	fields, err := s.client.HGetAll(ctx, s.invoiceKey(providerInvoiceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	if len(fields) == 0 {
		return nil, billing.ErrInvoiceNotFound
	}
	return decodeInvoice(fields)
}

// ListInvoices implements billing.Store
func (s *Storage) ListInvoices(ctx context.Context, userEmail string) ([]*billing.Invoice, error) {
	ids, err := s.client.ZRevRange(ctx, s.userInvoicesKey(userEmail), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}

	out := make([]*billing.Invoice, 0, len(ids))
	for _, id := range ids {
		inv, err := s.GetInvoiceByProviderID(ctx, id)
		if errors.Is(err, billing.ErrInvoiceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// hashReader is satisfied by both the client and a WATCH transaction
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *Storage) loadSubscription(ctx context.Context, c hashReader, id string) (*billing.Subscription, error) {
	fields, err := c.HGetAll(ctx, s.subscriptionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	return decodeSubscription(fields)
}

func toSubscriptionRecord(sub *billing.Subscription) subscriptionRecord {
	return subscriptionRecord{
		UserEmail:              sub.UserEmail,
		Plan:                   string(sub.Plan),
		Status:                 string(sub.Status),
		ProviderCustomerID:     sub.ProviderCustomerID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		MonthlyPrice:           sub.MonthlyPrice,
		Currency:               sub.Currency,
		LastEventAt:            sub.LastEventAt,
	}
}

func decodeSubscription(fields map[string]string) (*billing.Subscription, error) {
	var rec subscriptionRecord
	if err := json.Unmarshal([]byte(fields["data"]), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	sub := &billing.Subscription{
		UserEmail:              rec.UserEmail,
		Plan:                   billing.Plan(rec.Plan),
		Status:                 billing.Status(rec.Status),
		ProviderCustomerID:     rec.ProviderCustomerID,
		ProviderSubscriptionID: rec.ProviderSubscriptionID,
		CurrentPeriodStart:     rec.CurrentPeriodStart,
		CurrentPeriodEnd:       rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:      rec.CancelAtPeriodEnd,
		MonthlyPrice:           rec.MonthlyPrice,
		Currency:               rec.Currency,
		LastEventAt:            rec.LastEventAt,
	}
	if status := fields["status"]; status != "" {
		sub.Status = billing.Status(status)
	}
	var err error
	if sub.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	return sub, nil
}

func decodeInvoice(fields map[string]string) (*billing.Invoice, error) {
	var rec invoiceRecord
	if err := json.Unmarshal([]byte(fields["data"]), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	amount, err := decimal.NewFromString(fields["amount"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse invoice amount: %w", err)
	}

	inv := &billing.Invoice{
		UserEmail:          rec.UserEmail,
		SubscriptionID:     rec.SubscriptionID,
		InvoiceNumber:      rec.InvoiceNumber,
		ProviderInvoiceID:  rec.ProviderInvoiceID,
		Amount:             amount,
		Currency:           rec.Currency,
		Status:             billing.InvoiceStatus(fields["status"]),
		BillingPeriodStart: rec.BillingPeriodStart,
		BillingPeriodEnd:   rec.BillingPeriodEnd,
		CreatedAt:          rec.CreatedAt,
	}
	if raw := fields["paid_at"]; raw != "" {
		paidAt, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		inv.PaidAt = &paidAt
	}
	return inv, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %s: %w", strconv.Quote(raw), err)
	}
	return t, nil
}

func (s *Storage) subscriptionKey(providerSubscriptionID string) string {
	return s.config.KeyPrefix + "sub:" + providerSubscriptionID
}

func (s *Storage) userSubscriptionsKey(email string) string {
	return s.config.KeyPrefix + "user:" + email + ":subs"
}

func (s *Storage) activeKey(email string) string {
	return s.config.KeyPrefix + "user:" + email + ":active"
}

func (s *Storage) invoiceKey(providerInvoiceID string) string {
	return s.config.KeyPrefix + "inv:" + providerInvoiceID
}

func (s *Storage) userInvoicesKey(email string) string {
	return s.config.KeyPrefix + "user:" + email + ":invoices"
}
