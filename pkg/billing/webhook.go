package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome reports what a processed event did to the store.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeNoop    Outcome = "noop"
	OutcomeStale   Outcome = "stale"
	OutcomeIgnored Outcome = "ignored"
)

// ProcessResult is returned for every delivery that completed without fault.
type ProcessResult struct {
	EventID   string
	EventType string
	Outcome   Outcome
}

var errNoChange = errors.New("no change")

// WebhookProcessor verifies provider events and reconciles the store from them.
// It is the only component that sets authoritative status transitions.
type WebhookProcessor struct {
	store     Store
	gateway   Gateway
	catalog   *Catalog
	verifier  EventVerifier
	publisher Publisher
	logger    Logger
	metrics   Metrics
	now       func() time.Time
}

// NewWebhookProcessor creates a webhook processor.
func NewWebhookProcessor(config Config) (*WebhookProcessor, error) {
	if err := config.validate(true); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	return &WebhookProcessor{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		catalog:   cfg.Catalog,
		verifier:  cfg.Verifier,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}, nil
}

// Process authenticates payload against signature and applies the event it carries.
// Nothing is read from the payload before the signature is verified. A returned error
// wrapping ErrInvalidSignature must not be retried; any other error should be surfaced
// to the provider so it redelivers.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signature string) (*ProcessResult, error) {
	startTime := time.Now()

	event, err := p.verifier.Verify(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			p.metrics.RecordWebhookError("invalid_signature")
			p.logger.Warn("webhook signature rejected", Field{"error", err})
			return nil, err
		}
		// Authentic but undecodable; let the provider redeliver.
		p.metrics.RecordWebhookError("decode_error")
		p.logger.Error("webhook payload decode failed", Field{"error", err})
		if errors.Is(err, ErrUnexpectedFault) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedFault, err)
	}

	res, err := p.Apply(ctx, event)
	p.metrics.RecordWebhookProcessingDuration(event.Type, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(event.Type, "error")
		p.metrics.RecordWebhookError("processing_error")
		p.logger.Error("webhook processing failed",
			Field{"event_id", event.ID}, Field{"event_type", event.Type}, Field{"error", err})
		return nil, err
	}
	p.metrics.RecordWebhookEvent(event.Type, string(res.Outcome))
	return res, nil
}

// Apply reduces a verified event into the store.
func (p *WebhookProcessor) Apply(ctx context.Context, event *Event) (*ProcessResult, error) {
	var (
		outcome Outcome
		err     error
	)

	switch payload := event.Payload.(type) {
	case SubscriptionChanged:
		outcome, err = p.applySubscriptionChanged(ctx, event, payload.Subscription)
	case SubscriptionDeleted:
		outcome, err = p.applySubscriptionDeleted(ctx, event, payload.ProviderSubscriptionID)
	case InvoiceSettled:
		outcome, err = p.applyInvoicePaid(ctx, event, payload.Invoice)
	case InvoicePaymentFailed:
		outcome, err = p.applyInvoicePaymentFailed(ctx, event, payload.Invoice)
	case Ignored:
		p.logger.Debug("webhook event ignored", Field{"event_id", event.ID}, Field{"event_type", event.Type})
		outcome = OutcomeIgnored
	default:
		err = fmt.Errorf("%w: unhandled event payload %T", ErrUnexpectedFault, event.Payload)
	}
	if err != nil {
		return nil, err
	}

	if outcome == OutcomeStale {
		p.logger.Debug("stale webhook event skipped",
			Field{"event_id", event.ID}, Field{"event_type", event.Type}, Field{"occurred_at", event.OccurredAt})
	}
	return &ProcessResult{EventID: event.ID, EventType: event.Type, Outcome: outcome}, nil
}

// SyncSubscription pulls the provider's current view of a subscription and reduces it
// through the same path as a subscription.updated event.
func (p *WebhookProcessor) SyncSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	snap, err := p.gateway.RetrieveSubscription(ctx, providerSubscriptionID)
	if err != nil {
		return nil, upstream(err)
	}

	event := &Event{
		ID:         "sync_" + providerSubscriptionID,
		Type:       "subscription.sync",
		OccurredAt: p.now(),
		Payload:    SubscriptionChanged{Subscription: *snap},
	}
	if _, err := p.Apply(ctx, event); err != nil {
		return nil, err
	}
	return p.store.GetSubscriptionByProviderID(ctx, providerSubscriptionID)
}

func (p *WebhookProcessor) applySubscriptionChanged(ctx context.Context, event *Event, snap SubscriptionSnapshot) (Outcome, error) {
	if snap.ProviderSubscriptionID == "" {
		return "", fmt.Errorf("%w: subscription event %s has no subscription id", ErrUnexpectedFault, event.ID)
	}

	existing, err := p.store.GetSubscriptionByProviderID(ctx, snap.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return "", fmt.Errorf("%w: load subscription: %v", ErrUnexpectedFault, err)
	}
	if existing != nil && event.OccurredAt.Before(existing.LastEventAt) {
		return OutcomeStale, nil
	}

	email, err := p.resolveSubscriptionEmail(ctx, snap, existing)
	if err != nil {
		return "", err
	}

	if snap.MonthlyPrice.IsNegative() {
		return "", fmt.Errorf("%w: negative price on subscription %s", ErrUnexpectedFault, snap.ProviderSubscriptionID)
	}

	now := p.now()
	sub := &Subscription{
		UserEmail:              email,
		Plan:                   p.resolvePlan(snap),
		Status:                 StatusFromProvider(snap.ProviderStatus),
		ProviderCustomerID:     snap.ProviderCustomerID,
		ProviderSubscriptionID: snap.ProviderSubscriptionID,
		CancelAtPeriodEnd:      snap.CancelAtPeriodEnd,
		MonthlyPrice:           snap.MonthlyPrice,
		Currency:               snap.Currency,
		LastEventAt:            event.OccurredAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	switch {
	case snap.CurrentPeriodEnd.After(snap.CurrentPeriodStart):
		sub.CurrentPeriodStart = snap.CurrentPeriodStart
		sub.CurrentPeriodEnd = snap.CurrentPeriodEnd
	case existing != nil:
		sub.CurrentPeriodStart = existing.CurrentPeriodStart
		sub.CurrentPeriodEnd = existing.CurrentPeriodEnd
	}

	applied, err := p.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return "", fmt.Errorf("%w: upsert subscription: %v", ErrUnexpectedFault, err)
	}
	if !applied {
		if p.heldBehindPaying(ctx, sub) {
			p.logger.Info("incomplete subscription held behind paying subscription",
				Field{"event_id", event.ID}, Field{"provider_subscription_id", sub.ProviderSubscriptionID})
			return OutcomeNoop, nil
		}
		return OutcomeStale, nil
	}

	var previous Status
	if existing != nil {
		previous = existing.Status
	}
	p.applied(ctx, event, sub, previous, "")
	return OutcomeApplied, nil
}

// heldBehindPaying reports whether an incomplete row was skipped because the user already
// has another active or past_due subscription.
func (p *WebhookProcessor) heldBehindPaying(ctx context.Context, sub *Subscription) bool {
	if sub.Status != StatusIncomplete {
		return false
	}
	current, err := p.store.GetActiveSubscription(ctx, sub.UserEmail)
	if err != nil {
		return false
	}
	return current.ProviderSubscriptionID != sub.ProviderSubscriptionID && current.IsPaying()
}

func (p *WebhookProcessor) applySubscriptionDeleted(ctx context.Context, event *Event, providerSubscriptionID string) (Outcome, error) {
	if providerSubscriptionID == "" {
		return "", fmt.Errorf("%w: deletion event %s has no subscription id", ErrUnexpectedFault, event.ID)
	}

	var previous Status
	sub, err := p.store.UpdateSubscription(ctx, providerSubscriptionID, func(s *Subscription) error {
		if event.OccurredAt.Before(s.LastEventAt) {
			return ErrStaleEvent
		}
		if s.Status == StatusCancelled {
			return errNoChange
		}
		previous = s.Status
		s.Status = StatusCancelled
		s.CancelAtPeriodEnd = false
		s.LastEventAt = event.OccurredAt
		s.UpdatedAt = p.now()
		return nil
	})
	if outcome, done, err := updateOutcome(err); done {
		return outcome, err
	}

	p.applied(ctx, event, sub, previous, "")
	return OutcomeApplied, nil
}

func (p *WebhookProcessor) applyInvoicePaid(ctx context.Context, event *Event, snap InvoiceSnapshot) (Outcome, error) {
	if snap.ProviderInvoiceID == "" {
		return "", fmt.Errorf("%w: invoice event %s has no invoice id", ErrUnexpectedFault, event.ID)
	}

	owner, err := p.invoiceOwner(ctx, snap)
	if err != nil {
		return "", err
	}
	email := NormalizeEmail(snap.CustomerEmail)
	if email == "" && owner != nil {
		email = owner.UserEmail
	}
	if email == "" {
		if snap.ProviderSubscriptionID != "" {
			// The subscription row has not been created yet; redelivery resolves it.
			return "", fmt.Errorf("%w: no owner for invoice %s", ErrUnexpectedFault, snap.ProviderInvoiceID)
		}
		p.logger.Warn("invoice without customer email skipped", Field{"provider_invoice_id", snap.ProviderInvoiceID})
		return OutcomeNoop, nil
	}

	paidAt := snap.PaidAt
	if paidAt == nil {
		t := event.OccurredAt
		paidAt = &t
	}

	inv := p.invoiceFromSnapshot(snap, email, InvoicePaid)
	inv.PaidAt = paidAt

	written, err := p.store.UpsertInvoice(ctx, inv)
	if err != nil {
		return "", fmt.Errorf("%w: upsert invoice: %v", ErrUnexpectedFault, err)
	}
	if !written {
		return OutcomeNoop, nil
	}

	p.publish(ctx, AppliedEvent{
		EventID:                event.ID,
		EventType:              event.Type,
		EventTimestamp:         event.OccurredAt,
		UserEmail:              email,
		ProviderSubscriptionID: snap.ProviderSubscriptionID,
		ProviderInvoiceID:      snap.ProviderInvoiceID,
	})
	return OutcomeApplied, nil
}

func (p *WebhookProcessor) applyInvoicePaymentFailed(ctx context.Context, event *Event, snap InvoiceSnapshot) (Outcome, error) {
	if snap.ProviderSubscriptionID == "" {
		return OutcomeNoop, nil
	}

	var previous Status
	sub, err := p.store.UpdateSubscription(ctx, snap.ProviderSubscriptionID, func(s *Subscription) error {
		if event.OccurredAt.Before(s.LastEventAt) {
			return ErrStaleEvent
		}
		if s.Status == StatusPastDue || s.Status == StatusCancelled {
			return errNoChange
		}
		previous = s.Status
		s.Status = StatusPastDue
		s.LastEventAt = event.OccurredAt
		s.UpdatedAt = p.now()
		return nil
	})
	outcome, done, err := updateOutcome(err)
	if err != nil {
		return "", err
	}
	if !done {
		outcome = OutcomeApplied
	}

	recorded, err := p.recordFailedInvoice(ctx, snap, sub)
	if err != nil {
		return "", err
	}
	// A stale event still leaves its invoice in the history
	if recorded && outcome != OutcomeStale {
		outcome = OutcomeApplied
	}

	if sub != nil && previous != "" {
		p.applied(ctx, event, sub, previous, snap.ProviderInvoiceID)
	}
	return outcome, nil
}

// recordFailedInvoice stores the failed invoice once when it can be attributed.
func (p *WebhookProcessor) recordFailedInvoice(ctx context.Context, snap InvoiceSnapshot, owner *Subscription) (bool, error) {
	if snap.ProviderInvoiceID == "" {
		return false, nil
	}
	email := NormalizeEmail(snap.CustomerEmail)
	if email == "" && owner == nil {
		var err error
		if owner, err = p.invoiceOwner(ctx, snap); err != nil {
			return false, err
		}
	}
	if email == "" && owner != nil {
		email = owner.UserEmail
	}
	if email == "" {
		return false, nil
	}

	written, err := p.store.UpsertInvoice(ctx, p.invoiceFromSnapshot(snap, email, InvoiceFailed))
	if err != nil {
		return false, fmt.Errorf("%w: upsert invoice: %v", ErrUnexpectedFault, err)
	}
	return written, nil
}

func (p *WebhookProcessor) invoiceOwner(ctx context.Context, snap InvoiceSnapshot) (*Subscription, error) {
	if snap.ProviderSubscriptionID == "" {
		return nil, nil
	}
	sub, err := p.store.GetSubscriptionByProviderID(ctx, snap.ProviderSubscriptionID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: load subscription: %v", ErrUnexpectedFault, err)
	}
	return sub, nil
}

func (p *WebhookProcessor) invoiceFromSnapshot(snap InvoiceSnapshot, email string, status InvoiceStatus) *Invoice {
	return &Invoice{
		UserEmail:          email,
		SubscriptionID:     snap.ProviderSubscriptionID,
		InvoiceNumber:      snap.InvoiceNumber,
		ProviderInvoiceID:  snap.ProviderInvoiceID,
		Amount:             snap.Amount,
		Currency:           snap.Currency,
		Status:             status,
		BillingPeriodStart: snap.PeriodStart,
		BillingPeriodEnd:   snap.PeriodEnd,
		CreatedAt:          p.now(),
	}
}

// resolveSubscriptionEmail prefers checkout metadata, then the stored row, then the
// provider customer record.
func (p *WebhookProcessor) resolveSubscriptionEmail(ctx context.Context, snap SubscriptionSnapshot, existing *Subscription) (string, error) {
	if email := NormalizeEmail(snap.Metadata[MetadataUserEmail]); email != "" {
		return email, nil
	}
	if existing != nil && existing.UserEmail != "" {
		return existing.UserEmail, nil
	}
	if email := NormalizeEmail(snap.CustomerEmail); email != "" {
		return email, nil
	}
	if snap.ProviderCustomerID != "" {
		customer, err := p.gateway.RetrieveCustomer(ctx, snap.ProviderCustomerID)
		if err != nil {
			return "", upstream(err)
		}
		if email := NormalizeEmail(customer.Email); email != "" {
			return email, nil
		}
	}
	return "", fmt.Errorf("%w: cannot resolve user email for subscription %s",
		ErrUnexpectedFault, snap.ProviderSubscriptionID)
}

func (p *WebhookProcessor) resolvePlan(snap SubscriptionSnapshot) Plan {
	if plan, err := ParsePlan(snap.Metadata[MetadataPlan]); err == nil {
		return plan
	}
	if plan, ok := p.catalog.PlanForPrice(snap.PriceID); ok {
		return plan
	}
	return PlanBasic
}

func (p *WebhookProcessor) applied(ctx context.Context, event *Event, sub *Subscription, previous Status, invoiceID string) {
	if previous != sub.Status {
		p.metrics.RecordStatusTransition(string(previous), string(sub.Status))
	}
	p.logger.Info("subscription reconciled",
		Field{"event_id", event.ID},
		Field{"event_type", event.Type},
		Field{"provider_subscription_id", sub.ProviderSubscriptionID},
		Field{"user_email", sub.UserEmail},
		Field{"status", sub.Status},
		Field{"plan", sub.Plan})

	p.publish(ctx, AppliedEvent{
		EventID:                event.ID,
		EventType:              event.Type,
		EventTimestamp:         event.OccurredAt,
		UserEmail:              sub.UserEmail,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ProviderInvoiceID:      invoiceID,
		PreviousStatus:         previous,
		NewStatus:              sub.Status,
		Plan:                   sub.Plan,
	})
}

func (p *WebhookProcessor) publish(ctx context.Context, event AppliedEvent) {
	if p.publisher == nil {
		return
	}
	event.Provider = p.gateway.Name()
	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Warn("applied event publish failed",
			Field{"event_id", event.EventID}, Field{"error", err})
	}
}

// updateOutcome maps an UpdateSubscription error onto an outcome. done is false only
// when the update was written.
func updateOutcome(err error) (outcome Outcome, done bool, _ error) {
	switch {
	case err == nil:
		return "", false, nil
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, errNoChange):
		return OutcomeNoop, true, nil
	case errors.Is(err, ErrStaleEvent):
		return OutcomeStale, true, nil
	default:
		return "", true, fmt.Errorf("%w: update subscription: %v", ErrUnexpectedFault, err)
	}
}
