package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Stripe event types the reconciliation core acts on
const (
	eventSubscriptionCreated     = "customer.subscription.created"
	eventSubscriptionUpdated     = "customer.subscription.updated"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	eventInvoicePaymentFailed    = "invoice.payment_failed"
)

// SignatureHeader is the request header carrying the Stripe signature.
const SignatureHeader = "Stripe-Signature"

// Verifier implements billing.EventVerifier with Stripe's signing scheme.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

var _ billing.EventVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier for the endpoint signing secret (whsec_...).
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}, nil
}

// Verify checks the signature and timestamp tolerance, then decodes the event.
// The payload is not inspected before verification succeeds.
func (v *Verifier) Verify(payload []byte, signature string) (*billing.Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing %s header", billing.ErrInvalidSignature, SignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	return decodeEvent(&event)
}

// decodeEvent maps a verified Stripe event onto the closed set of billing event payloads.
func decodeEvent(event *stripe.Event) (*billing.Event, error) {
	out := &billing.Event{
		ID:         event.ID,
		Type:       string(event.Type),
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Payload:    billing.Ignored{},
	}
	if event.Data == nil {
		return out, nil
	}
	raw := event.Data.Raw

	switch out.Type {
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrUnexpectedFault, err)
		}
		out.Payload = billing.SubscriptionChanged{Subscription: *snapshotFromSubscription(&sub)}

	case eventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: failed to unmarshal subscription: %v", billing.ErrUnexpectedFault, err)
		}
		out.Payload = billing.SubscriptionDeleted{ProviderSubscriptionID: sub.ID}

	case eventInvoicePaid, eventInvoicePaymentSucceeded:
		snap, err := invoiceSnapshot(raw, true)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.InvoiceSettled{Invoice: *snap}

	case eventInvoicePaymentFailed:
		snap, err := invoiceSnapshot(raw, false)
		if err != nil {
			return nil, err
		}
		out.Payload = billing.InvoicePaymentFailed{Invoice: *snap}
	}

	return out, nil
}

func invoiceSnapshot(raw json.RawMessage, paid bool) (*billing.InvoiceSnapshot, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal invoice: %v", billing.ErrUnexpectedFault, err)
	}

	currency := strings.ToLower(string(invoice.Currency))
	snap := &billing.InvoiceSnapshot{
		ProviderInvoiceID:      invoice.ID,
		ProviderSubscriptionID: invoiceSubscriptionID(raw),
		InvoiceNumber:          invoice.Number,
		CustomerEmail:          invoice.CustomerEmail,
		Currency:               currency,
	}
	if invoice.PeriodStart > 0 {
		snap.PeriodStart = time.Unix(invoice.PeriodStart, 0).UTC()
	}
	if invoice.PeriodEnd > 0 {
		snap.PeriodEnd = time.Unix(invoice.PeriodEnd, 0).UTC()
	}

	if paid {
		snap.Amount = minorToMajor(invoice.AmountPaid, currency)
		if invoice.StatusTransitions != nil && invoice.StatusTransitions.PaidAt > 0 {
			paidAt := time.Unix(invoice.StatusTransitions.PaidAt, 0).UTC()
			snap.PaidAt = &paidAt
		}
	} else {
		snap.Amount = minorToMajor(invoice.AmountDue, currency)
	}
	return snap, nil
}

// invoiceSubscriptionID reads the owning subscription from the raw invoice JSON.
// Older API versions carry it at the top level, newer ones under parent.subscription_details.
func invoiceSubscriptionID(raw json.RawMessage) string {
	var rawData struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       *struct {
			SubscriptionDetails *struct {
				Subscription json.RawMessage `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	if id := expandableID(rawData.Subscription); id != "" {
		return id
	}
	if rawData.Parent != nil && rawData.Parent.SubscriptionDetails != nil {
		return expandableID(rawData.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// expandableID handles fields that are either an id string or an expanded object.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
