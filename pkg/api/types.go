package api

import (
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// CheckoutRequest is the body of POST /billing/checkout
type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required,max=32"`
}

// CheckoutResponse carries the provider-hosted checkout URL
type CheckoutResponse struct {
	URL string `json:"url"`
}

// CommandRequest is the body of POST /billing/subscription
type CommandRequest struct {
	Action string `json:"action" validate:"required,max=32"`
	Plan   string `json:"plan,omitempty" validate:"omitempty,max=32"`
}

// CommandResponse reports an applied subscription command
type CommandResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Reconciling bool   `json:"reconciling,omitempty"`
}

// WebhookResponse acknowledges a processed webhook delivery
type WebhookResponse struct {
	Received bool `json:"received"`
}

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// SubscriptionResponse is the read view of a subscription
type SubscriptionResponse struct {
	UserEmail              string     `json:"user_email"`
	Plan                   string     `json:"plan"`
	Status                 string     `json:"status"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	ProviderCustomerID     string     `json:"provider_customer_id"`
	CurrentPeriodStart     *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `json:"cancel_at_period_end"`
	MonthlyPrice           string     `json:"monthly_price"`
	Currency               string     `json:"currency,omitempty"`
}

// InvoiceResponse is the read view of an invoice
type InvoiceResponse struct {
	InvoiceNumber      string     `json:"invoice_number"`
	ProviderInvoiceID  string     `json:"provider_invoice_id"`
	SubscriptionID     string     `json:"subscription_id,omitempty"`
	Amount             string     `json:"amount"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	BillingPeriodStart *time.Time `json:"billing_period_start,omitempty"`
	BillingPeriodEnd   *time.Time `json:"billing_period_end,omitempty"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
}

// InvoiceListResponse lists a caller's invoices, newest first
type InvoiceListResponse struct {
	Invoices []InvoiceResponse `json:"invoices"`
}

func toSubscriptionResponse(sub *billing.Subscription) SubscriptionResponse {
	return SubscriptionResponse{
		UserEmail:              sub.UserEmail,
		Plan:                   string(sub.Plan),
		Status:                 string(sub.Status),
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ProviderCustomerID:     sub.ProviderCustomerID,
		CurrentPeriodStart:     optionalTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:       optionalTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		MonthlyPrice:           sub.MonthlyPrice.StringFixed(2),
		Currency:               sub.Currency,
	}
}

func toInvoiceResponse(inv *billing.Invoice) InvoiceResponse {
	return InvoiceResponse{
		InvoiceNumber:      inv.InvoiceNumber,
		ProviderInvoiceID:  inv.ProviderInvoiceID,
		SubscriptionID:     inv.SubscriptionID,
		Amount:             inv.Amount.StringFixed(2),
		Currency:           inv.Currency,
		Status:             string(inv.Status),
		BillingPeriodStart: optionalTime(inv.BillingPeriodStart),
		BillingPeriodEnd:   optionalTime(inv.BillingPeriodEnd),
		PaidAt:             inv.PaidAt,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
