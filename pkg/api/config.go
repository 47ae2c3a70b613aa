package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const (
	defaultMaxWebhookBytes   = 256 * 1024
	defaultMaxRequestBytes   = 16 * 1024
	defaultWebhookRateLimit  = 100
	defaultWebhookRateWindow = time.Minute
	defaultSignatureHeader   = "Stripe-Signature"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Checkout opens hosted checkout sessions (required)
	Checkout *billing.CheckoutInitiator

	// Commands applies subscription commands (required)
	Commands *billing.CommandHandler

	// Webhooks reconciles provider events (required)
	Webhooks *billing.WebhookProcessor

	// Store backs the read endpoints (required)
	Store billing.Store

	// GetCallerEmail extracts the authenticated caller's email from the request (required).
	// Similar to middleware/http pattern. An empty string means unauthenticated.
	GetCallerEmail func(*http.Request) string

	// PublicURL is the origin the provider redirects back to after checkout.
	// If empty, it is derived from the request Host and X-Forwarded-Proto headers,
	// which clients control; set it whenever the handler is reachable directly.
	PublicURL string

	// SignatureHeader names the webhook signature header. Defaults to Stripe-Signature.
	SignatureHeader string

	// MaxWebhookBytes caps the webhook body. Defaults to 256 KiB.
	MaxWebhookBytes int64

	// WebhookRateLimit is the number of webhook requests allowed per client per
	// WebhookRateWindow. Defaults to 100 per minute; negative disables limiting.
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is an optional structured logger
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Checkout == nil {
		return fmt.Errorf("checkout initiator is required")
	}
	if c.Commands == nil {
		return fmt.Errorf("command handler is required")
	}
	if c.Webhooks == nil {
		return fmt.Errorf("webhook processor is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetCallerEmail == nil {
		return fmt.Errorf("getCallerEmail is required")
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.SignatureHeader == "" {
		c.SignatureHeader = defaultSignatureHeader
	}
	if c.MaxWebhookBytes <= 0 {
		c.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	if c.WebhookRateLimit == 0 {
		c.WebhookRateLimit = defaultWebhookRateLimit
	}
	if c.WebhookRateWindow <= 0 {
		c.WebhookRateWindow = defaultWebhookRateWindow
	}
	if c.Logger == nil {
		c.Logger = &billing.NoopLogger{}
	}
	c.PublicURL = strings.TrimRight(c.PublicURL, "/")
}

// Helper functions for common caller extraction patterns

// FromHeader returns a GetCallerEmail function that reads a header set by a trusted proxy
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetCallerEmail function that extracts the email from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if email, ok := r.Context().Value(key).(string); ok {
			return email
		}
		return ""
	}
}
