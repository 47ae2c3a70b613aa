package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const (
	providerName              = "stripe"
	defaultHTTPTimeout        = 10 * time.Second
	defaultBreakerMaxRequests = 3
	defaultBreakerInterval    = time.Minute
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerFailures    = 5
)

// Config configures the Stripe gateway.
type Config struct {
	// APIKey is the Stripe secret key (sk_live_... / sk_test_...). Required.
	APIKey string

	// Timeout bounds every API call. Defaults to 10s.
	Timeout time.Duration

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with Timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// BaseURL overrides the Stripe API endpoint (tests and stripe-mock).
	BaseURL string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Defaults to 5.
	FailureThreshold uint32

	// OpenTimeout is how long the circuit stays open before probing again.
	// Defaults to 30s.
	OpenTimeout time.Duration

	Logger  billing.Logger
	Metrics billing.Metrics
}

// Gateway implements billing.Gateway for Stripe
type Gateway struct {
	stripeClient *stripe.Client
	breaker      *gobreaker.CircuitBreaker[any]
	timeout      time.Duration
	logger       billing.Logger
	metrics      billing.Metrics
}

var _ billing.Gateway = (*Gateway)(nil)

// NewGateway creates a new Stripe gateway
func NewGateway(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	// Setup HTTP client
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	// Checkout creation must never be retried blindly, so the SDK's own retries are off.
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if config.BaseURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BaseURL, "/"))
	}
	stripeClient := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	failures := config.FailureThreshold
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	openTimeout := config.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        providerName,
		MaxRequests: defaultBreakerMaxRequests,
		Interval:    defaultBreakerInterval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				billing.Field{Key: "breaker", Value: name},
				billing.Field{Key: "from", Value: from.String()},
				billing.Field{Key: "to", Value: to.String()})
			metrics.RecordCircuitBreakerStateChange(to.String())
		},
	})

	return &Gateway{
		stripeClient: stripeClient,
		breaker:      breaker,
		timeout:      timeout,
		logger:       logger,
		metrics:      metrics,
	}, nil
}

// Name returns the provider name
func (g *Gateway) Name() string {
	return providerName
}

// call runs fn under the circuit breaker with a bounded deadline and maps failures
// onto billing.ErrUpstream.
func call[T any](ctx context.Context, g *Gateway, endpoint string, fn func(context.Context) (T, error)) (T, error) {
	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var zero T
	res, err := g.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	g.metrics.RecordAPICallDuration(endpoint, time.Since(startTime))

	if err != nil {
		status := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "circuit_open"
		}
		g.metrics.RecordAPICall(endpoint, status)
		return zero, upstreamError(endpoint, err)
	}

	g.metrics.RecordAPICall(endpoint, "success")
	return res.(T), nil
}

// isBreakerSuccess keeps client errors (4xx) from tripping the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode > 0 && stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
			stripeErr.HTTPStatusCode != http.StatusTooManyRequests
	}
	return false
}

func upstreamError(endpoint string, err error) error {
	var stripeErr *stripe.Error
	switch {
	case errors.As(err, &stripeErr) && stripeErr.Msg != "":
		return fmt.Errorf("%w: %s: %s", billing.ErrUpstream, endpoint, stripeErr.Msg)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: timed out", billing.ErrUpstream, endpoint)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: %s: circuit open", billing.ErrUpstream, endpoint)
	default:
		return fmt.Errorf("%w: %s: %v", billing.ErrUpstream, endpoint, err)
	}
}
