package billing

import "time"

// DefaultProviderTimeout bounds every provider call when the gateway config leaves it unset.
const DefaultProviderTimeout = 10 * time.Second

// Config defines the collaborators shared by the checkout initiator, command handler
// and webhook processor.
type Config struct {
	// Store persists Subscription and Invoice records. Required.
	Store Store

	// Gateway talks to the payment provider. Required.
	Gateway Gateway

	// Catalog maps plans to provider price ids. Required.
	Catalog *Catalog

	// Verifier authenticates and decodes webhook deliveries.
	// Required by the webhook processor only.
	Verifier EventVerifier

	// Publisher is notified after every applied webhook mutation.
	// If nil, nothing is published.
	Publisher Publisher

	// Logger is an optional structured logger.
	// If nil, logging is silently ignored (no-op).
	Logger Logger

	// Metrics is an optional metrics collector.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate(needVerifier bool) error {
	if c.Store == nil || c.Gateway == nil || c.Catalog == nil {
		return ErrProviderNotConfigured
	}
	if needVerifier && c.Verifier == nil {
		return ErrProviderNotConfigured
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Logger == nil {
		out.Logger = &NoopLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &NoopMetrics{}
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}
