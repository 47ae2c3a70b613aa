package billing

import "time"

// Metrics defines the interface for tracking reconciliation operations.
// All methods are optional - components fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook delivery.
	// outcome: "applied", "noop", "stale", "ignored" or "error"
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "invalid_signature", "payload_too_large", "processing_error")
	RecordWebhookError(errorType string)

	// RecordCheckout records a checkout session attempt.
	// status: "success" or an error kind
	RecordCheckout(plan, status string)

	// RecordCommand records a subscription command.
	// status: "success" or an error kind
	RecordCommand(command, status string)

	// RecordStatusTransition records when a subscription's status changes.
	RecordStatusTransition(from, to string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/checkout/sessions")
	// status: "success", "error" or "circuit_open"
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)

	// RecordCircuitBreakerStateChange records a provider circuit breaker transition.
	// state: "closed", "half-open" or "open"
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordCheckout(_, _ string)                                {}
func (n *NoopMetrics) RecordCommand(_, _ string)                                 {}
func (n *NoopMetrics) RecordStatusTransition(_, _ string)                        {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(_ string)                  {}
