package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal         *prometheus.CounterVec
	webhookProcessingDuration  *prometheus.HistogramVec
	webhookErrorsTotal         *prometheus.CounterVec
	checkoutsTotal             *prometheus.CounterVec
	commandsTotal              *prometheus.CounterVec
	statusTransitionsTotal     *prometheus.CounterVec
	apiCallsTotal              *prometheus.CounterVec
	apiCallDuration            *prometheus.HistogramVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the billing core.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events processed, by outcome.",
		}, []string{"event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		checkoutsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkouts_total",
			Help:      "Total number of checkout session attempts.",
		}, []string{"plan", "status"}),

		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "commands_total",
			Help:      "Total number of subscription commands.",
		}, []string{"command", "status"}),

		statusTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "status_transitions_total",
			Help:      "Total number of subscription status transitions.",
		}, []string{"from_status", "to_status"}),

		apiCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_calls_total",
			Help:      "Total number of API calls to the billing provider.",
		}, []string{"endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "api_call_duration_seconds",
			Help:      "Duration of API calls to the billing provider in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of provider circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordCheckout(plan, status string) {
	m.checkoutsTotal.WithLabelValues(plan, status).Inc()
}

func (m *Metrics) RecordCommand(command, status string) {
	m.commandsTotal.WithLabelValues(command, status).Inc()
}

func (m *Metrics) RecordStatusTransition(from, to string) {
	m.statusTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordAPICall(endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
