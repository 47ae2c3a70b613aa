package billing

import "errors"

var (
	// ErrUnauthenticated is returned when the caller identity could not be resolved
	ErrUnauthenticated = errors.New("caller is not authenticated")

	// ErrInvalidPlan is returned when a requested plan is not offered
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrUnknownPlan is returned by the Catalog for plans without a configured price
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrInvalidCommand is returned for subscription commands outside the supported set
	ErrInvalidCommand = errors.New("invalid subscription command")

	// ErrNoActiveSubscription is returned when the caller has no non-cancelled subscription
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrInvalidSignature is returned when webhook signature validation fails
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrUpstream is returned when the billing provider call failed or timed out
	ErrUpstream = errors.New("billing provider error")

	// ErrUnexpectedFault wraps anything that does not fit another kind
	ErrUnexpectedFault = errors.New("unexpected fault")

	// ErrProviderNotConfigured is returned when a component is missing a required dependency
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrSubscriptionNotFound is returned by stores when no subscription matches the key
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvoiceNotFound is returned by stores when no invoice matches the key
	ErrInvoiceNotFound = errors.New("invoice not found")

	// ErrStaleEvent is returned by update functions to reject an event older than the stored state
	ErrStaleEvent = errors.New("event is older than stored state")
)

// Kind is the stable error classification exposed to callers.
type Kind string

const (
	KindUnauthenticated      Kind = "unauthenticated"
	KindInvalidPlan          Kind = "invalid_plan"
	KindInvalidCommand       Kind = "invalid_command"
	KindNoActiveSubscription Kind = "no_active_subscription"
	KindInvalidSignature     Kind = "invalid_signature"
	KindUpstream             Kind = "upstream_error"
	KindUnexpectedFault      Kind = "unexpected_fault"
)

// KindOf classifies err. Errors that match no sentinel are unexpected faults.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrInvalidPlan), errors.Is(err, ErrUnknownPlan):
		return KindInvalidPlan
	case errors.Is(err, ErrInvalidCommand):
		return KindInvalidCommand
	case errors.Is(err, ErrNoActiveSubscription):
		return KindNoActiveSubscription
	case errors.Is(err, ErrInvalidSignature):
		return KindInvalidSignature
	case errors.Is(err, ErrUpstream):
		return KindUpstream
	default:
		return KindUnexpectedFault
	}
}
