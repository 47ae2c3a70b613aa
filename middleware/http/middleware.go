// Package http provides HTTP middleware that resolves the billing caller identity
package http

import (
	"context"
	"net/http"
	"strings"
)

// CallerExtractor extracts the caller's email from an HTTP request
// Return empty string if the caller is not authenticated
type CallerExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// GetCallerEmail extracts the caller email from a trusted source (required)
	GetCallerEmail CallerExtractor

	// Required rejects requests without a caller. When false, anonymous requests
	// pass through with no identity in context (the webhook route needs this).
	Required bool

	// OnUnauthorized is called when the caller is not authenticated and Required is set
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// Middleware creates an HTTP middleware that stores the caller identity in the request context
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetCallerEmail == nil {
		panic("billsync/http: Config.GetCallerEmail is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			email := strings.TrimSpace(config.GetCallerEmail(r))
			if email == "" {
				if config.Required {
					if config.OnUnauthorized != nil {
						config.OnUnauthorized(w, r)
					} else {
						http.Error(w, "Unauthorized", http.StatusUnauthorized)
					}
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCallerEmail(r.Context(), email)))
		})
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// CallerEmailKey is the context key for the caller email
	CallerEmailKey ContextKey = "billing:callerEmail"
)

// WithCallerEmail adds the caller email to the context
func WithCallerEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, CallerEmailKey, email)
}

// CallerEmail returns the caller email stored by Middleware, or an empty string.
// It matches the GetCallerEmail signature of pkg/api.
func CallerEmail(r *http.Request) string {
	if email, ok := r.Context().Value(CallerEmailKey).(string); ok {
		return email
	}
	return ""
}

// FromHeader returns a CallerExtractor that reads a header set by a trusted proxy
func FromHeader(headerName string) CallerExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a CallerExtractor that reads a value stored by upstream auth middleware
func FromContext(key interface{}) CallerExtractor {
	return func(r *http.Request) string {
		if email, ok := r.Context().Value(key).(string); ok {
			return email
		}
		return ""
	}
}
