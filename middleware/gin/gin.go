// Package gin mounts the billing HTTP API inside a Gin engine
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	httpmw "github.com/mihaimyh/billsync/middleware/http"
)

// CallerExtractor extracts the caller email from a Gin context
// Return empty string if the caller is not authenticated
type CallerExtractor func(c *gongin.Context) string

// Config holds adapter configuration
type Config struct {
	// Handler serves the billing routes, usually api.Handler.Routes() (required).
	// The api handler must read the caller with httpmw.CallerEmail.
	Handler http.Handler

	// GetCallerEmail extracts the caller email from context (required)
	GetCallerEmail CallerExtractor

	// StripPrefix is removed from the request path before it reaches Handler.
	// Set it when Register is called on a group, e.g. "/api".
	StripPrefix string
}

// Register mounts every billing route under /billing on r
func Register(r gongin.IRoutes, cfg Config) {
	r.Any("/billing/*path", Handler(cfg))
}

// Handler returns a Gin handler that forwards to the billing API with the caller in context
func Handler(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Handler == nil {
		panic("billsync/gin: Config.Handler is required")
	}
	if cfg.GetCallerEmail == nil {
		panic("billsync/gin: Config.GetCallerEmail is required")
	}

	next := cfg.Handler
	if cfg.StripPrefix != "" {
		next = http.StripPrefix(cfg.StripPrefix, next)
	}

	return func(c *gongin.Context) {
		req := c.Request
		if email := cfg.GetCallerEmail(c); email != "" {
			req = req.WithContext(httpmw.WithCallerEmail(req.Context(), email))
		}
		next.ServeHTTP(c.Writer, req)
		c.Abort()
	}
}

// Convenience extractors for the caller email

// FromContext returns a CallerExtractor that gets the email from Gin context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("email", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("email", email)
//
//	// In adapter config:
//	GetCallerEmail: gin.FromContext("email")
func FromContext(key string) CallerExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a CallerExtractor that gets the email from a header set by a trusted proxy
func FromHeader(headerName string) CallerExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}
