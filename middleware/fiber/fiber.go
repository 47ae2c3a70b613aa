// Package fiber mounts the billing HTTP API inside a Fiber app
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// CallerHeader carries the resolved caller into the net/http billing handler.
// It is overwritten on every request, so a client-supplied value never reaches the handler.
// Configure the api handler with api.FromHeader(CallerHeader).
const CallerHeader = "X-Billsync-Caller-Email"

// CallerExtractor extracts the caller email from a Fiber context
// Return empty string if the caller is not authenticated
type CallerExtractor func(c *fiber.Ctx) string

// Config holds adapter configuration
type Config struct {
	// Handler serves the billing routes, usually api.Handler.Routes() (required)
	Handler http.Handler

	// GetCallerEmail extracts the caller email from context (required)
	GetCallerEmail CallerExtractor

	// StripPrefix is removed from the request path before it reaches Handler.
	StripPrefix string
}

// Register mounts every billing route under /billing on r
func Register(r fiber.Router, cfg Config) {
	r.All("/billing/*", Handler(cfg))
}

// Handler returns a Fiber handler that forwards to the billing API with the caller attached
func Handler(cfg Config) fiber.Handler {
	if cfg.Handler == nil {
		panic("billsync/fiber: Config.Handler is required")
	}
	if cfg.GetCallerEmail == nil {
		panic("billsync/fiber: Config.GetCallerEmail is required")
	}

	next := cfg.Handler
	if cfg.StripPrefix != "" {
		next = http.StripPrefix(cfg.StripPrefix, next)
	}
	forward := adaptor.HTTPHandler(next)

	return func(c *fiber.Ctx) error {
		email := cfg.GetCallerEmail(c)
		c.Request().Header.Del(CallerHeader)
		if email != "" {
			c.Request().Header.Set(CallerHeader, email)
		}
		return forward(c)
	}
}

// FromContext returns a CallerExtractor that gets the email from Fiber context values (Locals)
// set by auth middleware via c.Locals(key, email).
func FromContext(key string) CallerExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a CallerExtractor that gets the email from a header set by a trusted proxy
func FromHeader(headerName string) CallerExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}
