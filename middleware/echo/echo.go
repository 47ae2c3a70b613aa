// Package echo mounts the billing HTTP API inside an Echo server
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	httpmw "github.com/mihaimyh/billsync/middleware/http"
)

// CallerExtractor extracts the caller email from an Echo context
// Return empty string if the caller is not authenticated
type CallerExtractor func(c echo.Context) string

// Router is the subset of *echo.Echo and *echo.Group used by Register
type Router interface {
	Any(path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) []*echo.Route
}

// Config holds adapter configuration
type Config struct {
	// Handler serves the billing routes, usually api.Handler.Routes() (required).
	// The api handler must read the caller with httpmw.CallerEmail.
	Handler http.Handler

	// GetCallerEmail extracts the caller email from context (required)
	GetCallerEmail CallerExtractor

	// StripPrefix is removed from the request path before it reaches Handler.
	StripPrefix string
}

// Register mounts every billing route under /billing on r
func Register(r Router, cfg Config) {
	r.Any("/billing/*", Handler(cfg))
}

// Handler returns an Echo handler that forwards to the billing API with the caller in context
func Handler(cfg Config) echo.HandlerFunc {
	if cfg.Handler == nil {
		panic("billsync/echo: Config.Handler is required")
	}
	if cfg.GetCallerEmail == nil {
		panic("billsync/echo: Config.GetCallerEmail is required")
	}

	next := cfg.Handler
	if cfg.StripPrefix != "" {
		next = http.StripPrefix(cfg.StripPrefix, next)
	}

	return func(c echo.Context) error {
		req := c.Request()
		if email := cfg.GetCallerEmail(c); email != "" {
			req = req.WithContext(httpmw.WithCallerEmail(req.Context(), email))
		}
		next.ServeHTTP(c.Response(), req)
		return nil
	}
}

// FromContext returns a CallerExtractor that gets the email from Echo context values
// set by auth middleware via c.Set(key, email).
func FromContext(key string) CallerExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a CallerExtractor that gets the email from a header set by a trusted proxy
func FromHeader(headerName string) CallerExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
