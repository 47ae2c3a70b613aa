package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/billsync/internal/httputil"
	"github.com/mihaimyh/billsync/pkg/billing"
)

const kindBadRequest = "bad_request"

var validate = validator.New()

// Handler provides the billing HTTP endpoints
type Handler struct {
	config  Config
	limiter *httputil.RateLimiter
}

// NewHandler creates a new billing API handler
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.setDefaults()

	return &Handler{
		config:  config,
		limiter: httputil.NewRateLimiter(config.WebhookRateLimit, config.WebhookRateWindow),
	}, nil
}

// Routes returns a router serving every billing endpoint under /billing
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Route("/billing", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckout)
		r.Get("/subscription", h.GetSubscription)
		r.Post("/subscription", h.ApplyCommand)
		r.Get("/invoices", h.ListInvoices)
		r.With(h.limiter.Middleware).Post("/webhook", h.HandleWebhook)
	})
	return r
}

// CreateCheckout opens a hosted checkout session for the caller
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := h.decode(w, r, &req, billing.ErrInvalidPlan); err != nil {
		h.handleError(w, r, err)
		return
	}

	url, err := h.config.Checkout.CreateCheckout(r.Context(), caller, req.Plan, h.returnOrigin(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, CheckoutResponse{URL: url})
}

// ApplyCommand cancels, reactivates, upgrades or downgrades the caller's subscription
func (h *Handler) ApplyCommand(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	var req CommandRequest
	if err := h.decode(w, r, &req, billing.ErrInvalidCommand); err != nil {
		h.handleError(w, r, err)
		return
	}

	result, err := h.config.Commands.ApplyCommand(r.Context(), caller, req.Action, req.Plan)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, CommandResponse{
		Success:     true,
		Message:     result.Message,
		Reconciling: result.Reconciling,
	})
}

// HandleWebhook verifies and applies a provider event delivery
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	httputil.SetNoStore(w)

	payload, err := httputil.ReadBodyStrict(w, r, h.config.MaxWebhookBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.writeError(w, r, status, kindBadRequest, err.Error())
		return
	}

	result, err := h.config.Webhooks.Process(r.Context(), payload, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.config.Logger.Debug("webhook processed",
		billing.F("event_id", result.EventID),
		billing.F("event_type", result.EventType),
		billing.F("outcome", string(result.Outcome)),
	)
	_ = httputil.WriteJSON(w, http.StatusOK, WebhookResponse{Received: true})
}

// GetSubscription returns the caller's current subscription
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Store.GetActiveSubscription(r.Context(), caller.Email)
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		h.handleError(w, r, billing.ErrNoActiveSubscription)
		return
	}
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err))
		return
	}

	_ = httputil.WriteJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// ListInvoices returns the caller's invoices, newest first
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	invoices, err := h.config.Store.ListInvoices(r.Context(), caller.Email)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list invoices: %w", err))
		return
	}

	resp := InvoiceListResponse{Invoices: make([]InvoiceResponse, 0, len(invoices))}
	for _, inv := range invoices {
		resp.Invoices = append(resp.Invoices, toInvoiceResponse(inv))
	}
	_ = httputil.WriteJSON(w, http.StatusOK, resp)
}

// caller resolves the authenticated caller and answers 401 when there is none
func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (billing.Caller, bool) {
	caller := billing.Caller{Email: billing.NormalizeEmail(h.config.GetCallerEmail(r))}
	if !caller.Authenticated() {
		h.handleError(w, r, billing.ErrUnauthenticated)
		return caller, false
	}
	return caller, true
}

// decode reads and validates a JSON body. Malformed or invalid bodies are reported as invalid.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, invalid error) error {
	if err := httputil.DecodeJSON(w, r, defaultMaxRequestBytes, dst); err != nil {
		return fmt.Errorf("%w: %v", invalid, err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Field() == "Plan" {
			invalid = billing.ErrInvalidPlan
		}
		return fmt.Errorf("%w: %v", invalid, err)
	}
	return nil
}

// returnOrigin is the origin checkout redirects back to
func (h *Handler) returnOrigin(r *http.Request) string {
	if h.config.PublicURL != "" {
		return h.config.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	return scheme + "://" + r.Host
}

// StatusForKind maps an error kind to its HTTP status code
func StatusForKind(kind billing.Kind) int {
	switch kind {
	case billing.KindUnauthenticated:
		return http.StatusUnauthorized
	case billing.KindInvalidPlan, billing.KindInvalidCommand, billing.KindInvalidSignature:
		return http.StatusBadRequest
	case billing.KindNoActiveSubscription:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	kind := billing.KindOf(err)
	status := StatusForKind(kind)
	message := err.Error()
	if kind == billing.KindUnexpectedFault {
		h.config.Logger.Error("billing request failed",
			billing.F("path", r.URL.Path),
			billing.F("error", err.Error()),
		)
		message = "internal error"
	}
	h.writeError(w, r, status, string(kind), message)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	if err := httputil.WriteJSON(w, status, ErrorResponse{Error: message, Kind: kind}); err != nil {
		h.config.Logger.Warn("failed to write error response",
			billing.F("path", r.URL.Path),
			billing.F("status", status),
			billing.F("error", err.Error()),
		)
	}
}
