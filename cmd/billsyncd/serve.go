package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/billsync/internal/config"
	httpmw "github.com/mihaimyh/billsync/middleware/http"
	"github.com/mihaimyh/billsync/pkg/api"
)

const (
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 15 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the billing API and metrics endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts.cfg, opts.log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to release resources")
		}
	}()

	handler, err := newRouter(cfg, a, log)
	if err != nil {
		return err
	}

	apiServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{apiServer, metricsServer} {
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Msg("stopped")
	return err
}

// newRouter mounts the billing API behind the identity and request logging middleware
func newRouter(cfg *config.Config, a *app, log zerolog.Logger) (http.Handler, error) {
	if err := cfg.RequirePublicURL(); err != nil {
		return nil, err
	}

	billingAPI, err := api.NewHandler(api.Config{
		Checkout:       a.checkout,
		Commands:       a.commands,
		Webhooks:       a.webhooks,
		Store:          a.store,
		GetCallerEmail: httpmw.CallerEmail,
		PublicURL:      cfg.PublicURL,
		Logger:         a.logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Webhook deliveries carry no caller, so identity is optional here and
	// enforced per endpoint by the API handler
	identity := httpmw.Middleware(httpmw.Config{
		GetCallerEmail: httpmw.FromHeader(cfg.IdentityHeader),
	})
	r.Mount("/", identity(billingAPI.Routes()))

	return r, nil
}

// requestLogger tags each request with a correlation id and logs its outcome
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
