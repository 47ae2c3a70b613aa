package main

import (
	"context"
	"errors"
	"fmt"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/billsync/internal/config"
	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/events/rabbitmq"
	billingzerolog "github.com/mihaimyh/billsync/pkg/billing/logger/zerolog"
	prommetrics "github.com/mihaimyh/billsync/pkg/billing/metrics/prometheus"
	billingstripe "github.com/mihaimyh/billsync/pkg/billing/stripe"
	"github.com/mihaimyh/billsync/storage/firestore"
	"github.com/mihaimyh/billsync/storage/memory"
	"github.com/mihaimyh/billsync/storage/postgres"
	"github.com/mihaimyh/billsync/storage/redis"
	"github.com/mihaimyh/billsync/storage/tiered"
)

const metricsNamespace = "billsync"

// app holds the wired billing components and the resources that must be released on exit
type app struct {
	logger   billing.Logger
	registry *prometheus.Registry
	store    billing.Store

	checkout *billing.CheckoutInitiator
	commands *billing.CommandHandler
	webhooks *billing.WebhookProcessor

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{
		logger:   billingzerolog.NewLogger(log),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := prommetrics.NewMetrics(a.registry, metricsNamespace)

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("failed to build plan catalog: %w", err)
	}

	a.store, err = a.openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	gateway, err := billingstripe.NewGateway(billingstripe.Config{
		APIKey:  cfg.Stripe.APIKey,
		Timeout: cfg.Stripe.Timeout,
		Logger:  a.logger,
		Metrics: metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create stripe gateway: %w", err)
	}

	bcfg := billing.Config{
		Store:   a.store,
		Gateway: gateway,
		Catalog: catalog,
		Logger:  a.logger,
		Metrics: metrics,
	}

	if cfg.Stripe.WebhookSecret != "" {
		verifier, err := billingstripe.NewVerifier(cfg.Stripe.WebhookSecret)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create webhook verifier: %w", err)
		}
		bcfg.Verifier = verifier
	}

	if cfg.RabbitMQURL != "" {
		publisher, err := rabbitmq.New(rabbitmq.Config{URL: cfg.RabbitMQURL, Logger: a.logger})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect publisher: %w", err)
		}
		a.closers = append(a.closers, publisher.Close)
		bcfg.Publisher = publisher
	}

	if a.checkout, err = billing.NewCheckoutInitiator(bcfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.commands, err = billing.NewCommandHandler(bcfg); err != nil {
		a.Close()
		return nil, err
	}
	if a.webhooks, err = billing.NewWebhookProcessor(bcfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("webhook processor: %w (is STRIPE_WEBHOOK_SECRET set?)", err)
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (billing.Store, error) {
	var durable billing.Store

	switch cfg.Store {
	case config.StorePostgres:
		s, err := openPostgres(ctx, cfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		durable = s

	case config.StoreRedis:
		return a.openRedis(ctx, cfg)

	case config.StoreFirestore:
		client, err := gfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		if durable, err = firestore.New(client, firestore.Config{}); err != nil {
			return nil, err
		}

	default:
		return memory.New(), nil
	}

	if !cfg.Redis.Cache {
		return durable, nil
	}

	hot, err := a.openRedis(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := tiered.New(tiered.Config{
		Hot:          hot,
		Cold:         durable,
		AsyncHotSync: true,
		AsyncErrorHandler: func(err error) {
			a.logger.Warn("cache write failed", billing.F("error", err))
		},
	})
	if err != nil {
		return nil, err
	}
	// Registered last so the queue drains before the backends close
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func (a *app) openRedis(ctx context.Context, cfg *config.Config) (*redis.Storage, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	s, err := redis.New(client, redis.Config{KeyPrefix: cfg.Redis.Prefix})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.closers = append(a.closers, s.Close)
	return s, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, logger billing.Logger) (*postgres.Storage, error) {
	pcfg := postgres.DefaultConfig()
	pcfg.ConnectionString = cfg.Postgres.URL
	pcfg.MaxConns = cfg.Postgres.MaxConns
	pcfg.MinConns = cfg.Postgres.MinConns
	pcfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime
	pcfg.MaxConnIdleTime = cfg.Postgres.MaxConnIdleTime
	pcfg.AutoMigrate = cfg.Postgres.AutoMigrate
	pcfg.Logger = logger
	return postgres.New(ctx, pcfg)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
