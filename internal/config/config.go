// Package config loads billsyncd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Store backends
const (
	StoreMemory    = "memory"
	StorePostgres  = "postgres"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into Config
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidConfig is returned when parsed values are inconsistent
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds every setting billsyncd reads at startup.
type Config struct {
	HTTPAddr    string `env:"BILLSYNC_HTTP_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"BILLSYNC_METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"BILLSYNC_LOG_LEVEL" envDefault:"info"`
	Env         string `env:"BILLSYNC_ENV" envDefault:"production"`
	PublicURL   string `env:"BILLSYNC_PUBLIC_URL"`

	// IdentityHeader carries the authenticated caller email set by the upstream proxy
	IdentityHeader string `env:"BILLSYNC_IDENTITY_HEADER" envDefault:"X-User-Email"`

	Stripe   StripeConfig
	Store    string `env:"BILLSYNC_STORE" envDefault:"memory"`
	Postgres PostgresConfig
	Redis    RedisConfig

	FirestoreProjectID string `env:"FIRESTORE_PROJECT_ID"`
	RabbitMQURL        string `env:"RABBITMQ_URL"`
}

// StripeConfig holds provider credentials and the plan price ids.
type StripeConfig struct {
	APIKey          string        `env:"STRIPE_API_KEY"`
	WebhookSecret   string        `env:"STRIPE_WEBHOOK_SECRET"`
	PriceBasic      string        `env:"STRIPE_PRICE_BASIC"`
	PricePro        string        `env:"STRIPE_PRICE_PRO"`
	PriceEnterprise string        `env:"STRIPE_PRICE_ENTERPRISE"`
	Timeout         time.Duration `env:"BILLSYNC_PROVIDER_TIMEOUT" envDefault:"10s"`
}

// PostgresConfig holds the connection pool settings.
type PostgresConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxConns        int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DATABASE_MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	AutoMigrate     bool          `env:"DATABASE_AUTO_MIGRATE" envDefault:"false"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Prefix   string `env:"REDIS_PREFIX" envDefault:"billsync:"`

	// Cache fronts a postgres or firestore store with Redis for lookups by provider id
	Cache bool `env:"BILLSYNC_REDIS_CACHE" envDefault:"false"`
}

// Load reads the given .env files (default ".env"), then parses the process environment.
// Missing .env files are ignored; variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return parse(env.Options{})
}

// Parse builds a Config from an explicit environment map instead of the process environment.
func Parse(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres store", ErrInvalidConfig)
		}
	case StoreFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("%w: FIRESTORE_PROJECT_ID is required for the firestore store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, c.Store)
	}
	if c.Redis.Cache && (c.Store == StoreMemory || c.Store == StoreRedis) {
		return fmt.Errorf("%w: BILLSYNC_REDIS_CACHE needs a postgres or firestore store", ErrInvalidConfig)
	}
	if c.Stripe.Timeout <= 0 {
		return fmt.Errorf("%w: BILLSYNC_PROVIDER_TIMEOUT must be positive", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.IdentityHeader) == "" {
		return fmt.Errorf("%w: BILLSYNC_IDENTITY_HEADER must not be empty", ErrInvalidConfig)
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: BILLSYNC_PUBLIC_URL must be an absolute http(s) URL", ErrInvalidConfig)
		}
	}
	return nil
}

// RequirePublicURL fails when checkout redirects would be derived from request headers
// outside development.
func (c *Config) RequirePublicURL() error {
	if c.PublicURL == "" && !c.IsDevelopment() {
		return fmt.Errorf("%w: BILLSYNC_PUBLIC_URL is required outside development", ErrInvalidConfig)
	}
	return nil
}

// IsDevelopment reports whether the daemon runs in a development environment.
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// Catalog builds the immutable plan catalog from the configured price ids.
func (c *Config) Catalog() (*billing.Catalog, error) {
	return billing.NewCatalog(map[billing.Plan]string{
		billing.PlanBasic:      c.Stripe.PriceBasic,
		billing.PlanPro:        c.Stripe.PricePro,
		billing.PlanEnterprise: c.Stripe.PriceEnterprise,
	})
}
