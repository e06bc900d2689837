// Package config loads billingd process configuration from the environment.
// A .env file in the working directory is read first when present; real
// environment variables take precedence over it.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/xraph/billing/catalog"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongo    = "mongo"
)

// ErrInvalid marks a configuration that cannot start the daemon.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the daemon configuration.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"memory"`
	PGConnURL     string `env:"PG_CONN_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"billing.db"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"billing"`
	RedisURL      string `env:"REDIS_URL"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	// Prices maps "plan:interval:currency" to "price_id[:included_credits]".
	Prices map[string]string `env:"BILLING_PRICES" envSeparator:"," envKeyValSeparator:"="`
	// Packs maps "code:currency" to "price_id:credits".
	Packs              map[string]string `env:"BILLING_PACKS" envSeparator:"," envKeyValSeparator:"="`
	RequiredPlans      []string          `env:"BILLING_REQUIRED_PLANS" envSeparator:","`
	RequiredCurrencies []string          `env:"BILLING_REQUIRED_CURRENCIES" envSeparator:"," envDefault:"usd"`

	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ReservationTTL      time.Duration `env:"RESERVATION_TTL" envDefault:"1h"`
	WebhookDedupeWindow time.Duration `env:"WEBHOOK_DEDUPE_WINDOW" envDefault:"24h"`
	PluginTimeout       time.Duration `env:"PLUGIN_TIMEOUT" envDefault:"5s"`

	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL"`
}

// Load reads .env (if present) and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks fields that depend on each other.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.PGConnURL == "" {
			errs = append(errs, errors.New("PG_CONN_URL is required for the postgres driver"))
		}
	case DriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}

	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if len(c.Prices) == 0 {
		errs = append(errs, errors.New("BILLING_PRICES is empty"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Catalog builds the plan catalog and checks it against the required
// plan and currency matrix for every interval.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	prices, err := catalog.ParsePrices(c.Prices)
	if err != nil {
		return nil, err
	}
	packs, err := catalog.ParsePacks(c.Packs)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(prices, packs)
	if err != nil {
		return nil, err
	}

	req := catalog.Requirement{Plans: c.RequiredPlans, Currencies: c.RequiredCurrencies}
	if len(req.Plans) == 0 {
		req.Plans = planCodes(cat)
	}
	if err := cat.Validate(req); err != nil {
		return nil, err
	}
	return cat, nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// planCodes lists the distinct plans present in the catalog, so a deployment
// that names no required plans still has to price each of them everywhere.
func planCodes(cat *catalog.Catalog) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range cat.Keys() {
		if !seen[k.Plan] {
			seen[k.Plan] = true
			out = append(out, k.Plan)
		}
	}
	return out
}
