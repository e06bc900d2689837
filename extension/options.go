package extension

import (
	"time"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/httpapi"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/store"
)

// Option configures the billing Forge extension.
type Option func(*Extension)

// WithStore sets the store for the billing engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithProvider sets the payment provider client. Required.
func WithProvider(p provider.Client) Option {
	return func(e *Extension) {
		e.provider = p
	}
}

// WithCatalog sets the plan catalog. Required.
func WithCatalog(c *catalog.Catalog) Option {
	return func(e *Extension) {
		e.catalog = c
	}
}

// WithEngineOption passes a billing.Option through to the underlying engine.
func WithEngineOption(opt billing.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a billing plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, billing.WithPlugin(p))
	}
}

// WithAPIOption passes an httpapi.Option to the handler built by Handler.
func WithAPIOption(opt httpapi.Option) Option {
	return func(e *Extension) {
		e.apiOpts = append(e.apiOpts, opt)
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents HTTP route registration.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for billing routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithReservationTTL sets the age after which active reservations are swept.
func WithReservationTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.ReservationTTL = d }
}

// WithSweepInterval sets how often the reservation sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithWebhookDedupeWindow sets the payload-hash replay window.
func WithWebhookDedupeWindow(d time.Duration) Option {
	return func(e *Extension) { e.config.WebhookDedupeWindow = d }
}
