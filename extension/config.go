package extension

import "time"

// Config holds the billing extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.billing" or "billing" keys).
type Config struct {
	// DisableRoutes prevents Handler from serving the HTTP API.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate skips engine start: store migrations, plugin init and
	// the background sweeper.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for billing routes (default: "/billing").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// ReservationTTL is the age after which the sweeper releases an active
	// reservation (default: 1h).
	ReservationTTL time.Duration `json:"reservation_ttl" mapstructure:"reservation_ttl" yaml:"reservation_ttl"`

	// SweepInterval is how often the sweeper runs (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// WebhookDedupeWindow bounds payload-hash replay detection (default: 24h).
	WebhookDedupeWindow time.Duration `json:"webhook_dedupe_window" mapstructure:"webhook_dedupe_window" yaml:"webhook_dedupe_window"`

	// PluginTimeout bounds each plugin hook call (default: 5s).
	PluginTimeout time.Duration `json:"plugin_timeout" mapstructure:"plugin_timeout" yaml:"plugin_timeout"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:            "/billing",
		ReservationTTL:      time.Hour,
		SweepInterval:       time.Minute,
		WebhookDedupeWindow: 24 * time.Hour,
		PluginTimeout:       5 * time.Second,
	}
}
