// Package extension provides the Forge extension adapter for billing.
//
// It implements the forge.Extension interface to integrate the billing
// engine into a Forge application with DI registration and lifecycle
// management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.billing" or "billing" keys.
package extension

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/httpapi"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "billing"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Tenant billing and credit ledger"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the billing engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *billing.Engine
	store      store.Store
	provider   provider.Client
	catalog    *catalog.Catalog
	engineOpts []billing.Option
	apiOpts    []httpapi.Option
}

// New creates a new billing Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying billing engine.
// This is nil until Register is called.
func (e *Extension) Engine() *billing.Engine { return e.engine }

// Config returns the resolved configuration.
func (e *Extension) Config() Config { return e.config }

// Register implements [forge.Extension]. It loads configuration,
// initializes the billing engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	eng, err := e.buildEngine()
	if err != nil {
		return err
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*billing.Engine, error) {
		return e.engine, nil
	})
}

// buildEngine constructs the engine from the resolved config. Provider and
// catalog are required; the store defaults to the in-memory backend.
func (e *Extension) buildEngine() (*billing.Engine, error) {
	if e.provider == nil {
		return nil, errors.New("billing: provider is required; use WithProvider")
	}
	if e.catalog == nil {
		return nil, errors.New("billing: catalog is required; use WithCatalog")
	}
	if e.store == nil {
		e.store = memory.New()
	}
	return billing.New(e.store, e.provider, e.catalog, e.buildEngineOpts()...), nil
}

// Handler returns the billing HTTP API mounted under BasePath, or nil when
// routes are disabled. The host application mounts it on its router.
func (e *Extension) Handler() http.Handler {
	if e.engine == nil || e.config.DisableRoutes {
		return nil
	}
	h := httpapi.New(e.engine, e.apiOpts...).Handler()
	prefix := strings.TrimSuffix(e.config.BasePath, "/")
	if prefix == "" {
		return h
	}
	return http.StripPrefix(prefix, h)
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("billing: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("billing: engine not initialized")
	}
	return e.engine.Health(ctx)
}

// buildEngineOpts constructs billing.Option values from the resolved config.
// Pass-through options come last so they win over config.
func (e *Extension) buildEngineOpts() []billing.Option {
	opts := make([]billing.Option, 0, len(e.engineOpts)+4)

	if e.config.ReservationTTL > 0 {
		opts = append(opts, billing.WithReservationTTL(e.config.ReservationTTL))
	}
	if e.config.SweepInterval > 0 {
		opts = append(opts, billing.WithSweepInterval(e.config.SweepInterval))
	}
	if e.config.WebhookDedupeWindow > 0 {
		opts = append(opts, billing.WithDedupeWindow(e.config.WebhookDedupeWindow))
	}
	if e.config.PluginTimeout > 0 {
		opts = append(opts, billing.WithPluginTimeout(e.config.PluginTimeout))
	}

	return append(opts, e.engineOpts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("billing: configuration is required but not found in config files; " +
				"ensure 'extensions.billing' or 'billing' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("billing: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("reservation_ttl", e.config.ReservationTTL),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("webhook_dedupe_window", e.config.WebhookDedupeWindow),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.billing", "billing"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("billing: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("billing: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.ReservationTTL == 0 {
		cfg.ReservationTTL = defaults.ReservationTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.WebhookDedupeWindow == 0 {
		cfg.WebhookDedupeWindow = defaults.WebhookDedupeWindow
	}
	if cfg.PluginTimeout == 0 {
		cfg.PluginTimeout = defaults.PluginTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML wins for values it sets; programmatic values fill the gaps and
// programmatic bool flags override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.ReservationTTL == 0 {
		yamlConfig.ReservationTTL = programmaticConfig.ReservationTTL
	}
	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.WebhookDedupeWindow == 0 {
		yamlConfig.WebhookDedupeWindow = programmaticConfig.WebhookDedupeWindow
	}
	if yamlConfig.PluginTimeout == 0 {
		yamlConfig.PluginTimeout = programmaticConfig.PluginTimeout
	}
	return mergeWithDefaults(yamlConfig)
}
