package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/webhook"
)

// Defaults applied by New.
const (
	DefaultDedupeWindow   = 24 * time.Hour
	DefaultClaimTimeout   = 5 * time.Minute
	DefaultStatusTimeout  = 30 * time.Second
	DefaultReservationTTL = time.Hour
	DefaultSweepInterval  = time.Minute
	DefaultSweepLimit     = 500
	MaxIdempotencyKeyLen  = 128
)

// OwnerStateFunc reports whether the unit of work named by owner (a
// campaign, a job) has finished. Active reservations held by a finished
// owner are released by Sweep.
type OwnerStateFunc func(ctx context.Context, owner string) (terminal bool, err error)

// Engine is the billing core: credit ledger, reservations, webhook
// processing, subscription reconciliation and plan changes. It is safe for
// concurrent use; all coordination happens in the store.
type Engine struct {
	store    store.Store
	provider provider.Client
	catalog  *catalog.Catalog
	plugins  *plugin.Registry
	logger   *slog.Logger

	resolver   TenantResolver
	hashIndex  webhook.HashIndex
	ownerState OwnerStateFunc
	validate   *requestValidator
	now        func() time.Time

	// Collapses concurrent status-with-sync reads per tenant.
	statusGroup singleflight.Group

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Configuration
	dedupeWindow   time.Duration
	claimTimeout   time.Duration
	statusTimeout  time.Duration
	reservationTTL time.Duration
	sweepInterval  time.Duration
	sweepLimit     int
}

// New creates an Engine. The catalog is the only source of plan fields; the
// provider client is called for every subscription and checkout operation.
func New(s store.Store, p provider.Client, c *catalog.Catalog, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		provider:       p,
		catalog:        c,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		validate:       newValidator(),
		now:            func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		stopChan:       make(chan struct{}),
		dedupeWindow:   DefaultDedupeWindow,
		claimTimeout:   DefaultClaimTimeout,
		statusTimeout:  DefaultStatusTimeout,
		reservationTTL: DefaultReservationTTL,
		sweepInterval:  DefaultSweepInterval,
		sweepLimit:     DefaultSweepLimit,
	}
	e.resolver = StoreResolver(s)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// WithDedupeWindow sets how far back payload-hash replays are detected.
func WithDedupeWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.dedupeWindow = d
		}
	}
}

// WithClaimTimeout sets how long a pending webhook claim blocks other
// deliveries of the same event. A claim older than this is assumed to
// belong to a crashed worker and may be taken over. Zero disables expiry.
func WithClaimTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.claimTimeout = d
	}
}

// WithStatusTimeout bounds the provider fetch shared by concurrent
// SubscriptionStatus calls.
func WithStatusTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.statusTimeout = d
		}
	}
}

// WithReservationTTL sets the age after which Sweep releases an active
// reservation regardless of its owner. Zero disables age-based release.
func WithReservationTTL(d time.Duration) Option {
	return func(e *Engine) {
		e.reservationTTL = d
	}
}

// WithSweepInterval sets how often the background worker sweeps stranded
// reservations. Zero disables the worker.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithSweepLimit sets how many reservations a sweep reads per page.
func WithSweepLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepLimit = n
		}
	}
}

// WithOwnerState sets the function Sweep uses to find finished owners.
func WithOwnerState(fn OwnerStateFunc) Option {
	return func(e *Engine) {
		e.ownerState = fn
	}
}

// WithTenantResolver replaces the store-backed tenant resolver.
func WithTenantResolver(r TenantResolver) Option {
	return func(e *Engine) {
		if r != nil {
			e.resolver = r
		}
	}
}

// WithHashIndex enables a shared payload-hash index consulted before the
// store during replay checks.
func WithHashIndex(idx webhook.HashIndex) Option {
	return func(e *Engine) {
		e.hashIndex = idx
	}
}

// WithClock overrides the time source. Times are normalized to UTC with
// millisecond precision, the finest every backend stores.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = func() time.Time { return now().UTC().Truncate(time.Millisecond) }
	}
}

// Start migrates the store, initializes plugins and starts the sweep worker.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	if e.sweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepWorker()
	}

	e.logger.Info("billing engine started",
		"sweep_interval", e.sweepInterval,
		"reservation_ttl", e.reservationTTL,
		"dedupe_window", e.dedupeWindow,
		"claim_timeout", e.claimTimeout,
		"plugins", e.plugins.Count(),
	)

	return nil
}

// Stop shuts down the worker, notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// Health reports whether the store is reachable.
func (e *Engine) Health(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("billing: store unhealthy: %w", err)
	}
	return nil
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Catalog returns the plan catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// sweepWorker releases stranded reservations every sweepInterval.
func (e *Engine) sweepWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.sweepInterval)
			if _, err := e.Sweep(ctx, SweepOptions{}); err != nil {
				e.logger.Error("reservation sweep failed", "error", err)
			}
			cancel()
		}
	}
}
