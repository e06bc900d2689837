package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration, so emitting
// an event only walks the plugins that implement it.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onCredited             []OnCredited
	onDebited              []OnDebited
	onInsufficientCredits  []OnInsufficientCredits
	onReservationCreated   []OnReservationCreated
	onReservationCommitted []OnReservationCommitted
	onReservationReleased  []OnReservationReleased
	onReservationsSwept    []OnReservationsSwept
	onWebhookProcessed     []OnWebhookProcessed
	onWebhookDuplicate     []OnWebhookDuplicate
	onWebhookUnmatched     []OnWebhookUnmatched
	onWebhookFailed        []OnWebhookFailed
	onSubscriptionSynced   []OnSubscriptionSynced
	onSubscriptionChanged  []OnSubscriptionChanged
	onTransactionRecorded  []OnTransactionRecorded
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// cache appends p to list when it implements T and records the hook name.
func cache[T any](p Plugin, list *[]T, name string, hooks *[]string) {
	if v, ok := p.(T); ok {
		*list = append(*list, v)
		*hooks = append(*hooks, name)
	}
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	cache(p, &r.onInit, "OnInit", &hooks)
	cache(p, &r.onShutdown, "OnShutdown", &hooks)
	cache(p, &r.onCredited, "OnCredited", &hooks)
	cache(p, &r.onDebited, "OnDebited", &hooks)
	cache(p, &r.onInsufficientCredits, "OnInsufficientCredits", &hooks)
	cache(p, &r.onReservationCreated, "OnReservationCreated", &hooks)
	cache(p, &r.onReservationCommitted, "OnReservationCommitted", &hooks)
	cache(p, &r.onReservationReleased, "OnReservationReleased", &hooks)
	cache(p, &r.onReservationsSwept, "OnReservationsSwept", &hooks)
	cache(p, &r.onWebhookProcessed, "OnWebhookProcessed", &hooks)
	cache(p, &r.onWebhookDuplicate, "OnWebhookDuplicate", &hooks)
	cache(p, &r.onWebhookUnmatched, "OnWebhookUnmatched", &hooks)
	cache(p, &r.onWebhookFailed, "OnWebhookFailed", &hooks)
	cache(p, &r.onSubscriptionSynced, "OnSubscriptionSynced", &hooks)
	cache(p, &r.onSubscriptionChanged, "OnSubscriptionChanged", &hooks)
	cache(p, &r.onTransactionRecorded, "OnTransactionRecorded", &hooks)

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for every plugin in the snapshot of *list. Failures are
// logged and never returned.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list *[]T, fn func(T) error) {
	r.mu.RLock()
	plugins := *list
	r.mu.RUnlock()

	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", &r.onInit, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", &r.onShutdown, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

func (r *Registry) EmitCredited(ctx context.Context, entry *credit.Entry) {
	emit(ctx, r, "OnCredited", &r.onCredited, func(p OnCredited) error {
		return p.OnCredited(ctx, entry)
	})
}

func (r *Registry) EmitDebited(ctx context.Context, entry *credit.Entry) {
	emit(ctx, r, "OnDebited", &r.onDebited, func(p OnDebited) error {
		return p.OnDebited(ctx, entry)
	})
}

func (r *Registry) EmitInsufficientCredits(ctx context.Context, tenantID string, requested int64) {
	emit(ctx, r, "OnInsufficientCredits", &r.onInsufficientCredits, func(p OnInsufficientCredits) error {
		return p.OnInsufficientCredits(ctx, tenantID, requested)
	})
}

func (r *Registry) EmitReservationCreated(ctx context.Context, res *reservation.Reservation) {
	emit(ctx, r, "OnReservationCreated", &r.onReservationCreated, func(p OnReservationCreated) error {
		return p.OnReservationCreated(ctx, res)
	})
}

func (r *Registry) EmitReservationCommitted(ctx context.Context, res *reservation.Reservation, entry *credit.Entry) {
	emit(ctx, r, "OnReservationCommitted", &r.onReservationCommitted, func(p OnReservationCommitted) error {
		return p.OnReservationCommitted(ctx, res, entry)
	})
}

func (r *Registry) EmitReservationReleased(ctx context.Context, res *reservation.Reservation) {
	emit(ctx, r, "OnReservationReleased", &r.onReservationReleased, func(p OnReservationReleased) error {
		return p.OnReservationReleased(ctx, res)
	})
}

func (r *Registry) EmitReservationsSwept(ctx context.Context, released int, elapsed time.Duration) {
	emit(ctx, r, "OnReservationsSwept", &r.onReservationsSwept, func(p OnReservationsSwept) error {
		return p.OnReservationsSwept(ctx, released, elapsed)
	})
}

func (r *Registry) EmitWebhookProcessed(ctx context.Context, rec *webhook.Record, elapsed time.Duration) {
	emit(ctx, r, "OnWebhookProcessed", &r.onWebhookProcessed, func(p OnWebhookProcessed) error {
		return p.OnWebhookProcessed(ctx, rec, elapsed)
	})
}

func (r *Registry) EmitWebhookDuplicate(ctx context.Context, env *webhook.Envelope, existing *webhook.Record) {
	emit(ctx, r, "OnWebhookDuplicate", &r.onWebhookDuplicate, func(p OnWebhookDuplicate) error {
		return p.OnWebhookDuplicate(ctx, env, existing)
	})
}

func (r *Registry) EmitWebhookUnmatched(ctx context.Context, rec *webhook.Record) {
	emit(ctx, r, "OnWebhookUnmatched", &r.onWebhookUnmatched, func(p OnWebhookUnmatched) error {
		return p.OnWebhookUnmatched(ctx, rec)
	})
}

func (r *Registry) EmitWebhookFailed(ctx context.Context, rec *webhook.Record, cause error) {
	emit(ctx, r, "OnWebhookFailed", &r.onWebhookFailed, func(p OnWebhookFailed) error {
		return p.OnWebhookFailed(ctx, rec, cause)
	})
}

func (r *Registry) EmitSubscriptionSynced(ctx context.Context, m *subscription.Mirror, mismatch bool) {
	emit(ctx, r, "OnSubscriptionSynced", &r.onSubscriptionSynced, func(p OnSubscriptionSynced) error {
		return p.OnSubscriptionSynced(ctx, m, mismatch)
	})
}

func (r *Registry) EmitSubscriptionChanged(ctx context.Context, tenantID string, mode subscription.ChangeMode, target catalog.Key) {
	emit(ctx, r, "OnSubscriptionChanged", &r.onSubscriptionChanged, func(p OnSubscriptionChanged) error {
		return p.OnSubscriptionChanged(ctx, tenantID, mode, target)
	})
}

func (r *Registry) EmitTransactionRecorded(ctx context.Context, t *transaction.Transaction) {
	emit(ctx, r, "OnTransactionRecorded", &r.onTransactionRecorded, func(p OnTransactionRecorded) error {
		return p.OnTransactionRecorded(ctx, t)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the billing pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
