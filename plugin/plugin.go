// Package plugin provides an extensible plugin system for the billing engine.
// Plugins hook into ledger, reservation, webhook and subscription events to
// record metrics, write audit trails or notify other systems. A plugin
// implements Plugin plus any subset of the hook interfaces below.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *billing.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCredited is called after a credit entry is written.
type OnCredited interface {
	Plugin
	OnCredited(ctx context.Context, entry *credit.Entry) error
}

// OnDebited is called after a debit or refund entry is written, including
// the debit written by a reservation commit.
type OnDebited interface {
	Plugin
	OnDebited(ctx context.Context, entry *credit.Entry) error
}

// OnInsufficientCredits is called when a debit or reservation is refused.
type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, tenantID string, requested int64) error
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

type OnReservationCreated interface {
	Plugin
	OnReservationCreated(ctx context.Context, r *reservation.Reservation) error
}

type OnReservationCommitted interface {
	Plugin
	OnReservationCommitted(ctx context.Context, r *reservation.Reservation, entry *credit.Entry) error
}

type OnReservationReleased interface {
	Plugin
	OnReservationReleased(ctx context.Context, r *reservation.Reservation) error
}

// OnReservationsSwept is called after each sweep pass that released holds.
type OnReservationsSwept interface {
	Plugin
	OnReservationsSwept(ctx context.Context, released int, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed is called after a handler completed for an admitted event.
type OnWebhookProcessed interface {
	Plugin
	OnWebhookProcessed(ctx context.Context, rec *webhook.Record, elapsed time.Duration) error
}

// OnWebhookDuplicate is called when a delivery is recognized as a replay.
type OnWebhookDuplicate interface {
	Plugin
	OnWebhookDuplicate(ctx context.Context, env *webhook.Envelope, existing *webhook.Record) error
}

// OnWebhookUnmatched is called when no tenant could be resolved for an event.
type OnWebhookUnmatched interface {
	Plugin
	OnWebhookUnmatched(ctx context.Context, rec *webhook.Record) error
}

type OnWebhookFailed interface {
	Plugin
	OnWebhookFailed(ctx context.Context, rec *webhook.Record, cause error) error
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced is called after the mirror is written from provider
// truth. mismatch reports whether the previous mirror disagreed.
type OnSubscriptionSynced interface {
	Plugin
	OnSubscriptionSynced(ctx context.Context, m *subscription.Mirror, mismatch bool) error
}

// OnSubscriptionChanged is called after a tenant-requested plan change was
// accepted by the provider or routed to checkout.
type OnSubscriptionChanged interface {
	Plugin
	OnSubscriptionChanged(ctx context.Context, tenantID string, mode subscription.ChangeMode, target catalog.Key) error
}

// ──────────────────────────────────────────────────
// Transaction hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded is called once per newly created billing transaction.
type OnTransactionRecorded interface {
	Plugin
	OnTransactionRecorded(ctx context.Context, t *transaction.Transaction) error
}
