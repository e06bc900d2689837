package store

import (
	"context"
	"time"

	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// Store is the unified storage interface for all billing records.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
//
// Every backend enforces uniqueness on (tenant, idempotency key) for
// reservations and transactions, on (provider, event id) for webhook records,
// and performs balance checks and their writes in one transaction per tenant.
type Store interface {
	// Credit ledger methods
	AppendEntry(ctx context.Context, e *credit.Entry) error
	Balance(ctx context.Context, tenantID string) (credit.Balance, error)
	ListEntries(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Entry, error)

	// Reservation methods
	CreateReservation(ctx context.Context, r *reservation.Reservation) (*reservation.Reservation, bool, error)
	GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error)
	CommitReservation(ctx context.Context, resID id.ReservationID, entry *credit.Entry, at time.Time) (*reservation.Reservation, *credit.Entry, error)
	ReleaseReservation(ctx context.Context, resID id.ReservationID, reason string, at time.Time) (*reservation.Reservation, error)
	ListActiveReservations(ctx context.Context, opts reservation.ListOpts) ([]*reservation.Reservation, error)

	// Webhook event methods
	ClaimWebhookEvent(ctx context.Context, rec *webhook.Record, opts webhook.ClaimOpts) (*webhook.Record, bool, error)
	GetWebhookEvent(ctx context.Context, provider, eventID string) (*webhook.Record, error)
	FindWebhookEventByHash(ctx context.Context, provider, hash string, opts webhook.ClaimOpts) (*webhook.Record, error)
	FinishWebhookEvent(ctx context.Context, recID id.WebhookEventID, status webhook.Status, errMsg string, at time.Time) error
	ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Record, error)

	// Subscription mirror methods
	GetMirror(ctx context.Context, tenantID string) (*subscription.Mirror, error)
	UpsertMirror(ctx context.Context, m *subscription.Mirror) (*subscription.Mirror, error)
	TenantByCustomerID(ctx context.Context, customerID string) (string, error)
	TenantBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)

	// Transaction methods
	RecordTransaction(ctx context.Context, t *transaction.Transaction, entry *credit.Entry) (*transaction.Transaction, bool, error)
	GetTransaction(ctx context.Context, tenantID, idempotencyKey string) (*transaction.Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that the unified store satisfies each domain contract.
var (
	_ credit.Store       = Store(nil)
	_ reservation.Store  = Store(nil)
	_ webhook.Store      = Store(nil)
	_ subscription.Store = Store(nil)
	_ transaction.Store  = Store(nil)
)
