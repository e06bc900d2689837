// Package postgres implements store.Store on PostgreSQL through pgx.
//
// Balance-affecting writes lock the tenant's billing_wallets row with
// SELECT ... FOR UPDATE, so concurrent spends for one tenant serialize while
// other tenants proceed independently. Balances are always summed from the
// ledger and active reservations inside that lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/billing"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	billingstore "github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. The caller keeps ownership until Close.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect parses connURL, opens a pool and verifies it with a ping.
func Connect(ctx context.Context, connURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("billing/postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("billing/postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: billing/postgres: %w", billing.ErrStoreNotReady, err)
	}
	return New(pool), nil
}

// Pool returns the underlying pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) tx(ctx context.Context, fn func(pgx.Tx) error) error {
	return classify(pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, fn))
}

// lockWallet creates the tenant's wallet row if needed and holds its row
// lock until the surrounding transaction ends.
func lockWallet(ctx context.Context, tx pgx.Tx, tenantID string) error {
	if _, err := tx.Exec(ctx, `INSERT INTO billing_wallets (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `SELECT 1 FROM billing_wallets WHERE tenant_id = $1 FOR UPDATE`, tenantID)
	return err
}

// ==================== Credit Ledger Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *credit.Entry) error {
	return s.tx(ctx, func(tx pgx.Tx) error {
		if e.Kind.Reduces() {
			if err := requireAvailable(ctx, tx, e.TenantID, e.Amount); err != nil {
				return err
			}
		}
		return insertEntry(ctx, tx, e)
	})
}

func requireAvailable(ctx context.Context, tx pgx.Tx, tenantID string, amount int64) error {
	if err := lockWallet(ctx, tx, tenantID); err != nil {
		return err
	}
	bal, err := balance(ctx, tx, tenantID)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return billing.ErrInsufficientCredits
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, e *credit.Entry) error {
	m := toEntryModel(e)
	_, err := q.Exec(ctx, `INSERT INTO billing_ledger_entries (`+entryColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.TenantID, m.Kind, m.Amount, m.Reason, m.Metadata, m.ReservationID, m.CreatedAt)
	return err
}

func (s *Store) Balance(ctx context.Context, tenantID string) (credit.Balance, error) {
	bal, err := balance(ctx, s.pool, tenantID)
	return bal, classify(err)
}

func balance(ctx context.Context, q querier, tenantID string) (credit.Balance, error) {
	rows, err := q.Query(ctx, `
SELECT
    COALESCE(SUM(amount) FILTER (WHERE kind = 'credit'), 0)::BIGINT,
    COALESCE(SUM(amount) FILTER (WHERE kind = 'debit'), 0)::BIGINT,
    COALESCE(SUM(amount) FILTER (WHERE kind = 'refund'), 0)::BIGINT,
    (SELECT COALESCE(SUM(amount), 0)::BIGINT FROM billing_reservations WHERE tenant_id = $1 AND status = 'active')
FROM billing_ledger_entries
WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return credit.Balance{}, err
	}
	var credited, debited, refunded, reserved int64
	if _, err := pgx.ForEachRow(rows, []any{&credited, &debited, &refunded, &reserved}, func() error { return nil }); err != nil {
		return credit.Balance{}, err
	}
	return credit.NewBalance(tenantID, credited, debited, refunded, reserved), nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Entry, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if opts.Kind != "" {
		args = append(args, string(opts.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	query := `SELECT ` + entryColumns + ` FROM billing_ledger_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC` + limitOffset(opts.Limit, opts.Offset)

	models, err := collect[entryModel](ctx, s.pool, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return convert(models, fromEntryModel)
}

// ==================== Reservation Store ====================

func (s *Store) CreateReservation(ctx context.Context, r *reservation.Reservation) (*reservation.Reservation, bool, error) {
	var (
		out     *reservation.Reservation
		created bool
	)
	err := s.tx(ctx, func(tx pgx.Tx) error {
		if err := lockWallet(ctx, tx, r.TenantID); err != nil {
			return err
		}
		if r.IdempotencyKey != "" {
			existing, err := selectReservation(ctx, tx, `tenant_id = $1 AND idempotency_key = $2`, r.TenantID, r.IdempotencyKey)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, billing.ErrReservationNotFound) {
				return err
			}
		}

		bal, err := balance(ctx, tx, r.TenantID)
		if err != nil {
			return err
		}
		if bal.Available < r.Amount {
			return billing.ErrInsufficientCredits
		}

		m := toReservationModel(r)
		if _, err := tx.Exec(ctx, `INSERT INTO billing_reservations (`+reservationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			m.ID, m.TenantID, m.Amount, m.Status, m.IdempotencyKey, m.Owner, m.Metadata, m.EntryID, m.ResolvedAt, m.ResolveReason, m.CreatedAt, m.UpdatedAt); err != nil {
			return err
		}
		cp := *r
		out, created = &cp, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	r, err := selectReservation(ctx, s.pool, `id = $1`, resID.String())
	return r, classify(err)
}

func selectReservation(ctx context.Context, q querier, where string, args ...any) (*reservation.Reservation, error) {
	models, err := collect[reservationModel](ctx, q, `SELECT `+reservationColumns+` FROM billing_reservations WHERE `+limitOne(where), args...)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, billing.ErrReservationNotFound
	}
	return fromReservationModel(models[0])
}

func (s *Store) CommitReservation(ctx context.Context, resID id.ReservationID, entry *credit.Entry, at time.Time) (*reservation.Reservation, *credit.Entry, error) {
	var (
		outRes   *reservation.Reservation
		outEntry *credit.Entry
	)
	err := s.tx(ctx, func(tx pgx.Tx) error {
		r, err := selectReservation(ctx, tx, `id = $1 FOR UPDATE`, resID.String())
		if err != nil {
			return err
		}
		switch r.Status {
		case reservation.StatusCommitted:
			entries, err := collect[entryModel](ctx, tx, `SELECT `+entryColumns+` FROM billing_ledger_entries WHERE reservation_id = $1`, resID.String())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("billing/postgres: committed reservation %s has no entry", resID)
			}
			outRes = r
			outEntry, err = fromEntryModel(entries[0])
			return err
		case reservation.StatusReleased:
			return billing.ErrInvalidReservationState
		}

		entry.ReservationID = r.ID
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
UPDATE billing_reservations
SET status = 'committed', entry_id = $2, resolved_at = $3, resolve_reason = $4, updated_at = $3
WHERE id = $1`, resID.String(), entry.ID.String(), at, entry.Reason); err != nil {
			return err
		}

		r.Status = reservation.StatusCommitted
		r.EntryID = entry.ID
		r.ResolvedAt = &at
		r.ResolveReason = entry.Reason
		r.UpdatedAt = at
		cp := *entry
		outRes, outEntry = r, &cp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outRes, outEntry, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, resID id.ReservationID, reason string, at time.Time) (*reservation.Reservation, error) {
	var out *reservation.Reservation
	err := s.tx(ctx, func(tx pgx.Tx) error {
		r, err := selectReservation(ctx, tx, `id = $1 FOR UPDATE`, resID.String())
		if err != nil {
			return err
		}
		switch r.Status {
		case reservation.StatusReleased:
			out = r
			return nil
		case reservation.StatusCommitted:
			return billing.ErrInvalidReservationState
		}

		if _, err := tx.Exec(ctx, `
UPDATE billing_reservations
SET status = 'released', resolved_at = $2, resolve_reason = $3, updated_at = $2
WHERE id = $1`, resID.String(), at, reason); err != nil {
			return err
		}
		r.Status = reservation.StatusReleased
		r.ResolvedAt = &at
		r.ResolveReason = reason
		r.UpdatedAt = at
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListActiveReservations(ctx context.Context, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	where := []string{"status = 'active'"}
	var args []any
	if opts.TenantID != "" {
		args = append(args, opts.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if opts.Owner != "" {
		args = append(args, opts.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	if !opts.CreatedBefore.IsZero() {
		args = append(args, opts.CreatedBefore)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	if opts.After != nil {
		args = append(args, opts.After.CreatedAt, opts.After.ID.String())
		where = append(where, fmt.Sprintf("(created_at, id) > ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + reservationColumns + ` FROM billing_reservations WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at, id` + limitOffset(opts.Limit, 0)

	models, err := collect[reservationModel](ctx, s.pool, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return convert(models, fromReservationModel)
}

// ==================== Webhook Event Store ====================

func (s *Store) ClaimWebhookEvent(ctx context.Context, rec *webhook.Record, opts webhook.ClaimOpts) (*webhook.Record, bool, error) {
	var (
		out     *webhook.Record
		claimed bool
	)
	err := s.tx(ctx, func(tx pgx.Tx) error {
		// Deliveries sharing a payload hash serialize on one advisory lock, so
		// the hash check below cannot race an insert under a different id.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, rec.Provider+":"+rec.PayloadHash); err != nil {
			return err
		}

		existing, err := selectWebhook(ctx, tx, `provider = $1 AND event_id = $2 FOR UPDATE`, rec.Provider, rec.EventID)
		switch {
		case err == nil && !existing.Reclaimable(opts.StaleBefore):
			out = existing
			return nil
		case err == nil:
			models, err := collect[webhookModel](ctx, tx, `
UPDATE billing_webhook_events
SET status = 'pending', attempts = attempts + 1, error = '', payload_hash = $2,
    tenant_id = COALESCE(NULLIF($3::TEXT, ''), tenant_id), claimed_at = $4, processed_at = NULL
WHERE id = $1
RETURNING `+webhookColumns, existing.ID.String(), rec.PayloadHash, rec.TenantID, rec.ClaimTime())
			if err != nil {
				return err
			}
			out, err = fromWebhookModel(models[0])
			claimed = err == nil
			return err
		case !errors.Is(err, billing.ErrWebhookEventNotFound):
			return err
		}

		dup, err := selectWebhook(ctx, tx, hashLookup, rec.Provider, rec.PayloadHash, opts.HashSince, opts.StaleBefore)
		if err == nil {
			out = dup
			return nil
		}
		if !errors.Is(err, billing.ErrWebhookEventNotFound) {
			return err
		}

		if _, err := tx.Exec(ctx, `INSERT INTO billing_webhook_events (`+webhookColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, 1, '', $8, NULL, $9)`,
			rec.ID.String(), rec.Provider, rec.EventID, rec.EventType, rec.PayloadHash, rec.TenantID, string(rec.Status), rec.ReceivedAt, rec.ClaimTime()); err != nil {
			return err
		}
		cp := *rec
		cp.Attempts = 1
		cp.ClaimedAt = rec.ClaimTime()
		out, claimed = &cp, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, claimed, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*webhook.Record, error) {
	r, err := selectWebhook(ctx, s.pool, `provider = $1 AND event_id = $2`, provider, eventID)
	return r, classify(err)
}

// hashLookup matches records that still block a payload: neither failed
// nor pending from an expired claim.
const hashLookup = `provider = $1 AND payload_hash = $2 AND received_at >= $3
AND status <> 'failed' AND NOT (status = 'pending' AND claimed_at < $4)
ORDER BY received_at DESC`

func (s *Store) FindWebhookEventByHash(ctx context.Context, provider, hash string, opts webhook.ClaimOpts) (*webhook.Record, error) {
	r, err := selectWebhook(ctx, s.pool, hashLookup, provider, hash, opts.HashSince, opts.StaleBefore)
	return r, classify(err)
}

func selectWebhook(ctx context.Context, q querier, where string, args ...any) (*webhook.Record, error) {
	models, err := collect[webhookModel](ctx, q, `SELECT `+webhookColumns+` FROM billing_webhook_events WHERE `+limitOne(where), args...)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, billing.ErrWebhookEventNotFound
	}
	return fromWebhookModel(models[0])
}

func (s *Store) FinishWebhookEvent(ctx context.Context, recID id.WebhookEventID, status webhook.Status, errMsg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE billing_webhook_events SET status = $2, error = $3, processed_at = $4 WHERE id = $1`,
		recID.String(), string(status), errMsg, at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrWebhookEventNotFound
	}
	return nil
}

func (s *Store) ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Record, error) {
	where := []string{"TRUE"}
	var args []any
	if opts.Provider != "" {
		args = append(args, opts.Provider)
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + webhookColumns + ` FROM billing_webhook_events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY received_at DESC` + limitOffset(opts.Limit, opts.Offset)

	models, err := collect[webhookModel](ctx, s.pool, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return convert(models, fromWebhookModel)
}

// ==================== Subscription Mirror Store ====================

func (s *Store) GetMirror(ctx context.Context, tenantID string) (*subscription.Mirror, error) {
	models, err := collect[mirrorModel](ctx, s.pool, `SELECT `+mirrorColumns+` FROM billing_subscriptions WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	if len(models) == 0 {
		return nil, billing.ErrSubscriptionNotFound
	}
	return fromMirrorModel(models[0])
}

func (s *Store) UpsertMirror(ctx context.Context, m *subscription.Mirror) (*subscription.Mirror, error) {
	models, err := collect[mirrorModel](ctx, s.pool, `
INSERT INTO billing_subscriptions (`+mirrorColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (tenant_id) DO UPDATE SET
    provider_subscription_id = EXCLUDED.provider_subscription_id,
    provider_customer_id     = EXCLUDED.provider_customer_id,
    price_id                 = EXCLUDED.price_id,
    plan_code                = EXCLUDED.plan_code,
    billing_interval         = EXCLUDED.billing_interval,
    currency                 = EXCLUDED.currency,
    status                   = EXCLUDED.status,
    current_period_start     = EXCLUDED.current_period_start,
    current_period_end       = EXCLUDED.current_period_end,
    cancel_at_period_end     = EXCLUDED.cancel_at_period_end,
    pending_change           = EXCLUDED.pending_change,
    last_synced_at           = EXCLUDED.last_synced_at,
    source_of_truth          = EXCLUDED.source_of_truth,
    updated_at               = EXCLUDED.updated_at
RETURNING `+mirrorColumns,
		m.ID.String(), m.TenantID, m.ProviderSubscriptionID, m.ProviderCustomerID, m.PriceID, m.PlanCode,
		string(m.Interval), m.Currency, string(m.Status), m.CurrentPeriodStart, m.CurrentPeriodEnd,
		m.CancelAtPeriodEnd, m.PendingChange, m.LastSyncedAt, m.SourceOfTruth, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return fromMirrorModel(models[0])
}

func (s *Store) TenantByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.tenantBy(ctx, "provider_customer_id", customerID)
}

func (s *Store) TenantBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.tenantBy(ctx, "provider_subscription_id", subscriptionID)
}

func (s *Store) tenantBy(ctx context.Context, column, value string) (string, error) {
	if value == "" {
		return "", billing.ErrSubscriptionNotFound
	}
	var tenantID string
	err := s.pool.QueryRow(ctx, `SELECT tenant_id FROM billing_subscriptions WHERE `+column+` = $1 ORDER BY updated_at DESC LIMIT 1`, value).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrSubscriptionNotFound
	}
	return tenantID, classify(err)
}

// ==================== Transaction Store ====================

func (s *Store) RecordTransaction(ctx context.Context, t *transaction.Transaction, entry *credit.Entry) (*transaction.Transaction, bool, error) {
	var (
		out     *transaction.Transaction
		created bool
	)
	err := s.tx(ctx, func(tx pgx.Tx) error {
		if entry != nil {
			if err := lockWallet(ctx, tx, entry.TenantID); err != nil {
				return err
			}
		}

		tag, err := tx.Exec(ctx, `
INSERT INTO billing_transactions (`+transactionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
			t.ID.String(), t.TenantID, t.IdempotencyKey, string(t.Kind), string(t.Status), t.CreditsAdded,
			t.Amount.Amount, t.Amount.Currency, t.ProviderSessionID, t.ProviderPaymentID, t.ProviderInvoiceID,
			t.Description, nonNil(t.Metadata), t.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			out, err = selectTransaction(ctx, tx, t.TenantID, t.IdempotencyKey)
			return err
		}

		if entry != nil {
			if entry.Kind.Reduces() {
				bal, err := balance(ctx, tx, entry.TenantID)
				if err != nil {
					return err
				}
				if bal.Available < entry.Amount {
					return billing.ErrInsufficientCredits
				}
			}
			if err := insertEntry(ctx, tx, entry); err != nil {
				return err
			}
		}
		cp := *t
		out, created = &cp, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) GetTransaction(ctx context.Context, tenantID, idempotencyKey string) (*transaction.Transaction, error) {
	t, err := selectTransaction(ctx, s.pool, tenantID, idempotencyKey)
	return t, classify(err)
}

func selectTransaction(ctx context.Context, q querier, tenantID, key string) (*transaction.Transaction, error) {
	models, err := collect[transactionModel](ctx, q, `SELECT `+transactionColumns+` FROM billing_transactions WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, key)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, billing.ErrTransactionNotFound
	}
	return fromTransactionModel(models[0])
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if opts.Kind != "" {
		args = append(args, string(opts.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if opts.ProviderPaymentID != "" {
		args = append(args, opts.ProviderPaymentID)
		where = append(where, fmt.Sprintf("provider_payment_id = $%d", len(args)))
	}
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC` + limitOffset(opts.Limit, opts.Offset)

	models, err := collect[transactionModel](ctx, s.pool, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return convert(models, fromTransactionModel)
}

// ==================== helpers ====================

func collect[T any](ctx context.Context, q querier, query string, args ...any) ([]*T, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[T])
}

func convert[M, T any](models []*M, fn func(*M) (*T, error)) ([]*T, error) {
	out := make([]*T, 0, len(models))
	for _, m := range models {
		v, err := fn(m)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func limitOffset(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

// limitOne appends LIMIT 1, keeping a trailing FOR UPDATE after it.
func limitOne(where string) string {
	if trimmed, ok := strings.CutSuffix(where, " FOR UPDATE"); ok {
		return trimmed + " LIMIT 1 FOR UPDATE"
	}
	return where + " LIMIT 1"
}

// classify tags transient database failures so callers can retry them.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return errors.Join(billing.ErrTransactionFailed, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return errors.Join(billing.ErrTransactionFailed, err)
	}
	return err
}
