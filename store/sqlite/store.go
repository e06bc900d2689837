// Package sqlite implements store.Store on an embedded SQLite database using
// the cgo-free modernc.org/sqlite driver.
//
// The pool is limited to one connection, so every transaction is a single
// writer and balance checks cannot interleave.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

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

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path with WAL journaling and a
// busy timeout. Use ":memory:" for a private in-memory database.
func Open(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("billing/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return New(db), nil
}

// New wraps an open handle. It must be limited to one open connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(billing.ErrTransactionFailed, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck // the fn error wins
		return err
	}
	return tx.Commit()
}

// ==================== Credit Ledger Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *credit.Entry) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if e.Kind.Reduces() {
			if err := requireAvailable(ctx, tx, e.TenantID, e.Amount); err != nil {
				return err
			}
		}
		return insertEntry(ctx, tx, e)
	})
}

func requireAvailable(ctx context.Context, q querier, tenantID string, amount int64) error {
	bal, err := balance(ctx, q, tenantID)
	if err != nil {
		return err
	}
	if bal.Available < amount {
		return billing.ErrInsufficientCredits
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, e *credit.Entry) error {
	_, err := q.ExecContext(ctx, `INSERT INTO billing_ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, entryArgs(e)...)
	return err
}

func (s *Store) Balance(ctx context.Context, tenantID string) (credit.Balance, error) {
	return balance(ctx, s.db, tenantID)
}

func balance(ctx context.Context, q querier, tenantID string) (credit.Balance, error) {
	var credited, debited, refunded, reserved int64
	err := q.QueryRowContext(ctx, `
SELECT
    COALESCE(SUM(CASE WHEN kind = 'credit' THEN amount END), 0),
    COALESCE(SUM(CASE WHEN kind = 'debit' THEN amount END), 0),
    COALESCE(SUM(CASE WHEN kind = 'refund' THEN amount END), 0),
    (SELECT COALESCE(SUM(amount), 0) FROM billing_reservations WHERE tenant_id = ?1 AND status = 'active')
FROM billing_ledger_entries
WHERE tenant_id = ?1`, tenantID).Scan(&credited, &debited, &refunded, &reserved)
	if err != nil {
		return credit.Balance{}, err
	}
	return credit.NewBalance(tenantID, credited, debited, refunded, reserved), nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Entry, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	query := `SELECT ` + entryColumns + ` FROM billing_ledger_entries WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC` + limitOffset(opts.Limit, opts.Offset)
	return queryAll(ctx, s.db, scanEntry, query, args...)
}

// ==================== Reservation Store ====================

func (s *Store) CreateReservation(ctx context.Context, r *reservation.Reservation) (*reservation.Reservation, bool, error) {
	var (
		out     *reservation.Reservation
		created bool
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if r.IdempotencyKey != "" {
			existing, err := queryOne(ctx, tx, scanReservation, billing.ErrReservationNotFound,
				`SELECT `+reservationColumns+` FROM billing_reservations WHERE tenant_id = ? AND idempotency_key = ?`, r.TenantID, r.IdempotencyKey)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, billing.ErrReservationNotFound) {
				return err
			}
		}
		if err := requireAvailable(ctx, tx, r.TenantID, r.Amount); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO billing_reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			reservationArgs(r)...); err != nil {
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
	return getReservation(ctx, s.db, resID)
}

func getReservation(ctx context.Context, q querier, resID id.ReservationID) (*reservation.Reservation, error) {
	return queryOne(ctx, q, scanReservation, billing.ErrReservationNotFound,
		`SELECT `+reservationColumns+` FROM billing_reservations WHERE id = ?`, resID.String())
}

func (s *Store) CommitReservation(ctx context.Context, resID id.ReservationID, entry *credit.Entry, at time.Time) (*reservation.Reservation, *credit.Entry, error) {
	var (
		outRes   *reservation.Reservation
		outEntry *credit.Entry
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		r, err := getReservation(ctx, tx, resID)
		if err != nil {
			return err
		}
		switch r.Status {
		case reservation.StatusCommitted:
			outRes = r
			outEntry, err = queryOne(ctx, tx, scanEntry, billing.ErrNotFound,
				`SELECT `+entryColumns+` FROM billing_ledger_entries WHERE reservation_id = ?`, resID.String())
			return err
		case reservation.StatusReleased:
			return billing.ErrInvalidReservationState
		}

		entry.ReservationID = r.ID
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE billing_reservations
SET status = 'committed', entry_id = ?, resolved_at = ?, resolve_reason = ?, updated_at = ?
WHERE id = ?`, entry.ID.String(), micros(at), entry.Reason, micros(at), resID.String()); err != nil {
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
	err := s.tx(ctx, func(tx *sql.Tx) error {
		r, err := getReservation(ctx, tx, resID)
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

		if _, err := tx.ExecContext(ctx, `
UPDATE billing_reservations
SET status = 'released', resolved_at = ?, resolve_reason = ?, updated_at = ?
WHERE id = ?`, micros(at), reason, micros(at), resID.String()); err != nil {
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
		where = append(where, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if opts.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, opts.Owner)
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, micros(opts.CreatedBefore))
	}
	if opts.After != nil {
		at := micros(opts.After.CreatedAt)
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, opts.After.ID.String())
	}
	query := `SELECT ` + reservationColumns + ` FROM billing_reservations WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at, id` + limitOffset(opts.Limit, 0)
	return queryAll(ctx, s.db, scanReservation, query, args...)
}

// ==================== Webhook Event Store ====================

// hashLookup matches records that still block a payload: neither failed
// nor pending from an expired claim.
const hashLookup = `SELECT ` + webhookColumns + ` FROM billing_webhook_events
WHERE provider = ? AND payload_hash = ? AND received_at >= ?
AND status <> 'failed' AND NOT (status = 'pending' AND claimed_at < ?)
ORDER BY received_at DESC LIMIT 1`

func (s *Store) ClaimWebhookEvent(ctx context.Context, rec *webhook.Record, opts webhook.ClaimOpts) (*webhook.Record, bool, error) {
	var (
		out     *webhook.Record
		claimed bool
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		existing, err := getWebhook(ctx, tx, rec.Provider, rec.EventID)
		switch {
		case err == nil && !existing.Reclaimable(opts.StaleBefore):
			out = existing
			return nil
		case err == nil:
			tenantID := existing.TenantID
			if rec.TenantID != "" {
				tenantID = rec.TenantID
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE billing_webhook_events
SET status = 'pending', attempts = attempts + 1, error = '', payload_hash = ?, tenant_id = ?,
    claimed_at = ?, processed_at = NULL
WHERE id = ?`, rec.PayloadHash, tenantID, micros(rec.ClaimTime()), existing.ID.String()); err != nil {
				return err
			}
			out, err = getWebhook(ctx, tx, rec.Provider, rec.EventID)
			claimed = err == nil
			return err
		case !errors.Is(err, billing.ErrWebhookEventNotFound):
			return err
		}

		dup, err := queryOne(ctx, tx, scanWebhook, billing.ErrWebhookEventNotFound, hashLookup,
			rec.Provider, rec.PayloadHash, micros(opts.HashSince), micros(opts.StaleBefore))
		if err == nil {
			out = dup
			return nil
		}
		if !errors.Is(err, billing.ErrWebhookEventNotFound) {
			return err
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO billing_webhook_events (`+webhookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 1, '', ?, NULL, ?)`,
			rec.ID.String(), rec.Provider, rec.EventID, rec.EventType, rec.PayloadHash, rec.TenantID, string(rec.Status),
			micros(rec.ReceivedAt), micros(rec.ClaimTime())); err != nil {
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
	return getWebhook(ctx, s.db, provider, eventID)
}

func getWebhook(ctx context.Context, q querier, provider, eventID string) (*webhook.Record, error) {
	return queryOne(ctx, q, scanWebhook, billing.ErrWebhookEventNotFound,
		`SELECT `+webhookColumns+` FROM billing_webhook_events WHERE provider = ? AND event_id = ?`, provider, eventID)
}

func (s *Store) FindWebhookEventByHash(ctx context.Context, provider, hash string, opts webhook.ClaimOpts) (*webhook.Record, error) {
	return queryOne(ctx, s.db, scanWebhook, billing.ErrWebhookEventNotFound, hashLookup,
		provider, hash, micros(opts.HashSince), micros(opts.StaleBefore))
}

func (s *Store) FinishWebhookEvent(ctx context.Context, recID id.WebhookEventID, status webhook.Status, errMsg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE billing_webhook_events SET status = ?, error = ?, processed_at = ? WHERE id = ?`,
		string(status), errMsg, micros(at), recID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return billing.ErrWebhookEventNotFound
	}
	return nil
}

func (s *Store) ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Record, error) {
	where := []string{"1 = 1"}
	var args []any
	if opts.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, opts.Provider)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	query := `SELECT ` + webhookColumns + ` FROM billing_webhook_events WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY received_at DESC` + limitOffset(opts.Limit, opts.Offset)
	return queryAll(ctx, s.db, scanWebhook, query, args...)
}

// ==================== Subscription Mirror Store ====================

func (s *Store) GetMirror(ctx context.Context, tenantID string) (*subscription.Mirror, error) {
	return queryOne(ctx, s.db, scanMirror, billing.ErrSubscriptionNotFound,
		`SELECT `+mirrorColumns+` FROM billing_subscriptions WHERE tenant_id = ?`, tenantID)
}

func (s *Store) UpsertMirror(ctx context.Context, m *subscription.Mirror) (*subscription.Mirror, error) {
	args, err := mirrorArgs(m)
	if err != nil {
		return nil, err
	}
	return queryOne(ctx, s.db, scanMirror, billing.ErrSubscriptionNotFound, `
INSERT INTO billing_subscriptions (`+mirrorColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id) DO UPDATE SET
    provider_subscription_id = excluded.provider_subscription_id,
    provider_customer_id     = excluded.provider_customer_id,
    price_id                 = excluded.price_id,
    plan_code                = excluded.plan_code,
    billing_interval         = excluded.billing_interval,
    currency                 = excluded.currency,
    status                   = excluded.status,
    current_period_start     = excluded.current_period_start,
    current_period_end       = excluded.current_period_end,
    cancel_at_period_end     = excluded.cancel_at_period_end,
    pending_change           = excluded.pending_change,
    last_synced_at           = excluded.last_synced_at,
    source_of_truth          = excluded.source_of_truth,
    updated_at               = excluded.updated_at
RETURNING `+mirrorColumns, args...)
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
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id FROM billing_subscriptions WHERE `+column+` = ? ORDER BY updated_at DESC LIMIT 1`, value).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", billing.ErrSubscriptionNotFound
	}
	return tenantID, err
}

// ==================== Transaction Store ====================

func (s *Store) RecordTransaction(ctx context.Context, t *transaction.Transaction, entry *credit.Entry) (*transaction.Transaction, bool, error) {
	var (
		out     *transaction.Transaction
		created bool
	)
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO billing_transactions (`+transactionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`, transactionArgs(t)...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
			out, err = getTransaction(ctx, tx, t.TenantID, t.IdempotencyKey)
			return err
		}

		if entry != nil {
			if entry.Kind.Reduces() {
				if err := requireAvailable(ctx, tx, entry.TenantID, entry.Amount); err != nil {
					return err
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
	return getTransaction(ctx, s.db, tenantID, idempotencyKey)
}

func getTransaction(ctx context.Context, q querier, tenantID, key string) (*transaction.Transaction, error) {
	return queryOne(ctx, q, scanTransaction, billing.ErrTransactionNotFound,
		`SELECT `+transactionColumns+` FROM billing_transactions WHERE tenant_id = ? AND idempotency_key = ?`, tenantID, key)
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if opts.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if opts.ProviderPaymentID != "" {
		where = append(where, "provider_payment_id = ?")
		args = append(args, opts.ProviderPaymentID)
	}
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC` + limitOffset(opts.Limit, opts.Offset)
	return queryAll(ctx, s.db, scanTransaction, query, args...)
}

// ==================== helpers ====================

func queryOne[T any](ctx context.Context, q querier, scan func(scanner) (*T, error), notFound error, query string, args ...any) (*T, error) {
	v, err := scan(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	return v, err
}

func queryAll[T any](ctx context.Context, q querier, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func limitOffset(limit, offset int) string {
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf(" LIMIT %d", limit)
	case offset > 0:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", offset)
	}
	return ""
}
