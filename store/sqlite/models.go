package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

// Timestamps are stored as UTC unix microseconds; 0 is the zero time.

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func nullMicros(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: micros(*t), Valid: true}
}

func fromNullMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m) //nolint:errcheck // map[string]string always encodes
	return string(b)
}

func decodeMeta(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	return m, json.Unmarshal([]byte(s), &m)
}

type scanner interface {
	Scan(dest ...any) error
}

// ==================== Ledger entry models ====================

const entryColumns = `id, tenant_id, kind, amount, reason, metadata, reservation_id, created_at`

func entryArgs(e *credit.Entry) []any {
	return []any{e.ID.String(), e.TenantID, string(e.Kind), e.Amount, e.Reason, encodeMeta(e.Metadata),
		nullString(e.ReservationID.String()), micros(e.CreatedAt)}
}

func scanEntry(sc scanner) (*credit.Entry, error) {
	var (
		rawID, kind, meta string
		resID             sql.NullString
		createdAt         int64
		e                 credit.Entry
	)
	if err := sc.Scan(&rawID, &e.TenantID, &kind, &e.Amount, &e.Reason, &meta, &resID, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = id.ParseEntryID(rawID); err != nil {
		return nil, err
	}
	if resID.Valid {
		if e.ReservationID, err = id.ParseReservationID(resID.String); err != nil {
			return nil, err
		}
	}
	if e.Metadata, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	e.Kind = credit.Kind(kind)
	e.CreatedAt = fromMicros(createdAt)
	return &e, nil
}

// ==================== Reservation models ====================

const reservationColumns = `id, tenant_id, amount, status, idempotency_key, owner, metadata, entry_id, resolved_at, resolve_reason, created_at, updated_at`

func reservationArgs(r *reservation.Reservation) []any {
	return []any{r.ID.String(), r.TenantID, r.Amount, string(r.Status), r.IdempotencyKey, r.Owner, encodeMeta(r.Metadata),
		nullString(r.EntryID.String()), nullMicros(r.ResolvedAt), r.ResolveReason, micros(r.CreatedAt), micros(r.UpdatedAt)}
}

func scanReservation(sc scanner) (*reservation.Reservation, error) {
	var (
		rawID, status, meta  string
		entryID              sql.NullString
		resolvedAt           sql.NullInt64
		createdAt, updatedAt int64
		r                    reservation.Reservation
	)
	if err := sc.Scan(&rawID, &r.TenantID, &r.Amount, &status, &r.IdempotencyKey, &r.Owner, &meta,
		&entryID, &resolvedAt, &r.ResolveReason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = id.ParseReservationID(rawID); err != nil {
		return nil, err
	}
	if entryID.Valid {
		if r.EntryID, err = id.ParseEntryID(entryID.String); err != nil {
			return nil, err
		}
	}
	if r.Metadata, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	r.Status = reservation.Status(status)
	r.ResolvedAt = fromNullMicros(resolvedAt)
	r.Entity = types.Entity{CreatedAt: fromMicros(createdAt), UpdatedAt: fromMicros(updatedAt)}
	return &r, nil
}

// ==================== Webhook event models ====================

const webhookColumns = `id, provider, event_id, event_type, payload_hash, tenant_id, status, attempts, error, received_at, processed_at, claimed_at`

func scanWebhook(sc scanner) (*webhook.Record, error) {
	var (
		rawID, status         string
		receivedAt, claimedAt int64
		processedAt           sql.NullInt64
		r                     webhook.Record
	)
	if err := sc.Scan(&rawID, &r.Provider, &r.EventID, &r.EventType, &r.PayloadHash, &r.TenantID,
		&status, &r.Attempts, &r.Error, &receivedAt, &processedAt, &claimedAt); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = id.ParseWebhookEventID(rawID); err != nil {
		return nil, err
	}
	r.Status = webhook.Status(status)
	r.ReceivedAt = fromMicros(receivedAt)
	r.ClaimedAt = fromMicros(claimedAt)
	r.ProcessedAt = fromNullMicros(processedAt)
	return &r, nil
}

// ==================== Subscription mirror models ====================

const mirrorColumns = `id, tenant_id, provider_subscription_id, provider_customer_id, price_id, plan_code, billing_interval, currency, status, current_period_start, current_period_end, cancel_at_period_end, pending_change, last_synced_at, source_of_truth, created_at, updated_at`

func mirrorArgs(m *subscription.Mirror) ([]any, error) {
	var pending sql.NullString
	if m.PendingChange != nil {
		b, err := json.Marshal(m.PendingChange)
		if err != nil {
			return nil, err
		}
		pending = sql.NullString{String: string(b), Valid: true}
	}
	return []any{m.ID.String(), m.TenantID, m.ProviderSubscriptionID, m.ProviderCustomerID, m.PriceID, m.PlanCode,
		string(m.Interval), m.Currency, string(m.Status), micros(m.CurrentPeriodStart), micros(m.CurrentPeriodEnd),
		m.CancelAtPeriodEnd, pending, micros(m.LastSyncedAt), m.SourceOfTruth, micros(m.CreatedAt), micros(m.UpdatedAt)}, nil
}

func scanMirror(sc scanner) (*subscription.Mirror, error) {
	var (
		rawID, interval, status          string
		periodStart, periodEnd, syncedAt int64
		createdAt, updatedAt             int64
		pending                          sql.NullString
		m                                subscription.Mirror
	)
	if err := sc.Scan(&rawID, &m.TenantID, &m.ProviderSubscriptionID, &m.ProviderCustomerID, &m.PriceID, &m.PlanCode,
		&interval, &m.Currency, &status, &periodStart, &periodEnd, &m.CancelAtPeriodEnd, &pending,
		&syncedAt, &m.SourceOfTruth, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = id.ParseSubscriptionID(rawID); err != nil {
		return nil, err
	}
	if pending.Valid {
		m.PendingChange = new(subscription.PendingChange)
		if err := json.Unmarshal([]byte(pending.String), m.PendingChange); err != nil {
			return nil, err
		}
	}
	m.Interval = catalog.Interval(interval)
	m.Status = subscription.Status(status)
	m.CurrentPeriodStart = fromMicros(periodStart)
	m.CurrentPeriodEnd = fromMicros(periodEnd)
	m.LastSyncedAt = fromMicros(syncedAt)
	m.Entity = types.Entity{CreatedAt: fromMicros(createdAt), UpdatedAt: fromMicros(updatedAt)}
	return &m, nil
}

// ==================== Transaction models ====================

const transactionColumns = `id, tenant_id, idempotency_key, kind, status, credits_added, amount, currency, provider_session_id, provider_payment_id, provider_invoice_id, description, metadata, created_at`

func transactionArgs(t *transaction.Transaction) []any {
	return []any{t.ID.String(), t.TenantID, t.IdempotencyKey, string(t.Kind), string(t.Status), t.CreditsAdded,
		t.Amount.Amount, t.Amount.Currency, t.ProviderSessionID, t.ProviderPaymentID, t.ProviderInvoiceID,
		t.Description, encodeMeta(t.Metadata), micros(t.CreatedAt)}
}

func scanTransaction(sc scanner) (*transaction.Transaction, error) {
	var (
		rawID, kind, status, meta string
		createdAt                 int64
		t                         transaction.Transaction
	)
	if err := sc.Scan(&rawID, &t.TenantID, &t.IdempotencyKey, &kind, &status, &t.CreditsAdded,
		&t.Amount.Amount, &t.Amount.Currency, &t.ProviderSessionID, &t.ProviderPaymentID, &t.ProviderInvoiceID,
		&t.Description, &meta, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = id.ParseTransactionID(rawID); err != nil {
		return nil, err
	}
	if t.Metadata, err = decodeMeta(meta); err != nil {
		return nil, err
	}
	t.Kind = transaction.Kind(kind)
	t.Status = transaction.Status(status)
	t.CreatedAt = fromMicros(createdAt)
	return &t, nil
}
