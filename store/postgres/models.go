package postgres

import (
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

// ==================== Ledger entry models ====================

const entryColumns = `id, tenant_id, kind, amount, reason, metadata, reservation_id, created_at`

type entryModel struct {
	ID            string            `db:"id"`
	TenantID      string            `db:"tenant_id"`
	Kind          string            `db:"kind"`
	Amount        int64             `db:"amount"`
	Reason        string            `db:"reason"`
	Metadata      map[string]string `db:"metadata"`
	ReservationID *string           `db:"reservation_id"`
	CreatedAt     time.Time         `db:"created_at"`
}

func toEntryModel(e *credit.Entry) *entryModel {
	return &entryModel{
		ID:            e.ID.String(),
		TenantID:      e.TenantID,
		Kind:          string(e.Kind),
		Amount:        e.Amount,
		Reason:        e.Reason,
		Metadata:      nonNil(e.Metadata),
		ReservationID: nullable(e.ReservationID.String()),
		CreatedAt:     e.CreatedAt,
	}
}

func fromEntryModel(m *entryModel) (*credit.Entry, error) {
	entryID, err := id.ParseEntryID(m.ID)
	if err != nil {
		return nil, err
	}
	e := &credit.Entry{
		ID:        entryID,
		TenantID:  m.TenantID,
		Kind:      credit.Kind(m.Kind),
		Amount:    m.Amount,
		Reason:    m.Reason,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if m.ReservationID != nil {
		if e.ReservationID, err = id.ParseReservationID(*m.ReservationID); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ==================== Reservation models ====================

const reservationColumns = `id, tenant_id, amount, status, idempotency_key, owner, metadata, entry_id, resolved_at, resolve_reason, created_at, updated_at`

type reservationModel struct {
	ID             string            `db:"id"`
	TenantID       string            `db:"tenant_id"`
	Amount         int64             `db:"amount"`
	Status         string            `db:"status"`
	IdempotencyKey string            `db:"idempotency_key"`
	Owner          string            `db:"owner"`
	Metadata       map[string]string `db:"metadata"`
	EntryID        *string           `db:"entry_id"`
	ResolvedAt     *time.Time        `db:"resolved_at"`
	ResolveReason  string            `db:"resolve_reason"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

func toReservationModel(r *reservation.Reservation) *reservationModel {
	return &reservationModel{
		ID:             r.ID.String(),
		TenantID:       r.TenantID,
		Amount:         r.Amount,
		Status:         string(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		Owner:          r.Owner,
		Metadata:       nonNil(r.Metadata),
		EntryID:        nullable(r.EntryID.String()),
		ResolvedAt:     r.ResolvedAt,
		ResolveReason:  r.ResolveReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromReservationModel(m *reservationModel) (*reservation.Reservation, error) {
	resID, err := id.ParseReservationID(m.ID)
	if err != nil {
		return nil, err
	}
	r := &reservation.Reservation{
		Entity:         types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		ID:             resID,
		TenantID:       m.TenantID,
		Amount:         m.Amount,
		Status:         reservation.Status(m.Status),
		IdempotencyKey: m.IdempotencyKey,
		Owner:          m.Owner,
		Metadata:       m.Metadata,
		ResolveReason:  m.ResolveReason,
	}
	if m.ResolvedAt != nil {
		at := m.ResolvedAt.UTC()
		r.ResolvedAt = &at
	}
	if m.EntryID != nil {
		if r.EntryID, err = id.ParseEntryID(*m.EntryID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ==================== Webhook event models ====================

const webhookColumns = `id, provider, event_id, event_type, payload_hash, tenant_id, status, attempts, error, received_at, processed_at, claimed_at`

type webhookModel struct {
	ID          string     `db:"id"`
	Provider    string     `db:"provider"`
	EventID     string     `db:"event_id"`
	EventType   string     `db:"event_type"`
	PayloadHash string     `db:"payload_hash"`
	TenantID    string     `db:"tenant_id"`
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	Error       string     `db:"error"`
	ReceivedAt  time.Time  `db:"received_at"`
	ProcessedAt *time.Time `db:"processed_at"`
	ClaimedAt   time.Time  `db:"claimed_at"`
}

func fromWebhookModel(m *webhookModel) (*webhook.Record, error) {
	recID, err := id.ParseWebhookEventID(m.ID)
	if err != nil {
		return nil, err
	}
	r := &webhook.Record{
		ID:          recID,
		Provider:    m.Provider,
		EventID:     m.EventID,
		EventType:   m.EventType,
		PayloadHash: m.PayloadHash,
		TenantID:    m.TenantID,
		Status:      webhook.Status(m.Status),
		Attempts:    m.Attempts,
		Error:       m.Error,
		ReceivedAt:  m.ReceivedAt.UTC(),
		ClaimedAt:   m.ClaimedAt.UTC(),
	}
	if m.ProcessedAt != nil {
		at := m.ProcessedAt.UTC()
		r.ProcessedAt = &at
	}
	return r, nil
}

// ==================== Subscription mirror models ====================

const mirrorColumns = `id, tenant_id, provider_subscription_id, provider_customer_id, price_id, plan_code, billing_interval, currency, status, current_period_start, current_period_end, cancel_at_period_end, pending_change, last_synced_at, source_of_truth, created_at, updated_at`

type mirrorModel struct {
	ID                     string                      `db:"id"`
	TenantID               string                      `db:"tenant_id"`
	ProviderSubscriptionID string                      `db:"provider_subscription_id"`
	ProviderCustomerID     string                      `db:"provider_customer_id"`
	PriceID                string                      `db:"price_id"`
	PlanCode               string                      `db:"plan_code"`
	BillingInterval        string                      `db:"billing_interval"`
	Currency               string                      `db:"currency"`
	Status                 string                      `db:"status"`
	CurrentPeriodStart     time.Time                   `db:"current_period_start"`
	CurrentPeriodEnd       time.Time                   `db:"current_period_end"`
	CancelAtPeriodEnd      bool                        `db:"cancel_at_period_end"`
	PendingChange          *subscription.PendingChange `db:"pending_change"`
	LastSyncedAt           time.Time                   `db:"last_synced_at"`
	SourceOfTruth          string                      `db:"source_of_truth"`
	CreatedAt              time.Time                   `db:"created_at"`
	UpdatedAt              time.Time                   `db:"updated_at"`
}

func fromMirrorModel(m *mirrorModel) (*subscription.Mirror, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &subscription.Mirror{
		Entity: types.Entity{CreatedAt: m.CreatedAt.UTC(), UpdatedAt: m.UpdatedAt.UTC()},
		Canonical: subscription.Canonical{
			ProviderSubscriptionID: m.ProviderSubscriptionID,
			ProviderCustomerID:     m.ProviderCustomerID,
			PriceID:                m.PriceID,
			PlanCode:               m.PlanCode,
			Interval:               catalog.Interval(m.BillingInterval),
			Currency:               m.Currency,
			Status:                 subscription.Status(m.Status),
			CurrentPeriodStart:     m.CurrentPeriodStart.UTC(),
			CurrentPeriodEnd:       m.CurrentPeriodEnd.UTC(),
			CancelAtPeriodEnd:      m.CancelAtPeriodEnd,
			PendingChange:          m.PendingChange,
		},
		ID:            subID,
		TenantID:      m.TenantID,
		LastSyncedAt:  m.LastSyncedAt.UTC(),
		SourceOfTruth: m.SourceOfTruth,
	}, nil
}

// ==================== Transaction models ====================

const transactionColumns = `id, tenant_id, idempotency_key, kind, status, credits_added, amount, currency, provider_session_id, provider_payment_id, provider_invoice_id, description, metadata, created_at`

type transactionModel struct {
	ID                string            `db:"id"`
	TenantID          string            `db:"tenant_id"`
	IdempotencyKey    string            `db:"idempotency_key"`
	Kind              string            `db:"kind"`
	Status            string            `db:"status"`
	CreditsAdded      int64             `db:"credits_added"`
	Amount            int64             `db:"amount"`
	Currency          string            `db:"currency"`
	ProviderSessionID string            `db:"provider_session_id"`
	ProviderPaymentID string            `db:"provider_payment_id"`
	ProviderInvoiceID string            `db:"provider_invoice_id"`
	Description       string            `db:"description"`
	Metadata          map[string]string `db:"metadata"`
	CreatedAt         time.Time         `db:"created_at"`
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txnID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, err
	}
	return &transaction.Transaction{
		Fields: transaction.Fields{
			Kind:              transaction.Kind(m.Kind),
			Status:            transaction.Status(m.Status),
			CreditsAdded:      m.CreditsAdded,
			Amount:            types.Money{Amount: m.Amount, Currency: m.Currency},
			ProviderSessionID: m.ProviderSessionID,
			ProviderPaymentID: m.ProviderPaymentID,
			ProviderInvoiceID: m.ProviderInvoiceID,
			Description:       m.Description,
			Metadata:          m.Metadata,
		},
		ID:             txnID,
		TenantID:       m.TenantID,
		IdempotencyKey: m.IdempotencyKey,
		CreatedAt:      m.CreatedAt.UTC(),
	}, nil
}

// ==================== helpers ====================

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
