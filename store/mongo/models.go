package mongo

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

// ==================== Wallet models ====================

// walletDoc keeps running totals so balance checks are one conditional
// update on one document.
type walletDoc struct {
	TenantID string `bson:"_id"`
	Credited int64  `bson:"credited"`
	Debited  int64  `bson:"debited"`
	Refunded int64  `bson:"refunded"`
	Reserved int64  `bson:"reserved"`
}

// ==================== Ledger entry models ====================

type entryDoc struct {
	ID            string            `bson:"_id"`
	TenantID      string            `bson:"tenant_id"`
	Kind          string            `bson:"kind"`
	Amount        int64             `bson:"amount"`
	Reason        string            `bson:"reason"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
	ReservationID string            `bson:"reservation_id,omitempty"`
	CreatedAt     time.Time         `bson:"created_at"`
}

func toEntryDoc(e *credit.Entry) *entryDoc {
	return &entryDoc{
		ID:            e.ID.String(),
		TenantID:      e.TenantID,
		Kind:          string(e.Kind),
		Amount:        e.Amount,
		Reason:        e.Reason,
		Metadata:      e.Metadata,
		ReservationID: e.ReservationID.String(),
		CreatedAt:     e.CreatedAt,
	}
}

func fromEntryDoc(d *entryDoc) (*credit.Entry, error) {
	entryID, err := id.ParseEntryID(d.ID)
	if err != nil {
		return nil, err
	}
	e := &credit.Entry{
		ID:        entryID,
		TenantID:  d.TenantID,
		Kind:      credit.Kind(d.Kind),
		Amount:    d.Amount,
		Reason:    d.Reason,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt.UTC(),
	}
	if d.ReservationID != "" {
		if e.ReservationID, err = id.ParseReservationID(d.ReservationID); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ==================== Reservation models ====================

type reservationDoc struct {
	ID             string            `bson:"_id"`
	TenantID       string            `bson:"tenant_id"`
	Amount         int64             `bson:"amount"`
	Status         string            `bson:"status"`
	IdempotencyKey string            `bson:"idempotency_key,omitempty"`
	Owner          string            `bson:"owner,omitempty"`
	Metadata       map[string]string `bson:"metadata,omitempty"`
	EntryID        string            `bson:"entry_id,omitempty"`
	ResolvedAt     *time.Time        `bson:"resolved_at,omitempty"`
	ResolveReason  string            `bson:"resolve_reason,omitempty"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

func toReservationDoc(r *reservation.Reservation) *reservationDoc {
	return &reservationDoc{
		ID:             r.ID.String(),
		TenantID:       r.TenantID,
		Amount:         r.Amount,
		Status:         string(r.Status),
		IdempotencyKey: r.IdempotencyKey,
		Owner:          r.Owner,
		Metadata:       r.Metadata,
		EntryID:        r.EntryID.String(),
		ResolvedAt:     r.ResolvedAt,
		ResolveReason:  r.ResolveReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func fromReservationDoc(d *reservationDoc) (*reservation.Reservation, error) {
	resID, err := id.ParseReservationID(d.ID)
	if err != nil {
		return nil, err
	}
	r := &reservation.Reservation{
		Entity:         types.Entity{CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC()},
		ID:             resID,
		TenantID:       d.TenantID,
		Amount:         d.Amount,
		Status:         reservation.Status(d.Status),
		IdempotencyKey: d.IdempotencyKey,
		Owner:          d.Owner,
		Metadata:       d.Metadata,
		ResolveReason:  d.ResolveReason,
	}
	if d.ResolvedAt != nil {
		at := d.ResolvedAt.UTC()
		r.ResolvedAt = &at
	}
	if d.EntryID != "" {
		if r.EntryID, err = id.ParseEntryID(d.EntryID); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ==================== Webhook event models ====================

type webhookDoc struct {
	ID          string     `bson:"_id"`
	Provider    string     `bson:"provider"`
	EventID     string     `bson:"event_id"`
	EventType   string     `bson:"event_type"`
	PayloadHash string     `bson:"payload_hash"`
	TenantID    string     `bson:"tenant_id"`
	Status      string     `bson:"status"`
	Attempts    int        `bson:"attempts"`
	Error       string     `bson:"error"`
	ReceivedAt  time.Time  `bson:"received_at"`
	ClaimedAt   time.Time  `bson:"claimed_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
}

func toWebhookDoc(r *webhook.Record) *webhookDoc {
	return &webhookDoc{
		ID:          r.ID.String(),
		Provider:    r.Provider,
		EventID:     r.EventID,
		EventType:   r.EventType,
		PayloadHash: r.PayloadHash,
		TenantID:    r.TenantID,
		Status:      string(r.Status),
		Attempts:    r.Attempts,
		Error:       r.Error,
		ReceivedAt:  r.ReceivedAt,
		ClaimedAt:   r.ClaimTime(),
		ProcessedAt: r.ProcessedAt,
	}
}

func fromWebhookDoc(d *webhookDoc) (*webhook.Record, error) {
	recID, err := id.ParseWebhookEventID(d.ID)
	if err != nil {
		return nil, err
	}
	r := &webhook.Record{
		ID:          recID,
		Provider:    d.Provider,
		EventID:     d.EventID,
		EventType:   d.EventType,
		PayloadHash: d.PayloadHash,
		TenantID:    d.TenantID,
		Status:      webhook.Status(d.Status),
		Attempts:    d.Attempts,
		Error:       d.Error,
		ReceivedAt:  d.ReceivedAt.UTC(),
		ClaimedAt:   d.ClaimedAt.UTC(),
	}
	if d.ProcessedAt != nil {
		at := d.ProcessedAt.UTC()
		r.ProcessedAt = &at
	}
	return r, nil
}

// ==================== Subscription mirror models ====================

type mirrorDoc struct {
	ID                     string                      `bson:"_id"`
	TenantID               string                      `bson:"tenant_id"`
	ProviderSubscriptionID string                      `bson:"provider_subscription_id"`
	ProviderCustomerID     string                      `bson:"provider_customer_id"`
	PriceID                string                      `bson:"price_id"`
	PlanCode               string                      `bson:"plan_code"`
	Interval               string                      `bson:"interval"`
	Currency               string                      `bson:"currency"`
	Status                 string                      `bson:"status"`
	CurrentPeriodStart     time.Time                   `bson:"current_period_start"`
	CurrentPeriodEnd       time.Time                   `bson:"current_period_end"`
	CancelAtPeriodEnd      bool                        `bson:"cancel_at_period_end"`
	PendingChange          *subscription.PendingChange `bson:"pending_change"`
	LastSyncedAt           time.Time                   `bson:"last_synced_at"`
	SourceOfTruth          string                      `bson:"source_of_truth"`
	CreatedAt              time.Time                   `bson:"created_at"`
	UpdatedAt              time.Time                   `bson:"updated_at"`
}

func fromMirrorDoc(d *mirrorDoc) (*subscription.Mirror, error) {
	subID, err := id.ParseSubscriptionID(d.ID)
	if err != nil {
		return nil, err
	}
	m := &subscription.Mirror{
		Entity: types.Entity{CreatedAt: d.CreatedAt.UTC(), UpdatedAt: d.UpdatedAt.UTC()},
		Canonical: subscription.Canonical{
			ProviderSubscriptionID: d.ProviderSubscriptionID,
			ProviderCustomerID:     d.ProviderCustomerID,
			PriceID:                d.PriceID,
			PlanCode:               d.PlanCode,
			Interval:               catalog.Interval(d.Interval),
			Currency:               d.Currency,
			Status:                 subscription.Status(d.Status),
			CurrentPeriodStart:     d.CurrentPeriodStart.UTC(),
			CurrentPeriodEnd:       d.CurrentPeriodEnd.UTC(),
			CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
			PendingChange:          d.PendingChange,
		},
		ID:            subID,
		TenantID:      d.TenantID,
		LastSyncedAt:  d.LastSyncedAt.UTC(),
		SourceOfTruth: d.SourceOfTruth,
	}
	if m.PendingChange != nil {
		m.PendingChange.EffectiveAt = m.PendingChange.EffectiveAt.UTC()
	}
	return m, nil
}

// ==================== Transaction models ====================

type transactionDoc struct {
	ID                string            `bson:"_id"`
	TenantID          string            `bson:"tenant_id"`
	IdempotencyKey    string            `bson:"idempotency_key"`
	Kind              string            `bson:"kind"`
	Status            string            `bson:"status"`
	CreditsAdded      int64             `bson:"credits_added"`
	Amount            int64             `bson:"amount"`
	Currency          string            `bson:"currency"`
	ProviderSessionID string            `bson:"provider_session_id,omitempty"`
	ProviderPaymentID string            `bson:"provider_payment_id,omitempty"`
	ProviderInvoiceID string            `bson:"provider_invoice_id,omitempty"`
	Description       string            `bson:"description,omitempty"`
	Metadata          map[string]string `bson:"metadata,omitempty"`
	CreatedAt         time.Time         `bson:"created_at"`
}

func toTransactionDoc(t *transaction.Transaction) *transactionDoc {
	return &transactionDoc{
		ID:                t.ID.String(),
		TenantID:          t.TenantID,
		IdempotencyKey:    t.IdempotencyKey,
		Kind:              string(t.Kind),
		Status:            string(t.Status),
		CreditsAdded:      t.CreditsAdded,
		Amount:            t.Amount.Amount,
		Currency:          t.Amount.Currency,
		ProviderSessionID: t.ProviderSessionID,
		ProviderPaymentID: t.ProviderPaymentID,
		ProviderInvoiceID: t.ProviderInvoiceID,
		Description:       t.Description,
		Metadata:          t.Metadata,
		CreatedAt:         t.CreatedAt,
	}
}

func fromTransactionDoc(d *transactionDoc) (*transaction.Transaction, error) {
	txnID, err := id.ParseTransactionID(d.ID)
	if err != nil {
		return nil, err
	}
	return &transaction.Transaction{
		Fields: transaction.Fields{
			Kind:              transaction.Kind(d.Kind),
			Status:            transaction.Status(d.Status),
			CreditsAdded:      d.CreditsAdded,
			Amount:            types.Money{Amount: d.Amount, Currency: d.Currency},
			ProviderSessionID: d.ProviderSessionID,
			ProviderPaymentID: d.ProviderPaymentID,
			ProviderInvoiceID: d.ProviderInvoiceID,
			Description:       d.Description,
			Metadata:          d.Metadata,
		},
		ID:             txnID,
		TenantID:       d.TenantID,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt.UTC(),
	}, nil
}
