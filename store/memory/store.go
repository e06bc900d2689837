// Package memory is an in-process store guarded by a single mutex. Every
// method holds the lock for its whole read-check-write sequence, which makes
// each call one serializable transaction.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xraph/billing"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	closed bool

	// Ledger entries per tenant, append order.
	entries map[string][]*credit.Entry
	// Debit entry per committed reservation.
	commitEntries map[string]*credit.Entry

	reservations    map[string]*reservation.Reservation
	reservationKeys map[string]string

	webhooks    map[string]*webhook.Record
	webhookByID map[string]string

	mirrors map[string]*subscription.Mirror

	transactions map[string]*transaction.Transaction
	txnByTenant  map[string][]string
}

func New() *Store {
	return &Store{
		entries:         make(map[string][]*credit.Entry),
		commitEntries:   make(map[string]*credit.Entry),
		reservations:    make(map[string]*reservation.Reservation),
		reservationKeys: make(map[string]string),
		webhooks:        make(map[string]*webhook.Record),
		webhookByID:     make(map[string]string),
		mirrors:         make(map[string]*subscription.Mirror),
		transactions:    make(map[string]*transaction.Transaction),
		txnByTenant:     make(map[string][]string),
	}
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\x00" + p
	}
	return out
}

// ==================== Credit Ledger Store ====================

func (s *Store) AppendEntry(_ context.Context, e *credit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return billing.ErrStoreClosed
	}

	if e.Kind.Reduces() && s.balanceLocked(e.TenantID).Available < e.Amount {
		return billing.ErrInsufficientCredits
	}
	s.appendLocked(e)
	return nil
}

func (s *Store) appendLocked(e *credit.Entry) {
	cp := cloneEntry(e)
	s.entries[e.TenantID] = append(s.entries[e.TenantID], cp)
	if !e.ReservationID.IsNil() {
		s.commitEntries[e.ReservationID.String()] = cp
	}
}

func (s *Store) Balance(_ context.Context, tenantID string) (credit.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return credit.Balance{}, billing.ErrStoreClosed
	}
	return s.balanceLocked(tenantID), nil
}

func (s *Store) balanceLocked(tenantID string) credit.Balance {
	var credited, debited, refunded, reserved int64
	for _, e := range s.entries[tenantID] {
		switch e.Kind {
		case credit.KindCredit:
			credited += e.Amount
		case credit.KindDebit:
			debited += e.Amount
		case credit.KindRefund:
			refunded += e.Amount
		}
	}
	for _, r := range s.reservations {
		if r.TenantID == tenantID && r.Status == reservation.StatusActive {
			reserved += r.Amount
		}
	}
	return credit.NewBalance(tenantID, credited, debited, refunded, reserved)
}

func (s *Store) ListEntries(_ context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[tenantID]
	result := make([]*credit.Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if opts.Kind == "" || all[i].Kind == opts.Kind {
			result = append(result, cloneEntry(all[i]))
		}
	}
	return page(result, opts.Offset, opts.Limit), nil
}

// ==================== Reservation Store ====================

func (s *Store) CreateReservation(_ context.Context, r *reservation.Reservation) (*reservation.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, billing.ErrStoreClosed
	}

	if r.IdempotencyKey != "" {
		if existing, ok := s.reservationKeys[key(r.TenantID, r.IdempotencyKey)]; ok {
			return cloneReservation(s.reservations[existing]), false, nil
		}
	}
	if s.balanceLocked(r.TenantID).Available < r.Amount {
		return nil, false, billing.ErrInsufficientCredits
	}

	cp := cloneReservation(r)
	s.reservations[r.ID.String()] = cp
	if r.IdempotencyKey != "" {
		s.reservationKeys[key(r.TenantID, r.IdempotencyKey)] = r.ID.String()
	}
	return cloneReservation(cp), true, nil
}

func (s *Store) GetReservation(_ context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[resID.String()]
	if !ok {
		return nil, billing.ErrReservationNotFound
	}
	return cloneReservation(r), nil
}

func (s *Store) CommitReservation(_ context.Context, resID id.ReservationID, entry *credit.Entry, at time.Time) (*reservation.Reservation, *credit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, billing.ErrStoreClosed
	}

	r, ok := s.reservations[resID.String()]
	if !ok {
		return nil, nil, billing.ErrReservationNotFound
	}
	switch r.Status {
	case reservation.StatusCommitted:
		return cloneReservation(r), cloneEntry(s.commitEntries[resID.String()]), nil
	case reservation.StatusReleased:
		return nil, nil, billing.ErrInvalidReservationState
	}

	entry.ReservationID = r.ID
	s.appendLocked(entry)
	r.Status = reservation.StatusCommitted
	r.EntryID = entry.ID
	r.ResolvedAt = &at
	r.ResolveReason = entry.Reason
	r.UpdatedAt = at
	return cloneReservation(r), cloneEntry(entry), nil
}

func (s *Store) ReleaseReservation(_ context.Context, resID id.ReservationID, reason string, at time.Time) (*reservation.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, billing.ErrStoreClosed
	}

	r, ok := s.reservations[resID.String()]
	if !ok {
		return nil, billing.ErrReservationNotFound
	}
	switch r.Status {
	case reservation.StatusReleased:
		return cloneReservation(r), nil
	case reservation.StatusCommitted:
		return nil, billing.ErrInvalidReservationState
	}

	r.Status = reservation.StatusReleased
	r.ResolvedAt = &at
	r.ResolveReason = reason
	r.UpdatedAt = at
	return cloneReservation(r), nil
}

func (s *Store) ListActiveReservations(_ context.Context, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*reservation.Reservation, 0)
	for _, r := range s.reservations {
		if r.Status != reservation.StatusActive {
			continue
		}
		if opts.TenantID != "" && r.TenantID != opts.TenantID {
			continue
		}
		if opts.Owner != "" && r.Owner != opts.Owner {
			continue
		}
		if !opts.CreatedBefore.IsZero() && !r.CreatedAt.Before(opts.CreatedBefore) {
			continue
		}
		if opts.After.Before(r) {
			continue
		}
		result = append(result, cloneReservation(r))
	}
	slices.SortFunc(result, func(a, b *reservation.Reservation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return page(result, 0, opts.Limit), nil
}

// ==================== Webhook Event Store ====================

func (s *Store) ClaimWebhookEvent(_ context.Context, rec *webhook.Record, opts webhook.ClaimOpts) (*webhook.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, billing.ErrStoreClosed
	}

	k := key(rec.Provider, rec.EventID)
	if existing, ok := s.webhooks[k]; ok {
		if !existing.Reclaimable(opts.StaleBefore) {
			return cloneRecord(existing), false, nil
		}
		existing.Status = webhook.StatusPending
		existing.Attempts++
		existing.Error = ""
		existing.PayloadHash = rec.PayloadHash
		existing.ClaimedAt = rec.ClaimTime()
		existing.ProcessedAt = nil
		if rec.TenantID != "" {
			existing.TenantID = rec.TenantID
		}
		return cloneRecord(existing), true, nil
	}

	if dup := s.findByHashLocked(rec.Provider, rec.PayloadHash, opts); dup != nil {
		return cloneRecord(dup), false, nil
	}

	cp := cloneRecord(rec)
	cp.Attempts = 1
	cp.ClaimedAt = rec.ClaimTime()
	s.webhooks[k] = cp
	s.webhookByID[rec.ID.String()] = k
	return cloneRecord(cp), true, nil
}

func (s *Store) GetWebhookEvent(_ context.Context, provider, eventID string) (*webhook.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.webhooks[key(provider, eventID)]
	if !ok {
		return nil, billing.ErrWebhookEventNotFound
	}
	return cloneRecord(r), nil
}

func (s *Store) FindWebhookEventByHash(_ context.Context, provider, hash string, opts webhook.ClaimOpts) (*webhook.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r := s.findByHashLocked(provider, hash, opts); r != nil {
		return cloneRecord(r), nil
	}
	return nil, billing.ErrWebhookEventNotFound
}

func (s *Store) findByHashLocked(provider, hash string, opts webhook.ClaimOpts) *webhook.Record {
	var newest *webhook.Record
	for _, r := range s.webhooks {
		if r.Provider != provider || r.PayloadHash != hash || r.Reclaimable(opts.StaleBefore) || r.ReceivedAt.Before(opts.HashSince) {
			continue
		}
		if newest == nil || r.ReceivedAt.After(newest.ReceivedAt) {
			newest = r
		}
	}
	return newest
}

func (s *Store) FinishWebhookEvent(_ context.Context, recID id.WebhookEventID, status webhook.Status, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.webhookByID[recID.String()]
	if !ok {
		return billing.ErrWebhookEventNotFound
	}
	r := s.webhooks[k]
	r.Status = status
	r.Error = errMsg
	r.ProcessedAt = &at
	return nil
}

func (s *Store) ListWebhookEvents(_ context.Context, opts webhook.ListOpts) ([]*webhook.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*webhook.Record, 0)
	for _, r := range s.webhooks {
		if (opts.Provider == "" || r.Provider == opts.Provider) && (opts.Status == "" || r.Status == opts.Status) {
			result = append(result, cloneRecord(r))
		}
	}
	slices.SortFunc(result, func(a, b *webhook.Record) int { return b.ReceivedAt.Compare(a.ReceivedAt) })
	return page(result, opts.Offset, opts.Limit), nil
}

// ==================== Subscription Mirror Store ====================

func (s *Store) GetMirror(_ context.Context, tenantID string) (*subscription.Mirror, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mirrors[tenantID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return cloneMirror(m), nil
}

func (s *Store) UpsertMirror(_ context.Context, m *subscription.Mirror) (*subscription.Mirror, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, billing.ErrStoreClosed
	}

	cp := cloneMirror(m)
	if existing, ok := s.mirrors[m.TenantID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	s.mirrors[m.TenantID] = cp
	return cloneMirror(cp), nil
}

func (s *Store) TenantByCustomerID(_ context.Context, customerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for tenant, m := range s.mirrors {
		if customerID != "" && m.ProviderCustomerID == customerID {
			return tenant, nil
		}
	}
	return "", billing.ErrSubscriptionNotFound
}

func (s *Store) TenantBySubscriptionID(_ context.Context, subscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for tenant, m := range s.mirrors {
		if subscriptionID != "" && m.ProviderSubscriptionID == subscriptionID {
			return tenant, nil
		}
	}
	return "", billing.ErrSubscriptionNotFound
}

// ==================== Transaction Store ====================

func (s *Store) RecordTransaction(_ context.Context, t *transaction.Transaction, entry *credit.Entry) (*transaction.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, billing.ErrStoreClosed
	}

	k := key(t.TenantID, t.IdempotencyKey)
	if existing, ok := s.transactions[k]; ok {
		return cloneTransaction(existing), false, nil
	}
	if entry != nil {
		if entry.Kind.Reduces() && s.balanceLocked(entry.TenantID).Available < entry.Amount {
			return nil, false, billing.ErrInsufficientCredits
		}
		s.appendLocked(entry)
	}

	cp := cloneTransaction(t)
	s.transactions[k] = cp
	s.txnByTenant[t.TenantID] = append(s.txnByTenant[t.TenantID], k)
	return cloneTransaction(cp), true, nil
}

func (s *Store) GetTransaction(_ context.Context, tenantID, idempotencyKey string) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[key(tenantID, idempotencyKey)]
	if !ok {
		return nil, billing.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (s *Store) ListTransactions(_ context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.txnByTenant[tenantID]
	result := make([]*transaction.Transaction, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		t := s.transactions[keys[i]]
		if opts.Kind != "" && t.Kind != opts.Kind {
			continue
		}
		if opts.ProviderPaymentID != "" && t.ProviderPaymentID != opts.ProviderPaymentID {
			continue
		}
		result = append(result, cloneTransaction(t))
	}
	return page(result, opts.Offset, opts.Limit), nil
}

// ==================== Lifecycle ====================

func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return billing.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ==================== helpers ====================

func page[T any](items []T, offset, limit int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneEntry(e *credit.Entry) *credit.Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	return &cp
}

func cloneReservation(r *reservation.Reservation) *reservation.Reservation {
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func cloneRecord(r *webhook.Record) *webhook.Record {
	cp := *r
	if r.ProcessedAt != nil {
		at := *r.ProcessedAt
		cp.ProcessedAt = &at
	}
	return &cp
}

func cloneMirror(m *subscription.Mirror) *subscription.Mirror {
	cp := *m
	if m.PendingChange != nil {
		pc := *m.PendingChange
		cp.PendingChange = &pc
	}
	return &cp
}

func cloneTransaction(t *transaction.Transaction) *transaction.Transaction {
	cp := *t
	cp.Metadata = maps.Clone(t.Metadata)
	return &cp
}
