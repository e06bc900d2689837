// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

// Factory returns a migrated, empty-enough store. Tenants are unique per
// test, so backends may share one database across calls.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Reservations", func(t *testing.T) { testReservations(t, newStore(t)) })
	t.Run("ConcurrentReservations", func(t *testing.T) { testConcurrentReservations(t, newStore(t)) })
	t.Run("ListActiveReservations", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("ListActiveReservationPages", func(t *testing.T) { testListActivePages(t, newStore(t)) })
	t.Run("WebhookClaims", func(t *testing.T) { testWebhookClaims(t, newStore(t)) })
	t.Run("StaleWebhookClaims", func(t *testing.T) { testStaleClaims(t, newStore(t)) })
	t.Run("ConcurrentWebhookClaims", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
	t.Run("Mirrors", func(t *testing.T) { testMirrors(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// tenant returns an identifier no other test run uses.
func tenant() string { return "tenant_" + id.NewEntryID().String() }

func entry(tenantID string, kind credit.Kind, amount int64, at time.Time) *credit.Entry {
	return &credit.Entry{
		ID:        id.NewEntryID(),
		TenantID:  tenantID,
		Kind:      kind,
		Amount:    amount,
		Reason:    string(kind),
		CreatedAt: at,
	}
}

func hold(tenantID string, amount int64, key string, at time.Time) *reservation.Reservation {
	return &reservation.Reservation{
		Entity:         types.Entity{CreatedAt: at, UpdatedAt: at},
		ID:             id.NewReservationID(),
		TenantID:       tenantID,
		Amount:         amount,
		Status:         reservation.StatusActive,
		IdempotencyKey: key,
		Owner:          "job-1",
	}
}

func record(provider, eventID, hash string, at time.Time) *webhook.Record {
	return &webhook.Record{
		ID:          id.NewWebhookEventID(),
		Provider:    provider,
		EventID:     eventID,
		EventType:   webhook.TypeInvoicePaid,
		PayloadHash: hash,
		Status:      webhook.StatusPending,
		ReceivedAt:  at,
	}
}

func testLedger(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	base := now()

	bal, err := s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Available)

	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindCredit, 100, base)))
	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindDebit, 30, base.Add(time.Millisecond))))
	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindRefund, 10, base.Add(2*time.Millisecond))))

	err = s.AppendEntry(ctx, entry(ten, credit.KindDebit, 61, base.Add(3*time.Millisecond)))
	require.ErrorIs(t, err, billing.ErrInsufficientCredits)

	bal, err = s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, credit.NewBalance(ten, 100, 30, 10, 0), bal)

	entries, err := s.ListEntries(ctx, ten, credit.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, credit.KindRefund, entries[0].Kind, "newest first")
	assert.Equal(t, credit.KindCredit, entries[2].Kind)
	assert.True(t, entries[2].CreatedAt.Equal(base))

	debits, err := s.ListEntries(ctx, ten, credit.ListOpts{Kind: credit.KindDebit})
	require.NoError(t, err)
	require.Len(t, debits, 1)
	assert.Equal(t, int64(30), debits[0].Amount)

	page, err := s.ListEntries(ctx, ten, credit.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, credit.KindDebit, page[0].Kind)

	other, err := s.Balance(ctx, tenant())
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Credited, "tenants are isolated")
}

func testReservations(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	at := now()
	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindCredit, 100, at)))

	r, created, err := s.CreateReservation(ctx, hold(ten, 40, "campaign-1", at))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.CreateReservation(ctx, hold(ten, 40, "campaign-1", at))
	require.NoError(t, err)
	assert.False(t, created, "same idempotency key returns the original hold")
	assert.Equal(t, r.ID, again.ID)

	bal, err := s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal.Reserved)
	assert.Equal(t, int64(60), bal.Available)

	_, _, err = s.CreateReservation(ctx, hold(ten, 61, "", at))
	require.ErrorIs(t, err, billing.ErrInsufficientCredits)

	got, err := s.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusActive, got.Status)
	assert.Equal(t, "job-1", got.Owner)

	_, err = s.GetReservation(ctx, id.NewReservationID())
	require.ErrorIs(t, err, billing.ErrReservationNotFound)

	debit := entry(ten, credit.KindDebit, 25, at.Add(time.Millisecond))
	committed, e, err := s.CommitReservation(ctx, r.ID, debit, at.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCommitted, committed.Status)
	assert.Equal(t, debit.ID, e.ID)
	assert.Equal(t, r.ID, e.ReservationID)
	assert.Equal(t, debit.ID, committed.EntryID)

	bal, err = s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Reserved)
	assert.Equal(t, int64(25), bal.Debited)
	assert.Equal(t, int64(75), bal.Available)

	// A repeated commit reports the first outcome and writes nothing.
	_, e2, err := s.CommitReservation(ctx, r.ID, entry(ten, credit.KindDebit, 25, at), at)
	require.NoError(t, err)
	assert.Equal(t, debit.ID, e2.ID)
	bal, err = s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal.Debited)

	_, err = s.ReleaseReservation(ctx, r.ID, "late", at)
	require.ErrorIs(t, err, billing.ErrInvalidReservationState)

	r2, _, err := s.CreateReservation(ctx, hold(ten, 10, "", at))
	require.NoError(t, err)
	released, err := s.ReleaseReservation(ctx, r2.ID, "cancelled", at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusReleased, released.Status)
	assert.Equal(t, "cancelled", released.ResolveReason)
	require.NotNil(t, released.ResolvedAt)

	releasedAgain, err := s.ReleaseReservation(ctx, r2.ID, "again", at)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", releasedAgain.ResolveReason)

	_, _, err = s.CommitReservation(ctx, r2.ID, entry(ten, credit.KindDebit, 10, at), at)
	require.ErrorIs(t, err, billing.ErrInvalidReservationState)

	_, _, err = s.CommitReservation(ctx, id.NewReservationID(), entry(ten, credit.KindDebit, 1, at), at)
	require.ErrorIs(t, err, billing.ErrReservationNotFound)

	bal, err = s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Reserved)
	assert.Equal(t, int64(75), bal.Available)
}

func testConcurrentReservations(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	at := now()
	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindCredit, 10, at)))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		refused   atomic.Int64
	)
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CreateReservation(ctx, hold(ten, 1, "", at))
			switch {
			case err == nil:
				succeeded.Add(1)
			case billing.IsRetryable(err):
				// Contention surfaced to the caller is allowed, never an overdraw.
			default:
				assert.ErrorIs(t, err, billing.ErrInsufficientCredits)
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, succeeded.Load(), int64(10))
	bal, err := s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, succeeded.Load(), bal.Reserved)
	assert.GreaterOrEqual(t, bal.Available, int64(0))
}

func testListActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	at := now()
	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindCredit, 100, at)))

	old := hold(ten, 5, "", at.Add(-time.Hour))
	old.Owner = "job-old"
	_, _, err := s.CreateReservation(ctx, old)
	require.NoError(t, err)
	fresh, _, err := s.CreateReservation(ctx, hold(ten, 5, "", at))
	require.NoError(t, err)
	done, _, err := s.CreateReservation(ctx, hold(ten, 5, "", at.Add(-2*time.Hour)))
	require.NoError(t, err)
	_, err = s.ReleaseReservation(ctx, done.ID, "done", at)
	require.NoError(t, err)

	all, err := s.ListActiveReservations(ctx, reservation.ListOpts{TenantID: ten})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, old.ID, all[0].ID, "oldest first")

	stale, err := s.ListActiveReservations(ctx, reservation.ListOpts{TenantID: ten, CreatedBefore: at.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	byOwner, err := s.ListActiveReservations(ctx, reservation.ListOpts{TenantID: ten, Owner: "job-1"})
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, fresh.ID, byOwner[0].ID)

	limited, err := s.ListActiveReservations(ctx, reservation.ListOpts{TenantID: ten, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testListActivePages(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	at := now()
	require.NoError(t, s.AppendEntry(ctx, entry(ten, credit.KindCredit, 100, at)))

	// Three holds share a timestamp so pages split ties on id.
	for _, created := range []time.Time{at.Add(-time.Minute), at, at, at, at.Add(time.Minute)} {
		_, _, err := s.CreateReservation(ctx, hold(ten, 1, "", created))
		require.NoError(t, err)
	}

	all, err := s.ListActiveReservations(ctx, reservation.ListOpts{TenantID: ten})
	require.NoError(t, err)
	require.Len(t, all, 5)

	var walked []string
	opts := reservation.ListOpts{TenantID: ten, Limit: 2}
	for range 5 {
		page, err := s.ListActiveReservations(ctx, opts)
		require.NoError(t, err)
		for _, r := range page {
			walked = append(walked, r.ID.String())
		}
		if len(page) < opts.Limit {
			break
		}
		opts.After = reservation.CursorAfter(page[len(page)-1])
	}

	want := make([]string, 0, len(all))
	for _, r := range all {
		want = append(want, r.ID.String())
	}
	assert.Equal(t, want, walked, "pages cover every hold once, in listing order")
}

func testWebhookClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := "stripe-" + tenant()
	at := now()
	window := webhook.ClaimOpts{HashSince: at.Add(-24 * time.Hour)}

	first, claimed, err := s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-a", at), window)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, 1, first.Attempts)

	dup, claimed, err := s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-a", at), window)
	require.NoError(t, err)
	assert.False(t, claimed, "same event id is a duplicate")
	assert.Equal(t, first.ID, dup.ID)

	sameBody, claimed, err := s.ClaimWebhookEvent(ctx, record(provider, "evt_2", "hash-a", at), window)
	require.NoError(t, err)
	assert.False(t, claimed, "same payload under a new id is a duplicate inside the window")
	assert.Equal(t, "evt_1", sameBody.EventID)

	_, claimed, err = s.ClaimWebhookEvent(ctx, record(provider, "evt_3", "hash-a", at), webhook.ClaimOpts{HashSince: at.Add(time.Second)})
	require.NoError(t, err)
	assert.True(t, claimed, "hash matches older than the window do not block")

	found, err := s.FindWebhookEventByHash(ctx, provider, "hash-a", window)
	require.NoError(t, err)
	assert.Equal(t, provider, found.Provider)
	_, err = s.FindWebhookEventByHash(ctx, provider, "hash-z", window)
	require.ErrorIs(t, err, billing.ErrWebhookEventNotFound)

	require.NoError(t, s.FinishWebhookEvent(ctx, first.ID, webhook.StatusFailed, "boom", at))
	got, err := s.GetWebhookEvent(ctx, provider, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	require.NotNil(t, got.ProcessedAt)

	retry := record(provider, "evt_1", "hash-a", at.Add(time.Minute))
	retry.TenantID = "tenant-x"
	reclaimed, claimed, err := s.ClaimWebhookEvent(ctx, retry, window)
	require.NoError(t, err)
	assert.True(t, claimed, "failed events may be processed again")
	assert.Equal(t, first.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
	assert.Equal(t, webhook.StatusPending, reclaimed.Status)
	assert.Equal(t, "tenant-x", reclaimed.TenantID)

	require.NoError(t, s.FinishWebhookEvent(ctx, first.ID, webhook.StatusProcessed, "", at))
	_, claimed, err = s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-a", at), window)
	require.NoError(t, err)
	assert.False(t, claimed)

	err = s.FinishWebhookEvent(ctx, id.NewWebhookEventID(), webhook.StatusProcessed, "", at)
	require.ErrorIs(t, err, billing.ErrWebhookEventNotFound)
	_, err = s.GetWebhookEvent(ctx, provider, "evt_missing")
	require.ErrorIs(t, err, billing.ErrWebhookEventNotFound)

	processed, err := s.ListWebhookEvents(ctx, webhook.ListOpts{Provider: provider, Status: webhook.StatusProcessed})
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "evt_1", processed[0].EventID)

	all, err := s.ListWebhookEvents(ctx, webhook.ListOpts{Provider: provider})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testStaleClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := "stripe-" + tenant()
	at := now()
	since := at.Add(-24 * time.Hour)

	first, claimed, err := s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-s", at), webhook.ClaimOpts{HashSince: since})
	require.NoError(t, err)
	require.True(t, claimed)

	live := webhook.ClaimOpts{HashSince: since, StaleBefore: at.Add(-time.Minute)}
	dup, claimed, err := s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-s", at.Add(time.Second)), live)
	require.NoError(t, err)
	assert.False(t, claimed, "a live claim blocks redeliveries")
	assert.Equal(t, first.ID, dup.ID)

	_, claimed, err = s.ClaimWebhookEvent(ctx, record(provider, "evt_2", "hash-s", at.Add(time.Second)), live)
	require.NoError(t, err)
	assert.False(t, claimed, "a live claim blocks the same payload under a new id")

	expired := webhook.ClaimOpts{HashSince: since, StaleBefore: at.Add(time.Minute)}
	taken, claimed, err := s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-s", at.Add(2*time.Minute)), expired)
	require.NoError(t, err)
	assert.True(t, claimed, "an expired claim is taken over")
	assert.Equal(t, first.ID, taken.ID)
	assert.Equal(t, 2, taken.Attempts)
	assert.Equal(t, webhook.StatusPending, taken.Status)

	got, err := s.GetWebhookEvent(ctx, provider, "evt_1")
	require.NoError(t, err)
	assert.True(t, got.ClaimedAt.Equal(at.Add(2*time.Minute)), "takeover renews the claim")

	_, claimed, err = s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-s", at.Add(3*time.Minute)), expired)
	require.NoError(t, err)
	assert.False(t, claimed, "the renewed claim is live again")

	later := webhook.ClaimOpts{HashSince: since, StaleBefore: at.Add(3 * time.Minute)}
	_, err = s.FindWebhookEventByHash(ctx, provider, "hash-s", later)
	require.ErrorIs(t, err, billing.ErrWebhookEventNotFound, "expired claims do not block by hash")
	_, claimed, err = s.ClaimWebhookEvent(ctx, record(provider, "evt_2", "hash-s", at.Add(4*time.Minute)), later)
	require.NoError(t, err)
	assert.True(t, claimed, "same payload under a new id is admitted once the claim expires")

	require.NoError(t, s.FinishWebhookEvent(ctx, first.ID, webhook.StatusProcessed, "", at))
	_, claimed, err = s.ClaimWebhookEvent(ctx, record(provider, "evt_1", "hash-s", at.Add(time.Hour)),
		webhook.ClaimOpts{HashSince: since, StaleBefore: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, claimed, "processed events never expire")
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	provider := "stripe-" + tenant()
	at := now()

	var (
		wg      sync.WaitGroup
		claimed atomic.Int64
	)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Half redeliver the id, half resend the body under new ids.
			eventID := "evt_same"
			if i%2 == 1 {
				eventID = "evt_" + id.NewWebhookEventID().String()
			}
			_, ok, err := s.ClaimWebhookEvent(ctx, record(provider, eventID, "hash-race", at), webhook.ClaimOpts{HashSince: at.Add(-time.Hour)})
			if err != nil {
				assert.True(t, billing.IsRetryable(err), "unexpected error: %v", err)
				return
			}
			if ok {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), claimed.Load(), "exactly one delivery is admitted")
}

func testMirrors(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	at := now()

	_, err := s.GetMirror(ctx, ten)
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	customerID := "cus_" + ten
	subID := "sub_" + ten
	m := &subscription.Mirror{
		Entity: types.Entity{CreatedAt: at, UpdatedAt: at},
		Canonical: subscription.Canonical{
			ProviderSubscriptionID: subID,
			ProviderCustomerID:     customerID,
			PriceID:                "price_pro_month_usd",
			PlanCode:               "pro",
			Interval:               catalog.Month,
			Currency:               "usd",
			Status:                 subscription.StatusActive,
			CurrentPeriodStart:     at,
			CurrentPeriodEnd:       at.Add(30 * 24 * time.Hour),
		},
		ID:            id.NewSubscriptionID(),
		TenantID:      ten,
		LastSyncedAt:  at,
		SourceOfTruth: subscription.SourceWebhook,
	}
	stored, err := s.UpsertMirror(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)
	assert.True(t, stored.Canonical.Equal(m.Canonical))

	tenantID, err := s.TenantByCustomerID(ctx, customerID)
	require.NoError(t, err)
	assert.Equal(t, ten, tenantID)
	tenantID, err = s.TenantBySubscriptionID(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, ten, tenantID)
	_, err = s.TenantByCustomerID(ctx, "cus_unknown_"+ten)
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	_, err = s.TenantBySubscriptionID(ctx, "")
	require.ErrorIs(t, err, billing.ErrSubscriptionNotFound)

	later := at.Add(time.Hour)
	next := *m
	next.ID = id.NewSubscriptionID()
	next.CreatedAt = later
	next.UpdatedAt = later
	next.PlanCode = "scale"
	next.PriceID = "price_scale_month_usd"
	next.CancelAtPeriodEnd = true
	next.PendingChange = &subscription.PendingChange{PlanCode: "pro", Interval: catalog.Month, Currency: "usd", EffectiveAt: m.CurrentPeriodEnd}
	next.SourceOfTruth = subscription.SourceResync

	updated, err := s.UpsertMirror(ctx, &next)
	require.NoError(t, err)
	assert.Equal(t, m.ID, updated.ID, "one mirror per tenant keeps its identity")
	assert.True(t, updated.CreatedAt.Equal(at))
	assert.Equal(t, "scale", updated.PlanCode)
	assert.True(t, updated.CancelAtPeriodEnd)
	require.NotNil(t, updated.PendingChange)
	assert.Equal(t, "pro", updated.PendingChange.PlanCode)
	assert.True(t, updated.PendingChange.EffectiveAt.Equal(m.CurrentPeriodEnd))

	got, err := s.GetMirror(ctx, ten)
	require.NoError(t, err)
	assert.True(t, got.Canonical.Equal(updated.Canonical))
	assert.Equal(t, subscription.SourceResync, got.SourceOfTruth)
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	ten := tenant()
	at := now()

	txn := func(key string, kind transaction.Kind, credits int64, paymentID string) *transaction.Transaction {
		return &transaction.Transaction{
			Fields: transaction.Fields{
				Kind:              kind,
				Status:            transaction.StatusSucceeded,
				CreditsAdded:      credits,
				Amount:            types.NewMoney(4900, "usd"),
				ProviderPaymentID: paymentID,
			},
			ID:             id.NewTransactionID(),
			TenantID:       ten,
			IdempotencyKey: key,
			CreatedAt:      at,
		}
	}

	pack := txn("checkout:cs_1", transaction.KindCreditPackPurchase, 500, "pi_1")
	out, created, err := s.RecordTransaction(ctx, pack, entry(ten, credit.KindCredit, 500, at))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, pack.ID, out.ID)

	_, created, err = s.RecordTransaction(ctx, txn("checkout:cs_1", transaction.KindCreditPackPurchase, 500, "pi_1"), entry(ten, credit.KindCredit, 500, at))
	require.NoError(t, err)
	assert.False(t, created, "idempotency key already recorded")

	bal, err := s.Balance(ctx, ten)
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Credited, "credits granted once")

	charge := txn("invoice:in_1", transaction.KindSubscriptionCharge, 0, "pi_2")
	_, created, err = s.RecordTransaction(ctx, charge, nil)
	require.NoError(t, err)
	assert.True(t, created)

	refund := txn("refund:ch_1:9999", transaction.KindRefund, -900, "pi_1")
	_, _, err = s.RecordTransaction(ctx, refund, entry(ten, credit.KindRefund, 900, at))
	require.ErrorIs(t, err, billing.ErrInsufficientCredits)
	_, err = s.GetTransaction(ctx, ten, "refund:ch_1:9999")
	require.ErrorIs(t, err, billing.ErrTransactionNotFound, "a refused clawback records nothing")

	got, err := s.GetTransaction(ctx, ten, "checkout:cs_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.CreditsAdded)
	assert.Equal(t, types.NewMoney(4900, "usd"), got.Amount)

	byPayment, err := s.ListTransactions(ctx, ten, transaction.ListOpts{ProviderPaymentID: "pi_1"})
	require.NoError(t, err)
	require.Len(t, byPayment, 1)
	assert.Equal(t, transaction.KindCreditPackPurchase, byPayment[0].Kind)

	charges, err := s.ListTransactions(ctx, ten, transaction.ListOpts{Kind: transaction.KindSubscriptionCharge})
	require.NoError(t, err)
	require.Len(t, charges, 1)

	all, err := s.ListTransactions(ctx, ten, transaction.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
