package billing_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

const stripeName = "stripe"

func envelope(eventID, eventType string, refs webhook.Refs, ev webhook.Event) *webhook.Envelope {
	return &webhook.Envelope{
		Provider:    stripeName,
		EventID:     eventID,
		Type:        eventType,
		PayloadHash: webhook.HashPayload(eventType, []byte(eventID)),
		Refs:        refs,
		Event:       ev,
	}
}

func invoicePaid(eventID, invoiceID, reason string) *webhook.Envelope {
	return envelope(eventID, webhook.TypeInvoicePaid,
		webhook.Refs{CustomerID: "cus_t1", SubscriptionID: "sub_1"},
		webhook.InvoicePaid{
			InvoiceID:      invoiceID,
			CustomerID:     "cus_t1",
			SubscriptionID: "sub_1",
			PaymentID:      "pi_" + invoiceID,
			BillingReason:  reason,
			Amount:         types.NewMoney(4900, "usd"),
		})
}

func packPurchase(eventID, sessionID string) *webhook.Envelope {
	return envelope(eventID, webhook.TypeCheckoutCompleted,
		webhook.Refs{TenantID: "t1"},
		webhook.CheckoutTopUpCompleted{
			SessionID: sessionID,
			PaymentID: "pi_pack",
			PriceID:   "price_pack_small",
			Amount:    types.NewMoney(1000, "usd"),
		})
}

func TestInvoicePaidAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_pro_m")

	env := invoicePaid("evt_1", "in_1", "subscription_cycle")
	res, err := f.engine.ProcessWebhook(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessAdmitted, res.Status)
	assert.Equal(t, "t1", res.TenantID)
	assert.Equal(t, webhook.StatusProcessed, res.Record.Status)

	again, err := f.engine.ProcessWebhook(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessDuplicate, again.Status)
	assert.Equal(t, res.Record.ID, again.Record.ID)

	assert.Equal(t, int64(500), f.available(t, "t1"))

	txns, err := f.engine.Transactions(ctx, "t1", transaction.ListOpts{})
	require.NoError(t, err)
	require.Len(t, txns, 2)

	charge, err := f.engine.Transaction(ctx, "t1", transaction.InvoiceKey("in_1"))
	require.NoError(t, err)
	assert.Equal(t, transaction.KindSubscriptionCharge, charge.Kind)
	assert.Equal(t, int64(4900), charge.Amount.Amount)
}

func TestRegeneratedEventIDIsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_pro_m")

	first := invoicePaid("evt_1", "in_1", "subscription_cycle")
	_, err := f.engine.ProcessWebhook(ctx, first)
	require.NoError(t, err)

	regenerated := invoicePaid("evt_1b", "in_1", "subscription_cycle")
	regenerated.PayloadHash = first.PayloadHash
	res, err := f.engine.ProcessWebhook(ctx, regenerated)
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessDuplicate, res.Status)
	assert.Equal(t, "evt_1", res.Record.EventID)
	assert.Equal(t, int64(500), f.available(t, "t1"))
}

func TestConcurrentDeliveriesRunHandlerOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var runs atomic.Int32
	handler := func(context.Context, *webhook.Envelope, string) error {
		runs.Add(1)
		return nil
	}
	env := envelope("evt_c", webhook.TypeSubscriptionUpdated, webhook.Refs{TenantID: "t1"}, nil)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.ProcessOnce(ctx, env, handler)
			if assert.NoError(t, err) && res.Status == billing.ProcessAdmitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), admitted.Load())
}

func TestUnmatchedEventSkipsHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ran := false
	env := envelope("evt_u", webhook.TypeInvoicePaid, webhook.Refs{CustomerID: "cus_unknown"}, nil)
	res, err := f.engine.ProcessOnce(ctx, env, func(context.Context, *webhook.Envelope, string) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessUnmatched, res.Status)
	assert.Equal(t, webhook.StatusUnmatched, res.Record.Status)
	assert.False(t, ran)

	// An unmatched event is acknowledged, not retried.
	again, err := f.engine.ProcessOnce(ctx, env, func(context.Context, *webhook.Envelope, string) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessDuplicate, again.Status)
	assert.False(t, ran)

	records, err := f.engine.WebhookEvents(ctx, webhook.ListOpts{Status: webhook.StatusUnmatched})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFailedEventCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := envelope("evt_f", webhook.TypeInvoicePaid, webhook.Refs{TenantID: "t1"}, nil)

	boom := errors.New("store blip")
	res, err := f.engine.ProcessOnce(ctx, env, func(context.Context, *webhook.Envelope, string) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.Equal(t, webhook.StatusFailed, res.Record.Status)

	replay, err := f.engine.CheckReplay(ctx, stripeName, "evt_f", env.PayloadHash)
	require.NoError(t, err)
	assert.Nil(t, replay)

	res, err = f.engine.ProcessOnce(ctx, env, func(context.Context, *webhook.Envelope, string) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessAdmitted, res.Status)
	assert.Equal(t, 2, res.Record.Attempts)

	stored, err := f.engine.Store().GetWebhookEvent(ctx, stripeName, "evt_f")
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusProcessed, stored.Status)
}

func TestAbandonedClaimIsTakenOverAfterTimeout(t *testing.T) {
	f := newFixture(t, billing.WithClaimTimeout(10*time.Minute))
	ctx := context.Background()
	env := envelope("evt_crash", webhook.TypeInvoicePaid, webhook.Refs{TenantID: "t1"}, nil)

	// A worker claims the event and dies before finishing it.
	at := f.clock.Now()
	_, claimed, err := f.store.ClaimWebhookEvent(ctx, &webhook.Record{
		ID:          id.NewWebhookEventID(),
		Provider:    env.Provider,
		EventID:     env.EventID,
		EventType:   env.Type,
		PayloadHash: env.PayloadHash,
		TenantID:    "t1",
		Status:      webhook.StatusPending,
		ReceivedAt:  at,
		ClaimedAt:   at,
	}, webhook.ClaimOpts{HashSince: at.Add(-time.Hour)})
	require.NoError(t, err)
	require.True(t, claimed)

	var runs atomic.Int32
	handler := func(context.Context, *webhook.Envelope, string) error {
		runs.Add(1)
		return nil
	}

	f.clock.Advance(time.Minute)
	res, err := f.engine.ProcessOnce(ctx, env, handler)
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessDuplicate, res.Status, "claim is still live")
	assert.Zero(t, runs.Load())

	f.clock.Advance(48 * time.Hour)
	res, err = f.engine.ProcessOnce(ctx, env, handler)
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessAdmitted, res.Status)
	assert.Equal(t, 2, res.Record.Attempts)
	assert.Equal(t, int32(1), runs.Load())

	stored, err := f.store.GetWebhookEvent(ctx, stripeName, "evt_crash")
	require.NoError(t, err)
	assert.Equal(t, webhook.StatusProcessed, stored.Status)

	res, err = f.engine.ProcessOnce(ctx, env, handler)
	require.NoError(t, err)
	assert.Equal(t, billing.ProcessDuplicate, res.Status)
	assert.Equal(t, int32(1), runs.Load())
}

func TestProcessRejectsIncompleteEnvelope(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.ProcessWebhook(context.Background(), &webhook.Envelope{Provider: stripeName})
	require.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestUnsupportedEventFails(t *testing.T) {
	f := newFixture(t)
	env := envelope("evt_x", "customer.created", webhook.Refs{TenantID: "t1"}, nil)
	_, err := f.engine.ProcessWebhook(context.Background(), env)
	require.ErrorIs(t, err, billing.ErrUnsupportedEvent)
}

func TestIncludedCreditsOnlyForNewPeriods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_pro_m")

	_, err := f.engine.ProcessWebhook(ctx, invoicePaid("evt_p", "in_prorate", "subscription_update"))
	require.NoError(t, err)
	assert.Zero(t, f.available(t, "t1"))

	_, err = f.engine.ProcessWebhook(ctx, invoicePaid("evt_c", "in_cycle", "subscription_cycle"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), f.available(t, "t1"))
}

func TestCreditPackPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ProcessWebhook(ctx, packPurchase("evt_1", "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.available(t, "t1"))

	// A different event for the same session grants nothing.
	_, err = f.engine.ProcessWebhook(ctx, packPurchase("evt_2", "cs_1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.available(t, "t1"))

	txn, err := f.engine.Transaction(ctx, "t1", transaction.CheckoutKey("cs_1"))
	require.NoError(t, err)
	assert.Equal(t, transaction.KindCreditPackPurchase, txn.Kind)
	assert.Equal(t, int64(1000), txn.CreditsAdded)
	assert.Equal(t, "cs_1", txn.ProviderSessionID)
}

func TestTopUpFromMetadataCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := envelope("evt_t", webhook.TypeCheckoutCompleted, webhook.Refs{TenantID: "t1"},
		webhook.CheckoutTopUpCompleted{SessionID: "cs_t", PriceID: "price_adhoc", Credits: 250, Amount: types.NewMoney(500, "usd")})
	_, err := f.engine.ProcessWebhook(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, int64(250), f.available(t, "t1"))

	txn, err := f.engine.Transaction(ctx, "t1", transaction.CheckoutKey("cs_t"))
	require.NoError(t, err)
	assert.Equal(t, transaction.KindCreditTopUp, txn.Kind)

	empty := envelope("evt_e", webhook.TypeCheckoutCompleted, webhook.Refs{TenantID: "t1"},
		webhook.CheckoutTopUpCompleted{SessionID: "cs_e", PriceID: "price_adhoc"})
	_, err = f.engine.ProcessWebhook(ctx, empty)
	require.ErrorIs(t, err, billing.ErrConfigIncomplete)
}

func TestRefundClawsBackProportionally(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ProcessWebhook(ctx, packPurchase("evt_buy", "cs_1"))
	require.NoError(t, err)
	_, err = f.engine.Debit(ctx, "t1", 300, "sms:send", nil)
	require.NoError(t, err)

	refund := func(eventID string, cumulative int64) *webhook.Envelope {
		return envelope(eventID, webhook.TypeChargeRefunded, webhook.Refs{TenantID: "t1"},
			webhook.ChargeRefunded{
				ChargeID:       "ch_1",
				PaymentID:      "pi_pack",
				Amount:         types.NewMoney(1000, "usd"),
				AmountRefunded: types.NewMoney(cumulative, "usd"),
			})
	}

	_, err = f.engine.ProcessWebhook(ctx, refund("evt_r1", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.available(t, "t1"))

	// Redelivery under a new id and payload is still one clawback.
	_, err = f.engine.ProcessWebhook(ctx, refund("evt_r1b", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(200), f.available(t, "t1"))

	// Full refund: 500 more is due but only 200 remain.
	_, err = f.engine.ProcessWebhook(ctx, refund("evt_r2", 1000))
	require.NoError(t, err)
	assert.Zero(t, f.available(t, "t1"))

	last, err := f.engine.Transaction(ctx, "t1", transaction.RefundKey("ch_1", 1000))
	require.NoError(t, err)
	assert.Equal(t, transaction.KindRefund, last.Kind)
	assert.Equal(t, transaction.StatusRefunded, last.Status)
	assert.Equal(t, int64(-200), last.CreditsAdded)
	assert.Equal(t, "300", last.Metadata["uncollected"])

	b, err := f.engine.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), b.Refunded)
}

func TestLostDisputeClawsBackRemaining(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ProcessWebhook(ctx, packPurchase("evt_buy", "cs_1"))
	require.NoError(t, err)

	dispute := func(eventID, status string) *webhook.Envelope {
		return envelope(eventID, webhook.TypeDisputeUpdated, webhook.Refs{TenantID: "t1"},
			webhook.DisputeUpdated{
				DisputeID: "dp_1",
				ChargeID:  "ch_1",
				PaymentID: "pi_pack",
				Status:    status,
				Amount:    types.NewMoney(1000, "usd"),
			})
	}

	_, err = f.engine.ProcessWebhook(ctx, dispute("evt_d1", "under_review"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), f.available(t, "t1"))

	_, err = f.engine.ProcessWebhook(ctx, dispute("evt_d2", webhook.DisputeLost))
	require.NoError(t, err)
	assert.Zero(t, f.available(t, "t1"))

	txn, err := f.engine.Transaction(ctx, "t1", transaction.DisputeKey("dp_1"))
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusDisputed, txn.Status)
	assert.Equal(t, int64(-1000), txn.CreditsAdded)
}

func TestCheckoutReplacesMonthlySubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_old", "price_pro_m")

	f.provider.PutSubscription(provider.Subscription{
		ID:                 "sub_new",
		CustomerID:         "cus_t1",
		Status:             provider.StatusActive,
		PriceID:            "price_pro_y",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   yearEnd,
	})

	env := envelope("evt_co", webhook.TypeCheckoutCompleted, webhook.Refs{TenantID: "t1"},
		webhook.CheckoutSubscriptionCompleted{SessionID: "cs_y", CustomerID: "cus_t1", SubscriptionID: "sub_new"})
	_, err := f.engine.ProcessWebhook(ctx, env)
	require.NoError(t, err)

	old, ok := f.provider.Subscription("sub_old")
	require.True(t, ok)
	assert.Equal(t, provider.StatusCanceled, old.Status)

	m, err := f.engine.Store().GetMirror(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", m.ProviderSubscriptionID)
	assert.Equal(t, catalog.Year, m.Interval)

	// The old subscription's deletion arrives late and must not clobber the mirror.
	late := envelope("evt_del", webhook.TypeSubscriptionDeleted, webhook.Refs{SubscriptionID: "sub_old", TenantID: "t1"},
		webhook.SubscriptionDeleted{Subscription: old})
	_, err = f.engine.ProcessWebhook(ctx, late)
	require.NoError(t, err)

	m, err = f.engine.Store().GetMirror(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sub_new", m.ProviderSubscriptionID)
	assert.Equal(t, subscription.StatusActive, m.Status)
}

func TestSubscriptionDeletedFallsBackToSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gone := provider.Subscription{
		ID:                 "sub_gone",
		CustomerID:         "cus_t1",
		Status:             provider.StatusActive,
		PriceID:            "price_starter_m",
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	c, err := f.engine.DeriveCanonicalFields(&gone)
	require.NoError(t, err)
	_, err = f.engine.SyncMirror(ctx, "t1", c, subscription.SourceWebhook)
	require.NoError(t, err)

	gone.Status = provider.StatusCanceled
	env := envelope("evt_gone", webhook.TypeSubscriptionDeleted, webhook.Refs{SubscriptionID: "sub_gone"},
		webhook.SubscriptionDeleted{Subscription: gone})
	res, err := f.engine.ProcessWebhook(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, "t1", res.TenantID)

	m, err := f.engine.Store().GetMirror(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusCancelled, m.Status)
	assert.Equal(t, subscription.SourceWebhook, m.SourceOfTruth)
}

func TestSubscriptionUpdatedUsesLiveTruth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_starter_m")

	live, ok := f.provider.Subscription("sub_1")
	require.True(t, ok)
	stale := live

	live.PriceID = "price_pro_m"
	f.provider.PutSubscription(live)

	// The event snapshot still says starter; the live fetch says pro.
	env := envelope("evt_up", webhook.TypeSubscriptionUpdated, webhook.Refs{SubscriptionID: "sub_1"},
		webhook.SubscriptionUpdated{Subscription: stale})
	_, err := f.engine.ProcessWebhook(ctx, env)
	require.NoError(t, err)

	m, err := f.engine.Store().GetMirror(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pro", m.PlanCode)
}
