package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

func TestMetricsRecordLedgerActivity(t *testing.T) {
	m := NewMetricsExtension(prometheus.NewRegistry())
	ctx := context.Background()

	require.NoError(t, m.OnCredited(ctx, &credit.Entry{Kind: credit.KindCredit, Amount: 500, Reason: "top_up"}))
	require.NoError(t, m.OnCredited(ctx, &credit.Entry{Kind: credit.KindCredit, Amount: 250, Reason: "top_up"}))
	require.NoError(t, m.OnDebited(ctx, &credit.Entry{Kind: credit.KindDebit, Amount: 40}))
	require.NoError(t, m.OnDebited(ctx, &credit.Entry{Kind: credit.KindRefund, Amount: 10}))
	require.NoError(t, m.OnInsufficientCredits(ctx, "t1", 1000))

	assert.InDelta(t, 750, testutil.ToFloat64(m.CreditsGranted.WithLabelValues("top_up")), 0)
	assert.InDelta(t, 40, testutil.ToFloat64(m.CreditsDebited.WithLabelValues("debit")), 0)
	assert.InDelta(t, 10, testutil.ToFloat64(m.CreditsDebited.WithLabelValues("refund")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.InsufficientCredits), 0)
}

func TestMetricsRecordReservationsAndWebhooks(t *testing.T) {
	m := NewMetricsExtension(prometheus.NewRegistry())
	ctx := context.Background()
	r := &reservation.Reservation{TenantID: "t1", Amount: 5}

	require.NoError(t, m.OnReservationCreated(ctx, r))
	require.NoError(t, m.OnReservationCommitted(ctx, r, &credit.Entry{}))
	require.NoError(t, m.OnReservationReleased(ctx, r))
	require.NoError(t, m.OnReservationsSwept(ctx, 3, 20*time.Millisecond))

	rec := &webhook.Record{Provider: "stripe", EventType: webhook.TypeInvoicePaid}
	require.NoError(t, m.OnWebhookProcessed(ctx, rec, time.Millisecond))
	require.NoError(t, m.OnWebhookDuplicate(ctx, &webhook.Envelope{Provider: "stripe"}, rec))
	require.NoError(t, m.OnWebhookFailed(ctx, rec, errors.New("boom")))
	require.NoError(t, m.OnWebhookUnmatched(ctx, rec))

	assert.InDelta(t, 1, testutil.ToFloat64(m.ReservationsCreated), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ReservationsResolved.WithLabelValues("committed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ReservationsResolved.WithLabelValues("released")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.ReservationsSwept), 0)
	for _, outcome := range []string{"processed", "duplicate", "failed", "unmatched"} {
		assert.InDelta(t, 1, testutil.ToFloat64(m.WebhookEvents.WithLabelValues("stripe", outcome)), 0, outcome)
	}
	assert.Equal(t, 1, testutil.CollectAndCount(m.WebhookLatency))
}

func TestMetricsRecordSubscriptions(t *testing.T) {
	m := NewMetricsExtension(prometheus.NewRegistry())
	ctx := context.Background()

	mirror := &subscription.Mirror{SourceOfTruth: subscription.SourceStatusReconcile}
	require.NoError(t, m.OnSubscriptionSynced(ctx, mirror, true))
	require.NoError(t, m.OnSubscriptionChanged(ctx, "t1", subscription.ChangeScheduled, catalog.NewKey("starter", catalog.Month, "usd")))
	require.NoError(t, m.OnTransactionRecorded(ctx, &transaction.Transaction{Fields: transaction.Fields{Kind: transaction.KindRefund}}))

	assert.InDelta(t, 1, testutil.ToFloat64(m.SubscriptionSyncs.WithLabelValues("status_reconcile", "true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SubscriptionChanges.WithLabelValues("scheduled", "month")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Transactions.WithLabelValues("refund")), 0)
}

func TestMetricsPluginRegisters(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(NewMetricsExtension(prometheus.NewRegistry())))
	assert.NotNil(t, reg.Get("observability-metrics"))
}
