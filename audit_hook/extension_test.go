package audithook

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/webhook"
)

type capture struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (c *capture) Record(_ context.Context, ev *AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Action
	}
	return out
}

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestLedgerEventsAreAudited(t *testing.T) {
	c := &capture{}
	ext := New(c, WithLogger(quietLogger()))
	ctx := context.Background()

	entry := &credit.Entry{ID: id.NewEntryID(), TenantID: "t1", Kind: credit.KindCredit, Amount: 100, Reason: "top_up"}
	require.NoError(t, ext.OnCredited(ctx, entry))
	require.NoError(t, ext.OnDebited(ctx, &credit.Entry{ID: id.NewEntryID(), TenantID: "t1", Kind: credit.KindRefund, Amount: 40}))
	require.NoError(t, ext.OnInsufficientCredits(ctx, "t1", 500))

	assert.Equal(t, []string{ActionCreditGranted, ActionCreditClawedBack, ActionCreditsInsufficient}, c.actions())

	granted := c.events[0]
	assert.Equal(t, "t1", granted.TenantID)
	assert.Equal(t, entry.ID.String(), granted.ResourceID)
	assert.Equal(t, int64(100), granted.Metadata["amount"])
	assert.Equal(t, SeverityWarning, c.events[1].Severity)
	assert.Equal(t, OutcomeFailure, c.events[2].Outcome)
}

func TestWebhookFailureCarriesReason(t *testing.T) {
	c := &capture{}
	ext := New(c, WithLogger(quietLogger()))

	cause := errors.New("store unavailable")
	rec := &webhook.Record{Provider: "stripe", EventID: "evt_1", EventType: webhook.TypeInvoicePaid, Attempts: 2}
	require.NoError(t, ext.OnWebhookFailed(context.Background(), rec, cause))

	require.Len(t, c.events, 1)
	ev := c.events[0]
	assert.Equal(t, SeverityError, ev.Severity)
	assert.Equal(t, "store unavailable", ev.Reason)
	assert.Equal(t, "evt_1", ev.ResourceID)
	assert.Equal(t, 2, ev.Metadata["attempts"])
}

func TestSubscriptionSyncOnlyAuditsRepairs(t *testing.T) {
	c := &capture{}
	ext := New(c, WithLogger(quietLogger()))
	ctx := context.Background()

	m := &subscription.Mirror{TenantID: "t1", SourceOfTruth: subscription.SourceStatusReconcile}
	m.PlanCode = "pro"
	m.Interval = catalog.Year

	require.NoError(t, ext.OnSubscriptionSynced(ctx, m, false))
	assert.Empty(t, c.events)

	require.NoError(t, ext.OnSubscriptionSynced(ctx, m, true))
	require.NoError(t, ext.OnSubscriptionChanged(ctx, "t1", subscription.ChangeImmediate, catalog.NewKey("pro", catalog.Year, "usd")))
	assert.Equal(t, []string{ActionSubscriptionRepaired, ActionSubscriptionChanged}, c.actions())
	assert.Equal(t, "pro", c.events[0].Metadata["plan_code"])
}

func TestActionFilters(t *testing.T) {
	ctx := context.Background()
	r := &reservation.Reservation{ID: id.NewReservationID(), TenantID: "t1", Amount: 5}

	only := &capture{}
	ext := New(only, WithLogger(quietLogger()), WithEnabledActions(ActionReservationCommitted))
	require.NoError(t, ext.OnReservationCreated(ctx, r))
	require.NoError(t, ext.OnReservationCommitted(ctx, r, &credit.Entry{ID: id.NewEntryID()}))
	assert.Equal(t, []string{ActionReservationCommitted}, only.actions())

	skip := &capture{}
	ext = New(skip, WithLogger(quietLogger()), WithDisabledActions(ActionReservationCreated))
	require.NoError(t, ext.OnReservationCreated(ctx, r))
	require.NoError(t, ext.OnReservationReleased(ctx, r))
	assert.Equal(t, []string{ActionReservationReleased}, skip.actions())
}

func TestRecorderErrorsAreSwallowed(t *testing.T) {
	failing := RecorderFunc(func(context.Context, *AuditEvent) error { return errors.New("down") })
	ext := New(failing, WithLogger(quietLogger()))

	rec := &webhook.Record{Provider: "stripe", EventID: "evt_1"}
	assert.NoError(t, ext.OnWebhookProcessed(context.Background(), rec, time.Millisecond))
}

func TestSlogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	ext := New(SlogRecorder(logger))

	require.NoError(t, ext.OnWebhookUnmatched(context.Background(), &webhook.Record{Provider: "stripe", EventID: "evt_9"}))

	out := buf.String()
	assert.Contains(t, out, `"level":"WARN"`)
	assert.Contains(t, out, `"action":"webhook.unmatched"`)
	assert.Contains(t, out, `"resource_id":"evt_9"`)
}
