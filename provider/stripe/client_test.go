package stripe_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/provider/stripe"
)

const subscriptionJSON = `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"active","currency":"usd",
	"metadata":{"tenant_id":"tenant-a"},
	"schedule":{"id":"sub_sched_1","object":"subscription_schedule","phases":[
		{"start_date":1700000000,"end_date":1731536000,"items":[{"price":"price_pro_month_usd"}]},
		{"start_date":1731536000,"end_date":1734128000,"items":[{"price":"price_starter_month_usd"}]}]},
	"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","quantity":1,
		"price":{"id":"price_pro_month_usd","object":"price"},
		"current_period_start":1700000000,"current_period_end":1731536000}]}}`

func newClient(t *testing.T, handler http.HandlerFunc) *stripe.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, &stripelib.BackendConfig{
		URL:               stripelib.String(srv.URL),
		MaxNetworkRetries: stripelib.Int64(0),
		LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelNull},
	})
	return stripe.New(stripe.Config{
		SecretKey: "sk_test_123",
		Backends:  &stripelib.Backends{API: backend, Connect: backend, Uploads: backend},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestRetrieveSubscription(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		assert.Equal(t, "schedule", r.URL.Query().Get("expand[0]"))
		writeJSON(w, http.StatusOK, subscriptionJSON)
	})

	sub, err := c.RetrieveSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "price_pro_month_usd", sub.PriceID)
	assert.Equal(t, time.Unix(1731536000, 0).UTC(), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.Schedule)
	require.Len(t, sub.Schedule.Phases, 2)
	assert.Equal(t, "price_starter_month_usd", sub.Schedule.Phases[1].PriceID)
	assert.Equal(t, time.Unix(1731536000, 0).UTC(), sub.Schedule.Phases[1].Start)
}

func TestRetrieveSubscriptionNotFound(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusNotFound, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`)
	})

	_, err := c.RetrieveSubscription(context.Background(), "sub_missing")
	require.ErrorIs(t, err, provider.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load(), "not found is not retried")
}

func TestRetrieveSubscriptionRetriesOutage(t *testing.T) {
	var calls atomic.Int32
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, `{"error":{"type":"api_error","message":"try later"}}`)
			return
		}
		writeJSON(w, http.StatusOK, subscriptionJSON)
	})

	sub, err := c.RetrieveSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetrieveSubscriptionPersistentOutage(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusInternalServerError, `{"error":{"type":"api_error","message":"down"}}`)
	})

	_, err := c.RetrieveSubscription(context.Background(), "sub_1")
	require.ErrorIs(t, err, provider.ErrUnavailable)
}

func TestCreateCheckoutSession(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "checkout:tenant-a:1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "payment", r.PostForm.Get("mode"))
		assert.Equal(t, "price_pack", r.PostForm.Get("line_items[0][price]"))
		assert.Equal(t, "tenant-a", r.PostForm.Get("metadata[tenant_id]"))
		assert.Equal(t, "starter", r.PostForm.Get("metadata[pack_code]"))
		assert.Equal(t, "tenant-a", r.PostForm.Get("payment_intent_data[metadata][tenant_id]"))
		writeJSON(w, http.StatusOK, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.example/cs_1",
			"mode":"payment","status":"open","payment_status":"unpaid","amount_total":1500,"currency":"usd"}`)
	})

	sess, err := c.CreateCheckoutSession(context.Background(), provider.CheckoutParams{
		Mode:           provider.CheckoutPayment,
		TenantID:       "tenant-a",
		PriceID:        "price_pack",
		SuccessURL:     "https://app.example/ok",
		CancelURL:      "https://app.example/cancel",
		Metadata:       map[string]string{stripe.MetadataPackCode: "starter"},
		IdempotencyKey: "checkout:tenant-a:1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/cs_1", sess.URL)
	assert.Equal(t, provider.CheckoutPayment, sess.Mode)
	assert.Equal(t, int64(1500), sess.AmountTotal.Amount)
}

func TestUpdateSubscriptionSendsProration(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, subscriptionJSON)
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "si_1", r.PostForm.Get("items[0][id]"))
		assert.Equal(t, "price_scale_month_usd", r.PostForm.Get("items[0][price]"))
		assert.Equal(t, "always_invoice", r.PostForm.Get("proration_behavior"))
		assert.Equal(t, "change-1", r.Header.Get("Idempotency-Key"))
		writeJSON(w, http.StatusOK, subscriptionJSON)
	})

	_, err := c.UpdateSubscription(context.Background(), "sub_1", "price_scale_month_usd", provider.ProrateAlwaysInvoice, "change-1")
	require.NoError(t, err)
}
