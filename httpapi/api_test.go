package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/httpapi"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/provider/providertest"
	"github.com/xraph/billing/store/memory"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

const signatureHeader = "X-Test-Signature"

// parserFunc lets a test decide what a signed payload decodes to.
type parserFunc func(payload []byte, signature string) (*webhook.Envelope, error)

func (f parserFunc) Parse(payload []byte, signature string) (*webhook.Envelope, error) {
	return f(payload, signature)
}

// testParser accepts signature "ok" and treats the payload as an event id
// for a credit pack purchase by tenant t1. Payloads starting with "inv_"
// decode to a paid invoice instead.
var testParser = parserFunc(func(payload []byte, signature string) (*webhook.Envelope, error) {
	if signature != "ok" {
		return nil, webhook.ErrVerification
	}
	eventID := string(payload)
	switch {
	case eventID == "unsupported":
		return nil, fmt.Errorf("%w: customer.created", webhook.ErrUnsupportedEvent)
	case len(eventID) > 4 && eventID[:4] == "inv_":
		return &webhook.Envelope{
			Provider:    "test",
			EventID:     eventID,
			Type:        webhook.TypeInvoicePaid,
			PayloadHash: webhook.HashPayload(webhook.TypeInvoicePaid, payload),
			Refs:        webhook.Refs{TenantID: "t1", SubscriptionID: "sub_1"},
			Event: webhook.InvoicePaid{
				InvoiceID:      eventID,
				SubscriptionID: "sub_1",
				Amount:         types.NewMoney(500, "usd"),
			},
		}, nil
	}
	return &webhook.Envelope{
		Provider:    "test",
		EventID:     eventID,
		Type:        webhook.TypeCheckoutCompleted,
		PayloadHash: webhook.HashPayload(webhook.TypeCheckoutCompleted, payload),
		Refs:        webhook.Refs{TenantID: "t1"},
		Event: webhook.CheckoutTopUpCompleted{
			SessionID: "cs_" + eventID,
			PriceID:   "price_pack_small",
			Amount:    types.NewMoney(1000, "usd"),
		},
	}, nil
})

type harness struct {
	engine   *billing.Engine
	provider *providertest.Provider
	server   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalog.New([]catalog.Price{
		{Key: catalog.NewKey("pro", catalog.Month, "usd"), PriceID: "price_pro_m", IncludedCredits: 500},
		{Key: catalog.NewKey("pro", catalog.Year, "usd"), PriceID: "price_pro_y", IncludedCredits: 6000},
	}, []catalog.Pack{
		{Code: "small", Currency: "usd", PriceID: "price_pack_small", Credits: 1000},
	})
	require.NoError(t, err)

	quiet := slog.New(slog.DiscardHandler)
	prov := providertest.New()
	eng := billing.New(memory.New(), prov, cat,
		billing.WithLogger(quiet),
		billing.WithSweepInterval(0),
	)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })

	api := httpapi.New(eng,
		httpapi.WithLogger(quiet),
		httpapi.WithWebhookParser("test", testParser, signatureHeader),
		httpapi.WithCheckoutURLs("https://app.test/ok", "https://app.test/cancel"),
	)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &harness{engine: eng, provider: prov, server: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func key(k string) map[string]string { return map[string]string{httpapi.IdempotencyHeader: k} }

func TestBalance(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Credit(context.Background(), "t1", 300, "grant", nil)
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/tenants/t1/balance", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 300, body["available"], 0)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestReservationLifecycle(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Credit(context.Background(), "t1", 100, "grant", nil)
	require.NoError(t, err)

	resp, _ := h.do(t, http.MethodPost, "/tenants/t1/reservations", map[string]any{"amount": 40}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "idempotency key is required")

	resp, body := h.do(t, http.MethodPost, "/tenants/t1/reservations", map[string]any{"amount": 40}, key("r-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resID, _ := body["id"].(string)
	require.NotEmpty(t, resID)

	resp, _ = h.do(t, http.MethodPost, "/tenants/t1/reservations", map[string]any{"amount": 100}, key("r-2"))
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/reservations/"+resID+"/commit", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["replayed"])

	resp, _ = h.do(t, http.MethodPost, "/reservations/"+resID+"/release", map[string]any{"reason": "late"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/reservations/not-an-id/commit", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/reservations/"+id.NewReservationID().String()+"/release", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	n, err := h.engine.AvailableBalance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), n)
}

func TestWebhookIntake(t *testing.T) {
	h := newHarness(t)
	signed := map[string]string{signatureHeader: "ok"}

	resp, _ := h.do(t, http.MethodPost, "/webhooks/other", "evt_1", signed)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/webhooks/test", "evt_1", map[string]string{signatureHeader: "forged"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/webhooks/test", "unsupported", signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ignored", body["status"])

	resp, body = h.do(t, http.MethodPost, "/webhooks/test", "evt_1", signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "admitted", body["status"])

	resp, body = h.do(t, http.MethodPost, "/webhooks/test", "evt_1", signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "duplicate", body["status"])

	entries, err := h.engine.Entries(context.Background(), "t1", credit.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1000), entries[0].Amount)
}

func TestWebhookRetryableFailureAsksForRedelivery(t *testing.T) {
	h := newHarness(t)
	signed := map[string]string{signatureHeader: "ok"}
	h.provider.Fail("RetrieveSubscription", fmt.Errorf("%w: timeout", provider.ErrUnavailable))

	resp, _ := h.do(t, http.MethodPost, "/webhooks/test", "inv_1", signed)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// A permanent failure is acknowledged so the provider stops retrying.
	h.provider.Fail("RetrieveSubscription", fmt.Errorf("%w: sub_1", provider.ErrNotFound))
	resp, body := h.do(t, http.MethodPost, "/webhooks/test", "inv_2", signed)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
}

func TestCheckoutUsesDefaultURLs(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/tenants/t1/checkout", map[string]any{
		"purpose":   "topup",
		"pack_code": "small",
		"currency":  "usd",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/tenants/t1/checkout", map[string]any{
		"purpose":   "topup",
		"pack_code": "small",
		"currency":  "usd",
	}, key("buy-1"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["url"])
}

func TestSubscriptionErrors(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodGet, "/tenants/t1/subscription", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/tenants/t1/subscription/change", map[string]any{
		"plan_code": "pro",
		"interval":  "month",
	}, key("chg-1"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/tenants/t1/subscription/change", `{"plan_code":`, key("chg-2"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{billing.ErrInsufficientCredits, http.StatusPaymentRequired},
		{billing.ErrInvalidReservationState, http.StatusConflict},
		{billing.ValidationError{Field: "amount", Message: "bad"}, http.StatusBadRequest},
		{billing.ErrReservationNotFound, http.StatusNotFound},
		{billing.ErrConfigIncomplete, http.StatusInternalServerError},
		{fmt.Errorf("wrapped: %w", billing.ErrProviderUnavailable), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, httpapi.StatusFor(tt.err))
		})
	}
}
