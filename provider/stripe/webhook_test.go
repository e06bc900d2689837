package stripe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/provider/stripe"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

const secret = "whsec_test_secret"

func sign(t *testing.T, payload string) (body []byte, header string) {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return signed.Payload, signed.Header
}

func parse(t *testing.T, payload string) (*webhook.Envelope, error) {
	t.Helper()
	body, header := sign(t, payload)
	return stripe.NewParser(secret).Parse(body, header)
}

func TestParseRejectsBadSignature(t *testing.T) {
	body, _ := sign(t, `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)
	_, err := stripe.NewParser(secret).Parse(body, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, webhook.ErrVerification)

	_, err = stripe.NewParser("whsec_other").Parse(sign(t, `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`))
	require.ErrorIs(t, err, webhook.ErrVerification)
}

func TestParseUnsupportedType(t *testing.T) {
	_, err := parse(t, `{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	require.ErrorIs(t, err, webhook.ErrUnsupportedEvent)
}

func TestParseCheckoutSubscription(t *testing.T) {
	env, err := parse(t, `{"id":"evt_cs","object":"event","type":"checkout.session.completed","created":1700000000,
		"data":{"object":{"id":"cs_1","object":"checkout.session","mode":"subscription","customer":"cus_1",
		"subscription":"sub_1","payment_status":"paid","client_reference_id":"tenant-a","metadata":{}}}}`)
	require.NoError(t, err)

	assert.Equal(t, stripe.Name, env.Provider)
	assert.Equal(t, "evt_cs", env.EventID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), env.Created)
	assert.Equal(t, webhook.Refs{TenantID: "tenant-a", CustomerID: "cus_1", SubscriptionID: "sub_1"}, env.Refs)
	assert.Equal(t, webhook.CheckoutSubscriptionCompleted{SessionID: "cs_1", CustomerID: "cus_1", SubscriptionID: "sub_1"}, env.Event)
	assert.Len(t, env.PayloadHash, 64)
}

func TestParseCheckoutTopUp(t *testing.T) {
	env, err := parse(t, `{"id":"evt_pay","object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_2","object":"checkout.session","mode":"payment","customer":"cus_1",
		"payment_intent":"pi_1","payment_status":"paid","amount_total":1500,"currency":"eur",
		"metadata":{"tenant_id":"tenant-b","pack_code":"starter","price_id":"price_pack","credits":"250"}}}}`)
	require.NoError(t, err)

	assert.Equal(t, "tenant-b", env.Refs.TenantID)
	assert.Equal(t, webhook.CheckoutTopUpCompleted{
		SessionID:  "cs_2",
		CustomerID: "cus_1",
		PaymentID:  "pi_1",
		PriceID:    "price_pack",
		PackCode:   "starter",
		Credits:    250,
		Amount:     types.NewMoney(1500, "eur"),
	}, env.Event)

	_, err = parse(t, `{"id":"evt_unpaid","object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_3","object":"checkout.session","mode":"payment","payment_status":"unpaid"}}}`)
	require.ErrorIs(t, err, webhook.ErrUnsupportedEvent)
}

func TestParseInvoicePaidCurrentShape(t *testing.T) {
	env, err := parse(t, `{"id":"evt_inv","object":"event","type":"invoice.paid",
		"data":{"object":{"id":"in_1","object":"invoice","customer":"cus_1","billing_reason":"subscription_cycle",
		"amount_paid":4900,"currency":"usd",
		"parent":{"subscription_details":{"subscription":"sub_1","metadata":{"tenant_id":"tenant-a"}}},
		"payments":{"data":[{"payment":{"payment_intent":"pi_9"}}]},
		"lines":{"data":[{"pricing":{"price_details":{"price":"price_pro_month_usd"}}}]}}}}`)
	require.NoError(t, err)

	assert.Equal(t, webhook.Refs{TenantID: "tenant-a", CustomerID: "cus_1", SubscriptionID: "sub_1"}, env.Refs)
	assert.Equal(t, webhook.InvoicePaid{
		InvoiceID:      "in_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		PaymentID:      "pi_9",
		PriceID:        "price_pro_month_usd",
		BillingReason:  "subscription_cycle",
		Amount:         types.NewMoney(4900, "usd"),
	}, env.Event)
}

func TestParseInvoiceLegacyShape(t *testing.T) {
	env, err := parse(t, `{"id":"evt_inv2","object":"event","type":"invoice.payment_failed",
		"data":{"object":{"id":"in_2","object":"invoice","customer":"cus_2","subscription":"sub_2",
		"attempt_count":2,"payment_intent":"pi_2","lines":{"data":[{"price":{"id":"price_old"}}]}}}}`)
	require.NoError(t, err)

	assert.Equal(t, "sub_2", env.Refs.SubscriptionID)
	assert.Equal(t, webhook.InvoicePaymentFailed{InvoiceID: "in_2", CustomerID: "cus_2", SubscriptionID: "sub_2", AttemptCount: 2}, env.Event)
}

func TestParseSubscriptionEvents(t *testing.T) {
	payload := `{"id":"sub_1","object":"subscription","customer":"cus_1","status":"past_due","currency":"usd",
		"cancel_at_period_end":true,"metadata":{"tenant_id":"tenant-a"},
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":"price_pro_year_usd","object":"price"},
		"current_period_start":1700000000,"current_period_end":1731536000}]}}`

	env, err := parse(t, `{"id":"evt_su","object":"event","type":"customer.subscription.updated","data":{"object":`+payload+`}}`)
	require.NoError(t, err)
	updated, ok := env.Event.(webhook.SubscriptionUpdated)
	require.True(t, ok)
	assert.Equal(t, provider.Subscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		Status:             provider.StatusPastDue,
		PriceID:            "price_pro_year_usd",
		Currency:           "usd",
		CurrentPeriodStart: time.Unix(1700000000, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(1731536000, 0).UTC(),
		CancelAtPeriodEnd:  true,
		Metadata:           map[string]string{"tenant_id": "tenant-a"},
	}, updated.Subscription)
	assert.Equal(t, webhook.Refs{TenantID: "tenant-a", CustomerID: "cus_1", SubscriptionID: "sub_1"}, env.Refs)

	env, err = parse(t, `{"id":"evt_sd","object":"event","type":"customer.subscription.deleted","data":{"object":`+payload+`}}`)
	require.NoError(t, err)
	_, ok = env.Event.(webhook.SubscriptionDeleted)
	assert.True(t, ok)
}

func TestParseRefundAndDispute(t *testing.T) {
	env, err := parse(t, `{"id":"evt_rf","object":"event","type":"charge.refunded",
		"data":{"object":{"id":"ch_1","object":"charge","customer":"cus_1","payment_intent":"pi_1",
		"amount":2000,"amount_refunded":500,"currency":"usd","metadata":{}}}}`)
	require.NoError(t, err)
	assert.Equal(t, webhook.ChargeRefunded{
		ChargeID:       "ch_1",
		PaymentID:      "pi_1",
		Amount:         types.NewMoney(2000, "usd"),
		AmountRefunded: types.NewMoney(500, "usd"),
	}, env.Event)
	assert.Equal(t, "cus_1", env.Refs.CustomerID)

	env, err = parse(t, `{"id":"evt_dp","object":"event","type":"charge.dispute.closed",
		"data":{"object":{"id":"dp_1","object":"dispute","charge":"ch_1","payment_intent":"pi_1",
		"status":"lost","amount":2000,"currency":"usd"}}}`)
	require.NoError(t, err)
	assert.Equal(t, webhook.DisputeUpdated{
		DisputeID: "dp_1",
		ChargeID:  "ch_1",
		PaymentID: "pi_1",
		Status:    webhook.DisputeLost,
		Amount:    types.NewMoney(2000, "usd"),
	}, env.Event)
}

func TestHashIgnoresEnvelopeID(t *testing.T) {
	data := `{"object":{"id":"in_1","object":"invoice","customer":"cus_1","amount_paid":1,"currency":"usd"}}`
	a, err := parse(t, `{"id":"evt_a","object":"event","type":"invoice.paid","data":`+data+`}`)
	require.NoError(t, err)
	b, err := parse(t, `{"id":"evt_b","object":"event","type":"invoice.paid","data":`+data+`}`)
	require.NoError(t, err)
	assert.Equal(t, a.PayloadHash, b.PayloadHash)
	assert.NotEqual(t, a.EventID, b.EventID)
}
