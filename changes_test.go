package billing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/subscription"
)

const (
	successURL = "https://app.test/billing/success"
	cancelURL  = "https://app.test/billing/cancel"
)

func TestChangeImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_starter_y")

	res, err := f.engine.ChangeSubscription(ctx, billing.ChangeRequest{
		TenantID:       "t1",
		PlanCode:       "pro",
		Interval:       catalog.Year,
		IdempotencyKey: "chg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.ChangeImmediate, res.Behavior)
	assert.False(t, res.Scheduled)
	assert.Empty(t, res.CheckoutURL)
	assert.Equal(t, "pro", res.Mirror.PlanCode)
	assert.Equal(t, subscription.SourcePlanChange, res.Mirror.SourceOfTruth)

	live, _ := f.provider.Subscription("sub_1")
	assert.Equal(t, "price_pro_y", live.PriceID)

	_, err = f.engine.ChangeSubscription(ctx, billing.ChangeRequest{
		TenantID:       "t1",
		PlanCode:       "pro",
		Interval:       catalog.Year,
		IdempotencyKey: "chg-2",
	})
	require.ErrorIs(t, err, billing.ErrAlreadyOnPlan)
	assert.Equal(t, 1, f.provider.Calls("UpdateSubscription"))
}

func TestChangeScheduledDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_pro_y")

	req := billing.ChangeRequest{TenantID: "t1", PlanCode: "starter", Interval: catalog.Month, IdempotencyKey: "down-1"}
	res, err := f.engine.ChangeSubscription(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, subscription.ChangeScheduled, res.Behavior)
	assert.True(t, res.Scheduled)
	require.NotNil(t, res.EffectiveAt)
	assert.True(t, yearEnd.Equal(*res.EffectiveAt))

	// The current plan stays until the provider applies the schedule.
	assert.Equal(t, "pro", res.Mirror.PlanCode)
	require.NotNil(t, res.Mirror.PendingChange)
	assert.Equal(t, "starter", res.Mirror.PendingChange.PlanCode)

	req.IdempotencyKey = "down-2"
	again, err := f.engine.ChangeSubscription(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Scheduled)
	assert.Equal(t, 1, f.provider.Calls("ScheduleSubscriptionChange"))
}

func TestChangeToLongerIntervalNeedsCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_starter_m")

	req := billing.ChangeRequest{TenantID: "t1", PlanCode: "starter", Interval: catalog.Year, IdempotencyKey: "up-1"}
	_, err := f.engine.ChangeSubscription(ctx, req)
	require.ErrorIs(t, err, billing.ErrInvalidInput)

	req.SuccessURL, req.CancelURL = successURL, cancelURL
	res, err := f.engine.ChangeSubscription(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, subscription.ChangeCheckout, res.Behavior)
	assert.NotEmpty(t, res.CheckoutURL)
	assert.Equal(t, "starter", res.Mirror.PlanCode)
	assert.Equal(t, catalog.Month, res.Mirror.Interval)

	sessions := f.provider.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, provider.CheckoutSubscription, sessions[0].Mode)
	assert.Equal(t, "sub_1", sessions[0].Metadata[provider.MetadataReplaces])
	assert.Equal(t, "t1", sessions[0].Metadata[provider.MetadataTenantID])
	assert.Zero(t, f.provider.Calls("UpdateSubscription"))
}

func TestChangeCurrencyNeedsCheckout(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "t1", "sub_1", "price_pro_m")

	res, err := f.engine.ChangeSubscription(context.Background(), billing.ChangeRequest{
		TenantID:       "t1",
		PlanCode:       "pro",
		Interval:       catalog.Month,
		Currency:       "eur",
		IdempotencyKey: "eur-1",
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
	})
	require.NoError(t, err)
	assert.Equal(t, subscription.ChangeCheckout, res.Behavior)
}

func TestChangeSubscriptionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ChangeSubscription(ctx, billing.ChangeRequest{TenantID: "t1", PlanCode: "pro", Interval: catalog.Month, IdempotencyKey: "k"})
	require.ErrorIs(t, err, billing.ErrNoActiveSubscription)

	f.subscribe(t, "t1", "sub_1", "price_starter_m")

	tests := []struct {
		name string
		req  billing.ChangeRequest
		want error
	}{
		{"missing key", billing.ChangeRequest{TenantID: "t1", PlanCode: "pro", Interval: catalog.Month}, billing.ErrInvalidInput},
		{"bad interval", billing.ChangeRequest{TenantID: "t1", PlanCode: "pro", Interval: "week", IdempotencyKey: "k"}, billing.ErrInvalidInput},
		{"unknown plan", billing.ChangeRequest{TenantID: "t1", PlanCode: "enterprise", Interval: catalog.Month, IdempotencyKey: "k"}, billing.ErrConfigIncomplete},
		{"same plan", billing.ChangeRequest{TenantID: "t1", PlanCode: "starter", Interval: catalog.Month, IdempotencyKey: "k"}, billing.ErrAlreadyOnPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ChangeSubscription(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChangeLeavesMirrorOnProviderFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "t1", "sub_1", "price_starter_m")
	f.provider.Fail("UpdateSubscription", fmt.Errorf("%w: 503", provider.ErrUnavailable))

	_, err := f.engine.ChangeSubscription(ctx, billing.ChangeRequest{TenantID: "t1", PlanCode: "pro", Interval: catalog.Month, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, billing.IsRetryable(err))

	m, err := f.engine.Store().GetMirror(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "starter", m.PlanCode)
}

func TestStartCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("credit pack", func(t *testing.T) {
		req := billing.CheckoutRequest{
			TenantID:       "t1",
			Purpose:        billing.PurposeTopUp,
			PackCode:       "small",
			Currency:       "usd",
			IdempotencyKey: "buy-1",
			SuccessURL:     successURL,
			CancelURL:      cancelURL,
		}
		sess, err := f.engine.StartCheckout(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, provider.CheckoutPayment, sess.Mode)
		assert.Equal(t, "1000", sess.Metadata[provider.MetadataCredits])
		assert.Equal(t, "price_pack_small", sess.Metadata[provider.MetadataPriceID])

		again, err := f.engine.StartCheckout(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, again.ID)
	})

	t.Run("subscription", func(t *testing.T) {
		sess, err := f.engine.StartCheckout(ctx, billing.CheckoutRequest{
			TenantID:       "t2",
			Purpose:        billing.PurposeSubscription,
			PlanCode:       "pro",
			Interval:       catalog.Month,
			Currency:       "usd",
			IdempotencyKey: "sub-1",
			SuccessURL:     successURL,
			CancelURL:      cancelURL,
		})
		require.NoError(t, err)
		assert.Equal(t, provider.CheckoutSubscription, sess.Mode)
		assert.Equal(t, "pro", sess.Metadata[provider.MetadataPlanCode])
	})

	t.Run("already subscribed", func(t *testing.T) {
		f.subscribe(t, "t3", "sub_3", "price_pro_m")
		_, err := f.engine.StartCheckout(ctx, billing.CheckoutRequest{
			TenantID:       "t3",
			Purpose:        billing.PurposeSubscription,
			PlanCode:       "pro",
			Interval:       catalog.Month,
			Currency:       "usd",
			IdempotencyKey: "sub-3",
			SuccessURL:     successURL,
			CancelURL:      cancelURL,
		})
		require.ErrorIs(t, err, billing.ErrAlreadyOnPlan)
	})

	invalid := []struct {
		name string
		req  billing.CheckoutRequest
		want error
	}{
		{"missing key", billing.CheckoutRequest{TenantID: "t1", Purpose: billing.PurposeTopUp, PackCode: "small", Currency: "usd", SuccessURL: successURL, CancelURL: cancelURL}, billing.ErrInvalidInput},
		{"missing urls", billing.CheckoutRequest{TenantID: "t1", Purpose: billing.PurposeTopUp, PackCode: "small", Currency: "usd", IdempotencyKey: "k"}, billing.ErrInvalidInput},
		{"bad interval", billing.CheckoutRequest{TenantID: "t1", Purpose: billing.PurposeSubscription, PlanCode: "pro", Interval: "week", Currency: "usd", IdempotencyKey: "k", SuccessURL: successURL, CancelURL: cancelURL}, billing.ErrInvalidInput},
		{"unknown pack", billing.CheckoutRequest{TenantID: "t1", Purpose: billing.PurposeTopUp, PackCode: "huge", Currency: "usd", IdempotencyKey: "k", SuccessURL: successURL, CancelURL: cancelURL}, billing.ErrConfigIncomplete},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartCheckout(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
