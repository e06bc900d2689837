package billing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/subscription"
)

// ChangeRequest asks to move a tenant's subscription to another plan,
// interval or currency. Currency defaults to the current one. The URLs are
// only used when the change needs a new checkout.
type ChangeRequest struct {
	TenantID       string           `json:"tenant_id" validate:"required,max=255"`
	PlanCode       string           `json:"plan_code" validate:"required,max=64"`
	Interval       catalog.Interval `json:"interval" validate:"required,oneof=month year"`
	Currency       string           `json:"currency,omitempty" validate:"omitempty,len=3"`
	IdempotencyKey string           `json:"idempotency_key"`
	SuccessURL     string           `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL      string           `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// ChangeResult tells the caller how the change was applied.
type ChangeResult struct {
	Behavior    subscription.ChangeMode `json:"behavior"`
	Scheduled   bool                    `json:"scheduled"`
	EffectiveAt *time.Time              `json:"effective_at,omitempty"`
	CheckoutURL string                  `json:"checkout_url,omitempty"`
	Mirror      *subscription.Mirror    `json:"subscription,omitempty"`
}

// CheckoutPurpose selects what a checkout session sells.
type CheckoutPurpose string

const (
	PurposeSubscription CheckoutPurpose = "subscription"
	PurposeTopUp        CheckoutPurpose = "topup"
)

// CheckoutRequest starts a hosted checkout for a subscription or a credit
// pack. IdempotencyKey is required and forwarded to the provider.
type CheckoutRequest struct {
	TenantID       string           `json:"tenant_id" validate:"required,max=255"`
	Purpose        CheckoutPurpose  `json:"purpose" validate:"required,oneof=subscription topup"`
	PlanCode       string           `json:"plan_code,omitempty" validate:"required_if=Purpose subscription,max=64"`
	Interval       catalog.Interval `json:"interval,omitempty" validate:"required_if=Purpose subscription"`
	Currency       string           `json:"currency" validate:"required,len=3"`
	PackCode       string           `json:"pack_code,omitempty" validate:"required_if=Purpose topup,max=64"`
	IdempotencyKey string           `json:"idempotency_key"`
	SuccessURL     string           `json:"success_url" validate:"required,url"`
	CancelURL      string           `json:"cancel_url" validate:"required,url"`
}

// ChangeSubscription applies a plan change per the change policy: in place
// for same-interval moves, at the period end for year to month, and through
// a new checkout for month to year or a currency switch. Plan fields on the
// mirror are only ever written from the provider's answer.
func (e *Engine) ChangeSubscription(ctx context.Context, req ChangeRequest) (*ChangeResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := checkIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	m, err := e.store.GetMirror(ctx, req.TenantID)
	if err != nil {
		if IsNotFound(err) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}
	if m.ProviderSubscriptionID == "" || !m.Status.Entitled() {
		return nil, fmt.Errorf("%w: subscription is %s", ErrNoActiveSubscription, m.Status)
	}

	currency := req.Currency
	if currency == "" {
		currency = m.Currency
	}
	target := catalog.NewKey(req.PlanCode, req.Interval, currency)
	priceID, err := e.catalog.PriceID(target)
	if err != nil {
		return nil, err
	}

	if pc := m.PendingChange; pc != nil && catalog.NewKey(pc.PlanCode, pc.Interval, pc.Currency) == target {
		at := pc.EffectiveAt
		return &ChangeResult{Behavior: subscription.ChangeScheduled, Scheduled: true, EffectiveAt: &at, Mirror: m}, nil
	}
	if priceID == m.PriceID {
		return nil, ErrAlreadyOnPlan
	}

	mode := subscription.DecideChangeMode(planRef(m.Canonical), keyRef(target))
	if target.Currency != m.Currency {
		mode = subscription.ChangeCheckout
	}

	var result *ChangeResult
	switch mode {
	case subscription.ChangeImmediate:
		result, err = e.changeImmediate(ctx, m, priceID, req.IdempotencyKey)
	case subscription.ChangeScheduled:
		result, err = e.changeScheduled(ctx, m, priceID, req.IdempotencyKey)
	default:
		result, err = e.changeViaCheckout(ctx, m, target, priceID, req)
	}
	if err != nil {
		return nil, err
	}

	e.plugins.EmitSubscriptionChanged(ctx, req.TenantID, mode, target)
	e.logger.Info("subscription change accepted",
		"tenant_id", req.TenantID,
		"from", m.Key().String(),
		"to", target.String(),
		"behavior", mode,
	)
	return result, nil
}

func (e *Engine) changeImmediate(ctx context.Context, m *subscription.Mirror, priceID, key string) (*ChangeResult, error) {
	sub, err := e.provider.UpdateSubscription(ctx, m.ProviderSubscriptionID, priceID, provider.ProrateCreate, key)
	if err != nil {
		return nil, err
	}
	stored, err := e.syncProviderAnswer(ctx, m.TenantID, sub)
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Behavior: subscription.ChangeImmediate, Mirror: stored}, nil
}

func (e *Engine) changeScheduled(ctx context.Context, m *subscription.Mirror, priceID, key string) (*ChangeResult, error) {
	sub, err := e.provider.ScheduleSubscriptionChange(ctx, m.ProviderSubscriptionID, priceID, key)
	if err != nil {
		return nil, err
	}
	stored, err := e.syncProviderAnswer(ctx, m.TenantID, sub)
	if err != nil {
		return nil, err
	}

	at := stored.CurrentPeriodEnd
	if stored.PendingChange != nil {
		at = stored.PendingChange.EffectiveAt
	}
	return &ChangeResult{Behavior: subscription.ChangeScheduled, Scheduled: true, EffectiveAt: &at, Mirror: stored}, nil
}

// syncProviderAnswer mirrors the subscription a mutating provider call
// returned. A failure here must not re-run the provider call: the next
// status read repairs the mirror from live truth.
func (e *Engine) syncProviderAnswer(ctx context.Context, tenantID string, sub *provider.Subscription) (*subscription.Mirror, error) {
	c, err := e.DeriveCanonicalFields(sub)
	if err != nil {
		return nil, err
	}
	stored, err := e.SyncMirror(ctx, tenantID, c, subscription.SourcePlanChange)
	if err != nil {
		e.logger.Error("mirror write after provider change failed",
			"tenant_id", tenantID,
			"subscription_id", sub.ID,
			"error", err,
		)
		return nil, err
	}
	return stored, nil
}

func (e *Engine) changeViaCheckout(ctx context.Context, m *subscription.Mirror, target catalog.Key, priceID string, req ChangeRequest) (*ChangeResult, error) {
	if req.SuccessURL == "" || req.CancelURL == "" {
		return nil, ValidationError{Field: "success_url", Message: "success and cancel URLs are required for a checkout change"}
	}
	sess, err := e.provider.CreateCheckoutSession(ctx, provider.CheckoutParams{
		Mode:       provider.CheckoutSubscription,
		TenantID:   m.TenantID,
		CustomerID: m.ProviderCustomerID,
		PriceID:    priceID,
		Quantity:   1,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata: map[string]string{
			provider.MetadataTenantID: m.TenantID,
			provider.MetadataPriceID:  priceID,
			provider.MetadataPlanCode: target.Plan,
			provider.MetadataReplaces: m.ProviderSubscriptionID,
		},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &ChangeResult{Behavior: subscription.ChangeCheckout, CheckoutURL: sess.URL, Mirror: m}, nil
}

// StartCheckout creates a hosted checkout session for a new subscription or
// a credit pack. Retrying with the same idempotency key returns the same
// session.
func (e *Engine) StartCheckout(ctx context.Context, req CheckoutRequest) (*provider.CheckoutSession, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, err
	}
	if err := checkIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, err
	}

	params := provider.CheckoutParams{
		TenantID:       req.TenantID,
		Quantity:       1,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		IdempotencyKey: req.IdempotencyKey,
	}

	m, err := e.store.GetMirror(ctx, req.TenantID)
	switch {
	case err == nil:
		params.CustomerID = m.ProviderCustomerID
	case !IsNotFound(err):
		return nil, err
	}

	switch req.Purpose {
	case PurposeSubscription:
		if req.Interval != catalog.Month && req.Interval != catalog.Year {
			return nil, ValidationError{Field: "interval", Message: "must be one of: month year"}
		}
		key := catalog.NewKey(req.PlanCode, req.Interval, req.Currency)
		priceID, err := e.catalog.PriceID(key)
		if err != nil {
			return nil, err
		}
		if m != nil && m.Status.Entitled() && m.PriceID == priceID {
			return nil, ErrAlreadyOnPlan
		}
		params.Mode = provider.CheckoutSubscription
		params.PriceID = priceID
		params.Metadata = map[string]string{
			provider.MetadataPriceID:  priceID,
			provider.MetadataPlanCode: key.Plan,
		}
		if m != nil && m.ProviderSubscriptionID != "" && m.Status.Entitled() {
			params.Metadata[provider.MetadataReplaces] = m.ProviderSubscriptionID
		}
	default:
		pack, err := e.catalog.Pack(req.PackCode, req.Currency)
		if err != nil {
			return nil, err
		}
		params.Mode = provider.CheckoutPayment
		params.PriceID = pack.PriceID
		params.Metadata = map[string]string{
			provider.MetadataPriceID:  pack.PriceID,
			provider.MetadataPackCode: pack.Code,
			provider.MetadataCredits:  strconv.FormatInt(pack.Credits, 10),
		}
	}
	params.Metadata[provider.MetadataTenantID] = req.TenantID

	sess, err := e.provider.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, err
	}
	e.logger.Info("checkout started",
		"tenant_id", req.TenantID,
		"purpose", req.Purpose,
		"session_id", sess.ID,
	)
	return sess, nil
}
