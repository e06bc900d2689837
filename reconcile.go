package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/types"
)

// StatusView is the subscription read model returned to callers.
// MismatchDetected is set when the mirror disagreed with the provider and
// was repaired by this read. Stale is set when the provider could not be
// reached and Mirror is the last synced state.
type StatusView struct {
	Mirror           *subscription.Mirror `json:"subscription"`
	MismatchDetected bool                 `json:"mismatch_detected"`
	Stale            bool                 `json:"stale"`
}

// DeriveCanonicalFields resolves the provider's subscription to catalog
// fields. An unknown price id fails with ErrConfigIncomplete; the mirror
// never takes plan fields from anywhere else.
func (e *Engine) DeriveCanonicalFields(sub *provider.Subscription) (subscription.Canonical, error) {
	if sub == nil || sub.ID == "" {
		return subscription.Canonical{}, ValidationError{Field: "subscription", Message: "is required"}
	}

	key, err := e.catalog.Resolve(sub.PriceID)
	if err != nil {
		return subscription.Canonical{}, fmt.Errorf("billing: subscription %s: %w", sub.ID, err)
	}

	c := subscription.Canonical{
		ProviderSubscriptionID: sub.ID,
		ProviderCustomerID:     sub.CustomerID,
		PriceID:                sub.PriceID,
		PlanCode:               key.Plan,
		Interval:               key.Interval,
		Currency:               key.Currency,
		Status:                 mapStatus(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart.UTC(),
		CurrentPeriodEnd:       sub.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	}

	pending, err := e.pendingChange(sub)
	if err != nil {
		return subscription.Canonical{}, err
	}
	c.PendingChange = pending
	return c, nil
}

// pendingChange reads the first future schedule phase whose price differs
// from the active one.
func (e *Engine) pendingChange(sub *provider.Subscription) (*subscription.PendingChange, error) {
	if sub.Schedule == nil {
		return nil, nil
	}
	now := e.now()
	for _, ph := range sub.Schedule.Phases {
		if !ph.Start.After(now) || ph.PriceID == "" || ph.PriceID == sub.PriceID {
			continue
		}
		key, err := e.catalog.Resolve(ph.PriceID)
		if err != nil {
			return nil, fmt.Errorf("billing: schedule %s: %w", sub.Schedule.ID, err)
		}
		return &subscription.PendingChange{
			PlanCode:    key.Plan,
			Interval:    key.Interval,
			Currency:    key.Currency,
			EffectiveAt: ph.Start.UTC(),
		}, nil
	}
	return nil, nil
}

// mapStatus maps the provider vocabulary onto the mirror's.
func mapStatus(s string) subscription.Status {
	switch s {
	case provider.StatusActive:
		return subscription.StatusActive
	case provider.StatusTrialing:
		return subscription.StatusTrialing
	case provider.StatusPastDue:
		return subscription.StatusPastDue
	case provider.StatusUnpaid:
		return subscription.StatusUnpaid
	case provider.StatusIncomplete:
		return subscription.StatusIncomplete
	case provider.StatusPaused:
		return subscription.StatusPaused
	case provider.StatusCanceled:
		return subscription.StatusCancelled
	default:
		return subscription.StatusInactive
	}
}

// SyncMirror writes canonical fields to the tenant's mirror, stamping the
// sync time and source. It is the only writer of plan, interval, currency
// and status.
func (e *Engine) SyncMirror(ctx context.Context, tenantID string, c subscription.Canonical, source string) (*subscription.Mirror, error) {
	m, _, err := e.syncMirror(ctx, tenantID, c, source)
	return m, err
}

func (e *Engine) syncMirror(ctx context.Context, tenantID string, c subscription.Canonical, source string) (*subscription.Mirror, bool, error) {
	if tenantID == "" {
		return nil, false, ValidationError{Field: "tenant_id", Message: "is required"}
	}
	key, err := e.catalog.Resolve(c.PriceID)
	if err != nil {
		return nil, false, err
	}
	if key != c.Key() {
		return nil, false, fmt.Errorf("%w: plan fields %s do not match price %s", ErrInvalidInput, c.Key(), c.PriceID)
	}

	existing, err := e.store.GetMirror(ctx, tenantID)
	if err != nil && !IsNotFound(err) {
		return nil, false, err
	}

	now := e.now()
	m := &subscription.Mirror{
		Entity:        types.Entity{CreatedAt: now, UpdatedAt: now},
		Canonical:     c,
		ID:            id.NewSubscriptionID(),
		TenantID:      tenantID,
		LastSyncedAt:  now,
		SourceOfTruth: source,
	}
	mismatch := true
	if existing != nil {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
		mismatch = !existing.Canonical.Equal(c)
	}

	stored, err := e.store.UpsertMirror(ctx, m)
	if err != nil {
		return nil, false, err
	}

	e.plugins.EmitSubscriptionSynced(ctx, stored, mismatch)
	e.logger.Info("subscription synced",
		"tenant_id", tenantID,
		"subscription_id", c.ProviderSubscriptionID,
		"plan", c.Key().String(),
		"status", c.Status,
		"source", source,
		"changed", mismatch,
	)
	return stored, mismatch, nil
}

// SubscriptionStatus returns the tenant's subscription after comparing the
// mirror with live provider truth and repairing drift. Concurrent calls for
// one tenant share a single provider fetch, bounded by the status timeout
// rather than by any one caller's context. A caller whose context ends
// stops waiting without failing the others. When the provider is
// unavailable the mirror is returned with Stale set.
func (e *Engine) SubscriptionStatus(ctx context.Context, tenantID string) (*StatusView, error) {
	ch := e.statusGroup.DoChan(tenantID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.statusTimeout)
		defer cancel()
		return e.statusWithSync(fetchCtx, tenantID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		view := *res.Val.(*StatusView)
		return &view, nil
	}
}

func (e *Engine) statusWithSync(ctx context.Context, tenantID string) (*StatusView, error) {
	m, err := e.store.GetMirror(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if m.ProviderSubscriptionID == "" {
		return &StatusView{Mirror: m}, nil
	}

	live, err := e.liveCanonical(ctx, m)
	if err != nil {
		if errors.Is(err, ErrProviderUnavailable) {
			e.logger.Warn("provider unavailable, serving cached subscription",
				"tenant_id", tenantID,
				"subscription_id", m.ProviderSubscriptionID,
				"error", err,
			)
			return &StatusView{Mirror: m, Stale: true}, nil
		}
		return nil, err
	}

	if m.Canonical.Equal(live) {
		return &StatusView{Mirror: m}, nil
	}

	repaired, err := e.SyncMirror(ctx, tenantID, live, subscription.SourceStatusReconcile)
	if err != nil {
		return nil, err
	}
	e.logger.Info("subscription drift repaired",
		"tenant_id", tenantID,
		"was", m.Key().String(),
		"now", live.Key().String(),
		"was_status", m.Status,
		"now_status", live.Status,
	)
	return &StatusView{Mirror: repaired, MismatchDetected: true}, nil
}

// liveCanonical derives canonical fields from the provider. A subscription
// the provider no longer has is reported as cancelled with the mirror's
// last plan fields.
func (e *Engine) liveCanonical(ctx context.Context, m *subscription.Mirror) (subscription.Canonical, error) {
	sub, err := e.provider.RetrieveSubscription(ctx, m.ProviderSubscriptionID)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		c := m.Canonical
		c.Status = subscription.StatusCancelled
		c.CancelAtPeriodEnd = false
		c.PendingChange = nil
		return c, nil
	case err != nil:
		return subscription.Canonical{}, err
	}
	return e.DeriveCanonicalFields(sub)
}

// Resync overwrites the tenant's mirror from live provider truth. Unlike
// SubscriptionStatus it fails when the provider is unavailable.
func (e *Engine) Resync(ctx context.Context, tenantID, source string) (*subscription.Mirror, error) {
	if source == "" {
		source = subscription.SourceResync
	}
	m, err := e.store.GetMirror(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if m.ProviderSubscriptionID == "" {
		return nil, fmt.Errorf("%w: tenant %s has no provider subscription", ErrNoActiveSubscription, tenantID)
	}
	live, err := e.liveCanonical(ctx, m)
	if err != nil {
		return nil, err
	}
	return e.SyncMirror(ctx, tenantID, live, source)
}

// planRef is the mirror's position in the change-policy table.
func planRef(c subscription.Canonical) subscription.PlanRef {
	return subscription.PlanRef{PlanCode: c.PlanCode, Interval: c.Interval}
}

// keyRef is the change-policy position of a catalog key.
func keyRef(k catalog.Key) subscription.PlanRef {
	return subscription.PlanRef{PlanCode: k.Plan, Interval: k.Interval}
}
