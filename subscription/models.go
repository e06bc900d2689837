// Package subscription models the local mirror of a tenant's provider
// subscription and the policy for changing it.
package subscription

import (
	"time"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusIncomplete Status = "incomplete"
	StatusPaused     Status = "paused"
	StatusCancelled  Status = "cancelled"
	StatusInactive   Status = "inactive"
)

// Entitled reports whether the status grants plan features.
func (s Status) Entitled() bool {
	return s == StatusActive || s == StatusTrialing || s == StatusPastDue
}

// Source tags recorded as the mirror's last writer.
const (
	SourceWebhook         = "webhook"
	SourceStatusReconcile = "status_reconcile"
	SourcePlanChange      = "plan_change"
	SourceResync          = "resync"
)

type PendingChange struct {
	PlanCode    string           `json:"plan_code"    bson:"plan_code"`
	Interval    catalog.Interval `json:"interval"     bson:"interval"`
	Currency    string           `json:"currency"     bson:"currency"`
	EffectiveAt time.Time        `json:"effective_at" bson:"effective_at"`
}

// Canonical holds subscription fields as derived from provider truth.
type Canonical struct {
	ProviderSubscriptionID string           `json:"provider_subscription_id"`
	ProviderCustomerID     string           `json:"provider_customer_id"`
	PriceID                string           `json:"price_id"`
	PlanCode               string           `json:"plan_code"`
	Interval               catalog.Interval `json:"interval"`
	Currency               string           `json:"currency"`
	Status                 Status           `json:"status"`
	CurrentPeriodStart     time.Time        `json:"current_period_start"`
	CurrentPeriodEnd       time.Time        `json:"current_period_end"`
	CancelAtPeriodEnd      bool             `json:"cancel_at_period_end"`
	PendingChange          *PendingChange   `json:"pending_change,omitempty"`
}

// Key returns the catalog key of the active price.
func (c Canonical) Key() catalog.Key {
	return catalog.NewKey(c.PlanCode, c.Interval, c.Currency)
}

// Equal compares field by field; timestamps compare by instant.
func (c Canonical) Equal(o Canonical) bool {
	if c.ProviderSubscriptionID != o.ProviderSubscriptionID ||
		c.ProviderCustomerID != o.ProviderCustomerID ||
		c.PriceID != o.PriceID ||
		c.PlanCode != o.PlanCode ||
		c.Interval != o.Interval ||
		c.Currency != o.Currency ||
		c.Status != o.Status ||
		c.CancelAtPeriodEnd != o.CancelAtPeriodEnd ||
		!c.CurrentPeriodStart.Equal(o.CurrentPeriodStart) ||
		!c.CurrentPeriodEnd.Equal(o.CurrentPeriodEnd) {
		return false
	}
	switch {
	case c.PendingChange == nil && o.PendingChange == nil:
		return true
	case c.PendingChange == nil || o.PendingChange == nil:
		return false
	}
	p, q := c.PendingChange, o.PendingChange
	return p.PlanCode == q.PlanCode && p.Interval == q.Interval &&
		p.Currency == q.Currency && p.EffectiveAt.Equal(q.EffectiveAt)
}

// Mirror is one tenant's local copy of canonical subscription state.
type Mirror struct {
	types.Entity
	Canonical
	ID            id.SubscriptionID `json:"id"`
	TenantID      string            `json:"tenant_id"`
	LastSyncedAt  time.Time         `json:"last_synced_at"`
	SourceOfTruth string            `json:"source_of_truth"`
}
