// Package provider defines the payment-provider capability the billing
// engine consumes. Implementations are injected; there is no global client.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/billing/types"
)

var (
	// ErrNotFound is returned when the provider has no such object.
	ErrNotFound = errors.New("provider: not found")
	// ErrUnavailable wraps transport failures, rate limits and 5xx answers.
	ErrUnavailable = errors.New("provider: unavailable")
)

// Metadata keys billing stamps on checkout sessions and the provider
// objects created from them.
const (
	MetadataTenantID = "tenant_id"
	MetadataPriceID  = "price_id"
	MetadataPackCode = "pack_code"
	MetadataCredits  = "credits"
	MetadataPlanCode = "plan_code"
	// MetadataReplaces names the subscription a checkout supersedes.
	MetadataReplaces = "replaces_subscription"
)

// Provider status values as reported by the payment provider.
const (
	StatusActive            = "active"
	StatusTrialing          = "trialing"
	StatusPastDue           = "past_due"
	StatusUnpaid            = "unpaid"
	StatusIncomplete        = "incomplete"
	StatusIncompleteExpired = "incomplete_expired"
	StatusPaused            = "paused"
	StatusCanceled          = "canceled"
)

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Currency           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	Metadata           map[string]string
	Schedule           *Schedule
}

// Live reports whether the subscription still bills.
func (s *Subscription) Live() bool {
	switch s.Status {
	case StatusCanceled, StatusIncompleteExpired:
		return false
	}
	return true
}

// Schedule is a forward plan of price phases attached to a subscription.
type Schedule struct {
	ID     string
	Phases []Phase
}

type Phase struct {
	PriceID string
	Start   time.Time
	End     time.Time
}

// ProrationMode controls how an immediate price swap is invoiced.
type ProrationMode string

const (
	ProrateCreate        ProrationMode = "create_prorations"
	ProrateAlwaysInvoice ProrationMode = "always_invoice"
	ProrateNone          ProrationMode = "none"
)

// CheckoutMode is the kind of hosted checkout flow.
type CheckoutMode string

const (
	CheckoutSubscription CheckoutMode = "subscription"
	CheckoutPayment      CheckoutMode = "payment"
)

type CheckoutParams struct {
	Mode           CheckoutMode
	TenantID       string
	CustomerID     string
	PriceID        string
	Quantity       int64
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Mode           CheckoutMode      `json:"mode"`
	Status         string            `json:"status"`
	PaymentStatus  string            `json:"payment_status"`
	CustomerID     string            `json:"customer_id,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	PaymentID      string            `json:"payment_id,omitempty"`
	AmountTotal    types.Money       `json:"amount_total"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Client is the provider API surface billing calls. Mutating calls accept
// an idempotency key that implementations forward where supported.
type Client interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID, priceID string, mode ProrationMode, idempotencyKey string) (*Subscription, error)
	// ScheduleSubscriptionChange moves the subscription to futurePriceID at
	// the end of its current period.
	ScheduleSubscriptionChange(ctx context.Context, subscriptionID, futurePriceID, idempotencyKey string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error)
}
