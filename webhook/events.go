package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/types"
)

// Provider event types consumed by the billing engine.
const (
	TypeCheckoutCompleted    = "checkout.session.completed"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeChargeRefunded       = "charge.refunded"
	TypeDisputeUpdated       = "charge.dispute.updated"
	TypeDisputeClosed        = "charge.dispute.closed"
)

// Refs are the event fields a tenant can be resolved from, in priority order.
type Refs struct {
	TenantID       string `json:"tenant_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Envelope is a verified provider event reduced to what billing reads.
type Envelope struct {
	Provider    string
	EventID     string
	Type        string
	Created     time.Time
	PayloadHash string
	Refs        Refs
	Event       Event
}

// Event is implemented only by the types in this file.
type Event interface {
	isEvent()
}

type CheckoutSubscriptionCompleted struct {
	SessionID      string
	CustomerID     string
	SubscriptionID string
}

// CheckoutTopUpCompleted is a paid one-off credit purchase. Credits comes
// from session metadata and is only used when PriceID is not a catalog pack.
type CheckoutTopUpCompleted struct {
	SessionID  string
	CustomerID string
	PaymentID  string
	PriceID    string
	PackCode   string
	Credits    int64
	Amount     types.Money
}

type InvoicePaid struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	PaymentID      string
	PriceID        string
	BillingReason  string
	Amount         types.Money
}

type InvoicePaymentFailed struct {
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AttemptCount   int64
}

// SubscriptionUpdated and SubscriptionDeleted carry the provider snapshot
// at event time. Handlers prefer a live fetch over it.
type SubscriptionUpdated struct {
	Subscription provider.Subscription
}

type SubscriptionDeleted struct {
	Subscription provider.Subscription
}

// ChargeRefunded carries cumulative refunded amount for the charge.
type ChargeRefunded struct {
	ChargeID       string
	PaymentID      string
	Amount         types.Money
	AmountRefunded types.Money
}

type DisputeUpdated struct {
	DisputeID string
	ChargeID  string
	PaymentID string
	Status    string
	Amount    types.Money
}

// DisputeLost is the terminal dispute status that claws credits back.
const DisputeLost = "lost"

func (CheckoutSubscriptionCompleted) isEvent() {}
func (CheckoutTopUpCompleted) isEvent()        {}
func (InvoicePaid) isEvent()                   {}
func (InvoicePaymentFailed) isEvent()          {}
func (SubscriptionUpdated) isEvent()           {}
func (SubscriptionDeleted) isEvent()           {}
func (ChargeRefunded) isEvent()                {}
func (DisputeUpdated) isEvent()                {}

// HashPayload fingerprints an event by its type and data object. The
// envelope's own id is excluded so a redelivery under a regenerated id
// produces the same hash.
func HashPayload(eventType string, dataObject []byte) string {
	h := sha256.New()
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write(dataObject)
	return hex.EncodeToString(h.Sum(nil))
}
