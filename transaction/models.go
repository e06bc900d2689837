// Package transaction models immutable billing transaction records.
package transaction

import (
	"strconv"
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type Kind string

const (
	KindSubscriptionCharge Kind = "subscription_charge"
	KindCreditTopUp        Kind = "credit_topup"
	KindCreditPackPurchase Kind = "credit_pack_purchase"
	KindIncludedCredits    Kind = "subscription_included_credits"
	KindRefund             Kind = "refund"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
)

// Fields are the caller-supplied attributes of a transaction. CreditsAdded
// is negative for refunds and disputes.
type Fields struct {
	Kind              Kind              `json:"kind"`
	Status            Status            `json:"status"`
	CreditsAdded      int64             `json:"credits_added"`
	Amount            types.Money       `json:"amount"`
	ProviderSessionID string            `json:"provider_session_id,omitempty"`
	ProviderPaymentID string            `json:"provider_payment_id,omitempty"`
	ProviderInvoiceID string            `json:"provider_invoice_id,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Transaction is unique on (TenantID, IdempotencyKey) and never updated.
type Transaction struct {
	Fields
	ID             id.TransactionID `json:"id"`
	TenantID       string           `json:"tenant_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Idempotency key builders for provider-derived records.
func InvoiceKey(invoiceID string) string         { return "invoice:" + invoiceID }
func IncludedCreditsKey(invoiceID string) string { return "included_credits:" + invoiceID }
func CheckoutKey(sessionID string) string        { return "checkout:" + sessionID }
func DisputeKey(disputeID string) string         { return "dispute:" + disputeID }

// RefundKey is unique per cumulative refunded amount so each partial refund
// of a charge gets its own record.
func RefundKey(chargeID string, cumulative int64) string {
	return "refund:" + chargeID + ":" + strconv.FormatInt(cumulative, 10)
}
