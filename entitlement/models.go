// Package entitlement answers whether a tenant may spend credits right now.
package entitlement

// Reasons a spend is refused.
const (
	ReasonInsufficientCredits = "insufficient_credits"
	ReasonInvalidAmount       = "invalid_amount"
)

type Result struct {
	Allowed   bool   `json:"allowed"`
	TenantID  string `json:"tenant_id"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Remaining int64  `json:"remaining"`
	Reason    string `json:"reason,omitempty"`
}

// Check evaluates a request for requested credits against available.
func Check(tenantID string, requested, available int64) *Result {
	r := &Result{TenantID: tenantID, Requested: requested, Available: available}
	switch {
	case requested <= 0:
		r.Reason = ReasonInvalidAmount
	case requested > available:
		r.Reason = ReasonInsufficientCredits
	default:
		r.Allowed = true
		r.Remaining = available - requested
	}
	return r
}
