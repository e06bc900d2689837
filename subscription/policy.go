package subscription

import "github.com/xraph/billing/catalog"

// ChangeMode is how a plan or interval change is applied.
type ChangeMode string

const (
	// ChangeImmediate swaps the price on the existing subscription.
	ChangeImmediate ChangeMode = "immediate"
	// ChangeCheckout requires a new checkout session.
	ChangeCheckout ChangeMode = "checkout"
	// ChangeScheduled takes effect at the current period end.
	ChangeScheduled ChangeMode = "scheduled"
)

type PlanRef struct {
	PlanCode string           `json:"plan_code"`
	Interval catalog.Interval `json:"interval"`
}

// DecideChangeMode classifies a transition between two plan refs.
// Month to year needs fresh payment authorization, year to month waits for
// the paid-through date, everything else applies in place.
func DecideChangeMode(current, target PlanRef) ChangeMode {
	switch {
	case current.Interval == catalog.Month && target.Interval == catalog.Year:
		return ChangeCheckout
	case current.Interval == catalog.Year && target.Interval == catalog.Month:
		return ChangeScheduled
	default:
		return ChangeImmediate
	}
}
