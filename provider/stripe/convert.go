package stripe

import (
	"time"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/types"
)

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// toSubscription flattens a Stripe subscription. Billing periods live on the
// first item since API version 2025-03-31.
func toSubscription(s *stripelib.Subscription) *provider.Subscription {
	out := &provider.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		Currency:          string(s.Currency),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		out.CurrentPeriodStart = unix(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unix(item.CurrentPeriodEnd)
	}
	if s.Schedule != nil && s.Schedule.ID != "" {
		out.Schedule = toSchedule(s.Schedule)
	}
	return out
}

func toSchedule(s *stripelib.SubscriptionSchedule) *provider.Schedule {
	out := &provider.Schedule{ID: s.ID}
	for _, ph := range s.Phases {
		if ph == nil {
			continue
		}
		phase := provider.Phase{Start: unix(ph.StartDate), End: unix(ph.EndDate)}
		if len(ph.Items) > 0 && ph.Items[0].Price != nil {
			phase.PriceID = ph.Items[0].Price.ID
		}
		out.Phases = append(out.Phases, phase)
	}
	return out
}

func toCheckoutSession(s *stripelib.CheckoutSession) *provider.CheckoutSession {
	out := &provider.CheckoutSession{
		ID:            s.ID,
		URL:           s.URL,
		Mode:          provider.CheckoutMode(s.Mode),
		Status:        string(s.Status),
		PaymentStatus: string(s.PaymentStatus),
		AmountTotal:   types.NewMoney(s.AmountTotal, string(s.Currency)),
		Metadata:      s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentID = s.PaymentIntent.ID
	}
	return out
}
