package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

// maxClawbackAttempts bounds retries when a concurrent spend shrinks the
// balance between reading it and writing the clawback.
const maxClawbackAttempts = 3

// ProcessWebhook admits a verified provider event once and applies its
// billing effects.
func (e *Engine) ProcessWebhook(ctx context.Context, env *webhook.Envelope) (*ProcessResult, error) {
	return e.ProcessOnce(ctx, env, e.handleEvent)
}

func (e *Engine) handleEvent(ctx context.Context, env *webhook.Envelope, tenantID string) error {
	switch ev := env.Event.(type) {
	case webhook.CheckoutSubscriptionCompleted:
		return e.onCheckoutSubscription(ctx, tenantID, ev)
	case webhook.CheckoutTopUpCompleted:
		return e.onCheckoutTopUp(ctx, tenantID, ev)
	case webhook.InvoicePaid:
		return e.onInvoicePaid(ctx, tenantID, ev)
	case webhook.InvoicePaymentFailed:
		e.logger.Warn("invoice payment failed",
			"tenant_id", tenantID,
			"invoice_id", ev.InvoiceID,
			"attempt", ev.AttemptCount,
		)
		if ev.SubscriptionID == "" {
			return nil
		}
		_, err := e.syncSubscription(ctx, tenantID, ev.SubscriptionID, nil)
		return err
	case webhook.SubscriptionUpdated:
		_, err := e.syncSubscription(ctx, tenantID, ev.Subscription.ID, nil)
		return err
	case webhook.SubscriptionDeleted:
		_, err := e.syncSubscription(ctx, tenantID, ev.Subscription.ID, &ev.Subscription)
		return err
	case webhook.ChargeRefunded:
		return e.onChargeRefunded(ctx, tenantID, ev)
	case webhook.DisputeUpdated:
		return e.onDisputeUpdated(ctx, tenantID, ev)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, env.Type)
	}
}

// syncSubscription fetches the subscription live and mirrors it. The live
// object wins over any event snapshot; fallback is used only when the
// provider no longer returns the subscription. Events for a dead
// subscription that the tenant has already replaced are ignored.
func (e *Engine) syncSubscription(ctx context.Context, tenantID, subscriptionID string, fallback *provider.Subscription) (*subscription.Mirror, error) {
	sub, err := e.provider.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		if fallback == nil || !errors.Is(err, provider.ErrNotFound) {
			return nil, err
		}
		sub = fallback
	}

	m, err := e.store.GetMirror(ctx, tenantID)
	switch {
	case err == nil && m.ProviderSubscriptionID != "" && m.ProviderSubscriptionID != sub.ID && !sub.Live():
		e.logger.Info("ignoring event for replaced subscription",
			"tenant_id", tenantID,
			"subscription_id", sub.ID,
			"current_subscription_id", m.ProviderSubscriptionID,
		)
		return m, nil
	case err != nil && !IsNotFound(err):
		return nil, err
	}

	c, err := e.DeriveCanonicalFields(sub)
	if err != nil {
		return nil, err
	}
	return e.SyncMirror(ctx, tenantID, c, subscription.SourceWebhook)
}

// onCheckoutSubscription mirrors the subscription a checkout created. When
// the tenant was on another live subscription (a monthly plan upgraded to
// yearly through checkout) the old one is cancelled first.
func (e *Engine) onCheckoutSubscription(ctx context.Context, tenantID string, ev webhook.CheckoutSubscriptionCompleted) error {
	if ev.SubscriptionID == "" {
		return ValidationError{Field: "subscription_id", Message: "checkout session carries no subscription"}
	}
	sub, err := e.provider.RetrieveSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}

	m, err := e.store.GetMirror(ctx, tenantID)
	switch {
	case err == nil && m.ProviderSubscriptionID != "" && m.ProviderSubscriptionID != sub.ID:
		if err := e.cancelReplaced(ctx, tenantID, m.ProviderSubscriptionID); err != nil {
			return err
		}
	case err != nil && !IsNotFound(err):
		return err
	}

	c, err := e.DeriveCanonicalFields(sub)
	if err != nil {
		return err
	}
	_, err = e.SyncMirror(ctx, tenantID, c, subscription.SourceWebhook)
	return err
}

func (e *Engine) cancelReplaced(ctx context.Context, tenantID, subscriptionID string) error {
	old, err := e.provider.RetrieveSubscription(ctx, subscriptionID)
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return nil
	case err != nil:
		return err
	case !old.Live():
		return nil
	}
	if _, err := e.provider.CancelSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("billing: cancel replaced subscription %s: %w", subscriptionID, err)
	}
	e.logger.Info("replaced subscription cancelled",
		"tenant_id", tenantID,
		"subscription_id", subscriptionID,
	)
	return nil
}

// onCheckoutTopUp credits a paid one-off purchase. Catalog packs take
// precedence over the credits stamped in session metadata.
func (e *Engine) onCheckoutTopUp(ctx context.Context, tenantID string, ev webhook.CheckoutTopUpCompleted) error {
	req := GrantRequest{
		TenantID:       tenantID,
		Amount:         ev.Amount,
		SessionID:      ev.SessionID,
		PaymentID:      ev.PaymentID,
		IdempotencyKey: transaction.CheckoutKey(ev.SessionID),
	}

	pack, ok := e.catalog.PackByPrice(ev.PriceID)
	switch {
	case ok:
	case ev.PackCode != "":
		var err error
		if pack, err = e.catalog.Pack(ev.PackCode, ev.Amount.Currency); err != nil {
			return err
		}
		ok = true
	case ev.Credits > 0:
		req.Kind = transaction.KindCreditTopUp
		req.Credits = ev.Credits
		req.Description = strconv.FormatInt(ev.Credits, 10) + " credits"
	default:
		return fmt.Errorf("%w: checkout %s names no credit pack or credit amount", ErrConfigIncomplete, ev.SessionID)
	}
	if ok {
		req.Kind = transaction.KindCreditPackPurchase
		req.Credits = pack.Credits
		req.Description = "credit pack " + pack.Code
		req.Metadata = map[string]string{"pack_code": pack.Code}
	}

	_, err := e.GrantCredits(ctx, req)
	return err
}

// onInvoicePaid records the subscription charge, grants the plan's included
// credits once per invoice and mirrors the subscription.
func (e *Engine) onInvoicePaid(ctx context.Context, tenantID string, ev webhook.InvoicePaid) error {
	if ev.SubscriptionID == "" {
		e.logger.Debug("ignoring paid invoice without subscription",
			"tenant_id", tenantID,
			"invoice_id", ev.InvoiceID,
		)
		return nil
	}

	sub, err := e.provider.RetrieveSubscription(ctx, ev.SubscriptionID)
	if err != nil {
		return err
	}
	priceID := ev.PriceID
	if priceID == "" {
		priceID = sub.PriceID
	}
	key, err := e.catalog.Resolve(priceID)
	if err != nil {
		return fmt.Errorf("billing: invoice %s: %w", ev.InvoiceID, err)
	}

	if _, err := e.RecordTransaction(ctx, tenantID, transaction.Fields{
		Kind:              transaction.KindSubscriptionCharge,
		Status:            transaction.StatusSucceeded,
		Amount:            ev.Amount,
		ProviderPaymentID: ev.PaymentID,
		ProviderInvoiceID: ev.InvoiceID,
		Description:       "subscription " + key.String(),
		Metadata: map[string]string{
			"subscription_id": ev.SubscriptionID,
			"billing_reason":  ev.BillingReason,
		},
	}, transaction.InvoiceKey(ev.InvoiceID)); err != nil {
		return err
	}

	if grantsIncludedCredits(ev.BillingReason) {
		if n := e.catalog.IncludedCredits(key); n > 0 {
			if _, err := e.grantIncluded(ctx, tenantID, ev.InvoiceID, ev.PaymentID, n); err != nil {
				return err
			}
		}
	}

	_, err = e.syncSubscription(ctx, tenantID, ev.SubscriptionID, nil)
	return err
}

// grantsIncludedCredits reports whether an invoice opens a new paid period.
// Proration and manual invoices do not.
func grantsIncludedCredits(billingReason string) bool {
	switch billingReason {
	case "", "subscription_create", "subscription_cycle":
		return true
	}
	return false
}

func (e *Engine) onChargeRefunded(ctx context.Context, tenantID string, ev webhook.ChargeRefunded) error {
	if !ev.AmountRefunded.IsPositive() {
		return nil
	}
	return e.clawback(ctx, clawbackRequest{
		tenantID:  tenantID,
		key:       transaction.RefundKey(ev.ChargeID, ev.AmountRefunded.Amount),
		paymentID: ev.PaymentID,
		chargeID:  ev.ChargeID,
		refunded:  ev.AmountRefunded,
		total:     ev.Amount,
		status:    transaction.StatusRefunded,
		reason:    ReasonRefund,
	})
}

// onDisputeUpdated claws back everything granted for the payment once a
// dispute is lost. Other dispute statuses have no billing effect.
func (e *Engine) onDisputeUpdated(ctx context.Context, tenantID string, ev webhook.DisputeUpdated) error {
	if ev.Status != webhook.DisputeLost {
		e.logger.Debug("dispute status noted",
			"tenant_id", tenantID,
			"dispute_id", ev.DisputeID,
			"status", ev.Status,
		)
		return nil
	}
	return e.clawback(ctx, clawbackRequest{
		tenantID:  tenantID,
		key:       transaction.DisputeKey(ev.DisputeID),
		paymentID: ev.PaymentID,
		chargeID:  ev.ChargeID,
		refunded:  ev.Amount,
		status:    transaction.StatusDisputed,
		reason:    ReasonDispute,
	})
}

// clawbackRequest describes credits to take back after money was returned. A zero
// total means the whole payment was returned.
type clawbackRequest struct {
	tenantID  string
	key       string
	paymentID string
	chargeID  string
	refunded  types.Money
	total     types.Money
	status    transaction.Status
	reason    string
}

// due returns how many credits should have been taken back in total for
// the returned share of the payment, given what it granted.
func (c clawbackRequest) due(granted int64) int64 {
	if c.total.Amount <= 0 || c.refunded.Amount >= c.total.Amount {
		return granted
	}
	return granted * c.refunded.Amount / c.total.Amount
}

// clawback records a refund transaction removing credits granted by the
// payment, proportional to the returned amount and net of earlier
// clawbacks. Credits already spent cannot be recovered: the clawback is
// clamped to the available balance and the shortfall logged.
func (e *Engine) clawback(ctx context.Context, c clawbackRequest) error {
	if _, err := e.store.GetTransaction(ctx, c.tenantID, c.key); err == nil {
		return nil
	} else if !IsNotFound(err) {
		return err
	}

	var granted, taken int64
	if c.paymentID != "" {
		related, err := e.store.ListTransactions(ctx, c.tenantID, transaction.ListOpts{ProviderPaymentID: c.paymentID})
		if err != nil {
			return err
		}
		for _, t := range related {
			switch {
			case t.CreditsAdded > 0:
				granted += t.CreditsAdded
			case t.Kind == transaction.KindRefund:
				taken -= t.CreditsAdded
			}
		}
	}
	due := max(c.due(granted)-taken, 0)

	for range maxClawbackAttempts {
		available, err := e.AvailableBalance(ctx, c.tenantID)
		if err != nil {
			return err
		}
		amount := min(due, max(available, 0))

		var entry *credit.Entry
		if amount > 0 {
			entry = e.newEntry(credit.KindRefund, c.tenantID, amount, c.reason,
				correlation(c.key, "", c.paymentID, ""))
		}
		_, err = e.record(ctx, c.tenantID, transaction.Fields{
			Kind:              transaction.KindRefund,
			Status:            c.status,
			CreditsAdded:      -amount,
			Amount:            c.refunded,
			ProviderPaymentID: c.paymentID,
			Description:       c.reason,
			Metadata: map[string]string{
				"charge_id":   c.chargeID,
				"uncollected": strconv.FormatInt(due-amount, 10),
			},
		}, c.key, entry)
		if errors.Is(err, ErrInsufficientCredits) {
			continue
		}
		if err != nil {
			return err
		}

		if amount < due {
			e.logger.Warn("clawback clamped to available balance",
				"tenant_id", c.tenantID,
				"payment_id", c.paymentID,
				"due", due,
				"clawed_back", amount,
			)
		}
		return nil
	}
	return fmt.Errorf("billing: clawback %s: %w", c.key, ErrInsufficientCredits)
}
