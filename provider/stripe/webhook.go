package stripe

import (
	"encoding/json"
	"fmt"
	"strconv"

	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/types"
	"github.com/xraph/billing/webhook"
)

// Session and payment metadata keys read from checkout top-ups.
const (
	MetadataPackCode = provider.MetadataPackCode
	MetadataPriceID  = provider.MetadataPriceID
	MetadataCredits  = provider.MetadataCredits
)

// SignatureHeader carries the webhook signature Parse verifies.
const SignatureHeader = "Stripe-Signature"

var _ webhook.Parser = (*Parser)(nil)

// Parser verifies Stripe-Signature headers and converts events into
// billing envelopes.
type Parser struct {
	secret string
}

// NewParser returns a Parser for the endpoint's signing secret.
func NewParser(secret string) *Parser {
	return &Parser{secret: secret}
}

// Parse verifies payload against signature and decodes it. Event types the
// engine does not consume yield webhook.ErrUnsupportedEvent.
func (p *Parser) Parse(payload []byte, signature string) (*webhook.Envelope, error) {
	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, p.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                stripewebhook.DefaultTolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", webhook.ErrVerification, err)
	}
	return ParseEvent(&event)
}

// ParseEvent decodes an already verified event.
func ParseEvent(event *stripelib.Event) (*webhook.Envelope, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("stripe: event %s has no data", event.ID)
	}
	env := &webhook.Envelope{
		Provider:    Name,
		EventID:     event.ID,
		Type:        string(event.Type),
		Created:     unix(event.Created),
		PayloadHash: webhook.HashPayload(string(event.Type), event.Data.Raw),
	}

	var err error
	switch env.Type {
	case webhook.TypeCheckoutCompleted:
		err = decodeCheckout(env, event.Data.Raw)
	case webhook.TypeInvoicePaid, webhook.TypeInvoicePaymentFailed:
		err = decodeInvoice(env, event.Data.Raw)
	case webhook.TypeSubscriptionUpdated, webhook.TypeSubscriptionDeleted:
		err = decodeSubscription(env, event.Data.Raw)
	case webhook.TypeChargeRefunded:
		err = decodeCharge(env, event.Data.Raw)
	case webhook.TypeDisputeUpdated, webhook.TypeDisputeClosed:
		err = decodeDispute(env, event.Data.Raw)
	default:
		return nil, fmt.Errorf("%w: %s", webhook.ErrUnsupportedEvent, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

func decodeCheckout(env *webhook.Envelope, raw json.RawMessage) error {
	var s stripelib.CheckoutSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	sess := toCheckoutSession(&s)
	env.Refs = webhook.Refs{
		TenantID:       firstNonEmpty(sess.Metadata[MetadataTenantID], s.ClientReferenceID),
		CustomerID:     sess.CustomerID,
		SubscriptionID: sess.SubscriptionID,
	}

	switch sess.Mode {
	case provider.CheckoutSubscription:
		env.Event = webhook.CheckoutSubscriptionCompleted{
			SessionID:      sess.ID,
			CustomerID:     sess.CustomerID,
			SubscriptionID: sess.SubscriptionID,
		}
	case provider.CheckoutPayment:
		// Delayed payment methods complete the session unpaid and follow up
		// with a separate event.
		if s.PaymentStatus != stripelib.CheckoutSessionPaymentStatusPaid {
			return fmt.Errorf("%w: unpaid checkout session %s", webhook.ErrUnsupportedEvent, sess.ID)
		}
		credits, _ := strconv.ParseInt(sess.Metadata[MetadataCredits], 10, 64)
		env.Event = webhook.CheckoutTopUpCompleted{
			SessionID:  sess.ID,
			CustomerID: sess.CustomerID,
			PaymentID:  firstNonEmpty(sess.PaymentID, sess.ID),
			PriceID:    sess.Metadata[MetadataPriceID],
			PackCode:   sess.Metadata[MetadataPackCode],
			Credits:    credits,
			Amount:     sess.AmountTotal,
		}
	default:
		return fmt.Errorf("%w: checkout mode %q", webhook.ErrUnsupportedEvent, sess.Mode)
	}
	return nil
}

// invoicePayload reads both the pre-2025 top-level subscription and
// payment_intent fields and their newer parent/payments locations.
type invoicePayload struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	BillingReason string            `json:"billing_reason"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	AttemptCount  int64             `json:"attempt_count"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent string `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	Lines struct {
		Data []struct {
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			Pricing *struct {
				PriceDetails *struct {
					Price string `json:"price"`
				} `json:"price_details"`
			} `json:"pricing"`
		} `json:"data"`
	} `json:"lines"`
}

func (p *invoicePayload) subscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

func (p *invoicePayload) tenantID() string {
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		if t := p.Parent.SubscriptionDetails.Metadata[MetadataTenantID]; t != "" {
			return t
		}
	}
	return p.Metadata[MetadataTenantID]
}

func (p *invoicePayload) paymentID() string {
	if p.PaymentIntent != "" {
		return p.PaymentIntent
	}
	if p.Payments != nil {
		for _, d := range p.Payments.Data {
			if d.Payment.PaymentIntent != "" {
				return d.Payment.PaymentIntent
			}
		}
	}
	return ""
}

func (p *invoicePayload) priceID() string {
	for _, line := range p.Lines.Data {
		if line.Price != nil && line.Price.ID != "" {
			return line.Price.ID
		}
		if line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
			return line.Pricing.PriceDetails.Price
		}
	}
	return ""
}

func decodeInvoice(env *webhook.Envelope, raw json.RawMessage) error {
	var inv invoicePayload
	if err := json.Unmarshal(raw, &inv); err != nil {
		return fmt.Errorf("stripe: decode invoice: %w", err)
	}
	env.Refs = webhook.Refs{TenantID: inv.tenantID(), CustomerID: inv.Customer, SubscriptionID: inv.subscriptionID()}

	if env.Type == webhook.TypeInvoicePaymentFailed {
		env.Event = webhook.InvoicePaymentFailed{
			InvoiceID:      inv.ID,
			CustomerID:     inv.Customer,
			SubscriptionID: inv.subscriptionID(),
			AttemptCount:   inv.AttemptCount,
		}
		return nil
	}
	env.Event = webhook.InvoicePaid{
		InvoiceID:      inv.ID,
		CustomerID:     inv.Customer,
		SubscriptionID: inv.subscriptionID(),
		PaymentID:      inv.paymentID(),
		PriceID:        inv.priceID(),
		BillingReason:  inv.BillingReason,
		Amount:         types.NewMoney(inv.AmountPaid, inv.Currency),
	}
	return nil
}

func decodeSubscription(env *webhook.Envelope, raw json.RawMessage) error {
	var s stripelib.Subscription
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("stripe: decode subscription: %w", err)
	}
	sub := toSubscription(&s)
	env.Refs = webhook.Refs{TenantID: sub.Metadata[MetadataTenantID], CustomerID: sub.CustomerID, SubscriptionID: sub.ID}
	if env.Type == webhook.TypeSubscriptionDeleted {
		env.Event = webhook.SubscriptionDeleted{Subscription: *sub}
	} else {
		env.Event = webhook.SubscriptionUpdated{Subscription: *sub}
	}
	return nil
}

type chargePayload struct {
	ID             string            `json:"id"`
	Customer       string            `json:"customer"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
}

func decodeCharge(env *webhook.Envelope, raw json.RawMessage) error {
	var ch chargePayload
	if err := json.Unmarshal(raw, &ch); err != nil {
		return fmt.Errorf("stripe: decode charge: %w", err)
	}
	env.Refs = webhook.Refs{TenantID: ch.Metadata[MetadataTenantID], CustomerID: ch.Customer}
	env.Event = webhook.ChargeRefunded{
		ChargeID:       ch.ID,
		PaymentID:      firstNonEmpty(ch.PaymentIntent, ch.ID),
		Amount:         types.NewMoney(ch.Amount, ch.Currency),
		AmountRefunded: types.NewMoney(ch.AmountRefunded, ch.Currency),
	}
	return nil
}

type disputePayload struct {
	ID            string            `json:"id"`
	Charge        string            `json:"charge"`
	PaymentIntent string            `json:"payment_intent"`
	Status        string            `json:"status"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

func decodeDispute(env *webhook.Envelope, raw json.RawMessage) error {
	var d disputePayload
	if err := json.Unmarshal(raw, &d); err != nil {
		return fmt.Errorf("stripe: decode dispute: %w", err)
	}
	env.Refs = webhook.Refs{TenantID: d.Metadata[MetadataTenantID]}
	env.Event = webhook.DisputeUpdated{
		DisputeID: d.ID,
		ChargeID:  d.Charge,
		PaymentID: firstNonEmpty(d.PaymentIntent, d.Charge),
		Status:    d.Status,
		Amount:    types.NewMoney(d.Amount, d.Currency),
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
