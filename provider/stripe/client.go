// Package stripe implements provider.Client and webhook.Parser on
// stripe-go. The API key is bound to the client instance, never to the
// package-level stripe.Key.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/xraph/billing/provider"
)

// Name is the provider name stamped on webhook records.
const Name = "stripe"

// Metadata key carrying the billing tenant on Stripe objects.
const MetadataTenantID = provider.MetadataTenantID

var _ provider.Client = (*Client)(nil)

// Config configures a Client.
type Config struct {
	SecretKey string
	// Backends overrides the API endpoint, e.g. for stripe-mock in tests.
	Backends *stripelib.Backends
	// ReadAttempts bounds retries of read-only calls. Default 3.
	ReadAttempts uint
	Logger       *slog.Logger
}

// Client calls the Stripe API.
type Client struct {
	api          *client.API
	readAttempts uint
	logger       *slog.Logger
}

// New returns a Client for cfg.
func New(cfg Config) *Client {
	if cfg.ReadAttempts == 0 {
		cfg.ReadAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		api:          client.New(cfg.SecretKey, cfg.Backends),
		readAttempts: cfg.ReadAttempts,
		logger:       cfg.Logger,
	}
}

// read retries op with exponential backoff while Stripe is unavailable.
func read[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		err = classify(err)
		if !errors.Is(err, provider.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.readAttempts),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
}

func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	sub, err := read(ctx, c, func() (*stripelib.Subscription, error) {
		return c.getSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: retrieve subscription %s: %w", subscriptionID, err)
	}
	return toSubscription(sub), nil
}

func (c *Client) getSubscription(ctx context.Context, subscriptionID string) (*stripelib.Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("schedule")
	return c.api.Subscriptions.Get(subscriptionID, params)
}

func (c *Client) UpdateSubscription(ctx context.Context, subscriptionID, priceID string, mode provider.ProrationMode, idempotencyKey string) (*provider.Subscription, error) {
	current, err := read(ctx, c, func() (*stripelib.Subscription, error) {
		return c.getSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: update subscription %s: %w", subscriptionID, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("stripe: subscription %s has no items", subscriptionID)
	}

	params := &stripelib.SubscriptionParams{
		Items: []*stripelib.SubscriptionItemsParams{{
			ID:    stripelib.String(current.Items.Data[0].ID),
			Price: stripelib.String(priceID),
		}},
		ProrationBehavior: stripelib.String(string(mode)),
	}
	params.Context = ctx
	params.AddExpand("schedule")
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	updated, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: update subscription %s: %w", subscriptionID, classify(err))
	}
	c.logger.Info("stripe subscription price updated",
		"subscription_id", subscriptionID,
		"price_id", priceID,
		"proration", string(mode),
	)
	return toSubscription(updated), nil
}

// ScheduleSubscriptionChange attaches (or reuses) a subscription schedule
// whose second phase starts at the current period end on futurePriceID.
func (c *Client) ScheduleSubscriptionChange(ctx context.Context, subscriptionID, futurePriceID, idempotencyKey string) (*provider.Subscription, error) {
	current, err := read(ctx, c, func() (*stripelib.Subscription, error) {
		return c.getSubscription(ctx, subscriptionID)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: schedule change %s: %w", subscriptionID, err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("stripe: subscription %s has no items", subscriptionID)
	}
	item := current.Items.Data[0]

	scheduleID := ""
	if current.Schedule != nil {
		scheduleID = current.Schedule.ID
	}
	if scheduleID == "" {
		create := &stripelib.SubscriptionScheduleParams{FromSubscription: stripelib.String(subscriptionID)}
		create.Context = ctx
		if idempotencyKey != "" {
			create.SetIdempotencyKey(idempotencyKey + ":schedule")
		}
		sched, err := c.api.SubscriptionSchedules.New(create)
		if err != nil {
			return nil, fmt.Errorf("stripe: create schedule for %s: %w", subscriptionID, classify(err))
		}
		scheduleID = sched.ID
	}

	update := &stripelib.SubscriptionScheduleParams{
		EndBehavior: stripelib.String(string(stripelib.SubscriptionScheduleEndBehaviorRelease)),
		Phases: []*stripelib.SubscriptionSchedulePhaseParams{
			{
				Items: []*stripelib.SubscriptionSchedulePhaseItemParams{{
					Price:    stripelib.String(item.Price.ID),
					Quantity: stripelib.Int64(max(item.Quantity, 1)),
				}},
				StartDate: stripelib.Int64(item.CurrentPeriodStart),
				EndDate:   stripelib.Int64(item.CurrentPeriodEnd),
			},
			{
				Items: []*stripelib.SubscriptionSchedulePhaseItemParams{{
					Price:    stripelib.String(futurePriceID),
					Quantity: stripelib.Int64(max(item.Quantity, 1)),
				}},
			},
		},
	}
	update.Context = ctx
	if idempotencyKey != "" {
		update.SetIdempotencyKey(idempotencyKey)
	}
	if _, err := c.api.SubscriptionSchedules.Update(scheduleID, update); err != nil {
		return nil, fmt.Errorf("stripe: update schedule %s: %w", scheduleID, classify(err))
	}
	c.logger.Info("stripe subscription change scheduled",
		"subscription_id", subscriptionID,
		"schedule_id", scheduleID,
		"price_id", futurePriceID,
	)
	return c.RetrieveSubscription(ctx, subscriptionID)
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := c.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: cancel subscription %s: %w", subscriptionID, classify(err))
	}
	c.logger.Info("stripe subscription cancelled", "subscription_id", subscriptionID)
	return toSubscription(sub), nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, p provider.CheckoutParams) (*provider.CheckoutSession, error) {
	metadata := map[string]string{MetadataTenantID: p.TenantID}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	quantity := p.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(p.Mode)),
		ClientReferenceID: stripelib.String(p.TenantID),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{{
			Price:    stripelib.String(p.PriceID),
			Quantity: stripelib.Int64(quantity),
		}},
		SuccessURL: stripelib.String(p.SuccessURL),
		CancelURL:  stripelib.String(p.CancelURL),
		Metadata:   metadata,
	}
	if p.CustomerID != "" {
		params.Customer = stripelib.String(p.CustomerID)
	}
	switch p.Mode {
	case provider.CheckoutSubscription:
		params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	case provider.CheckoutPayment:
		params.PaymentIntentData = &stripelib.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	sess, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", classify(err))
	}
	c.logger.Info("stripe checkout session created",
		"session_id", sess.ID,
		"tenant_id", p.TenantID,
		"price_id", p.PriceID,
	)
	return toCheckoutSession(sess), nil
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*provider.CheckoutSession, error) {
	sess, err := read(ctx, c, func() (*stripelib.CheckoutSession, error) {
		params := &stripelib.CheckoutSessionParams{}
		params.Context = ctx
		return c.api.CheckoutSessions.Get(sessionID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: retrieve checkout session %s: %w", sessionID, err)
	}
	return toCheckoutSession(sess), nil
}

// classify maps Stripe failures onto provider sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrNotFound) || errors.Is(err, provider.ErrUnavailable) {
		return err
	}
	var se *stripelib.Error
	if !errors.As(err, &se) {
		return errors.Join(provider.ErrUnavailable, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusNotFound || se.Code == stripelib.ErrorCodeResourceMissing:
		return errors.Join(provider.ErrNotFound, err)
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError,
		se.Type == stripelib.ErrorTypeAPI:
		return errors.Join(provider.ErrUnavailable, err)
	}
	return err
}
