// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/types"
)

var _ provider.Client = (*Provider)(nil)

// Provider records calls and serves subscriptions and checkout sessions from
// memory. Mutating calls replay their first result per idempotency key.
type Provider struct {
	mu       sync.Mutex
	subs     map[string]*provider.Subscription
	sessions map[string]*provider.CheckoutSession
	replays  map[string]any
	calls    map[string]int
	failures map[string]error
	seq      int
}

// New returns an empty Provider.
func New() *Provider {
	return &Provider{
		subs:     make(map[string]*provider.Subscription),
		sessions: make(map[string]*provider.CheckoutSession),
		replays:  make(map[string]any),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// PutSubscription stores (or replaces) a subscription.
func (p *Provider) PutSubscription(s provider.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[s.ID] = cloneSubscription(&s)
}

// Subscription returns the stored copy of id.
func (p *Provider) Subscription(id string) (provider.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[id]
	if !ok {
		return provider.Subscription{}, false
	}
	return *cloneSubscription(s), true
}

// Fail makes every later call to method return err until cleared with a
// nil err. Method "*" matches all methods.
func (p *Provider) Fail(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// Calls returns how often method was invoked.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// Sessions returns every checkout session created so far.
func (p *Provider) Sessions() []provider.CheckoutSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.CheckoutSession, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, *s)
	}
	return out
}

func (p *Provider) enter(method string) error {
	p.calls[method]++
	if err, ok := p.failures[method]; ok {
		return err
	}
	if err, ok := p.failures["*"]; ok {
		return err
	}
	return nil
}

func (p *Provider) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_test_%d", prefix, p.seq)
}

func (p *Provider) RetrieveSubscription(_ context.Context, subscriptionID string) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("RetrieveSubscription"); err != nil {
		return nil, err
	}
	s, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	return cloneSubscription(s), nil
}

func (p *Provider) UpdateSubscription(_ context.Context, subscriptionID, priceID string, _ provider.ProrationMode, idempotencyKey string) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("UpdateSubscription"); err != nil {
		return nil, err
	}
	if v, ok := p.replays["sub:"+idempotencyKey]; ok && idempotencyKey != "" {
		return cloneSubscription(v.(*provider.Subscription)), nil
	}
	s, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	s.PriceID = priceID
	s.Schedule = nil
	p.remember("sub:"+idempotencyKey, idempotencyKey, cloneSubscription(s))
	return cloneSubscription(s), nil
}

func (p *Provider) ScheduleSubscriptionChange(_ context.Context, subscriptionID, futurePriceID, idempotencyKey string) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("ScheduleSubscriptionChange"); err != nil {
		return nil, err
	}
	if v, ok := p.replays["sub:"+idempotencyKey]; ok && idempotencyKey != "" {
		return cloneSubscription(v.(*provider.Subscription)), nil
	}
	s, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	s.Schedule = &provider.Schedule{
		ID: p.next("sub_sched"),
		Phases: []provider.Phase{
			{PriceID: s.PriceID, Start: s.CurrentPeriodStart, End: s.CurrentPeriodEnd},
			{PriceID: futurePriceID, Start: s.CurrentPeriodEnd},
		},
	}
	p.remember("sub:"+idempotencyKey, idempotencyKey, cloneSubscription(s))
	return cloneSubscription(s), nil
}

func (p *Provider) CancelSubscription(_ context.Context, subscriptionID string) (*provider.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CancelSubscription"); err != nil {
		return nil, err
	}
	s, ok := p.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", provider.ErrNotFound, subscriptionID)
	}
	s.Status = provider.StatusCanceled
	return cloneSubscription(s), nil
}

func (p *Provider) CreateCheckoutSession(_ context.Context, params provider.CheckoutParams) (*provider.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("CreateCheckoutSession"); err != nil {
		return nil, err
	}
	if v, ok := p.replays["checkout:"+params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		cp := *v.(*provider.CheckoutSession)
		return &cp, nil
	}

	metadata := map[string]string{provider.MetadataTenantID: params.TenantID, provider.MetadataPriceID: params.PriceID}
	maps.Copy(metadata, params.Metadata)
	sess := &provider.CheckoutSession{
		ID:            p.next("cs"),
		Mode:          params.Mode,
		Status:        "open",
		PaymentStatus: "unpaid",
		CustomerID:    params.CustomerID,
		AmountTotal:   types.Zero("usd"),
		Metadata:      metadata,
	}
	sess.URL = "https://checkout.test/" + sess.ID
	p.sessions[sess.ID] = sess
	p.remember("checkout:"+params.IdempotencyKey, params.IdempotencyKey, sess)
	cp := *sess
	return &cp, nil
}

func (p *Provider) RetrieveCheckoutSession(_ context.Context, sessionID string) (*provider.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("RetrieveCheckoutSession"); err != nil {
		return nil, err
	}
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: checkout session %s", provider.ErrNotFound, sessionID)
	}
	cp := *s
	return &cp, nil
}

func (p *Provider) remember(slot, key string, v any) {
	if key != "" {
		p.replays[slot] = v
	}
}

func cloneSubscription(s *provider.Subscription) *provider.Subscription {
	cp := *s
	cp.Metadata = maps.Clone(s.Metadata)
	if s.Schedule != nil {
		sched := *s.Schedule
		sched.Phases = append([]provider.Phase(nil), s.Schedule.Phases...)
		cp.Schedule = &sched
	}
	return &cp
}
