package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/webhook"
)

// ProcessStatus is the outcome of ProcessOnce. Duplicates are results,
// never errors.
type ProcessStatus string

const (
	ProcessAdmitted  ProcessStatus = "admitted"
	ProcessDuplicate ProcessStatus = "duplicate"
	ProcessUnmatched ProcessStatus = "unmatched"
)

// ProcessResult describes what happened to one delivery. For a duplicate,
// Record is the earlier record that already handled the event.
type ProcessResult struct {
	Status   ProcessStatus   `json:"status"`
	Record   *webhook.Record `json:"record"`
	TenantID string          `json:"tenant_id,omitempty"`
}

// Handler runs the side effects of one admitted event for its tenant.
type Handler func(ctx context.Context, env *webhook.Envelope, tenantID string) error

// TenantResolver maps an event's references to a tenant. It returns "" and
// no error when nothing matches.
type TenantResolver interface {
	ResolveTenant(ctx context.Context, refs webhook.Refs) (string, error)
}

// TenantResolverFunc adapts a function to TenantResolver.
type TenantResolverFunc func(ctx context.Context, refs webhook.Refs) (string, error)

func (f TenantResolverFunc) ResolveTenant(ctx context.Context, refs webhook.Refs) (string, error) {
	return f(ctx, refs)
}

// StoreResolver resolves tenants from event metadata first, then from the
// customer and subscription ids recorded on subscription mirrors.
func StoreResolver(s store.Store) TenantResolver {
	return TenantResolverFunc(func(ctx context.Context, refs webhook.Refs) (string, error) {
		if refs.TenantID != "" {
			return refs.TenantID, nil
		}
		lookups := []struct {
			ref string
			fn  func(context.Context, string) (string, error)
		}{
			{refs.CustomerID, s.TenantByCustomerID},
			{refs.SubscriptionID, s.TenantBySubscriptionID},
		}
		for _, l := range lookups {
			if l.ref == "" {
				continue
			}
			tenant, err := l.fn(ctx, l.ref)
			switch {
			case err == nil && tenant != "":
				return tenant, nil
			case err != nil && !IsNotFound(err):
				return "", err
			}
		}
		return "", nil
	})
}

// CheckReplay looks for an earlier record of the same event: first by exact
// event id, then by payload hash within the dedupe window. It returns nil
// when the event should be processed. Failed records and pending records
// whose claim has expired never count as replays, so a provider retry can
// reprocess them.
func (e *Engine) CheckReplay(ctx context.Context, provider, eventID, payloadHash string) (*webhook.Record, error) {
	opts := e.claimOpts()
	rec, err := e.store.GetWebhookEvent(ctx, provider, eventID)
	switch {
	case err == nil && !rec.Reclaimable(opts.StaleBefore):
		return rec, nil
	case err != nil && !IsNotFound(err):
		return nil, err
	}

	if payloadHash == "" {
		return nil, nil
	}

	if rec := e.indexedReplay(ctx, provider, eventID, payloadHash, opts); rec != nil {
		return rec, nil
	}

	rec, err = e.store.FindWebhookEventByHash(ctx, provider, payloadHash, opts)
	switch {
	case err == nil && rec.EventID != eventID:
		return rec, nil
	case err != nil && !IsNotFound(err):
		return nil, err
	}
	return nil, nil
}

// indexedReplay consults the shared hash index. Index failures are logged
// and fall through to the store lookup.
func (e *Engine) indexedReplay(ctx context.Context, provider, eventID, payloadHash string, opts webhook.ClaimOpts) *webhook.Record {
	if e.hashIndex == nil {
		return nil
	}
	seen, ok, err := e.hashIndex.Lookup(ctx, provider, payloadHash)
	if err != nil {
		e.logger.Warn("webhook hash index lookup failed",
			"provider", provider,
			"error", err,
		)
		return nil
	}
	if !ok || seen == eventID {
		return nil
	}
	rec, err := e.store.GetWebhookEvent(ctx, provider, seen)
	if err != nil || rec.Reclaimable(opts.StaleBefore) {
		return nil
	}
	return rec
}

// claimOpts bounds the dedupe window and, when claims expire, the age past
// which a pending claim no longer blocks a delivery.
func (e *Engine) claimOpts() webhook.ClaimOpts {
	now := e.now()
	opts := webhook.ClaimOpts{HashSince: now.Add(-e.dedupeWindow)}
	if e.claimTimeout > 0 {
		opts.StaleBefore = now.Add(-e.claimTimeout)
	}
	return opts
}

// ProcessOnce admits env at most once and runs handler for it. The claim is
// an atomic insert keyed by (provider, event id), so concurrent deliveries
// of one event run handler once. An event without a resolvable tenant is
// recorded as unmatched and handler does not run. A handler error marks the
// record failed and is returned to the caller.
func (e *Engine) ProcessOnce(ctx context.Context, env *webhook.Envelope, handler Handler) (*ProcessResult, error) {
	if env == nil || env.Provider == "" || env.EventID == "" || env.Type == "" {
		return nil, ValidationError{Field: "event", Message: "provider, event id and type are required"}
	}

	if existing, err := e.CheckReplay(ctx, env.Provider, env.EventID, env.PayloadHash); err != nil {
		return nil, err
	} else if existing != nil {
		return e.duplicate(ctx, env, existing), nil
	}

	tenantID, err := e.resolver.ResolveTenant(ctx, env.Refs)
	if err != nil {
		return nil, fmt.Errorf("billing: resolve tenant for %s: %w", env.EventID, err)
	}

	now := e.now()
	rec, claimed, err := e.store.ClaimWebhookEvent(ctx, &webhook.Record{
		ID:          id.NewWebhookEventID(),
		Provider:    env.Provider,
		EventID:     env.EventID,
		EventType:   env.Type,
		PayloadHash: env.PayloadHash,
		TenantID:    tenantID,
		Status:      webhook.StatusPending,
		ReceivedAt:  now,
		ClaimedAt:   now,
	}, e.claimOpts())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return e.duplicate(ctx, env, rec), nil
	}

	if tenantID == "" {
		return e.unmatched(ctx, env, rec)
	}

	start := time.Now()
	if herr := handler(ctx, env, tenantID); herr != nil {
		return e.failed(ctx, env, rec, tenantID, herr)
	}

	if err := e.finish(ctx, rec, webhook.StatusProcessed, ""); err != nil {
		return nil, err
	}
	e.remember(ctx, env)

	e.plugins.EmitWebhookProcessed(ctx, rec, time.Since(start))
	e.logger.Info("webhook processed",
		"provider", env.Provider,
		"event_id", env.EventID,
		"event_type", env.Type,
		"tenant_id", tenantID,
		"attempt", rec.Attempts,
	)
	return &ProcessResult{Status: ProcessAdmitted, Record: rec, TenantID: tenantID}, nil
}

func (e *Engine) duplicate(ctx context.Context, env *webhook.Envelope, existing *webhook.Record) *ProcessResult {
	e.plugins.EmitWebhookDuplicate(ctx, env, existing)
	e.logger.Debug("webhook replay skipped",
		"provider", env.Provider,
		"event_id", env.EventID,
		"event_type", env.Type,
		"original_event_id", existing.EventID,
		"status", existing.Status,
	)
	return &ProcessResult{Status: ProcessDuplicate, Record: existing, TenantID: existing.TenantID}
}

func (e *Engine) unmatched(ctx context.Context, env *webhook.Envelope, rec *webhook.Record) (*ProcessResult, error) {
	if err := e.finish(ctx, rec, webhook.StatusUnmatched, ErrTenantUnresolved.Error()); err != nil {
		return nil, err
	}
	e.remember(ctx, env)

	e.plugins.EmitWebhookUnmatched(ctx, rec)
	e.logger.Warn("webhook unmatched",
		"provider", env.Provider,
		"event_id", env.EventID,
		"event_type", env.Type,
		"customer_id", env.Refs.CustomerID,
		"subscription_id", env.Refs.SubscriptionID,
	)
	return &ProcessResult{Status: ProcessUnmatched, Record: rec}, nil
}

func (e *Engine) failed(ctx context.Context, env *webhook.Envelope, rec *webhook.Record, tenantID string, cause error) (*ProcessResult, error) {
	if err := e.finish(ctx, rec, webhook.StatusFailed, cause.Error()); err != nil {
		e.logger.Error("mark webhook failed",
			"event_id", env.EventID,
			"error", err,
		)
	}

	e.plugins.EmitWebhookFailed(ctx, rec, cause)
	e.logger.Error("webhook handler failed",
		"provider", env.Provider,
		"event_id", env.EventID,
		"event_type", env.Type,
		"tenant_id", tenantID,
		"error", cause,
	)
	return &ProcessResult{Status: ProcessAdmitted, Record: rec, TenantID: tenantID},
		fmt.Errorf("billing: handle %s %s: %w", env.Type, env.EventID, cause)
}

// finish moves rec to its final status and mirrors it on the value.
func (e *Engine) finish(ctx context.Context, rec *webhook.Record, status webhook.Status, errMsg string) error {
	at := e.now()
	if err := e.store.FinishWebhookEvent(ctx, rec.ID, status, errMsg, at); err != nil {
		return err
	}
	rec.Status = status
	rec.Error = errMsg
	rec.ProcessedAt = &at
	return nil
}

// remember publishes the payload hash to the shared index, best effort.
func (e *Engine) remember(ctx context.Context, env *webhook.Envelope) {
	if e.hashIndex == nil || env.PayloadHash == "" {
		return
	}
	if err := e.hashIndex.Remember(ctx, env.Provider, env.PayloadHash, env.EventID, e.dedupeWindow); err != nil {
		e.logger.Warn("webhook hash index write failed",
			"provider", env.Provider,
			"event_id", env.EventID,
			"error", err,
		)
	}
}

// WebhookEvents lists stored webhook records, newest first.
func (e *Engine) WebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Record, error) {
	return e.store.ListWebhookEvents(ctx, opts)
}
