// Package audithook bridges billing engine events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on any
// particular audit store. Callers inject a RecorderFunc adapter at wiring
// time, or use SlogRecorder to write the trail to a structured log.
package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnCredited             = (*Extension)(nil)
	_ plugin.OnDebited              = (*Extension)(nil)
	_ plugin.OnInsufficientCredits  = (*Extension)(nil)
	_ plugin.OnReservationCreated   = (*Extension)(nil)
	_ plugin.OnReservationCommitted = (*Extension)(nil)
	_ plugin.OnReservationReleased  = (*Extension)(nil)
	_ plugin.OnWebhookProcessed     = (*Extension)(nil)
	_ plugin.OnWebhookUnmatched     = (*Extension)(nil)
	_ plugin.OnWebhookFailed        = (*Extension)(nil)
	_ plugin.OnSubscriptionSynced   = (*Extension)(nil)
	_ plugin.OnSubscriptionChanged  = (*Extension)(nil)
	_ plugin.OnTransactionRecorded  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit record.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	TenantID   string         `json:"tenant_id,omitempty"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder writes audit events to a logger at Info level, or Warn for
// warning and higher severities.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, ev *AuditEvent) error {
		level := slog.LevelInfo
		if ev.Severity != SeverityInfo {
			level = slog.LevelWarn
		}
		logger.LogAttrs(ctx, level, "audit",
			slog.String("action", ev.Action),
			slog.String("resource", ev.Resource),
			slog.String("resource_id", ev.ResourceID),
			slog.String("tenant_id", ev.TenantID),
			slog.String("outcome", ev.Outcome),
			slog.Any("metadata", ev.Metadata),
		)
		return nil
	})
}

// Extension bridges billing engine events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

// OnCredited implements plugin.OnCredited.
func (e *Extension) OnCredited(ctx context.Context, entry *credit.Entry) error {
	return e.record(ctx, ActionCreditGranted, SeverityInfo, OutcomeSuccess,
		ResourceCredit, entry.TenantID, entry.ID.String(), CategoryLedger, nil,
		"amount", entry.Amount,
		"reason", entry.Reason,
	)
}

// OnDebited implements plugin.OnDebited. Refund entries are audited as
// clawbacks at warning severity.
func (e *Extension) OnDebited(ctx context.Context, entry *credit.Entry) error {
	action, severity := ActionCreditDebited, SeverityInfo
	if entry.Kind == credit.KindRefund {
		action, severity = ActionCreditClawedBack, SeverityWarning
	}
	kv := []any{"amount", entry.Amount, "reason", entry.Reason}
	if !entry.ReservationID.IsNil() {
		kv = append(kv, "reservation_id", entry.ReservationID.String())
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceCredit, entry.TenantID, entry.ID.String(), CategoryLedger, nil,
		kv...,
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, tenantID string, requested int64) error {
	return e.record(ctx, ActionCreditsInsufficient, SeverityWarning, OutcomeFailure,
		ResourceCredit, tenantID, "", CategoryLedger, nil,
		"requested", requested,
	)
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

// OnReservationCreated implements plugin.OnReservationCreated.
func (e *Extension) OnReservationCreated(ctx context.Context, r *reservation.Reservation) error {
	return e.record(ctx, ActionReservationCreated, SeverityInfo, OutcomeSuccess,
		ResourceReservation, r.TenantID, r.ID.String(), CategoryLedger, nil,
		"amount", r.Amount,
		"owner", r.Owner,
	)
}

// OnReservationCommitted implements plugin.OnReservationCommitted.
func (e *Extension) OnReservationCommitted(ctx context.Context, r *reservation.Reservation, entry *credit.Entry) error {
	return e.record(ctx, ActionReservationCommitted, SeverityInfo, OutcomeSuccess,
		ResourceReservation, r.TenantID, r.ID.String(), CategoryLedger, nil,
		"amount", r.Amount,
		"entry_id", entry.ID.String(),
	)
}

// OnReservationReleased implements plugin.OnReservationReleased.
func (e *Extension) OnReservationReleased(ctx context.Context, r *reservation.Reservation) error {
	return e.record(ctx, ActionReservationReleased, SeverityInfo, OutcomeSuccess,
		ResourceReservation, r.TenantID, r.ID.String(), CategoryLedger, nil,
		"amount", r.Amount,
		"reason", r.ResolveReason,
	)
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookProcessed implements plugin.OnWebhookProcessed.
func (e *Extension) OnWebhookProcessed(ctx context.Context, rec *webhook.Record, elapsed time.Duration) error {
	return e.record(ctx, ActionWebhookProcessed, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, rec.TenantID, rec.EventID, CategoryIntegration, nil,
		"provider", rec.Provider,
		"event_type", rec.EventType,
		"attempts", rec.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnWebhookUnmatched implements plugin.OnWebhookUnmatched.
func (e *Extension) OnWebhookUnmatched(ctx context.Context, rec *webhook.Record) error {
	return e.record(ctx, ActionWebhookUnmatched, SeverityWarning, OutcomeFailure,
		ResourceWebhook, "", rec.EventID, CategoryIntegration, nil,
		"provider", rec.Provider,
		"event_type", rec.EventType,
	)
}

// OnWebhookFailed implements plugin.OnWebhookFailed.
func (e *Extension) OnWebhookFailed(ctx context.Context, rec *webhook.Record, cause error) error {
	return e.record(ctx, ActionWebhookFailed, SeverityError, OutcomeFailure,
		ResourceWebhook, rec.TenantID, rec.EventID, CategoryIntegration, cause,
		"provider", rec.Provider,
		"event_type", rec.EventType,
		"attempts", rec.Attempts,
	)
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

// OnSubscriptionSynced implements plugin.OnSubscriptionSynced. Only syncs
// that repaired drift are audited unless subscription.synced is enabled
// explicitly.
func (e *Extension) OnSubscriptionSynced(ctx context.Context, m *subscription.Mirror, mismatch bool) error {
	action, severity := ActionSubscriptionSynced, SeverityInfo
	if mismatch {
		action, severity = ActionSubscriptionRepaired, SeverityWarning
	} else if e.enabled == nil || !e.enabled[ActionSubscriptionSynced] {
		return nil
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceSubscription, m.TenantID, m.ProviderSubscriptionID, CategorySubscription, nil,
		"plan_code", m.PlanCode,
		"interval", string(m.Interval),
		"status", string(m.Status),
		"source", m.SourceOfTruth,
	)
}

// OnSubscriptionChanged implements plugin.OnSubscriptionChanged.
func (e *Extension) OnSubscriptionChanged(ctx context.Context, tenantID string, mode subscription.ChangeMode, target catalog.Key) error {
	return e.record(ctx, ActionSubscriptionChanged, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, tenantID, "", CategorySubscription, nil,
		"mode", string(mode),
		"plan_code", target.Plan,
		"interval", string(target.Interval),
		"currency", target.Currency,
	)
}

// ──────────────────────────────────────────────────
// Transaction hooks
// ──────────────────────────────────────────────────

// OnTransactionRecorded implements plugin.OnTransactionRecorded.
func (e *Extension) OnTransactionRecorded(ctx context.Context, t *transaction.Transaction) error {
	return e.record(ctx, ActionTransactionRecorded, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, t.TenantID, t.ID.String(), CategoryPayment, nil,
		"kind", string(t.Kind),
		"status", string(t.Status),
		"credits_added", t.CreditsAdded,
		"amount", t.Amount.Amount,
		"currency", t.Amount.Currency,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, tenantID, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		TenantID:   tenantID,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
