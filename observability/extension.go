// Package observability provides a metrics plugin for the billing engine that
// exports ledger, reservation, webhook and subscription activity to Prometheus.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/plugin"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnCredited             = (*MetricsExtension)(nil)
	_ plugin.OnDebited              = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits  = (*MetricsExtension)(nil)
	_ plugin.OnReservationCreated   = (*MetricsExtension)(nil)
	_ plugin.OnReservationCommitted = (*MetricsExtension)(nil)
	_ plugin.OnReservationReleased  = (*MetricsExtension)(nil)
	_ plugin.OnReservationsSwept    = (*MetricsExtension)(nil)
	_ plugin.OnWebhookProcessed     = (*MetricsExtension)(nil)
	_ plugin.OnWebhookDuplicate     = (*MetricsExtension)(nil)
	_ plugin.OnWebhookUnmatched     = (*MetricsExtension)(nil)
	_ plugin.OnWebhookFailed        = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionSynced   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionChanged  = (*MetricsExtension)(nil)
	_ plugin.OnTransactionRecorded  = (*MetricsExtension)(nil)
)

const namespace = "billing"

// MetricsExtension records system-wide billing metrics.
// Register it as a billing plugin and expose reg through promhttp.
type MetricsExtension struct {
	// Ledger metrics
	CreditsGranted      *prometheus.CounterVec
	CreditsDebited      *prometheus.CounterVec
	InsufficientCredits prometheus.Counter

	// Reservation metrics
	ReservationsCreated  prometheus.Counter
	ReservationsResolved *prometheus.CounterVec
	ReservationsSwept    prometheus.Counter
	SweepDuration        prometheus.Histogram

	// Webhook metrics
	WebhookEvents  *prometheus.CounterVec
	WebhookLatency *prometheus.HistogramVec

	// Subscription metrics
	SubscriptionSyncs   *prometheus.CounterVec
	SubscriptionChanges *prometheus.CounterVec

	// Transaction metrics
	Transactions *prometheus.CounterVec

	Starts prometheus.Counter
}

// NewMetricsExtension creates a MetricsExtension whose collectors are
// registered with reg. A nil reg uses prometheus.DefaultRegisterer.
func NewMetricsExtension(reg prometheus.Registerer) *MetricsExtension {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &MetricsExtension{
		CreditsGranted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_granted_total",
			Help:      "Credits added to tenant balances by reason.",
		}, []string{"reason"}),
		CreditsDebited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_debited_total",
			Help:      "Credits removed from tenant balances by entry kind.",
		}, []string{"kind"}),
		InsufficientCredits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "insufficient_credits_total",
			Help:      "Debits and reservations refused for lack of credits.",
		}),

		ReservationsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "created_total",
			Help:      "Reservations placed.",
		}),
		ReservationsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "resolved_total",
			Help:      "Reservations resolved by final status.",
		}, []string{"status"}),
		ReservationsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "swept_total",
			Help:      "Reservations released by the sweeper.",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep passes that released reservations.",
			Buckets:   prometheus.DefBuckets,
		}),

		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		WebhookLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "handler_duration_seconds",
			Help:      "Webhook handler duration by event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		SubscriptionSyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "syncs_total",
			Help:      "Mirror writes by source and whether drift was repaired.",
		}, []string{"source", "mismatch"}),
		SubscriptionChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "changes_total",
			Help:      "Plan changes by behavior and target interval.",
		}, []string{"mode", "interval"}),

		Transactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transaction",
			Name:      "recorded_total",
			Help:      "Billing transactions recorded by kind.",
		}, []string{"kind"}),

		Starts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_starts_total",
			Help:      "Engine starts observed by the metrics plugin.",
		}),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	m.Starts.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Ledger hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnCredited(_ context.Context, e *credit.Entry) error {
	m.CreditsGranted.WithLabelValues(e.Reason).Add(float64(e.Amount))
	return nil
}

func (m *MetricsExtension) OnDebited(_ context.Context, e *credit.Entry) error {
	m.CreditsDebited.WithLabelValues(string(e.Kind)).Add(float64(e.Amount))
	return nil
}

func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _ string, _ int64) error {
	m.InsufficientCredits.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Reservation hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnReservationCreated(_ context.Context, _ *reservation.Reservation) error {
	m.ReservationsCreated.Inc()
	return nil
}

func (m *MetricsExtension) OnReservationCommitted(_ context.Context, _ *reservation.Reservation, _ *credit.Entry) error {
	m.ReservationsResolved.WithLabelValues(string(reservation.StatusCommitted)).Inc()
	return nil
}

func (m *MetricsExtension) OnReservationReleased(_ context.Context, _ *reservation.Reservation) error {
	m.ReservationsResolved.WithLabelValues(string(reservation.StatusReleased)).Inc()
	return nil
}

func (m *MetricsExtension) OnReservationsSwept(_ context.Context, released int, elapsed time.Duration) error {
	m.ReservationsSwept.Add(float64(released))
	m.SweepDuration.Observe(elapsed.Seconds())
	return nil
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnWebhookProcessed(_ context.Context, rec *webhook.Record, elapsed time.Duration) error {
	m.WebhookEvents.WithLabelValues(rec.Provider, "processed").Inc()
	m.WebhookLatency.WithLabelValues(rec.EventType).Observe(elapsed.Seconds())
	return nil
}

func (m *MetricsExtension) OnWebhookDuplicate(_ context.Context, env *webhook.Envelope, _ *webhook.Record) error {
	m.WebhookEvents.WithLabelValues(env.Provider, "duplicate").Inc()
	return nil
}

func (m *MetricsExtension) OnWebhookUnmatched(_ context.Context, rec *webhook.Record) error {
	m.WebhookEvents.WithLabelValues(rec.Provider, "unmatched").Inc()
	return nil
}

func (m *MetricsExtension) OnWebhookFailed(_ context.Context, rec *webhook.Record, _ error) error {
	m.WebhookEvents.WithLabelValues(rec.Provider, "failed").Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Subscription hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnSubscriptionSynced(_ context.Context, mr *subscription.Mirror, mismatch bool) error {
	label := "false"
	if mismatch {
		label = "true"
	}
	m.SubscriptionSyncs.WithLabelValues(mr.SourceOfTruth, label).Inc()
	return nil
}

func (m *MetricsExtension) OnSubscriptionChanged(_ context.Context, _ string, mode subscription.ChangeMode, target catalog.Key) error {
	m.SubscriptionChanges.WithLabelValues(string(mode), string(target.Interval)).Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Transaction hooks
// ──────────────────────────────────────────────────

func (m *MetricsExtension) OnTransactionRecorded(_ context.Context, t *transaction.Transaction) error {
	m.Transactions.WithLabelValues(string(t.Kind)).Inc()
	return nil
}
