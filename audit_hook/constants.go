package audithook

// Action constants for audit events.
const (
	// Ledger actions
	ActionCreditGranted       = "credit.granted"
	ActionCreditDebited       = "credit.debited"
	ActionCreditClawedBack    = "credit.clawed_back"
	ActionCreditsInsufficient = "credit.insufficient"

	// Reservation actions
	ActionReservationCreated   = "reservation.created"
	ActionReservationCommitted = "reservation.committed"
	ActionReservationReleased  = "reservation.released"

	// Webhook actions
	ActionWebhookProcessed = "webhook.processed"
	ActionWebhookUnmatched = "webhook.unmatched"
	ActionWebhookFailed    = "webhook.failed"

	// Subscription actions
	ActionSubscriptionSynced   = "subscription.synced"
	ActionSubscriptionRepaired = "subscription.repaired"
	ActionSubscriptionChanged  = "subscription.changed"

	// Transaction actions
	ActionTransactionRecorded = "transaction.recorded"
)

// Resource constants for audit events.
const (
	ResourceCredit       = "credit"
	ResourceReservation  = "reservation"
	ResourceWebhook      = "webhook"
	ResourceSubscription = "subscription"
	ResourceTransaction  = "transaction"
)

// Category constants for audit events.
const (
	CategoryLedger       = "ledger"
	CategorySubscription = "subscription"
	CategoryPayment      = "payment"
	CategoryIntegration  = "integration"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
