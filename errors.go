package billing

import (
	"errors"
	"fmt"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/provider"
	"github.com/xraph/billing/webhook"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("billing: not found")
	ErrAlreadyExists = errors.New("billing: already exists")
	ErrInvalidInput  = errors.New("billing: invalid input")

	// Ledger errors
	ErrInvalidAmount       = errors.New("billing: amount must be positive")
	ErrInsufficientCredits = errors.New("billing: insufficient credits")

	// Reservation errors
	ErrReservationNotFound     = errors.New("billing: reservation not found")
	ErrInvalidReservationState = errors.New("billing: invalid reservation state")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrNoActiveSubscription = errors.New("billing: no active subscription")
	ErrAlreadyOnPlan        = errors.New("billing: already on requested plan")

	// Transaction errors
	ErrTransactionNotFound = errors.New("billing: transaction not found")

	// Webhook errors
	ErrWebhookEventNotFound = errors.New("billing: webhook event not found")
	ErrTenantUnresolved     = errors.New("billing: tenant unresolved")
	ErrUnsupportedEvent     = webhook.ErrUnsupportedEvent
	ErrWebhookVerification  = webhook.ErrVerification

	// Collaborator errors
	ErrProviderUnavailable = provider.ErrUnavailable
	ErrConfigIncomplete    = catalog.ErrConfigIncomplete

	// Store errors
	ErrStoreNotReady     = errors.New("billing: store not ready")
	ErrStoreClosed       = errors.New("billing: store is closed")
	ErrTransactionFailed = errors.New("billing: store transaction failed")
	ErrMigrationFailed   = errors.New("billing: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("billing: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "billing: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("billing: %d errors occurred: %v", len(e.Errors), errors.Join(e.Errors...))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrReservationNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrWebhookEventNotFound) ||
		errors.Is(err, provider.ErrNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrTransactionFailed)
}
