// Package webhook models inbound payment-provider events and the records
// that make their processing idempotent.
package webhook

import (
	"time"

	"github.com/xraph/billing/id"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusUnmatched Status = "unmatched"
)

// Record is written once per admitted event and unique on (Provider, EventID).
type Record struct {
	ID          id.WebhookEventID `json:"id"`
	Provider    string            `json:"provider"`
	EventID     string            `json:"event_id"`
	EventType   string            `json:"event_type"`
	PayloadHash string            `json:"payload_hash"`
	TenantID    string            `json:"tenant_id,omitempty"`
	Status      Status            `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	ClaimedAt   time.Time         `json:"claimed_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// ClaimTime is when the current attempt was claimed. Records written
// without a claim time were claimed when received.
func (r *Record) ClaimTime() time.Time {
	if r.ClaimedAt.IsZero() {
		return r.ReceivedAt
	}
	return r.ClaimedAt
}

// Reclaimable reports whether a later delivery may process the event again:
// the last attempt failed, or it is still pending from a claim made before
// staleBefore, so the worker holding it never finished. A zero staleBefore
// never expires a claim.
func (r *Record) Reclaimable(staleBefore time.Time) bool {
	switch r.Status {
	case StatusFailed:
		return true
	case StatusPending:
		return r.ClaimTime().Before(staleBefore)
	default:
		return false
	}
}
