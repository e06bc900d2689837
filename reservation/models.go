// Package reservation models provisional holds against a tenant's balance.
package reservation

import (
	"time"

	"github.com/xraph/billing/id"
	"github.com/xraph/billing/types"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCommitted Status = "committed"
	StatusReleased  Status = "released"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusCommitted || s == StatusReleased }

// Reservation moves active -> committed or active -> released, once.
// Owner names the unit of work holding it (a campaign, a job) so a sweep can
// release holds whose owner finished without resolving them.
type Reservation struct {
	types.Entity
	ID             id.ReservationID  `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Amount         int64             `json:"amount"`
	Status         Status            `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Owner          string            `json:"owner,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EntryID        id.EntryID        `json:"entry_id,omitzero"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty"`
	ResolveReason  string            `json:"resolve_reason,omitempty"`
}
