package reservation

import (
	"context"
	"time"

	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
)

type Store interface {
	// CreateReservation inserts r after checking the tenant's available
	// balance in the same transaction. When r carries an idempotency key that
	// already exists for the tenant, the stored reservation is returned with
	// created=false and no balance check is made.
	CreateReservation(ctx context.Context, r *Reservation) (res *Reservation, created bool, err error)
	GetReservation(ctx context.Context, resID id.ReservationID) (*Reservation, error)

	// CommitReservation marks the reservation committed and appends entry
	// (a debit for its amount) atomically. Committing a committed reservation
	// returns the original entry; committing a released one fails with
	// billing.ErrInvalidReservationState.
	CommitReservation(ctx context.Context, resID id.ReservationID, entry *credit.Entry, at time.Time) (*Reservation, *credit.Entry, error)

	// ReleaseReservation marks the reservation released. Releasing twice is a
	// no-op; releasing a committed reservation fails with
	// billing.ErrInvalidReservationState.
	ReleaseReservation(ctx context.Context, resID id.ReservationID, reason string, at time.Time) (*Reservation, error)

	ListActiveReservations(ctx context.Context, opts ListOpts) ([]*Reservation, error)
}

// ListOpts filters ListActiveReservations. Results are ordered by
// (CreatedAt, ID); After resumes that order past a previous page.
type ListOpts struct {
	TenantID      string
	Owner         string
	CreatedBefore time.Time
	After         *Cursor
	Limit         int
}

// Cursor is a position in the (CreatedAt, ID) listing order.
type Cursor struct {
	CreatedAt time.Time
	ID        id.ReservationID
}

// CursorAfter returns the position of r, so the next page starts past it.
func CursorAfter(r *Reservation) *Cursor {
	return &Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// Before reports whether r sorts at or before c.
func (c *Cursor) Before(r *Reservation) bool {
	if c == nil {
		return false
	}
	switch r.CreatedAt.Compare(c.CreatedAt) {
	case -1:
		return true
	case 0:
		return r.ID.String() <= c.ID.String()
	default:
		return false
	}
}
