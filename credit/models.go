// Package credit models the append-only credit ledger.
package credit

import (
	"time"

	"github.com/xraph/billing/id"
)

// Kind classifies a ledger entry. Credits add to the balance; debits and
// refunds (clawbacks of previously granted credits) subtract from it.
type Kind string

const (
	KindCredit Kind = "credit"
	KindDebit  Kind = "debit"
	KindRefund Kind = "refund"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindCredit || k == KindDebit || k == KindRefund
}

// Reduces reports whether entries of this kind consume balance.
func (k Kind) Reduces() bool { return k == KindDebit || k == KindRefund }

// Entry is immutable once written.
type Entry struct {
	ID            id.EntryID        `json:"id"`
	TenantID      string            `json:"tenant_id"`
	Kind          Kind              `json:"kind"`
	Amount        int64             `json:"amount"`
	Reason        string            `json:"reason"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ReservationID id.ReservationID  `json:"reservation_id,omitzero"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Balance is derived from entries and active reservations; it is never
// stored as a free-standing number.
type Balance struct {
	TenantID  string `json:"tenant_id"`
	Credited  int64  `json:"credited"`
	Debited   int64  `json:"debited"`
	Refunded  int64  `json:"refunded"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

// NewBalance fills Available from the four totals.
func NewBalance(tenantID string, credited, debited, refunded, reserved int64) Balance {
	return Balance{
		TenantID:  tenantID,
		Credited:  credited,
		Debited:   debited,
		Refunded:  refunded,
		Reserved:  reserved,
		Available: credited - debited - refunded - reserved,
	}
}

// Spent is everything that counts against credited: committed debits,
// clawbacks and active holds.
func (b Balance) Spent() int64 { return b.Debited + b.Refunded + b.Reserved }
