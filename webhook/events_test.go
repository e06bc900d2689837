package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHashPayload(t *testing.T) {
	data := []byte(`{"id":"in_1","amount_paid":4900}`)

	a := HashPayload(TypeInvoicePaid, data)
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashPayload(TypeInvoicePaid, data))
	assert.NotEqual(t, a, HashPayload(TypeInvoicePaymentFailed, data))
	assert.NotEqual(t, a, HashPayload(TypeInvoicePaid, []byte(`{"id":"in_2","amount_paid":4900}`)))
}

func TestReclaimable(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusProcessed, StatusUnmatched} {
		assert.False(t, (&Record{Status: s}).Reclaimable(time.Time{}), s)
	}
	assert.True(t, (&Record{Status: StatusFailed}).Reclaimable(time.Time{}))
}

func TestReclaimableAfterClaimExpires(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := &Record{Status: StatusPending, ReceivedAt: at}
	assert.False(t, pending.Reclaimable(at), "claim exactly at the cutoff is live")
	assert.True(t, pending.Reclaimable(at.Add(time.Second)))

	pending.ClaimedAt = at.Add(time.Hour)
	assert.Equal(t, at.Add(time.Hour), pending.ClaimTime())
	assert.False(t, pending.Reclaimable(at.Add(time.Minute)), "a renewed claim counts from its last claim")

	done := &Record{Status: StatusProcessed, ReceivedAt: at}
	assert.False(t, done.Reclaimable(at.Add(time.Hour)))
}
