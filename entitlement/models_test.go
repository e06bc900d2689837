package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name      string
		requested int64
		available int64
		allowed   bool
		remaining int64
		reason    string
	}{
		{"within balance", 40, 100, true, 60, ""},
		{"exact balance", 100, 100, true, 0, ""},
		{"over balance", 101, 100, false, 0, ReasonInsufficientCredits},
		{"zero request", 0, 100, false, 0, ReasonInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Check("t1", tt.requested, tt.available)
			assert.Equal(t, tt.allowed, r.Allowed)
			assert.Equal(t, tt.remaining, r.Remaining)
			assert.Equal(t, tt.reason, r.Reason)
		})
	}
}
