package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"invoice", InvoiceKey("in_1"), "invoice:in_1"},
		{"included credits", IncludedCreditsKey("in_1"), "included_credits:in_1"},
		{"checkout", CheckoutKey("cs_1"), "checkout:cs_1"},
		{"dispute", DisputeKey("dp_1"), "dispute:dp_1"},
		{"refund", RefundKey("ch_1", 2500), "refund:ch_1:2500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestPartialRefundsGetDistinctKeys(t *testing.T) {
	assert.NotEqual(t, RefundKey("ch_1", 1000), RefundKey("ch_1", 2000))
	assert.NotEqual(t, InvoiceKey("in_1"), IncludedCreditsKey("in_1"))
}
