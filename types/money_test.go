package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMoneyNormalizesCurrency(t *testing.T) {
	m := NewMoney(4900, " USD ")
	assert.Equal(t, "usd", m.Currency)
	assert.Equal(t, int64(4900), m.Amount)
	assert.True(t, Zero("EUR").IsZero())
}

func TestMoneyArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		op       func() Money
		expected Money
	}{
		{"Add", func() Money { return NewMoney(100, "usd").Add(NewMoney(200, "usd")) }, NewMoney(300, "usd")},
		{"Subtract", func() Money { return NewMoney(500, "usd").Subtract(NewMoney(200, "usd")) }, NewMoney(300, "usd")},
		{"Subtract below zero", func() Money { return NewMoney(100, "eur").Subtract(NewMoney(250, "eur")) }, NewMoney(-150, "eur")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.op().Equal(tt.expected))
		})
	}
}

func TestMoneyCurrencyMismatchPanics(t *testing.T) {
	assert.Panics(t, func() { NewMoney(100, "usd").Add(NewMoney(100, "eur")) })
}

func TestMoneyFormat(t *testing.T) {
	tests := []struct {
		money   Money
		major   string
		display string
	}{
		{NewMoney(4900, "usd"), "49.00", "49.00 USD"},
		{NewMoney(7550, "aud"), "75.50", "75.50 AUD"},
		{NewMoney(5, "gbp"), "0.05", "0.05 GBP"},
		{NewMoney(-1999, "eur"), "-19.99", "-19.99 EUR"},
		{NewMoney(100, "jpy"), "100", "100 JPY"},
		{NewMoney(0, "krw"), "0", "0 KRW"},
	}

	for _, tt := range tests {
		t.Run(tt.display, func(t *testing.T) {
			assert.Equal(t, tt.major, tt.money.FormatMajor())
			assert.Equal(t, tt.display, tt.money.String())
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(NewMoney(19900, "eur"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":19900,"currency":"eur","display":"199.00 EUR"}`, string(data))

	var back Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(NewMoney(19900, "eur")))
}
