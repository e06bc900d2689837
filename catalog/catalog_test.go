package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrices() []Price {
	return []Price{
		{Key: NewKey("starter", Month, "usd"), PriceID: "price_starter_m_usd", IncludedCredits: 500},
		{Key: NewKey("starter", Year, "usd"), PriceID: "price_starter_y_usd", IncludedCredits: 6000},
		{Key: NewKey("pro", Month, "usd"), PriceID: "price_pro_m_usd", IncludedCredits: 2000},
		{Key: NewKey("pro", Year, "usd"), PriceID: "price_pro_y_usd", IncludedCredits: 24000},
		{Key: NewKey("pro", Month, "EUR"), PriceID: "price_pro_m_eur"},
	}
}

func TestRoundTrip(t *testing.T) {
	c, err := New(testPrices(), nil)
	require.NoError(t, err)

	for _, k := range c.Keys() {
		t.Run(k.String(), func(t *testing.T) {
			priceID, err := c.PriceID(k)
			require.NoError(t, err)
			back, err := c.Resolve(priceID)
			require.NoError(t, err)
			assert.Equal(t, k, back)
		})
	}
}

func TestLookupNormalizesCase(t *testing.T) {
	c, err := New(testPrices(), nil)
	require.NoError(t, err)

	priceID, err := c.PriceID(Key{Plan: "PRO", Interval: Month, Currency: "EUR"})
	require.NoError(t, err)
	assert.Equal(t, "price_pro_m_eur", priceID)
	assert.Equal(t, int64(2000), c.IncludedCredits(NewKey("Pro", Month, "USD")))
}

func TestMissingMappingsNeverFallBack(t *testing.T) {
	c, err := New(testPrices(), nil)
	require.NoError(t, err)

	_, err = c.PriceID(NewKey("pro", Year, "eur"))
	assert.ErrorIs(t, err, ErrConfigIncomplete)

	_, err = c.Resolve("price_unknown")
	assert.ErrorIs(t, err, ErrConfigIncomplete)

	assert.Zero(t, c.IncludedCredits(NewKey("enterprise", Month, "usd")))
}

func TestNewRejectsAmbiguousConfig(t *testing.T) {
	tests := []struct {
		name   string
		prices []Price
		packs  []Pack
	}{
		{"empty price id", []Price{{Key: NewKey("pro", Month, "usd")}}, nil},
		{"bad interval", []Price{{Key: NewKey("pro", "week", "usd"), PriceID: "p1"}}, nil},
		{"duplicate key", []Price{
			{Key: NewKey("pro", Month, "usd"), PriceID: "p1"},
			{Key: NewKey("PRO", Month, "USD"), PriceID: "p2"},
		}, nil},
		{"duplicate price id", []Price{
			{Key: NewKey("pro", Month, "usd"), PriceID: "p1"},
			{Key: NewKey("pro", Year, "usd"), PriceID: "p1"},
		}, nil},
		{"pack reuses plan price", []Price{{Key: NewKey("pro", Month, "usd"), PriceID: "p1"}},
			[]Pack{{Code: "small", Currency: "usd", PriceID: "p1", Credits: 10}}},
		{"pack without credits", nil, []Pack{{Code: "small", Currency: "usd", PriceID: "p9"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.prices, tt.packs)
			assert.Error(t, err)
		})
	}
}

func TestValidateListsEveryMissingKey(t *testing.T) {
	c, err := New(testPrices(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Validate(Requirement{Plans: []string{"starter", "pro"}, Currencies: []string{"usd"}}))

	err = c.Validate(Requirement{Plans: []string{"pro"}, Currencies: []string{"usd", "eur"}})
	require.ErrorIs(t, err, ErrConfigIncomplete)

	var incomplete *ConfigIncompleteError
	require.True(t, errors.As(err, &incomplete))
	assert.Equal(t, []Key{NewKey("pro", Year, "eur")}, incomplete.Missing)
}

func TestPacks(t *testing.T) {
	c, err := New(nil, []Pack{{Code: "Boost", Currency: "USD", PriceID: "price_boost", Credits: 1000}})
	require.NoError(t, err)

	p, err := c.Pack("boost", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.Credits)

	byPrice, ok := c.PackByPrice("price_boost")
	require.True(t, ok)
	assert.Equal(t, p, byPrice)

	_, err = c.Pack("boost", "eur")
	assert.ErrorIs(t, err, ErrConfigIncomplete)
}

func TestParseEntries(t *testing.T) {
	prices, err := ParsePrices(map[string]string{
		"pro:monthly:USD": "price_pro_m:2000",
		"pro:year:usd":    "price_pro_y",
	})
	require.NoError(t, err)

	c, err := New(prices, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), c.IncludedCredits(NewKey("pro", Month, "usd")))
	k, err := c.Resolve("price_pro_y")
	require.NoError(t, err)
	assert.Equal(t, NewKey("pro", Year, "usd"), k)

	packs, err := ParsePacks(map[string]string{"boost:usd": "price_boost:1000"})
	require.NoError(t, err)
	require.Len(t, packs, 1)
	assert.Equal(t, int64(1000), packs[0].Credits)

	_, err = ParsePrices(map[string]string{"pro:usd": "price_x"})
	assert.Error(t, err)
	_, err = ParsePacks(map[string]string{"boost:usd": "price_boost"})
	assert.Error(t, err)
}
