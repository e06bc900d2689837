package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/catalog"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("BILLING_PRICES", "pro:month:usd=price_pro_m:500,pro:year:usd=price_pro_y:6000")
	t.Setenv("BILLING_PACKS", "small:usd=price_pack_small:1000")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, time.Hour, cfg.ReservationTTL)
	assert.Equal(t, 24*time.Hour, cfg.WebhookDedupeWindow)
	assert.Equal(t, []string{"usd"}, cfg.RequiredCurrencies)
	assert.Equal(t, "price_pro_m:500", cfg.Prices["pro:month:usd"])

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without url", map[string]string{"STORE_DRIVER": "postgres"}},
		{"mongo without uri", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown driver", map[string]string{"STORE_DRIVER": "dynamo"}},
		{"missing stripe key", map[string]string{"STRIPE_SECRET_KEY": ""}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestCatalog(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	require.NoError(t, err)

	cat, err := cfg.Catalog()
	require.NoError(t, err)

	priceID, err := cat.PriceID(catalog.NewKey("pro", catalog.Year, "usd"))
	require.NoError(t, err)
	assert.Equal(t, "price_pro_y", priceID)
	assert.Equal(t, int64(500), cat.IncludedCredits(catalog.NewKey("pro", catalog.Month, "usd")))

	pack, err := cat.Pack("small", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), pack.Credits)
}

func TestCatalogRequiresFullMatrix(t *testing.T) {
	setBase(t)
	t.Setenv("BILLING_REQUIRED_CURRENCIES", "usd,eur")
	cfg, err := Load()
	require.NoError(t, err)

	_, err = cfg.Catalog()
	require.ErrorIs(t, err, catalog.ErrConfigIncomplete)
	assert.Contains(t, err.Error(), "pro:month:eur")
}
