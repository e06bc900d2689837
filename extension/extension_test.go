package extension

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/provider/providertest"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{SweepInterval: 10 * time.Second})
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, "/billing", cfg.BasePath)
	assert.Equal(t, time.Hour, cfg.ReservationTTL)
	assert.Equal(t, 24*time.Hour, cfg.WebhookDedupeWindow)
	assert.Equal(t, 5*time.Second, cfg.PluginTimeout)
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{BasePath: "/api/billing", ReservationTTL: 2 * time.Hour}
	prog := Config{BasePath: "/ignored", SweepInterval: 30 * time.Second, DisableRoutes: true}

	cfg := mergeConfigurations(yaml, prog)
	assert.Equal(t, "/api/billing", cfg.BasePath)
	assert.Equal(t, 2*time.Hour, cfg.ReservationTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.True(t, cfg.DisableRoutes)
	assert.False(t, cfg.DisableMigrate)
}

func TestBuildEngineRequiresCollaborators(t *testing.T) {
	_, err := New().buildEngine()
	require.Error(t, err)

	_, err = New(WithProvider(providertest.New())).buildEngine()
	require.Error(t, err)
}

func TestHandlerMountsUnderBasePath(t *testing.T) {
	cat, err := catalog.New([]catalog.Price{
		{Key: catalog.NewKey("pro", catalog.Month, "usd"), PriceID: "price_pro_m"},
	}, nil)
	require.NoError(t, err)

	ext := New(WithProvider(providertest.New()), WithCatalog(cat), WithSweepInterval(time.Hour))
	ext.config = mergeWithDefaults(ext.config)
	eng, err := ext.buildEngine()
	require.NoError(t, err)
	ext.engine = eng

	rec := httptest.NewRecorder()
	ext.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/billing/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ext.config.DisableRoutes = true
	assert.Nil(t, ext.Handler())
}
