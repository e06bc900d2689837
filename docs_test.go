package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/provider/providertest"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/store/memory"
)

// TestDocumentationExamples keeps the package documentation examples honest.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		cat, err := catalog.New([]catalog.Price{
			{Key: catalog.NewKey("pro", catalog.Month, "usd"), PriceID: "price_pro_m", IncludedCredits: 500},
			{Key: catalog.NewKey("pro", catalog.Year, "usd"), PriceID: "price_pro_y", IncludedCredits: 6000},
		}, nil)
		require.NoError(t, err)

		eng := billing.New(memory.New(), providertest.New(), cat,
			billing.WithLogger(slog.Default()),
			billing.WithSweepInterval(time.Hour),
		)

		ctx := context.Background()
		require.NoError(t, eng.Start(ctx))
		defer eng.Stop()

		_, err = eng.Credit(ctx, "tenant_123", 100, "welcome", nil)
		require.NoError(t, err)

		res, err := eng.Spend(ctx, billing.ReserveRequest{
			TenantID:       "tenant_123",
			Amount:         25,
			IdempotencyKey: "job_1",
		}, func(context.Context, *reservation.Reservation) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(25), res.Entry.Amount)

		_, err = eng.Spend(ctx, billing.ReserveRequest{
			TenantID: "tenant_123",
			Amount:   1000,
		}, func(context.Context, *reservation.Reservation) error {
			t.Fatal("side effect must not run without credits")
			return nil
		})
		assert.True(t, errors.Is(err, billing.ErrInsufficientCredits))

		available, err := eng.AvailableBalance(ctx, "tenant_123")
		require.NoError(t, err)
		assert.Equal(t, int64(75), available)
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		m1 := billing.NewMoney(100, "USD")
		m2 := billing.NewMoney(200, "usd")

		assert.Equal(t, int64(300), m1.Add(m2).Amount)
		assert.True(t, billing.Zero("usd").IsZero())
		assert.Equal(t, "1.00", m1.FormatMajor())
	})
}
