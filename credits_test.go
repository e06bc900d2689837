package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/entitlement"
)

func TestCreditAndDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry, err := f.engine.Credit(ctx, "t1", 100, billing.ReasonTopUp, map[string]string{"session_id": "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, credit.KindCredit, entry.Kind)
	assert.Equal(t, "cs_1", entry.Metadata["session_id"])

	_, err = f.engine.Debit(ctx, "t1", 30, "sms:send", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(70), f.available(t, "t1"))

	_, err = f.engine.Debit(ctx, "t1", 71, "sms:send", nil)
	require.ErrorIs(t, err, billing.ErrInsufficientCredits)
	assert.Equal(t, int64(70), f.available(t, "t1"))

	_, err = f.engine.Refund(ctx, "t1", 20, billing.ReasonRefund, nil)
	require.NoError(t, err)

	b, err := f.engine.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, credit.Balance{TenantID: "t1", Credited: 100, Debited: 30, Refunded: 20, Available: 50}, b)
}

func TestLedgerRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		_, err := f.engine.Credit(ctx, "t1", amount, "x", nil)
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
		_, err = f.engine.Debit(ctx, "t1", amount, "x", nil)
		assert.ErrorIs(t, err, billing.ErrInvalidAmount)
	}

	_, err := f.engine.Credit(ctx, "", 10, "x", nil)
	require.ErrorIs(t, err, billing.ErrInvalidInput)
	var ve billing.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "tenant_id", ve.Field)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Credit(ctx, "t1", 50, billing.ReasonTopUp, nil)
	require.NoError(t, err)

	ok, err := f.engine.Authorize(ctx, "t1", 40)
	require.NoError(t, err)
	assert.True(t, ok.Allowed)
	assert.Equal(t, int64(10), ok.Remaining)

	no, err := f.engine.Authorize(ctx, "t1", 51)
	require.NoError(t, err)
	assert.False(t, no.Allowed)
	assert.Equal(t, entitlement.ReasonInsufficientCredits, no.Reason)

	// Authorize holds nothing.
	assert.Equal(t, int64(50), f.available(t, "t1"))
}

func TestTenantsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Credit(ctx, "t1", 100, billing.ReasonTopUp, nil)
	require.NoError(t, err)

	_, err = f.engine.Debit(ctx, "t2", 1, "sms:send", nil)
	require.ErrorIs(t, err, billing.ErrInsufficientCredits)
	assert.Equal(t, int64(100), f.available(t, "t1"))
}

func TestConcurrentSpendNeverOverdraws(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Credit(ctx, "t1", 100, billing.ReasonTopUp, nil)
	require.NoError(t, err)

	const workers = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		debited  int
		refused  int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = f.engine.Reserve(ctx, billing.ReserveRequest{TenantID: "t1", Amount: 10})
			} else {
				_, err = f.engine.Debit(ctx, "t1", 10, "sms:send", nil)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && i%2 == 0:
				reserved++
			case err == nil:
				debited++
			case errors.Is(err, billing.ErrInsufficientCredits):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, reserved+debited)
	assert.Equal(t, workers-10, refused)

	b, err := f.engine.Balance(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Available)
	assert.LessOrEqual(t, b.Debited+b.Reserved, b.Credited)
}
