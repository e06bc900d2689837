package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/billing"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

func TestRecordTransactionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.RecordTransaction(ctx, "t1", transaction.Fields{
		Kind:              transaction.KindSubscriptionCharge,
		Amount:            types.NewMoney(4900, "usd"),
		ProviderInvoiceID: "in_1",
	}, transaction.InvoiceKey("in_1"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, transaction.StatusSucceeded, first.Transaction.Status)

	second, err := f.engine.RecordTransaction(ctx, "t1", transaction.Fields{
		Kind:   transaction.KindSubscriptionCharge,
		Amount: types.NewMoney(9900, "usd"),
	}, transaction.InvoiceKey("in_1"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int64(4900), second.Transaction.Amount.Amount)

	all, err := f.engine.Transactions(ctx, "t1", transaction.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecordTransactionValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.RecordTransaction(ctx, "t1", transaction.Fields{Kind: transaction.KindRefund}, "")
	require.ErrorIs(t, err, billing.ErrInvalidInput)

	_, err = f.engine.RecordTransaction(ctx, "t1", transaction.Fields{}, "k")
	require.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestGrantIncludedCreditsOncePerInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.GrantIncludedCredits(ctx, "t1", "in_1", 500)
	require.NoError(t, err)
	assert.True(t, first.Allocated)

	second, err := f.engine.GrantIncludedCredits(ctx, "t1", "in_1", 500)
	require.NoError(t, err)
	assert.False(t, second.Allocated)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	assert.Equal(t, int64(500), f.available(t, "t1"))

	_, err = f.engine.GrantIncludedCredits(ctx, "t1", "", 500)
	require.ErrorIs(t, err, billing.ErrInvalidInput)
}

func TestGrantCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.GrantCredits(ctx, billing.GrantRequest{
		TenantID:       "t1",
		Kind:           transaction.KindCreditTopUp,
		Credits:        300,
		Amount:         types.NewMoney(600, "usd"),
		SessionID:      "cs_1",
		IdempotencyKey: transaction.CheckoutKey("cs_1"),
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, int64(300), res.Transaction.CreditsAdded)

	entries, err := f.engine.Entries(ctx, "t1", credit.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, billing.ReasonTopUp, entries[0].Reason)
	assert.Equal(t, "cs_1", entries[0].Metadata["session_id"])
	assert.Equal(t, transaction.CheckoutKey("cs_1"), entries[0].Metadata["idempotency_key"])

	_, err = f.engine.GrantCredits(ctx, billing.GrantRequest{TenantID: "t1", Kind: transaction.KindCreditTopUp, IdempotencyKey: "k"})
	require.ErrorIs(t, err, billing.ErrInvalidAmount)
}
