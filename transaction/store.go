package transaction

import (
	"context"

	"github.com/xraph/billing/credit"
)

type Store interface {
	// RecordTransaction inserts t unless (tenant, idempotency key) exists, in
	// which case the stored record is returned with created=false. When entry
	// is non-nil it is appended in the same store transaction, only for a
	// newly created record.
	RecordTransaction(ctx context.Context, t *Transaction, entry *credit.Entry) (res *Transaction, created bool, err error)
	GetTransaction(ctx context.Context, tenantID, idempotencyKey string) (*Transaction, error)
	ListTransactions(ctx context.Context, tenantID string, opts ListOpts) ([]*Transaction, error)
}

type ListOpts struct {
	Kind              Kind
	ProviderPaymentID string
	Limit             int
	Offset            int
}
