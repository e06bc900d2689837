package subscription

import "context"

type Store interface {
	GetMirror(ctx context.Context, tenantID string) (*Mirror, error)
	// UpsertMirror inserts or replaces the tenant's mirror in one atomic
	// statement and returns the stored row.
	UpsertMirror(ctx context.Context, m *Mirror) (*Mirror, error)
	TenantByCustomerID(ctx context.Context, customerID string) (string, error)
	TenantBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)
}
