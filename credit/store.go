package credit

import "context"

type Store interface {
	// AppendEntry writes e. For kinds that reduce the balance the available
	// check and the insert happen in one transaction; a shortfall yields
	// billing.ErrInsufficientCredits and nothing is written.
	AppendEntry(ctx context.Context, e *Entry) error
	Balance(ctx context.Context, tenantID string) (Balance, error)
	ListEntries(ctx context.Context, tenantID string, opts ListOpts) ([]*Entry, error)
}

type ListOpts struct {
	Kind   Kind
	Limit  int
	Offset int
}
