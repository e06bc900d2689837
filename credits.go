package billing

import (
	"context"
	"errors"
	"maps"

	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/entitlement"
	"github.com/xraph/billing/id"
)

// Ledger reason tags written by the engine itself.
const (
	ReasonTopUp           = "provider:topup"
	ReasonCreditPack      = "provider:credit_pack"
	ReasonIncludedCredits = "provider:included_credits"
	ReasonRefund          = "provider:refund"
	ReasonDispute         = "provider:dispute"
	ReasonReservation     = "reservation:commit"
)

type entryInput struct {
	TenantID string `json:"tenant_id" validate:"required,max=255"`
	Reason   string `json:"reason" validate:"max=255"`
}

// Credit appends a credit entry. It never fails for a positive amount
// except on store errors.
func (e *Engine) Credit(ctx context.Context, tenantID string, amount int64, reason string, metadata map[string]string) (*credit.Entry, error) {
	return e.appendEntry(ctx, credit.KindCredit, tenantID, amount, reason, metadata)
}

// Debit appends a debit entry when the available balance covers amount,
// checked in the same store transaction as the write.
func (e *Engine) Debit(ctx context.Context, tenantID string, amount int64, reason string, metadata map[string]string) (*credit.Entry, error) {
	return e.appendEntry(ctx, credit.KindDebit, tenantID, amount, reason, metadata)
}

// Refund appends a clawback of previously granted credits. It is balance
// checked like Debit.
func (e *Engine) Refund(ctx context.Context, tenantID string, amount int64, reason string, metadata map[string]string) (*credit.Entry, error) {
	return e.appendEntry(ctx, credit.KindRefund, tenantID, amount, reason, metadata)
}

func (e *Engine) appendEntry(ctx context.Context, kind credit.Kind, tenantID string, amount int64, reason string, metadata map[string]string) (*credit.Entry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.validate.Struct(entryInput{TenantID: tenantID, Reason: reason}); err != nil {
		return nil, err
	}

	entry := e.newEntry(kind, tenantID, amount, reason, metadata)
	if err := e.store.AppendEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			e.plugins.EmitInsufficientCredits(ctx, tenantID, amount)
		}
		return nil, err
	}

	e.emitEntry(ctx, entry)
	e.logger.Info("ledger entry appended",
		"tenant_id", tenantID,
		"kind", kind,
		"amount", amount,
		"reason", reason,
	)
	return entry, nil
}

func (e *Engine) newEntry(kind credit.Kind, tenantID string, amount int64, reason string, metadata map[string]string) *credit.Entry {
	return &credit.Entry{
		ID:        id.NewEntryID(),
		TenantID:  tenantID,
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		Metadata:  maps.Clone(metadata),
		CreatedAt: e.now(),
	}
}

func (e *Engine) emitEntry(ctx context.Context, entry *credit.Entry) {
	if entry.Kind == credit.KindCredit {
		e.plugins.EmitCredited(ctx, entry)
		return
	}
	e.plugins.EmitDebited(ctx, entry)
}

// Balance returns the tenant's derived balance.
func (e *Engine) Balance(ctx context.Context, tenantID string) (credit.Balance, error) {
	return e.store.Balance(ctx, tenantID)
}

// AvailableBalance returns credits minus debits, refunds and active holds.
func (e *Engine) AvailableBalance(ctx context.Context, tenantID string) (int64, error) {
	b, err := e.store.Balance(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return b.Available, nil
}

// Authorize answers whether tenantID could spend n credits right now. It
// has no side effects; use Reserve to actually hold the capacity.
func (e *Engine) Authorize(ctx context.Context, tenantID string, n int64) (*entitlement.Result, error) {
	available, err := e.AvailableBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return entitlement.Check(tenantID, n, available), nil
}

// Entries lists the tenant's ledger, newest first.
func (e *Engine) Entries(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Entry, error) {
	return e.store.ListEntries(ctx, tenantID, opts)
}
