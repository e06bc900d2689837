package billing

import (
	"context"
	"errors"
	"maps"

	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/types"
)

// RecordResult is the outcome of recording a transaction. Created is false
// when the idempotency key was already used; Transaction is then the first
// record, unchanged.
type RecordResult struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Created     bool                     `json:"created"`
}

// GrantRequest records a credit-granting transaction and its ledger credit
// in one store transaction.
type GrantRequest struct {
	TenantID       string            `json:"tenant_id" validate:"required,max=255"`
	Kind           transaction.Kind  `json:"kind" validate:"required"`
	Credits        int64             `json:"credits"`
	Amount         types.Money       `json:"amount"`
	SessionID      string            `json:"session_id,omitempty"`
	PaymentID      string            `json:"payment_id,omitempty"`
	InvoiceID      string            `json:"invoice_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required,max=255"`
	Reason         string            `json:"reason,omitempty" validate:"max=255"`
	Description    string            `json:"description,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// GrantResult reports whether credits were allocated by this call.
type GrantResult struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Allocated   bool                     `json:"allocated"`
}

type recordInput struct {
	TenantID       string           `json:"tenant_id" validate:"required,max=255"`
	Kind           transaction.Kind `json:"kind" validate:"required"`
	IdempotencyKey string           `json:"idempotency_key" validate:"required,max=255"`
}

// RecordTransaction appends a billing transaction unless (tenant, key)
// already exists, in which case the stored record is returned unchanged.
func (e *Engine) RecordTransaction(ctx context.Context, tenantID string, fields transaction.Fields, idempotencyKey string) (*RecordResult, error) {
	return e.record(ctx, tenantID, fields, idempotencyKey, nil)
}

func (e *Engine) record(ctx context.Context, tenantID string, fields transaction.Fields, key string, entry *credit.Entry) (*RecordResult, error) {
	if err := e.validate.Struct(recordInput{TenantID: tenantID, Kind: fields.Kind, IdempotencyKey: key}); err != nil {
		return nil, err
	}
	if fields.Status == "" {
		fields.Status = transaction.StatusSucceeded
	}
	fields.Metadata = maps.Clone(fields.Metadata)

	t := &transaction.Transaction{
		Fields:         fields,
		ID:             id.NewTransactionID(),
		TenantID:       tenantID,
		IdempotencyKey: key,
		CreatedAt:      e.now(),
	}

	stored, created, err := e.store.RecordTransaction(ctx, t, entry)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) && entry != nil {
			e.plugins.EmitInsufficientCredits(ctx, tenantID, entry.Amount)
		}
		return nil, err
	}
	if !created {
		e.logger.Debug("transaction replayed",
			"tenant_id", tenantID,
			"idempotency_key", key,
			"kind", stored.Kind,
		)
		return &RecordResult{Transaction: stored, Created: false}, nil
	}

	if entry != nil {
		e.emitEntry(ctx, entry)
	}
	e.plugins.EmitTransactionRecorded(ctx, stored)
	e.logger.Info("transaction recorded",
		"tenant_id", tenantID,
		"idempotency_key", key,
		"kind", stored.Kind,
		"credits", stored.CreditsAdded,
	)
	return &RecordResult{Transaction: stored, Created: true}, nil
}

// GrantCredits records a credit purchase or allocation and credits the
// ledger atomically with it. A repeated key grants nothing.
func (e *Engine) GrantCredits(ctx context.Context, req GrantRequest) (*RecordResult, error) {
	if req.Credits <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.validate.Struct(req); err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = grantReason(req.Kind)
	}
	meta := correlation(req.IdempotencyKey, req.SessionID, req.PaymentID, req.InvoiceID)
	maps.Copy(meta, req.Metadata)

	entry := e.newEntry(credit.KindCredit, req.TenantID, req.Credits, reason, meta)
	return e.record(ctx, req.TenantID, transaction.Fields{
		Kind:              req.Kind,
		Status:            transaction.StatusSucceeded,
		CreditsAdded:      req.Credits,
		Amount:            req.Amount,
		ProviderSessionID: req.SessionID,
		ProviderPaymentID: req.PaymentID,
		ProviderInvoiceID: req.InvoiceID,
		Description:       req.Description,
		Metadata:          req.Metadata,
	}, req.IdempotencyKey, entry)
}

// GrantIncludedCredits allocates a plan's included credits for one paid
// invoice. Calling it again for the same invoice allocates nothing.
func (e *Engine) GrantIncludedCredits(ctx context.Context, tenantID, invoiceID string, credits int64) (*GrantResult, error) {
	return e.grantIncluded(ctx, tenantID, invoiceID, "", credits)
}

func (e *Engine) grantIncluded(ctx context.Context, tenantID, invoiceID, paymentID string, credits int64) (*GrantResult, error) {
	if invoiceID == "" {
		return nil, ValidationError{Field: "invoice_id", Message: "is required"}
	}
	res, err := e.GrantCredits(ctx, GrantRequest{
		TenantID:       tenantID,
		Kind:           transaction.KindIncludedCredits,
		Credits:        credits,
		PaymentID:      paymentID,
		InvoiceID:      invoiceID,
		IdempotencyKey: transaction.IncludedCreditsKey(invoiceID),
		Reason:         ReasonIncludedCredits,
	})
	if err != nil {
		return nil, err
	}
	return &GrantResult{Transaction: res.Transaction, Allocated: res.Created}, nil
}

// Transactions lists the tenant's billing transactions, newest first.
func (e *Engine) Transactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	return e.store.ListTransactions(ctx, tenantID, opts)
}

// Transaction returns the record stored under (tenant, key).
func (e *Engine) Transaction(ctx context.Context, tenantID, idempotencyKey string) (*transaction.Transaction, error) {
	return e.store.GetTransaction(ctx, tenantID, idempotencyKey)
}

func grantReason(kind transaction.Kind) string {
	switch kind {
	case transaction.KindCreditPackPurchase:
		return ReasonCreditPack
	case transaction.KindIncludedCredits:
		return ReasonIncludedCredits
	default:
		return ReasonTopUp
	}
}

// correlation builds the ledger metadata linking an entry to its
// transaction and provider objects.
func correlation(key, sessionID, paymentID, invoiceID string) map[string]string {
	meta := map[string]string{"idempotency_key": key}
	for k, v := range map[string]string{
		"session_id": sessionID,
		"payment_id": paymentID,
		"invoice_id": invoiceID,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return meta
}
