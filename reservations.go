package billing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	"github.com/xraph/billing/types"
)

// Release reasons written by the engine.
const (
	ReleaseSpendFailed   = "spend_failed"
	ReleaseExpired       = "expired"
	ReleaseOwnerFinished = "owner_finished"
)

// ReserveRequest asks for a hold of Amount credits. A request repeating an
// IdempotencyKey already used by the tenant returns the first reservation.
type ReserveRequest struct {
	TenantID       string            `json:"tenant_id" validate:"required,max=255"`
	Amount         int64             `json:"amount"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"max=128"`
	Owner          string            `json:"owner,omitempty" validate:"max=255"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CommitResult is the outcome of Commit. Replayed is true when the
// reservation had already been committed and Entry is the original debit.
type CommitResult struct {
	Reservation *reservation.Reservation `json:"reservation"`
	Entry       *credit.Entry            `json:"entry"`
	Replayed    bool                     `json:"replayed"`
}

// SweepOptions narrows a sweep pass. Zero values use the engine defaults.
type SweepOptions struct {
	Owner     string
	OlderThan time.Duration
	Limit     int
}

// Reserve holds capacity for a side effect that has not happened yet. The
// balance check and the insert are one store transaction, so concurrent
// reservations for one tenant can never exceed its available balance.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*reservation.Reservation, error) {
	r, _, err := e.reserve(ctx, req)
	return r, err
}

func (e *Engine) reserve(ctx context.Context, req ReserveRequest) (*reservation.Reservation, bool, error) {
	if req.Amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if err := e.validate.Struct(req); err != nil {
		return nil, false, err
	}

	now := e.now()
	r := &reservation.Reservation{
		Entity:         types.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewReservationID(),
		TenantID:       req.TenantID,
		Amount:         req.Amount,
		Status:         reservation.StatusActive,
		IdempotencyKey: req.IdempotencyKey,
		Owner:          req.Owner,
		Metadata:       maps.Clone(req.Metadata),
	}

	res, created, err := e.store.CreateReservation(ctx, r)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			e.plugins.EmitInsufficientCredits(ctx, req.TenantID, req.Amount)
		}
		return nil, false, err
	}
	if !created {
		e.logger.Debug("reservation replayed",
			"tenant_id", res.TenantID,
			"reservation_id", res.ID.String(),
			"status", res.Status,
		)
		return res, false, nil
	}

	e.plugins.EmitReservationCreated(ctx, res)
	e.logger.Info("reservation created",
		"tenant_id", res.TenantID,
		"reservation_id", res.ID.String(),
		"amount", res.Amount,
	)
	return res, true, nil
}

// Commit converts an active reservation into exactly one debit entry.
// Committing again returns the original entry; committing a released
// reservation fails with ErrInvalidReservationState.
func (e *Engine) Commit(ctx context.Context, resID id.ReservationID, reason string, metadata map[string]string) (*CommitResult, error) {
	r, err := e.store.GetReservation(ctx, resID)
	if err != nil {
		return nil, err
	}
	if r.Status == reservation.StatusReleased {
		return nil, fmt.Errorf("%w: reservation %s is released", ErrInvalidReservationState, resID)
	}

	if reason == "" {
		reason = ReasonReservation
	}
	meta := maps.Clone(r.Metadata)
	if meta == nil {
		meta = make(map[string]string, len(metadata))
	}
	maps.Copy(meta, metadata)

	entry := e.newEntry(credit.KindDebit, r.TenantID, r.Amount, reason, meta)
	res, out, err := e.store.CommitReservation(ctx, resID, entry, e.now())
	if err != nil {
		return nil, err
	}

	result := &CommitResult{Reservation: res, Entry: out, Replayed: out.ID != entry.ID}
	if result.Replayed {
		e.logger.Debug("reservation commit replayed",
			"tenant_id", res.TenantID,
			"reservation_id", resID.String(),
		)
		return result, nil
	}

	e.plugins.EmitReservationCommitted(ctx, res, out)
	e.plugins.EmitDebited(ctx, out)
	e.logger.Info("reservation committed",
		"tenant_id", res.TenantID,
		"reservation_id", resID.String(),
		"amount", out.Amount,
	)
	return result, nil
}

// Release returns an active reservation's amount to the available balance
// without writing a ledger entry. Releasing twice is a no-op; releasing a
// committed reservation fails with ErrInvalidReservationState.
func (e *Engine) Release(ctx context.Context, resID id.ReservationID, reason string) (*reservation.Reservation, error) {
	current, err := e.store.GetReservation(ctx, resID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case reservation.StatusReleased:
		return current, nil
	case reservation.StatusCommitted:
		return nil, fmt.Errorf("%w: reservation %s is committed", ErrInvalidReservationState, resID)
	}

	at := e.now()
	res, err := e.store.ReleaseReservation(ctx, resID, reason, at)
	if err != nil {
		return nil, err
	}

	if res.ResolvedAt == nil || !res.ResolvedAt.Equal(at) {
		e.logger.Debug("reservation release replayed",
			"tenant_id", res.TenantID,
			"reservation_id", resID.String(),
		)
		return res, nil
	}

	e.plugins.EmitReservationReleased(ctx, res)
	e.logger.Info("reservation released",
		"tenant_id", res.TenantID,
		"reservation_id", resID.String(),
		"reason", reason,
	)
	return res, nil
}

// Spend reserves req.Amount, runs fn and commits on success or releases on
// failure. Repeating a completed Spend with the same idempotency key returns
// the original debit without running fn again.
func (e *Engine) Spend(ctx context.Context, req ReserveRequest, fn func(ctx context.Context, r *reservation.Reservation) error) (*CommitResult, error) {
	r, created, err := e.reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	if !created {
		switch r.Status {
		case reservation.StatusCommitted:
			return e.Commit(ctx, r.ID, "", nil)
		case reservation.StatusReleased:
			return nil, fmt.Errorf("%w: reservation %s was released", ErrInvalidReservationState, r.ID)
		default:
			return nil, fmt.Errorf("%w: reservation %s is still in flight", ErrInvalidReservationState, r.ID)
		}
	}

	if err := fn(ctx, r); err != nil {
		if _, relErr := e.Release(ctx, r.ID, ReleaseSpendFailed); relErr != nil {
			e.logger.Error("release after failed spend",
				"tenant_id", r.TenantID,
				"reservation_id", r.ID.String(),
				"error", relErr,
			)
			return nil, errors.Join(err, relErr)
		}
		return nil, err
	}

	return e.Commit(ctx, r.ID, "", nil)
}

// Sweep releases active reservations whose owner has finished, or that are
// older than the reservation TTL. It reads the active set in pages of the
// sweep limit, oldest first, until every page has been checked. It returns
// the number released.
func (e *Engine) Sweep(ctx context.Context, opts SweepOptions) (int, error) {
	start := time.Now()

	ttl := e.reservationTTL
	if opts.OlderThan > 0 {
		ttl = opts.OlderThan
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.sweepLimit
	}

	now := e.now()
	list := reservation.ListOpts{Owner: opts.Owner, Limit: limit}
	if e.ownerState == nil {
		if ttl <= 0 {
			return 0, nil
		}
		list.CreatedBefore = now.Add(-ttl)
	}

	finished := make(map[string]bool)
	released := 0
	for {
		page, err := e.store.ListActiveReservations(ctx, list)
		if err != nil {
			return released, err
		}
		for _, r := range page {
			reason := e.sweepReason(ctx, r, now, ttl, finished)
			if reason == "" {
				continue
			}
			if _, err := e.Release(ctx, r.ID, reason); err != nil {
				if errors.Is(err, ErrInvalidReservationState) {
					continue
				}
				return released, err
			}
			released++
		}
		if len(page) < limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return released, err
		}
		list.After = reservation.CursorAfter(page[len(page)-1])
	}

	if released > 0 {
		e.plugins.EmitReservationsSwept(ctx, released, time.Since(start))
		e.logger.Warn("released stranded reservations",
			"count", released,
			"owner", opts.Owner,
		)
	}
	return released, nil
}

// sweepReason returns why r should be released, or "" to keep it. Owner
// lookups are cached in finished for the duration of one pass.
func (e *Engine) sweepReason(ctx context.Context, r *reservation.Reservation, now time.Time, ttl time.Duration, finished map[string]bool) string {
	if ttl > 0 && r.CreatedAt.Before(now.Add(-ttl)) {
		return ReleaseExpired
	}
	if r.Owner == "" || e.ownerState == nil {
		return ""
	}

	done, seen := finished[r.Owner]
	if !seen {
		var err error
		done, err = e.ownerState(ctx, r.Owner)
		if err != nil {
			e.logger.Warn("owner state lookup failed",
				"owner", r.Owner,
				"error", err,
			)
			return ""
		}
		finished[r.Owner] = done
	}
	if done {
		return ReleaseOwnerFinished
	}
	return ""
}
