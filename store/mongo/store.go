// Package mongo implements store.Store on MongoDB.
//
// Each tenant has a wallet document carrying running credited, debited,
// refunded and reserved totals. Spends are a conditional $inc on that
// document inside a multi-document transaction with the ledger write, so the
// deployment must be a replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/billing"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/reservation"
	billingstore "github.com/xraph/billing/store"
	"github.com/xraph/billing/subscription"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// Collection name constants.
const (
	colWallets       = "billing_wallets"
	colEntries       = "billing_ledger_entries"
	colReservations  = "billing_reservations"
	colWebhooks      = "billing_webhook_events"
	colWebhookLocks  = "billing_webhook_hash_locks"
	colSubscriptions = "billing_subscriptions"
	colTransactions  = "billing_transactions"
)

// duplicate-key races are retried this many times before giving up.
const maxDuplicateRetries = 3

// compile-time interface check
var _ billingstore.Store = (*Store)(nil)

// Store implements store.Store using the official MongoDB driver.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New wraps an existing database handle. The caller keeps ownership of the
// client until Close.
func New(db *mongo.Database) *Store {
	return &Store{client: db.Client(), db: db}
}

// Connect dials uri, verifies the connection and returns a store on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("billing/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%w: billing/mongo: %w", billing.ErrStoreNotReady, err)
	}
	return New(client.Database(database)), nil
}

// DB returns the underlying database for direct access.
func (s *Store) DB() *mongo.Database { return s.db }

// Migrate creates indexes for all billing collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%w: billing/mongo: migrate %s indexes: %w", billing.ErrMigrationFailed, col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.client.Ping(ctx, nil))
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

// tx runs fn inside a transaction. The driver retries fn on transient
// errors, so fn must reset anything it captures before writing to it.
func (s *Store) tx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return classify(err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return classify(err)
}

// retryDuplicate reruns fn when a concurrent writer won a unique index race;
// the next attempt observes the committed winner.
func retryDuplicate(fn func() error) error {
	var err error
	for range maxDuplicateRetries {
		if err = fn(); !mongo.IsDuplicateKeyError(err) {
			return err
		}
	}
	return err
}

// ==================== Wallet ====================

type delta struct {
	credited, debited, refunded, reserved int64
}

func entryDelta(e *credit.Entry) delta {
	switch e.Kind {
	case credit.KindCredit:
		return delta{credited: e.Amount}
	case credit.KindDebit:
		return delta{debited: e.Amount}
	case credit.KindRefund:
		return delta{refunded: e.Amount}
	}
	return delta{}
}

func (d delta) plus(o delta) delta {
	return delta{
		credited: d.credited + o.credited,
		debited:  d.debited + o.debited,
		refunded: d.refunded + o.refunded,
		reserved: d.reserved + o.reserved,
	}
}

// applyDelta increments the tenant's wallet counters. A positive require makes
// the update conditional on that much being available; no match means the
// tenant cannot cover it. Every counter is named so an upsert starts at zero.
func (s *Store) applyDelta(ctx context.Context, tenantID string, d delta, require int64) error {
	filter := bson.D{{Key: "_id", Value: tenantID}}
	if require > 0 {
		filter = append(filter, bson.E{Key: "$expr", Value: bson.M{"$gte": bson.A{
			bson.M{"$subtract": bson.A{"$credited", bson.M{"$add": bson.A{"$debited", "$refunded", "$reserved"}}}},
			require,
		}}})
	}
	update := bson.M{"$inc": bson.D{
		{Key: "credited", Value: d.credited},
		{Key: "debited", Value: d.debited},
		{Key: "refunded", Value: d.refunded},
		{Key: "reserved", Value: d.reserved},
	}}

	res, err := s.col(colWallets).UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(require <= 0))
	if err != nil {
		return err
	}
	if require > 0 && res.MatchedCount == 0 {
		return billing.ErrInsufficientCredits
	}
	return nil
}

// appendEntry writes e and moves the wallet by its kind, checking
// availability for kinds that consume balance.
func (s *Store) appendEntry(ctx context.Context, e *credit.Entry, extra delta) error {
	var require int64
	if e.Kind.Reduces() {
		require = e.Amount
	}
	if err := s.applyDelta(ctx, e.TenantID, entryDelta(e).plus(extra), require); err != nil {
		return err
	}
	_, err := s.col(colEntries).InsertOne(ctx, toEntryDoc(e))
	return err
}

// ==================== Credit Ledger Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *credit.Entry) error {
	return s.tx(ctx, func(ctx context.Context) error {
		return s.appendEntry(ctx, e, delta{})
	})
}

func (s *Store) Balance(ctx context.Context, tenantID string) (credit.Balance, error) {
	var w walletDoc
	err := s.col(colWallets).FindOne(ctx, bson.M{"_id": tenantID}).Decode(&w)
	if isNoDocuments(err) {
		return credit.NewBalance(tenantID, 0, 0, 0, 0), nil
	}
	if err != nil {
		return credit.Balance{}, classify(err)
	}
	return credit.NewBalance(tenantID, w.Credited, w.Debited, w.Refunded, w.Reserved), nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Entry, error) {
	filter := bson.M{"tenant_id": tenantID}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	return findAll(ctx, s.col(colEntries), filter, newestFirst("created_at", opts.Limit, opts.Offset), fromEntryDoc)
}

// ==================== Reservation Store ====================

func (s *Store) CreateReservation(ctx context.Context, r *reservation.Reservation) (*reservation.Reservation, bool, error) {
	var (
		out     *reservation.Reservation
		created bool
	)
	err := retryDuplicate(func() error {
		return s.tx(ctx, func(ctx context.Context) error {
			out, created = nil, false
			if r.IdempotencyKey != "" {
				existing, err := s.findReservation(ctx, bson.M{"tenant_id": r.TenantID, "idempotency_key": r.IdempotencyKey})
				if err == nil {
					out = existing
					return nil
				}
				if !errors.Is(err, billing.ErrReservationNotFound) {
					return err
				}
			}

			if err := s.applyDelta(ctx, r.TenantID, delta{reserved: r.Amount}, r.Amount); err != nil {
				return err
			}
			if _, err := s.col(colReservations).InsertOne(ctx, toReservationDoc(r)); err != nil {
				return err
			}
			cp := *r
			out, created = &cp, true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) GetReservation(ctx context.Context, resID id.ReservationID) (*reservation.Reservation, error) {
	r, err := s.findReservation(ctx, bson.M{"_id": resID.String()})
	return r, classify(err)
}

func (s *Store) findReservation(ctx context.Context, filter bson.M) (*reservation.Reservation, error) {
	var d reservationDoc
	if err := s.col(colReservations).FindOne(ctx, filter).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrReservationNotFound
		}
		return nil, err
	}
	return fromReservationDoc(&d)
}

func (s *Store) CommitReservation(ctx context.Context, resID id.ReservationID, entry *credit.Entry, at time.Time) (*reservation.Reservation, *credit.Entry, error) {
	var (
		outRes   *reservation.Reservation
		outEntry *credit.Entry
	)
	err := s.tx(ctx, func(ctx context.Context) error {
		outRes, outEntry = nil, nil
		r, err := s.findReservation(ctx, bson.M{"_id": resID.String()})
		if err != nil {
			return err
		}
		switch r.Status {
		case reservation.StatusCommitted:
			var d entryDoc
			if err := s.col(colEntries).FindOne(ctx, bson.M{"reservation_id": resID.String()}).Decode(&d); err != nil {
				if isNoDocuments(err) {
					return fmt.Errorf("billing/mongo: committed reservation %s has no entry", resID)
				}
				return err
			}
			outRes = r
			outEntry, err = fromEntryDoc(&d)
			return err
		case reservation.StatusReleased:
			return billing.ErrInvalidReservationState
		}

		// Guarding on status turns a concurrent resolution into a write
		// conflict instead of a second commit.
		res, err := s.col(colReservations).UpdateOne(ctx,
			bson.M{"_id": resID.String(), "status": string(reservation.StatusActive)},
			bson.M{"$set": bson.M{
				"status":         string(reservation.StatusCommitted),
				"entry_id":       entry.ID.String(),
				"resolved_at":    at,
				"resolve_reason": entry.Reason,
				"updated_at":     at,
			}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return billing.ErrInvalidReservationState
		}

		entry.ReservationID = r.ID
		if err := s.applyDelta(ctx, r.TenantID, entryDelta(entry).plus(delta{reserved: -r.Amount}), 0); err != nil {
			return err
		}
		if _, err := s.col(colEntries).InsertOne(ctx, toEntryDoc(entry)); err != nil {
			return err
		}

		r.Status = reservation.StatusCommitted
		r.EntryID = entry.ID
		r.ResolvedAt = &at
		r.ResolveReason = entry.Reason
		r.UpdatedAt = at
		cp := *entry
		outRes, outEntry = r, &cp
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outRes, outEntry, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, resID id.ReservationID, reason string, at time.Time) (*reservation.Reservation, error) {
	var out *reservation.Reservation
	err := s.tx(ctx, func(ctx context.Context) error {
		out = nil
		r, err := s.findReservation(ctx, bson.M{"_id": resID.String()})
		if err != nil {
			return err
		}
		switch r.Status {
		case reservation.StatusReleased:
			out = r
			return nil
		case reservation.StatusCommitted:
			return billing.ErrInvalidReservationState
		}

		res, err := s.col(colReservations).UpdateOne(ctx,
			bson.M{"_id": resID.String(), "status": string(reservation.StatusActive)},
			bson.M{"$set": bson.M{
				"status":         string(reservation.StatusReleased),
				"resolved_at":    at,
				"resolve_reason": reason,
				"updated_at":     at,
			}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return billing.ErrInvalidReservationState
		}
		if err := s.applyDelta(ctx, r.TenantID, delta{reserved: -r.Amount}, 0); err != nil {
			return err
		}

		r.Status = reservation.StatusReleased
		r.ResolvedAt = &at
		r.ResolveReason = reason
		r.UpdatedAt = at
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListActiveReservations(ctx context.Context, opts reservation.ListOpts) ([]*reservation.Reservation, error) {
	filter := bson.M{"status": string(reservation.StatusActive)}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}
	if opts.Owner != "" {
		filter["owner"] = opts.Owner
	}
	if !opts.CreatedBefore.IsZero() {
		filter["created_at"] = bson.M{"$lt": opts.CreatedBefore}
	}
	if opts.After != nil {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": opts.After.CreatedAt}},
			bson.M{"created_at": opts.After.CreatedAt, "_id": bson.M{"$gt": opts.After.ID.String()}},
		}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	return findAll(ctx, s.col(colReservations), filter, findOpts, fromReservationDoc)
}

// ==================== Webhook Event Store ====================

func (s *Store) ClaimWebhookEvent(ctx context.Context, rec *webhook.Record, opts webhook.ClaimOpts) (*webhook.Record, bool, error) {
	var (
		out     *webhook.Record
		claimed bool
	)
	err := retryDuplicate(func() error {
		return s.tx(ctx, func(ctx context.Context) error {
			out, claimed = nil, false

			// Claims sharing a payload hash all write this document, so
			// concurrent ones conflict and the driver replays the loser.
			if _, err := s.col(colWebhookLocks).UpdateOne(ctx,
				bson.M{"_id": rec.Provider + ":" + rec.PayloadHash},
				bson.M{"$set": bson.M{"locked_at": rec.ReceivedAt}},
				options.UpdateOne().SetUpsert(true)); err != nil {
				return err
			}

			existing, err := s.findWebhook(ctx, bson.M{"provider": rec.Provider, "event_id": rec.EventID}, nil)
			switch {
			case err == nil && !existing.Reclaimable(opts.StaleBefore):
				out = existing
				return nil
			case err == nil:
				set := bson.M{
					"status":       string(webhook.StatusPending),
					"error":        "",
					"payload_hash": rec.PayloadHash,
					"claimed_at":   rec.ClaimTime(),
				}
				if rec.TenantID != "" {
					set["tenant_id"] = rec.TenantID
				}
				var d webhookDoc
				if err := s.col(colWebhooks).FindOneAndUpdate(ctx,
					bson.M{"_id": existing.ID.String()},
					bson.M{"$set": set, "$inc": bson.M{"attempts": 1}, "$unset": bson.M{"processed_at": ""}},
					options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d); err != nil {
					return err
				}
				out, err = fromWebhookDoc(&d)
				claimed = err == nil
				return err
			case !errors.Is(err, billing.ErrWebhookEventNotFound):
				return err
			}

			dup, err := s.findWebhook(ctx, hashFilter(rec.Provider, rec.PayloadHash, opts), bson.D{{Key: "received_at", Value: -1}})
			if err == nil {
				out = dup
				return nil
			}
			if !errors.Is(err, billing.ErrWebhookEventNotFound) {
				return err
			}

			cp := *rec
			cp.Attempts = 1
			cp.Error = ""
			cp.ProcessedAt = nil
			cp.ClaimedAt = rec.ClaimTime()
			if _, err := s.col(colWebhooks).InsertOne(ctx, toWebhookDoc(&cp)); err != nil {
				return err
			}
			out, claimed = &cp, true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, claimed, nil
}

// hashFilter matches records that still block a payload: neither failed
// nor pending from an expired claim.
func hashFilter(provider, hash string, opts webhook.ClaimOpts) bson.M {
	return bson.M{
		"provider":     provider,
		"payload_hash": hash,
		"received_at":  bson.M{"$gte": opts.HashSince},
		"$nor": bson.A{
			bson.M{"status": string(webhook.StatusFailed)},
			bson.M{"status": string(webhook.StatusPending), "claimed_at": bson.M{"$lt": opts.StaleBefore}},
		},
	}
}

func (s *Store) GetWebhookEvent(ctx context.Context, provider, eventID string) (*webhook.Record, error) {
	r, err := s.findWebhook(ctx, bson.M{"provider": provider, "event_id": eventID}, nil)
	return r, classify(err)
}

func (s *Store) FindWebhookEventByHash(ctx context.Context, provider, hash string, opts webhook.ClaimOpts) (*webhook.Record, error) {
	r, err := s.findWebhook(ctx, hashFilter(provider, hash, opts), bson.D{{Key: "received_at", Value: -1}})
	return r, classify(err)
}

func (s *Store) findWebhook(ctx context.Context, filter bson.M, sort bson.D) (*webhook.Record, error) {
	opts := options.FindOne()
	if sort != nil {
		opts.SetSort(sort)
	}
	var d webhookDoc
	if err := s.col(colWebhooks).FindOne(ctx, filter, opts).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrWebhookEventNotFound
		}
		return nil, err
	}
	return fromWebhookDoc(&d)
}

func (s *Store) FinishWebhookEvent(ctx context.Context, recID id.WebhookEventID, status webhook.Status, errMsg string, at time.Time) error {
	res, err := s.col(colWebhooks).UpdateOne(ctx,
		bson.M{"_id": recID.String()},
		bson.M{"$set": bson.M{"status": string(status), "error": errMsg, "processed_at": at}})
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return billing.ErrWebhookEventNotFound
	}
	return nil
}

func (s *Store) ListWebhookEvents(ctx context.Context, opts webhook.ListOpts) ([]*webhook.Record, error) {
	filter := bson.M{}
	if opts.Provider != "" {
		filter["provider"] = opts.Provider
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	return findAll(ctx, s.col(colWebhooks), filter, newestFirst("received_at", opts.Limit, opts.Offset), fromWebhookDoc)
}

// ==================== Subscription Mirror Store ====================

func (s *Store) GetMirror(ctx context.Context, tenantID string) (*subscription.Mirror, error) {
	return s.findMirror(ctx, bson.M{"tenant_id": tenantID}, nil)
}

func (s *Store) findMirror(ctx context.Context, filter bson.M, sort bson.D) (*subscription.Mirror, error) {
	opts := options.FindOne()
	if sort != nil {
		opts.SetSort(sort)
	}
	var d mirrorDoc
	if err := s.col(colSubscriptions).FindOne(ctx, filter, opts).Decode(&d); err != nil {
		if isNoDocuments(err) {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, classify(err)
	}
	return fromMirrorDoc(&d)
}

func (s *Store) UpsertMirror(ctx context.Context, m *subscription.Mirror) (*subscription.Mirror, error) {
	update := bson.M{
		"$set": bson.M{
			"provider_subscription_id": m.ProviderSubscriptionID,
			"provider_customer_id":     m.ProviderCustomerID,
			"price_id":                 m.PriceID,
			"plan_code":                m.PlanCode,
			"interval":                 string(m.Interval),
			"currency":                 m.Currency,
			"status":                   string(m.Status),
			"current_period_start":     m.CurrentPeriodStart,
			"current_period_end":       m.CurrentPeriodEnd,
			"cancel_at_period_end":     m.CancelAtPeriodEnd,
			"pending_change":           m.PendingChange,
			"last_synced_at":           m.LastSyncedAt,
			"source_of_truth":          m.SourceOfTruth,
			"updated_at":               m.UpdatedAt,
		},
		"$setOnInsert": bson.M{
			"_id":        m.ID.String(),
			"created_at": m.CreatedAt,
		},
	}

	var d mirrorDoc
	err := retryDuplicate(func() error {
		return s.col(colSubscriptions).FindOneAndUpdate(ctx,
			bson.M{"tenant_id": m.TenantID},
			update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).Decode(&d)
	})
	if err != nil {
		return nil, classify(err)
	}
	return fromMirrorDoc(&d)
}

func (s *Store) TenantByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.tenantBy(ctx, "provider_customer_id", customerID)
}

func (s *Store) TenantBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.tenantBy(ctx, "provider_subscription_id", subscriptionID)
}

func (s *Store) tenantBy(ctx context.Context, field, value string) (string, error) {
	if value == "" {
		return "", billing.ErrSubscriptionNotFound
	}
	m, err := s.findMirror(ctx, bson.M{field: value}, bson.D{{Key: "updated_at", Value: -1}})
	if err != nil {
		return "", err
	}
	return m.TenantID, nil
}

// ==================== Transaction Store ====================

func (s *Store) RecordTransaction(ctx context.Context, t *transaction.Transaction, entry *credit.Entry) (*transaction.Transaction, bool, error) {
	err := s.tx(ctx, func(ctx context.Context) error {
		if _, err := s.col(colTransactions).InsertOne(ctx, toTransactionDoc(t)); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		return s.appendEntry(ctx, entry, delta{})
	})
	if mongo.IsDuplicateKeyError(err) {
		existing, getErr := s.GetTransaction(ctx, t.TenantID, t.IdempotencyKey)
		if getErr != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cp := *t
	return &cp, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, tenantID, idempotencyKey string) (*transaction.Transaction, error) {
	var d transactionDoc
	err := s.col(colTransactions).FindOne(ctx, bson.M{"tenant_id": tenantID, "idempotency_key": idempotencyKey}).Decode(&d)
	if isNoDocuments(err) {
		return nil, billing.ErrTransactionNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return fromTransactionDoc(&d)
}

func (s *Store) ListTransactions(ctx context.Context, tenantID string, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	filter := bson.M{"tenant_id": tenantID}
	if opts.Kind != "" {
		filter["kind"] = string(opts.Kind)
	}
	if opts.ProviderPaymentID != "" {
		filter["provider_payment_id"] = opts.ProviderPaymentID
	}
	return findAll(ctx, s.col(colTransactions), filter, newestFirst("created_at", opts.Limit, opts.Offset), fromTransactionDoc)
}

// ==================== helpers ====================

func newestFirst(field string, limit, offset int) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(bson.D{{Key: field, Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	return opts
}

func findAll[D, T any](ctx context.Context, col *mongo.Collection, filter any, opts *options.FindOptionsBuilder, conv func(*D) (*T, error)) ([]*T, error) {
	cur, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(err)
	}
	var docs []D
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classify(err)
	}
	out := make([]*T, 0, len(docs))
	for i := range docs {
		v, err := conv(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// classify tags transient server and network failures so callers can retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && (labeled.HasErrorLabel("TransientTransactionError") ||
		labeled.HasErrorLabel("UnknownTransactionCommitResult") ||
		labeled.HasErrorLabel("RetryableWriteError")) {
		return errors.Join(billing.ErrTransactionFailed, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return errors.Join(billing.ErrTransactionFailed, err)
	}
	return err
}

// migrationIndexes returns the index definitions for all billing collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colEntries: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{
				Keys:    bson.D{{Key: "reservation_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
		colReservations: {
			{
				Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"idempotency_key": bson.M{"$type": "string"}}),
			},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		colWebhooks: {
			{
				Keys:    bson.D{{Key: "provider", Value: 1}, {Key: "event_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "payload_hash", Value: 1}, {Key: "received_at", Value: -1}}},
		},
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "provider_customer_id", Value: 1}}},
			{Keys: bson.D{{Key: "provider_subscription_id", Value: 1}}},
		},
		colTransactions: {
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "provider_payment_id", Value: 1}}},
		},
	}
}
