// Package billing provides a tenant billing engine: a prepaid credit ledger
// with reservations, idempotent payment-provider webhook processing, and a
// local subscription mirror kept in line with the provider.
//
// Billing is designed as a library first. Import it into your Go service,
// or run cmd/billingd for a standalone HTTP daemon. It provides:
//
//   - An append-only credit ledger whose balance can never go negative
//   - Reservations that hold credits while a side effect runs, committed to
//     exactly one debit or released
//   - Exactly-once webhook effects, including redeliveries with regenerated
//     event ids
//   - A subscription mirror written only from provider truth, repaired on
//     every status read
//   - Plan changes routed to in-place updates, period-end schedules or a new
//     checkout, decided by a pure policy function
//   - Idempotent billing transaction records with included-credit grants
//   - Pluggable stores (memory, PostgreSQL, SQLite, MongoDB) and providers
//     (Stripe built in)
//
// # Quick Start
//
//	cat, err := catalog.New([]catalog.Price{
//	    {Key: catalog.NewKey("pro", catalog.Month, "usd"), PriceID: "price_pro_m", IncludedCredits: 500},
//	    {Key: catalog.NewKey("pro", catalog.Year, "usd"), PriceID: "price_pro_y", IncludedCredits: 6000},
//	}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	st, err := postgres.Connect(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := billing.New(st, stripe.New(stripe.Config{SecretKey: key}), cat)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Spending credits
//
// Spend reserves capacity, runs the side effect and then commits or releases:
//
//	_, err := eng.Spend(ctx, billing.ReserveRequest{
//	    TenantID:       tenantID,
//	    Amount:         25,
//	    IdempotencyKey: jobID,
//	}, func(ctx context.Context, r *reservation.Reservation) error {
//	    return runJob(ctx)
//	})
//	if errors.Is(err, billing.ErrInsufficientCredits) {
//	    // ask the tenant to top up
//	}
//
// A failed side effect never debits. Reservations left behind by crashed
// workers are released by the sweeper once their owner is finished or the
// reservation TTL has passed.
//
// # Webhooks
//
// Verified provider events go through ProcessWebhook. A redelivery, or the
// same payload under a new event id within the dedupe window, is reported
// as ProcessDuplicate and has no effect. Events no tenant can be resolved
// for are recorded as unmatched and acknowledged.
//
// # Money
//
// All amounts are integers. Credits are plain counts; Money carries the
// smallest currency unit (cents for USD).
package billing
