// Package httpapi exposes the billing engine over HTTP: provider webhook
// intake plus a small JSON API for balances, reservations, subscriptions
// and checkout.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/billing"
	"github.com/xraph/billing/catalog"
	"github.com/xraph/billing/credit"
	"github.com/xraph/billing/id"
	"github.com/xraph/billing/transaction"
	"github.com/xraph/billing/webhook"
)

// IdempotencyHeader carries the client's idempotency key on mutating calls.
const IdempotencyHeader = "Idempotency-Key"

const (
	maxWebhookBody = 1 << 20
	requestTimeout = 30 * time.Second
)

type verifier struct {
	parser webhook.Parser
	header string
}

// API serves the billing HTTP surface.
type API struct {
	engine    *billing.Engine
	verifiers map[string]verifier
	logger    *slog.Logger

	successURL string
	cancelURL  string
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger for request failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithWebhookParser serves POST /webhooks/{provider} for name, reading the
// signature from header.
func WithWebhookParser(name string, p webhook.Parser, header string) Option {
	return func(a *API) { a.verifiers[name] = verifier{parser: p, header: header} }
}

// WithCheckoutURLs sets the redirect URLs used when a checkout or change
// request does not carry its own.
func WithCheckoutURLs(success, cancel string) Option {
	return func(a *API) {
		a.successURL = success
		a.cancelURL = cancel
	}
}

// New returns an API backed by engine.
func New(engine *billing.Engine, opts ...Option) *API {
	a := &API{
		engine:    engine,
		verifiers: make(map[string]verifier),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", a.health)
	r.Post("/webhooks/{provider}", a.webhook)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/balance", a.balance)
		r.Get("/entries", a.entries)
		r.Get("/transactions", a.transactions)
		r.Post("/reservations", a.reserve)
		r.Get("/subscription", a.subscriptionStatus)
		r.Post("/subscription/change", a.changeSubscription)
		r.Post("/subscription/resync", a.resync)
		r.Post("/checkout", a.checkout)
	})

	r.Post("/reservations/{reservationID}/commit", a.commit)
	r.Post("/reservations/{reservationID}/release", a.release)

	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────────

type webhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// webhook acknowledges everything the provider must not redeliver. Only
// transient failures answer 500 so the provider retries them.
func (a *API) webhook(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	v, ok := a.verifiers[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown provider"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
		return
	}

	env, err := v.parser.Parse(payload, r.Header.Get(v.header))
	switch {
	case errors.Is(err, webhook.ErrUnsupportedEvent):
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
		return
	case err != nil:
		a.logger.Warn("webhook rejected", "provider", name, "error", err)
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid webhook"})
		return
	}

	res, err := a.engine.ProcessWebhook(r.Context(), env)
	if err != nil {
		if billing.IsRetryable(err) {
			a.logger.Error("webhook deferred", "provider", name, "event_id", env.EventID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "temporarily unavailable"})
			return
		}
		a.logger.Error("webhook failed", "provider", name, "event_id", env.EventID, "event_type", env.Type, "error", err)
		writeJSON(w, http.StatusOK, webhookResponse{Status: "failed", EventID: env.EventID})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: string(res.Status), EventID: env.EventID})
}

// ──────────────────────────────────────────────────
// Ledger
// ──────────────────────────────────────────────────

func (a *API) balance(w http.ResponseWriter, r *http.Request) {
	bal, err := a.engine.Balance(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (a *API) entries(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	list, err := a.engine.Entries(r.Context(), chi.URLParam(r, "tenantID"), credit.ListOpts{
		Kind:   credit.Kind(r.URL.Query().Get("kind")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) transactions(w http.ResponseWriter, r *http.Request) {
	limit, offset := page(r)
	list, err := a.engine.Transactions(r.Context(), chi.URLParam(r, "tenantID"), transaction.ListOpts{
		Kind:   transaction.Kind(r.URL.Query().Get("kind")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ──────────────────────────────────────────────────
// Reservations
// ──────────────────────────────────────────────────

type reserveBody struct {
	Amount   int64             `json:"amount"`
	Owner    string            `json:"owner,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *API) reserve(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	var body reserveBody
	if !decode(w, r, &body) {
		return
	}
	res, err := a.engine.Reserve(r.Context(), billing.ReserveRequest{
		TenantID:       chi.URLParam(r, "tenantID"),
		Amount:         body.Amount,
		IdempotencyKey: key,
		Owner:          body.Owner,
		Metadata:       body.Metadata,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type resolveBody struct {
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (a *API) commit(w http.ResponseWriter, r *http.Request) {
	resID, ok := reservationID(w, r)
	if !ok {
		return
	}
	var body resolveBody
	if !decode(w, r, &body) {
		return
	}
	res, err := a.engine.Commit(r.Context(), resID, body.Reason, body.Metadata)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) release(w http.ResponseWriter, r *http.Request) {
	resID, ok := reservationID(w, r)
	if !ok {
		return
	}
	var body resolveBody
	if !decode(w, r, &body) {
		return
	}
	res, err := a.engine.Release(r.Context(), resID, body.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ──────────────────────────────────────────────────
// Subscriptions and checkout
// ──────────────────────────────────────────────────

func (a *API) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.engine.SubscriptionStatus(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) resync(w http.ResponseWriter, r *http.Request) {
	m, err := a.engine.Resync(r.Context(), chi.URLParam(r, "tenantID"), "")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type changeBody struct {
	PlanCode   string           `json:"plan_code"`
	Interval   catalog.Interval `json:"interval"`
	Currency   string           `json:"currency,omitempty"`
	SuccessURL string           `json:"success_url,omitempty"`
	CancelURL  string           `json:"cancel_url,omitempty"`
}

func (a *API) changeSubscription(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	var body changeBody
	if !decode(w, r, &body) {
		return
	}
	success, cancel := a.urls(body.SuccessURL, body.CancelURL)
	res, err := a.engine.ChangeSubscription(r.Context(), billing.ChangeRequest{
		TenantID:       chi.URLParam(r, "tenantID"),
		PlanCode:       body.PlanCode,
		Interval:       body.Interval,
		Currency:       body.Currency,
		IdempotencyKey: key,
		SuccessURL:     success,
		CancelURL:      cancel,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type checkoutBody struct {
	Purpose    billing.CheckoutPurpose `json:"purpose"`
	PlanCode   string                  `json:"plan_code,omitempty"`
	Interval   catalog.Interval        `json:"interval,omitempty"`
	Currency   string                  `json:"currency"`
	PackCode   string                  `json:"pack_code,omitempty"`
	SuccessURL string                  `json:"success_url,omitempty"`
	CancelURL  string                  `json:"cancel_url,omitempty"`
}

func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	key, ok := requireKey(w, r)
	if !ok {
		return
	}
	var body checkoutBody
	if !decode(w, r, &body) {
		return
	}
	success, cancel := a.urls(body.SuccessURL, body.CancelURL)
	sess, err := a.engine.StartCheckout(r.Context(), billing.CheckoutRequest{
		TenantID:       chi.URLParam(r, "tenantID"),
		Purpose:        body.Purpose,
		PlanCode:       body.PlanCode,
		Interval:       body.Interval,
		Currency:       body.Currency,
		PackCode:       body.PackCode,
		IdempotencyKey: key,
		SuccessURL:     success,
		CancelURL:      cancel,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) urls(success, cancel string) (string, string) {
	if success == "" {
		success = a.successURL
	}
	if cancel == "" {
		cancel = a.cancelURL
	}
	return success, cancel
}

// ──────────────────────────────────────────────────
// Request helpers
// ──────────────────────────────────────────────────

func requireKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: IdempotencyHeader + " header is required"})
		return "", false
	}
	if len(key) > billing.MaxIdempotencyKeyLen {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: IdempotencyHeader + " header is too long"})
		return "", false
	}
	return key, true
}

func reservationID(w http.ResponseWriter, r *http.Request) (id.ReservationID, bool) {
	resID, err := id.ParseReservationID(chi.URLParam(r, "reservationID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid reservation id"})
		return id.ReservationID{}, false
	}
	return resID, true
}

func page(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return max(limit, 0), max(offset, 0)
}
