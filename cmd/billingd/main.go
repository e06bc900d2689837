// Command billingd runs the billing engine as an HTTP service: provider
// webhooks in, ledger and subscription API out, Prometheus metrics on
// /metrics and the reservation sweeper in the background.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/billing"
	audithook "github.com/xraph/billing/audit_hook"
	"github.com/xraph/billing/config"
	"github.com/xraph/billing/httpapi"
	"github.com/xraph/billing/observability"
	"github.com/xraph/billing/provider/stripe"
	"github.com/xraph/billing/store"
	"github.com/xraph/billing/store/memory"
	"github.com/xraph/billing/store/mongo"
	"github.com/xraph/billing/store/postgres"
	"github.com/xraph/billing/store/sqlite"
	"github.com/xraph/billing/webhook/redisindex"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("billingd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cat, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []billing.Option{
		billing.WithLogger(logger),
		billing.WithReservationTTL(cfg.ReservationTTL),
		billing.WithSweepInterval(cfg.SweepInterval),
		billing.WithDedupeWindow(cfg.WebhookDedupeWindow),
		billing.WithPluginTimeout(cfg.PluginTimeout),
		billing.WithPlugin(observability.NewMetricsExtension(reg)),
		billing.WithPlugin(audithook.New(audithook.SlogRecorder(logger.With("component", "audit")), audithook.WithLogger(logger))),
	}

	if cfg.RedisURL != "" {
		rdbOpts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb := goredis.NewClient(rdbOpts)
		defer rdb.Close()
		opts = append(opts, billing.WithHashIndex(redisindex.New(rdb)))
	}

	client := stripe.New(stripe.Config{SecretKey: cfg.StripeSecretKey, Logger: logger})
	engine := billing.New(st, client, cat, opts...)
	if err := engine.Start(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Error("stop engine", "error", err)
		}
	}()

	api := httpapi.New(engine,
		httpapi.WithLogger(logger),
		httpapi.WithWebhookParser(stripe.Name, stripe.NewParser(cfg.StripeWebhookSecret), stripe.SignatureHeader),
		httpapi.WithCheckoutURLs(cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL),
	)

	root := chi.NewRouter()
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	root.Mount("/", api.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billingd listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("billingd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, hopts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, hopts)), nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return postgres.Connect(ctx, cfg.PGConnURL)
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverMongo:
		return mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
