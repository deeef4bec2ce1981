package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shipflow/internal/api"
	"shipflow/internal/config"
	"shipflow/internal/integrations"
	"shipflow/internal/ledger"
	"shipflow/internal/logger"
	"shipflow/internal/metrics"
	"shipflow/internal/notify"
	"shipflow/internal/realtime"
	"shipflow/internal/shipping"
	"shipflow/internal/store"
	"shipflow/internal/webhooks"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Environment, cfg.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()
	metrics.RegisterDefault()

	st, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var broker realtime.Broker = realtime.NewMemory()
	var cache integrations.Cache = integrations.NewMemoryCache()
	if cfg.Database.RedisURL != "" {
		rb, err := realtime.NewRedis(cfg.Database.RedisURL)
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		defer rb.Close()
		broker = rb
		rc, err := integrations.NewRedisCache(cfg.Database.RedisURL)
		if err != nil {
			return fmt.Errorf("redis token cache: %w", err)
		}
		cache = rc
		log.Info("using redis broker and token cache")
	}

	var tokens integrations.TokenProvider = integrations.StaticToken("")
	if cfg.Services.AuthTokenURL != "" {
		tokens = integrations.NewClientCredentials(cfg.Services.AuthTokenURL, cfg.Services.AuthClientID, cfg.Services.AuthClientSecret, cache)
	}
	var led shipping.Ledger = ledger.Noop{Log: logger.Named("ledger")}
	if cfg.Services.LedgerURL != "" {
		led = ledger.NewHTTP(cfg.Services.LedgerURL, tokens)
	}
	var mailer shipping.Mailer = notify.LogMailer{Log: logger.Named("mail")}
	if cfg.Services.NotifyURL != "" {
		mailer = notify.NewHTTPMailer(cfg.Services.NotifyURL, tokens)
	}

	svc := shipping.NewService(st, logger.Named("shipping"),
		shipping.WithLedger(led),
		shipping.WithMailer(mailer),
		shipping.WithBroker(broker),
		shipping.WithEmitter(webhooks.NewPublisher(st, logger.Named("publisher"))),
		shipping.WithTrackingBaseURL(cfg.Shipping.TrackingBaseURL),
		shipping.WithOpsEmail(cfg.Shipping.OpsEmail),
		shipping.WithSideEffectTimeout(cfg.Shipping.SideEffectTimeout),
	)
	if cfg.Webhooks.TerminalSecret == "" {
		log.Warn("TERMINAL_AFRICA_SECRET is empty; Terminal Africa webhooks will be rejected")
	}
	gw := webhooks.NewGateway(st, svc, webhooks.NewCarrierRegistry(cfg.Webhooks.Secret, cfg.Webhooks.TerminalSecret), logger.Named("gateway"))

	worker := webhooks.NewWorker(st, cfg.Webhooks.MaxAttempts, logger.Named("webhook-worker"))
	worker.Start()

	server := api.NewServer(st, svc, gw, broker, logger.Named("api")).WithRateLimit(cfg.Webhooks.RateRPS, cfg.Webhooks.RateBurst)
	server.Production = cfg.Production()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           logMiddleware(log, server.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		log.Info("API listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	close(worker.Stop)
	svc.Wait()
	return nil
}

func openStore(cfg *config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn("DATABASE_URL is empty; using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.Database.Migrate {
		if err := pg.MigrateDir(cfg.Database.MigrationsDir); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pg, func() { _ = pg.Close() }, nil
}
