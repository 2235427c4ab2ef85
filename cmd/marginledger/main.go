package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"marginledger/internal/config"
	"marginledger/internal/ledger"
	"marginledger/internal/margin"
	"marginledger/internal/observability"
	"marginledger/internal/pricing"
	"marginledger/internal/store/memory"
	"marginledger/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := observability.NewLogger("main")
		l.Fatal().Err(err).Msg("load config")
	}

	logLevel := observability.ParseLevel(cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", logLevel)
	logger.Info().Msg("marginledger starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Stores ---
	var (
		ledgerStore ledger.Store
		marginStore margin.Store
	)
	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer db.Close()
		logger.Info().Msg("postgres connected")

		migrator := postgres.NewMigrator(db, cfg.MigrationsDir, observability.NewLoggerWithLevel("migrator", logLevel))
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
		logger.Info().Msg("migrations applied")

		ledgerStore = postgres.NewLedgerStore(db)
		marginStore = postgres.NewMarginStore(db)
	} else {
		logger.Warn().Msg("no postgres dsn, running on in-memory stores")
		ledgerStore = memory.NewLedgerStore()
		marginStore = memory.NewMarginStore()
	}

	// --- Core services ---
	engine := ledger.NewEngine(
		ledgerStore,
		observability.NewLoggerWithLevel("ledger", logLevel),
		metrics,
		ledger.WithIdempotencyCacheSize(cfg.IdempotencyCacheSize),
	)

	feed := pricing.NewFeed(cfg.PriceMaxAge)
	manager := margin.NewManager(
		marginStore,
		engine,
		feed,
		observability.NewLoggerWithLevel("margin", logLevel),
		metrics,
	)
	monitor := margin.NewMonitor(manager, feed, observability.NewLoggerWithLevel("monitor", logLevel), metrics)

	// --- Scheduled sweeps ---
	scheduler := cron.New(cron.WithSeconds())
	if _, err := scheduler.AddFunc(cfg.LiquidationSweepSpec, func() {
		if _, err := monitor.RunSweep(ctx); err != nil {
			logger.Error().Err(err).Msg("liquidation sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule liquidation sweep")
	}
	if _, err := scheduler.AddFunc(cfg.HoldSweepSpec, func() {
		expired, err := engine.SweepExpiredHolds(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("hold sweep failed")
			return
		}
		if expired > 0 {
			logger.Info().Int("expired", expired).Msg("hold sweep complete")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("schedule hold sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// --- Metrics + health HTTP ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
	mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().Msg("marginledger ready")

	<-sigChan
	logger.Info().Msg("shutdown signal received")
	healthChecker.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	cronCtx := scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("sweep still running at shutdown deadline")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown")
	}
	cancel()
	logger.Info().Msg("marginledger stopped")
}
