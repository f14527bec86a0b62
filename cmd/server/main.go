package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/adselection/internal/analytics"
	"github.com/patrickwarner/adselection/internal/api"
	"github.com/patrickwarner/adselection/internal/config"
	"github.com/patrickwarner/adselection/internal/db"
	"github.com/patrickwarner/adselection/internal/fetch"
	"github.com/patrickwarner/adselection/internal/logic/auction"
	"github.com/patrickwarner/adselection/internal/logic/bidding"
	"github.com/patrickwarner/adselection/internal/logic/counterkeys"
	"github.com/patrickwarner/adselection/internal/logic/filters"
	"github.com/patrickwarner/adselection/internal/logic/histogram"
	"github.com/patrickwarner/adselection/internal/logic/outcomes"
	"github.com/patrickwarner/adselection/internal/logic/ratelimit"
	"github.com/patrickwarner/adselection/internal/logic/scoring"
	"github.com/patrickwarner/adselection/internal/models"
	"github.com/patrickwarner/adselection/internal/observability"
	"github.com/patrickwarner/adselection/internal/sandbox"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.Environment, cfg.TempoEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	audiences := models.NewInMemoryCustomAudienceStore()

	store, err := db.InitRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer store.Close()
	store.MaxLookback = cfg.HistogramMaxLookback
	store.MaxEventsPerKey = int64(cfg.HistogramMaxEventsPerKey)

	// Initialize metrics registry
	metricsRegistry := observability.NewPrometheusRegistry()

	analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, metricsRegistry)
	if err != nil {
		return fmt.Errorf("failed to connect clickhouse: %w", err)
	}
	defer analyticsSvc.Close()

	logicFetcher := fetch.NewLogicFetcher(cfg.LogicFetchTimeout, cfg.LogicCacheTTL, logger, metricsRegistry)
	logicFetcher.StartCacheCleanup(ctx, cfg.LogicCacheCleanup)
	signalsFetcher := fetch.NewSignalsFetcher(cfg.SignalsFetchTimeout, logger, metricsRegistry)
	engine := sandbox.NewLuaEngine(logger)
	copier := counterkeys.New(cfg.FrequencyCapEnabled)

	filter := filters.New(filters.Options{
		FrequencyCapEnabled: cfg.FrequencyCapEnabled,
		AppInstallEnabled:   cfg.AppInstallFilterEnabled,
		Histograms:          store,
		AppInstalls:         store,
		Metrics:             metricsRegistry,
		Logger:              logger,
	})
	histograms := histogram.NewUpdater(store, pg, metricsRegistry, logger)

	runner := auction.NewRunner(auction.Deps{
		Audiences:  audiences,
		Filter:     filter,
		Signals:    signalsFetcher,
		Bidder:     bidding.NewGenerator(logicFetcher, engine, copier, metricsRegistry, logger),
		Scorer:     scoring.NewGenerator(logicFetcher, signalsFetcher, engine, metricsRegistry, logger),
		Copier:     copier,
		Winners:    pg,
		Histograms: histograms,
		Analytics:  analyticsSvc,
		Metrics:    metricsRegistry,
		Logger:     logger,
	}, auction.Options{
		OverallTimeout: cfg.OverallTimeout,
		BiddingTimeout: cfg.BiddingTimeout,
		BiddingWorkers: cfg.BiddingWorkers,
	})

	// Initialize rate limiter
	rateLimiter := ratelimit.NewCallerLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, metricsRegistry)

	sampler := observability.NewAuctionLogSampler(cfg.Environment)

	srvDeps := &api.Server{
		Logger:       logger,
		Runner:       runner,
		Selector:     outcomes.NewSelector(logicFetcher, engine, pg, metricsRegistry, logger),
		Interactions: histograms,
		AppInstalls:  store,
		PG:           pg,
		Audiences:    audiences,
		Analytics:    analyticsSvc,
		Limiter:      rateLimiter,
		Redis:        store.Client,
		DebugTrace:   cfg.DebugTrace,
		Sampler:      sampler,
		Metrics:      metricsRegistry,
		Config:       cfg,
	}
	if err := srvDeps.Reload(ctx); err != nil {
		return fmt.Errorf("load custom audiences: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(srvDeps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Ad selection server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		go every(ctx, cfg.ReloadInterval, func() {
			if err := srvDeps.Reload(ctx); err != nil {
				logger.Error("auto reload", zap.Error(err))
			}
		})
	}
	go reloadOnUpdate(ctx, srvDeps, logger)

	if cfg.WinnerRetention > 0 && cfg.WinnerCleanupInterval > 0 {
		go every(ctx, cfg.WinnerCleanupInterval, func() {
			cutoff := time.Now().Add(-cfg.WinnerRetention)
			n, err := pg.DeleteWinnerRecordsBefore(ctx, cutoff)
			if err != nil {
				logger.Error("winner cleanup", zap.Error(err))
				return
			}
			if n > 0 {
				logger.Info("expired winner records removed", zap.Int64("count", n))
			}
		})
	}

	go every(ctx, 5*time.Minute, func() {
		sampler.Flush(logger)
	})

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// reloadOnUpdate reloads custom audiences whenever another instance announces
// a change.
func reloadOnUpdate(ctx context.Context, srv *api.Server, logger *zap.Logger) {
	sub := srv.Redis.Subscribe(ctx, api.CustomAudienceUpdateChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("custom audience update", zap.String("payload", msg.Payload))
			if err := srv.Reload(ctx); err != nil {
				logger.Error("reload after update", zap.Error(err))
			}
		}
	}
}
