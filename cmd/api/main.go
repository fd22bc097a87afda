package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/agentwatch/internal/app/migrate"
	httpx "github.com/splax/agentwatch/internal/http"
	"github.com/splax/agentwatch/internal/repository"
	"github.com/splax/agentwatch/internal/repository/memory"
	"github.com/splax/agentwatch/internal/repository/postgres"
	"github.com/splax/agentwatch/internal/service/correlate"
	"github.com/splax/agentwatch/internal/service/ingest"
	"github.com/splax/agentwatch/internal/ws"
	"github.com/splax/agentwatch/pkg/config"
	"github.com/splax/agentwatch/pkg/logger"
)

// store is what the API needs from a backend.
type store interface {
	repository.Store
	repository.TelemetryReader
}

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	correlator := correlate.New(backend, correlate.Config{
		Lookback:         cfg.CorrelationLookback,
		KeywordThreshold: cfg.KeywordThreshold,
		MinKeywordLength: cfg.MinKeywordLength,
		CandidateLimit:   cfg.CandidateLimit,
		RefreshInterval:  cfg.PendingRefreshInterval,
	}, log)
	if err := correlator.Hydrate(ctx); err != nil {
		log.Error("failed to load pending alerts", "error", err)
		os.Exit(1)
	}
	go correlator.Run(ctx)

	hub := ws.NewHub()
	defer hub.Close()

	processor := ingest.NewProcessor(backend, correlator, hub, log, cfg.SchemaVersions)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}
	if cfg.IngestTokenSecret == "" {
		log.Warn("INGEST_TOKEN_SECRET not set; telemetry endpoints accept unauthenticated requests")
	}

	router := httpx.NewRouter(log, processor, backend, hub, limiter, httpx.Options{
		MaxBatchSize:    cfg.MaxBatchSize,
		IngestRateLimit: cfg.IngestRateLimit,
		TokenSecret:     cfg.IngestTokenSecret,
		StreamHeartbeat: cfg.StreamHeartbeatInterval,
		Health:          backend.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Warn("using in-memory store; telemetry is lost on restart")
		return memory.New(), func() {}, nil
	case config.StoreDriverPostgres, "":
	default:
		return nil, nil, errors.New("unknown store driver " + cfg.StoreDriver)
	}

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		return nil, nil, err
	}
	err = runner.Ensure(ctx)
	runner.Close()
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}
