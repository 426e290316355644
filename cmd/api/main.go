package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SirClappington/shortsq/internal/alert"
	"github.com/SirClappington/shortsq/internal/authrefresh"
	"github.com/SirClappington/shortsq/internal/config"
	"github.com/SirClappington/shortsq/internal/coordinator"
	"github.com/SirClappington/shortsq/internal/events"
	"github.com/SirClappington/shortsq/internal/httpapi"
	"github.com/SirClappington/shortsq/internal/logging"
	"github.com/SirClappington/shortsq/internal/provider"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/reconcile"
	"github.com/SirClappington/shortsq/internal/storage"
	"github.com/SirClappington/shortsq/internal/tracker"
	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres", zap.Error(err))
	}
	defer db.Close()
	if cfg.MigrateOnStart {
		if err := storage.Migrate(ctx, db); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis", zap.Error(err))
	}

	store := storage.New(db)
	q := queue.New(rdb, cfg.QueueName)
	reg, err := provider.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage providers", zap.Error(err))
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Warn("close storage providers", zap.Error(err))
		}
	}()
	tr := tracker.New(store, reg.Names(), cfg.Ceiling, alert.FromConfig(cfg, logger), logger)
	defer tr.Wait()
	for _, name := range reg.Names() {
		if err := tr.InitProvider(ctx, name); err != nil {
			logger.Fatal("init provider usage", zap.String("provider", name), zap.Error(err))
		}
	}
	bridge := events.NewBridge(events.NewHub(), events.NewRedisBroker(rdb), logger)

	api := httpapi.New(store, q, tr, bridge, httpapi.Options{
		MaxAttempts: cfg.MaxAttempts,
		Development: cfg.Development(),
		Limiter:     httpapi.NewRedisLimiter(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow),
		Objects:     coordinator.New(reg, tr, logger),
		Admin: &httpapi.Admin{
			Token:       cfg.AdminToken,
			Reconciler:  reconcile.New(reg, store, cfg.Ceiling, logger),
			Refresher:   authrefresh.New(rdb, cfg.AccountID, cfg.AuthRefreshTTL, logger),
			Queue:       q,
			CookiesFile: cfg.CookiesFile,
		},
	}, logger)
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set; admin endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down api")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
}
