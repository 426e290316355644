package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/SirClappington/shortsq/internal/alert"
	"github.com/SirClappington/shortsq/internal/authrefresh"
	"github.com/SirClappington/shortsq/internal/config"
	"github.com/SirClappington/shortsq/internal/coordinator"
	"github.com/SirClappington/shortsq/internal/events"
	"github.com/SirClappington/shortsq/internal/fetcher"
	"github.com/SirClappington/shortsq/internal/logging"
	"github.com/SirClappington/shortsq/internal/provider"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/runner"
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
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		logger.Fatal("download dir", zap.String("dir", cfg.DownloadDir), zap.Error(err))
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
	if len(reg.Names()) == 0 {
		logger.Warn("no storage providers configured; every upload will fail with STORAGE_FULL")
	}
	tr := tracker.New(store, reg.Names(), cfg.Ceiling, alert.FromConfig(cfg, logger), logger)

	run := runner.New(
		store,
		fetcher.New(fetcher.Options{
			DownloadDir:  cfg.DownloadDir,
			Executable:   cfg.YTDLPPath,
			CookiesFile:  cfg.CookiesFile,
			Proxy:        cfg.Proxy,
			InfoTimeout:  cfg.InfoTimeout,
			FetchTimeout: cfg.FetchTimeout,
		}, logger),
		coordinator.New(reg, tr, logger),
		events.NewBridge(events.NewHub(), events.NewRedisBroker(rdb), logger),
		q,
		authrefresh.New(rdb, cfg.AccountID, cfg.AuthRefreshTTL, logger),
		runner.Options{
			Lease:          cfg.Lease(),
			RetryBaseDelay: cfg.RetryBaseDelay,
			RetryMaxDelay:  cfg.RetryMaxDelay,
			UploadTimeout:  cfg.UploadTimeout,
		},
		logger,
	)

	logger.Info("worker starting", zap.Int("slots", cfg.WorkerSlots), zap.String("queue", cfg.QueueName))
	if err := runner.NewPool(q, run, cfg.WorkerSlots, logger).Run(ctx); err != nil {
		logger.Error("pool", zap.Error(err))
	}
	tr.Wait()
	logger.Info("worker stopped")
}
