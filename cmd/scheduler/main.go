package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/SirClappington/shortsq/internal/alert"
	"github.com/SirClappington/shortsq/internal/cleanup"
	"github.com/SirClappington/shortsq/internal/config"
	"github.com/SirClappington/shortsq/internal/coordinator"
	"github.com/SirClappington/shortsq/internal/logging"
	"github.com/SirClappington/shortsq/internal/provider"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/reconcile"
	"github.com/SirClappington/shortsq/internal/scheduler"
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

	clean := cleanup.New(store, coordinator.New(reg, tr, logger), cleanup.Options{
		FileExpiry:       cfg.FileExpiry,
		StaleJobAge:      cfg.StaleJobAge,
		HistoryRetention: cfg.HistoryRetention,
	}, logger)
	recon := reconcile.New(reg, store, cfg.Ceiling, logger)

	tasks := []*scheduler.Periodic{
		{Name: "cleanup", Every: cfg.CleanupInterval, Run: func(ctx context.Context) error {
			_, err := clean.Run(ctx)
			return err
		}},
		{Name: "reconcile", Every: cfg.ReconcileInterval, Run: func(ctx context.Context) error {
			recon.Run(ctx)
			return nil
		}},
	}
	s := scheduler.New(store, queue.New(rdb, cfg.QueueName), storage.NewLeader(db, cfg.LeaderLockKey), tasks, scheduler.Options{
		Tick:           cfg.SchedulerTick,
		RedeliverAfter: cfg.RetryMaxDelay + time.Minute,
	}, logger)

	logger.Info("scheduler starting", zap.Duration("tick", cfg.SchedulerTick))
	if err := s.Run(ctx); err != nil {
		logger.Error("scheduler", zap.Error(err))
	}
	logger.Info("scheduler stopped")
}
