package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mkovalenko/community-directory-backend/internal/adminjobs"
	"github.com/mkovalenko/community-directory-backend/internal/cron"
	"github.com/mkovalenko/community-directory-backend/internal/engine"
	"github.com/mkovalenko/community-directory-backend/pkg/config"
	"github.com/mkovalenko/community-directory-backend/pkg/db"
	"github.com/mkovalenko/community-directory-backend/pkg/logger"
	"github.com/mkovalenko/community-directory-backend/pkg/metrics"
	"github.com/mkovalenko/community-directory-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "business-worker"})
	ctx := context.Background()

	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(ctx, "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "business-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(ctx, "error closing database", err)
		}
	}()

	if err := dbClient.Migrate(ctx, logg); err != nil {
		logg.Error(ctx, "failed to migrate database", err)
		os.Exit(1)
	}

	var lock cron.Lock = cron.LocalLock{}
	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(ctx, "error closing redis", err)
			}
		}()
		lock, err = cron.NewRedisLock(redisClient, redis.LockKey("business-worker:"+cfg.App.Env), 0)
		if err != nil {
			logg.Error(ctx, "failed to create cron lock", err)
			os.Exit(1)
		}
	}

	var notifier adminjobs.Queue = adminjobs.NoopQueue{}
	if cfg.AdminJobs.Enabled() {
		queue, err := adminjobs.NewPubSubQueue(ctx, cfg.AdminJobs, logg)
		if err != nil {
			logg.Error(ctx, "failed to bootstrap admin jobs queue", err)
			os.Exit(1)
		}
		defer func() {
			if err := queue.Close(); err != nil {
				logg.Error(ctx, "error closing admin jobs queue", err)
			}
		}()
		notifier = queue
	}

	eng, err := engine.New(engine.Params{
		DB:               dbClient,
		Config:           cfg,
		Logger:           logg,
		Notifier:         notifier,
		ReconcileMetrics: metrics.NewReconcileMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(ctx, "failed to wire engine", err)
		os.Exit(1)
	}

	reconcileJob, err := cron.NewSubscriptionReconcileJob(eng.Sweeper, logg)
	if err != nil {
		logg.Error(ctx, "failed to build reconcile job", err)
		os.Exit(1)
	}

	cronService, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(reconcileJob),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Reconcile.Interval,
	})
	if err != nil {
		logg.Error(ctx, "failed to build cron service", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logg.WithField(runCtx, "env", cfg.App.Env)

	server := opsServer(cfg.Worker, dbClient)
	go func() {
		logg.Info(runCtx, "ops server listening on :"+cfg.Worker.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(runCtx, "ops server stopped unexpectedly", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logg.Info(runCtx, "starting business worker")
	if err := cronService.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(runCtx, "business worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(runCtx, "business worker shutting down gracefully")
}

func opsServer(cfg config.WorkerConfig, dbClient *db.Client) *http.Server {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := dbClient.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
