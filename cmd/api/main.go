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

	"go.uber.org/zap"

	"approval-gate/internal/api"
	"approval-gate/internal/app"
	"approval-gate/internal/config"
	"approval-gate/internal/logging"
	"approval-gate/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()
	if err := a.SyncCatalog(ctx); err != nil {
		logger.Fatal("catalog sync failed", zap.Error(err))
	}

	limiter := ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(api.Deps{
		Gate:         a.Gate,
		Notify:       a.Notify,
		Preferences:  a.Preferences,
		Audit:        a.Store,
		Jobs:         a.Queue,
		Limiter:      limiter,
		Health:       a.Store,
		ServiceToken: cfg.ServiceToken,
		Logger:       logger.Named("api"),
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("job_backend", cfg.JobBackend))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
