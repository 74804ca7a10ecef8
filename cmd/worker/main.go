package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"approval-gate/internal/app"
	"approval-gate/internal/config"
	"approval-gate/internal/logging"
	"approval-gate/internal/telemetry"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	// Worker IDs must be unique per process so claims can be told apart.
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		proc, err := a.Processor(ctx, fmt.Sprintf("%s/%d", workerID, i))
		if err != nil {
			logger.Fatal("init processor", zap.Error(err))
		}
		g.Go(func() error { return ignoreCancel(proc.Run(gctx)) })
	}
	g.Go(func() error { return ignoreCancel(a.Sweeper.Run(gctx)) })

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("lease", cfg.JobLease),
		zap.Duration("backoff_initial", cfg.BackoffInitial))
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
