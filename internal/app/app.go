// Package app assembles the services shared by the binaries.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"approval-gate/internal/approval"
	"approval-gate/internal/audit"
	"approval-gate/internal/config"
	"approval-gate/internal/export"
	"approval-gate/internal/jobs"
	"approval-gate/internal/models"
	"approval-gate/internal/notify"
	"approval-gate/internal/policy"
	"approval-gate/internal/queue"
	"approval-gate/internal/store"
	"approval-gate/internal/sweep"
	"approval-gate/internal/tools"
	"approval-gate/internal/worker"
)

// App holds the wired services. Close releases the connections.
type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Store       *store.Store
	Redis       *redis.Client
	Catalog     *tools.Catalog
	Tools       *tools.Registry
	Queue       *jobs.Queue
	Gate        *approval.Gate
	Notify      *notify.Dispatcher
	Preferences *policy.Preferences
	Exporter    *export.Exporter
	Sweeper     *sweep.Sweeper
}

// Build connects to Postgres and Redis, applies migrations and wires every
// service. The job backend follows JOB_BACKEND.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a := &App{Config: cfg, Logger: logger, Store: st, Redis: queue.NewClient(cfg)}

	a.Catalog = tools.DefaultCatalog()
	if cfg.ToolCatalogPath != "" {
		if a.Catalog, err = tools.LoadCatalog(cfg.ToolCatalogPath); err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Tools = tools.NewRegistry()
	if cfg.Env == "dev" {
		for _, def := range a.Catalog.Definitions() {
			a.Tools.Register(def.Name, tools.Echo(def.Name))
		}
	}

	var backend jobs.Store = st
	if cfg.JobBackend == config.BackendRedis {
		backend = queue.NewRedisStore(a.Redis, "gate:")
	}
	a.Queue = jobs.NewQueue(backend, jobs.Options{
		Lease:          cfg.JobLease,
		MaxRetries:     cfg.MaxRetries,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		Logger:         logger.Named("jobs"),
	})

	channels := []notify.Channel{notify.LogChannel{Logger: logger.Named("channel")}}
	if cfg.NotifyRedisChannel != "" {
		channels = append(channels, notify.NewRedisChannel(a.Redis, cfg.NotifyRedisChannel))
	}
	a.Notify = notify.NewDispatcher(st, a.Queue, logger.Named("notify"), channels...)

	a.Preferences = policy.NewPreferences(a.Catalog, st, nil)
	a.Gate = approval.NewGate(approval.Deps{
		Classifier: policy.NewClassifier(a.Catalog, st, logger.Named("policy")),
		Catalog:    a.Catalog,
		Executor:   a.Tools,
		Decisions:  st,
		Audit:      audit.NewRecorder(st, nil),
		Jobs:       a.Queue,
		Notifier:   a.Notify,
		TTL:        cfg.DecisionTTL,
		StallAfter: cfg.StallTimeout,
		Logger:     logger.Named("gate"),
	})
	a.Queue.OnTerminalFailure(a.Gate.AbandonJob)
	a.Sweeper = sweep.New(a.Gate, a.Queue, cfg.SweepInterval, logger.Named("sweep"))
	return a, nil
}

// SyncCatalog records catalog tier changes since the last start.
func (a *App) SyncCatalog(ctx context.Context) error {
	n, err := a.Preferences.SyncCatalog(ctx)
	if err != nil {
		return fmt.Errorf("sync tool catalog: %w", err)
	}
	if n > 0 {
		a.Logger.Info("tool catalog tiers changed", zap.String("version", a.Catalog.Version), zap.Int("changed", n))
	}
	return nil
}

// BuildExporter picks S3 when a bucket is configured, local disk otherwise.
func (a *App) BuildExporter(ctx context.Context) (*export.Exporter, error) {
	var up export.Uploader = export.LocalUploader{BaseDir: a.Config.ExportDir}
	if a.Config.ExportS3Bucket != "" {
		s3up, err := export.NewS3Uploader(ctx, export.S3Options{
			Bucket:    a.Config.ExportS3Bucket,
			Region:    a.Config.ExportS3Region,
			Endpoint:  a.Config.ExportS3Endpoint,
			PathStyle: a.Config.ExportS3PathStyle,
		})
		if err != nil {
			return nil, err
		}
		up = s3up
	}
	a.Exporter = export.NewExporter(a.Store, up, a.Logger.Named("export"))
	return a.Exporter, nil
}

// Processor builds a worker with every job handler registered.
func (a *App) Processor(ctx context.Context, workerID string) (*worker.Processor, error) {
	if a.Exporter == nil {
		if _, err := a.BuildExporter(ctx); err != nil {
			return nil, err
		}
	}
	p := worker.NewProcessor(a.Queue, workerID, a.Config.WorkerPollInterval, a.Logger.Named("worker"))
	p.RegisterHandler(models.JobToolExecution, a.Gate.HandleToolJob)
	p.RegisterHandler(models.JobNotificationDelivery, a.Notify.HandleDelivery)
	p.RegisterHandler(models.JobAuditExport, a.Exporter.HandleJob)
	return p, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Store.Close()
}
