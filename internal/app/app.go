// Package app assembles the scheduler process: database, store, task
// server, and the polling services, started in dependency order.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"chainsharp/scheduler/internal/config"
	"chainsharp/scheduler/internal/database"
	"chainsharp/scheduler/internal/logger"
	"chainsharp/scheduler/internal/services/cleanup"
	"chainsharp/scheduler/internal/services/dispatcher"
	"chainsharp/scheduler/internal/services/executor"
	"chainsharp/scheduler/internal/services/manifests"
	"chainsharp/scheduler/internal/services/scheduler"
	"chainsharp/scheduler/internal/services/startup"
	"chainsharp/scheduler/internal/services/store"
	"chainsharp/scheduler/internal/services/taskserver"
	"chainsharp/scheduler/internal/workflow"
)

// App owns every long-lived component of a scheduler process.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool

	Store     *store.Store
	Tasks     *taskserver.Server
	Bus       *workflow.Bus
	Scheduler *scheduler.Scheduler

	executor *executor.Executor
	manager  *manifests.Manager
	dispatch *dispatcher.Dispatcher
	cleanup  *cleanup.Service
	startup  *startup.Service
}

// New migrates the database, opens the pool, and wires the services. The
// bus must already carry every workflow registration.
func New(ctx context.Context, cfg config.Config, bus *workflow.Bus) (*App, error) {
	log := logger.New(cfg.LogLevel)

	if err := database.Migrate(cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}

	st := store.New(pool, log)
	tasks := taskserver.New(pool, log)
	sched := scheduler.New(st, tasks, bus, log)

	retry := executor.RetryPolicy{
		BaseDelay:  cfg.Retry.BaseDelay,
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   cfg.Retry.MaxDelay,
	}

	return &App{
		cfg:       cfg,
		logger:    log,
		pool:      pool,
		Store:     st,
		Tasks:     tasks,
		Bus:       bus,
		Scheduler: sched,
		executor:  executor.New(st, bus, retry, cfg.Worker.VisibilityTimeout, log),
		manager:   manifests.NewManager(st, log),
		dispatch: dispatcher.New(st, tasks, dispatcher.Config{
			GlobalCap:      cfg.Dispatch.GlobalCap,
			DependentBoost: cfg.Dispatch.DependentBoost,
			BatchSize:      cfg.Dispatch.BatchSize,
		}, log),
		cleanup: cleanup.New(st, cfg.Cleanup.Workflows, cfg.Cleanup.Retention, log),
		startup: startup.New(st, sched, retry, cfg.Worker.VisibilityTimeout, cfg.Startup.RecoverStuckJobs, log),
	}, nil
}

// Logger returns the process root logger.
func (a *App) Logger() *slog.Logger { return a.logger }

// Run converges state via the startup sequence, then runs the polling
// services and worker pool until ctx is cancelled.
func (a *App) Run(ctx context.Context, declared []startup.Declared) error {
	if err := a.startup.Run(ctx, declared); err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.manager.Run(ctx, a.cfg.Polling.ManifestInterval) })
	g.Go(func() error { return a.dispatch.Run(ctx, a.cfg.Polling.DispatchInterval) })
	g.Go(func() error { return a.cleanup.Run(ctx, a.cfg.Polling.CleanupInterval) })
	g.Go(func() error {
		return a.Tasks.RunWorkers(ctx, taskserver.WorkerConfig{
			Count:             a.cfg.Worker.Count,
			PollInterval:      a.cfg.Worker.PollInterval,
			VisibilityTimeout: a.cfg.Worker.VisibilityTimeout,
			ShutdownTimeout:   a.cfg.Worker.ShutdownTimeout,
		}, a.executor.Handle)
	})
	return g.Wait()
}

// Close releases the database pool.
func (a *App) Close() {
	a.pool.Close()
}
