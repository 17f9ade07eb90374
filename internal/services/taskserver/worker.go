package taskserver

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// WorkerConfig tunes the claim loop.
type WorkerConfig struct {
	// Count is the number of concurrent workers; zero means one per CPU.
	Count int
	// PollInterval is the idle sleep after an empty claim.
	PollInterval time.Duration
	// VisibilityTimeout is how long a claim shields a job from other
	// workers.
	VisibilityTimeout time.Duration
	// ShutdownTimeout bounds how long an in-flight job may keep running
	// after shutdown is requested.
	ShutdownTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Count:             runtime.NumCPU(),
		PollInterval:      time.Second,
		VisibilityTimeout: 20 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Handler processes one claimed job. The job row is deleted when the
// handler returns, whatever the outcome.
type Handler func(ctx context.Context, job Job) error

// RunWorkers runs the claim loop until ctx is cancelled. On shutdown each
// worker finishes its in-flight job, bounded by ShutdownTimeout, before
// exiting.
func (s *Server) RunWorkers(ctx context.Context, cfg WorkerConfig, handle Handler) error {
	if cfg.Count <= 0 {
		cfg.Count = runtime.NumCPU()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	s.logger.Info("starting task server workers",
		"count", cfg.Count,
		"poll_interval", cfg.PollInterval,
		"visibility_timeout", cfg.VisibilityTimeout)

	g := new(errgroup.Group)
	for i := 0; i < cfg.Count; i++ {
		workerID := i
		g.Go(func() error {
			s.workerLoop(ctx, workerID, cfg, handle)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("task server workers stopped")
	return err
}

func (s *Server) workerLoop(ctx context.Context, workerID int, cfg WorkerConfig, handle Handler) {
	logger := s.logger.With("worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := s.Claim(ctx, cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to claim job", "error", err)
			s.sleep(ctx, cfg.PollInterval)
			continue
		}
		if job == nil {
			s.sleep(ctx, cfg.PollInterval)
			continue
		}

		s.runJob(ctx, logger, cfg, *job, handle)
	}
}

// runJob executes one claimed job. The job context detaches from the loop
// context so a shutdown signal does not kill the handler mid-step; instead
// it starts the shutdown-timeout clock.
func (s *Server) runJob(ctx context.Context, logger *slog.Logger, cfg WorkerConfig, job Job, handle Handler) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		if cfg.ShutdownTimeout <= 0 {
			cancel()
			return
		}
		timer := time.AfterFunc(cfg.ShutdownTimeout, cancel)
		go func() {
			<-jobCtx.Done()
			timer.Stop()
		}()
	})
	defer stop()

	logger.Debug("claimed job", "job_id", job.ID)
	if err := handle(jobCtx, job); err != nil {
		// Handler outcomes are persisted on the execution record; the
		// queue row is done either way.
		logger.Error("job handler returned error", "job_id", job.ID, "error", err)
	}

	if err := s.Complete(context.WithoutCancel(ctx), job.ID); err != nil {
		logger.Error("failed to delete completed job", "job_id", job.ID, "error", err)
	}
}

func (s *Server) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
