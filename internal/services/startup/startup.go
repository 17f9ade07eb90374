// Package startup converges persistent state with the deployed process:
// it applies the declared manifest sets, drops groups nothing references,
// and recovers executions stranded by a previous crash. It must finish
// before any polling service starts.
package startup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chainsharp/scheduler/internal/services/executor"
	"chainsharp/scheduler/internal/services/scheduler"
	"chainsharp/scheduler/internal/services/store"
)

// DefaultStuckThreshold is how long an in_progress execution may go
// untouched before startup considers its worker dead.
const DefaultStuckThreshold = 20 * time.Minute

// Declared is one deployed manifest set. PrunePrefix scopes deletion:
// stored manifests under the prefix that are absent from Specs are removed
// when the set is applied.
type Declared struct {
	PrunePrefix string
	Specs       []scheduler.Options
}

type Service struct {
	store          *store.Store
	sched          *scheduler.Scheduler
	retry          executor.RetryPolicy
	stuckThreshold time.Duration
	recoverStuck   bool
	logger         *slog.Logger
	now            func() time.Time
}

func New(st *store.Store, sched *scheduler.Scheduler, retry executor.RetryPolicy, stuckThreshold time.Duration, recoverStuck bool, logger *slog.Logger) *Service {
	if stuckThreshold <= 0 || stuckThreshold > DefaultStuckThreshold {
		stuckThreshold = DefaultStuckThreshold
	}
	return &Service{
		store:          st,
		sched:          sched,
		retry:          retry,
		stuckThreshold: stuckThreshold,
		recoverStuck:   recoverStuck,
		logger:         logger.With("component", "startup"),
		now:            time.Now,
	}
}

// Run performs the full startup sequence.
func (s *Service) Run(ctx context.Context, declared []Declared) error {
	for _, d := range declared {
		if _, err := s.sched.ScheduleMany(ctx, d.Specs, d.PrunePrefix); err != nil {
			return fmt.Errorf("failed to apply manifest set %q: %w", d.PrunePrefix, err)
		}
	}

	orphans, err := s.store.DeleteOrphanGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete orphan groups: %w", err)
	}
	if len(orphans) > 0 {
		s.logger.Info("deleted orphan groups", "groups", orphans)
	}

	if !s.recoverStuck {
		s.logger.Info("stuck-execution recovery disabled")
		return nil
	}
	recovered, err := s.RecoverStuck(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn("recovered stranded executions", "count", recovered)
	}
	return nil
}

// RecoverStuck fails every in_progress execution older than the stuck
// threshold and routes it through the normal retry chain, so work lost to a
// crashed worker retries or dead-letters like any other failure.
func (s *Service) RecoverStuck(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.stuckThreshold)
	stuck, err := s.store.ListInProgressMetadata(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stranded executions: %w", err)
	}

	recovered := 0
	for _, md := range stuck {
		if err := s.recoverOne(ctx, md); err != nil {
			s.logger.Error("failed to recover stranded execution",
				"metadata_id", md.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (s *Service) recoverOne(ctx context.Context, md store.Metadata) error {
	reason := "recovered on startup"
	ended := s.now()

	return s.store.WithTx(ctx, func(tx *store.Store) error {
		_, err := tx.TransitionMetadata(ctx, md.ID, store.StateInProgress, store.StateFailed,
			store.TransitionFields{FailureReason: &reason, EndedAt: &ended})
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Finished between listing and recovery.
				return nil
			}
			return err
		}

		var manifest *store.Manifest
		if md.ManifestID != nil {
			m, err := tx.GetManifest(ctx, *md.ManifestID)
			if err != nil && !errors.Is(err, store.ErrManifestNotFound) {
				return err
			}
			if err == nil {
				manifest = &m
			}
		}
		return executor.RouteFailure(ctx, tx, s.retry, md, manifest, reason, ended, s.logger)
	})
}
