// Package cleanup prunes finished execution records past their retention.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chainsharp/scheduler/internal/poll"
	"chainsharp/scheduler/internal/services/store"
)

// Service deletes terminal execution records older than the retention
// window. Only configured workflows and the scheduler's own admin workflows
// are pruned; everything else keeps its history.
type Service struct {
	store     *store.Store
	workflows []string
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(st *store.Store, workflows []string, retention time.Duration, logger *slog.Logger) *Service {
	names := append(store.AdminWorkflowNames(), workflows...)
	return &Service{
		store:     st,
		workflows: names,
		retention: retention,
		logger:    logger.With("component", "metadata-cleanup"),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	return poll.Run(ctx, s.logger, "metadata-cleanup", interval, s.Tick)
}

// Tick deletes one batch of expired records.
func (s *Service) Tick(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention)
	deleted, err := s.store.DeleteTerminalMetadataBefore(ctx, s.workflows, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete expired metadata: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("deleted expired execution records", "count", deleted, "cutoff", cutoff)
	}
	return nil
}
