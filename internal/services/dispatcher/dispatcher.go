// Package dispatcher moves admitted work-queue entries into pending
// executions and hands them to the task server.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chainsharp/scheduler/internal/poll"
	"chainsharp/scheduler/internal/services/executor"
	"chainsharp/scheduler/internal/services/store"
	"chainsharp/scheduler/internal/services/taskserver"
)

// Config bounds a single dispatch round.
type Config struct {
	GlobalCap      int
	DependentBoost int
	BatchSize      int
}

func DefaultConfig() Config {
	return Config{
		GlobalCap:      50,
		DependentBoost: 5,
		BatchSize:      100,
	}
}

// Dispatcher claims queued work under row locks, checks it against the
// concurrency caps, and atomically creates the pending execution record,
// marks the queue row dispatched, and enqueues the background job. All three
// writes share one transaction, so a crash mid-dispatch leaves the queue row
// claimable by the next round.
type Dispatcher struct {
	store  *store.Store
	tasks  *taskserver.Server
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(st *store.Store, tasks *taskserver.Server, cfg Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		tasks:  tasks,
		cfg:    cfg,
		logger: logger.With("component", "job-dispatcher"),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	return poll.Run(ctx, d.logger, "job-dispatcher", interval, d.Tick)
}

// Tick performs one dispatch round. Serialization conflicts with concurrent
// dispatchers are retried; their claims never overlap thanks to SKIP LOCKED,
// so a retry only re-reads the counters.
func (d *Dispatcher) Tick(ctx context.Context) error {
	return d.store.RetryConflicts(ctx, func() error {
		return d.store.WithTx(ctx, func(tx *store.Store) error {
			return d.dispatchRound(ctx, tx)
		})
	})
}

func (d *Dispatcher) dispatchRound(ctx context.Context, tx *store.Store) error {
	candidates, err := tx.ListClaimCandidates(ctx, d.cfg.BatchSize, d.cfg.DependentBoost)
	if err != nil {
		return fmt.Errorf("failed to claim work queue candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	limits, err := d.loadLimits(ctx, tx)
	if err != nil {
		return err
	}

	admitted := Admit(candidates, limits)
	for _, c := range admitted {
		if err := d.dispatch(ctx, tx, c); err != nil {
			return err
		}
	}

	if len(admitted) > 0 {
		d.logger.Info("dispatched work queue entries",
			"admitted", len(admitted),
			"claimed", len(candidates),
			"active", limits.GlobalUsed)
	}
	return nil
}

func (d *Dispatcher) loadLimits(ctx context.Context, tx *store.Store) (Limits, error) {
	excluded := store.AdminWorkflowNames()

	active, err := tx.CountActiveJobs(ctx, excluded, nil)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to count active jobs: %w", err)
	}
	byGroup, err := tx.CountActiveJobsByGroup(ctx, excluded)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to count active jobs by group: %w", err)
	}
	groups, err := tx.ListGroups(ctx)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to list groups: %w", err)
	}

	caps := make(map[uuid.UUID]*int, len(groups))
	for _, g := range groups {
		caps[g.ID] = g.MaxActiveJobs
	}

	return Limits{
		GlobalCap:   d.cfg.GlobalCap,
		GlobalUsed:  active,
		GroupCaps:   caps,
		GroupActive: byGroup,
	}, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, tx *store.Store, c store.ClaimCandidate) error {
	item := c.Item
	scheduled := d.now()

	md, err := tx.CreateMetadata(ctx, store.CreateMetadataParams{
		ExternalID:    item.ExternalID,
		ManifestID:    item.ManifestID,
		WorkflowName:  item.WorkflowName,
		Input:         item.Input,
		ScheduledTime: &scheduled,
		RetryCount:    item.RetryCount,
	})
	if err != nil {
		return fmt.Errorf("failed to create execution record for %s: %w", item.ExternalID, err)
	}

	if err := tx.MarkDispatched(ctx, item.ID, md.ID); err != nil {
		return fmt.Errorf("failed to mark %s dispatched: %w", item.ExternalID, err)
	}

	jobID, err := d.tasks.Enqueue(ctx, tx.DB(), executor.JobPayload{
		MetadataID:    md.ID,
		ManifestID:    item.ManifestID,
		WorkflowName:  item.WorkflowName,
		InputTypeName: item.InputTypeName,
		Input:         item.Input,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue background job for %s: %w", item.ExternalID, err)
	}

	d.logger.Debug("dispatched execution",
		"external_id", item.ExternalID,
		"metadata_id", md.ID,
		"job_id", jobID,
		"priority", c.EffectivePriority,
		"retry_count", item.RetryCount)
	return nil
}
