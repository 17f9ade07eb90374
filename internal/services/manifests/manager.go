// Package manifests hosts the manifest manager, the polling service that
// turns due manifests into work-queue entries.
package manifests

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chainsharp/scheduler/internal/poll"
	"chainsharp/scheduler/internal/schedule"
	"chainsharp/scheduler/internal/services/store"
)

// Manager scans enabled manifests every poll interval and queues the ones
// that are due. Duplicate suppression lives in the store: a manifest with
// a live queued row or a non-terminal execution is never a candidate, so
// concurrent replicas cannot double-queue.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(st *store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: logger.With("component", "manifest-manager"),
		now:    time.Now,
	}
}

// Run polls until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	return poll.Run(ctx, m.logger, "manifest-manager", interval, m.Tick)
}

// Tick queues every due manifest once.
func (m *Manager) Tick(ctx context.Context) error {
	now := m.now()

	due, err := m.store.ListDueManifests(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due manifests: %w", err)
	}

	for _, d := range due {
		if d.Manifest.ScheduleType == store.ScheduleCron && !m.cronDue(d.Manifest, now) {
			continue
		}
		if err := m.enqueue(ctx, d, now); err != nil {
			m.logger.Error("failed to queue due manifest",
				"external_id", d.Manifest.ExternalID, "error", err)
		}
	}
	return nil
}

// cronDue evaluates a cron manifest: due when the next fire after the last
// successful run (or creation, for a manifest that has never run) is not
// in the future.
func (m *Manager) cronDue(manifest store.Manifest, now time.Time) bool {
	if manifest.CronExpression == nil {
		return false
	}
	basis := manifest.CreatedAt
	if manifest.LastSuccessfulRun != nil {
		basis = *manifest.LastSuccessfulRun
	}
	next, err := schedule.NextCronFire(*manifest.CronExpression, basis)
	if err != nil {
		m.logger.Error("manifest carries invalid cron expression",
			"external_id", manifest.ExternalID, "cron", *manifest.CronExpression, "error", err)
		return false
	}
	return !next.After(now)
}

func (m *Manager) enqueue(ctx context.Context, d store.DueManifest, now time.Time) error {
	manifest := d.Manifest

	// A manifest without its own priority inherits the group's.
	priority := manifest.Priority
	if priority == 0 {
		priority = d.GroupPriority
	}

	item, created, err := m.store.CreateWorkQueueItem(ctx, store.CreateWorkQueueItemParams{
		ExternalID:    manifest.ExternalID,
		WorkflowName:  manifest.WorkflowTypeName,
		Input:         manifest.Input,
		InputTypeName: manifest.InputTypeName,
		ManifestID:    &manifest.ID,
		Priority:      priority,
		AvailableAt:   now,
	})
	if err != nil {
		return err
	}
	if created {
		m.logger.Debug("queued manifest",
			"external_id", manifest.ExternalID,
			"work_queue_id", item.ID,
			"schedule_type", manifest.ScheduleType,
			"priority", item.Priority)
	}
	return nil
}
