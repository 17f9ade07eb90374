// Package scheduler is the registration and control surface: applications
// declare manifests, trigger runs, and resolve dead letters through it.
package scheduler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"chainsharp/scheduler/internal/schedule"
	"chainsharp/scheduler/internal/services/executor"
	"chainsharp/scheduler/internal/services/store"
	"chainsharp/scheduler/internal/services/taskserver"
	"chainsharp/scheduler/internal/workflow"
)

var (
	// ErrMissingParent reports a dependent registration whose parent
	// manifest does not exist.
	ErrMissingParent = errors.New("parent manifest not found")

	// ErrUnknownSchedule reports registration options that describe no
	// recognizable schedule.
	ErrUnknownSchedule = errors.New("options describe no schedule")
)

// DefaultGroup receives manifests registered without an explicit group.
const DefaultGroup = "default"

// Options declares one manifest. The input value both carries the payload
// and selects the workflow: its type must be registered on the bus.
type Options struct {
	ExternalID string
	Group      string
	Schedule   schedule.Schedule
	OnDemand   bool
	Input      any
	MaxRetries int
	Timeout    time.Duration
	Priority   int
	Dormant    bool
}

// Scheduler registers manifests, enforces the group DAG, and exposes the
// operator controls (enable/disable, trigger, cancel, dead letters).
type Scheduler struct {
	store  *store.Store
	tasks  *taskserver.Server
	bus    *workflow.Bus
	logger *slog.Logger
	now    func() time.Time
}

func New(st *store.Store, tasks *taskserver.Server, bus *workflow.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		tasks:  tasks,
		bus:    bus,
		logger: logger.With("component", "manifest-scheduler"),
		now:    time.Now,
	}
}

// Schedule registers or reconfigures one manifest.
func (s *Scheduler) Schedule(ctx context.Context, opts Options) (store.Manifest, error) {
	var manifest store.Manifest
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		params, err := s.buildParams(ctx, tx, opts, nil)
		if err != nil {
			return err
		}
		manifest, err = tx.UpsertManifest(ctx, params)
		return err
	})
	if err != nil {
		return store.Manifest{}, err
	}
	s.logger.Info("manifest scheduled",
		"external_id", manifest.ExternalID, "schedule_type", manifest.ScheduleType)
	return manifest, nil
}

// ScheduleDependent registers a manifest that fires after each successful
// run of its parent. Registration fails if the parent does not exist or if
// the resulting group graph would contain a cycle.
func (s *Scheduler) ScheduleDependent(ctx context.Context, opts Options, parentExternalID string) (store.Manifest, error) {
	var manifest store.Manifest
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		parent, err := tx.GetManifestByExternalID(ctx, parentExternalID)
		if err != nil {
			if errors.Is(err, store.ErrManifestNotFound) {
				return fmt.Errorf("%w: %s", ErrMissingParent, parentExternalID)
			}
			return err
		}

		params, err := s.buildParams(ctx, tx, opts, &parent.ID)
		if err != nil {
			return err
		}
		if manifest, err = tx.UpsertManifest(ctx, params); err != nil {
			return err
		}
		return s.checkGroupDag(ctx, tx)
	})
	if err != nil {
		return store.Manifest{}, err
	}
	s.logger.Info("dependent manifest scheduled",
		"external_id", manifest.ExternalID, "parent", parentExternalID)
	return manifest, nil
}

// ScheduleMany registers a set of manifests atomically. When prunePrefix is
// non-empty, manifests under that prefix absent from the set are deleted in
// the same transaction, so a deploy converges the stored set to the declared
// one.
func (s *Scheduler) ScheduleMany(ctx context.Context, specs []Options, prunePrefix string) ([]store.Manifest, error) {
	var manifests []store.Manifest
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		params := make([]store.UpsertManifestParams, 0, len(specs))
		for _, opts := range specs {
			p, err := s.buildParams(ctx, tx, opts, nil)
			if err != nil {
				return err
			}
			params = append(params, p)
		}
		var err error
		manifests, err = tx.BatchUpsertAndPrune(ctx, params, prunePrefix)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("manifest set applied", "count", len(manifests), "prune_prefix", prunePrefix)
	return manifests, nil
}

// ScheduleManyDependent registers a set of dependent manifests atomically,
// all firing after successful runs of the same parent. Pruning behaves as in
// ScheduleMany; the group graph is validated before the transaction commits.
func (s *Scheduler) ScheduleManyDependent(ctx context.Context, specs []Options, parentExternalID, prunePrefix string) ([]store.Manifest, error) {
	var manifests []store.Manifest
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		parent, err := tx.GetManifestByExternalID(ctx, parentExternalID)
		if err != nil {
			if errors.Is(err, store.ErrManifestNotFound) {
				return fmt.Errorf("%w: %s", ErrMissingParent, parentExternalID)
			}
			return err
		}

		params := make([]store.UpsertManifestParams, 0, len(specs))
		for _, opts := range specs {
			p, err := s.buildParams(ctx, tx, opts, &parent.ID)
			if err != nil {
				return err
			}
			params = append(params, p)
		}
		if manifests, err = tx.BatchUpsertAndPrune(ctx, params, prunePrefix); err != nil {
			return err
		}
		return s.checkGroupDag(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("dependent manifest set applied",
		"count", len(manifests), "parent", parentExternalID, "prune_prefix", prunePrefix)
	return manifests, nil
}

// Trigger queues one immediate run of a manifest at its stored priority,
// inheriting the group's when the manifest has none, exactly as a scheduled
// run would. The run still passes through dispatch, so concurrency caps
// apply; if the manifest already has a live queued entry, nothing is added.
func (s *Scheduler) Trigger(ctx context.Context, externalID string) (store.WorkQueueItem, bool, error) {
	manifest, err := s.store.GetManifestByExternalID(ctx, externalID)
	if err != nil {
		return store.WorkQueueItem{}, false, err
	}

	priority := manifest.Priority
	if priority == 0 {
		group, err := s.store.GetGroup(ctx, manifest.GroupID)
		if err != nil {
			return store.WorkQueueItem{}, false, err
		}
		priority = group.Priority
	}

	item, created, err := s.store.CreateWorkQueueItem(ctx, store.CreateWorkQueueItemParams{
		ExternalID:    manifest.ExternalID,
		WorkflowName:  manifest.WorkflowTypeName,
		Input:         manifest.Input,
		InputTypeName: manifest.InputTypeName,
		ManifestID:    &manifest.ID,
		Priority:      priority,
		AvailableAt:   s.now(),
	})
	if err != nil {
		return store.WorkQueueItem{}, false, err
	}
	if created {
		s.logger.Info("manifest triggered", "external_id", externalID)
	}
	return item, created, nil
}

// CancelQueued withdraws a manifest's live queued entry before dispatch
// claims it. Returns false when there is nothing to withdraw.
func (s *Scheduler) CancelQueued(ctx context.Context, externalID string) (bool, error) {
	manifest, err := s.store.GetManifestByExternalID(ctx, externalID)
	if err != nil {
		return false, err
	}

	item, err := s.store.GetQueuedItemByManifest(ctx, manifest.ID)
	if err != nil {
		if errors.Is(err, store.ErrWorkQueueNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.store.CancelWorkQueueItem(ctx, item.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Dispatched between lookup and cancel.
			return false, nil
		}
		return false, err
	}
	s.logger.Info("queued run cancelled", "external_id", externalID, "work_queue_id", item.ID)
	return true, nil
}

// RunOnce queues a one-off execution of the workflow registered for the
// input's type, without creating a manifest. One-off runs are never retried.
func (s *Scheduler) RunOnce(ctx context.Context, input any, priority int) (store.WorkQueueItem, error) {
	handler, err := s.bus.ResolveInput(input)
	if err != nil {
		return store.WorkQueueItem{}, err
	}
	typeName, raw, err := workflow.EncodeInput(input)
	if err != nil {
		return store.WorkQueueItem{}, err
	}

	externalID := fmt.Sprintf("adhoc/%s/%s", handler.Name(), ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader))
	item, _, err := s.store.CreateWorkQueueItem(ctx, store.CreateWorkQueueItemParams{
		ExternalID:    externalID,
		WorkflowName:  handler.Name(),
		Input:         raw,
		InputTypeName: typeName,
		Priority:      priority,
		AvailableAt:   s.now(),
	})
	if err != nil {
		return store.WorkQueueItem{}, err
	}
	s.logger.Info("one-off execution queued", "external_id", externalID, "workflow", handler.Name())
	return item, nil
}

// EnableManifest re-enables a disabled manifest.
func (s *Scheduler) EnableManifest(ctx context.Context, externalID string) error {
	return s.store.SetManifestEnabled(ctx, externalID, true)
}

// DisableManifest stops a manifest from being queued or dispatched. Already
// running executions are unaffected.
func (s *Scheduler) DisableManifest(ctx context.Context, externalID string) error {
	return s.store.SetManifestEnabled(ctx, externalID, false)
}

// DeleteManifest removes a manifest. Its execution history remains until
// cleanup.
func (s *Scheduler) DeleteManifest(ctx context.Context, externalID string) error {
	return s.store.DeleteManifest(ctx, externalID)
}

// ConfigureGroup creates or reconfigures a policy group.
func (s *Scheduler) ConfigureGroup(ctx context.Context, params store.UpsertGroupParams) (store.ManifestGroup, error) {
	return s.store.UpsertGroup(ctx, params)
}

// EnableGroup re-enables dispatch for a group's manifests.
func (s *Scheduler) EnableGroup(ctx context.Context, name string) error {
	return s.store.SetGroupEnabled(ctx, name, true)
}

// DisableGroup suspends dispatch for every manifest in the group.
func (s *Scheduler) DisableGroup(ctx context.Context, name string) error {
	return s.store.SetGroupEnabled(ctx, name, false)
}

// Cancel requests cooperative cancellation of a running execution. The
// workflow stops at its next step boundary.
func (s *Scheduler) Cancel(ctx context.Context, metadataID uuid.UUID) error {
	return s.store.RequestCancellation(ctx, metadataID)
}

// ListDeadLetters returns dead letters, optionally filtered by status.
func (s *Scheduler) ListDeadLetters(ctx context.Context, status *store.DeadLetterStatus) ([]store.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx, status)
}

// AcknowledgeDeadLetter closes a dead letter without rerunning the manifest.
func (s *Scheduler) AcknowledgeDeadLetter(ctx context.Context, id uuid.UUID, note string) (store.DeadLetter, error) {
	return s.store.AcknowledgeDeadLetter(ctx, id, note)
}

// RetryDeadLetter closes a dead letter by launching a fresh execution of its
// manifest with a reset retry count. The execution is dispatched directly,
// bypassing the queue; resolving a dead letter is an explicit operator
// action and should not wait behind capped work.
func (s *Scheduler) RetryDeadLetter(ctx context.Context, id uuid.UUID) (store.Metadata, error) {
	var md store.Metadata
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		dl, err := tx.GetDeadLetter(ctx, id)
		if err != nil {
			return err
		}
		manifest, err := tx.GetManifest(ctx, dl.ManifestID)
		if err != nil {
			return err
		}

		scheduled := s.now()
		md, err = tx.CreateMetadata(ctx, store.CreateMetadataParams{
			ExternalID:    manifest.ExternalID,
			ManifestID:    &manifest.ID,
			WorkflowName:  manifest.WorkflowTypeName,
			Input:         manifest.Input,
			ScheduledTime: &scheduled,
		})
		if err != nil {
			return err
		}

		if _, err := s.tasks.Enqueue(ctx, tx.DB(), executor.JobPayload{
			MetadataID:    md.ID,
			ManifestID:    &manifest.ID,
			WorkflowName:  manifest.WorkflowTypeName,
			InputTypeName: manifest.InputTypeName,
			Input:         manifest.Input,
		}); err != nil {
			return err
		}

		_, err = tx.MarkDeadLetterRetried(ctx, id, md.ID)
		return err
	})
	if err != nil {
		return store.Metadata{}, err
	}
	s.logger.Info("dead letter retried", "dead_letter_id", id, "metadata_id", md.ID)
	return md, nil
}

func (s *Scheduler) buildParams(ctx context.Context, tx *store.Store, opts Options, parentID *uuid.UUID) (store.UpsertManifestParams, error) {
	if strings.TrimSpace(opts.ExternalID) == "" {
		return store.UpsertManifestParams{}, errors.New("manifest requires an external ID")
	}

	handler, err := s.bus.ResolveInput(opts.Input)
	if err != nil {
		return store.UpsertManifestParams{}, err
	}
	typeName, raw, err := workflow.EncodeInput(opts.Input)
	if err != nil {
		return store.UpsertManifestParams{}, err
	}

	groupName := opts.Group
	if groupName == "" {
		groupName = DefaultGroup
	}
	group, err := tx.EnsureGroup(ctx, groupName)
	if err != nil {
		return store.UpsertManifestParams{}, err
	}

	params := store.UpsertManifestParams{
		ExternalID:       opts.ExternalID,
		WorkflowTypeName: handler.Name(),
		Input:            raw,
		InputTypeName:    typeName,
		IsEnabled:        true,
		IsDormant:        opts.Dormant,
		MaxRetries:       opts.MaxRetries,
		Priority:         store.ClampPriority(opts.Priority),
		GroupID:          group.ID,
		ParentManifestID: parentID,
	}
	if opts.Timeout > 0 {
		secs := int64(opts.Timeout / time.Second)
		params.TimeoutSeconds = &secs
	}

	switch {
	case parentID != nil:
		params.ScheduleType = store.ScheduleDependent
	case opts.Schedule.Cron != "":
		if err := opts.Schedule.Validate(); err != nil {
			return store.UpsertManifestParams{}, err
		}
		cron := opts.Schedule.Cron
		params.ScheduleType = store.ScheduleCron
		params.CronExpression = &cron
	case opts.Schedule.Interval > 0:
		secs := int64(opts.Schedule.Interval / time.Second)
		params.ScheduleType = store.ScheduleInterval
		params.IntervalSeconds = &secs
	case opts.OnDemand:
		params.ScheduleType = store.ScheduleOnDemand
	default:
		return store.UpsertManifestParams{}, fmt.Errorf("%w: %s", ErrUnknownSchedule, opts.ExternalID)
	}

	return params, nil
}

// checkGroupDag fails the enclosing transaction when dependent manifests
// link their groups into a cycle.
func (s *Scheduler) checkGroupDag(ctx context.Context, tx *store.Store) error {
	groupEdges, err := tx.ListGroupEdges(ctx)
	if err != nil {
		return err
	}
	edges := make([]schedule.Edge, len(groupEdges))
	for i, e := range groupEdges {
		edges[i] = schedule.Edge{From: e.ParentGroup, To: e.ChildGroup}
	}
	return schedule.ValidateDag(nil, edges).Err()
}
