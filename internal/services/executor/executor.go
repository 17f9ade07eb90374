// Package executor runs dispatched jobs: it drives the workflow through
// the bus and translates the outcome into completion, retry, cancellation,
// or a dead letter.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chainsharp/scheduler/internal/services/store"
	"chainsharp/scheduler/internal/services/taskserver"
	"chainsharp/scheduler/internal/workflow"
)

// JobPayload is the task-server payload the dispatcher enqueues and the
// executor consumes. It refers to the pending execution record created at
// dispatch time.
type JobPayload struct {
	MetadataID    uuid.UUID       `json:"metadataId"`
	ManifestID    *uuid.UUID      `json:"manifestId,omitempty"`
	WorkflowName  string          `json:"workflowName"`
	InputTypeName string          `json:"inputTypeName"`
	Input         json.RawMessage `json:"input"`
}

// DefaultStaleAfter is the fallback redelivery age when no visibility
// timeout is configured.
const DefaultStaleAfter = 20 * time.Minute

// Executor is the per-job workhorse behind the task server workers.
type Executor struct {
	store  *store.Store
	bus    *workflow.Bus
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time

	// staleAfter is how old an in_progress execution must be before a
	// redelivered job treats its original worker as crashed. Normally the
	// task server's visibility timeout.
	staleAfter time.Duration
}

func New(st *store.Store, bus *workflow.Bus, retry RetryPolicy, staleAfter time.Duration, logger *slog.Logger) *Executor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Executor{
		store:      st,
		bus:        bus,
		retry:      retry,
		logger:     logger.With("component", "executor"),
		now:        time.Now,
		staleAfter: staleAfter,
	}
}

// Handle adapts Execute to the task server's handler contract.
func (e *Executor) Handle(ctx context.Context, job taskserver.Job) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return e.Execute(ctx, payload)
}

// Execute runs one dispatched job end to end.
func (e *Executor) Execute(ctx context.Context, payload JobPayload) error {
	logger := e.logger.With("metadata_id", payload.MetadataID, "workflow", payload.WorkflowName)

	md, err := e.store.GetMetadata(ctx, payload.MetadataID)
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}

	var manifest *store.Manifest
	if payload.ManifestID != nil {
		m, err := e.store.GetManifest(ctx, *payload.ManifestID)
		if err != nil && !errors.Is(err, store.ErrManifestNotFound) {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		if err == nil {
			manifest = &m
		}
	}

	if md.State != store.StatePending {
		if md.State == store.StateInProgress && e.staleInProgress(md) {
			// A redelivered claim whose original worker stopped reporting:
			// the execution stays in_progress only if the worker died.
			logger.Warn("recovering execution from crashed worker",
				"started_at", md.StartedAt, "retry_count", md.RetryCount)
			return e.recoverCrashed(ctx, md, manifest)
		}
		// A redelivered claim for work that already ran. At-least-once
		// makes this normal; the CAS below is the real gate.
		logger.Debug("skipping non-pending execution", "state", md.State)
		return nil
	}

	if md.CancellationRequested {
		return e.finishCancelled(ctx, md.ID, "cancelled before start")
	}

	started := e.now()
	md, err = e.store.TransitionMetadata(ctx, md.ID, store.StatePending, store.StateInProgress,
		store.TransitionFields{StartedAt: &started})
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Another worker won the row.
			return nil
		}
		return fmt.Errorf("failed to start execution: %w", err)
	}

	runCtx := ctx
	if manifest != nil && manifest.Timeout() > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, manifest.Timeout())
		defer cancel()
	}

	output, runErr := e.runWorkflow(runCtx, md, payload)
	ended := e.now()

	switch {
	case runErr == nil:
		return e.finishCompleted(ctx, md, manifest, output, ended)

	case errors.Is(runErr, workflow.ErrCancelled):
		logger.Info("execution cancelled")
		return e.finishCancelled(ctx, md.ID, runErr.Error())

	default:
		reason := runErr.Error()
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			reason = "timed out"
		}
		logger.Warn("execution failed", "reason", reason, "retry_count", md.RetryCount)
		return e.finishFailed(ctx, md, manifest, reason, ended)
	}
}

// staleInProgress reports whether an in_progress execution has been running
// long enough that its redelivered job can only mean a dead worker.
func (e *Executor) staleInProgress(md store.Metadata) bool {
	return md.StartedAt != nil && e.now().Sub(*md.StartedAt) >= e.staleAfter
}

// recoverCrashed fails an execution stranded by a dead worker and routes it
// through the normal retry chain.
func (e *Executor) recoverCrashed(ctx context.Context, md store.Metadata, manifest *store.Manifest) error {
	reason := "worker crashed"
	ended := e.now()

	return e.store.WithTx(ctx, func(tx *store.Store) error {
		_, err := tx.TransitionMetadata(ctx, md.ID, store.StateInProgress, store.StateFailed,
			store.TransitionFields{FailureReason: &reason, EndedAt: &ended})
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Finished between the load and the CAS.
				return nil
			}
			return fmt.Errorf("failed to fail stranded execution: %w", err)
		}
		return RouteFailure(ctx, tx, e.retry, md, manifest, reason, ended, e.logger)
	})
}

func (e *Executor) runWorkflow(ctx context.Context, md store.Metadata, payload JobPayload) (json.RawMessage, error) {
	handler, err := e.bus.ResolveInputType(payload.InputTypeName)
	if err != nil {
		return nil, err
	}

	run := workflow.NewRun(md.ID.String(), md.RetryCount, workflow.Hooks{
		CheckCancelled: func(ctx context.Context) (bool, error) {
			return e.store.IsCancellationRequested(ctx, md.ID)
		},
		OnStepStart: func(ctx context.Context, step string) {
			if err := e.store.SetCurrentStep(ctx, md.ID, step); err != nil {
				e.logger.Debug("failed to record current step", "step", step, "error", err)
			}
		},
	})

	return handler.Run(ctx, run, payload.Input)
}

func (e *Executor) finishCompleted(ctx context.Context, md store.Metadata, manifest *store.Manifest, output json.RawMessage, ended time.Time) error {
	_, err := e.store.TransitionMetadata(ctx, md.ID, store.StateInProgress, store.StateCompleted,
		store.TransitionFields{Output: output, EndedAt: &ended})
	if err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if manifest != nil {
		if err := e.store.SetLastSuccessfulRun(ctx, manifest.ID, ended); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) finishCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	ended := e.now()
	md, err := e.store.GetMetadata(ctx, id)
	if err != nil {
		return err
	}
	if md.State.Terminal() {
		return nil
	}
	_, err = e.store.TransitionMetadata(ctx, id, md.State, store.StateCancelled,
		store.TransitionFields{FailureReason: &reason, EndedAt: &ended})
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}
	return nil
}

func (e *Executor) finishFailed(ctx context.Context, md store.Metadata, manifest *store.Manifest, reason string, ended time.Time) error {
	return e.store.WithTx(ctx, func(tx *store.Store) error {
		_, err := tx.TransitionMetadata(ctx, md.ID, store.StateInProgress, store.StateFailed,
			store.TransitionFields{FailureReason: &reason, EndedAt: &ended})
		if err != nil {
			return fmt.Errorf("failed to fail execution: %w", err)
		}
		return RouteFailure(ctx, tx, e.retry, md, manifest, reason, ended, e.logger)
	})
}

// RouteFailure applies the retry policy to a failed execution: either a
// delayed work-queue row for the next attempt, or a dead letter once
// retries are exhausted. Runs on the caller's store so it can join an
// enclosing transaction; the startup recovery sweep shares it.
func RouteFailure(ctx context.Context, st *store.Store, retry RetryPolicy, md store.Metadata, manifest *store.Manifest, reason string, now time.Time, logger *slog.Logger) error {
	if manifest == nil {
		// Ad-hoc executions have no retry chain.
		return nil
	}

	if md.RetryCount < manifest.MaxRetries {
		// The retry keeps the priority the failed attempt was queued at,
		// which may have been inherited from the group.
		priority := manifest.Priority
		if prev, err := st.GetWorkQueueItemByMetadata(ctx, md.ID); err == nil {
			priority = prev.Priority
		}

		delay := retry.Delay(md.RetryCount)
		_, created, err := st.CreateWorkQueueItem(ctx, store.CreateWorkQueueItemParams{
			ExternalID:    manifest.ExternalID,
			WorkflowName:  manifest.WorkflowTypeName,
			Input:         manifest.Input,
			InputTypeName: manifest.InputTypeName,
			ManifestID:    &manifest.ID,
			Priority:      priority,
			RetryCount:    md.RetryCount + 1,
			AvailableAt:   now.Add(delay),
		})
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}
		if created {
			logger.Info("scheduled retry",
				"external_id", manifest.ExternalID,
				"attempt", md.RetryCount+1,
				"delay", delay)
		}
		return nil
	}

	dl, created, err := st.CreateDeadLetter(ctx, manifest.ID, reason, md.RetryCount)
	if err != nil {
		return fmt.Errorf("failed to create dead letter: %w", err)
	}
	if created {
		logger.Warn("execution dead-lettered",
			"external_id", manifest.ExternalID,
			"dead_letter_id", dl.ID,
			"retry_count", md.RetryCount)
	}
	return nil
}
