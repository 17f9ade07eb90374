package workflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled aborts a run at a step boundary. It is terminal: the
// executor maps it to the cancelled state with no retry and no dead letter.
var ErrCancelled = errors.New("workflow run cancelled")

// Hooks are the executor's observation points around step execution.
// CheckCancelled is consulted before every step; OnStepStart records the
// currently running step on the execution record.
type Hooks struct {
	CheckCancelled func(ctx context.Context) (bool, error)
	OnStepStart    func(ctx context.Context, step string)
}

// Run is the per-job value object handed to a workflow body. It carries the
// execution identity and routes step boundaries through the executor hooks.
type Run struct {
	MetadataID string
	RetryCount int

	hooks Hooks
}

func NewRun(metadataID string, retryCount int, hooks Hooks) *Run {
	return &Run{MetadataID: metadataID, RetryCount: retryCount, hooks: hooks}
}

// Step executes one named unit of work. Cooperative cancellation happens
// here: if cancellation was requested, the step does not start and the run
// unwinds with ErrCancelled. A context that expired its deadline is a
// timeout, not a cancellation; the error keeps that identity so the
// executor routes it through the failure chain.
func (r *Run) Step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("deadline exceeded before step %s: %w", name, err)
		}
		return fmt.Errorf("%w: %s", ErrCancelled, name)
	}
	if r.hooks.CheckCancelled != nil {
		cancelled, err := r.hooks.CheckCancelled(ctx)
		if err != nil {
			return fmt.Errorf("failed to check cancellation before step %s: %w", name, err)
		}
		if cancelled {
			return fmt.Errorf("%w: %s", ErrCancelled, name)
		}
	}
	if r.hooks.OnStepStart != nil {
		r.hooks.OnStepStart(ctx, name)
	}
	return fn(ctx)
}
