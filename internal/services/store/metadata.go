package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const metadataColumns = `id, external_id, manifest_id, workflow_name, input, output,
	state, failure_reason, scheduled_time, started_at, ended_at, retry_count,
	currently_running_step, cancellation_requested, created_at, updated_at`

// CreateMetadataParams describes a new pending execution record.
type CreateMetadataParams struct {
	ExternalID    string
	ManifestID    *uuid.UUID
	WorkflowName  string
	Input         json.RawMessage
	ScheduledTime *time.Time
	RetryCount    int
}

func (s *Store) CreateMetadata(ctx context.Context, params CreateMetadataParams) (Metadata, error) {
	if params.Input == nil {
		params.Input = json.RawMessage(`{}`)
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO metadata (external_id, manifest_id, workflow_name, input, scheduled_time, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+metadataColumns,
		params.ExternalID, params.ManifestID, params.WorkflowName, params.Input,
		params.ScheduledTime, params.RetryCount)
	return scanMetadata(row)
}

func (s *Store) GetMetadata(ctx context.Context, id uuid.UUID) (Metadata, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+metadataColumns+` FROM metadata WHERE id = $1`, id)
	return scanMetadata(row)
}

// TransitionFields are the columns a state transition may stamp.
type TransitionFields struct {
	Output        json.RawMessage
	FailureReason *string
	StartedAt     *time.Time
	EndedAt       *time.Time
}

// TransitionMetadata moves an execution from one state to another with a
// compare-and-set on the current state. A precondition miss returns
// ErrInvalidTransition, so two workers racing on the same row cannot both
// win.
func (s *Store) TransitionMetadata(ctx context.Context, id uuid.UUID, from, to MetadataState, fields TransitionFields) (Metadata, error) {
	if !validTransition(from, to) {
		return Metadata{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	update := psql.Update("metadata").
		Set("state", to).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"id": id, "state": from}).
		Suffix("RETURNING " + metadataColumns)

	if fields.Output != nil {
		update = update.Set("output", fields.Output)
	}
	if fields.FailureReason != nil {
		update = update.Set("failure_reason", *fields.FailureReason)
	}
	if fields.StartedAt != nil {
		update = update.Set("started_at", *fields.StartedAt)
	}
	if fields.EndedAt != nil {
		update = update.Set("ended_at", *fields.EndedAt)
	}

	query, args, err := update.ToSql()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to build transition query: %w", err)
	}

	m, err := scanMetadata(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrMetadataNotFound) {
		// Row exists in another state, or not at all; either way the CAS
		// precondition failed.
		return Metadata{}, fmt.Errorf("%w: metadata %s is not %s", ErrInvalidTransition, id, from)
	}
	return m, err
}

func validTransition(from, to MetadataState) bool {
	switch from {
	case StatePending:
		return to == StateInProgress || to == StateFailed || to == StateCancelled
	case StateInProgress:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}

// RequestCancellation flags a non-terminal execution for cooperative
// cancellation. The executor observes the flag at the next step boundary.
func (s *Store) RequestCancellation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE metadata
		   SET cancellation_requested = TRUE, updated_at = NOW()
		 WHERE id = $1 AND state IN ('pending', 'in_progress')`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s (or already terminal)", ErrMetadataNotFound, id)
	}
	return nil
}

// IsCancellationRequested re-reads the cancellation flag; called between
// workflow steps.
func (s *Store) IsCancellationRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx,
		`SELECT cancellation_requested FROM metadata WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrMetadataNotFound
		}
		return false, fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	return requested, nil
}

// SetCurrentStep records the step a running execution is in.
func (s *Store) SetCurrentStep(ctx context.Context, id uuid.UUID, step string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE metadata SET currently_running_step = $2, updated_at = NOW() WHERE id = $1`,
		id, step)
	if err != nil {
		return fmt.Errorf("failed to set current step: %w", err)
	}
	return nil
}

// ListInProgressMetadata returns executions stuck in progress since before
// the cutoff; a zero cutoff returns all in-progress rows.
func (s *Store) ListInProgressMetadata(ctx context.Context, cutoff time.Time) ([]Metadata, error) {
	query := psql.Select(metadataColumns).
		From("metadata").
		Where(sq.Eq{"state": StateInProgress}).
		OrderBy("started_at ASC NULLS FIRST")
	if !cutoff.IsZero() {
		query = query.Where(sq.Lt{"started_at": cutoff})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build in-progress query: %w", err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress metadata: %w", err)
	}
	defer rows.Close()

	var result []Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// CountActiveJobs counts pending and in-progress executions, excluding the
// given workflow names (the admin workflows), optionally restricted to one
// group.
func (s *Store) CountActiveJobs(ctx context.Context, excludedWorkflows []string, groupID *uuid.UUID) (int, error) {
	query := psql.Select("COUNT(*)").
		From("metadata m").
		Where(sq.Eq{"m.state": []MetadataState{StatePending, StateInProgress}})
	if len(excludedWorkflows) > 0 {
		query = query.Where(sq.NotEq{"m.workflow_name": excludedWorkflows})
	}
	if groupID != nil {
		query = query.
			Join("manifest mf ON mf.id = m.manifest_id").
			Where(sq.Eq{"mf.manifest_group_id": *groupID})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build active jobs query: %w", err)
	}

	var count int
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// CountActiveJobsByGroup returns active (non-admin) execution counts keyed
// by group ID. Executions without a manifest are keyed under uuid.Nil.
func (s *Store) CountActiveJobsByGroup(ctx context.Context, excludedWorkflows []string) (map[uuid.UUID]int, error) {
	const groupKey = "COALESCE(mf.manifest_group_id, '00000000-0000-0000-0000-000000000000'::uuid)"
	query := psql.Select(groupKey, "COUNT(*)").
		From("metadata m").
		LeftJoin("manifest mf ON mf.id = m.manifest_id").
		Where(sq.Eq{"m.state": []MetadataState{StatePending, StateInProgress}}).
		GroupBy(groupKey)
	if len(excludedWorkflows) > 0 {
		query = query.Where(sq.NotEq{"m.workflow_name": excludedWorkflows})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build active jobs by group query: %w", err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count active jobs by group: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var groupID uuid.UUID
		var count int
		if err := rows.Scan(&groupID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan active job count: %w", err)
		}
		counts[groupID] = count
	}
	return counts, rows.Err()
}

// DeleteTerminalMetadataBefore purges terminal executions of the given
// workflows that ended before the cutoff. Returns the number deleted.
func (s *Store) DeleteTerminalMetadataBefore(ctx context.Context, workflows []string, cutoff time.Time) (int64, error) {
	if len(workflows) == 0 {
		return 0, nil
	}
	query, args, err := psql.Delete("metadata").
		Where(sq.Eq{"state": []MetadataState{StateCompleted, StateFailed, StateCancelled}}).
		Where(sq.Eq{"workflow_name": workflows}).
		Where(sq.Lt{"ended_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build cleanup query: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal metadata: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMetadata(row pgx.Row) (Metadata, error) {
	var m Metadata
	err := row.Scan(&m.ID, &m.ExternalID, &m.ManifestID, &m.WorkflowName, &m.Input, &m.Output,
		&m.State, &m.FailureReason, &m.ScheduledTime, &m.StartedAt, &m.EndedAt, &m.RetryCount,
		&m.CurrentlyRunningStep, &m.CancellationRequested, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Metadata{}, ErrMetadataNotFound
		}
		return Metadata{}, fmt.Errorf("failed to scan metadata: %w", mapPgError(err))
	}
	return m, nil
}
