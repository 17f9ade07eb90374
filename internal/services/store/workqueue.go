package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const workQueueColumns = `id, external_id, workflow_name, input, input_type_name,
	manifest_id, metadata_id, priority, retry_count, status, available_at,
	created_at, dispatched_at`

// CreateWorkQueueItemParams describes a dispatch request. AvailableAt in
// the future delays dispatch, which is how retry backoff is persisted.
type CreateWorkQueueItemParams struct {
	ExternalID    string
	WorkflowName  string
	Input         json.RawMessage
	InputTypeName string
	ManifestID    *uuid.UUID
	Priority      int
	RetryCount    int
	AvailableAt   time.Time
}

// CreateWorkQueueItem inserts a queued row. For manifest-bound requests it
// suppresses duplicates: the partial unique index on queued rows makes a
// second live entry for the same manifest a conflict, so concurrent
// replicas cannot double-queue. On suppression created is false.
func (s *Store) CreateWorkQueueItem(ctx context.Context, params CreateWorkQueueItemParams) (WorkQueueItem, bool, error) {
	if params.Input == nil {
		params.Input = json.RawMessage(`{}`)
	}
	if params.AvailableAt.IsZero() {
		params.AvailableAt = time.Now()
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO work_queue (
			external_id, workflow_name, input, input_type_name, manifest_id,
			priority, retry_count, available_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (manifest_id) WHERE status = 'queued' DO NOTHING
		RETURNING `+workQueueColumns,
		params.ExternalID, params.WorkflowName, params.Input, params.InputTypeName,
		params.ManifestID, ClampPriority(params.Priority), params.RetryCount,
		params.AvailableAt)

	item, err := scanWorkQueueItem(row)
	if errors.Is(err, ErrWorkQueueNotFound) {
		return WorkQueueItem{}, false, nil
	}
	if err != nil {
		return WorkQueueItem{}, false, err
	}
	return item, true, nil
}

// ClaimCandidate is a queued row with the group context and effective
// priority the admission algorithm works on.
type ClaimCandidate struct {
	Item              WorkQueueItem
	IsDependent       bool
	GroupID           *uuid.UUID
	GroupName         string
	EffectivePriority int
}

// ListClaimCandidates locks and returns up to limit queued rows that are
// available now and whose manifest and group (when present) are enabled,
// ordered by effective priority then FIFO. The effective priority adds
// dependentBoost for dependent manifests, clamped to the priority range.
//
// Rows are locked FOR UPDATE SKIP LOCKED, so concurrent dispatchers claim
// disjoint sets. Call inside WithTx and resolve each candidate with
// MarkDispatched before committing.
func (s *Store) ListClaimCandidates(ctx context.Context, limit, dependentBoost int) ([]ClaimCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT q.id, q.external_id, q.workflow_name, q.input, q.input_type_name,
		       q.manifest_id, q.metadata_id, q.priority, q.retry_count, q.status,
		       q.available_at, q.created_at, q.dispatched_at,
		       COALESCE(mf.schedule_type = 'dependent', FALSE),
		       mf.manifest_group_id,
		       COALESCE(g.name, ''),
		       GREATEST(0, LEAST(q.priority + CASE WHEN mf.schedule_type = 'dependent' THEN $2 ELSE 0 END, 31))
		  FROM work_queue q
		  LEFT JOIN manifest mf ON mf.id = q.manifest_id
		  LEFT JOIN manifest_group g ON g.id = mf.manifest_group_id
		 WHERE q.status = 'queued'
		   AND q.available_at <= NOW()
		   AND (q.manifest_id IS NULL OR (mf.is_enabled AND g.is_enabled))
		 ORDER BY 17 DESC, q.created_at ASC
		 LIMIT $1
		 FOR UPDATE OF q SKIP LOCKED`, limit, dependentBoost)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim candidates: %w", err)
	}
	defer rows.Close()

	var candidates []ClaimCandidate
	for rows.Next() {
		var c ClaimCandidate
		i := &c.Item
		err := rows.Scan(&i.ID, &i.ExternalID, &i.WorkflowName, &i.Input, &i.InputTypeName,
			&i.ManifestID, &i.MetadataID, &i.Priority, &i.RetryCount, &i.Status,
			&i.AvailableAt, &i.CreatedAt, &i.DispatchedAt,
			&c.IsDependent, &c.GroupID, &c.GroupName, &c.EffectivePriority)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claim candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// MarkDispatched finalizes an admitted row: stamps the metadata reference
// and flips queued -> dispatched. Dispatched is terminal for the row.
func (s *Store) MarkDispatched(ctx context.Context, id, metadataID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_queue
		   SET status = 'dispatched', metadata_id = $2, dispatched_at = NOW()
		 WHERE id = $1 AND status = 'queued'`, id, metadataID)
	if err != nil {
		return fmt.Errorf("failed to mark work queue item dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work queue item %s is not queued", ErrInvalidTransition, id)
	}
	return nil
}

// CancelWorkQueueItem flips queued -> cancelled.
func (s *Store) CancelWorkQueueItem(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE work_queue SET status = 'cancelled' WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel work queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: work queue item %s is not queued", ErrInvalidTransition, id)
	}
	return nil
}

// GetWorkQueueItem fetches one row by ID.
func (s *Store) GetWorkQueueItem(ctx context.Context, id uuid.UUID) (WorkQueueItem, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workQueueColumns+` FROM work_queue WHERE id = $1`, id)
	return scanWorkQueueItem(row)
}

// GetQueuedItemByManifest fetches a manifest's live queued row. At most one
// exists at a time.
func (s *Store) GetQueuedItemByManifest(ctx context.Context, manifestID uuid.UUID) (WorkQueueItem, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workQueueColumns+` FROM work_queue WHERE manifest_id = $1 AND status = 'queued'`,
		manifestID)
	return scanWorkQueueItem(row)
}

// GetWorkQueueItemByMetadata fetches the dispatched row that produced an
// execution record. Retries read it to carry the original queue priority
// forward.
func (s *Store) GetWorkQueueItemByMetadata(ctx context.Context, metadataID uuid.UUID) (WorkQueueItem, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+workQueueColumns+` FROM work_queue WHERE metadata_id = $1`, metadataID)
	return scanWorkQueueItem(row)
}

func scanWorkQueueItem(row pgx.Row) (WorkQueueItem, error) {
	var i WorkQueueItem
	err := row.Scan(&i.ID, &i.ExternalID, &i.WorkflowName, &i.Input, &i.InputTypeName,
		&i.ManifestID, &i.MetadataID, &i.Priority, &i.RetryCount, &i.Status,
		&i.AvailableAt, &i.CreatedAt, &i.DispatchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkQueueItem{}, ErrWorkQueueNotFound
		}
		return WorkQueueItem{}, fmt.Errorf("failed to scan work queue item: %w", mapPgError(err))
	}
	return i, nil
}
