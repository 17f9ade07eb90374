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

const manifestColumns = `id, external_id, workflow_type_name, input, input_type_name,
	schedule_type, cron_expression, interval_seconds, is_enabled, is_dormant,
	max_retries, timeout_seconds, priority, manifest_group_id, parent_manifest_id,
	last_successful_run, created_at, updated_at`

// UpsertManifestParams carries every writable manifest field. The upsert
// keys on ExternalID and never touches LastSuccessfulRun.
type UpsertManifestParams struct {
	ExternalID       string
	WorkflowTypeName string
	Input            json.RawMessage
	InputTypeName    string
	ScheduleType     ScheduleType
	CronExpression   *string
	IntervalSeconds  *int64
	IsEnabled        bool
	IsDormant        bool
	MaxRetries       int
	TimeoutSeconds   *int64
	Priority         int
	GroupID          uuid.UUID
	ParentManifestID *uuid.UUID
}

// UpsertManifest inserts or updates a manifest by external ID, preserving
// its last successful run across updates.
func (s *Store) UpsertManifest(ctx context.Context, params UpsertManifestParams) (Manifest, error) {
	if params.ScheduleType == ScheduleDependent && params.ParentManifestID == nil {
		return Manifest{}, fmt.Errorf("dependent manifest %s requires a parent", params.ExternalID)
	}
	if params.Input == nil {
		params.Input = json.RawMessage(`{}`)
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO manifest (
			external_id, workflow_type_name, input, input_type_name, schedule_type,
			cron_expression, interval_seconds, is_enabled, is_dormant, max_retries,
			timeout_seconds, priority, manifest_group_id, parent_manifest_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (external_id) DO UPDATE SET
			workflow_type_name = EXCLUDED.workflow_type_name,
			input = EXCLUDED.input,
			input_type_name = EXCLUDED.input_type_name,
			schedule_type = EXCLUDED.schedule_type,
			cron_expression = EXCLUDED.cron_expression,
			interval_seconds = EXCLUDED.interval_seconds,
			is_enabled = EXCLUDED.is_enabled,
			is_dormant = EXCLUDED.is_dormant,
			max_retries = EXCLUDED.max_retries,
			timeout_seconds = EXCLUDED.timeout_seconds,
			priority = EXCLUDED.priority,
			manifest_group_id = EXCLUDED.manifest_group_id,
			parent_manifest_id = EXCLUDED.parent_manifest_id,
			updated_at = NOW()
		RETURNING `+manifestColumns,
		params.ExternalID, params.WorkflowTypeName, params.Input, params.InputTypeName,
		params.ScheduleType, params.CronExpression, params.IntervalSeconds,
		params.IsEnabled, params.IsDormant, params.MaxRetries, params.TimeoutSeconds,
		ClampPriority(params.Priority), params.GroupID, params.ParentManifestID)

	return scanManifest(row)
}

// BatchUpsertAndPrune atomically upserts every item and, when prunePrefix
// is non-empty, deletes manifests whose external ID starts with the prefix
// but are absent from the batch. Deletion cascades to queued work and dead
// letters through the schema.
func (s *Store) BatchUpsertAndPrune(ctx context.Context, items []UpsertManifestParams, prunePrefix string) ([]Manifest, error) {
	var result []Manifest
	err := s.WithTx(ctx, func(tx *Store) error {
		keep := make([]string, 0, len(items))
		for _, item := range items {
			m, err := tx.UpsertManifest(ctx, item)
			if err != nil {
				return fmt.Errorf("failed to upsert manifest %s: %w", item.ExternalID, err)
			}
			result = append(result, m)
			keep = append(keep, m.ExternalID)
		}

		if prunePrefix == "" {
			return nil
		}
		tag, err := tx.db.Exec(ctx, `
			DELETE FROM manifest
			WHERE starts_with(external_id, $1)
			  AND NOT (external_id = ANY($2))`,
			prunePrefix, keep)
		if err != nil {
			return fmt.Errorf("failed to prune manifests with prefix %q: %w", prunePrefix, err)
		}
		if tag.RowsAffected() > 0 {
			tx.logger.Info("pruned manifests",
				"prefix", prunePrefix, "count", tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetManifest(ctx context.Context, id uuid.UUID) (Manifest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+manifestColumns+` FROM manifest WHERE id = $1`, id)
	return scanManifest(row)
}

func (s *Store) GetManifestByExternalID(ctx context.Context, externalID string) (Manifest, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+manifestColumns+` FROM manifest WHERE external_id = $1`, externalID)
	return scanManifest(row)
}

// SetManifestEnabled flips a manifest's enabled flag by external ID.
func (s *Store) SetManifestEnabled(ctx context.Context, externalID string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE manifest SET is_enabled = $2, updated_at = NOW() WHERE external_id = $1`,
		externalID, enabled)
	if err != nil {
		return fmt.Errorf("failed to set manifest enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, externalID)
	}
	return nil
}

// SetLastSuccessfulRun advances a manifest's last successful run. The
// update is monotonic: an older timestamp is a no-op, so late-arriving
// completions cannot move the watermark backwards.
func (s *Store) SetLastSuccessfulRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE manifest
		   SET last_successful_run = $2, updated_at = NOW()
		 WHERE id = $1
		   AND (last_successful_run IS NULL OR last_successful_run < $2)`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to set last successful run: %w", err)
	}
	return nil
}

// DeleteManifest removes a manifest by external ID, cascading to its
// queued work and dead letters.
func (s *Store) DeleteManifest(ctx context.Context, externalID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM manifest WHERE external_id = $1`, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrManifestNotFound, externalID)
	}
	return nil
}

// ListDueManifests returns scheduling candidates: enabled manifests in
// enabled groups with no live queued row and no non-terminal execution.
// Interval manifests are filtered to those whose interval has elapsed and
// dependents to those whose parent's last success overtook theirs; cron
// candidates are returned for the caller to evaluate against the cron
// expression, which SQL cannot do.
func (s *Store) ListDueManifests(ctx context.Context, now time.Time) ([]DueManifest, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.id, m.external_id, m.workflow_type_name, m.input, m.input_type_name,
		       m.schedule_type, m.cron_expression, m.interval_seconds, m.is_enabled,
		       m.is_dormant, m.max_retries, m.timeout_seconds, m.priority,
		       m.manifest_group_id, m.parent_manifest_id, m.last_successful_run,
		       m.created_at, m.updated_at,
		       g.name, g.priority, p.last_successful_run
		  FROM manifest m
		  JOIN manifest_group g ON g.id = m.manifest_group_id
		  LEFT JOIN manifest p ON p.id = m.parent_manifest_id
		 WHERE m.is_enabled
		   AND g.is_enabled
		   AND m.schedule_type IN ('cron', 'interval', 'dependent')
		   AND NOT (m.schedule_type = 'dependent' AND m.is_dormant)
		   AND NOT EXISTS (
		       SELECT 1 FROM work_queue q
		        WHERE q.manifest_id = m.id AND q.status = 'queued')
		   AND NOT EXISTS (
		       SELECT 1 FROM metadata md
		        WHERE md.manifest_id = m.id AND md.state IN ('pending', 'in_progress'))
		   AND (
		       m.schedule_type = 'cron'
		       OR (m.schedule_type = 'interval' AND (
		           m.last_successful_run IS NULL
		           OR m.last_successful_run + make_interval(secs => m.interval_seconds) <= $1))
		       OR (m.schedule_type = 'dependent' AND p.last_successful_run IS NOT NULL AND (
		           m.last_successful_run IS NULL
		           OR m.last_successful_run < p.last_successful_run))
		   )
		 ORDER BY m.external_id`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due manifests: %w", err)
	}
	defer rows.Close()

	var due []DueManifest
	for rows.Next() {
		var d DueManifest
		m := &d.Manifest
		err := rows.Scan(&m.ID, &m.ExternalID, &m.WorkflowTypeName, &m.Input, &m.InputTypeName,
			&m.ScheduleType, &m.CronExpression, &m.IntervalSeconds, &m.IsEnabled,
			&m.IsDormant, &m.MaxRetries, &m.TimeoutSeconds, &m.Priority,
			&m.GroupID, &m.ParentManifestID, &m.LastSuccessfulRun,
			&m.CreatedAt, &m.UpdatedAt,
			&d.GroupName, &d.GroupPriority, &d.ParentLastSuccess)
		if err != nil {
			return nil, fmt.Errorf("failed to scan due manifest: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// GroupEdge is a parent -> child manifest dependency projected onto group
// names.
type GroupEdge struct {
	ParentGroup string
	ChildGroup  string
}

// ListGroupEdges returns the dependency edges between groups implied by
// dependent manifests, for configuration-time cycle detection.
func (s *Store) ListGroupEdges(ctx context.Context) ([]GroupEdge, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT pg.name, cg.name
		  FROM manifest c
		  JOIN manifest p ON p.id = c.parent_manifest_id
		  JOIN manifest_group cg ON cg.id = c.manifest_group_id
		  JOIN manifest_group pg ON pg.id = p.manifest_group_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list group edges: %w", err)
	}
	defer rows.Close()

	var edges []GroupEdge
	for rows.Next() {
		var e GroupEdge
		if err := rows.Scan(&e.ParentGroup, &e.ChildGroup); err != nil {
			return nil, fmt.Errorf("failed to scan group edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func scanManifest(row pgx.Row) (Manifest, error) {
	var m Manifest
	err := row.Scan(&m.ID, &m.ExternalID, &m.WorkflowTypeName, &m.Input, &m.InputTypeName,
		&m.ScheduleType, &m.CronExpression, &m.IntervalSeconds, &m.IsEnabled,
		&m.IsDormant, &m.MaxRetries, &m.TimeoutSeconds, &m.Priority,
		&m.GroupID, &m.ParentManifestID, &m.LastSuccessfulRun,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Manifest{}, ErrManifestNotFound
		}
		return Manifest{}, fmt.Errorf("failed to scan manifest: %w", mapPgError(err))
	}
	return m, nil
}
