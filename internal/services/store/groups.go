package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const groupColumns = `id, name, priority, max_active_jobs, is_enabled, created_at, updated_at`

// UpsertGroupParams configures a group's dispatch policy.
type UpsertGroupParams struct {
	Name          string
	Priority      int
	MaxActiveJobs *int
	IsEnabled     bool
}

// UpsertGroup creates or reconfigures a policy group by name.
func (s *Store) UpsertGroup(ctx context.Context, params UpsertGroupParams) (ManifestGroup, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO manifest_group (name, priority, max_active_jobs, is_enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			priority = EXCLUDED.priority,
			max_active_jobs = EXCLUDED.max_active_jobs,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = NOW()
		RETURNING `+groupColumns,
		params.Name, ClampPriority(params.Priority), params.MaxActiveJobs, params.IsEnabled)

	return scanGroup(row)
}

// EnsureGroup returns the named group, creating it with default policy if
// it does not exist. Existing policy is left untouched.
func (s *Store) EnsureGroup(ctx context.Context, name string) (ManifestGroup, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO manifest_group (name)
		VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING `+groupColumns, name)

	return scanGroup(row)
}

func (s *Store) GetGroupByName(ctx context.Context, name string) (ManifestGroup, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM manifest_group WHERE name = $1`, name)
	return scanGroup(row)
}

func (s *Store) ListGroups(ctx context.Context) ([]ManifestGroup, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+groupColumns+` FROM manifest_group ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []ManifestGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetGroupEnabled flips a group's kill switch.
func (s *Store) SetGroupEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE manifest_group SET is_enabled = $2, updated_at = NOW() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return fmt.Errorf("failed to set group enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	return nil
}

// DeleteOrphanGroups removes groups no manifest references and returns the
// deleted names.
func (s *Store) DeleteOrphanGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM manifest_group g
		WHERE NOT EXISTS (SELECT 1 FROM manifest m WHERE m.manifest_group_id = g.id)
		RETURNING g.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to delete orphan groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan orphan group name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func scanGroup(row pgx.Row) (ManifestGroup, error) {
	var g ManifestGroup
	err := row.Scan(&g.ID, &g.Name, &g.Priority, &g.MaxActiveJobs, &g.IsEnabled,
		&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ManifestGroup{}, ErrGroupNotFound
		}
		return ManifestGroup{}, fmt.Errorf("failed to scan group: %w", mapPgError(err))
	}
	return g, nil
}

// GetGroup fetches a group by ID.
func (s *Store) GetGroup(ctx context.Context, id uuid.UUID) (ManifestGroup, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM manifest_group WHERE id = $1`, id)
	return scanGroup(row)
}
