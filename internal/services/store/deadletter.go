package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deadLetterColumns = `id, manifest_id, reason, retry_count_at_dead_letter, status,
	resolution_note, retry_metadata_id, resolved_at, created_at`

// CreateDeadLetter records an exhausted retry chain. At most one open dead
// letter exists per manifest: a second create while one awaits
// intervention is a no-op and returns created=false.
func (s *Store) CreateDeadLetter(ctx context.Context, manifestID uuid.UUID, reason string, retryCount int) (DeadLetter, bool, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO dead_letter (manifest_id, reason, retry_count_at_dead_letter)
		VALUES ($1, $2, $3)
		ON CONFLICT (manifest_id) WHERE status = 'awaiting_intervention' DO NOTHING
		RETURNING `+deadLetterColumns,
		manifestID, reason, retryCount)

	dl, err := scanDeadLetter(row)
	if errors.Is(err, ErrDeadLetterNotFound) {
		return DeadLetter{}, false, nil
	}
	if err != nil {
		return DeadLetter{}, false, err
	}
	return dl, true, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id uuid.UUID) (DeadLetter, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letter WHERE id = $1`, id)
	return scanDeadLetter(row)
}

// ListDeadLetters returns dead letters, optionally filtered by status,
// newest first.
func (s *Store) ListDeadLetters(ctx context.Context, status *DeadLetterStatus) ([]DeadLetter, error) {
	query := psql.Select(deadLetterColumns).
		From("dead_letter").
		OrderBy("created_at DESC")
	if status != nil {
		query = query.Where(sq.Eq{"status": *status})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build dead letter query: %w", err)
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var result []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, dl)
	}
	return result, rows.Err()
}

// AcknowledgeDeadLetter resolves an open dead letter with a note.
func (s *Store) AcknowledgeDeadLetter(ctx context.Context, id uuid.UUID, note string) (DeadLetter, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE dead_letter
		   SET status = 'acknowledged', resolution_note = $2, resolved_at = NOW()
		 WHERE id = $1 AND status = 'awaiting_intervention'
		RETURNING `+deadLetterColumns, id, note)

	dl, err := scanDeadLetter(row)
	if errors.Is(err, ErrDeadLetterNotFound) {
		return DeadLetter{}, fmt.Errorf("%w: dead letter %s is not awaiting intervention", ErrInvalidTransition, id)
	}
	return dl, err
}

// MarkDeadLetterRetried resolves an open dead letter by pointing it at the
// fresh execution record created for the retry. Callers create that record
// in the same transaction so the two writes land atomically.
func (s *Store) MarkDeadLetterRetried(ctx context.Context, id, retryMetadataID uuid.UUID) (DeadLetter, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE dead_letter
		   SET status = 'retried', retry_metadata_id = $2, resolved_at = NOW()
		 WHERE id = $1 AND status = 'awaiting_intervention'
		RETURNING `+deadLetterColumns, id, retryMetadataID)

	dl, err := scanDeadLetter(row)
	if errors.Is(err, ErrDeadLetterNotFound) {
		return DeadLetter{}, fmt.Errorf("%w: dead letter %s is not awaiting intervention", ErrInvalidTransition, id)
	}
	return dl, err
}

func scanDeadLetter(row pgx.Row) (DeadLetter, error) {
	var dl DeadLetter
	err := row.Scan(&dl.ID, &dl.ManifestID, &dl.Reason, &dl.RetryCountAtDeadLetter,
		&dl.Status, &dl.ResolutionNote, &dl.RetryMetadataID, &dl.ResolvedAt, &dl.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DeadLetter{}, ErrDeadLetterNotFound
		}
		return DeadLetter{}, fmt.Errorf("failed to scan dead letter: %w", mapPgError(err))
	}
	return dl, nil
}
