// Package taskserver is the Postgres-backed background job queue: enqueue,
// claim with SKIP LOCKED, complete, and visibility-timeout crash recovery.
//
// A claimed job whose worker dies becomes claimable again once its
// fetched_at falls outside the visibility window, which gives the system
// at-least-once execution without any coordinator process.
package taskserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX lets Enqueue run on the pool or join a caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Job is one background_job row.
type Job struct {
	ID          uuid.UUID
	Payload     json.RawMessage
	FetchedAt   *time.Time
	AvailableAt time.Time
	CreatedAt   time.Time
}

// Server owns the background_job table.
type Server struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Server {
	return &Server{pool: pool, logger: logger.With("component", "taskserver")}
}

// Enqueue inserts a job. It runs on the supplied querier so callers can
// make the insert atomic with their own writes.
func (s *Server) Enqueue(ctx context.Context, db DBTX, payload any) (uuid.UUID, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	var id uuid.UUID
	err = db.QueryRow(ctx, `
		INSERT INTO background_job (payload) VALUES ($1) RETURNING id`, raw).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue background job: %w", err)
	}
	return id, nil
}

// Claim atomically takes the oldest claimable job: unclaimed, or claimed
// longer ago than the visibility timeout. Returns nil when nothing is
// claimable.
func (s *Server) Claim(ctx context.Context, visibilityTimeout time.Duration) (*Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE background_job
		   SET fetched_at = NOW()
		 WHERE id = (
			SELECT id FROM background_job
			 WHERE fetched_at IS NULL
			    OR fetched_at < NOW() - ($1 * INTERVAL '1 second')
			 ORDER BY available_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED)
		RETURNING id, payload, fetched_at, available_at, created_at`,
		visibilityTimeout.Seconds())

	var job Job
	err := row.Scan(&job.ID, &job.Payload, &job.FetchedAt, &job.AvailableAt, &job.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim background job: %w", err)
	}
	return &job, nil
}

// Complete deletes a finished job. Both success and failure complete the
// row; the audit trail lives in the execution records.
func (s *Server) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM background_job WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete background job: %w", err)
	}
	return nil
}

// CountPending returns the number of unfinished jobs, claimed or not.
func (s *Server) CountPending(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM background_job`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count background jobs: %w", err)
	}
	return count, nil
}
