package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrGroupNotFound      = errors.New("manifest group not found")
	ErrManifestNotFound   = errors.New("manifest not found")
	ErrMetadataNotFound   = errors.New("metadata not found")
	ErrWorkQueueNotFound  = errors.New("work queue item not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrStoreConflict surfaces transient write conflicts (unique
	// violations on contended upserts, serialization failures). Callers
	// retry through RetryConflicts.
	ErrStoreConflict = errors.New("store conflict")

	// ErrInvalidTransition is returned by CAS state changes whose
	// precondition no longer holds.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// DBTX is the slice of pgx shared by *pgxpool.Pool and pgx.Tx that the
// store queries through, so every operation runs equally inside and
// outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// psql builds queries with Postgres placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements the durable operations of the scheduler. A Store is
// either pool-backed or bound to one transaction via WithTx.
type Store struct {
	db     DBTX
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		db:     pool,
		pool:   pool,
		logger: logger.With("component", "store"),
	}
}

// DB exposes the store's current querier so collaborators (the task
// server's enqueue, for one) can join the same transaction.
func (s *Store) DB() DBTX { return s.db }

// WithTx runs fn against a transaction-bound store. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		// Already transaction-bound; nest flatly.
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	txStore := &Store{db: tx, logger: s.logger}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapPgError(err))
	}
	return nil
}

// conflictRetries bounds local retries of ErrStoreConflict.
const conflictRetries = 3

// RetryConflicts runs fn, retrying up to three times with exponential
// backoff while it fails with ErrStoreConflict. Any other error returns
// immediately.
func (s *Store) RetryConflicts(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), conflictRetries), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrStoreConflict) {
			s.logger.Debug("retrying conflicting store operation", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// Postgres error codes that qualify as transient conflicts.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrStoreConflict, pgErr.Message)
		}
	}
	return err
}
