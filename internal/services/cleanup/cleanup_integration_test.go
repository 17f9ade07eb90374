package cleanup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"chainsharp/scheduler/internal/database"
	"chainsharp/scheduler/internal/services/store"
)

type CleanupTestSuite struct {
	suite.Suite
	db    *database.TestDB
	store *store.Store
}

func TestCleanupTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(CleanupTestSuite))
}

func (s *CleanupTestSuite) SetupSuite() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.db = database.SetupTestDB(s.T())
	s.store = store.New(s.db.Pool, logger)
}

func (s *CleanupTestSuite) TearDownSuite() {
	s.db.Cleanup(s.T())
}

func (s *CleanupTestSuite) SetupTest() {
	_, err := s.db.Pool.Exec(context.Background(), `TRUNCATE metadata CASCADE`)
	s.Require().NoError(err)
}

func (s *CleanupTestSuite) finished(externalID, workflowName string, endedAgo time.Duration) store.Metadata {
	ctx := context.Background()
	md, err := s.store.CreateMetadata(ctx, store.CreateMetadataParams{
		ExternalID:   externalID,
		WorkflowName: workflowName,
	})
	s.Require().NoError(err)

	started := time.Now().Add(-endedAgo - time.Minute)
	ended := time.Now().Add(-endedAgo)
	_, err = s.store.TransitionMetadata(ctx, md.ID, store.StatePending, store.StateInProgress,
		store.TransitionFields{StartedAt: &started})
	s.Require().NoError(err)
	md, err = s.store.TransitionMetadata(ctx, md.ID, store.StateInProgress, store.StateCompleted,
		store.TransitionFields{EndedAt: &ended})
	s.Require().NoError(err)
	return md
}

func (s *CleanupTestSuite) TestTickPrunesExpiredConfiguredWorkflows() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	expired := s.finished("a/expired", "reports", 48*time.Hour)
	recent := s.finished("a/recent", "reports", time.Hour)
	other := s.finished("a/other", "billing", 48*time.Hour)
	admin := s.finished("admin/tick", store.WorkflowMetadataCleanup, 48*time.Hour)

	svc := New(s.store, []string{"reports"}, 24*time.Hour, logger)
	s.Require().NoError(svc.Tick(ctx))

	_, err := s.store.GetMetadata(ctx, expired.ID)
	s.ErrorIs(err, store.ErrMetadataNotFound)
	// Admin workflow records are always purgeable.
	_, err = s.store.GetMetadata(ctx, admin.ID)
	s.ErrorIs(err, store.ErrMetadataNotFound)

	_, err = s.store.GetMetadata(ctx, recent.ID)
	s.NoError(err)
	_, err = s.store.GetMetadata(ctx, other.ID)
	s.NoError(err)
}

func (s *CleanupTestSuite) TestTickKeepsNonTerminalRecords() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	md, err := s.store.CreateMetadata(ctx, store.CreateMetadataParams{
		ExternalID:   "a/running",
		WorkflowName: "reports",
	})
	s.Require().NoError(err)

	svc := New(s.store, []string{"reports"}, 0, logger)
	s.Require().NoError(svc.Tick(ctx))

	_, err = s.store.GetMetadata(ctx, md.ID)
	s.NoError(err)
}
