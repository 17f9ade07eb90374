package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"chainsharp/scheduler/internal/database"
	"chainsharp/scheduler/internal/services/store"
	"chainsharp/scheduler/internal/services/taskserver"
)

type DispatcherTestSuite struct {
	suite.Suite
	db    *database.TestDB
	store *store.Store
	tasks *taskserver.Server
}

func TestDispatcherTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(DispatcherTestSuite))
}

func (s *DispatcherTestSuite) SetupSuite() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.db = database.SetupTestDB(s.T())
	s.store = store.New(s.db.Pool, logger)
	s.tasks = taskserver.New(s.db.Pool, logger)
}

func (s *DispatcherTestSuite) TearDownSuite() {
	s.db.Cleanup(s.T())
}

func (s *DispatcherTestSuite) SetupTest() {
	_, err := s.db.Pool.Exec(context.Background(),
		`TRUNCATE dead_letter, work_queue, metadata, manifest, manifest_group, background_job CASCADE`)
	s.Require().NoError(err)
}

func (s *DispatcherTestSuite) newDispatcher(cfg Config) *Dispatcher {
	return New(s.store, s.tasks, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func (s *DispatcherTestSuite) createManifest(groupName, externalID string, groupCap *int) store.Manifest {
	ctx := context.Background()
	group, err := s.store.UpsertGroup(ctx, store.UpsertGroupParams{
		Name:          groupName,
		MaxActiveJobs: groupCap,
		IsEnabled:     true,
	})
	s.Require().NoError(err)

	m, err := s.store.UpsertManifest(ctx, store.UpsertManifestParams{
		ExternalID:       externalID,
		WorkflowTypeName: "demo-workflow",
		ScheduleType:     store.ScheduleOnDemand,
		IsEnabled:        true,
		GroupID:          group.ID,
	})
	s.Require().NoError(err)
	return m
}

func (s *DispatcherTestSuite) enqueue(m store.Manifest, priority int) store.WorkQueueItem {
	item, created, err := s.store.CreateWorkQueueItem(context.Background(), store.CreateWorkQueueItemParams{
		ExternalID:   m.ExternalID,
		WorkflowName: m.WorkflowTypeName,
		ManifestID:   &m.ID,
		Priority:     priority,
	})
	s.Require().NoError(err)
	s.Require().True(created)
	return item
}

func (s *DispatcherTestSuite) TestTickDispatchesQueuedWork() {
	ctx := context.Background()
	m := s.createManifest("alpha", "alpha/job", nil)
	item := s.enqueue(m, 5)

	d := s.newDispatcher(Config{GlobalCap: 10, DependentBoost: 5, BatchSize: 10})
	s.Require().NoError(d.Tick(ctx))

	got, err := s.store.GetWorkQueueItem(ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(store.QueueStatusDispatched, got.Status)
	s.Require().NotNil(got.MetadataID)

	md, err := s.store.GetMetadata(ctx, *got.MetadataID)
	s.Require().NoError(err)
	s.Equal(store.StatePending, md.State)
	s.Equal(m.ExternalID, md.ExternalID)

	pending, err := s.tasks.CountPending(ctx)
	s.Require().NoError(err)
	s.Equal(1, pending)
}

func (s *DispatcherTestSuite) TestTickHonorsGlobalCap() {
	ctx := context.Background()
	a := s.createManifest("alpha", "alpha/a", nil)
	b := s.createManifest("alpha", "alpha/b", nil)
	c := s.createManifest("alpha", "alpha/c", nil)
	s.enqueue(a, 10)
	s.enqueue(b, 5)
	s.enqueue(c, 1)

	d := s.newDispatcher(Config{GlobalCap: 2, DependentBoost: 5, BatchSize: 10})
	s.Require().NoError(d.Tick(ctx))

	var dispatched, queued int
	s.Require().NoError(s.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'dispatched'),
		        COUNT(*) FILTER (WHERE status = 'queued')
		   FROM work_queue`).Scan(&dispatched, &queued))
	s.Equal(2, dispatched)
	s.Equal(1, queued)

	// The lowest priority entry waits for the next round.
	got, err := s.store.GetManifestByExternalID(ctx, "alpha/c")
	s.Require().NoError(err)
	var status store.WorkQueueStatus
	s.Require().NoError(s.db.Pool.QueryRow(ctx,
		`SELECT status FROM work_queue WHERE manifest_id = $1`, got.ID).Scan(&status))
	s.Equal(store.QueueStatusQueued, status)
}

func (s *DispatcherTestSuite) TestTickHonorsGroupCap() {
	ctx := context.Background()
	one := 1
	a := s.createManifest("capped", "capped/a", &one)
	b := s.createManifest("capped", "capped/b", &one)
	free := s.createManifest("open", "open/a", nil)
	s.enqueue(a, 10)
	s.enqueue(b, 9)
	s.enqueue(free, 1)

	d := s.newDispatcher(Config{GlobalCap: 10, DependentBoost: 5, BatchSize: 10})
	s.Require().NoError(d.Tick(ctx))

	// One from the capped group, plus the open group's entry.
	var dispatched []string
	rows, err := s.db.Pool.Query(ctx,
		`SELECT external_id FROM work_queue WHERE status = 'dispatched' ORDER BY external_id`)
	s.Require().NoError(err)
	defer rows.Close()
	for rows.Next() {
		var id string
		s.Require().NoError(rows.Scan(&id))
		dispatched = append(dispatched, id)
	}
	s.Equal([]string{"capped/a", "open/a"}, dispatched)
}

func (s *DispatcherTestSuite) TestTickCountsRunningJobsAgainstCaps() {
	ctx := context.Background()
	m := s.createManifest("alpha", "alpha/job", nil)

	// Two executions already active fill the global cap.
	for i := 0; i < 2; i++ {
		_, err := s.store.CreateMetadata(ctx, store.CreateMetadataParams{
			ExternalID:   m.ExternalID,
			ManifestID:   &m.ID,
			WorkflowName: m.WorkflowTypeName,
		})
		s.Require().NoError(err)
	}
	item := s.enqueue(m, 10)

	d := s.newDispatcher(Config{GlobalCap: 2, DependentBoost: 5, BatchSize: 10})
	s.Require().NoError(d.Tick(ctx))

	got, err := s.store.GetWorkQueueItem(ctx, item.ID)
	s.Require().NoError(err)
	s.Equal(store.QueueStatusQueued, got.Status)
}

func (s *DispatcherTestSuite) TestTickEmptyQueue() {
	d := s.newDispatcher(Config{GlobalCap: 10, DependentBoost: 5, BatchSize: 10})
	s.Require().NoError(d.Tick(context.Background()))

	pending, err := s.tasks.CountPending(context.Background())
	s.Require().NoError(err)
	s.Zero(pending)
}
