package manifests

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"chainsharp/scheduler/internal/database"
	"chainsharp/scheduler/internal/services/store"
)

type ManagerTestSuite struct {
	suite.Suite
	db      *database.TestDB
	store   *store.Store
	manager *Manager
}

func TestManagerTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) SetupSuite() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.db = database.SetupTestDB(s.T())
	s.store = store.New(s.db.Pool, logger)
	s.manager = NewManager(s.store, logger)
}

func (s *ManagerTestSuite) TearDownSuite() {
	s.db.Cleanup(s.T())
}

func (s *ManagerTestSuite) SetupTest() {
	_, err := s.db.Pool.Exec(context.Background(),
		`TRUNCATE dead_letter, work_queue, metadata, manifest, manifest_group CASCADE`)
	s.Require().NoError(err)
}

func (s *ManagerTestSuite) createGroup(name string, priority int) store.ManifestGroup {
	g, err := s.store.UpsertGroup(context.Background(), store.UpsertGroupParams{
		Name:      name,
		Priority:  priority,
		IsEnabled: true,
	})
	s.Require().NoError(err)
	return g
}

func (s *ManagerTestSuite) queuedItems(manifestID any) []store.WorkQueueItem {
	rows, err := s.db.Pool.Query(context.Background(), `
		SELECT id, external_id, workflow_name, input, input_type_name, manifest_id,
		       metadata_id, priority, retry_count, status, available_at, created_at,
		       dispatched_at
		  FROM work_queue WHERE manifest_id = $1 AND status = 'queued'`, manifestID)
	s.Require().NoError(err)
	defer rows.Close()

	var items []store.WorkQueueItem
	for rows.Next() {
		var i store.WorkQueueItem
		s.Require().NoError(rows.Scan(&i.ID, &i.ExternalID, &i.WorkflowName, &i.Input,
			&i.InputTypeName, &i.ManifestID, &i.MetadataID, &i.Priority, &i.RetryCount,
			&i.Status, &i.AvailableAt, &i.CreatedAt, &i.DispatchedAt))
		items = append(items, i)
	}
	return items
}

func (s *ManagerTestSuite) TestTickQueuesDueIntervalManifestOnce() {
	ctx := context.Background()
	group := s.createGroup("etl", 0)
	interval := int64(60)
	m, err := s.store.UpsertManifest(ctx, store.UpsertManifestParams{
		ExternalID:       "etl/ingest",
		WorkflowTypeName: "ingest",
		ScheduleType:     store.ScheduleInterval,
		IntervalSeconds:  &interval,
		IsEnabled:        true,
		Priority:         4,
		GroupID:          group.ID,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.manager.Tick(ctx))
	items := s.queuedItems(m.ID)
	s.Require().Len(items, 1)
	s.Equal(4, items[0].Priority)

	// A second tick sees the live queued row and stays quiet.
	s.Require().NoError(s.manager.Tick(ctx))
	s.Len(s.queuedItems(m.ID), 1)
}

func (s *ManagerTestSuite) TestTickInheritsGroupPriority() {
	ctx := context.Background()
	group := s.createGroup("etl", 12)
	interval := int64(60)
	m, err := s.store.UpsertManifest(ctx, store.UpsertManifestParams{
		ExternalID:       "etl/ingest",
		WorkflowTypeName: "ingest",
		ScheduleType:     store.ScheduleInterval,
		IntervalSeconds:  &interval,
		IsEnabled:        true,
		GroupID:          group.ID,
	})
	s.Require().NoError(err)

	s.Require().NoError(s.manager.Tick(ctx))
	items := s.queuedItems(m.ID)
	s.Require().Len(items, 1)
	s.Equal(12, items[0].Priority)
}

func (s *ManagerTestSuite) TestTickSkipsCronManifestNotYetDue() {
	ctx := context.Background()
	group := s.createGroup("etl", 0)
	cron := "0 0 1 1 *" // next New Year's Day
	m, err := s.store.UpsertManifest(ctx, store.UpsertManifestParams{
		ExternalID:       "etl/yearly",
		WorkflowTypeName: "ingest",
		ScheduleType:     store.ScheduleCron,
		CronExpression:   &cron,
		IsEnabled:        true,
		GroupID:          group.ID,
	})
	s.Require().NoError(err)

	// Last success just now pushes the next fire a year out.
	s.Require().NoError(s.store.SetLastSuccessfulRun(ctx, m.ID, time.Now()))

	s.Require().NoError(s.manager.Tick(ctx))
	s.Empty(s.queuedItems(m.ID))
}

func (s *ManagerTestSuite) TestTickQueuesOverdueCronManifest() {
	ctx := context.Background()
	group := s.createGroup("etl", 0)
	cron := "* * * * *"
	m, err := s.store.UpsertManifest(ctx, store.UpsertManifestParams{
		ExternalID:       "etl/minutely",
		WorkflowTypeName: "ingest",
		ScheduleType:     store.ScheduleCron,
		CronExpression:   &cron,
		IsEnabled:        true,
		GroupID:          group.ID,
	})
	s.Require().NoError(err)
	s.Require().NoError(s.store.SetLastSuccessfulRun(ctx, m.ID, time.Now().Add(-5*time.Minute)))

	s.Require().NoError(s.manager.Tick(ctx))
	s.Len(s.queuedItems(m.ID), 1)
}

func TestCronDue(t *testing.T) {
	m := NewManager(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC)

	hourly := "0 * * * *"
	lastRun := now.Add(-2 * time.Hour)
	manifest := store.Manifest{
		CronExpression:    &hourly,
		LastSuccessfulRun: &lastRun,
	}
	assert.True(t, m.cronDue(manifest, now))

	justRan := now.Add(-time.Minute)
	manifest.LastSuccessfulRun = &justRan
	assert.False(t, m.cronDue(manifest, now))

	// Never ran: creation time is the basis.
	manifest.LastSuccessfulRun = nil
	manifest.CreatedAt = now.Add(-90 * time.Minute)
	assert.True(t, m.cronDue(manifest, now))

	manifest.CreatedAt = now.Add(-time.Minute)
	assert.False(t, m.cronDue(manifest, now))

	bad := "nonsense"
	manifest.CronExpression = &bad
	assert.False(t, m.cronDue(manifest, now))

	manifest.CronExpression = nil
	assert.False(t, m.cronDue(manifest, now))
}
