package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"chainsharp/scheduler/internal/database"
	"chainsharp/scheduler/internal/schedule"
	"chainsharp/scheduler/internal/services/store"
	"chainsharp/scheduler/internal/services/taskserver"
	"chainsharp/scheduler/internal/workflow"
)

type reportInput struct {
	Region string `json:"region"`
}

type SchedulerTestSuite struct {
	suite.Suite
	db    *database.TestDB
	store *store.Store
	tasks *taskserver.Server
	sched *Scheduler
}

func TestSchedulerTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) SetupSuite() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.db = database.SetupTestDB(s.T())
	s.store = store.New(s.db.Pool, logger)
	s.tasks = taskserver.New(s.db.Pool, logger)

	bus := workflow.NewBus()
	workflow.MustRegister(bus, "report", func(ctx context.Context, run *workflow.Run, input reportInput) (any, error) {
		return nil, nil
	})
	s.sched = New(s.store, s.tasks, bus, logger)
}

func (s *SchedulerTestSuite) TearDownSuite() {
	s.db.Cleanup(s.T())
}

func (s *SchedulerTestSuite) SetupTest() {
	_, err := s.db.Pool.Exec(context.Background(),
		`TRUNCATE dead_letter, work_queue, metadata, manifest, manifest_group, background_job CASCADE`)
	s.Require().NoError(err)
}

func (s *SchedulerTestSuite) TestScheduleCreatesManifestAndGroup() {
	ctx := context.Background()
	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/daily",
		Group:      "reports",
		Schedule:   schedule.EveryMinutes(30),
		Input:      reportInput{Region: "eu"},
		MaxRetries: 3,
		Timeout:    time.Minute,
		Priority:   7,
	})
	s.Require().NoError(err)

	s.Equal("report", m.WorkflowTypeName)
	s.Equal(store.ScheduleInterval, m.ScheduleType)
	s.Require().NotNil(m.IntervalSeconds)
	s.Equal(int64(1800), *m.IntervalSeconds)
	s.Equal(7, m.Priority)
	s.JSONEq(`{"region":"eu"}`, string(m.Input))
	s.True(strings.HasSuffix(m.InputTypeName, "reportInput"))

	group, err := s.store.GetGroupByName(ctx, "reports")
	s.Require().NoError(err)
	s.Equal(group.ID, m.GroupID)
}

func (s *SchedulerTestSuite) TestScheduleCron() {
	m, err := s.sched.Schedule(context.Background(), Options{
		ExternalID: "reports/nightly",
		Schedule:   schedule.Cron("0 2 * * *"),
		Input:      reportInput{},
	})
	s.Require().NoError(err)
	s.Equal(store.ScheduleCron, m.ScheduleType)
	s.Require().NotNil(m.CronExpression)
	s.Equal("0 2 * * *", *m.CronExpression)
}

func (s *SchedulerTestSuite) TestScheduleRejectsInvalidCron() {
	_, err := s.sched.Schedule(context.Background(), Options{
		ExternalID: "reports/bad",
		Schedule:   schedule.Cron("not a cron"),
		Input:      reportInput{},
	})
	s.Error(err)
}

func (s *SchedulerTestSuite) TestScheduleRejectsMissingSchedule() {
	_, err := s.sched.Schedule(context.Background(), Options{
		ExternalID: "reports/none",
		Input:      reportInput{},
	})
	s.ErrorIs(err, ErrUnknownSchedule)
}

func (s *SchedulerTestSuite) TestScheduleDependentRequiresParent() {
	_, err := s.sched.ScheduleDependent(context.Background(), Options{
		ExternalID: "reports/child",
		Input:      reportInput{},
	}, "reports/ghost")
	s.ErrorIs(err, ErrMissingParent)
}

func (s *SchedulerTestSuite) TestScheduleDependentRejectsGroupCycle() {
	ctx := context.Background()

	_, err := s.sched.Schedule(ctx, Options{
		ExternalID: "a/root",
		Group:      "a",
		Schedule:   schedule.EveryMinutes(5),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	_, err = s.sched.ScheduleDependent(ctx, Options{
		ExternalID: "b/child",
		Group:      "b",
		Input:      reportInput{},
	}, "a/root")
	s.Require().NoError(err)

	// b -> a closes the loop and must roll back.
	_, err = s.sched.ScheduleDependent(ctx, Options{
		ExternalID: "a/loop",
		Group:      "a",
		Input:      reportInput{},
	}, "b/child")
	s.ErrorIs(err, schedule.ErrCyclicGroups)

	_, err = s.store.GetManifestByExternalID(ctx, "a/loop")
	s.ErrorIs(err, store.ErrManifestNotFound)
}

func (s *SchedulerTestSuite) TestScheduleManyPrunes() {
	ctx := context.Background()

	_, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/stale",
		Group:      "reports",
		Schedule:   schedule.EveryMinutes(5),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	applied, err := s.sched.ScheduleMany(ctx, []Options{
		{
			ExternalID: "reports/fresh",
			Group:      "reports",
			Schedule:   schedule.EveryMinutes(5),
			Input:      reportInput{},
		},
	}, "reports/")
	s.Require().NoError(err)
	s.Len(applied, 1)

	_, err = s.store.GetManifestByExternalID(ctx, "reports/stale")
	s.ErrorIs(err, store.ErrManifestNotFound)
}

func (s *SchedulerTestSuite) TestScheduleManyDependent() {
	ctx := context.Background()

	parent, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/root",
		Group:      "reports",
		Schedule:   schedule.EveryMinutes(5),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	_, err = s.sched.ScheduleDependent(ctx, Options{
		ExternalID: "exports/stale",
		Group:      "exports",
		Input:      reportInput{},
	}, "reports/root")
	s.Require().NoError(err)

	applied, err := s.sched.ScheduleManyDependent(ctx, []Options{
		{ExternalID: "exports/csv", Group: "exports", Input: reportInput{}},
		{ExternalID: "exports/pdf", Group: "exports", Input: reportInput{}},
	}, "reports/root", "exports/")
	s.Require().NoError(err)
	s.Require().Len(applied, 2)

	for _, m := range applied {
		s.Equal(store.ScheduleDependent, m.ScheduleType)
		s.Require().NotNil(m.ParentManifestID)
		s.Equal(parent.ID, *m.ParentManifestID)
	}

	_, err = s.store.GetManifestByExternalID(ctx, "exports/stale")
	s.ErrorIs(err, store.ErrManifestNotFound)
}

func (s *SchedulerTestSuite) TestScheduleManyDependentRequiresParent() {
	_, err := s.sched.ScheduleManyDependent(context.Background(), []Options{
		{ExternalID: "exports/csv", Input: reportInput{}},
	}, "reports/ghost", "")
	s.ErrorIs(err, ErrMissingParent)
}

func (s *SchedulerTestSuite) TestTriggerQueuesOnceAtStoredPriority() {
	ctx := context.Background()
	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/daily",
		Schedule:   schedule.EveryMinutes(30),
		Input:      reportInput{},
		Priority:   9,
	})
	s.Require().NoError(err)

	item, created, err := s.sched.Trigger(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(9, item.Priority)

	_, created, err = s.sched.Trigger(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.False(created)
}

func (s *SchedulerTestSuite) TestTriggerInheritsGroupPriority() {
	ctx := context.Background()
	_, err := s.sched.ConfigureGroup(ctx, store.UpsertGroupParams{
		Name:      "heavy",
		Priority:  12,
		IsEnabled: true,
	})
	s.Require().NoError(err)

	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "heavy/daily",
		Group:      "heavy",
		Schedule:   schedule.EveryMinutes(30),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	item, created, err := s.sched.Trigger(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.True(created)
	s.Equal(12, item.Priority)
}

func (s *SchedulerTestSuite) TestCancelQueued() {
	ctx := context.Background()
	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/daily",
		Schedule:   schedule.EveryMinutes(30),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	item, created, err := s.sched.Trigger(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.Require().True(created)

	cancelled, err := s.sched.CancelQueued(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.True(cancelled)

	var status store.WorkQueueStatus
	err = s.db.Pool.QueryRow(ctx,
		`SELECT status FROM work_queue WHERE id = $1`, item.ID).Scan(&status)
	s.Require().NoError(err)
	s.Equal(store.QueueStatusCancelled, status)

	// Nothing left to withdraw.
	cancelled, err = s.sched.CancelQueued(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.False(cancelled)
}

func (s *SchedulerTestSuite) TestRunOnce() {
	ctx := context.Background()
	item, err := s.sched.RunOnce(ctx, reportInput{Region: "us"}, 3)
	s.Require().NoError(err)

	s.True(strings.HasPrefix(item.ExternalID, "adhoc/report/"))
	s.Equal("report", item.WorkflowName)
	s.Nil(item.ManifestID)
	s.Equal(3, item.Priority)
	s.JSONEq(`{"region":"us"}`, string(item.Input))
}

func (s *SchedulerTestSuite) TestEnableDisableManifest() {
	ctx := context.Background()
	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/daily",
		Schedule:   schedule.EveryMinutes(5),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	s.Require().NoError(s.sched.DisableManifest(ctx, m.ExternalID))
	got, err := s.store.GetManifestByExternalID(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.False(got.IsEnabled)

	s.Require().NoError(s.sched.EnableManifest(ctx, m.ExternalID))
	got, err = s.store.GetManifestByExternalID(ctx, m.ExternalID)
	s.Require().NoError(err)
	s.True(got.IsEnabled)
}

func (s *SchedulerTestSuite) TestRetryDeadLetter() {
	ctx := context.Background()
	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/daily",
		Schedule:   schedule.EveryMinutes(5),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	dl, created, err := s.store.CreateDeadLetter(ctx, m.ID, "gave up", 3)
	s.Require().NoError(err)
	s.Require().True(created)

	md, err := s.sched.RetryDeadLetter(ctx, dl.ID)
	s.Require().NoError(err)
	s.Equal(store.StatePending, md.State)
	s.Zero(md.RetryCount)

	resolved, err := s.store.GetDeadLetter(ctx, dl.ID)
	s.Require().NoError(err)
	s.Equal(store.DeadLetterRetried, resolved.Status)
	s.Require().NotNil(resolved.RetryMetadataID)
	s.Equal(md.ID, *resolved.RetryMetadataID)

	// The retry bypasses the queue and lands on the task server directly.
	pending, err := s.tasks.CountPending(ctx)
	s.Require().NoError(err)
	s.Equal(1, pending)
}

func (s *SchedulerTestSuite) TestAcknowledgeDeadLetter() {
	ctx := context.Background()
	m, err := s.sched.Schedule(ctx, Options{
		ExternalID: "reports/daily",
		Schedule:   schedule.EveryMinutes(5),
		Input:      reportInput{},
	})
	s.Require().NoError(err)

	dl, _, err := s.store.CreateDeadLetter(ctx, m.ID, "gave up", 3)
	s.Require().NoError(err)

	resolved, err := s.sched.AcknowledgeDeadLetter(ctx, dl.ID, "expected during migration")
	s.Require().NoError(err)
	s.Equal(store.DeadLetterAcknowledged, resolved.Status)
	s.Require().NotNil(resolved.ResolutionNote)
	s.Equal("expected during migration", *resolved.ResolutionNote)
}
