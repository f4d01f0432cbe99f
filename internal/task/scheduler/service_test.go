package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	"schedview/internal/storage"
	"schedview/internal/task/engine"
	logx "schedview/pkg/logx"
)

type harness struct {
	svc   *Service
	sub   *eventbus.Subscription
	store storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := eventbus.New()
	sub := bus.Subscribe(64, schedule.LifecycleEvents...)
	t.Cleanup(sub.Close)

	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "history")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng := engine.New(engine.Config{Workers: 2, QueueSize: 8}, logx.Nop(), bus)
	eng.Start(context.Background())
	svc := New(Config{Timezone: "UTC"}, eng, store, logx.Nop(), bus)
	svc.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
		eng.Stop(ctx)
	})
	return &harness{svc: svc, sub: sub, store: store}
}

func (h *harness) next(t *testing.T) eventbus.Event {
	t.Helper()
	select {
	case ev := <-h.sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func (h *harness) types(t *testing.T, n int) []eventbus.Type {
	t.Helper()
	out := make([]eventbus.Type, 0, n)
	for range n {
		out = append(out, h.next(t).Type)
	}
	return out
}

func okRunner(context.Context) (Outcome, error) {
	return Outcome{Success: schedule.BoolPtr(true)}, nil
}

func hourly(name string) TriggerSpec {
	return TriggerSpec{Key: schedule.NewTriggerKey(name, "ops"), Schedule: "@every 1h"}
}

func TestTriggerJobRunsThroughFeed(t *testing.T) {
	h := newHarness(t)
	job := schedule.NewJobKey("backup", "ops")
	failing := func(context.Context) (Outcome, error) {
		return Outcome{Success: schedule.BoolPtr(false), Code: 2, Result: "disk full"}, nil
	}
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: job, Durable: true}, failing, 0, false))
	require.NoError(t, h.svc.TriggerJob(context.Background(), "backup", "ops"))

	scheduled := h.next(t)
	require.Equal(t, schedule.EventJobScheduled, scheduled.Type)
	trig := scheduled.Data.(schedule.Trigger)
	assert.Equal(t, job, trig.JobKey)
	assert.Equal(t, "ops", trig.Key.Group)

	assert.Equal(t, schedule.EventJobToBeExecuted, h.next(t).Type)

	was := h.next(t)
	require.Equal(t, schedule.EventJobWasExecuted, was.Type)
	ec := was.Data.(schedule.ExecutionContext)
	assert.True(t, ec.Failed())
	assert.Equal(t, "ExitCode=2, Result=disk full", ec.ReturnCodeAndResult())
	assert.Equal(t, trig.Key, ec.TriggerKey)

	fin := h.next(t)
	require.Equal(t, schedule.EventTriggerFinalized, fin.Type)
	assert.Equal(t, trig.Key, fin.Data.(schedule.Trigger).Key)

	got, err := h.store.LatestExecutionLog(context.Background(), schedule.HistoryQuery{JobName: "backup", JobGroup: "ops"}, schedule.PageMetadata{PageSize: 5})
	require.NoError(t, err)
	require.Len(t, got.Items, 1)
	assert.Equal(t, schedule.LogTrigger, got.Items[0].LogType)
	assert.Equal(t, "ExitCode=2, Result=disk full", got.Items[0].ShortResultMessage())

	// The durable job survives its manual trigger.
	d, err := h.svc.GetJobDetail(context.Background(), "backup", "ops")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.True(t, d.Durable)
}

func TestTriggerJobRecordsException(t *testing.T) {
	h := newHarness(t)
	boom := func(context.Context) (Outcome, error) { return Outcome{}, errors.New("boom") }
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: schedule.NewJobKey("x", "")}, boom, 0, false))
	require.NoError(t, h.svc.TriggerJob(context.Background(), "x", ""))

	h.next(t)
	h.next(t)
	was := h.next(t)
	require.Equal(t, schedule.EventJobWasExecuted, was.Type)
	assert.Equal(t, "boom", was.Data.(schedule.ExecutionContext).Exception)
}

func TestTriggerJobUnknown(t *testing.T) {
	h := newHarness(t)
	err := h.svc.TriggerJob(context.Background(), "nope", "ops")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDeleteJobUnschedulesFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := schedule.NewJobKey("report", "ops")
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: job}, okRunner, 0, false))
	require.NoError(t, h.svc.ScheduleJob(ctx, job, hourly("a")))
	require.NoError(t, h.svc.ScheduleJob(ctx, job, hourly("b")))
	assert.Equal(t, []eventbus.Type{schedule.EventJobScheduled, schedule.EventJobScheduled}, h.types(t, 2))

	require.NoError(t, h.svc.DeleteJob(ctx, job))
	assert.Equal(t, schedule.EventJobUnscheduled, h.next(t).Type)
	assert.Equal(t, schedule.EventJobUnscheduled, h.next(t).Type)
	deleted := h.next(t)
	assert.Equal(t, schedule.EventJobDeleted, deleted.Type)
	assert.Equal(t, job, deleted.Data.(schedule.JobKey))

	assert.ErrorIs(t, h.svc.DeleteJob(ctx, job), ErrJobNotFound)
}

func TestUnscheduleLastTriggerDropsNonDurableJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := schedule.NewJobKey("once", "ops")
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: job}, okRunner, 0, false))
	require.NoError(t, h.svc.ScheduleJob(ctx, job, hourly("t")))
	h.next(t)

	require.NoError(t, h.svc.UnscheduleJob(ctx, schedule.NewTriggerKey("t", "ops")))
	ev := h.next(t)
	assert.Equal(t, schedule.EventJobUnscheduled, ev.Type)

	d, err := h.svc.GetJobDetail(ctx, "once", "ops")
	require.NoError(t, err)
	assert.Nil(t, d)

	assert.ErrorIs(t, h.svc.UnscheduleJob(ctx, schedule.NewTriggerKey("t", "ops")), ErrTriggerNotFound)
}

func TestPauseResumeAndListJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	backup := schedule.NewJobKey("backup", "ops")
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: backup, Description: "nightly backup"}, okRunner, 0, false))
	require.NoError(t, h.svc.ScheduleJob(ctx, backup, hourly("t1")))
	require.NoError(t, h.svc.ScheduleJob(ctx, backup, hourly("t2")))
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: schedule.NewJobKey("archive", "ops"), Durable: true}, okRunner, 0, false))
	sys := schedule.NewJobKey("gc", schedule.SystemGroup)
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: sys, Durable: true}, okRunner, 0, false))
	h.types(t, 2)

	require.NoError(t, h.svc.PauseTrigger(ctx, "t2", "ops"))
	paused := h.next(t)
	assert.Equal(t, schedule.EventTriggerPaused, paused.Type)
	assert.Equal(t, schedule.NewTriggerKey("t2", "ops"), paused.Data.(schedule.TriggerKey))

	var rows []schedule.ScheduleView
	for v, err := range h.svc.ListJobs(ctx, schedule.Filter{}) {
		require.NoError(t, err)
		rows = append(rows, v)
	}
	require.Len(t, rows, 3)
	assert.Equal(t, "archive", rows[0].JobName)
	assert.Equal(t, schedule.NoTrigger, rows[0].Status)
	assert.False(t, rows[0].HasTrigger())
	assert.Equal(t, "t1", rows[1].TriggerName)
	assert.Equal(t, schedule.Idle, rows[1].Status)
	assert.False(t, rows[1].NextFireTime.IsZero())
	assert.Equal(t, "nightly backup", rows[1].Description)
	assert.Equal(t, schedule.Paused, rows[2].Status)

	n := 0
	for range h.svc.ListJobs(ctx, schedule.Filter{IncludeSystemJobs: true}) {
		n++
	}
	assert.Equal(t, 4, n)

	require.NoError(t, h.svc.ResumeTrigger(ctx, "t2", "ops"))
	assert.Equal(t, schedule.EventTriggerResumed, h.next(t).Type)
	v, err := h.svc.GetScheduleView(ctx, schedule.NewTriggerKey("t2", "ops"))
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, schedule.Idle, v.Status)

	assert.ErrorIs(t, h.svc.PauseTrigger(ctx, "missing", "ops"), ErrTriggerNotFound)
	v, err = h.svc.GetScheduleView(ctx, schedule.NewTriggerKey("missing", "ops"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestScheduleJobValidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := schedule.NewJobKey("j", "ops")

	assert.ErrorIs(t, h.svc.ScheduleJob(ctx, job, hourly("t")), ErrJobNotFound)
	require.NoError(t, h.svc.AddJob(schedule.JobDetail{Key: job}, okRunner, 0, false))
	assert.ErrorIs(t, h.svc.AddJob(schedule.JobDetail{Key: job}, okRunner, 0, false), ErrJobExists)
	assert.Error(t, h.svc.ScheduleJob(ctx, job, TriggerSpec{Key: schedule.NewTriggerKey("bad", "ops"), Schedule: "nonsense"}))
	require.NoError(t, h.svc.ScheduleJob(ctx, job, hourly("t")))
	assert.ErrorIs(t, h.svc.ScheduleJob(ctx, job, hourly("t")), ErrTriggerExists)
}

func TestSyncReplacesChangedJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := func(name, fp string) JobSpec {
		return JobSpec{
			Detail:      schedule.JobDetail{Key: schedule.NewJobKey(name, "ops")},
			Run:         okRunner,
			Triggers:    []TriggerSpec{hourly(name + "-t")},
			Fingerprint: fp,
		}
	}

	require.NoError(t, h.svc.Sync(ctx, []JobSpec{spec("a", "1"), spec("b", "1")}))
	assert.Equal(t, []eventbus.Type{
		schedule.EventJobScheduled,
		schedule.EventJobScheduled,
		schedule.EventJobsSynced,
	}, h.types(t, 3))

	require.NoError(t, h.svc.Sync(ctx, []JobSpec{spec("a", "1"), spec("b", "2")}))
	assert.Equal(t, []eventbus.Type{
		schedule.EventJobUnscheduled,
		schedule.EventJobDeleted,
		schedule.EventJobScheduled,
		schedule.EventJobsSynced,
	}, h.types(t, 4))

	require.NoError(t, h.svc.Sync(ctx, []JobSpec{spec("b", "2")}))
	assert.Equal(t, []eventbus.Type{
		schedule.EventJobUnscheduled,
		schedule.EventJobDeleted,
		schedule.EventJobsSynced,
	}, h.types(t, 3))

	// An unchanged set publishes nothing.
	require.NoError(t, h.svc.Sync(ctx, []JobSpec{spec("b", "2")}))
	assert.Empty(t, h.sub.C)

	d, err := h.svc.GetJobDetail(ctx, "a", "ops")
	require.NoError(t, err)
	assert.Nil(t, d)
}
