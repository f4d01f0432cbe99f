package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

func start(t *testing.T, fs *fakeScheduler, hist History, cfg Config) (*Reconciler, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	r := New(fs, hist, bus, logx.Nop(), cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r, bus
}

func rowsOf(t *testing.T, r *Reconciler) []schedule.ScheduleView {
	t.Helper()
	rows, err := r.Rows(context.Background())
	require.NoError(t, err)
	return rows
}

func eventually(t *testing.T, r *Reconciler, cond func([]schedule.ScheduleView) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rows, err := r.Rows(context.Background())
		return err == nil && cond(rows)
	}, 2*time.Second, 5*time.Millisecond, msg)
}

func hasStatus(job schedule.JobKey, trig schedule.TriggerKey, st schedule.Status) func([]schedule.ScheduleView) bool {
	return func(rows []schedule.ScheduleView) bool {
		for _, v := range rows {
			if v.Equals(job, trig) && v.Status == st {
				return true
			}
		}
		return false
	}
}

func nextNotice(t *testing.T, sub *eventbus.Subscription) Notice {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev.Data.(Notice)
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
		return Notice{}
	}
}

func TestStartLoadsAndBackfills(t *testing.T) {
	t1 := t0.Add(-time.Hour)
	t2 := t0.Add(-2 * time.Hour)

	fs := newFakeScheduler()
	withPrev := row(jobB, trigB, schedule.Idle)
	withPrev.PreviousFireTime = t0
	jobC := schedule.JobKey{Name: "jobC", Group: "group1"}
	fs.setRows(row(jobA, trigA, schedule.Idle), withPrev, placeholder(jobC, schedule.NoTrigger))

	hist := &fakeHistory{records: []schedule.ExecutionRecord{
		{LogType: schedule.LogScheduleJob, JobName: "jobA", JobGroup: "group1", TriggerName: "trigA", TriggerGroup: "group1",
			FireTimeUTC: t1, IsSuccess: schedule.BoolPtr(false), ReturnCode: 3, Result: "bad input"},
		{LogType: schedule.LogScheduleJob, JobName: "jobB", JobGroup: "group1", TriggerName: "trigB", TriggerGroup: "group1",
			FireTimeUTC: t2, IsException: schedule.BoolPtr(true), ExceptionMessage: "boom\n\tat main.go:12"},
		{LogType: schedule.LogTrigger, JobName: "jobC", JobGroup: "group1", FireTimeUTC: t2,
			IsSuccess: schedule.BoolPtr(false), Result: "manual run"},
	}}

	r, _ := start(t, fs, hist, Config{})
	rows := rowsOf(t, r)
	require.Len(t, rows, 3)

	assert.Equal(t, t1, rows[0].PreviousFireTime)
	assert.Equal(t, "ExitCode=3, Result=bad input", rows[0].LastErrorMessage)

	assert.Equal(t, t0, rows[1].PreviousFireTime, "backfill must not overwrite a known fire time")
	assert.Equal(t, "boom", rows[1].LastErrorMessage)

	assert.True(t, rows[2].PreviousFireTime.IsZero(), "manual runs are not backfilled")
	assert.Empty(t, rows[2].LastErrorMessage)

	for _, q := range hist.Queries() {
		assert.Equal(t, []schedule.LogType{schedule.LogScheduleJob}, q.LogTypes)
	}
}

func TestBackfillFailureWithoutOutput(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	hist := &fakeHistory{records: []schedule.ExecutionRecord{
		{LogType: schedule.LogScheduleJob, JobName: "jobA", JobGroup: "group1", TriggerName: "trigA", TriggerGroup: "group1",
			FireTimeUTC: t0, IsSuccess: schedule.BoolPtr(false), ReturnCode: 1},
	}}

	r, _ := start(t, fs, hist, Config{})
	rows := rowsOf(t, r)
	require.Len(t, rows, 1)
	live := schedule.ExecutionContext{Success: schedule.BoolPtr(false), ResultCode: 1}
	assert.Equal(t, live.ReturnCodeAndResult(), rows[0].LastErrorMessage)
	assert.Equal(t, "ExitCode=1", rows[0].LastErrorMessage)
}

func TestStartTwice(t *testing.T) {
	r, _ := start(t, newFakeScheduler(), nil, Config{})
	assert.Error(t, r.Start(context.Background()))
}

func TestChangesFollowTheFeed(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	bus := eventbus.New()
	r := New(fs, nil, bus, logx.Nop(), Config{})
	changes := r.Subscribe(16)
	defer changes.Close()
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })

	c := (<-changes.C).Data.(Change)
	assert.Equal(t, Reset, c.Kind)
	require.Len(t, c.Rows, 1)

	bus.Publish(toBeExecuted(jobA, trigA))
	select {
	case ev := <-changes.C:
		c = ev.Data.(Change)
	case <-time.After(2 * time.Second):
		t.Fatal("no change")
	}
	assert.Equal(t, Updated, c.Kind)
	assert.Equal(t, 0, c.Index)
	assert.Equal(t, schedule.Running, c.Row.Status)
}

func TestExecutionScenarioThroughFeed(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	r, bus := start(t, fs, nil, Config{})

	bus.Publish(toBeExecuted(jobA, trigA))
	eventually(t, r, hasStatus(jobA, trigA, schedule.Running), "row should be running")

	bus.Publish(wasExecuted(schedule.ExecutionContext{
		JobKey: jobA, TriggerKey: trigA, FireTime: t0,
		Success: schedule.BoolPtr(false), ResultCode: 1, Result: "nope",
	}))
	eventually(t, r, hasStatus(jobA, trigA, schedule.Idle), "row should be idle")
	assert.Equal(t, "ExitCode=1, Result=nope", rowsOf(t, r)[0].LastErrorMessage)
}

func TestEventsWaitForPendingLookup(t *testing.T) {
	fs := newFakeScheduler()
	fs.setDetail(schedule.JobDetail{Key: jobA, Durable: true})
	fs.setRows(row(jobA, trigA, schedule.Idle), row(jobB, trigB, schedule.Idle))
	gate := make(chan struct{})
	fs.detailGate = gate
	r, bus := start(t, fs, nil, Config{})

	bus.Publish(unscheduled(trigA))
	bus.Publish(deleted(jobA))
	bus.Publish(toBeExecuted(jobB, trigB))
	eventually(t, r, hasStatus(jobB, trigB, schedule.Running), "unrelated rows keep updating")

	assert.True(t, hasStatus(jobA, trigA, schedule.Idle)(rowsOf(t, r)), "job A is untouched while its lookup is pending")

	close(gate)
	eventually(t, r, func(rows []schedule.ScheduleView) bool {
		return len(rows) == 1 && rows[0].JobName == "jobB"
	}, "job A should be gone after the parked delete")
}

func TestRefreshReplaysJournal(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	fs.setView(row(jobA, trigB, schedule.Idle))
	r, bus := start(t, fs, nil, Config{})

	gate := make(chan struct{})
	fs.mu.Lock()
	fs.listGate = gate
	fs.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- r.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return fs.listCalls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	bus.Publish(paused(trigA))
	bus.Publish(scheduled(jobA, trigB))
	eventually(t, r, func(rows []schedule.ScheduleView) bool {
		return len(rows) == 2 && hasStatus(jobA, trigA, schedule.Paused)(rows)
	}, "live rows follow the feed during a refresh")

	// The reload still returns the state from before the events.
	close(gate)
	require.NoError(t, <-errc)

	rows := rowsOf(t, r)
	require.Len(t, rows, 2)
	assert.True(t, hasStatus(jobA, trigA, schedule.Paused)(rows))
	assert.True(t, hasStatus(jobA, trigB, schedule.Idle)(rows))
}

func TestJobsSyncedRestoresPlaceholders(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(placeholder(jobA, schedule.NoTrigger))
	r, bus := start(t, fs, nil, Config{})
	require.Len(t, rowsOf(t, r), 1)

	// A replaced durable job: deleted, re-added with no trigger and a new
	// sibling registered in the same batch.
	jobC := schedule.JobKey{Name: "jobC", Group: "group1"}
	fs.setRows(placeholder(jobA, schedule.NoTrigger), placeholder(jobC, schedule.NoTrigger))
	bus.Publish(deleted(jobA))
	bus.Publish(eventbus.Event{Type: schedule.EventJobsSynced, Data: 2})

	eventually(t, r, func(rows []schedule.ScheduleView) bool {
		return len(rows) == 2 &&
			rows[0] == placeholder(jobA, schedule.NoTrigger) &&
			rows[1] == placeholder(jobC, schedule.NoTrigger)
	}, "placeholders return after the sync")
	assert.EqualValues(t, 2, fs.listCalls.Load())
}

func TestRefreshFailureKeepsRows(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	r, _ := start(t, fs, nil, Config{})
	notices := r.Notices(4)
	defer notices.Close()

	fs.mu.Lock()
	fs.listErr = errors.New("scheduler unavailable")
	fs.mu.Unlock()

	err := r.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler unavailable")
	assert.Len(t, rowsOf(t, r), 1)
	assert.Equal(t, SeverityError, nextNotice(t, notices).Severity)
}

func TestSetFilterReloads(t *testing.T) {
	sys := schedule.JobKey{Name: "gc", Group: schedule.SystemGroup}
	sysTrig := schedule.TriggerKey{Name: "nightly", Group: schedule.SystemGroup}
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle), row(sys, sysTrig, schedule.Idle))
	r, _ := start(t, fs, nil, Config{})
	require.Len(t, rowsOf(t, r), 1)

	require.NoError(t, r.SetFilter(schedule.Filter{IncludeSystemJobs: true}))
	eventually(t, r, func(rows []schedule.ScheduleView) bool { return len(rows) == 2 }, "system job should appear")

	f, err := r.Filter(context.Background())
	require.NoError(t, err)
	assert.True(t, f.IncludeSystemJobs)
}

func TestNewerRefreshSupersedesOlder(t *testing.T) {
	sys := schedule.JobKey{Name: "gc", Group: schedule.SystemGroup}
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle), placeholder(sys, schedule.NoTrigger))
	r, _ := start(t, fs, nil, Config{})

	gate := make(chan struct{})
	fs.mu.Lock()
	fs.listGate = gate
	fs.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- r.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return fs.listCalls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.SetFilter(schedule.Filter{IncludeSystemJobs: true}))
	require.Eventually(t, func() bool { return fs.listCalls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	close(gate)
	require.NoError(t, <-errc, "the first caller waits for the newer load")
	assert.Len(t, rowsOf(t, r), 2)
}

func TestDroppedEventsTriggerRefresh(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	r, bus := start(t, fs, nil, Config{EventBuffer: 1, DropCheckInterval: 5 * time.Millisecond})
	require.EqualValues(t, 1, fs.listCalls.Load())

	// Stall the actor so the feed backs up.
	gate := make(chan struct{})
	require.NoError(t, r.post(func() { <-gate }))
	for range 10 {
		bus.Publish(paused(trigA))
	}
	close(gate)

	require.Eventually(t, func() bool { return fs.listCalls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandlerPanicIsContained(t *testing.T) {
	fs := newFakeScheduler()
	fs.setRows(row(jobA, trigA, schedule.Idle))
	r, bus := start(t, fs, nil, Config{})
	notices := r.Notices(4)
	defer notices.Close()

	require.NoError(t, r.post(func() { panic("boom") }))
	assert.Equal(t, SeverityError, nextNotice(t, notices).Severity)

	bus.Publish(paused(trigA))
	eventually(t, r, hasStatus(jobA, trigA, schedule.Paused), "events keep flowing after a panic")
}

func TestLookupPanicReleasesKeys(t *testing.T) {
	fs := newFakeScheduler()
	fs.viewPanic = true
	r, bus := start(t, fs, nil, Config{})
	notices := r.Notices(4)
	defer notices.Close()

	bus.Publish(scheduled(jobA, trigA))
	assert.Equal(t, SeverityError, nextNotice(t, notices).Severity)

	fs.mu.Lock()
	fs.viewPanic = false
	fs.mu.Unlock()
	fs.setView(row(jobA, trigA, schedule.Idle))
	bus.Publish(scheduled(jobA, trigA))
	eventually(t, r, hasStatus(jobA, trigA, schedule.Idle), "row should be added on retry")
}

func TestStopIsIdempotent(t *testing.T) {
	r, bus := start(t, newFakeScheduler(), nil, Config{})
	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	_, err := r.Rows(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, r.Refresh(context.Background()), ErrStopped)
	assert.NotPanics(t, func() { bus.Publish(paused(trigA)) })
}
