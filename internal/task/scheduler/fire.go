package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"schedview/internal/schedule"
	"schedview/internal/task/engine"
	logx "schedview/pkg/logx"
)

// TriggerJob fires a job right away through a one-shot trigger. The trigger
// goes through the usual feed: scheduled, executed, finalized.
func (s *Service) TriggerJob(ctx context.Context, name, group string) error {
	_ = ctx
	job := schedule.NewJobKey(name, group)
	key := schedule.NewTriggerKey(ManualTriggerPrefix+uuid.NewString(), job.Group)

	s.mu.Lock()
	j, ok := s.jobs[job]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, job)
	}
	t := &triggerEntry{
		trigger: schedule.Trigger{Key: key, JobKey: job, At: s.now(), Description: "manual"},
		manual:  true,
	}
	t.next = t.trigger.At
	j.triggers[key] = t
	s.triggers[key] = t
	trig := t.trigger
	s.mu.Unlock()

	s.log.Info("job triggered", logx.String("job", job.String()), logx.String("trigger", key.String()))
	s.publish(schedule.EventJobScheduled, trig)
	s.fire(key)
	return nil
}

// fire hands one run of the trigger's job to the engine.
func (s *Service) fire(key schedule.TriggerKey) {
	s.mu.Lock()
	t := s.triggers[key]
	if t == nil || t.paused {
		s.mu.Unlock()
		return
	}
	j := s.jobs[t.trigger.JobKey]
	if j == nil {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if t.oneShot() {
		t.timer = nil
		t.next = time.Time{}
	} else {
		t.next = t.sched.Next(now.In(s.loc))
	}
	ec := schedule.ExecutionContext{
		ExecutionID:  uuid.NewString(),
		JobKey:       j.detail.Key,
		TriggerKey:   key,
		FireTime:     now,
		NextFireTime: t.next,
	}
	run, timeout, state, manual, oneShot := j.run, j.timeout, j.state, t.manual, t.oneShot()
	s.mu.Unlock()

	if s.engine == nil {
		s.log.Error("no task engine; run skipped", logx.String("trigger", key.String()))
		if oneShot {
			s.finalize(key)
		}
		return
	}

	var out Outcome
	err := s.engine.Enqueue(engine.Task{
		ID:      ec.ExecutionID,
		Name:    ec.JobKey.String(),
		Timeout: timeout,
		Overlap: engine.OverlapSkipIfRunning,
		State:   state,
		Run: func(ctx context.Context) error {
			s.setRunning(key, now, true)
			s.publish(schedule.EventJobToBeExecuted, ec)
			var runErr error
			out, runErr = run(ctx)
			return runErr
		},
		Done: func(runErr error, dur time.Duration) {
			s.completed(ec, out, runErr, dur, manual)
			if oneShot {
				s.finalize(key)
			}
		},
	})
	if err != nil {
		if errors.Is(err, engine.ErrOverlapSkip) {
			s.log.Debug("run skipped: job still running", logx.String("job", ec.JobKey.String()), logx.String("trigger", key.String()))
		} else {
			s.log.Warn("enqueue failed", logx.String("job", ec.JobKey.String()), logx.String("trigger", key.String()), logx.Err(err))
		}
		if oneShot {
			s.finalize(key)
		}
	}
}

func (s *Service) setRunning(key schedule.TriggerKey, fired time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.triggers[key]
	if t == nil {
		return
	}
	t.running = running
	if running {
		t.prev = fired
	}
}

func (s *Service) completed(ec schedule.ExecutionContext, out Outcome, runErr error, dur time.Duration, manual bool) {
	s.setRunning(ec.TriggerKey, ec.FireTime, false)

	ec.Duration = dur
	ec.Success = out.Success
	ec.ResultCode = out.Code
	ec.Result = out.Result
	if runErr != nil {
		ec.Exception = runErr.Error()
	}
	s.publish(schedule.EventJobWasExecuted, ec)

	if s.store == nil {
		return
	}
	rec := schedule.ExecutionRecord{
		ID:           ec.ExecutionID,
		LogType:      schedule.LogScheduleJob,
		JobName:      ec.JobKey.Name,
		JobGroup:     ec.JobKey.Group,
		TriggerName:  ec.TriggerKey.Name,
		TriggerGroup: ec.TriggerKey.Group,
		FireTimeUTC:  ec.FireTime.UTC(),
		Duration:     dur,
		IsSuccess:    ec.Success,
		ReturnCode:   ec.ResultCode,
		Result:       ec.Result,
	}
	if manual {
		rec.LogType = schedule.LogTrigger
	}
	if ec.Failed() {
		rec.ErrorMessage = ec.Result
	}
	if runErr != nil {
		rec.IsException = schedule.BoolPtr(true)
		rec.ExceptionMessage = runErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendExecution(ctx, rec); err != nil {
		s.log.Warn("execution log append failed", logx.String("job", ec.JobKey.String()), logx.Err(err))
	}
}

// finalize removes a one-shot trigger that will not fire again.
func (s *Service) finalize(key schedule.TriggerKey) {
	s.mu.Lock()
	t, ok := s.triggers[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removeTriggerLocked(t)
	trig := t.trigger
	s.mu.Unlock()

	s.publish(schedule.EventTriggerFinalized, trig)
}
