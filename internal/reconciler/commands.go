package reconciler

import (
	"context"
	"fmt"

	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

// Confirmer asks the operator to approve a command.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// AlwaysConfirm approves every prompt. It suits unattended callers.
var AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, string) (bool, error) { return true, nil })

// Pause asks the scheduler to pause the row's trigger. The row itself
// changes only when the TriggerPaused event arrives.
func (r *Reconciler) Pause(ctx context.Context, row schedule.ScheduleView) error {
	if err := r.requireTrigger(row, "pause"); err != nil {
		return err
	}
	return r.command(ctx, "pause", row, func(ctx context.Context) error {
		return r.sched.PauseTrigger(ctx, row.TriggerName, row.TriggerGroup)
	})
}

func (r *Reconciler) Resume(ctx context.Context, row schedule.ScheduleView) error {
	if err := r.requireTrigger(row, "resume"); err != nil {
		return err
	}
	return r.command(ctx, "resume", row, func(ctx context.Context) error {
		return r.sched.ResumeTrigger(ctx, row.TriggerName, row.TriggerGroup)
	})
}

// TriggerNow fires the row's job once after the operator confirms. A
// declined confirmation is not an error. Without a Confirmer nothing is
// fired and ErrNotConfirmed is returned.
func (r *Reconciler) TriggerNow(ctx context.Context, row schedule.ScheduleView, confirm Confirmer) error {
	if row.JobName == "" {
		r.notify(SeverityError, "cannot trigger: the row has no job")
		return ErrNoJob
	}
	if confirm == nil {
		return ErrNotConfirmed
	}
	ok, err := confirm.Confirm(ctx, fmt.Sprintf("Run job %s.%s now?", row.JobGroup, row.JobName))
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		r.log.Debug("trigger declined", logx.String("job", row.JobKey().String()))
		return nil
	}
	return r.command(ctx, "trigger", row, func(ctx context.Context) error {
		return r.sched.TriggerJob(ctx, row.JobName, row.JobGroup)
	})
}

// History returns one page of the row's execution log, all categories.
func (r *Reconciler) History(ctx context.Context, row schedule.ScheduleView, page schedule.PageMetadata) (schedule.PagedList[schedule.ExecutionRecord], error) {
	if row.JobName == "" {
		r.notify(SeverityError, "cannot show history: the row has no job")
		return schedule.PagedList[schedule.ExecutionRecord]{}, ErrNoJob
	}
	if r.hist == nil {
		return schedule.PagedList[schedule.ExecutionRecord]{}, ErrNoHistory
	}
	q := schedule.HistoryQuery{
		JobName:      row.JobName,
		JobGroup:     row.JobGroup,
		TriggerName:  row.TriggerName,
		TriggerGroup: row.TriggerGroup,
	}
	if q.TriggerName != "" && q.TriggerGroup == "" {
		q.TriggerGroup = schedule.DefaultGroup
	}
	return r.hist.LatestExecutionLog(ctx, q, page)
}

func (r *Reconciler) requireTrigger(row schedule.ScheduleView, what string) error {
	if row.TriggerName != "" {
		return nil
	}
	r.notify(SeverityError, fmt.Sprintf("cannot %s: %s has no trigger", what, row.JobKey()))
	return ErrNoTrigger
}

func (r *Reconciler) command(ctx context.Context, what string, row schedule.ScheduleView, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		r.log.Warn("command failed", logx.String("command", what), logx.String("row", row.String()), logx.Err(err))
		r.notify(SeverityError, fmt.Sprintf("%s %s failed: %v", what, row.JobKey(), err))
		return err
	}
	r.log.Info("command sent", logx.String("command", what), logx.String("row", row.String()))
	return nil
}
