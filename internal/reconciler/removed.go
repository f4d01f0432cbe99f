package reconciler

import (
	"context"

	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

// triggerRemoved handles JobUnscheduled and TriggerFinalized. The row either
// disappears or degrades to a placeholder, depending on whether the job is
// durable and still has other rows.
func (r *Reconciler) triggerRemoved(t *table, k schedule.TriggerKey) *lookup {
	i, ok := r.single("trigger-removed", k, t.byTrigger(k))
	if !ok {
		return nil
	}
	v := t.rows[i]
	if v.JobName == "" || v.Status == schedule.Error {
		t.remove(i)
		return nil
	}

	job := v.JobKey()
	return &lookup{
		keys: []any{k, job},
		fetch: func(ctx context.Context) func(t *table) {
			d, err := r.sched.GetJobDetail(ctx, job.Name, job.Group)
			return func(t *table) { r.commitTriggerRemoved(t, job, k, d, err) }
		},
	}
}

func (r *Reconciler) commitTriggerRemoved(t *table, job schedule.JobKey, k schedule.TriggerKey, d *schedule.JobDetail, err error) {
	i, ok := r.single("trigger-removed", k, t.byJobTrigger(job, k))
	if !ok {
		return
	}
	if err != nil {
		r.log.Warn("job detail lookup failed", logx.String("job", job.String()), logx.Err(err))
	}

	v := t.rows[i]
	if err == nil && d != nil && d.Durable {
		if len(t.byJob(job)) > 1 {
			t.remove(i)
			return
		}
		v.ClearTrigger()
		v.Status = schedule.NoTrigger
		t.set(i, v)
		return
	}
	v.ClearTrigger()
	v.Status = schedule.NoSchedule
	t.set(i, v)
}
