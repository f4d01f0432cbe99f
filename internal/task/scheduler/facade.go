package scheduler

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"schedview/internal/schedule"
)

// ListJobs yields one view per (job, trigger), ordered by job group, job
// name and trigger name. A durable job without triggers yields a single
// NoTrigger row.
func (s *Service) ListJobs(ctx context.Context, filter schedule.Filter) iter.Seq2[schedule.ScheduleView, error] {
	return func(yield func(schedule.ScheduleView, error) bool) {
		views := s.snapshotViews(filter)
		for _, v := range views {
			if err := ctx.Err(); err != nil {
				yield(schedule.ScheduleView{}, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (s *Service) snapshotViews(filter schedule.Filter) []schedule.ScheduleView {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*jobEntry, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	slices.SortFunc(jobs, func(a, b *jobEntry) int { return compareJobKeys(a.detail.Key, b.detail.Key) })

	var out []schedule.ScheduleView
	for _, j := range jobs {
		if len(j.triggers) == 0 {
			if filter.Hides(j.detail.Key, schedule.TriggerKey{}) {
				continue
			}
			v := schedule.ScheduleView{
				JobName:     j.detail.Key.Name,
				JobGroup:    j.detail.Key.Group,
				Status:      schedule.NoSchedule,
				Description: j.detail.Description,
			}
			if j.detail.Durable {
				v.Status = schedule.NoTrigger
			}
			out = append(out, v)
			continue
		}

		trigs := make([]*triggerEntry, 0, len(j.triggers))
		for _, t := range j.triggers {
			trigs = append(trigs, t)
		}
		slices.SortFunc(trigs, func(a, b *triggerEntry) int {
			return strings.Compare(a.trigger.Key.Name, b.trigger.Key.Name)
		})
		for _, t := range trigs {
			if filter.Hides(j.detail.Key, t.trigger.Key) {
				continue
			}
			out = append(out, viewOf(j, t))
		}
	}
	return out
}

func viewOf(j *jobEntry, t *triggerEntry) schedule.ScheduleView {
	v := schedule.ScheduleView{
		JobName:          j.detail.Key.Name,
		JobGroup:         j.detail.Key.Group,
		TriggerName:      t.trigger.Key.Name,
		TriggerGroup:     t.trigger.Key.Group,
		Status:           schedule.Idle,
		PreviousFireTime: t.prev,
		NextFireTime:     t.next,
		Description:      j.detail.Description,
		Schedule:         t.trigger.Schedule,
	}
	switch {
	case t.paused:
		v.Status = schedule.Paused
	case t.running:
		v.Status = schedule.Running
	}
	return v
}

// GetJobDetail returns nil without error when the job is unknown.
func (s *Service) GetJobDetail(ctx context.Context, name, group string) (*schedule.JobDetail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[schedule.NewJobKey(name, group)]
	if !ok {
		return nil, nil
	}
	d := j.detail
	return &d, nil
}

// GetScheduleView builds the view row of one trigger. It returns nil without
// error when the trigger is unknown. If the trigger's job cannot be resolved
// the row comes back in Error status.
func (s *Service) GetScheduleView(ctx context.Context, key schedule.TriggerKey) (*schedule.ScheduleView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key = schedule.NewTriggerKey(key.Name, key.Group)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[key]
	if !ok {
		return nil, nil
	}
	j, ok := s.jobs[t.trigger.JobKey]
	if !ok {
		return &schedule.ScheduleView{
			JobName:          t.trigger.JobKey.Name,
			JobGroup:         t.trigger.JobKey.Group,
			TriggerName:      key.Name,
			TriggerGroup:     key.Group,
			Status:           schedule.Error,
			LastErrorMessage: fmt.Sprintf("%s: %s", ErrJobNotFound, t.trigger.JobKey),
		}, nil
	}
	v := viewOf(j, t)
	return &v, nil
}
