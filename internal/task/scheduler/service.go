package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	"schedview/internal/storage"
	"schedview/internal/task/engine"
	logx "schedview/pkg/logx"
)

// New creates a scheduler. store may be nil when history is disabled.
func New(cfg Config, eng *engine.Service, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		store:  store,
		engine: eng,
		parser:   cronParser,
		loc:      loadLocation(cfg.Timezone, log),
		jobs:     map[schedule.JobKey]*jobEntry{},
		triggers: map[schedule.TriggerKey]*triggerEntry{},
		now:      time.Now,
	}
}

// Bus returns the event feed the scheduler publishes on.
func (s *Service) Bus() eventbus.Bus { return s.bus }

// Start starts trigger evaluation. Triggers registered before Start are armed now.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, t := range s.triggers {
		s.armLocked(t)
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)), logx.Int("triggers", len(s.triggers)))
}

// Stop stops trigger evaluation. Registered jobs and triggers are kept.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	for _, t := range s.triggers {
		s.disarmLocked(t)
	}
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// AddJob registers a job. With replace, an existing job keeps its triggers
// and takes the new detail and runner.
func (s *Service) AddJob(detail schedule.JobDetail, run Runner, timeout time.Duration, replace bool) error {
	if run == nil {
		return errors.New("runner required")
	}
	detail.Key = schedule.NewJobKey(detail.Key.Name, detail.Key.Group)
	if detail.Key.Name == "" {
		return errors.New("job name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[detail.Key]; ok {
		if !replace {
			return fmt.Errorf("%w: %s", ErrJobExists, detail.Key)
		}
		j.detail, j.run, j.timeout = detail, run, timeout
		return nil
	}
	s.jobs[detail.Key] = &jobEntry{
		detail:   detail,
		run:      run,
		timeout:  timeout,
		state:    &engine.RunState{},
		triggers: map[schedule.TriggerKey]*triggerEntry{},
	}
	s.log.Debug("job added", logx.String("job", detail.Key.String()), logx.Bool("durable", detail.Durable))
	return nil
}

// ScheduleJob attaches a trigger to a registered job and publishes JobScheduled.
func (s *Service) ScheduleJob(ctx context.Context, job schedule.JobKey, spec TriggerSpec) error {
	_ = ctx
	job = schedule.NewJobKey(job.Name, job.Group)
	spec.Key = schedule.NewTriggerKey(spec.Key.Name, spec.Key.Group)
	if spec.Key.Name == "" {
		return errors.New("trigger name required")
	}

	t := &triggerEntry{
		trigger: schedule.Trigger{
			Key:         spec.Key,
			JobKey:      job,
			Schedule:    strings.TrimSpace(spec.Schedule),
			At:          spec.At,
			Description: spec.Description,
		},
		paused: spec.Paused,
	}
	if spec.At.IsZero() {
		sched, err := s.buildSchedule(spec.Schedule, spec.Key.String())
		if err != nil {
			return fmt.Errorf("trigger %s: %w", spec.Key, err)
		}
		t.sched = sched
	}

	s.mu.Lock()
	j, ok := s.jobs[job]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, job)
	}
	if _, exists := s.triggers[spec.Key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerExists, spec.Key)
	}
	j.triggers[spec.Key] = t
	s.triggers[spec.Key] = t
	s.armLocked(t)
	trig := t.trigger
	s.mu.Unlock()

	s.log.Debug("trigger scheduled", logx.String("job", job.String()), logx.String("trigger", spec.Key.String()), logx.String("schedule", trig.Schedule))
	s.publish(schedule.EventJobScheduled, trig)
	if spec.Paused {
		s.publish(schedule.EventTriggerPaused, spec.Key)
	}
	return nil
}

// UnscheduleJob detaches a trigger. A non-durable job left without triggers
// is dropped without a JobDeleted event.
func (s *Service) UnscheduleJob(ctx context.Context, key schedule.TriggerKey) error {
	_ = ctx
	key = schedule.NewTriggerKey(key.Name, key.Group)

	s.mu.Lock()
	t, ok := s.triggers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, key)
	}
	s.removeTriggerLocked(t)
	s.mu.Unlock()

	s.publish(schedule.EventJobUnscheduled, key)
	return nil
}

// DeleteJob unschedules every trigger of the job and removes it.
func (s *Service) DeleteJob(ctx context.Context, key schedule.JobKey) error {
	_ = ctx
	key = schedule.NewJobKey(key.Name, key.Group)

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, key)
	}
	keys := make([]schedule.TriggerKey, 0, len(j.triggers))
	for k, t := range j.triggers {
		s.disarmLocked(t)
		delete(s.triggers, k)
		keys = append(keys, k)
	}
	delete(s.jobs, key)
	s.mu.Unlock()

	slices.SortFunc(keys, compareTriggerKeys)
	for _, k := range keys {
		s.publish(schedule.EventJobUnscheduled, k)
	}
	s.publish(schedule.EventJobDeleted, key)
	s.log.Debug("job deleted", logx.String("job", key.String()), logx.Int("triggers", len(keys)))
	return nil
}

func (s *Service) PauseTrigger(ctx context.Context, name, group string) error {
	_ = ctx
	key := schedule.NewTriggerKey(name, group)

	s.mu.Lock()
	t, ok := s.triggers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, key)
	}
	t.paused = true
	s.disarmLocked(t)
	s.mu.Unlock()

	s.publish(schedule.EventTriggerPaused, key)
	return nil
}

func (s *Service) ResumeTrigger(ctx context.Context, name, group string) error {
	_ = ctx
	key := schedule.NewTriggerKey(name, group)

	s.mu.Lock()
	t, ok := s.triggers[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, key)
	}
	t.paused = false
	s.armLocked(t)
	s.mu.Unlock()

	s.publish(schedule.EventTriggerResumed, key)
	return nil
}

// Sync makes the registered jobs match specs. Jobs whose fingerprint changed
// are deleted and re-added so the event feed carries the whole transition.
// When anything changed, JobsSynced closes the batch, since a job without
// triggers re-appears through no other event.
func (s *Service) Sync(ctx context.Context, specs []JobSpec) error {
	want := make(map[schedule.JobKey]JobSpec, len(specs))
	for _, sp := range specs {
		sp.Detail.Key = schedule.NewJobKey(sp.Detail.Key.Name, sp.Detail.Key.Group)
		want[sp.Detail.Key] = sp
	}

	s.mu.Lock()
	var stale []schedule.JobKey
	unchanged := map[schedule.JobKey]bool{}
	for k, j := range s.jobs {
		sp, ok := want[k]
		switch {
		case !ok:
			stale = append(stale, k)
		case sp.Fingerprint != "" && sp.Fingerprint == j.fingerprint:
			unchanged[k] = true
		default:
			stale = append(stale, k)
		}
	}
	s.mu.Unlock()

	var errs []error
	slices.SortFunc(stale, compareJobKeys)
	for _, k := range stale {
		if err := s.DeleteJob(ctx, k); err != nil && !errors.Is(err, ErrJobNotFound) {
			errs = append(errs, err)
		}
	}

	added := 0
	for _, sp := range specs {
		k := schedule.NewJobKey(sp.Detail.Key.Name, sp.Detail.Key.Group)
		if unchanged[k] {
			continue
		}
		if err := s.addSpec(ctx, sp); err != nil {
			errs = append(errs, err)
			continue
		}
		added++
	}
	if added > 0 || len(stale) > 0 {
		s.publish(schedule.EventJobsSynced, len(specs))
	}
	s.log.Info("jobs synced", logx.Int("jobs", len(specs)), logx.Int("replaced_or_added", added), logx.Int("removed_or_replaced", len(stale)))
	return errors.Join(errs...)
}

func (s *Service) addSpec(ctx context.Context, sp JobSpec) error {
	if err := s.AddJob(sp.Detail, sp.Run, sp.Timeout, false); err != nil {
		return err
	}
	key := schedule.NewJobKey(sp.Detail.Key.Name, sp.Detail.Key.Group)
	s.mu.Lock()
	if j := s.jobs[key]; j != nil {
		j.fingerprint = sp.Fingerprint
	}
	s.mu.Unlock()

	var errs []error
	for _, ts := range sp.Triggers {
		if err := s.ScheduleJob(ctx, key, ts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) buildSchedule(raw, tag string) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	switch ps.Kind {
	case SpecCron:
		return s.parser.Parse(ps.Cron)
	case SpecInterval:
		sched, _ := makeIntervalScheduleWithSpread(ps.Every, s.now(), tag)
		return sched, nil
	default:
		return nil, errors.New("unsupported schedule kind")
	}
}

// armLocked registers t with cron (or a timer for one-shot triggers) and
// refreshes its next fire time. Paused triggers keep a preview but stay unarmed.
func (s *Service) armLocked(t *triggerEntry) {
	s.disarmLocked(t)
	key := t.trigger.Key
	if t.oneShot() {
		t.next = t.trigger.At
		if s.c == nil || t.paused {
			return
		}
		t.timer = time.AfterFunc(max(time.Until(t.trigger.At), 0), func() { s.fire(key) })
		return
	}
	t.next = t.sched.Next(s.now().In(s.loc))
	if s.c == nil || t.paused {
		return
	}
	t.entryID = s.c.Schedule(t.sched, cron.FuncJob(func() { s.fire(key) }))
}

func (s *Service) disarmLocked(t *triggerEntry) {
	if t.entryID != 0 && s.c != nil {
		s.c.Remove(t.entryID)
	}
	t.entryID = 0
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// removeTriggerLocked drops t; an orphaned non-durable job goes with it.
func (s *Service) removeTriggerLocked(t *triggerEntry) {
	s.disarmLocked(t)
	delete(s.triggers, t.trigger.Key)
	j := s.jobs[t.trigger.JobKey]
	if j == nil {
		return
	}
	delete(j.triggers, t.trigger.Key)
	if !j.detail.Durable && len(j.triggers) == 0 {
		delete(s.jobs, j.detail.Key)
		s.log.Debug("non-durable job removed with its last trigger", logx.String("job", j.detail.Key.String()))
	}
}

func (s *Service) publish(typ eventbus.Type, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func compareJobKeys(a, b schedule.JobKey) int {
	if c := strings.Compare(a.Group, b.Group); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}

func compareTriggerKeys(a, b schedule.TriggerKey) int {
	if c := strings.Compare(a.Group, b.Group); c != 0 {
		return c
	}
	return strings.Compare(a.Name, b.Name)
}
