package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"schedview/internal/jobs"
	"schedview/internal/schedule"
	"schedview/internal/task/scheduler"
)

// Validate checks cross-field rules the decoder cannot express. All
// problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Scheduler.Workers < 0 {
		add(errors.New("scheduler.workers: must be >= 0"))
	}
	if cfg.Scheduler.QueueSize < 0 {
		add(errors.New("scheduler.queue_size: must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	add(err)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path: required for driver " + s.Driver))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	_, err = ParseDurationField("view.lookup_timeout", cfg.View.LookupTimeout)
	add(err)
	if cfg.View.EventBuffer < 0 {
		add(errors.New("view.event_buffer: must be >= 0"))
	}
	if cfg.View.NoticeRatePerSec < 0 {
		add(errors.New("view.notice_rate_per_sec: must be >= 0"))
	}

	add(validateJobs(cfg.Jobs))
	return errors.Join(errs...)
}

func validateJobs(list []JobConfig) error {
	var errs []error
	seenJobs := map[schedule.JobKey]string{}
	seenTriggers := map[schedule.TriggerKey]string{}

	for i, j := range list {
		path := fmt.Sprintf("jobs[%d]", i)
		key := schedule.NewJobKey(j.Name, j.Group)
		if key.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if prev, dup := seenJobs[key]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate job %s (also %s)", path, key, prev))
		} else {
			seenJobs[key] = path
		}

		if !jobs.Known(j.Kind) {
			errs = append(errs, fmt.Errorf("%s.kind: unknown job kind %q (known: %s)", path, j.Kind, strings.Join(jobs.Kinds(), ", ")))
		} else if jobs.NeedsCommand(j.Kind) && strings.TrimSpace(j.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command: required for %s jobs", path, jobs.Normalize(j.Kind)))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
		if len(j.Triggers) == 0 && !j.Durable {
			errs = append(errs, fmt.Errorf("%s: a job without triggers must be durable", path))
		}

		for ti, t := range j.Triggers {
			tpath := fmt.Sprintf("%s.triggers[%d]", path, ti)
			tkey := schedule.NewTriggerKey(t.Name, t.Group)
			if tkey.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name: required", tpath))
			} else if strings.HasPrefix(tkey.Name, scheduler.ManualTriggerPrefix) {
				errs = append(errs, fmt.Errorf("%s.name: prefix %q is reserved", tpath, scheduler.ManualTriggerPrefix))
			} else if prev, dup := seenTriggers[tkey]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate trigger %s (also %s)", tpath, tkey, prev))
			} else {
				seenTriggers[tkey] = tpath
			}

			hasSchedule := strings.TrimSpace(t.Schedule) != ""
			hasAt := strings.TrimSpace(t.At) != ""
			switch {
			case hasSchedule == hasAt:
				errs = append(errs, fmt.Errorf("%s: set exactly one of schedule and at", tpath))
			case hasSchedule:
				if err := scheduler.ValidateSchedule(t.Schedule); err != nil {
					errs = append(errs, fmt.Errorf("%s.schedule: %w", tpath, err))
				}
			default:
				if _, err := ParseTimeField(tpath+".at", t.At); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}
