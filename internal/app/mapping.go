package app

import (
	"fmt"
	"strings"
	"time"

	"schedview/internal/config"
	"schedview/internal/jobs"
	"schedview/internal/reconciler"
	"schedview/internal/schedule"
	"schedview/internal/storage"
	"schedview/internal/task/engine"
	"schedview/internal/task/scheduler"
	logx "schedview/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapStorageConfig returns ok=false when storage is disabled.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.Scheduler.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	timeout, err := parseDurationField("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{Workers: workers, QueueSize: queueSize, DefaultTimeout: timeout}, nil
}

// mapViewConfig leaves zero values for the reconciler to default.
func mapViewConfig(cfg *Config) (reconciler.Config, error) {
	lookup, err := parseDurationField("view.lookup_timeout", cfg.View.LookupTimeout)
	if err != nil {
		return reconciler.Config{}, err
	}
	return reconciler.Config{
		Filter:        viewFilter(cfg),
		EventBuffer:   cfg.View.EventBuffer,
		LookupTimeout: lookup,
		NoticeRate:    cfg.View.NoticeRatePerSec,
	}, nil
}

func viewFilter(cfg *Config) schedule.Filter {
	return schedule.Filter{IncludeSystemJobs: cfg.View.IncludeSystemJobs}
}

// buildJobSpecs turns the configured jobs into scheduler specs. It fails on
// the first job whose runner or trigger cannot be built.
func buildJobSpecs(cfg *Config) ([]scheduler.JobSpec, error) {
	specs := make([]scheduler.JobSpec, 0, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		run, err := jobs.Build(jobs.Spec{
			Kind:    j.Kind,
			Command: j.Command,
			Args:    j.Args,
			Env:     j.Env,
			Dir:     j.Dir,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		timeout, err := parseDurationField(path+".timeout", j.Timeout)
		if err != nil {
			return nil, err
		}

		sp := scheduler.JobSpec{
			Detail: schedule.JobDetail{
				Key:         schedule.NewJobKey(j.Name, j.Group),
				Description: j.Description,
				Kind:        jobs.Normalize(j.Kind),
				Durable:     j.Durable,
			},
			Run:         run,
			Timeout:     timeout,
			Fingerprint: j.Fingerprint(),
		}
		for ti, t := range j.Triggers {
			ts := scheduler.TriggerSpec{
				Key:         schedule.NewTriggerKey(t.Name, t.Group),
				Schedule:    strings.TrimSpace(t.Schedule),
				Paused:      t.Paused,
				Description: t.Description,
			}
			if ts.Schedule == "" {
				at, err := config.ParseTimeField(fmt.Sprintf("%s.triggers[%d].at", path, ti), t.At)
				if err != nil {
					return nil, err
				}
				ts.At = at
			}
			sp.Triggers = append(sp.Triggers, ts)
		}
		specs = append(specs, sp)
	}
	return specs, nil
}
