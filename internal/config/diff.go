package config

import (
	"reflect"
	"sort"
	"strings"

	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Command lines and environment
// values are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.queue_size", newCfg.Scheduler.QueueSize),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
		)
	}

	// Nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	if oldCfg.View != newCfg.View {
		changed = append(changed, "view")
		attrs = append(attrs,
			logx.Bool("view.include_system_jobs", newCfg.View.IncludeSystemJobs),
			logx.Int("view.event_buffer", newCfg.View.EventBuffer),
			logx.String("view.lookup_timeout", strings.TrimSpace(newCfg.View.LookupTimeout)),
		)
	}

	added, removed, modified := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(added)+len(removed)+len(modified) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.Strings("jobs.added", added),
			logx.Strings("jobs.removed", removed),
			logx.Strings("jobs.modified", modified),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffJobs compares job lists by key. Names are returned as group.name.
func diffJobs(oldJobs, newJobs []JobConfig) (added, removed, modified []string) {
	index := func(list []JobConfig) map[schedule.JobKey]JobConfig {
		m := make(map[schedule.JobKey]JobConfig, len(list))
		for _, j := range list {
			m[schedule.NewJobKey(j.Name, j.Group)] = j
		}
		return m
	}
	o, n := index(oldJobs), index(newJobs)

	for k, nj := range n {
		oj, ok := o[k]
		switch {
		case !ok:
			added = append(added, k.String())
		case !reflect.DeepEqual(oj, nj):
			modified = append(modified, k.String())
		}
	}
	for k := range o {
		if _, ok := n[k]; !ok {
			removed = append(removed, k.String())
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(modified)
	return added, removed, modified
}
