package config

// Config is the on-disk configuration (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	View      ViewConfig      `json:"view"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls trigger evaluation and the execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
type SchedulerConfig struct {
	// Trigger timezone (IANA name). Empty means local time.
	Timezone  string `json:"timezone,omitempty"`
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// StorageConfig controls the execution history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./schedview.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ViewConfig controls the schedule view.
type ViewConfig struct {
	IncludeSystemJobs bool `json:"include_system_jobs,omitempty"`
	EventBuffer       int  `json:"event_buffer,omitempty"`
	// LookupTimeout is a Go duration string; default "5s".
	LookupTimeout    string  `json:"lookup_timeout,omitempty"`
	NoticeRatePerSec float64 `json:"notice_rate_per_sec,omitempty"`
}

// JobConfig declares one job and its triggers.
type JobConfig struct {
	Name        string `json:"name"`
	Group       string `json:"group,omitempty"`
	Description string `json:"description,omitempty"`
	// Durable jobs stay registered without triggers.
	Durable bool `json:"durable,omitempty"`

	Kind    string   `json:"kind,omitempty"` // exec (default) | noop | fail | systemd
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Timeout string   `json:"timeout,omitempty"`

	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

// TriggerConfig declares a trigger. Exactly one of Schedule and At is set.
type TriggerConfig struct {
	Name     string `json:"name"`
	Group    string `json:"group,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	// At is an RFC 3339 timestamp for a one-shot trigger.
	At          string `json:"at,omitempty"`
	Paused      bool   `json:"paused,omitempty"`
	Description string `json:"description,omitempty"`
}
