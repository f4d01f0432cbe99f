package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
  workers: 4
storage:
  driver: sqlite
  path: ./history.db
view:
  lookup_timeout: 3s
jobs:
  - name: backup
    group: ops
    command: /usr/local/bin/backup
    args: ["--full"]
    timeout: 10m
    triggers:
      - name: nightly
        group: ops
        schedule: "0 2 * * *"
  - name: cleanup
    kind: noop
    durable: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	require.NotNil(t, cfg.Storage)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Len(t, cfg.Jobs, 2)
	assert.Equal(t, []string{"--full"}, cfg.Jobs[0].Args)
	assert.Equal(t, "0 2 * * *", cfg.Jobs[0].Triggers[0].Schedule)
	assert.True(t, cfg.Jobs[1].Durable)
}

func TestDecodeJSON(t *testing.T) {
	cfg, err := Decode("config.json", []byte(`{"view":{"include_system_jobs":true}}`))
	require.NoError(t, err)
	assert.True(t, cfg.View.IncludeSystemJobs)

	// No extension: sniffed from content.
	cfg, err = Decode("config", []byte("view:\n  event_buffer: 64\n"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.View.EventBuffer)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name, path, body string
	}{
		{"unknown field", "c.yaml", "view:\n  colour: red\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "jobs: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	cfg, err := Decode("c.yaml", nil)
	require.NoError(t, err)
	assert.Empty(t, cfg.Jobs)
}

func TestValidate(t *testing.T) {
	job := func(mut func(j *JobConfig)) *Config {
		j := JobConfig{
			Name:     "backup",
			Command:  "true",
			Triggers: []TriggerConfig{{Name: "nightly", Schedule: "@daily"}},
		}
		mut(&j)
		return &Config{Jobs: []JobConfig{j}}
	}

	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"nil", nil, "config is nil"},
		{"bad timezone", &Config{Scheduler: SchedulerConfig{Timezone: "Mars/Olympus"}}, "scheduler.timezone"},
		{"bad timeout", &Config{Scheduler: SchedulerConfig{DefaultTimeout: "soon"}}, "scheduler.default_timeout"},
		{"unknown driver", &Config{Storage: &StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"storage path", &Config{Storage: &StorageConfig{Driver: "file"}}, "storage.path"},
		{"missing name", job(func(j *JobConfig) { j.Name = " " }), "jobs[0].name"},
		{"unknown kind", job(func(j *JobConfig) { j.Kind = "lambda" }), "unknown job kind"},
		{"exec command", job(func(j *JobConfig) { j.Command = "" }), "jobs[0].command"},
		{"non-durable without triggers", job(func(j *JobConfig) { j.Triggers = nil }), "must be durable"},
		{"bad schedule", job(func(j *JobConfig) { j.Triggers[0].Schedule = "61 * * * *" }), "triggers[0].schedule"},
		{"schedule and at", job(func(j *JobConfig) { j.Triggers[0].At = "2026-01-01T00:00:00Z" }), "exactly one"},
		{"bad at", job(func(j *JobConfig) { j.Triggers[0] = TriggerConfig{Name: "once", At: "tomorrow"} }), "triggers[0].at"},
		{"reserved prefix", job(func(j *JobConfig) { j.Triggers[0].Name = "MT_x" }), "reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, Validate(job(func(*JobConfig) {})))
	})
}

func TestValidateDuplicates(t *testing.T) {
	cfg := &Config{Jobs: []JobConfig{
		{Name: "a", Kind: "noop", Triggers: []TriggerConfig{{Name: "t", Schedule: "1m"}}},
		{Name: "a", Group: "DEFAULT", Kind: "noop", Durable: true},
		{Name: "b", Kind: "noop", Triggers: []TriggerConfig{{Name: "t", Schedule: "1m"}}},
	}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate job DEFAULT.a")
	assert.Contains(t, err.Error(), "duplicate trigger DEFAULT.t")
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)

	newCfg.View.IncludeSystemJobs = true
	newCfg.Jobs[0].Args = []string{"--incremental"}
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{Name: "report", Kind: "noop", Durable: true})
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"jobs", "view"}, changed)
	assert.NotEmpty(t, attrs)

	added, removed, modified := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	assert.Equal(t, []string{"DEFAULT.report"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"ops.backup"}, modified)

	changed, _ = SummarizeConfigChange(nil, &Config{Storage: &StorageConfig{Driver: "file", Path: "x"}})
	assert.Equal(t, []string{"storage"}, changed)
}

func TestFingerprint(t *testing.T) {
	a := JobConfig{Name: "a", Command: "true"}
	b := a
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	b.Args = []string{"-v"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestManagerLoad(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())

	bad := writeFile(t, "bad.yaml", "jobs:\n  - name: x\n")
	_, err = NewConfigManager(bad).Load()
	assert.Error(t, err)

	_, err = NewConfigManager(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestManagerPublishKeepsNewest(t *testing.T) {
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	assert.Same(t, second, <-ch)

	m.Unsubscribe(ch)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestManagerWatchReloads(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 1)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.View.EventBuffer == 13 {
			rejected <- struct{}{}
			return errors.New("unlucky")
		}
		return nil
	})
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(sampleYAML+"\n  # touched\n"), 0o600))
	require.NoError(t, os.WriteFile(p, []byte("view:\n  event_buffer: 13\n"), 0o600))
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("validator not consulted")
	}
	assert.Len(t, updates, 0, "rejected config must not be published")

	require.NoError(t, os.WriteFile(p, []byte("view:\n  include_system_jobs: true\n"), 0o600))
	select {
	case cfg := <-updates:
		assert.True(t, cfg.View.IncludeSystemJobs)
		assert.Same(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}
