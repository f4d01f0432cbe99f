package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	"schedview/internal/storage"
	"schedview/internal/task/engine"
	logx "schedview/pkg/logx"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrTriggerNotFound = errors.New("trigger not found")
	ErrJobExists       = errors.New("job already exists")
	ErrTriggerExists   = errors.New("trigger already exists")
)

// ManualTriggerPrefix names the one-shot triggers created by TriggerJob.
const ManualTriggerPrefix = "MT_"

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Outcome is the explicit result signal of a run.
// A nil Success means the job did not report one.
type Outcome struct {
	Success *bool
	Code    int
	Result  string
}

// Runner executes one run of a job. A returned error is recorded as an exception.
type Runner func(ctx context.Context) (Outcome, error)

// TriggerSpec describes a trigger to register. Exactly one of Schedule and At is set.
type TriggerSpec struct {
	Key         schedule.TriggerKey
	Schedule    string
	At          time.Time
	Paused      bool
	Description string
}

// JobSpec is a job plus its triggers, as used by Sync.
type JobSpec struct {
	Detail   schedule.JobDetail
	Run      Runner
	Timeout  time.Duration
	Triggers []TriggerSpec
	// Fingerprint identifies the definition; Sync replaces jobs whose fingerprint changed.
	Fingerprint string
}

type jobEntry struct {
	detail      schedule.JobDetail
	run         Runner
	timeout     time.Duration
	fingerprint string
	state       *engine.RunState
	triggers    map[schedule.TriggerKey]*triggerEntry
}

type triggerEntry struct {
	trigger schedule.Trigger
	manual  bool

	sched   cron.Schedule // nil for one-shot triggers
	entryID cron.EntryID
	timer   *time.Timer

	paused  bool
	running bool
	prev    time.Time
	next    time.Time
}

func (t *triggerEntry) oneShot() bool { return t.sched == nil }

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron

	jobs     map[schedule.JobKey]*jobEntry
	triggers map[schedule.TriggerKey]*triggerEntry

	now func() time.Time
}
