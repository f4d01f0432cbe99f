package schedule

import (
	"fmt"
	"time"

	"schedview/internal/eventbus"
)

// Scheduler lifecycle event kinds published on the event bus.
const (
	EventJobScheduled     eventbus.Type = "job.scheduled"
	EventJobUnscheduled   eventbus.Type = "job.unscheduled"
	EventJobToBeExecuted  eventbus.Type = "job.to_be_executed"
	EventJobWasExecuted   eventbus.Type = "job.was_executed"
	EventTriggerFinalized eventbus.Type = "trigger.finalized"
	EventTriggerPaused    eventbus.Type = "trigger.paused"
	EventTriggerResumed   eventbus.Type = "trigger.resumed"
	EventJobDeleted       eventbus.Type = "job.deleted"
	// EventJobsSynced follows a batch of job replacements. Its payload is
	// the number of jobs registered.
	EventJobsSynced eventbus.Type = "jobs.synced"
)

// LifecycleEvents lists every kind in the scheduler feed.
var LifecycleEvents = []eventbus.Type{
	EventJobScheduled,
	EventJobUnscheduled,
	EventJobToBeExecuted,
	EventJobWasExecuted,
	EventTriggerFinalized,
	EventTriggerPaused,
	EventTriggerResumed,
	EventJobDeleted,
	EventJobsSynced,
}

// Trigger is the payload of JobScheduled and TriggerFinalized.
type Trigger struct {
	Key    TriggerKey
	JobKey JobKey
	// Schedule is the raw schedule string; empty for one-shot triggers.
	Schedule    string
	At          time.Time
	Description string
}

// ExecutionContext is the payload of JobToBeExecuted and JobWasExecuted.
type ExecutionContext struct {
	ExecutionID  string
	JobKey       JobKey
	TriggerKey   TriggerKey
	FireTime     time.Time
	NextFireTime time.Time

	// Set on JobWasExecuted only.
	Duration time.Duration
	// Success is nil when the job did not report an explicit outcome.
	Success    *bool
	ResultCode int
	Result     string
	// Exception is the error returned (or panic raised) by the job.
	Exception string
}

// ReturnCodeAndResult renders the explicit result signal of a run.
func (c ExecutionContext) ReturnCodeAndResult() string {
	if c.Result == "" {
		return fmt.Sprintf("ExitCode=%d", c.ResultCode)
	}
	return fmt.Sprintf("ExitCode=%d, Result=%s", c.ResultCode, c.Result)
}

// Failed reports whether the run completed with an explicit failure signal.
func (c ExecutionContext) Failed() bool { return c.Success != nil && !*c.Success }

// BoolPtr is a convenience for optional outcome flags.
func BoolPtr(v bool) *bool { return &v }
