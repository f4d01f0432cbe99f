// Package scheduler is the in-process job scheduler behind the schedule view.
//
// It keeps jobs and their triggers, evaluates cron, interval and one-shot
// triggers with robfig/cron, hands runs to the task engine and publishes the
// lifecycle events (scheduled, unscheduled, to-be-executed, was-executed,
// finalized, paused, resumed, deleted) on the event bus. Every run is
// appended to the execution history store when one is configured.
package scheduler
