// Package schedule holds the types shared by the scheduler engine, the
// execution history store and the view reconciler.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultGroup is used when a job or trigger is registered without a group.
	DefaultGroup = "DEFAULT"
	// SystemGroup holds internally-reserved jobs, hidden unless the filter asks for them.
	SystemGroup = "__system"
)

// JobKey identifies a job.
type JobKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func NewJobKey(name, group string) JobKey {
	return JobKey{Name: strings.TrimSpace(name), Group: normalizeGroup(group)}
}

func (k JobKey) String() string { return k.Group + "." + k.Name }

// TriggerKey identifies a trigger.
type TriggerKey struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

func NewTriggerKey(name, group string) TriggerKey {
	return TriggerKey{Name: strings.TrimSpace(name), Group: normalizeGroup(group)}
}

func (k TriggerKey) String() string { return k.Group + "." + k.Name }

func normalizeGroup(g string) string {
	g = strings.TrimSpace(g)
	if g == "" {
		return DefaultGroup
	}
	return g
}

// Status is the derived display status of a ScheduleView.
type Status int

const (
	// NoSchedule: the job is unknown to the scheduler, or has no trigger and is not durable.
	NoSchedule Status = iota
	// NoTrigger: durable job with zero current triggers.
	NoTrigger
	Idle
	Running
	Paused
	// Error: a lookup for this row failed and further detail is unobtainable.
	Error
)

var statusNames = [...]string{"NoSchedule", "NoTrigger", "Idle", "Running", "Paused", "Error"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// IsPlaceholder reports whether rows in this status carry no meaningful trigger.
func (s Status) IsPlaceholder() bool { return s == NoSchedule || s == NoTrigger }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ScheduleView is one display row per (job, trigger) pairing.
//
// Empty names/groups mean "absent"; zero times mean "unset".
type ScheduleView struct {
	JobName          string    `json:"job_name"`
	JobGroup         string    `json:"job_group,omitempty"`
	TriggerName      string    `json:"trigger_name,omitempty"`
	TriggerGroup     string    `json:"trigger_group,omitempty"`
	Status           Status    `json:"status"`
	PreviousFireTime time.Time `json:"previous_fire_time,omitzero"`
	NextFireTime     time.Time `json:"next_fire_time,omitzero"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`

	// Informational; not part of the identity.
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
}

func (v ScheduleView) JobKey() JobKey { return JobKey{Name: v.JobName, Group: v.JobGroup} }

func (v ScheduleView) TriggerKey() TriggerKey {
	return TriggerKey{Name: v.TriggerName, Group: v.TriggerGroup}
}

func (v ScheduleView) HasTrigger() bool { return v.TriggerName != "" }

// SameJob reports whether v belongs to the given job.
func (v ScheduleView) SameJob(k JobKey) bool {
	return v.JobName == k.Name && v.JobGroup == k.Group
}

// EqualsTriggerKey reports whether v is bound to the given trigger.
func (v ScheduleView) EqualsTriggerKey(k TriggerKey) bool {
	return v.TriggerName != "" && v.TriggerName == k.Name && v.TriggerGroup == k.Group
}

// Equals reports whether v is the row for (job, trigger).
func (v ScheduleView) Equals(job JobKey, trigger TriggerKey) bool {
	return v.SameJob(job) && v.EqualsTriggerKey(trigger)
}

// ClearTrigger drops the trigger identity and the fire times bound to it.
func (v *ScheduleView) ClearTrigger() {
	v.TriggerName = ""
	v.TriggerGroup = ""
	v.NextFireTime = time.Time{}
	v.Schedule = ""
}

func (v ScheduleView) String() string {
	if v.TriggerName == "" {
		return fmt.Sprintf("%s.%s [%s]", v.JobGroup, v.JobName, v.Status)
	}
	return fmt.Sprintf("%s.%s/%s.%s [%s]", v.JobGroup, v.JobName, v.TriggerGroup, v.TriggerName, v.Status)
}

// CanResume reports whether resume makes sense for the row.
func (v ScheduleView) CanResume() bool { return !v.Status.IsPlaceholder() }

func (v ScheduleView) CanPause() bool {
	return !v.Status.IsPlaceholder() && v.Status != Error
}

func (v ScheduleView) CanTriggerNow() bool {
	return v.Status != NoSchedule && v.Status != Error && v.Status != Running
}

func (v ScheduleView) CanViewHistory() bool { return v.Status != NoSchedule }

// JobDetail describes a registered job.
type JobDetail struct {
	Key         JobKey
	Description string
	Kind        string
	// Durable jobs stay registered with zero triggers.
	Durable bool
}

// Filter narrows ListJobs.
type Filter struct {
	IncludeSystemJobs bool
}

// Hides reports whether a job/trigger pair is filtered out.
func (f Filter) Hides(job JobKey, trigger TriggerKey) bool {
	if f.IncludeSystemJobs {
		return false
	}
	return job.Group == SystemGroup || trigger.Group == SystemGroup
}
