package reconciler

import (
	"time"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

const (
	ChangeEvent eventbus.Type = "view.change"
	NoticeEvent eventbus.Type = "view.notice"
)

type ChangeKind int

const (
	Added ChangeKind = iota
	Updated
	Removed
	// Reset replaces the whole collection; Rows holds the new content.
	Reset
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Reset:
		return "reset"
	}
	return "unknown"
}

// Change describes one mutation of the collection. Index is the row
// position at the time of the change; for Removed, Row is the removed row.
type Change struct {
	Kind  ChangeKind
	Index int
	Row   schedule.ScheduleView
	Rows  []schedule.ScheduleView
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	}
	return "unknown"
}

// Notice is a user-facing message raised by the reconciler.
type Notice struct {
	Severity Severity
	Message  string
	Time     time.Time
}

// Subscribe returns a subscription delivering Change values.
func (r *Reconciler) Subscribe(buffer int) *eventbus.Subscription {
	return r.out.Subscribe(buffer, ChangeEvent)
}

// Notices returns a subscription delivering Notice values.
func (r *Reconciler) Notices(buffer int) *eventbus.Subscription {
	return r.out.Subscribe(buffer, NoticeEvent)
}

func (r *Reconciler) emitChange(c Change) {
	r.out.Publish(eventbus.Event{Type: ChangeEvent, Data: c})
}

// notify publishes a notice. Warnings are rate limited; errors always go out.
func (r *Reconciler) notify(sev Severity, msg string) {
	if sev == SeverityWarning && !r.limiter.Allow() {
		r.log.Debug("notice throttled", logx.String("message", msg))
		return
	}
	now := time.Now()
	r.out.Publish(eventbus.Event{Type: NoticeEvent, Time: now, Data: Notice{Severity: sev, Message: msg, Time: now}})
}
