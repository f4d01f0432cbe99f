package schedule

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// LogType categorizes execution log entries.
type LogType string

const (
	// LogScheduleJob is a run fired by a regular trigger.
	LogScheduleJob LogType = "schedule_job"
	// LogTrigger is a run fired by an operator (trigger now).
	LogTrigger LogType = "trigger"
)

const shortMessageMax = 200

// ExecutionRecord is one entry of the append-only execution log.
type ExecutionRecord struct {
	ID               string        `json:"id"`
	LogType          LogType       `json:"log_type"`
	JobName          string        `json:"job_name"`
	JobGroup         string        `json:"job_group"`
	TriggerName      string        `json:"trigger_name,omitempty"`
	TriggerGroup     string        `json:"trigger_group,omitempty"`
	FireTimeUTC      time.Time     `json:"fire_time_utc"`
	Duration         time.Duration `json:"duration"`
	IsSuccess        *bool         `json:"is_success,omitempty"`
	IsException      *bool         `json:"is_exception,omitempty"`
	ReturnCode       int           `json:"return_code"`
	Result           string        `json:"result,omitempty"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	ExceptionMessage string        `json:"exception_message,omitempty"`
}

// Failed reports an explicit failure result.
func (r ExecutionRecord) Failed() bool { return r.IsSuccess != nil && !*r.IsSuccess }

// Raised reports that the run raised an exception.
func (r ExecutionRecord) Raised() bool { return r.IsException != nil && *r.IsException }

// ShortResultMessage summarizes an explicit failure.
func (r ExecutionRecord) ShortResultMessage() string {
	msg := r.ErrorMessage
	if msg == "" {
		msg = r.Result
	}
	code := "ExitCode=" + strconv.Itoa(r.ReturnCode)
	if strings.TrimSpace(msg) == "" {
		return code
	}
	return shorten(code + ", Result=" + msg)
}

// ShortExceptionMessage summarizes the exception raised by the run.
func (r ExecutionRecord) ShortExceptionMessage() string { return shorten(r.ExceptionMessage) }

func shorten(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if utf8.RuneCountInString(s) <= shortMessageMax {
		return s
	}
	r := []rune(s)
	return string(r[:shortMessageMax-3]) + "..."
}

// HistoryQuery scopes a history lookup. Empty trigger fields match any trigger.
type HistoryQuery struct {
	JobName      string
	JobGroup     string
	TriggerName  string
	TriggerGroup string
	// LogTypes restricts the categories; empty means all.
	LogTypes []LogType
}

// Matches reports whether r falls in the query scope.
func (q HistoryQuery) Matches(r ExecutionRecord) bool {
	if r.JobName != q.JobName || r.JobGroup != q.JobGroup {
		return false
	}
	if q.TriggerName != "" && (r.TriggerName != q.TriggerName || r.TriggerGroup != q.TriggerGroup) {
		return false
	}
	if len(q.LogTypes) == 0 {
		return true
	}
	for _, t := range q.LogTypes {
		if t == r.LogType {
			return true
		}
	}
	return false
}

// PageMetadata selects a page. Page is zero-based.
type PageMetadata struct {
	Page     int
	PageSize int
}

func (p PageMetadata) Offset() int {
	if p.Page < 0 || p.PageSize <= 0 {
		return 0
	}
	return p.Page * p.PageSize
}

// PagedList is one page of results plus the total count.
type PagedList[T any] struct {
	Items []T
	Page  PageMetadata
	Total int
}

func (l PagedList[T]) Empty() bool { return len(l.Items) == 0 }

func (l PagedList[T]) First() (T, bool) {
	var zero T
	if len(l.Items) == 0 {
		return zero, false
	}
	return l.Items[0], true
}
