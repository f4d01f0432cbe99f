package reconciler

import "schedview/internal/schedule"

// table is an ordered row collection. The live table emits a Change for
// every mutation; staged tables built during a refresh stay silent.
type table struct {
	rows []schedule.ScheduleView
	emit func(Change)
}

func (t *table) add(v schedule.ScheduleView) {
	t.rows = append(t.rows, v)
	t.notify(Change{Kind: Added, Index: len(t.rows) - 1, Row: v})
}

func (t *table) set(i int, v schedule.ScheduleView) {
	if t.rows[i] == v {
		return
	}
	t.rows[i] = v
	t.notify(Change{Kind: Updated, Index: i, Row: v})
}

func (t *table) remove(i int) {
	v := t.rows[i]
	t.rows = append(t.rows[:i], t.rows[i+1:]...)
	t.notify(Change{Kind: Removed, Index: i, Row: v})
}

// removeAll drops the rows at idx, which must be ascending.
func (t *table) removeAll(idx []int) {
	for i := len(idx) - 1; i >= 0; i-- {
		t.remove(idx[i])
	}
}

func (t *table) notify(c Change) {
	if t.emit != nil {
		t.emit(c)
	}
}

// matchable reports whether v carries a trigger identity that events can
// address. Placeholder rows never do; Error rows keep theirs so trigger
// removal can still clean them up.
func matchable(v schedule.ScheduleView) bool {
	return v.HasTrigger() && !v.Status.IsPlaceholder()
}

// byTrigger returns the rows bound to trigger k.
func (t *table) byTrigger(k schedule.TriggerKey) []int {
	var out []int
	for i, v := range t.rows {
		if matchable(v) && v.EqualsTriggerKey(k) {
			out = append(out, i)
		}
	}
	return out
}

// byJobTrigger returns the rows bound to (job, trigger).
func (t *table) byJobTrigger(job schedule.JobKey, k schedule.TriggerKey) []int {
	var out []int
	for i, v := range t.rows {
		if matchable(v) && v.Equals(job, k) {
			out = append(out, i)
		}
	}
	return out
}

// byJob returns every row of the job regardless of status.
func (t *table) byJob(job schedule.JobKey) []int {
	var out []int
	for i, v := range t.rows {
		if v.SameJob(job) {
			out = append(out, i)
		}
	}
	return out
}

// placeholders returns the triggerless rows of the job.
func (t *table) placeholders(job schedule.JobKey) []int {
	var out []int
	for i, v := range t.rows {
		if v.SameJob(job) && !v.HasTrigger() {
			out = append(out, i)
		}
	}
	return out
}

// jobsOf returns the jobs owning rows bound to trigger k.
func (t *table) jobsOf(k schedule.TriggerKey) []schedule.JobKey {
	var out []schedule.JobKey
	for _, v := range t.rows {
		if v.EqualsTriggerKey(k) {
			out = append(out, v.JobKey())
		}
	}
	return out
}
