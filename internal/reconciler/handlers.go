package reconciler

import (
	"context"
	"fmt"
	"runtime/debug"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

// lookup is the off-actor half of a handler. fetch calls the scheduler and
// returns the commit to run back on the actor.
type lookup struct {
	epoch uint64
	keys  []any
	fetch func(ctx context.Context) func(t *table)
}

// dispatch applies one feed event to the live table. journal is false when
// a parked event is replayed, since it was journaled on arrival.
func (r *Reconciler) dispatch(ev eventbus.Event, journal bool) {
	if ev.Type == schedule.EventJobsSynced {
		// The sync's earlier events are already dispatched.
		r.startRefresh(nil)
		return
	}
	if journal && r.refreshing {
		r.journal = append(r.journal, ev)
	}
	if r.parks(ev) {
		r.parked = append(r.parked, ev)
		r.log.Trace("event parked", logx.String("type", string(ev.Type)))
		return
	}
	if lk := r.apply(&r.live, ev); lk != nil {
		r.startLookup(lk)
	}
}

// parks reports whether ev touches a key with a lookup in flight.
func (r *Reconciler) parks(ev eventbus.Event) bool {
	if len(r.busy) == 0 {
		return false
	}
	for _, k := range r.touches(ev) {
		if r.busy[k] > 0 {
			return true
		}
	}
	return false
}

// touches lists the job and trigger keys an event addresses. Trigger-only
// events also touch the jobs currently bound to that trigger.
func (r *Reconciler) touches(ev eventbus.Event) []any {
	switch d := ev.Data.(type) {
	case schedule.Trigger:
		return []any{d.Key, d.JobKey}
	case schedule.ExecutionContext:
		return []any{d.TriggerKey, d.JobKey}
	case schedule.TriggerKey:
		keys := []any{d}
		for _, j := range r.live.jobsOf(d) {
			keys = append(keys, j)
		}
		return keys
	case schedule.JobKey:
		return []any{d}
	}
	return nil
}

func (r *Reconciler) startLookup(lk *lookup) {
	lk.epoch = r.epoch
	for _, k := range lk.keys {
		r.busy[k]++
	}
	r.sup.Go0("lookup", func(ctx context.Context) {
		commit := r.runLookup(ctx, lk)
		_ = r.post(func() { r.finishLookup(lk, commit) })
	})
}

// runLookup calls fetch under the lookup timeout. A panicking fetch yields a
// commit that only reports the failure.
func (r *Reconciler) runLookup(ctx context.Context, lk *lookup) (commit func(t *table)) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("lookup panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			commit = func(*table) {
				r.notify(SeverityError, "internal error while looking up scheduler state")
			}
		}
	}()
	return lk.fetch(ctx)
}

func (r *Reconciler) finishLookup(lk *lookup, commit func(t *table)) {
	if lk.epoch != r.epoch {
		// The table was swapped by a refresh that already covered this event.
		return
	}
	defer func() {
		for _, k := range lk.keys {
			if r.busy[k]--; r.busy[k] <= 0 {
				delete(r.busy, k)
			}
		}
		parked := r.parked
		r.parked = nil
		for _, ev := range parked {
			r.dispatch(ev, false)
		}
	}()
	commit(&r.live)
}

// apply runs the transition for ev against t. It returns a lookup when the
// transition needs scheduler data to finish.
func (r *Reconciler) apply(t *table, ev eventbus.Event) *lookup {
	switch ev.Type {
	case schedule.EventJobScheduled:
		if trig, ok := ev.Data.(schedule.Trigger); ok {
			return r.onJobScheduled(trig)
		}
	case schedule.EventJobToBeExecuted:
		if ec, ok := ev.Data.(schedule.ExecutionContext); ok {
			r.onJobToBeExecuted(t, ec)
			return nil
		}
	case schedule.EventJobWasExecuted:
		if ec, ok := ev.Data.(schedule.ExecutionContext); ok {
			r.onJobWasExecuted(t, ec)
			return nil
		}
	case schedule.EventTriggerPaused:
		if k, ok := ev.Data.(schedule.TriggerKey); ok {
			r.setTriggerStatus(t, k, schedule.Paused)
			return nil
		}
	case schedule.EventTriggerResumed:
		if k, ok := ev.Data.(schedule.TriggerKey); ok {
			r.setTriggerStatus(t, k, schedule.Idle)
			return nil
		}
	case schedule.EventTriggerFinalized:
		if trig, ok := ev.Data.(schedule.Trigger); ok {
			return r.triggerRemoved(t, trig.Key)
		}
	case schedule.EventJobUnscheduled:
		if k, ok := ev.Data.(schedule.TriggerKey); ok {
			return r.triggerRemoved(t, k)
		}
	case schedule.EventJobDeleted:
		if k, ok := ev.Data.(schedule.JobKey); ok {
			t.removeAll(t.byJob(k))
			return nil
		}
	default:
		return nil
	}
	r.log.Warn("event with unexpected payload", logx.String("type", string(ev.Type)), logx.String("data", fmt.Sprintf("%T", ev.Data)))
	return nil
}

func (r *Reconciler) onJobScheduled(trig schedule.Trigger) *lookup {
	if r.filter.Hides(trig.JobKey, trig.Key) {
		return nil
	}
	return &lookup{
		keys: []any{trig.Key, trig.JobKey},
		fetch: func(ctx context.Context) func(t *table) {
			v, err := r.sched.GetScheduleView(ctx, trig.Key)
			return func(t *table) { r.insertScheduled(t, trig, v, err) }
		},
	}
}

// insertScheduled adds the row of a new trigger. An existing row for the
// same pairing is refreshed instead, and the job's placeholder row gives way.
func (r *Reconciler) insertScheduled(t *table, trig schedule.Trigger, fetched *schedule.ScheduleView, err error) {
	var v schedule.ScheduleView
	switch {
	case err != nil:
		r.log.Warn("schedule view lookup failed", logx.String("trigger", trig.Key.String()), logx.Err(err))
		v = schedule.ScheduleView{
			JobName:          trig.JobKey.Name,
			JobGroup:         trig.JobKey.Group,
			TriggerName:      trig.Key.Name,
			TriggerGroup:     trig.Key.Group,
			Status:           schedule.Error,
			LastErrorMessage: err.Error(),
			Schedule:         trig.Schedule,
		}
	case fetched == nil:
		// Already gone again; its removal event follows or has been applied.
		r.log.Debug("scheduled trigger no longer exists", logx.String("trigger", trig.Key.String()))
		return
	default:
		v = *fetched
	}

	existing := t.byJobTrigger(v.JobKey(), v.TriggerKey())
	switch len(existing) {
	case 0:
	case 1:
		i := existing[0]
		old := t.rows[i]
		if v.PreviousFireTime.IsZero() {
			v.PreviousFireTime = old.PreviousFireTime
		}
		if v.LastErrorMessage == "" {
			v.LastErrorMessage = old.LastErrorMessage
		}
		t.set(i, v)
		return
	default:
		r.ambiguous("scheduled", trig.Key, len(existing))
		return
	}

	if ph := t.placeholders(v.JobKey()); len(ph) > 0 {
		if v.PreviousFireTime.IsZero() {
			v.PreviousFireTime = t.rows[ph[0]].PreviousFireTime
		}
		t.set(ph[0], v)
		t.removeAll(ph[1:])
		return
	}
	t.add(v)
}

// single resolves a lookup that expects one row; zero is a quiet no-op and
// more than one is reported and skipped.
func (r *Reconciler) single(what string, k schedule.TriggerKey, idx []int) (int, bool) {
	switch len(idx) {
	case 0:
		r.log.Debug("no row for event", logx.String("event", what), logx.String("trigger", k.String()))
		return 0, false
	case 1:
		return idx[0], true
	default:
		r.ambiguous(what, k, len(idx))
		return 0, false
	}
}

func (r *Reconciler) onJobToBeExecuted(t *table, ec schedule.ExecutionContext) {
	i, ok := r.single("to-be-executed", ec.TriggerKey, t.byJobTrigger(ec.JobKey, ec.TriggerKey))
	if !ok {
		return
	}
	v := t.rows[i]
	v.Status = schedule.Running
	t.set(i, v)
}

func (r *Reconciler) onJobWasExecuted(t *table, ec schedule.ExecutionContext) {
	i, ok := r.single("was-executed", ec.TriggerKey, t.byJobTrigger(ec.JobKey, ec.TriggerKey))
	if !ok {
		return
	}
	v := t.rows[i]
	v.PreviousFireTime = ec.FireTime
	v.NextFireTime = ec.NextFireTime
	v.Status = schedule.Idle
	switch {
	case ec.Exception != "":
		v.LastErrorMessage = ec.Exception
	case ec.Failed():
		v.LastErrorMessage = ec.ReturnCodeAndResult()
	}
	t.set(i, v)
}

func (r *Reconciler) setTriggerStatus(t *table, k schedule.TriggerKey, st schedule.Status) {
	i, ok := r.single(st.String(), k, t.byTrigger(k))
	if !ok {
		return
	}
	v := t.rows[i]
	v.Status = st
	t.set(i, v)
}

func (r *Reconciler) ambiguous(what string, k schedule.TriggerKey, n int) {
	r.log.Warn("ambiguous trigger match; event skipped", logx.String("event", what), logx.String("trigger", k.String()), logx.Int("rows", n))
	r.notify(SeverityWarning, fmt.Sprintf("%d rows share trigger %s; %s event skipped", n, k, what))
}
