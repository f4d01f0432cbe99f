package reconciler

import (
	"context"
	"fmt"

	"schedview/internal/eventbus"
	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

// Refresh reloads the whole collection and waits until the new rows are in
// place. When a newer refresh starts first, the wait carries over to it.
func (r *Reconciler) Refresh(ctx context.Context) error {
	waiter := make(chan error, 1)
	if err := r.post(func() { r.startRefresh(waiter) }); err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// RequestRefresh schedules a reload without waiting for it.
func (r *Reconciler) RequestRefresh() {
	_ = r.post(func() { r.startRefresh(nil) })
}

func reply(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// startRefresh runs on the actor. It abandons any load in flight and starts
// a new one; events arriving meanwhile are journaled for replay.
func (r *Reconciler) startRefresh(waiter chan error) {
	if waiter != nil {
		r.waiters = append(r.waiters, waiter)
	}
	if r.cancelLoad != nil {
		r.cancelLoad()
	}
	r.gen++
	gen := r.gen
	ctx, cancel := context.WithCancel(r.sup.Context())
	r.cancelLoad = cancel
	r.refreshing = true
	r.journal = nil

	filter := r.filter
	r.log.Debug("refresh started", logx.Uint64("gen", gen))
	r.sup.Go0("refresh", func(context.Context) {
		rows, err := r.load(ctx, filter)
		_ = r.post(func() { r.finishRefresh(gen, rows, err) })
	})
}

func (r *Reconciler) finishRefresh(gen uint64, rows []schedule.ScheduleView, err error) {
	if gen != r.gen {
		r.log.Debug("stale refresh discarded", logx.Uint64("gen", gen))
		return
	}
	r.cancelLoad()
	r.cancelLoad = nil
	r.refreshing = false
	journal := r.journal
	r.journal = nil
	waiters := r.waiters
	r.waiters = nil

	if err != nil {
		r.log.Error("refresh failed", logx.Err(err))
		r.notify(SeverityError, "failed to load schedules: "+err.Error())
		reply(waiters, err)
		return
	}

	staged := table{rows: rows}
	for _, ev := range journal {
		r.replay(&staged, ev)
	}

	r.epoch++
	clear(r.busy)
	r.parked = nil
	r.live.rows = staged.rows
	r.emitChange(Change{Kind: Reset, Rows: append([]schedule.ScheduleView(nil), staged.rows...)})
	r.log.Info("view loaded", logx.Int("rows", len(staged.rows)), logx.Int("replayed", len(journal)))
	reply(waiters, nil)
}

// replay applies a journaled event to the staged table, running any lookup
// inline.
func (r *Reconciler) replay(t *table, ev eventbus.Event) {
	lk := r.apply(t, ev)
	if lk == nil {
		return
	}
	r.runLookup(r.sup.Context(), lk)(t)
}

func (r *Reconciler) load(ctx context.Context, filter schedule.Filter) ([]schedule.ScheduleView, error) {
	var rows []schedule.ScheduleView
	for v, err := range r.sched.ListJobs(ctx, filter) {
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		rows = append(rows, v)
	}
	if err := r.backfill(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// backfill seeds rows from the execution log: the previous fire time when
// the scheduler has none, and the last failure message.
func (r *Reconciler) backfill(ctx context.Context, rows []schedule.ScheduleView) error {
	if r.hist == nil {
		return nil
	}
	for i := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := &rows[i]
		if v.JobName == "" {
			continue
		}
		q := schedule.HistoryQuery{
			JobName:      v.JobName,
			JobGroup:     v.JobGroup,
			TriggerName:  v.TriggerName,
			TriggerGroup: v.TriggerGroup,
			LogTypes:     []schedule.LogType{schedule.LogScheduleJob},
		}
		lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
		page, err := r.hist.LatestExecutionLog(lctx, q, schedule.PageMetadata{Page: 0, PageSize: 1})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("history backfill failed", logx.String("row", v.String()), logx.Err(err))
			continue
		}
		rec, ok := page.First()
		if !ok {
			continue
		}
		if v.PreviousFireTime.IsZero() {
			v.PreviousFireTime = rec.FireTimeUTC
		}
		switch {
		case rec.Failed():
			v.LastErrorMessage = rec.ShortResultMessage()
		case rec.Raised():
			v.LastErrorMessage = rec.ShortExceptionMessage()
		}
	}
	return nil
}
