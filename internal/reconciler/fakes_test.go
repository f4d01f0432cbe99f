package reconciler

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"

	"schedview/internal/schedule"
)

// fakeScheduler serves canned answers. Gates, when set, block the matching
// call until closed.
type fakeScheduler struct {
	mu      sync.Mutex
	rows    []schedule.ScheduleView
	views   map[schedule.TriggerKey]schedule.ScheduleView
	details map[schedule.JobKey]schedule.JobDetail

	listErr   error
	viewErr   error
	detailErr error
	cmdErr    error

	listGate   chan struct{}
	detailGate chan struct{}
	viewPanic  bool

	listCalls atomic.Int32
	filters   []schedule.Filter
	commands  []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{
		views:   map[schedule.TriggerKey]schedule.ScheduleView{},
		details: map[schedule.JobKey]schedule.JobDetail{},
	}
}

func (f *fakeScheduler) setRows(rows ...schedule.ScheduleView) {
	f.mu.Lock()
	f.rows = rows
	f.mu.Unlock()
}

func (f *fakeScheduler) setView(v schedule.ScheduleView) {
	f.mu.Lock()
	f.views[v.TriggerKey()] = v
	f.mu.Unlock()
}

func (f *fakeScheduler) setDetail(d schedule.JobDetail) {
	f.mu.Lock()
	f.details[d.Key] = d
	f.mu.Unlock()
}

func (f *fakeScheduler) ListJobs(ctx context.Context, filter schedule.Filter) iter.Seq2[schedule.ScheduleView, error] {
	f.listCalls.Add(1)
	return func(yield func(schedule.ScheduleView, error) bool) {
		f.mu.Lock()
		gate := f.listGate
		f.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				yield(schedule.ScheduleView{}, ctx.Err())
				return
			}
		}

		f.mu.Lock()
		f.filters = append(f.filters, filter)
		err := f.listErr
		rows := append([]schedule.ScheduleView(nil), f.rows...)
		f.mu.Unlock()
		if err != nil {
			yield(schedule.ScheduleView{}, err)
			return
		}
		for _, v := range rows {
			if filter.Hides(v.JobKey(), v.TriggerKey()) {
				continue
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

func (f *fakeScheduler) GetJobDetail(ctx context.Context, name, group string) (*schedule.JobDetail, error) {
	f.mu.Lock()
	gate := f.detailGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	d, ok := f.details[schedule.JobKey{Name: name, Group: group}]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

func (f *fakeScheduler) GetScheduleView(_ context.Context, key schedule.TriggerKey) (*schedule.ScheduleView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.viewPanic {
		panic("view lookup exploded")
	}
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	v, ok := f.views[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *fakeScheduler) record(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return f.cmdErr
}

func (f *fakeScheduler) PauseTrigger(_ context.Context, name, group string) error {
	return f.record("pause " + group + "." + name)
}

func (f *fakeScheduler) ResumeTrigger(_ context.Context, name, group string) error {
	return f.record("resume " + group + "." + name)
}

func (f *fakeScheduler) TriggerJob(_ context.Context, name, group string) error {
	return f.record("trigger " + group + "." + name)
}

func (f *fakeScheduler) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// fakeHistory returns the newest record matching the query.
type fakeHistory struct {
	mu      sync.Mutex
	records []schedule.ExecutionRecord
	err     error
	queries []schedule.HistoryQuery
}

func (h *fakeHistory) LatestExecutionLog(_ context.Context, q schedule.HistoryQuery, page schedule.PageMetadata) (schedule.PagedList[schedule.ExecutionRecord], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queries = append(h.queries, q)
	out := schedule.PagedList[schedule.ExecutionRecord]{Page: page}
	if h.err != nil {
		return out, h.err
	}
	for i := len(h.records) - 1; i >= 0; i-- {
		if q.Matches(h.records[i]) {
			out.Total++
			if len(out.Items) < page.PageSize {
				out.Items = append(out.Items, h.records[i])
			}
		}
	}
	return out, nil
}

func (h *fakeHistory) Queries() []schedule.HistoryQuery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schedule.HistoryQuery(nil), h.queries...)
}
