// Package reconciler keeps an in-memory projection of the scheduler state
// (one ScheduleView per job/trigger pairing) consistent with the scheduler's
// lifecycle event feed, and exposes that projection plus the user commands
// that act on it.
//
// All mutation of the collection runs on a single actor goroutine. Events
// are delivered on scheduler goroutines and posted into the actor's mailbox;
// lookups that have to call back into the scheduler run off the actor while
// the keys they touch are marked busy, and any event for a busy key is parked
// and replayed in arrival order once the lookup commits.
package reconciler

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"schedview/internal/eventbus"
	rtsup "schedview/internal/runtime/supervisor"
	"schedview/internal/schedule"
	logx "schedview/pkg/logx"
)

var (
	ErrNoTrigger = errors.New("row has no trigger")
	ErrNoJob     = errors.New("row has no job")
	ErrStopped   = errors.New("reconciler stopped")
	ErrNoHistory = errors.New("execution history unavailable")
	// ErrNotConfirmed is returned by TriggerNow when no Confirmer is given.
	ErrNotConfirmed = errors.New("trigger not confirmed")
)

// Scheduler is the query/command surface of the job scheduler.
type Scheduler interface {
	ListJobs(ctx context.Context, filter schedule.Filter) iter.Seq2[schedule.ScheduleView, error]
	// GetJobDetail returns nil without error when the job is unknown.
	GetJobDetail(ctx context.Context, name, group string) (*schedule.JobDetail, error)
	// GetScheduleView returns nil without error when the trigger is unknown.
	GetScheduleView(ctx context.Context, key schedule.TriggerKey) (*schedule.ScheduleView, error)
	PauseTrigger(ctx context.Context, name, group string) error
	ResumeTrigger(ctx context.Context, name, group string) error
	TriggerJob(ctx context.Context, name, group string) error
}

// History is the execution log query surface.
type History interface {
	LatestExecutionLog(ctx context.Context, q schedule.HistoryQuery, page schedule.PageMetadata) (schedule.PagedList[schedule.ExecutionRecord], error)
}

// Feed is the source of scheduler lifecycle events.
type Feed interface {
	Subscribe(buffer int, types ...eventbus.Type) *eventbus.Subscription
}

type Config struct {
	Filter schedule.Filter

	// EventBuffer sizes the feed subscription and the actor mailbox.
	EventBuffer int
	// LookupTimeout bounds each call back into the scheduler or history.
	LookupTimeout time.Duration
	// NoticeRate limits warning notices per second; 0 uses the default.
	NoticeRate  float64
	NoticeBurst int
	// DropCheckInterval is how often the feed subscription is checked for drops.
	DropCheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
	if c.NoticeRate <= 0 {
		c.NoticeRate = 5
	}
	if c.NoticeBurst <= 0 {
		c.NoticeBurst = 10
	}
	if c.DropCheckInterval <= 0 {
		c.DropCheckInterval = time.Second
	}
	return c
}

type Reconciler struct {
	cfg   Config
	log   logx.Logger
	sched Scheduler
	hist  History
	feed  Feed

	out     eventbus.Bus
	limiter *rate.Limiter

	mailbox chan func()
	sup     *rtsup.Supervisor
	sub     *eventbus.Subscription

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	// Owned by the actor goroutine.
	live       table
	filter     schedule.Filter
	busy       map[any]int
	parked     []eventbus.Event
	epoch      uint64
	gen        uint64
	refreshing bool
	journal    []eventbus.Event
	cancelLoad context.CancelFunc
	waiters    []chan error
}

// New creates a reconciler. hist may be nil, in which case backfill and
// History are unavailable.
func New(sched Scheduler, hist History, feed Feed, log logx.Logger, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Reconciler{
		cfg:     cfg,
		log:     log,
		sched:   sched,
		hist:    hist,
		feed:    feed,
		out:     eventbus.New(),
		limiter: rate.NewLimiter(rate.Limit(cfg.NoticeRate), cfg.NoticeBurst),
		mailbox: make(chan func(), cfg.EventBuffer),
		done:    make(chan struct{}),
		filter:  cfg.Filter,
		busy:    map[any]int{},
	}
	r.live.emit = r.emitChange
	return r
}

// Start subscribes to the feed, starts the actor and performs the initial
// load and backfill. It returns once the view is fully loaded.
func (r *Reconciler) Start(ctx context.Context) error {
	started := false
	r.startOnce.Do(func() {
		started = true
		r.sub = r.feed.Subscribe(r.cfg.EventBuffer, schedule.LifecycleEvents...)
		r.sup = rtsup.New(context.Background(), rtsup.WithLogger(r.log))
		r.sup.Go0("actor", r.run)
		r.sup.Go0("feed", r.pump)
	})
	if !started {
		return errors.New("reconciler already started")
	}
	return r.Refresh(ctx)
}

// Stop releases the feed subscription and stops the actor. It is idempotent.
func (r *Reconciler) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		close(r.done)
		if r.sub != nil {
			r.sub.Close()
		}
		if r.sup != nil {
			err = r.sup.Stop(ctx)
		}
	})
	return err
}

// run is the actor loop.
func (r *Reconciler) run(ctx context.Context) {
	defer func() {
		if r.cancelLoad != nil {
			r.cancelLoad()
		}
		reply(r.waiters, ErrStopped)
		r.waiters = nil
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-r.mailbox:
			r.safely(fn)
		}
	}
}

// safely runs one actor message; a panic is contained so later events keep flowing.
func (r *Reconciler) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panicked", logx.Any("panic", p))
			r.notify(SeverityError, "internal error while applying a scheduler event")
		}
	}()
	fn()
}

// post queues fn on the actor.
func (r *Reconciler) post(fn func()) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.mailbox <- fn:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// call runs fn on the actor and waits for it.
func (r *Reconciler) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.post(func() { defer close(done); fn() }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}
}

// pump forwards feed events into the actor and turns observed drops into a refresh.
func (r *Reconciler) pump(ctx context.Context) {
	tick := time.NewTicker(r.cfg.DropCheckInterval)
	defer tick.Stop()

	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.sub.C:
			if !ok {
				return
			}
			if r.post(func() { r.dispatch(ev, true) }) != nil {
				return
			}
		case <-tick.C:
		}
		if d := r.sub.Dropped(); d > seen {
			r.log.Warn("feed dropped events; refreshing", logx.Uint64("dropped", d-seen))
			seen = d
			r.RequestRefresh()
		}
	}
}

// Rows returns a copy of the collection.
func (r *Reconciler) Rows(ctx context.Context) ([]schedule.ScheduleView, error) {
	var out []schedule.ScheduleView
	err := r.call(ctx, func() { out = append([]schedule.ScheduleView(nil), r.live.rows...) })
	return out, err
}

// Filter returns the active filter.
func (r *Reconciler) Filter(ctx context.Context) (schedule.Filter, error) {
	var f schedule.Filter
	err := r.call(ctx, func() { f = r.filter })
	return f, err
}

// SetFilter changes the filter and reloads the view. An in-flight refresh is abandoned.
func (r *Reconciler) SetFilter(f schedule.Filter) error {
	return r.post(func() {
		if f == r.filter {
			return
		}
		r.filter = f
		r.startRefresh(nil)
	})
}
