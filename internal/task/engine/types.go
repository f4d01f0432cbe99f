package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// RunState tracks whether a task is already in-flight.
// SkipIfRunning means "skip if running OR already queued", which keeps a fast
// schedule from filling the queue with copies of a slow job.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

// Running reports whether a gated task currently holds the state.
func (s *RunState) Running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// TaskEvent is published on the event bus when a task is dropped or skipped.
type TaskEvent struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Run receives a context bounded by Timeout (or Config.DefaultTimeout).
// A panic inside Run is converted into an error passed to Done.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Overlap OverlapPolicy
	// State gates overlap; when nil a per-name state is used.
	State *RunState
	// Done, if set, is called on the worker after Run returns.
	Done func(err error, dur time.Duration)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running          bool
	Workers          int
	QueueLen         int
	QueueCap         int
	InFlight         int
	DefaultTimeout   time.Duration
	Dropped          uint64
	DroppedQueueFull uint64
	Skipped          uint64
}
