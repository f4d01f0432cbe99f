package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event kind, e.g. "job.scheduled".
type Type string

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers receive through buffered channels.
//   - Slow subscribers drop events; the drop is counted on their Subscription.
type Event struct {
	Type Type
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a subscriber for the given types (all types when none given).
	Subscribe(buffer int, types ...Type) *Subscription
}

// Subscription is the registration handle returned by Subscribe.
// Close is idempotent and releases the registration deterministically.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[Type]struct{}
	dropped atomic.Uint64
	once    sync.Once
	cancel  func()
}

// Dropped reports how many events were not delivered because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func (s *Subscription) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*Subscription{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		// A concurrent Close may have closed the channel; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case s.ch <- e:
			default:
				s.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	sub := &Subscription{C: ch, ch: ch}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}
