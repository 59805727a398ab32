package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Publisher denotes anything events can be published to
type Publisher interface {
	Publish(e Event)
}

// Bus denotes a publish / subscribe fan-out of events. Publishing never blocks: if a
// subscriber does not keep up, events for that subscriber are dropped (and counted)
type Bus struct {
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool

	sync.RWMutex
}

// Subscription denotes a cancellable subscription to (a subset of) the events on a bus
type Subscription struct {
	bus     *Bus
	kinds   map[Kind]struct{}
	ch      chan Event
	dropped uint64

	once sync.Once
}

// NewBus instantiates a new event bus, executing functional options, if any
func NewBus(options ...func(*Bus)) *Bus {
	b := &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: defaultBufferSize,
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(b)
	}

	return b
}

// WithBufferSize sets the per-subscriber channel buffer size
func WithBufferSize(n int) func(*Bus) {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// Subscribe registers a new subscription for the given event kinds (all kinds if none
// are provided). Subscribing to a closed bus yields an already closed subscription
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, b.bufferSize),
	}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}

	b.Lock()
	defer b.Unlock()

	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s] = struct{}{}

	return s
}

// Publish distributes a copy of the event to all matching subscribers
func (b *Bus) Publish(e Event) {
	b.RLock()
	defer b.RUnlock()

	if b.closed {
		return
	}

	for s := range b.subs {
		if !s.matches(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Close terminates all subscriptions, closing their channels
func (b *Bus) Close() {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, s)
	}
}

// Subscribers returns the number of currently active subscriptions
func (b *Bus) Subscribers() int {
	b.RLock()
	defer b.RUnlock()

	return len(b.subs)
}

// Events returns the channel events for this subscription are delivered on. It is
// closed upon cancellation of the subscription or closure of the bus
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Cancel removes the subscription from the bus and closes its channel. It is safe to
// call Cancel multiple times
func (s *Subscription) Cancel() {
	s.bus.Lock()
	defer s.bus.Unlock()

	delete(s.bus.subs, s)
	s.once.Do(func() { close(s.ch) })
}

// Dropped returns the number of events that could not be delivered to this subscriber
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *Subscription) matches(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}
