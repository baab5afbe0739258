package eventbus

import (
	"context"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
)

// backlogWarn is the queue depth at which a lagging subscriber is logged.
const backlogWarn = 1024

// Bus is an in-process, goroutine-safe broadcast bus. Every published value
// is delivered to every current subscriber. Each subscriber owns an unbounded
// queue drained by its own goroutine, so a slow consumer never blocks Publish
// or its peers, and each subscriber sees values in publish order.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID atomic.Uint64
	logger *slog.Logger
	closed bool
	wg     sync.WaitGroup
}

// New creates a bus.
func New[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		logger: logger,
	}
}

// Publish enqueues v for every current subscriber. It never blocks on
// consumers. Publishing to a closed bus is a no-op.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(v)
	}
}

// Subscribe registers a new independent subscriber. Values published before
// the call are not replayed. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		bus:    b,
		id:     b.nextID.Add(1),
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		s.ended = true
	} else {
		b.subs[s.id] = s
	}
	b.mu.Unlock()

	go s.pump()
	return s
}

// SubscribeFunc runs handler for every value on its own goroutine until the
// returned unsubscribe function is called or the bus closes. Panicking
// handlers are recovered and logged.
func (b *Bus[T]) SubscribeFunc(handler func(T)) func() {
	s := b.Subscribe()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for v := range s.C() {
			b.invoke(handler, v)
		}
	}()
	return s.Close
}

func (b *Bus[T]) invoke(handler func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "panic", r)
		}
	}()
	handler(v)
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting publishes. Subscribers receive everything already
// queued, then their channels close. Close waits for SubscribeFunc handlers
// to finish and is idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*Subscription[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.end()
	}
	b.wg.Wait()
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of a Bus.
type Subscription[T any] struct {
	bus *Bus[T]
	id  uint64

	mu     sync.Mutex
	queue  []T
	ended  bool // no further values will be queued
	warned bool

	signal    chan struct{}
	out       chan T
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the delivery channel. It is closed after Close, or after the bus
// closes and the backlog is drained.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Close unsubscribes, discarding anything still queued. It only affects
// this subscriber and is idempotent.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s.id)
		close(s.done)
	})
}

// EndWhen ends the subscription once ch is closed, as if the bus had closed
// for this subscriber alone: values already queued are still delivered, then
// the channel closes.
func (s *Subscription[T]) EndWhen(ch <-chan struct{}) {
	go func() {
		select {
		case <-ch:
			s.end()
		case <-s.done:
		}
	}()
}

// All returns a single-use sequence over the subscription. The sequence ends
// when the consumer stops iterating, ctx is cancelled or the bus closes; in
// every case the subscription is closed.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		defer s.Close()
		for {
			select {
			case v, ok := <-s.out:
				if !ok || !yield(v) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	depth := len(s.queue)
	warn := depth >= backlogWarn && !s.warned
	if warn {
		s.warned = true
	}
	s.mu.Unlock()

	if warn {
		s.bus.logger.Warn("event subscriber is lagging", "subscriber", s.id, "queued", depth)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued values to the delivery channel one at a time.
func (s *Subscription[T]) pump() {
	defer close(s.out)
	var zero T
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			ended := s.ended
			s.warned = false
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
