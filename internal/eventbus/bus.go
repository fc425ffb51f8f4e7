// Package eventbus provides a typed, in-process publish/subscribe fan-out.
//
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and its drop counter is incremented.
package eventbus

import (
	"sync"
	"sync/atomic"
)

// Bus fans events of type T out to every live subscription.
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// New constructs an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscription receives events published after it was created.
type Subscription[T any] struct {
	id      uint64
	bus     *Bus[T]
	ch      chan T
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Dropped reports how many events were skipped because the buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.closeChannel()
}

func (s *Subscription[T]) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// Subscribing to a closed bus returns an already-closed subscription.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription[T]{id: b.nextID, bus: b, ch: make(chan T, buffer)}
	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers event to every subscriber without blocking and returns the
// number of subscribers that received it.
func (b *Bus[T]) Publish(event T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	delivered := 0
	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
			delivered++
		default:
			sub.dropped.Add(1)
		}
	}
	return delivered
}

// Len reports the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects further publishes.
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
	for _, sub := range subs {
		sub.closeChannel()
	}
}
