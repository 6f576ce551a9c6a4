// Package events is a typed publish/subscribe bus. Every subscription has
// its own buffered mailbox and an explicit Unsubscribe; slow subscribers
// lose events after a send timeout instead of stalling the publisher.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks mailbox usage for one subscription
type Stats struct {
	TotalSent    int64
	DroppedCount int64
	CurrentDepth int
	MaxDepthSeen int64
}

// Bus fans typed events out to subscribers
type Bus[T any] struct {
	name    string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// NewBus creates a bus. timeout bounds how long Publish waits on a full
// mailbox; zero drops immediately.
func NewBus[T any](name string, timeout time.Duration, logger *slog.Logger) *Bus[T] {
	return &Bus[T]{
		name:    name,
		timeout: timeout,
		logger:  logger,
		subs:    make(map[uint64]*Subscription[T]),
	}
}

// Subscription is one subscriber's mailbox
type Subscription[T any] struct {
	id  uint64
	bus *Bus[T]
	ch  chan T

	once    sync.Once
	sent    atomic.Int64
	dropped atomic.Int64
	maxSeen atomic.Int64
}

// Subscribe registers a new mailbox with the given buffer size
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription[T]{
		id:  b.nextID,
		bus: b,
		ch:  make(chan T, buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Listen calls fn for every event on its own goroutine until the returned
// function is called
func (b *Bus[T]) Listen(buffer int, fn func(T)) (unsubscribe func()) {
	sub := b.Subscribe(buffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.C() {
			fn(msg)
		}
	}()
	return func() {
		sub.Unsubscribe()
		<-done
	}
}

// Publish delivers msg to every subscriber. It returns the number of
// mailboxes that accepted it.
func (b *Bus[T]) Publish(msg T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.send(msg, b.timeout) {
			delivered++
			continue
		}
		b.logger.Warn("event dropped",
			"bus", b.name,
			"subscription", sub.id,
			"timeout", b.timeout,
			"current_depth", len(sub.ch))
	}
	return delivered
}

// Len returns the number of active subscriptions
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Publishing after Close is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// send must be called with the bus read lock held
func (s *Subscription[T]) send(msg T, timeout time.Duration) bool {
	select {
	case s.ch <- msg:
		s.recordSent()
		return true
	default:
	}
	if timeout <= 0 {
		s.dropped.Add(1)
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- msg:
		s.recordSent()
		return true
	case <-timer.C:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription[T]) recordSent() {
	s.sent.Add(1)
	depth := int64(len(s.ch))
	for {
		seen := s.maxSeen.Load()
		if depth <= seen || s.maxSeen.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// C returns the channel events arrive on. It is closed on Unsubscribe.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}

// Stats returns a copy of the mailbox statistics
func (s *Subscription[T]) Stats() Stats {
	return Stats{
		TotalSent:    s.sent.Load(),
		DroppedCount: s.dropped.Load(),
		CurrentDepth: len(s.ch),
		MaxDepthSeen: s.maxSeen.Load(),
	}
}
