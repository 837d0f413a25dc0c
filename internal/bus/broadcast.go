package bus

import (
	"sync"
	"sync/atomic"
)

// Broadcaster fans values out to any number of subscribers. Each
// subscriber owns a bounded buffer; when a subscriber lags behind the
// publisher, the oldest unread value is dropped and the subscriber's
// missed counter advances. Publishing never blocks on a slow consumer.
type Broadcaster[T any] struct {
	capacity int

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription is one consumer's view of a Broadcaster.
type Subscription[T any] struct {
	ch     chan T
	missed atomic.Uint64
	parent *Broadcaster[T]
}

func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Broadcaster[T]{
		capacity: capacity,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a new consumer. Values published before Subscribe
// are not replayed.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription[T]{
		ch:     make(chan T, b.capacity),
		parent: b,
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers v to every live subscriber, evicting the oldest
// buffered value for any subscriber whose buffer is full.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- v:
			continue
		default:
		}
		// Buffer full: evict the oldest value, then retry once. The
		// second send can still lose a race with a concurrent reader,
		// in which case the buffer has room again.
		select {
		case <-sub.ch:
			sub.missed.Add(1)
		default:
		}
		select {
		case sub.ch <- v:
		default:
			sub.missed.Add(1)
		}
	}
}

// Close ends every subscription. Pending buffered values remain
// readable until drained.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// C is the receive channel. It is closed when the Broadcaster closes or
// the subscription is cancelled.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Missed reports how many values this subscriber lost to backpressure
// eviction since subscribing.
func (s *Subscription[T]) Missed() uint64 {
	return s.missed.Load()
}

// Cancel detaches the subscription from the Broadcaster.
func (s *Subscription[T]) Cancel() {
	b := s.parent
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
