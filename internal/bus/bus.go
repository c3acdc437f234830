// Package bus implements a fan-out publish/subscribe channel used to push
// normalized market-data updates out to dashboard subscribers. Structurally
// grounded on the teacher's internal/router.GrowableBuffer (a generic,
// mutex-guarded buffer type), but the queueing policy is different: rather
// than growing without bound, a full subscriber queue drops its oldest
// queued item to admit the newest one, matching the original UpdateBus
// (original_source/bus.py) rather than the teacher's router.
package bus

import "sync"

// DefaultQueueSize is used by callers that have no reason to size a
// subscriber's queue themselves.
const DefaultQueueSize = 512

// Bus fans a stream of values of type T out to any number of subscribers.
// Publish never blocks: a subscriber that falls behind has its oldest
// queued item dropped to make room, rather than stalling the publisher or
// growing without bound.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[*subscriber[T]]struct{}
	queueSize   int
	closed      bool
}

// subscriber's ch is never closed: Publish may be sending to it from a
// goroutine that holds no bus lock at send time, and closing a channel
// concurrently with a send on it panics. done is closed instead, to signal
// "stop delivering/reading" without ever closing the data channel itself.
type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// New creates a Bus whose subscriber queues hold up to queueSize items. A
// non-positive queueSize is replaced with DefaultQueueSize.
func New[T any](queueSize int) *Bus[T] {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus[T]{
		subscribers: make(map[*subscriber[T]]struct{}),
		queueSize:   queueSize,
	}
}

// Subscription is a live registration on a Bus. Receive values from C until
// Done is closed, and call Unsubscribe when finished to release the slot.
type Subscription[T any] struct {
	C    <-chan T
	bus  *Bus[T]
	sub  *subscriber[T]
	once sync.Once
}

// Done returns a channel that's closed once this subscription is no longer
// live — either because Unsubscribe was called or the bus itself was
// closed. C itself is never closed, so a reader must select on Done (not
// rely on a closed-channel receive) to know when to stop.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.sub.done
}

// Unsubscribe removes the subscription from the bus and signals Done. Safe
// to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.bus.remove(s.sub)
		close(s.sub.done)
	})
}

// Subscribe registers a new subscriber. If the bus is already closed, the
// returned Subscription's Done channel is already closed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	sub := &subscriber[T]{ch: make(chan T, b.queueSize), done: make(chan struct{})}

	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.subscribers[sub] = struct{}{}
	}
	b.mu.Unlock()

	if closed {
		close(sub.done)
	}

	return &Subscription[T]{C: sub.ch, bus: b, sub: sub}
}

func (b *Bus[T]) remove(sub *subscriber[T]) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
}

// Publish delivers value to every current subscriber. It never blocks: a
// subscriber whose queue is full has its single oldest item dropped to make
// room for value (newest-wins). The subscriber set is snapshotted under
// lock and then iterated without it, so a slow subscriber can't hold up
// registration of new ones.
func (b *Bus[T]) Publish(value T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber[T], 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		deliver(sub, value)
	}
}

// deliver attempts a non-blocking send, dropping the oldest queued item and
// retrying while the queue is full. Every send attempt also races against
// sub.done, so a concurrent Unsubscribe/Close can never be raced into a
// send on a channel that's been closed out from under it — done is what
// gets closed, never ch. A concurrent drain between the drop and the retry
// is harmless: the retry send still succeeds non-blocking, and if some
// other goroutine refilled the queue in between, the worst outcome is the
// retry dropping one more already-delivered item.
func deliver[T any](sub *subscriber[T], value T) {
	for {
		select {
		case sub.ch <- value:
			return
		case <-sub.done:
			return
		default:
		}

		select {
		case <-sub.ch:
		default:
		}
	}
}

// Close shuts the bus down: no further Publish calls deliver anything, and
// every current subscriber's Done channel is closed so a select loop over
// C/Done exits.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.done)
	}
	b.subscribers = make(map[*subscriber[T]]struct{})
}

// SubscriberCount reports the current number of live subscribers. Intended
// for metrics/diagnostics, not for control flow.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
