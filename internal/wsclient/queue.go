package wsclient

import (
	"context"
	"sync"
)

// maxQueueSize bounds the outbound queue per spec.md §4.5/§5. When no
// session drains the queue fast enough, the oldest not-yet-sent frame is
// dropped rather than growing the queue without bound.
const maxQueueSize = 1024

// sendQueue is a bounded FIFO of outbound frames, capped at maxQueueSize.
// Unlike the teacher's GrowableBuffer it supports pushing back to the FRONT:
// when a write fails mid-session, the frame that failed to send is the next
// one a new session must retry, not the next one queued behind it
// (original_source/ws_client.py _sender's "put the message back for the next
// session" behavior).
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  [][]byte
	closed bool
}

func newSendQueue() *sendQueue {
	q := &sendQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues a frame at the back of the queue. If the queue is already at
// maxQueueSize, the oldest queued frame is dropped to make room — a stalled
// session loses its backlog rather than growing without bound.
func (q *sendQueue) push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.items) >= maxQueueSize {
		q.items = q.items[1:]
	}
	q.items = append(q.items, frame)
	q.cond.Signal()
}

// requeue puts a frame back at the front of the queue, to be the next one
// popped. At capacity it evicts from the tail rather than dropping the
// requeued frame, since the requeued frame is the one already known to need
// a retry.
func (q *sendQueue) requeue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if len(q.items) >= maxQueueSize {
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append([][]byte{frame}, q.items...)
	q.cond.Signal()
}

// pop blocks until a frame is available, the queue is closed, or ctx is
// done. Returns ok=false in the latter two cases.
func (q *sendQueue) pop(ctx context.Context) ([]byte, bool) {
	done := make(chan struct{})
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stopWatch:
		}
		close(done)
	}()
	defer func() {
		close(stopWatch)
		<-done
	}()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil || (len(q.items) == 0 && q.closed) {
		return nil, false
	}

	frame := q.items[0]
	q.items = q.items[1:]
	return frame, true
}

// close marks the queue closed and wakes any blocked pop.
func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
