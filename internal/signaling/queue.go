package signaling

import (
	"errors"
	"sync"
)

// outboundQueue is a byte-bounded FIFO of encoded messages waiting to be
// written to one peer.
//
// Enqueue never blocks, so a broadcast never waits on a slow peer: when the
// peer's budget is exhausted the message is refused and the caller treats the
// peer as failed.
type outboundQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	msgs     [][]byte
}

func newOutboundQueue(maxBytes int) *outboundQueue {
	q := &outboundQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

var (
	errQueueClosed = errors.New("peer send queue closed")
	errQueueFull   = errors.New("peer send queue full")
)

// Enqueue appends msg if it fits within the byte budget.
func (q *outboundQueue) Enqueue(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.curBytes+len(msg) > q.maxBytes {
		return errQueueFull
	}
	q.msgs = append(q.msgs, msg)
	q.curBytes += len(msg)
	q.notEmpty.Signal()
	return nil
}

// Dequeue blocks until a message is available or the queue is closed. Messages
// still queued at Close are discarded.
func (q *outboundQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	msg := q.msgs[0]
	q.msgs[0] = nil
	q.msgs = q.msgs[1:]
	q.curBytes -= len(msg)
	return msg, true
}

func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.msgs = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
