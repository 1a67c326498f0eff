package node

import (
	"sync"
	"time"
)

// SendQueue is a paced outbound datagram queue. Datagrams leave in the order
// they were pushed, each at least its gap after the previous one left. A
// batch pushed in one call is never interleaved with another batch.
type SendQueue struct {
	mu      sync.Mutex
	items   []queueItem
	lastPop time.Time
	closed  bool
	wake    chan struct{}
}

type queueItem struct {
	data []byte
	gap  time.Duration
	done func(err error) // optional, called once the datagram is handed off
}

// NewSendQueue creates an empty send queue.
func NewSendQueue() *SendQueue {
	return &SendQueue{wake: make(chan struct{}, 1)}
}

// Push appends datagrams to the queue, each to be spaced gap after the
// datagram before it. done, if non-nil, is called once per datagram.
// Push returns ErrStopped once the queue has been closed.
func (q *SendQueue) Push(datagrams [][]byte, gap time.Duration, done func(err error)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStopped
	}
	for _, dg := range datagrams {
		q.items = append(q.items, queueItem{data: dg, gap: gap, done: done})
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the head of the queue if it may leave at now.
func (q *SendQueue) Pop(now time.Time) (queueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || now.Before(q.readyAtLocked()) {
		return queueItem{}, false
	}
	item := q.items[0]
	q.items[0] = queueItem{}
	q.items = q.items[1:]
	q.lastPop = now
	return item, true
}

// NextReady returns when the head of the queue may leave.
func (q *SendQueue) NextReady() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.readyAtLocked(), true
}

func (q *SendQueue) readyAtLocked() time.Time {
	if q.lastPop.IsZero() {
		return time.Time{}
	}
	return q.lastPop.Add(q.items[0].gap)
}

// Wake is signalled whenever datagrams are pushed.
func (q *SendQueue) Wake() <-chan struct{} {
	return q.wake
}

// Close refuses further pushes and returns whatever was still queued.
func (q *SendQueue) Close() []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}

// Len returns the number of queued datagrams (ready or not).
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
