// Package queue implements the worker's follow-up queue: an unbounded,
// closable FIFO that feeds human follow-up messages into a running agent
// conversation as turns. Closing the queue is the end-of-conversation
// signal.
package queue

import "sync"

// Queue is an unbounded closable FIFO of follow-up messages.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

// New creates an open, empty queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. It reports false if the queue is already closed, in
// which case the item is dropped.
func (q *Queue) Push(item string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// Pull blocks until an item is available or the queue is closed and
// drained. ok is false only when no further items will ever arrive.
func (q *Queue) Pull() (item string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close marks the queue closed and wakes all blocked Pulls. Items already
// queued remain pullable; Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Discard closes the queue and drops anything still buffered. Used on
// abort, where queued follow-ups must not become turns.
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}

// Len reports the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether the queue has been closed.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
