// Package serial provides a re-entrant FIFO executor. Work pushed onto a
// Queue runs one item at a time, in push order, on whichever goroutine finds
// the queue idle. Pushing from inside a running item never blocks; the item
// runs after the current one returns.
package serial

import "sync"

// Queue is a FIFO of closures with at most one active drainer.
// The zero value is ready to use.
type Queue struct {
	mu      sync.Mutex
	items   []func()
	running bool
	closed  bool
}

// Push appends fn without running it. It returns false once the queue is closed.
func (q *Queue) Push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	return true
}

// Drain runs queued items until the queue is empty. It returns immediately
// when another goroutine (or an outer frame of this one) is already draining.
func (q *Queue) Drain() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	for len(q.items) > 0 {
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()
		q.run(fn)
		q.mu.Lock()
	}
	q.running = false
	q.mu.Unlock()
}

// Do pushes fn and drains.
func (q *Queue) Do(fn func()) {
	if q.Push(fn) {
		q.Drain()
	}
}

// Close drops pending items and rejects later pushes. An item that is
// currently running finishes normally.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) run(fn func()) {
	ok := false
	defer func() {
		if !ok {
			// fn panicked; release the queue so the panic is not followed by a deadlock.
			q.mu.Lock()
			q.running = false
			q.mu.Unlock()
		}
	}()
	fn()
	ok = true
}
