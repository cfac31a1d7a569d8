// Package serialqueue provides a FIFO exclusive-access region: submitted
// functions execute one at a time, in submission order, on a single
// goroutine. It is the only concurrency primitive guarding the coin pool
// and each preload type.
package serialqueue

import "sync"

// Queue executes submitted functions serially in FIFO order.
type Queue struct {
	mu     sync.RWMutex
	closed bool

	jobs    chan func()
	drained chan struct{}
}

// New creates a queue and starts its worker goroutine.
func New() *Queue {
	q := &Queue{
		jobs:    make(chan func(), 64),
		drained: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for fn := range q.jobs {
		fn()
	}
	close(q.drained)
}

// Do submits fn and blocks until it has run, reporting whether it ran.
// Queued operations always run to completion; there is no cancellation of
// a submitted job. After Close, Do is a no-op and returns false.
func (q *Queue) Do(fn func()) bool {
	done := make(chan struct{})
	if !q.submit(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// Go submits fn without waiting for it to run. After Close it is a no-op
// and returns false.
func (q *Queue) Go(fn func()) bool {
	return q.submit(fn)
}

func (q *Queue) submit(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.jobs <- fn
	return true
}

// Close stops accepting jobs and waits for the queue to drain. Safe to
// call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.drained
}
