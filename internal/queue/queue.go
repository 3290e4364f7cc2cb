// Package queue implements the cooperative-yield primitive the
// specification requires: a single goroutine draining a FIFO of closures,
// so that every state mutation and every notification the core emits runs
// on one logical thread of execution in enqueue order, regardless of which
// goroutine (a connection's read loop, a timer, an API call) produced it.
package queue

import "sync"

// Queue is a single-consumer task queue. Enqueue is safe to call from any
// goroutine; the tasks themselves always run on the queue's own goroutine,
// one at a time, in the order they were enqueued.
type Queue struct {
	tasks    chan func()
	done     chan struct{}
	stopOnce sync.Once
}

// New starts the queue's drain goroutine.
func New() *Queue {
	q := &Queue{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case fn := <-q.tasks:
			fn()
		case <-q.done:
			return
		}
	}
}

// Enqueue schedules fn to run on the queue's goroutine. It never blocks the
// caller on fn's execution — this is the "next cooperative yield" the
// specification refers to.
func (q *Queue) Enqueue(fn func()) {
	select {
	case q.tasks <- fn:
	case <-q.done:
	}
}

// Stop halts the drain goroutine. Any tasks still buffered are dropped.
// Safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
}
