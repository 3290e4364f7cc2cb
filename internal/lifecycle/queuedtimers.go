package lifecycle

import (
	"time"

	"github.com/feedme-io/feedme-ws/internal/clock"
	"github.com/feedme-io/feedme-ws/internal/queue"
)

// queuedTimers wraps a clock.Timers so every fired callback is re-dispatched
// onto the controller's single queue before running, regardless of which
// goroutine the underlying clock implementation actually fires timers from
// (clock.Real uses its own goroutines per timer/ticker). Without this, timer
// callbacks would run concurrently with the queue's own turn and break the
// single-threaded cooperative model the specification requires.
type queuedTimers struct {
	inner clock.Timers
	q     *queue.Queue
}

func newQueuedTimers(inner clock.Timers, q *queue.Queue) clock.Timers {
	return &queuedTimers{inner: inner, q: q}
}

func (t *queuedTimers) Timeout(d time.Duration, fn func()) clock.Token {
	return t.inner.Timeout(d, func() { t.q.Enqueue(fn) })
}

func (t *queuedTimers) Interval(d time.Duration, fn func()) clock.Token {
	return t.inner.Interval(d, func() { t.q.Enqueue(fn) })
}
