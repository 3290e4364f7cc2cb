// Package clock abstracts one-shot timers and recurring intervals so the
// lifecycle, heartbeat, and registry packages never call time.After or
// time.NewTicker directly. It is the only source of time the core uses,
// which is what makes the heartbeat and lifecycle tests deterministic.
package clock

import (
	"sync"
	"time"
)

// Token cancels a scheduled timer or interval. Cancel is safe to call more
// than once and safe to call after the timer has already fired.
type Token interface {
	Cancel()
}

// Timers schedules one-shot timeouts and recurring intervals.
type Timers interface {
	// Timeout runs fn once after d elapses.
	Timeout(d time.Duration, fn func()) Token

	// Interval runs fn every d until cancelled.
	Interval(d time.Duration, fn func()) Token
}

// Real backs Timers with the standard library's time.Timer/time.Ticker.
type Real struct{}

// NewReal returns the production Timers implementation.
func NewReal() Timers {
	return Real{}
}

type realToken struct {
	stop     func() bool
	done     chan struct{}
	closeOne sync.Once
}

func (t *realToken) Cancel() {
	t.stop()
	t.closeOne.Do(func() { close(t.done) })
}

func (Real) Timeout(d time.Duration, fn func()) Token {
	timer := time.AfterFunc(d, fn)
	return &realToken{stop: timer.Stop, done: make(chan struct{})}
}

func (Real) Interval(d time.Duration, fn func()) Token {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return &realToken{
		stop: func() bool { ticker.Stop(); return true },
		done: done,
	}
}
