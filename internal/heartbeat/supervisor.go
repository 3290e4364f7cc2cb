// Package heartbeat implements the per-connection liveness check described
// in the specification: a periodic ping with a bounded pong window, wired
// through the clock abstraction so tests can cross timeout boundaries
// without sleeping.
package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/feedme-io/feedme-ws/internal/clock"
)

// PingSender is the subset of wsconn.Conn the supervisor needs.
type PingSender interface {
	Ping(cb func(error))
}

// Metrics are read-only liveness counters kept per connection, exposed for
// diagnostics/logging. They have no bearing on failure classification.
type Metrics struct {
	PingsSent     atomic.Int64
	PongsReceived atomic.Int64
	FailedPings   atomic.Int64
}

// Supervisor drives one connection's ping/pong cycle. Its callbacks can
// arrive from different goroutines — a clock timer firing a tick/timeout
// and the connection's own read loop reporting a pong — so all mutable
// state is guarded by mu rather than assuming a caller-provided ordering.
type Supervisor struct {
	conn     PingSender
	timers   clock.Timers
	interval time.Duration
	timeout  time.Duration

	// onFailure is invoked at most once, from the supervisor's own interval
	// or timeout callback, when a ping errors or a pong doesn't arrive in
	// time. The caller (registry) is responsible for idempotence past this
	// point — the supervisor itself only guarantees it won't report twice.
	onFailure func()

	mu              sync.Mutex
	intervalToken   clock.Token
	timeoutToken    clock.Token
	pingOutstanding bool
	stopped         bool

	Metrics Metrics
}

// New builds a supervisor. interval <= 0 means heartbeats are disabled;
// callers should not call Start in that case.
func New(conn PingSender, timers clock.Timers, interval, timeout time.Duration, onFailure func()) *Supervisor {
	return &Supervisor{
		conn:      conn,
		timers:    timers,
		interval:  interval,
		timeout:   timeout,
		onFailure: onFailure,
	}
}

// Start arms the recurring interval. Must only be called when interval > 0.
func (s *Supervisor) Start() {
	s.intervalToken = s.timers.Interval(s.interval, s.tick)
}

func (s *Supervisor) tick() {
	s.mu.Lock()
	// Invariant: at most one outstanding ping per client — the timeout IS
	// the outstanding-ping window, so a tick never overlaps a prior one
	// that hasn't resolved yet.
	if s.stopped || s.pingOutstanding {
		s.mu.Unlock()
		return
	}
	s.pingOutstanding = true
	s.timeoutToken = s.timers.Timeout(s.timeout, s.onTimeout)
	s.mu.Unlock()

	s.Metrics.PingsSent.Add(1)
	s.conn.Ping(func(err error) {
		if err == nil {
			return
		}
		s.Metrics.FailedPings.Add(1)
		s.fail()
	})
}

// Pong must be called by the registry whenever a pong frame arrives for
// this connection.
func (s *Supervisor) Pong() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.pingOutstanding {
		return
	}
	s.Metrics.PongsReceived.Add(1)
	s.pingOutstanding = false
	if s.timeoutToken != nil {
		s.timeoutToken.Cancel()
		s.timeoutToken = nil
	}
}

func (s *Supervisor) onTimeout() {
	s.mu.Lock()
	if s.stopped || !s.pingOutstanding {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Metrics.FailedPings.Add(1)
	s.fail()
}

func (s *Supervisor) fail() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	if s.onFailure != nil {
		s.onFailure()
	}
}

// Stop cancels both timers. Safe to call more than once and safe to call
// from any failure path — it is always the last thing the record's
// teardown does with the supervisor.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.intervalToken != nil {
		s.intervalToken.Cancel()
	}
	if s.timeoutToken != nil {
		s.timeoutToken.Cancel()
	}
}
