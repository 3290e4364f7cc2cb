// Package lifecycle owns the server state machine and the three
// deployment modes described in the specification: an owned listener, a
// borrowed HTTP server (either already listening or not yet started), and
// a no-listener mode driven entirely by the host handing upgrade requests
// to HandleUpgrade.
package lifecycle

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedme-io/feedme-ws/internal/clock"
	"github.com/feedme-io/feedme-ws/internal/ferr"
	"github.com/feedme-io/feedme-ws/internal/queue"
	"github.com/feedme-io/feedme-ws/internal/registry"
	"github.com/feedme-io/feedme-ws/internal/wsconn"
)

// State is one of the four server states.
type State int32

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Deployment timing constants fixed by the specification.
const (
	HTTPListeningDeadline = 2000 * time.Millisecond
	HTTPPollingInterval   = 500 * time.Millisecond
)

// Mode tags the deployment selector variant (spec.md section 9: "Polymorphism
// over deployment modes").
type Mode int

const (
	// ModeOwnListener: the core owns a net.Listener bound to Port.
	ModeOwnListener Mode = iota
	// ModeBorrowedHTTP: the core mounts onto an externally-owned HTTP server.
	ModeBorrowedHTTP
	// ModeNoListener: the host performs upgrades and feeds them to HandleUpgrade.
	ModeNoListener
)

func (m Mode) String() string {
	switch m {
	case ModeOwnListener:
		return "own-listener"
	case ModeBorrowedHTTP:
		return "borrowed-http"
	case ModeNoListener:
		return "no-listener"
	default:
		return "unknown"
	}
}

// Options configures one Controller. Exactly one deployment selector may be
// set: Host (empty string defaults to "0.0.0.0") + Port for own-listener,
// BorrowedHTTP for borrowed mode, or NoListener=true.
type Options struct {
	Host         string
	Port         int
	BorrowedHTTP wsconn.HTTPHost
	NoListener   bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	Timers clock.Timers
}

// Handlers are the seven lifecycle notifications the specification fixes
// by name. Each is optional; nil handlers are simply not invoked. Every
// call here happens on the controller's own queue goroutine — never
// reentrantly from inside a PublicAPI call, and never from more than one
// goroutine at a time.
type Handlers struct {
	OnStarting   func()
	OnStart      func()
	OnStopping   func(err error)
	OnStop       func(err error)
	OnConnect    func(clientID string)
	OnMessage    func(clientID string, msg string)
	OnDisconnect func(clientID string, err error)
}

// Controller is the LifecycleController: it owns the listener handle and
// the registry exclusively, and arbitrates every termination path so the
// documented notification ordering holds.
type Controller struct {
	opts     Options
	handlers Handlers
	q        *queue.Queue
	state    atomic.Int32

	// timers wraps opts.Timers so every fired callback is re-dispatched
	// through q, no matter which goroutine the underlying clock.Timers
	// implementation actually fires from.
	timers clock.Timers

	reg      *registry.Registry
	listener wsconn.Listener

	startDeadline clock.Token
	pollToken     clock.Token
}

// New builds a controller in the Stopped state. It does not start anything.
func New(opts Options, handlers Handlers) *Controller {
	if opts.Timers == nil {
		opts.Timers = clock.NewReal()
	}
	c := &Controller{opts: opts, handlers: handlers, q: queue.New()}
	c.timers = newQueuedTimers(opts.Timers, c.q)
	c.state.Store(int32(Stopped))
	return c
}

// State reports the controller's current state. Safe from any goroutine.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Start transitions stopped -> starting synchronously, then completes the
// mode-specific startup asynchronously on the next cooperative tick.
// Returns InvalidState if the controller isn't stopped.
func (c *Controller) Start() error {
	if !c.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ferr.NewInvalidState("start() is only valid in the stopped state")
	}
	c.q.Enqueue(c.beginStart)
	return nil
}

func (c *Controller) beginStart() {
	log.Debug().Str("mode", c.Mode().String()).Msg("lifecycle starting")
	c.emitStarting()

	switch {
	case c.opts.NoListener:
		c.startNoListener()
	case c.opts.BorrowedHTTP != nil:
		c.startBorrowedHTTP()
	default:
		c.startOwnListener()
	}
}

func (c *Controller) emitStarting() {
	if c.handlers.OnStarting != nil {
		c.handlers.OnStarting()
	}
}

func (c *Controller) emitStart() {
	c.setState(Started)
	log.Info().Str("mode", c.Mode().String()).Msg("server started")
	if c.handlers.OnStart != nil {
		c.handlers.OnStart()
	}
}

func (c *Controller) newRegistry() {
	c.reg = registry.New(c.timers, c.opts.HeartbeatInterval, c.opts.HeartbeatTimeout,
		func(id string) { c.q.Enqueue(func() { c.emitConnect(id) }) },
		func(id, msg string) { c.q.Enqueue(func() { c.emitMessage(id, msg) }) },
		func(id string, err error) { c.q.Enqueue(func() { c.emitDisconnect(id, err) }) },
	)
}

func (c *Controller) emitConnect(id string) {
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect(id)
	}
}

func (c *Controller) emitMessage(id, msg string) {
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(id, msg)
	}
}

func (c *Controller) emitDisconnect(id string, err error) {
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(id, err)
	}
}

// --- Mode A: own listener ---------------------------------------------

func (c *Controller) startOwnListener() {
	c.newRegistry()

	events := wsconn.ListenerEvents{
		OnListening: func() { c.q.Enqueue(c.emitStart) },
		OnConnection: func(conn wsconn.Conn) {
			c.q.Enqueue(func() { c.reg.Add(conn) })
		},
		OnClose: func() {}, // acked explicitly by the Close callback during teardown
		OnError: func(err error) {
			c.q.Enqueue(func() { c.collapse(ferr.NewFailure(ferr.FailureListenerCollapsed, err)) })
		},
	}

	ln, err := wsconn.NewOwnListener(c.opts.Host, c.opts.Port, events)
	if err != nil {
		c.failStart(ferr.NewFailure(ferr.FailureListenerInit, err))
		return
	}
	c.listener = ln
}

// --- Mode D: no-listener -------------------------------------------------

func (c *Controller) startNoListener() {
	c.newRegistry()

	events := wsconn.ListenerEvents{
		OnConnection: func(conn wsconn.Conn) {
			c.q.Enqueue(func() { c.reg.Add(conn) })
		},
	}
	c.listener = wsconn.NewNoListener(events)
	c.emitStart()
}

// --- Modes B/C: borrowed HTTP --------------------------------------------

func (c *Controller) startBorrowedHTTP() {
	c.newRegistry()

	host := c.opts.BorrowedHTTP
	events := wsconn.ListenerEvents{
		OnConnection: func(conn wsconn.Conn) {
			c.q.Enqueue(func() { c.reg.Add(conn) })
		},
	}
	bh := wsconn.NewBorrowedHTTP(host, events)
	c.listener = bh

	bh.OnStopped(func(err error) {
		c.q.Enqueue(func() {
			if c.State() == Starting && err != nil {
				if c.startDeadline != nil {
					c.startDeadline.Cancel()
					c.startDeadline = nil
				}
				c.failStart(ferr.NewFailure(ferr.FailureListenerInit, err))
				return
			}
			if c.State() != Started {
				return
			}
			if err != nil {
				c.collapse(ferr.NewFailure(ferr.FailureListenerCollapsed, err))
			} else {
				c.collapse(ferr.NewFailure(ferr.FailureHTTPListenerStopped, nil))
			}
		})
	})

	if bh.ListeningNow() {
		// Mode B: already listening.
		c.emitStart()
		c.armBorrowedPoll(bh)
		return
	}

	// Mode C: not yet listening — arm the start deadline and wait. c.timers
	// already re-dispatches through the queue, so these callbacks run as an
	// ordinary serialized turn just like any enqueued task.
	c.startDeadline = c.timers.Timeout(HTTPListeningDeadline, func() {
		if c.State() != Starting {
			return
		}
		c.failStart(ferr.NewFailure(ferr.FailureHTTPListenerNoStart, nil))
	})

	bh.OnListening(func() {
		c.q.Enqueue(func() {
			if c.State() != Starting {
				return
			}
			if c.startDeadline != nil {
				c.startDeadline.Cancel()
				c.startDeadline = nil
			}
			c.emitStart()
			c.armBorrowedPoll(bh)
		})
	})
}

func (c *Controller) armBorrowedPoll(bh *wsconn.BorrowedHTTP) {
	c.pollToken = c.timers.Interval(HTTPPollingInterval, func() {
		if c.State() != Started {
			return
		}
		if !bh.ListeningNow() {
			c.collapse(ferr.NewFailure(ferr.FailureHTTPListenerStopped, nil))
		}
	})
}

// --- Startup failure -------------------------------------------------

// failStart handles a startup-time failure (listener construction threw, a
// borrowed HTTP listener errored, or the start deadline expired): emit
// stopping(FAILURE) then stop(FAILURE) once any half-constructed listener
// is forced closed, returning to stopped.
func (c *Controller) failStart(failure error) {
	c.setState(Stopping)
	if c.handlers.OnStopping != nil {
		c.handlers.OnStopping(failure)
	}

	finish := func() {
		c.setState(Stopped)
		if c.handlers.OnStop != nil {
			c.handlers.OnStop(failure)
		}
	}

	if c.listener != nil {
		c.listener.Close(func() { c.q.Enqueue(finish) })
		return
	}
	finish()
}

// --- Graceful stop -----------------------------------------------------

// Stop transitions started -> stopping synchronously, then drains and
// finishes asynchronously.
func (c *Controller) Stop() error {
	if !c.state.CompareAndSwap(int32(Started), int32(Stopping)) {
		return ferr.NewInvalidState("stop() is only valid in the started state")
	}
	c.q.Enqueue(func() { c.drain(nil) })
	return nil
}

// collapse handles an unexpected listener/borrowed-HTTP collapse while
// started: same drain as stop(), but stopping/stop carry the failure.
func (c *Controller) collapse(failure error) {
	if !c.state.CompareAndSwap(int32(Started), int32(Stopping)) {
		return
	}
	c.drain(failure)
}

// drain is the shared shutdown path for stop() and collapse(): detach
// handlers, cancel timers, empty the registry, capture the connection set,
// then emit the per-client disconnects and the stopping notification, all
// within this one queue turn — and finally request the listener teardown,
// whose acknowledgement emits stop on a later turn (or at once when there
// is no listener).
func (c *Controller) drain(failure error) {
	if failure != nil {
		log.Warn().Err(failure).Msg("server collapsing")
	} else {
		log.Info().Msg("server stopping")
	}
	if c.pollToken != nil {
		c.pollToken.Cancel()
		c.pollToken = nil
	}
	if c.startDeadline != nil {
		c.startDeadline.Cancel()
		c.startDeadline = nil
	}

	var ids []string
	if c.reg != nil {
		ids = c.reg.DrainAll()
	}

	for _, id := range ids {
		cid := id
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(cid, ferr.NewStopping())
		}
	}

	if c.handlers.OnStopping != nil {
		c.handlers.OnStopping(failure)
	}

	finish := func() {
		c.setState(Stopped)
		if c.handlers.OnStop != nil {
			c.handlers.OnStop(failure)
		}
	}

	if c.listener != nil {
		ln := c.listener
		c.listener = nil
		ln.Close(func() { c.q.Enqueue(finish) })
		return
	}
	finish()
}

// --- Send / Disconnect / HandleUpgrade, routed from the PublicAPI -------

// Send routes clientID/msg to the registry. The caller (PublicAPI) is
// responsible for InvalidArgument/InvalidState validation; this assumes
// both have already passed.
func (c *Controller) Send(clientID, msg string) {
	c.q.Enqueue(func() {
		if c.reg == nil {
			return
		}
		c.reg.Send(clientID, msg)
	})
}

// Disconnect routes an application-requested disconnect to the registry.
func (c *Controller) Disconnect(clientID string, err error) {
	c.q.Enqueue(func() {
		if c.reg == nil {
			return
		}
		c.reg.Disconnect(clientID, err)
	})
}

// UpdateHeartbeatConfig changes the heartbeat interval/timeout that will
// be applied to connections accepted from this point on; already-live
// connections keep the settings they started with. Used by the CLI's
// config hot-reload.
func (c *Controller) UpdateHeartbeatConfig(interval, timeout time.Duration) {
	c.opts.HeartbeatInterval = interval
	c.opts.HeartbeatTimeout = timeout
	c.q.Enqueue(func() {
		if c.reg == nil {
			return
		}
		c.reg.UpdateHeartbeatConfig(interval, timeout)
	})
}

// HasClient reports whether clientID is currently registered. Safe from
// any goroutine.
func (c *Controller) HasClient(clientID string) bool {
	if c.reg == nil {
		return false
	}
	return c.reg.Has(clientID)
}

// ClientCount returns the number of live clients.
func (c *Controller) ClientCount() int {
	if c.reg == nil {
		return 0
	}
	return c.reg.Count()
}

// ClientIDs returns a snapshot of live client IDs.
func (c *Controller) ClientIDs() []string {
	if c.reg == nil {
		return nil
	}
	return c.reg.IDs()
}

// HandleUpgrade is only valid in no-listener mode; PublicAPI has already
// checked State()==Started and Mode==ModeNoListener.
func (c *Controller) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ln := c.listener
	if ln == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	ln.HandleUpgrade(w, r)
}

// Mode reports which deployment selector this controller was built with.
func (c *Controller) Mode() Mode {
	switch {
	case c.opts.NoListener:
		return ModeNoListener
	case c.opts.BorrowedHTTP != nil:
		return ModeBorrowedHTTP
	default:
		return ModeOwnListener
	}
}

// Close tears down the controller's internal queue. Only meaningful after
// the controller has reached Stopped and will never be started again.
func (c *Controller) Close() {
	c.q.Stop()
}
