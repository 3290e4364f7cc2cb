// Package feedme is the public entry point: a small, validated API in
// front of the lifecycle controller. It owns argument validation and
// state-gating only — everything else is delegated straight through.
package feedme

import (
	"net/http"
	"time"

	"github.com/feedme-io/feedme-ws/internal/clock"
	"github.com/feedme-io/feedme-ws/internal/ferr"
	"github.com/feedme-io/feedme-ws/internal/lifecycle"
	"github.com/feedme-io/feedme-ws/internal/wsconn"
)

// Mode re-exports the deployment selector so callers never need to import
// internal/lifecycle directly.
type Mode = lifecycle.Mode

const (
	ModeOwnListener  = lifecycle.ModeOwnListener
	ModeBorrowedHTTP = lifecycle.ModeBorrowedHTTP
	ModeNoListener   = lifecycle.ModeNoListener
)

// State re-exports the four server states.
type State = lifecycle.State

const (
	Stopped  = lifecycle.Stopped
	Starting = lifecycle.Starting
	Started  = lifecycle.Started
	Stopping = lifecycle.Stopping
)

// HTTPHost re-exports the borrowed-HTTP collaborator contract.
type HTTPHost = wsconn.HTTPHost

// Options configures one Server. Exactly one deployment selector should be
// set: Port (own listener, bound to Host), BorrowedHTTP, or NoListener.
type Options struct {
	Host         string
	Port         int
	BorrowedHTTP HTTPHost
	NoListener   bool

	// HeartbeatInterval == 0 disables heartbeat supervision entirely; a
	// negative interval is rejected by New.
	// HeartbeatTimeout must be strictly less than HeartbeatInterval when
	// heartbeats are enabled.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Timers overrides the clock source; nil uses the real wall clock.
	// Tests supply a clock.Fake here.
	Timers clock.Timers
}

// Handlers are the seven lifecycle notifications. Each is optional.
type Handlers struct {
	OnStarting   func()
	OnStart      func()
	OnStopping   func(err error)
	OnStop       func(err error)
	OnConnect    func(clientID string)
	OnMessage    func(clientID string, msg string)
	OnDisconnect func(clientID string, err error)
}

// Server is the validated, public face of the transport.
type Server struct {
	ctrl *lifecycle.Controller
}

// New validates Options and builds a Server in the stopped state. It does
// not start anything.
func New(opts Options, handlers Handlers) (*Server, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	ctrl := lifecycle.New(lifecycle.Options{
		Host:              opts.Host,
		Port:              opts.Port,
		BorrowedHTTP:      opts.BorrowedHTTP,
		NoListener:        opts.NoListener,
		HeartbeatInterval: opts.HeartbeatInterval,
		HeartbeatTimeout:  opts.HeartbeatTimeout,
		Timers:            opts.Timers,
	}, lifecycle.Handlers{
		OnStarting:   handlers.OnStarting,
		OnStart:      handlers.OnStart,
		OnStopping:   handlers.OnStopping,
		OnStop:       handlers.OnStop,
		OnConnect:    handlers.OnConnect,
		OnMessage:    handlers.OnMessage,
		OnDisconnect: handlers.OnDisconnect,
	})

	return &Server{ctrl: ctrl}, nil
}

func validateOptions(opts Options) error {
	selectors := 0
	if opts.Port != 0 {
		selectors++
	}
	if opts.BorrowedHTTP != nil {
		selectors++
	}
	if opts.NoListener {
		selectors++
	}
	if selectors > 1 {
		return ferr.NewInvalidArgument("exactly one of Port, BorrowedHTTP, or NoListener may be set")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return ferr.NewInvalidArgument("port must be between 0 and 65535")
	}
	if opts.HeartbeatInterval < 0 {
		return ferr.NewInvalidArgument("heartbeat interval must not be negative")
	}
	if opts.HeartbeatInterval > 0 && opts.HeartbeatTimeout <= 0 {
		return ferr.NewInvalidArgument("heartbeat timeout must be positive when heartbeats are enabled")
	}
	if opts.HeartbeatInterval > 0 && opts.HeartbeatTimeout >= opts.HeartbeatInterval {
		return ferr.NewInvalidArgument("heartbeat timeout must be strictly less than heartbeat interval")
	}
	return nil
}

// State reports the current server state. Valid in any state.
func (s *Server) State() State {
	return s.ctrl.State()
}

// Mode reports which deployment selector this server was built with.
func (s *Server) Mode() Mode {
	return s.ctrl.Mode()
}

// Start is valid only in the stopped state.
func (s *Server) Start() error {
	return s.ctrl.Start()
}

// Stop is valid only in the started state.
func (s *Server) Stop() error {
	return s.ctrl.Stop()
}

// Send delivers msg to clientID. Arguments are validated before state is
// checked, and state before client membership, per the documented
// contract order.
func (s *Server) Send(clientID, msg string) error {
	if clientID == "" {
		return ferr.NewInvalidArgument("clientID must be a non-empty string")
	}
	if s.ctrl.State() != Started {
		return ferr.NewInvalidState("send() is only valid in the started state")
	}
	if !s.ctrl.HasClient(clientID) {
		return ferr.NewInvalidState("unknown clientID")
	}
	s.ctrl.Send(clientID, msg)
	return nil
}

// Disconnect removes clientID. err, if non-nil, is surfaced to the
// disconnect(clientID, err) notification as the reason.
func (s *Server) Disconnect(clientID string, err error) error {
	if clientID == "" {
		return ferr.NewInvalidArgument("clientID must be a non-empty string")
	}
	if s.ctrl.State() != Started {
		return ferr.NewInvalidState("disconnect() is only valid in the started state")
	}
	if !s.ctrl.HasClient(clientID) {
		return ferr.NewInvalidState("unknown clientID")
	}
	s.ctrl.Disconnect(clientID, err)
	return nil
}

// HandleUpgrade feeds an externally-received upgrade request into the
// transport. Only valid in no-listener mode while started.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	if w == nil || r == nil {
		return ferr.NewInvalidArgument("response writer and request must not be nil")
	}
	if s.ctrl.Mode() != ModeNoListener {
		return ferr.NewInvalidState("handleUpgrade() is only valid in no-listener mode")
	}
	if s.ctrl.State() != Started {
		return ferr.NewInvalidState("handleUpgrade() is only valid in the started state")
	}
	s.ctrl.HandleUpgrade(w, r)
	return nil
}

// UpdateHeartbeatConfig changes the heartbeat interval/timeout applied to
// clients connecting from this point on. interval <= 0 disables
// heartbeats for new connections; already-live connections are
// unaffected. Intended for config hot-reload.
func (s *Server) UpdateHeartbeatConfig(interval, timeout time.Duration) error {
	if interval > 0 && timeout <= 0 {
		return ferr.NewInvalidArgument("heartbeat timeout must be positive when heartbeats are enabled")
	}
	if interval > 0 && timeout >= interval {
		return ferr.NewInvalidArgument("heartbeat timeout must be strictly less than heartbeat interval")
	}
	s.ctrl.UpdateHeartbeatConfig(interval, timeout)
	return nil
}

// HasClient reports whether clientID is currently registered.
func (s *Server) HasClient(clientID string) bool {
	return s.ctrl.HasClient(clientID)
}

// ClientCount returns the number of live clients.
func (s *Server) ClientCount() int {
	return s.ctrl.ClientCount()
}

// ClientIDs returns a snapshot of live client IDs.
func (s *Server) ClientIDs() []string {
	return s.ctrl.ClientIDs()
}

// Close releases the server's internal scheduling goroutine. Only call
// this once the server has reached Stopped for good.
func (s *Server) Close() {
	s.ctrl.Close()
}
