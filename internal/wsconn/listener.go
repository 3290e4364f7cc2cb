package wsconn

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Subprotocol is the fixed subprotocol label this server negotiates.
const Subprotocol = "feedme"

// selectSubprotocol returns the first client-proposed subprotocol whose
// lowercase form equals "feedme", preserving the client's original case,
// or "" if none match.
func selectSubprotocol(proposed []string) string {
	for _, p := range proposed {
		if strings.ToLower(p) == Subprotocol {
			return p
		}
	}
	return ""
}

// ListenerEvents are the callbacks a Listener fires. All three are optional;
// nil callbacks are simply not invoked.
type ListenerEvents struct {
	OnListening  func()
	OnConnection func(Conn)
	OnClose      func()
	OnError      func(error)
}

// Listener is the injected WsListener factory's product: a handle over one
// of the three deployment modes.
type Listener interface {
	// Close tears the listener down and invokes cb once complete.
	Close(cb func())

	// HandleUpgrade is only valid in no-listener mode; the host calls it
	// once per externally-received upgrade request.
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
}

var upgradeHeaderCheck = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
	Subprotocols:    []string{Subprotocol},
}

func newUpgrader() websocket.Upgrader {
	u := upgradeHeaderCheck
	return u
}

// listenerBase implements the bits common to all three modes: accepting an
// upgrade request, negotiating the subprotocol, and wrapping the resulting
// connection.
type listenerBase struct {
	events ListenerEvents
	mu     sync.Mutex
	closed bool
}

func (l *listenerBase) accept(w http.ResponseWriter, r *http.Request) {
	upgrader := newUpgrader()
	// gorilla's Upgrader.Subprotocols already picks the first one present in
	// both lists in client-proposal order, but it compares case-sensitively
	// against our fixed "feedme"; run our own case-insensitive match so a
	// client proposing "FeEdMe" still negotiates successfully and the
	// selected value echoes the client's original casing.
	if selected := selectSubprotocol(websocket.Subprotocols(r)); selected != "" {
		upgrader.Subprotocols = []string{selected}
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := Wrap(raw)

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		conn.Terminate()
		return
	}

	if l.events.OnConnection != nil {
		l.events.OnConnection(conn)
	}
}

// OwnListener mode: the core owns its own net.Listener/http.Server.
type OwnListener struct {
	listenerBase
	server   *http.Server
	listener net.Listener
}

// NewOwnListener builds and starts a listener bound to port (0 means "any
// free port"). It emits OnListening once the socket is bound, and
// OnClose/OnError on teardown.
func NewOwnListener(host string, port int, events ListenerEvents) (*OwnListener, error) {
	ol := &OwnListener{listenerBase: listenerBase{events: events}}

	mux := http.NewServeMux()
	mux.HandleFunc("/", ol.accept)
	ol.server = &http.Server{Handler: mux}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	ol.listener = ln

	go func() {
		if events.OnListening != nil {
			events.OnListening()
		}
		err := ol.server.Serve(ln)
		ol.mu.Lock()
		closed := ol.closed
		ol.mu.Unlock()
		if closed {
			if events.OnClose != nil {
				events.OnClose()
			}
			return
		}
		if err != nil && events.OnError != nil {
			events.OnError(err)
		}
	}()

	return ol, nil
}

func (ol *OwnListener) Close(cb func()) {
	ol.mu.Lock()
	ol.closed = true
	ol.mu.Unlock()
	go func() {
		_ = ol.server.Shutdown(context.Background())
		if cb != nil {
			cb()
		}
	}()
}

func (ol *OwnListener) HandleUpgrade(http.ResponseWriter, *http.Request) {
	panic("HandleUpgrade is only valid in no-listener mode")
}

// NoListener mode: the host performs the HTTP upgrade and hands requests to
// us directly via HandleUpgrade.
type NoListener struct {
	listenerBase
}

// NewNoListener builds a listener with no owned socket. It never fires
// OnListening; there is nothing to wait for, and the controller reports the
// server started as soon as the listener is built.
func NewNoListener(events ListenerEvents) *NoListener {
	nl := &NoListener{listenerBase: listenerBase{events: events}}
	return nl
}

func (nl *NoListener) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	nl.accept(w, r)
}

func (nl *NoListener) Close(cb func()) {
	nl.mu.Lock()
	nl.closed = true
	nl.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// HTTPHost is the borrowed-HTTP collaborator: a host-owned HTTP server whose
// listening status and lifecycle we observe, and on which we mount our own
// upgrade handler. The core never closes the host's listener.
type HTTPHost interface {
	// Mount registers the WebSocket upgrade handler at the host's chosen path.
	Mount(handler http.HandlerFunc)

	// ListeningNow reports whether the host is currently accepting connections.
	ListeningNow() bool

	// OnListening registers a callback fired exactly once, the moment the
	// host starts listening. If the host is already listening when this is
	// called, the callback fires on the next tick rather than synchronously.
	OnListening(fn func())

	// OnStopped registers a callback fired once when the host's listener
	// closes (err == nil) or errors (err != nil).
	OnStopped(fn func(err error))
}

// BorrowedHTTP mode: the core mounts onto a host-owned HTTP server.
type BorrowedHTTP struct {
	listenerBase
	host HTTPHost
}

// NewBorrowedHTTP mounts the upgrade handler on host and wires the
// lifecycle events through.
func NewBorrowedHTTP(host HTTPHost, events ListenerEvents) *BorrowedHTTP {
	bh := &BorrowedHTTP{listenerBase: listenerBase{events: events}, host: host}
	host.Mount(bh.accept)
	return bh
}

// ListeningNow reports the borrowed host's current listening status.
func (bh *BorrowedHTTP) ListeningNow() bool {
	return bh.host.ListeningNow()
}

// OnListening forwards to the host.
func (bh *BorrowedHTTP) OnListening(fn func()) {
	bh.host.OnListening(fn)
}

// OnStopped forwards to the host.
func (bh *BorrowedHTTP) OnStopped(fn func(err error)) {
	bh.host.OnStopped(fn)
}

func (bh *BorrowedHTTP) HandleUpgrade(http.ResponseWriter, *http.Request) {
	panic("HandleUpgrade is only valid in no-listener mode")
}

// Close in borrowed mode never touches the host's listener; it only stops
// accepting new connections through our own handler and is immediate.
func (bh *BorrowedHTTP) Close(cb func()) {
	bh.mu.Lock()
	bh.closed = true
	bh.mu.Unlock()
	if cb != nil {
		cb()
	}
}
