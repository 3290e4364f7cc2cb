// Package wsconn wraps gorilla/websocket behind the small per-connection
// surface the core needs: Send/Ping/Close/Terminate/ReadyState plus
// message/pong/close callbacks. It is the concrete implementation behind
// the WsListener collaborator described in the specification; the core
// packages (registry, heartbeat, lifecycle) depend only on the Conn and
// Listener interfaces in this package, never on gorilla/websocket directly.
package wsconn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ReadyState mirrors the WebSocket readyState values the spec requires.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

const (
	maxMessageSize = 512 * 1024
	pongWait       = 90 * time.Second
	writeWait      = 15 * time.Second
)

// Conn is the per-connection object consumed by the registry and heartbeat
// supervisor.
type Conn interface {
	// Send writes a text message; cb receives the write result.
	Send(msg string, cb func(error))

	// Ping writes a ping control frame; cb receives the write result.
	Ping(cb func(error))

	// Close requests an orderly shutdown with the given close code/reason.
	Close(code int, reason string)

	// Terminate forcibly destroys the underlying socket with no handshake.
	Terminate()

	// ReadyState reports the connection's current state.
	ReadyState() ReadyState

	// RemoteAddr is used only for logging.
	RemoteAddr() string

	// SetHandlers installs the callbacks invoked for inbound frames. Must be
	// called before Start. onMessage receives isText=false for binary
	// frames, which the registry must treat as a protocol violation.
	SetHandlers(onMessage func(data []byte, isText bool), onPong func(), onClose func(code int, reason string))

	// Start begins the connection's read loop. Must be called exactly once,
	// after SetHandlers.
	Start()
}

// wsConn is the gorilla/websocket-backed Conn implementation.
type wsConn struct {
	raw   *websocket.Conn
	state atomic.Int32

	writeMu sync.Mutex

	onMessage func(data []byte, isText bool)
	onPong    func()
	onClose   func(code int, reason string)
}

// Wrap adapts an already-upgraded gorilla connection to Conn.
func Wrap(raw *websocket.Conn) Conn {
	c := &wsConn{raw: raw}
	c.state.Store(int32(StateOpen))
	return c
}

func (c *wsConn) SetHandlers(onMessage func([]byte, bool), onPong func(), onClose func(int, string)) {
	c.onMessage = onMessage
	c.onPong = onPong
	c.onClose = onClose
}

func (c *wsConn) ReadyState() ReadyState {
	return ReadyState(c.state.Load())
}

func (c *wsConn) RemoteAddr() string {
	if c.raw == nil || c.raw.RemoteAddr() == nil {
		return ""
	}
	return c.raw.RemoteAddr().String()
}

func (c *wsConn) Send(msg string, cb func(error)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ReadyState() != StateOpen {
		if cb != nil {
			cb(websocket.ErrCloseSent)
		}
		return
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.raw.WriteMessage(websocket.TextMessage, []byte(msg))
	if cb != nil {
		cb(err)
	}
}

func (c *wsConn) Ping(cb func(error)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.ReadyState() != StateOpen {
		if cb != nil {
			cb(websocket.ErrCloseSent)
		}
		return
	}

	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	if cb != nil {
		cb(err)
	}
}

func (c *wsConn) Close(code int, reason string) {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}

	c.writeMu.Lock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.raw.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()

	c.state.Store(int32(StateClosed))
	_ = c.raw.Close()
}

func (c *wsConn) Terminate() {
	prev := c.state.Swap(int32(StateClosed))
	if ReadyState(prev) == StateClosed {
		return
	}
	_ = c.raw.Close()
}

// Start launches the read loop. Pong and close control frames are
// dispatched from inside gorilla's ReadMessage via the handlers installed
// below; data frames go to onMessage.
func (c *wsConn) Start() {
	go c.readLoop()
}

// readLoop mirrors the teacher's readPump: onClose is guaranteed to fire
// exactly once no matter why the loop exits, whether that's a clean
// close-frame handshake, an abrupt TCP reset, a read-deadline expiry, or
// any other I/O error, the same way readPump's defer does regardless of
// why ReadMessage returned.
func (c *wsConn) readLoop() {
	c.raw.SetReadLimit(maxMessageSize)
	_ = c.raw.SetReadDeadline(time.Now().Add(pongWait))

	var closeOnce sync.Once
	notifyClose := func(code int, reason string) {
		closeOnce.Do(func() {
			if c.onClose != nil {
				c.onClose(code, reason)
			}
		})
	}

	c.raw.SetPongHandler(func(string) error {
		_ = c.raw.SetReadDeadline(time.Now().Add(pongWait))
		if c.onPong != nil {
			c.onPong()
		}
		return nil
	})

	c.raw.SetCloseHandler(func(code int, text string) error {
		// Suppress gorilla's default auto-reply; the registry decides
		// whether/how to acknowledge via Close/Terminate.
		notifyClose(code, text)
		return nil
	})

	for {
		msgType, data, err := c.raw.ReadMessage()
		if err != nil {
			c.state.Store(int32(StateClosed))
			notifyClose(websocket.CloseAbnormalClosure, err.Error())
			return
		}

		if c.onMessage != nil {
			c.onMessage(data, msgType == websocket.TextMessage)
		}
	}
}
