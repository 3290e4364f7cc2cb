// Package registry maintains the live client set and funnels every
// non-orderly termination of a connection through a single Failure
// Resolver, so a client is disconnected at most once no matter which of
// heartbeat timeout, ping error, transmit error, peer close, or a
// malformed inbound message triggered it.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feedme-io/feedme-ws/internal/clock"
	"github.com/feedme-io/feedme-ws/internal/ferr"
	"github.com/feedme-io/feedme-ws/internal/heartbeat"
	"github.com/feedme-io/feedme-ws/internal/wsconn"
)

// Record tracks one live client. The disposed flag gates every callback
// that might arrive after teardown (a ping completion racing the close, a
// pong racing a send failure, etc.) so a record can only ever be torn down
// once.
type Record struct {
	ClientID   string
	Conn       wsconn.Conn
	Supervisor *heartbeat.Supervisor

	mu       sync.Mutex
	disposed bool
}

func (r *Record) markDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return false
	}
	r.disposed = true
	return true
}

// Registry is the live clientID -> Record map. All mutating methods must
// only ever be called from the controller's single serialized queue turn;
// the read methods (Has, Get, Count, IDs) are safe to call from any
// goroutine because the only writer is that same serialized turn.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	heartbeatInterval time.Duration // 0 disables heartbeats
	heartbeatTimeout  time.Duration
	timers            clock.Timers

	// onConnect/onMessage/onDisconnect are supplied by the lifecycle
	// controller; they run inside the same serialized turn that invoked
	// them, and are responsible for scheduling the actual user-visible
	// notification on the next cooperative tick.
	onConnect    func(clientID string)
	onMessage    func(clientID string, msg string)
	onDisconnect func(clientID string, err error)
}

// New builds an empty registry. heartbeatInterval == 0 disables heartbeat
// supervision entirely, per spec.md's boundary behaviour.
func New(timers clock.Timers, heartbeatInterval, heartbeatTimeout time.Duration,
	onConnect func(string), onMessage func(string, string), onDisconnect func(string, error)) *Registry {
	return &Registry{
		records:           make(map[string]*Record),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		timers:            timers,
		onConnect:         onConnect,
		onMessage:         onMessage,
		onDisconnect:      onDisconnect,
	}
}

// UpdateHeartbeatConfig changes the interval/timeout applied to
// connections registered from this point on; live connections keep
// running under the settings they started with. Must be called from the
// serialized turn.
func (reg *Registry) UpdateHeartbeatConfig(interval, timeout time.Duration) {
	reg.heartbeatInterval = interval
	reg.heartbeatTimeout = timeout
}

// Has reports whether clientID currently has a live record.
func (reg *Registry) Has(clientID string) bool {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	_, ok := reg.records[clientID]
	return ok
}

// Get returns the record for clientID, or nil.
func (reg *Registry) Get(clientID string) *Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.records[clientID]
}

// Count returns the number of live records.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.records)
}

// IDs returns a snapshot of all currently live client IDs.
func (reg *Registry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ids := make([]string, 0, len(reg.records))
	for id := range reg.records {
		ids = append(ids, id)
	}
	return ids
}

// Add creates a new record for conn, wires its handlers, starts heartbeat
// supervision if enabled, and emits connect(clientID) on the next
// cooperative tick. Must be called from the serialized turn.
func (reg *Registry) Add(conn wsconn.Conn) *Record {
	id := uuid.New().String()
	rec := &Record{ClientID: id, Conn: conn}

	if reg.heartbeatInterval > 0 {
		rec.Supervisor = heartbeat.New(conn, reg.timers, reg.heartbeatInterval, reg.heartbeatTimeout,
			func() { reg.resolveFailure(id, ferr.NewFailure(ferr.FailureHeartbeatFailed, nil)) })
	}

	conn.SetHandlers(
		func(data []byte, isText bool) { reg.handleInbound(id, data, isText) },
		func() {
			if rec.Supervisor != nil {
				rec.Supervisor.Pong()
			}
		},
		func(code int, reason string) { reg.handlePeerClose(id) },
	)

	reg.mu.Lock()
	reg.records[id] = rec
	reg.mu.Unlock()

	if rec.Supervisor != nil {
		rec.Supervisor.Start()
	}

	// onConnect must be enqueued before Start() launches the read loop, so
	// connect is structurally guaranteed to precede any message that loop
	// can deliver, rather than merely arriving first by accident of queue
	// timing.
	if reg.onConnect != nil {
		reg.onConnect(id)
	}

	conn.Start()

	return rec
}

func (reg *Registry) handleInbound(clientID string, data []byte, isText bool) {
	if !isText {
		reg.resolveFailure(clientID, ferr.NewFailure(ferr.FailureNonStringMessage, nil))
		return
	}
	if !reg.Has(clientID) {
		return
	}
	if reg.onMessage != nil {
		reg.onMessage(clientID, string(data))
	}
}

func (reg *Registry) handlePeerClose(clientID string) {
	reg.resolveFailure(clientID, ferr.NewFailure(ferr.FailurePeerClosed, nil))
}

// Send hands msg to the connection's send path. A write completion error
// routes through the Failure Resolver with a transmit-failure kind, unless
// the record is already gone by the time the completion arrives (a send
// issued while the socket is already closing must not manufacture a
// disconnect from the resulting completion error).
func (reg *Registry) Send(clientID, msg string) {
	rec := reg.Get(clientID)
	if rec == nil {
		return
	}
	rec.Conn.Send(msg, func(err error) {
		if err == nil {
			return
		}
		reg.resolveFailure(clientID, ferr.NewFailure(ferr.FailureTransmitFailed, err))
	})
}

// Disconnect performs the orderly, application-requested removal of a
// client: detach handlers, cancel heartbeat timers, remove the record,
// request a normal-closure close, then emit disconnect(clientID, err) on
// the next cooperative tick. err may be nil.
func (reg *Registry) Disconnect(clientID string, err error) {
	rec := reg.remove(clientID)
	if rec == nil {
		return
	}
	rec.Conn.Close(1000, "")
	if reg.onDisconnect != nil {
		reg.onDisconnect(clientID, err)
	}
}

// resolveFailure is the single funnel for every non-orderly termination:
// heartbeat timeout, ping error, transmit error, peer close, or a
// malformed inbound message. Idempotent — a record already gone (because
// another failure path or a stop() got there first) is a silent no-op.
func (reg *Registry) resolveFailure(clientID string, failure error) {
	rec := reg.remove(clientID)
	if rec == nil {
		return
	}
	if rec.Conn.ReadyState() != wsconn.StateClosed {
		rec.Conn.Terminate()
	}
	if reg.onDisconnect != nil {
		reg.onDisconnect(clientID, failure)
	}
}

// remove detaches a record from the registry and stops its heartbeat
// timers. Returns nil if the record was already gone, which is how every
// caller gets its idempotence.
func (reg *Registry) remove(clientID string) *Record {
	reg.mu.Lock()
	rec, ok := reg.records[clientID]
	if ok {
		delete(reg.records, clientID)
	}
	reg.mu.Unlock()

	if !ok {
		return nil
	}
	if !rec.markDisposed() {
		return nil
	}
	if rec.Supervisor != nil {
		rec.Supervisor.Stop()
	}
	return rec
}

// DrainAll empties the registry immediately (used by stop() and by
// unexpected-collapse handling), returning the client IDs that were live
// so the caller can emit one disconnect per client. Every timer is
// cancelled, every handler's effect disabled via the disposed flag, and
// every underlying socket terminated as part of the drain.
func (reg *Registry) DrainAll() []string {
	reg.mu.Lock()
	ids := make([]string, 0, len(reg.records))
	recs := make([]*Record, 0, len(reg.records))
	for id, rec := range reg.records {
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	reg.records = make(map[string]*Record)
	reg.mu.Unlock()

	for _, rec := range recs {
		rec.markDisposed()
		if rec.Supervisor != nil {
			rec.Supervisor.Stop()
		}
		if rec.Conn.ReadyState() != wsconn.StateClosed {
			rec.Conn.Terminate()
		}
	}
	return ids
}
