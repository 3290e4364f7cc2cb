package lifecycle

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/feedme-io/feedme-ws/internal/clock"
	"github.com/feedme-io/feedme-ws/internal/ferr"
	"github.com/feedme-io/feedme-ws/internal/wsconn"
)

// fakeHost is a test double for wsconn.HTTPHost: a borrowed HTTP server the
// test controls directly instead of binding a real socket.
type fakeHost struct {
	mu          sync.Mutex
	listening   bool
	onListenFn  func()
	onStoppedFn func(error)
	mounted     http.HandlerFunc
}

func (h *fakeHost) Mount(handler http.HandlerFunc) { h.mounted = handler }
func (h *fakeHost) ListeningNow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listening
}
func (h *fakeHost) OnListening(fn func()) {
	h.mu.Lock()
	h.onListenFn = fn
	h.mu.Unlock()
}
func (h *fakeHost) OnStopped(fn func(err error)) {
	h.mu.Lock()
	h.onStoppedFn = fn
	h.mu.Unlock()
}

func (h *fakeHost) startListening() {
	h.mu.Lock()
	h.listening = true
	fn := h.onListenFn
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *fakeHost) stopListening(err error) {
	h.mu.Lock()
	h.listening = false
	fn := h.onStoppedFn
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestStartStopOwnListener(t *testing.T) {
	var mu sync.Mutex
	var events []string
	starting := make(chan struct{})
	started := make(chan struct{})
	stopping := make(chan struct{})
	stopped := make(chan struct{})

	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	c := New(Options{Host: "127.0.0.1", Port: 0}, Handlers{
		OnStarting: func() { record("starting"); close(starting) },
		OnStart:    func() { record("start"); close(started) },
		OnStopping: func(err error) { record("stopping"); close(stopping) },
		OnStop:     func(err error) { record("stop"); close(stopped) },
	})
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, starting, "starting")
	waitFor(t, started, "start")

	if c.State() != Started {
		t.Fatalf("expected Started, got %v", c.State())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, stopping, "stopping")
	waitFor(t, stopped, "stop")

	if c.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", c.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"starting", "start", "stopping", "stop"}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, events)
		}
	}
}

func TestStartInvalidFromNonStoppedState(t *testing.T) {
	c := New(Options{Host: "127.0.0.1", Port: 0}, Handlers{})
	defer c.Close()

	started := make(chan struct{})
	c2 := New(Options{Host: "127.0.0.1", Port: 0}, Handlers{
		OnStart: func() { close(started) },
	})
	defer c2.Close()

	if err := c2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, started, "start")

	err := c2.Start()
	if err == nil {
		t.Fatalf("expected InvalidState calling Start twice")
	}
	if fe, ok := err.(*ferr.Error); !ok || fe.Kind != ferr.KindInvalidState {
		t.Fatalf("expected KindInvalidState, got %v (%T)", err, err)
	}

	_ = c
}

func TestStopInvalidWhenNotStarted(t *testing.T) {
	c := New(Options{Host: "127.0.0.1", Port: 0}, Handlers{})
	defer c.Close()

	err := c.Stop()
	if err == nil {
		t.Fatalf("expected InvalidState calling Stop before Start")
	}
	fe, ok := err.(*ferr.Error)
	if !ok || fe.Kind != ferr.KindInvalidState {
		t.Fatalf("expected KindInvalidState, got %v", err)
	}
}

func TestBorrowedHTTPModeBEmitsStartImmediately(t *testing.T) {
	host := &fakeHost{listening: true}
	started := make(chan struct{})

	c := New(Options{BorrowedHTTP: host}, Handlers{
		OnStart: func() { close(started) },
	})
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, started, "start")

	if c.State() != Started {
		t.Fatalf("expected Started, got %v", c.State())
	}
}

func TestBorrowedHTTPModeCStartDeadlineExpires(t *testing.T) {
	host := &fakeHost{listening: false}
	fakeClock := clock.NewFake()
	stopping := make(chan error, 1)
	stopped := make(chan error, 1)

	c := New(Options{BorrowedHTTP: host, Timers: fakeClock}, Handlers{
		OnStopping: func(err error) { stopping <- err },
		OnStop:     func(err error) { stopped <- err },
	})
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The start deadline is armed inside beginStart's queue turn; wait for
	// that turn to finish so the advance below actually crosses it.
	armed := make(chan struct{})
	c.q.Enqueue(func() { close(armed) })
	waitFor(t, armed, "start turn")

	// host never calls startListening(); advance past the 2000ms deadline.
	fakeClock.Advance(HTTPListeningDeadline + time.Millisecond)

	select {
	case err := <-stopping:
		fe, ok := err.(*ferr.Error)
		if !ok || fe.Kind != ferr.KindFailure || fe.Message != ferr.FailureHTTPListenerNoStart {
			t.Fatalf("expected FailureHTTPListenerNoStart, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stopping")
	}

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop")
	}

	if c.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", c.State())
	}
}

func TestBorrowedHTTPPollDetectsCollapse(t *testing.T) {
	host := &fakeHost{listening: true}
	fakeClock := clock.NewFake()
	started := make(chan struct{})
	stopping := make(chan error, 1)

	c := New(Options{BorrowedHTTP: host, Timers: fakeClock}, Handlers{
		OnStart:    func() { close(started) },
		OnStopping: func(err error) { stopping <- err },
	})
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, started, "start")

	// The poll interval is armed right after start in the same queue turn;
	// wait for that turn to finish before advancing the clock.
	armed := make(chan struct{})
	c.q.Enqueue(func() { close(armed) })
	waitFor(t, armed, "poll to be armed")

	host.mu.Lock()
	host.listening = false
	host.mu.Unlock()

	fakeClock.Advance(HTTPPollingInterval + time.Millisecond)

	select {
	case err := <-stopping:
		fe, ok := err.(*ferr.Error)
		if !ok || fe.Message != ferr.FailureHTTPListenerStopped {
			t.Fatalf("expected FailureHTTPListenerStopped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for collapse to be detected")
	}
}

func TestNoListenerModeEmitsStartImmediatelyAndAcceptsUpgrade(t *testing.T) {
	started := make(chan struct{})
	c := New(Options{NoListener: true}, Handlers{
		OnStart: func() { close(started) },
	})
	defer c.Close()

	if c.Mode() != ModeNoListener {
		t.Fatalf("expected ModeNoListener, got %v", c.Mode())
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, started, "start")
}

func TestForcedTerminationOrdersDisconnectsBeforeStopping(t *testing.T) {
	var mu sync.Mutex
	var order []string
	started := make(chan struct{})
	stopped := make(chan struct{})

	c := New(Options{Host: "127.0.0.1", Port: 0}, Handlers{
		OnStart: func() { close(started) },
		OnDisconnect: func(clientID string, err error) {
			mu.Lock()
			order = append(order, "disconnect:"+clientID)
			mu.Unlock()
		},
		OnStopping: func(err error) {
			mu.Lock()
			order = append(order, "stopping")
			mu.Unlock()
		},
		OnStop: func(err error) {
			mu.Lock()
			order = append(order, "stop")
			mu.Unlock()
			close(stopped)
		},
	})
	defer c.Close()

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, started, "start")

	// Directly enqueue two synthetic clients rather than dialing a real
	// socket — drain() only needs live registry records.
	done := make(chan struct{})
	c.q.Enqueue(func() {
		c.reg.Add(&noopConn{})
		c.reg.Add(&noopConn{})
		close(done)
	})
	waitFor(t, done, "synthetic clients to register")

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, stopped, "stop")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("expected 4 ordered events, got %v", order)
	}
	if order[0][:len("disconnect:")] != "disconnect:" || order[1][:len("disconnect:")] != "disconnect:" {
		t.Fatalf("expected the first two events to be disconnects, got %v", order)
	}
	if order[2] != "stopping" || order[3] != "stop" {
		t.Fatalf("expected stopping then stop last, got %v", order)
	}
}

// noopConn is a minimal wsconn.Conn stand-in for registry.Add in tests that
// only care about the lifecycle's draining and notification ordering.
type noopConn struct{}

func (noopConn) Send(msg string, cb func(error)) { cb(nil) }
func (noopConn) Ping(cb func(error))             { cb(nil) }
func (noopConn) Close(code int, reason string)   {}
func (noopConn) Terminate()                      {}
func (noopConn) ReadyState() wsconn.ReadyState    { return wsconn.StateOpen }
func (noopConn) RemoteAddr() string              { return "" }
func (noopConn) SetHandlers(onMessage func([]byte, bool), onPong func(), onClose func(int, string)) {
}
func (noopConn) Start() {}
