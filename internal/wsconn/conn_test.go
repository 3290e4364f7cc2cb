package wsconn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestConnSendAndReceive(t *testing.T) {
	var mu sync.Mutex
	var received string
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		conn := Wrap(raw)
		conn.SetHandlers(
			func(data []byte, isText bool) {
				mu.Lock()
				received = string(data)
				mu.Unlock()
				close(done)
			},
			func() {},
			func(int, string) {},
		)
		conn.Start()
	}))
	defer srv.Close()

	client := dial(t, srv.URL)
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	mu.Lock()
	defer mu.Unlock()
	if received != "hello" {
		t.Errorf("expected %q, got %q", "hello", received)
	}
}

func TestConnReadyStateTransitions(t *testing.T) {
	closed := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		raw, _ := upgrader.Upgrade(w, r, nil)
		conn := Wrap(raw)
		if conn.ReadyState() != StateOpen {
			t.Errorf("expected StateOpen right after Wrap, got %v", conn.ReadyState())
		}
		conn.SetHandlers(func([]byte, bool) {}, func() {}, func(int, string) {})
		conn.Start()

		conn.Close(1000, "bye")
		if conn.ReadyState() != StateClosed {
			t.Errorf("expected StateClosed after Close, got %v", conn.ReadyState())
		}
		close(closed)
	}))
	defer srv.Close()

	client := dial(t, srv.URL)
	defer client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never completed")
	}
}

func TestConnOnCloseFiresOnAbruptDisconnect(t *testing.T) {
	var mu sync.Mutex
	var gotCode int
	closed := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		conn := Wrap(raw)
		conn.SetHandlers(
			func([]byte, bool) {},
			func() {},
			func(code int, reason string) {
				mu.Lock()
				gotCode = code
				mu.Unlock()
				close(closed)
			},
		)
		conn.Start()
	}))
	defer srv.Close()

	client := dial(t, srv.URL)
	// Close() tears down the underlying socket with no close-frame
	// handshake, the "peer just disappeared" case, and never goes
	// through gorilla's SetCloseHandler.
	client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("onClose never fired for an abrupt disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCode != websocket.CloseAbnormalClosure {
		t.Errorf("expected CloseAbnormalClosure (%d), got %d", websocket.CloseAbnormalClosure, gotCode)
	}
}

func TestConnSendWhenNotOpenReportsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		raw, _ := upgrader.Upgrade(w, r, nil)
		conn := Wrap(raw)
		conn.Terminate()

		var gotErr error
		conn.Send("too late", func(err error) { gotErr = err })
		if gotErr == nil {
			t.Error("expected an error sending on a terminated connection")
		}
	}))
	defer srv.Close()

	client := dial(t, srv.URL)
	defer client.Close()
	time.Sleep(100 * time.Millisecond)
}
