package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/gorilla/websocket"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and returns
// the server-side connection. The caller must close both the server and the
// returned connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	// Only the server-side conn is needed.
	_ = clientConn.Close()

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func emptySnapshot() SnapshotPayload { return SnapshotPayload{} }

func TestAddClientMaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(emptySnapshot, time.Hour, maxConns, quietLogger())
	defer b.Stop()

	for i := 0; i < maxConns; i++ {
		srv, conn := dialTestWS(t)
		defer srv.Close()
		if _, err := b.AddClient(conn); err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	srv, conn := dialTestWS(t)
	defer srv.Close()
	defer conn.Close()
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("AddClient over limit: err = %v, want ErrTooManyConnections", err)
	}
}

func TestWritePumpRemovesClientOnWriteError(t *testing.T) {
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	b := NewBroadcaster(emptySnapshot, time.Hour, 0, quietLogger())
	defer b.Stop()

	// Build a client directly so we control when writePump starts.
	c := &client{
		id:   "test",
		conn: serverConn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}

func TestQueueSnapshotCoalesces(t *testing.T) {
	var calls atomic.Int32
	b := NewBroadcaster(func() SnapshotPayload {
		calls.Add(1)
		return SnapshotPayload{}
	}, 20*time.Millisecond, 0, quietLogger())
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.QueueSnapshot()
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("snapshot built %d times, want 1", got)
	}
}

func TestStopDisconnectsAndCancels(t *testing.T) {
	var calls atomic.Int32
	b := NewBroadcaster(func() SnapshotPayload {
		calls.Add(1)
		return SnapshotPayload{}
	}, time.Hour, 0, quietLogger())

	srv, conn := dialTestWS(t)
	defer srv.Close()
	if _, err := b.AddClient(conn); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	b.QueueSnapshot()
	b.Stop()

	if b.ClientCount() != 0 {
		t.Errorf("ClientCount after Stop = %d", b.ClientCount())
	}
	// One call from AddClient's initial snapshot, none from the cancelled flush.
	if got := calls.Load(); got != 1 {
		t.Errorf("snapshot built %d times, want 1", got)
	}
	b.QueueSnapshot()
	b.HandleEvent(events.Event{Kind: events.StartAuthCheck})
}
