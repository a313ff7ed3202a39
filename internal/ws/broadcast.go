package ws

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/DapperDuckling/oauth-monitor/internal/events"
	"github.com/DapperDuckling/oauth-monitor/internal/projection"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

var (
	ErrTooManyConnections = errors.New("too many websocket connections")
	// ErrNoViewers is returned by the navigator when no web view is
	// connected to follow the instruction.
	ErrNoViewers = errors.New("no connected web views")
)

type client struct {
	id   string
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func newClient(b *Broadcaster, conn *websocket.Conn) *client {
	c := &client{
		id:   ulid.MustNew(ulid.Now(), rand.Reader).String(),
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.b.RemoveClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.b.RemoveClient(c)
				return
			}
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans monitor output out to connected web views: throttled
// state snapshots, every bus event, and navigation instructions.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	snapshot func() SnapshotPayload
	throttle time.Duration
	maxConns int
	logger   *log.Logger

	flushMu    sync.Mutex
	flushTimer *time.Timer
	stopped    bool
}

// NewBroadcaster builds a broadcaster that reads snapshots from snapshot.
// A maxConns of zero means no limit.
func NewBroadcaster(snapshot func() SnapshotPayload, throttle time.Duration, maxConns int, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		snapshot: snapshot,
		throttle: throttle,
		maxConns: maxConns,
		logger:   logger,
	}
}

// BinderSnapshot adapts a projection binder into a snapshot source.
func BinderSnapshot(b *projection.Binder) func() SnapshotPayload {
	return func() SnapshotPayload {
		return SnapshotPayload{State: b.State(), View: b.View()}
	}
}

// AddClient registers conn and sends it the current snapshot.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := newClient(b, conn)
	b.clients[c] = true
	b.mu.Unlock()

	b.sendTo(c, WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueSnapshot schedules a snapshot broadcast. Calls within one throttle
// window collapse into a single message carrying the latest state.
func (b *Broadcaster) QueueSnapshot() {
	if b.throttle <= 0 {
		b.flush()
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.stopped || b.flushTimer != nil {
		return
	}
	b.flushTimer = time.AfterFunc(b.throttle, b.flush)
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	b.flushTimer = nil
	stopped := b.stopped
	b.flushMu.Unlock()
	if stopped {
		return
	}
	b.broadcast(WSMessage{Type: MsgSnapshot, Payload: b.snapshot()})
}

// HandleEvent implements events.Listener.
func (b *Broadcaster) HandleEvent(e events.Event) {
	b.broadcast(WSMessage{Type: MsgEvent, Payload: EventPayload(e)})
}

// Open implements monitor.Navigator.
func (b *Broadcaster) Open(url string) error {
	return b.navigate(url, true)
}

// Navigate implements monitor.Navigator.
func (b *Broadcaster) Navigate(url string) error {
	return b.navigate(url, false)
}

func (b *Broadcaster) navigate(url string, newWindow bool) error {
	if b.ClientCount() == 0 {
		return ErrNoViewers
	}
	b.broadcast(WSMessage{Type: MsgNavigate, Payload: NavigatePayload{URL: url, NewWindow: newWindow}})
	return nil
}

func (b *Broadcaster) sendError(c *client, err error) {
	b.sendTo(c, WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
}

func (b *Broadcaster) sendTo(c *client, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Printf("ws marshal error: %v", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		// Client too slow, drop the message
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Printf("ws marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.mu.RLock()
		live := b.clients[c]
		var full bool
		if live {
			select {
			case c.send <- data:
			default:
				full = true
			}
		}
		b.mu.RUnlock()
		if full {
			b.logger.Printf("ws client %s too slow, disconnecting", c.id)
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop cancels a pending snapshot and disconnects every client.
func (b *Broadcaster) Stop() {
	b.flushMu.Lock()
	b.stopped = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.flushMu.Unlock()

	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
