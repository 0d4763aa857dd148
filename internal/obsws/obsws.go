// Package obsws is a read-only WebSocket observability feed broadcasting
// endpoint state snapshots (phase, RTT, ACK-range count, in-flight
// count, BBR bandwidth estimate) independent of the data path (SPEC_FULL.md 2.5). It
// is explicitly not the transport itself — spec.md's data plane is
// UDP-only — this is a side channel for a dashboard or test harness to
// watch the reliability engine work.
//
// Grounded directly on the teacher's internal/gateway/websocket/hub.go and
// connection.go: the same hub-of-connections registry with a per-client
// buffered send channel and broadcast-to-all-registered-clients pattern,
// narrowed from channel/user subscriptions to a single broadcast feed.
package obsws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrHubClosed        = errors.New("obsws: hub is closed")
	ErrSendChannelFull  = errors.New("obsws: send channel full")
	ErrConnectionClosed = errors.New("obsws: connection closed")
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Snapshot is one point-in-time view of an endpoint, serialized as JSON
// and pushed to every registered client.
type Snapshot struct {
	ConnectionID string    `json:"connection_id"`
	Phase        string    `json:"phase"`
	SmoothedRTT  int64     `json:"smoothed_rtt_ns"`
	RTTVar       int64     `json:"rtt_var_ns"`
	InFlight     int       `json:"in_flight"`
	ACKRanges    int       `json:"ack_ranges"`
	CongestionBW uint64    `json:"congestion_bw_bytes_per_sec,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one subscribed WebSocket connection.
type client struct {
	conn   *websocket.Conn
	send   chan Snapshot
	closed bool
	mu     sync.Mutex
}

func (c *client) deliver(s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- s:
		return nil
	default:
		return ErrSendChannelFull
	}
}

func (c *client) writePump(logger *zap.Logger) {
	defer c.conn.Close()
	for s := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(s); err != nil {
			logger.Debug("obsws: write failed, dropping client", zap.Error(err))
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub manages the set of subscribed observability clients and broadcasts
// snapshots to all of them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.Logger
	closed  bool
}

// NewHub returns an empty hub. logger may be nil.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[*client]struct{}), logger: logger}
}

// ServeHTTP upgrades the incoming request to a WebSocket connection and
// registers it as an observability subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("obsws: upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Snapshot, sendBufferSize)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		c.writePump(h.logger)
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()
}

// Broadcast pushes s to every currently registered client, skipping
// (without unregistering) clients whose send buffer is full rather than
// blocking the caller. It returns how many clients s was queued for.
func (h *Hub) Broadcast(s Snapshot) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for c := range h.clients {
		if err := c.deliver(s); err == nil {
			count++
		}
	}
	return count
}

// ClientCount returns how many observability clients are currently
// registered.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every registered client and rejects further upgrades.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]struct{})
}

// MarshalSnapshot is a small helper the endpoint driver can use to log a
// snapshot alongside broadcasting it, keeping one canonical JSON encoding.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(s)
}
