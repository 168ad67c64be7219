// Package ws streams dispatched worker events to UI subscribers over
// WebSocket.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/infrastructure/logging"
	"github.com/agentdeck/agentdeck/internal/infrastructure/monitoring"
	"github.com/agentdeck/agentdeck/internal/protocol"
	"github.com/agentdeck/agentdeck/internal/supervisor"
)

const (
	writeTimeout = 10 * time.Second
	// sendBuffer is per client; a subscriber that falls this far behind
	// is disconnected rather than allowed to stall the hub.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Local-first tool; the API binds to loopback by default.
	},
}

// envelope is the wire shape UI subscribers receive.
type envelope struct {
	Event json.RawMessage `json:"event"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans dispatched events out to every connected subscriber in dispatch
// order.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *logging.Logger
	metrics *monitoring.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger, metrics *monitoring.Metrics) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
		metrics: metrics,
	}
}

// Publish implements dispatch.Publisher. It never blocks: a subscriber
// whose buffer is full is dropped.
func (h *Hub) Publish(evt supervisor.TaggedEvent) {
	raw, err := protocol.EncodeEvent(evt.Event)
	if err != nil {
		h.logger.Warn("event encode for broadcast", zap.Error(err))
		return
	}
	payload, err := json.Marshal(envelope{Event: raw})
	if err != nil {
		h.logger.Warn("envelope encode", zap.Error(err))
		return
	}

	h.mu.RLock()
	stale := make([]*client, 0)
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.logger.Warn("dropping slow websocket subscriber")
		h.unregister(c)
	}
}

// HandleConnection upgrades the request and streams events until the peer
// disconnects.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnections.Set(float64(n))
	}

	go h.writeLoop(cl)
	h.readLoop(cl)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.unregister(c)
	}
}

func (h *Hub) writeLoop(cl *client) {
	for payload := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.unregister(cl)
			return
		}
	}
}

// readLoop discards inbound frames; the stream is one-way. Its real job is
// noticing the disconnect.
func (h *Hub) readLoop(cl *client) {
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			h.unregister(cl)
			return
		}
	}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	if ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		_ = cl.conn.Close()
		if h.metrics != nil {
			h.metrics.WSConnections.Set(float64(n))
		}
	}
}
