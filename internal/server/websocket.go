package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

// WebSocket message types
const (
	MessageTypeVerdict   = "verdict"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	heartbeatPeriod = 30 * time.Second
	clientQueueSize = 16
)

var defaultAllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type      string                    `json:"type"`
	Event     *contracts.DetectionEvent `json:"event,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

// newUpgrader builds an upgrader that accepts the configured origins.
// Requests without an Origin header (non-browser clients) are accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	if len(allowed) == 0 {
		allowed = defaultAllowedOrigins
	}
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || wildcard {
				return true
			}
			_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
			return ok
		},
	}
}

// Hub streams detection events to websocket clients. It is an event sink.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

// wsClient represents an active WebSocket connection
type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	closeOnce sync.Once
}

// NewHub creates a hub accepting the given origins.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: newUpgrader(allowedOrigins),
		logger:   logger,
		clients:  make(map[*wsClient]struct{}),
	}
}

func (h *Hub) Name() string { return "websocket" }

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and streams events until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade error", zap.Error(err))
		return
	}

	c := &wsClient{
		conn:      conn,
		send:      make(chan []byte, clientQueueSize),
		sessionID: "ws-" + uuid.NewString(),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WebSocketConnectionsActive.Inc()
	h.logger.Debug("WebSocket connection established", zap.String("session", c.sessionID))

	go h.writePump(c)
	h.readPump(c)
}

// Publish broadcasts the event. Clients that cannot keep up are disconnected.
func (h *Hub) Publish(_ context.Context, _ *models.Verdict, ev contracts.DetectionEvent) error {
	payload, err := json.Marshal(WSMessage{Type: MessageTypeVerdict, Event: &ev, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	var slow []*wsClient
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client", zap.String("session", c.sessionID))
		h.remove(c)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		metrics.WebSocketConnectionsActive.Dec()
	}
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// readPump discards client messages and detects disconnects
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.logger.Debug("WebSocket connection closed", zap.String("session", c.sessionID))
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends queued events and periodic heartbeats
func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			hb, _ := json.Marshal(WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now().UTC()})
			if err := c.conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
