// Package live pushes change notifications to connected dashboards over
// WebSocket.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/leezencounter/leezen/internal/model"
)

const (
	broadcastBuffer = 16
	writeTimeout    = 5 * time.Second
)

// Event types published by the backend.
const (
	EventIngest         = "ingest"
	EventStationCreated = "station.created"
	EventStationDeleted = "station.deleted"
)

// Event is the JSON frame sent to every client.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// IngestEvent is the payload of EventIngest.
type IngestEvent struct {
	RunID    string                  `json:"run_id"`
	Inserted int                     `json:"inserted"`
	Updated  int                     `json:"updated"`
	Records  []model.DetectionRecord `json:"records"`
}

// Hub tracks WebSocket clients and fans events out to them. Run must be
// active for clients to be registered.
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a Hub accepting upgrades from allowedOrigins ("*" allows any).
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, broadcastBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*websocket.Conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				_ = c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			zap.L().Debug("live: client connected", zap.Int("clients", n))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for c := range h.clients {
				conns = append(conns, c)
			}
			h.mu.RUnlock()

			for _, c := range conns {
				_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					zap.L().Debug("live: write failed", zap.Error(err))
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		_ = c.Close()
		zap.L().Debug("live: client disconnected", zap.Int("clients", n))
	}
}

// Publish queues an event for every client. Events are dropped rather than
// blocking the caller when the queue is full.
func (h *Hub) Publish(eventType string, data any) {
	msg, err := json.Marshal(Event{Type: eventType, At: time.Now().UTC(), Data: data})
	if err != nil {
		zap.L().Warn("live: marshal event", zap.String("type", eventType), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		zap.L().Warn("live: broadcast queue full, dropping event", zap.String("type", eventType))
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the client goes away. Client messages are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("live: upgrade failed", zap.Error(err))
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		_ = conn.Close()
		return
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				zap.L().Debug("live: read ended", zap.Error(err))
			}
			break
		}
	}

	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}
