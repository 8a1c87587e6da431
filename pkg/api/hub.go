package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/stratlab/equitysim/pkg/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans batch lifecycle events out to connected websocket clients so
// dashboards can follow a run live without polling.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mu        sync.Mutex
	logger    *slog.Logger
}

// NewHub creates a hub; call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, 64),
		logger:    logger,
	}
}

// Run delivers broadcast messages until ctx is cancelled, then closes all
// client connections.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every connected client. Messages are
// dropped when the queue is full; progress events are advisory.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("websocket broadcast queue full, dropping message")
	}
}

// ServeWS upgrades an HTTP request to a websocket and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Relay is an eventbus.Publisher that mirrors every event to a Hub before
// forwarding it to the wrapped publisher. It lets the runner feed live
// dashboards and Redis (or neither) through one interface.
type Relay struct {
	Hub  *Hub
	Next eventbus.Publisher
}

// Publish broadcasts the event to websocket clients and forwards it.
func (r Relay) Publish(ctx context.Context, ev *eventbus.Event) error {
	if data, err := ev.Marshal(); err == nil {
		r.Hub.Broadcast(data)
	}
	if r.Next == nil {
		return nil
	}
	return r.Next.Publish(ctx, ev)
}

// Close closes the wrapped publisher.
func (r Relay) Close() error {
	if r.Next == nil {
		return nil
	}
	return r.Next.Close()
}
