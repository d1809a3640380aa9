package api

import (
	"sync"

	"github.com/gorilla/websocket"

	"embeddedtest/logger"
	"embeddedtest/metrics"
)

// Hub manages websocket clients and broadcasts deliveries to them.
type Hub struct {
	// mu is held exclusively while writing: a websocket conn allows one
	// writer at a time.
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub() *Hub { return &Hub{clients: make(map[*websocket.Conn]struct{})} }

func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
	metrics.IncWSConnections()
	logger.Info("websocket client connected", logger.FieldKV("remote_addr", conn.RemoteAddr().String()))
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(conn)
}

func (h *Hub) remove(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; !ok {
		return
	}
	delete(h.clients, conn)
	_ = conn.Close()
	metrics.DecWSConnections()
	logger.Info("websocket client disconnected", logger.FieldKV("remote_addr", conn.RemoteAddr().String()))
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends msg to every client. Clients that fail the write are
// dropped.
func (h *Hub) Broadcast(msg interface{}) {
	h.BroadcastExcept(msg, nil)
}

// BroadcastExcept sends the message to all connected clients except the provided connection.
func (h *Hub) BroadcastExcept(msg interface{}, except *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == except {
			continue
		}
		if err := c.WriteJSON(msg); err != nil {
			logger.Error("websocket write error", err, logger.FieldKV("remote_addr", c.RemoteAddr().String()))
			h.remove(c)
		}
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.remove(c)
	}
}
