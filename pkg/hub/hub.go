package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/teslashibe/walkie-go/internal/log"
)

// Hub tracks connected clients and broadcasts to them. Slow clients
// whose buffer fills are dropped.
type Hub struct {
	name   string
	logger *slog.Logger

	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	count   int
	running bool
}

// New creates a hub. name labels its log lines.
func New(name string, logger *slog.Logger) *Hub {
	return &Hub{
		name:       name,
		logger:     log.Component("hub", logger).With("hub", name),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run owns the client set until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.setRunning(true)
	defer h.setRunning(false)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("client connected", "clients", h.updateCount())

		case c := <-h.unregister:
			if h.clients[c] {
				h.remove(c)
				h.logger.Info("client disconnected", "clients", h.updateCount())
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.remove(c)
					h.logger.Warn("dropped slow client", "clients", h.updateCount())
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) updateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count = len(h.clients)
	return h.count
}

func (h *Hub) setRunning(v bool) {
	h.mu.Lock()
	h.running = v
	if !v {
		h.count = 0
	}
	h.mu.Unlock()
}

// Broadcast queues msg for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Debug("broadcast queue full, dropping message")
	}
}

// BroadcastJSON encodes v and broadcasts it.
func (h *Hub) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(NewJSONMessage(data))
	return nil
}

// BroadcastBinary broadcasts data as a binary frame.
func (h *Hub) BroadcastBinary(data []byte) {
	h.Broadcast(NewBinaryMessage(data))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// IsRunning reports whether Run is active.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}
