package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// hub fans live messages out to websocket clients.
type hub struct {
	log        *slog.Logger
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}

	mu    sync.Mutex
	count int
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		log:        log,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *hub) setCount() {
	h.mu.Lock()
	h.count = len(h.clients)
	h.mu.Unlock()
}

// send queues msg, dropping it when the hub is backed up.
func (h *hub) send(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("live broadcast dropped", "clients", h.Clients())
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		h.setCount()
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client] = true
			h.setCount()
			h.log.Info("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.setCount()
				h.log.Info("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
			h.setCount()
		}
	}
}
