package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelprobe/modelprobe/control_plane/detect"
	"github.com/modelprobe/modelprobe/control_plane/progress"
)

const maxWSConnections = 200

// wsMessage is the envelope for every frame the hub sends.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ProgressHub manages WebSocket connections and fans probe progress out to
// dashboard clients. Single broadcaster pattern prevents N duplicate
// subscriptions on the bus.
type ProgressHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan *progress.Event
	mu         sync.RWMutex
	detect     *detect.Service
}

// NewProgressHub creates a hub; call Attach and Run to make it live.
func NewProgressHub(d *detect.Service) *ProgressHub {
	return &ProgressHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan *progress.Event, 256),
		detect:     d,
	}
}

// Attach subscribes the hub to the progress bus. Returns the unsubscribe.
func (h *ProgressHub) Attach(bus *progress.Bus) func() {
	return bus.Subscribe(func(ev *progress.Event) {
		select {
		case h.events <- ev:
		default:
			// A wedged hub must not block probe completion.
		}
	})
}

// Run starts the hub's main loop.
func (h *ProgressHub) Run(ctx context.Context) {
	// Periodic stats frame so clients converge even if they missed events.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("ws: connection rejected, max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(wsMessage{Type: "progress", Data: ev})

		case <-ticker.C:
			h.broadcastStats(ctx)
		}
	}
}

func (h *ProgressHub) broadcastStats(ctx context.Context) {
	h.mu.RLock()
	empty := len(h.clients) == 0
	h.mu.RUnlock()
	if empty {
		return
	}
	snap, err := h.detect.ProgressSnapshot(ctx)
	if err != nil {
		log.Printf("ws: stats snapshot failed: %v", err)
		return
	}
	h.broadcast(wsMessage{Type: "stats", Data: snap})
}

func (h *ProgressHub) broadcast(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		// Write deadline so a dead connection cannot block the loop.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			go h.Unregister(conn)
		}
	}
}

// shutdown closes all client connections.
func (h *ProgressHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *ProgressHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *ProgressHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *ProgressHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
