package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/modelprobe/modelprobe/control_plane/progress"
)

const (
	sseHeartbeatInterval = 30 * time.Second

	// sseClientBuffer bounds the per-client event backlog; a slow consumer
	// loses events rather than stalling the bus.
	sseClientBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type sseFrame struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      *progress.Event `json:"data,omitempty"`
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, frame *sseFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleProgressStream serves /api/progress/stream as Server-Sent Events.
func (a *API) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan *progress.Event, sseClientBuffer)
	unsubscribe := a.bus.Subscribe(func(ev *progress.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	if err := writeSSE(w, flusher, &sseFrame{Type: "connected", Timestamp: time.Now().UnixMilli()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			if err := writeSSE(w, flusher, &sseFrame{Type: "progress", Data: ev}); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeSSE(w, flusher, &sseFrame{Type: "heartbeat", Timestamp: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

// handleProgressWS upgrades to WebSocket and registers with the hub.
func (a *API) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	a.wsHub.Register(conn)
	defer a.wsHub.Unregister(conn)

	// Ping/pong for dead client detection.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws: read error: %v", err)
			}
			break
		}
	}
}
