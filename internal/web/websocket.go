package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one websocket frame. Type is the bus subject without its
// "events." prefix, or "state" for the snapshot sent on connect.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscriber is a connected client. A nil types set receives everything.
type subscriber struct {
	types map[string]bool
}

func (s *subscriber) wants(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

// parseTypes reads the comma separated ?types= filter.
func parseTypes(raw string) map[string]bool {
	var types map[string]bool
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			continue
		}
		if types == nil {
			types = make(map[string]bool)
		}
		types[t] = true
	}
	return types
}

// Hub fans bus events out to websocket clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]*subscriber
	broadcast chan Event
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]*subscriber),
		broadcast: make(chan Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case <-ping.C:
			h.mu.Lock()
			for conn := range h.clients {
				deadline := time.Now().Add(writeWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					h.drop(conn)
				}
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("encode websocket event", "type", event.Type, "error", err)
				continue
			}
			h.mu.Lock()
			for conn, sub := range h.clients {
				if !sub.wants(event.Type) {
					continue
				}
				if err := writeFrame(conn, data); err != nil {
					h.drop(conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop closes conn. h.mu must be held.
func (h *Hub) drop(conn *websocket.Conn) {
	conn.Close()
	delete(h.clients, conn)
}

func writeFrame(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", event.Type)
	}
}

// Register adds conn with its event filter. The first frame, if any, is
// written before the client can receive broadcasts.
func (h *Hub) Register(conn *websocket.Conn, types map[string]bool, first *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if first != nil {
		data, err := json.Marshal(first)
		if err != nil {
			return err
		}
		if err := writeFrame(conn, data); err != nil {
			return err
		}
	}
	h.clients[conn] = &subscriber{types: types}
	return nil
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// handleWebSocket streams bus events. ?types=task,activity limits the
// stream; the "state" snapshot is sent first unless filtered out.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{types: parseTypes(r.URL.Query().Get("types"))}
	var first *Event
	if sub.wants("state") {
		first = &Event{Type: "state", Payload: s.coord.View()}
	}
	if err := s.hub.Register(conn, sub.types, first); err != nil {
		slog.Warn("websocket register failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer s.hub.Unregister(conn)

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
