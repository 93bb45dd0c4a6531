package ui

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

type stateMessage struct {
	Type  string   `json:"type"`
	State Snapshot `json:"state"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans snapshots out to websocket subscribers. Each subscriber only ever
// holds the newest pending snapshot.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*subscriber
	latest  []byte
	version uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscriber)}
}

// Publish implements Publisher. Snapshots older than the last one published
// are dropped.
func (h *Hub) Publish(s Snapshot) {
	data, err := json.Marshal(stateMessage{Type: "state", State: s})
	if err != nil {
		slog.Error("Failed to encode snapshot", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest != nil && s.Version < h.version {
		return
	}
	h.latest = data
	h.version = s.Version
	for _, sub := range h.subs {
		offer(sub.send, data)
	}
}

// Register adds a connection and returns its id and update channel. The
// latest snapshot, if any, is queued immediately.
func (h *Hub) Register(conn *websocket.Conn) (string, <-chan []byte) {
	id := uuid.NewString()
	sub := &subscriber{conn: conn, send: make(chan []byte, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[id] = sub
	if h.latest != nil {
		offer(sub.send, h.latest)
	}
	slog.Info("State subscriber registered", "subscriber_id", id, "subscribers", len(h.subs))
	return id, sub.send
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; ok {
		delete(h.subs, id)
		slog.Info("State subscriber unregistered", "subscriber_id", id, "subscribers", len(h.subs))
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// CloseAll closes every subscriber connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if sub.conn != nil {
			_ = sub.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.subs, id)
	}
}

// offer replaces any pending message with data. Callers hold h.mu, so the
// final send cannot block.
func offer(ch chan []byte, data []byte) {
	select {
	case ch <- data:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- data
}
