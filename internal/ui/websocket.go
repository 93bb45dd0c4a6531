package ui

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// wsMessage is a client-to-server message.
type wsMessage struct {
	Type string `json:"type"`
}

// StateHandler streams board snapshots to the control page.
type StateHandler struct {
	hub            *Hub
	allowedOrigins []string
}

// NewStateHandler creates the /ws/state handler.
func NewStateHandler(hub *Hub, allowedOrigins []string) *StateHandler {
	return &StateHandler{hub: hub, allowedOrigins: allowedOrigins}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	id, updates := h.hub.Register(ws)
	defer h.hub.Unregister(id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, id)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, ws, updates, id)
	}()

	wg.Wait()
}

func (h *StateHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *StateHandler) readLoop(ctx context.Context, ws *websocket.Conn, id string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "subscriber_id", id)
			} else {
				slog.Warn("WebSocket read error", "error", err, "subscriber_id", id)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed websocket message", "subscriber_id", id)
			continue
		}

		switch msg.Type {
		case "ping":
			if err := writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *StateHandler) writeLoop(ctx context.Context, ws *websocket.Conn, updates <-chan []byte, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-updates:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("WebSocket write error", "error", err, "subscriber_id", id)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
