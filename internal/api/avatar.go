package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/avatarlink/avatarlink/internal/didapi"
	"github.com/avatarlink/avatarlink/internal/exchange"
	"github.com/avatarlink/avatarlink/internal/session"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// AvatarHandler handles the session and exchange endpoints.
type AvatarHandler struct {
	*Handler
}

// NewAvatarHandler creates a new avatar handler.
func NewAvatarHandler(base *Handler) *AvatarHandler {
	return &AvatarHandler{Handler: base}
}

// RegisterRoutes registers the avatar routes.
func (h *AvatarHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/connect", h.Connect)
		r.Post("/disconnect", h.Disconnect)
		r.Post("/chat", h.Chat)
		r.Post("/speak", h.Speak)
		r.Post("/interrupt", h.Interrupt)
		r.Get("/session", h.GetSession)

		r.Get("/exchanges", h.ListExchanges)
		r.Delete("/exchanges", h.ClearExchanges)
		r.Get("/exchanges/{id}", h.GetExchange)
	})
}

type textRequest struct {
	Text string `json:"text"`
}

// Connect starts a stream session. The attempt outlives a dropped client
// connection but is bounded by the connect timeout.
func (h *AvatarHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if h.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.connectTimeout)
		defer cancel()
	}

	if err := h.sess.Connect(ctx); err != nil {
		writeError(w, "connect", err)
		return
	}
	JSON(w, http.StatusOK, h.sess.Snapshot())
}

// Disconnect ends the stream session.
func (h *AvatarHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.sess.Disconnect(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, "disconnect", err)
		return
	}
	JSON(w, http.StatusOK, h.sess.Snapshot())
}

// Chat sends a question to the agent.
func (h *AvatarHandler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeText(w, r)
	if !ok {
		return
	}
	if err := h.sess.Chat(r.Context(), req.Text); err != nil {
		writeError(w, "chat", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// Speak makes the avatar say the text verbatim.
func (h *AvatarHandler) Speak(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeText(w, r)
	if !ok {
		return
	}
	if err := h.sess.Speak(r.Context(), req.Text); err != nil {
		writeError(w, "speak", err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// Interrupt stops the clip in progress.
func (h *AvatarHandler) Interrupt(w http.ResponseWriter, _ *http.Request) {
	if err := h.sess.Interrupt(); err != nil {
		writeError(w, "interrupt", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

// GetSession returns the session snapshot.
func (h *AvatarHandler) GetSession(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.sess.Snapshot())
}

// ListExchanges returns the recorded exchanges in order.
func (h *AvatarHandler) ListExchanges(w http.ResponseWriter, r *http.Request) {
	list, err := h.log.List(r.Context())
	if err != nil {
		writeError(w, "list exchanges", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"exchanges": list,
		"count":     len(list),
	})
}

// GetExchange returns one exchange by id.
func (h *AvatarHandler) GetExchange(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		Error(w, http.StatusBadRequest, "invalid exchange id")
		return
	}
	ex, err := h.log.Get(r.Context(), id)
	if err != nil {
		writeError(w, "get exchange", err)
		return
	}
	JSON(w, http.StatusOK, ex)
}

// ClearExchanges deletes every recorded exchange.
func (h *AvatarHandler) ClearExchanges(w http.ResponseWriter, r *http.Request) {
	if err := h.log.Clear(r.Context()); err != nil {
		writeError(w, "clear exchanges", err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Health reports whether the store is reachable.
func (h *AvatarHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeText(w http.ResponseWriter, r *http.Request) (textRequest, bool) {
	var req textRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	var statusErr *didapi.StatusError
	switch {
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNoGeneration),
		errors.Is(err, session.ErrSuperseded):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrEmptyText):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, exchange.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.As(err, &statusErr):
		slog.Warn("Remote service rejected request", "op", op, "status", statusErr.StatusCode, "error", err)
		Error(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("Request failed", "op", op, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
	}
}
