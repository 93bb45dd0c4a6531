// Package api provides HTTP handlers for the avatar control API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/avatarlink/avatarlink/internal/domain"
	"github.com/avatarlink/avatarlink/internal/session"
)

// Session is the controller surface exposed over HTTP.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Chat(ctx context.Context, text string) error
	Speak(ctx context.Context, text string) error
	Interrupt() error
	Snapshot() session.Context
}

// Exchanges is the read and clear surface of the exchange log.
type Exchanges interface {
	List(ctx context.Context) ([]domain.Exchange, error)
	Get(ctx context.Context, id int) (*domain.Exchange, error)
	Clear(ctx context.Context) error
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides common handler utilities.
type Handler struct {
	sess           Session
	log            Exchanges
	db             Pinger
	connectTimeout time.Duration
}

// NewHandler creates a new Handler with common dependencies. connectTimeout
// bounds one connect attempt; zero means no bound beyond the request.
func NewHandler(sess Session, log Exchanges, db Pinger, connectTimeout time.Duration) *Handler {
	return &Handler{
		sess:           sess,
		log:            log,
		db:             db,
		connectTimeout: connectTimeout,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
