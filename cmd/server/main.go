// avatarlink - streaming avatar session server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avatarlink/avatarlink/internal/api"
	"github.com/avatarlink/avatarlink/internal/config"
	"github.com/avatarlink/avatarlink/internal/didapi"
	"github.com/avatarlink/avatarlink/internal/exchange"
	"github.com/avatarlink/avatarlink/internal/middleware"
	"github.com/avatarlink/avatarlink/internal/rtc"
	"github.com/avatarlink/avatarlink/internal/session"
	"github.com/avatarlink/avatarlink/internal/store"
	"github.com/avatarlink/avatarlink/internal/ui"
	"github.com/avatarlink/avatarlink/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"agent_id", cfg.AgentID,
		"api_url", cfg.APIURL,
		"recording", cfg.IsRecording())

	// Initialize dependencies.
	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := db.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	exchanges, err := exchange.Open(context.Background(), db, exchange.WithLogger(logger))
	if err != nil {
		slog.Error("Failed to open exchange log", "error", err)
		os.Exit(1)
	}
	slog.Info("Exchange log ready", "counter", exchanges.Counter())

	remote := didapi.New(cfg.APIURL, cfg.APIKey,
		didapi.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.HTTP}),
		didapi.WithRetry(cfg.Retry.MaxAttempts, cfg.Retry.MinDelay, cfg.Retry.MaxDelay),
		didapi.WithLogger(logger))

	hub := ui.NewHub()
	board := ui.NewBoard(hub)

	dial := func(servers []didapi.ICEServer, h rtc.Handlers) (session.Conn, error) {
		peer, err := rtc.New(servers, h, rtc.WithRecordDir(cfg.RecordDir), rtc.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return peer, nil
	}

	controller := session.NewController(session.Config{
		AgentID: cfg.AgentID,
		Stream: didapi.StreamOptions{
			CompatibilityMode: cfg.Stream.CompatibilityMode,
			Fluent:            cfg.Stream.Fluent,
		},
		SettleDelay:  cfg.Timeout.Settle,
		PollInterval: cfg.Timeout.PollInterval,
	}, remote, dial, board, exchanges, session.WithLogger(logger))

	// Initialize handlers.
	baseHandler := api.NewHandler(controller, exchanges, db, cfg.Timeout.Connect)
	avatarHandler := api.NewAvatarHandler(baseHandler)
	stateHandler := ui.NewStateHandler(hub, cfg.AllowedOrigins)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	avatarHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/state", stateHandler.ServeHTTP)

	// Serve embedded control page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: websocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := controller.Disconnect(shutdownCtx); err != nil {
		slog.Warn("Failed to end stream session", "error", err)
	}
	hub.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
