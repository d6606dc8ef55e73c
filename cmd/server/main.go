// chatstream - Real-time AI chat session server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/yuchenglin/chatstream/internal/ai"
	"github.com/yuchenglin/chatstream/internal/api"
	"github.com/yuchenglin/chatstream/internal/auth"
	"github.com/yuchenglin/chatstream/internal/chat"
	"github.com/yuchenglin/chatstream/internal/config"
	"github.com/yuchenglin/chatstream/internal/domain"
	"github.com/yuchenglin/chatstream/internal/middleware"
	"github.com/yuchenglin/chatstream/internal/store"
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	if cfg.IsDevelopment() && cfg.DevConversationID != "" && cfg.DevUserID != "" {
		conv := &domain.Conversation{ID: cfg.DevConversationID, UserID: cfg.DevUserID}
		if err := repo.EnsureConversation(context.Background(), conv); err != nil {
			slog.Error("Failed to seed development conversation", "error", err)
			os.Exit(1)
		}
		slog.Info("Development conversation ready", "conversation_id", conv.ID, "user_id", conv.UserID)
	}

	// Initialize services.
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	provider := ai.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)

	orch := chat.NewOrchestrator(repo, provider, cfg.Chat.StreamTimeout)
	orch.OnPersisted(func(conversationID, messageID string) {
		slog.Info("Assistant message persisted", "conversation_id", conversationID, "message_id", messageID)
	})

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo, cfg)
	gateway := chat.NewGateway(repo, verifier, orch, cfg.Chat, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// WebSocket endpoint.
	r.Get("/ws/chat/{conversationID}", gateway.ServeHTTP)

	// Create server.
	// Note: streaming responses require long timeouts (no WriteTimeout).
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
