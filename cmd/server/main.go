// Reflect Labs - video reflection checkpoint server
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

	"github.com/ashureev/reflect-labs/internal/agent"
	"github.com/ashureev/reflect-labs/internal/api"
	"github.com/ashureev/reflect-labs/internal/checkpoint"
	"github.com/ashureev/reflect-labs/internal/config"
	"github.com/ashureev/reflect-labs/internal/identity"
	"github.com/ashureev/reflect-labs/internal/middleware"
	"github.com/ashureev/reflect-labs/internal/playback"
	"github.com/ashureev/reflect-labs/internal/retention"
	"github.com/ashureev/reflect-labs/internal/session"
	"github.com/ashureev/reflect-labs/internal/store"
	"github.com/ashureev/reflect-labs/internal/transcript"
	"github.com/ashureev/reflect-labs/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

	// Memory is always local. Remote collaborators stay nil when the agent
	// is unavailable, and sessions fall back to templated questions.
	collab := session.Collaborators{Memory: repo}
	if cfg.AIEnabled() {
		slog.Info("Connecting to reflection agent via gRPC", "address", cfg.AgentAddr)
		grpcClient, err := agent.NewGrpcClient(agent.DefaultGrpcClientConfig(cfg.AgentAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to reflection agent, using fallback questions", "error", err)
		} else {
			svc := agent.NewServiceWithProcessor(grpcClient, logger)
			defer svc.Close()

			collab.Questions = svc
			collab.Evaluator = svc
			collab.Remediator = svc
			collab.Clarifier = svc
			collab.Transcripts = transcript.NewFetcher(svc, repo, transcript.Config{
				PollInterval: cfg.Transcript.PollInterval,
				MaxPolls:     cfg.Transcript.MaxPolls,
			}, logger)
		}
	}
	if collab.Evaluator == nil {
		slog.Info("AI features disabled (REFLECTION_AGENT_ADDR not set or connection failed)")
	}

	playbackCfg := playback.DefaultConfig()
	playbackCfg.Checkpoint = checkpoint.Config{
		PollInterval:  cfg.Playback.PollInterval,
		ReadyFallback: cfg.Playback.ReadyFallback,
		ResumeDelay:   cfg.Playback.ResumeDelay,
		Epsilon:       cfg.Playback.Epsilon,
	}
	playbackCfg.Session = session.Config{
		TranscriptWindow:    cfg.Transcript.Window,
		MaxRemediationDepth: cfg.Session.MaxRemediationDepth,
		CollaboratorTimeout: cfg.Session.CollaboratorTimeout,
	}
	playbackCfg.ClarifyPerMinute = cfg.Session.ClarifyRatePerMinute

	registry := playback.NewRegistry()
	defer registry.CloseAll()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := playback.NewWebSocketHandler(repo, registry, collab, playbackCfg, cfg.FrontendURL, cfg.IsDevelopment(), logger)

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
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

		api.NewChapterHandler(baseHandler).RegisterRoutes(r)
		api.NewMemoryHandler(baseHandler).RegisterRoutes(r)
		api.NewPlaybackHandler(registry).RegisterRoutes(r)
		api.NewConfigHandler(cfg).RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/playback", wsHandler.ServeHTTP)
	})

	// Serve the embedded host page.
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for WebSocket connections
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeperDone := retention.StartWorker(ctx, repo, cfg.Retention.TTL, cfg.Retention.Interval)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-sweeperDone

	slog.Info("Server stopped successfully", "playbacks_open", registry.Count())
}
