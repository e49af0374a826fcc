// Validity web backend: accounts, ideas, sessions and the bridge to the
// validation engine.
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

	"github.com/ashureev/validity/internal/agent"
	"github.com/ashureev/validity/internal/api"
	"github.com/ashureev/validity/internal/config"
	"github.com/ashureev/validity/internal/identity"
	"github.com/ashureev/validity/internal/metrics"
	"github.com/ashureev/validity/internal/middleware"
	"github.com/ashureev/validity/internal/queue"
	"github.com/ashureev/validity/internal/store"
	"github.com/ashureev/validity/internal/stream"
	"github.com/ashureev/validity/internal/worker"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
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
	if cfg.Debug {
		level.Set(slog.LevelDebug)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "queue", cfg.Queue.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	db, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := db.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	hub := stream.NewHub()
	repo := stream.NewPublishingRepository(db, hub)

	tasks, err := newQueue(ctx, cfg.Queue)
	if err != nil {
		slog.Error("Failed to initialize task queue", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := tasks.Close(); closeErr != nil {
			slog.Error("Failed to close task queue", "error", closeErr)
		}
	}()

	engineClient := agent.NewClient(cfg.Agents.BaseURL, cfg.Agents.RequestTimeout, logger)

	// The gRPC health probe is optional.
	var grpcProbe api.GRPCProbe
	if cfg.Agents.GRPCAddr != "" {
		prober, err := agent.NewHealthProber(agent.DefaultGrpcClientConfig(cfg.Agents.GRPCAddr), logger)
		if err != nil {
			slog.Warn("Engine gRPC health probe disabled", "error", err)
		} else {
			defer prober.Close()
			grpcProbe = prober
		}
	}

	if cfg.Agents.CallbackSecret == "" {
		slog.Warn("AGENT_CALLBACK_SECRET not set, engine callbacks will be rejected")
	}
	orchestrator := agent.NewOrchestrator(repo, engineClient,
		agent.PollConfig{Interval: cfg.Poll.Interval, MaxAttempts: cfg.Poll.MaxAttempts},
		cfg.Agents.PublicCallbackURL, logger)

	pool := worker.NewPool(tasks, orchestrator, repo, cfg.Queue.Concurrency, logger)

	// Initialize handlers.
	tokens := identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	baseHandler := api.NewHandler(repo, tasks, cfg.Limits.MaxRequestBodySize)
	healthHandler := api.NewHealthHandler(repo, tasks, engineClient, grpcProbe, cfg.Timeout.HealthCheck)
	authHandler := api.NewAuthHandler(baseHandler, tokens)
	ideaHandler := api.NewIdeaHandler(baseHandler, cfg.Limits.FreeQuotaWindow)
	messageHandler := api.NewMessageHandler(baseHandler, identity.NewUserRateLimiter(cfg.Limits.MessageRatePerMinute))
	callbackHandler := api.NewCallbackHandler(baseHandler, cfg.Agents.CallbackSecret)
	stripeHandler := api.NewStripeHandler(baseHandler)
	wsHandler := stream.NewWebSocketHandler(repo, hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.Metrics("backend"))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())
	authHandler.RegisterRoutes(r)
	callbackHandler.RegisterRoutes(r)
	stripeHandler.RegisterWebhook(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(tokens))
		authHandler.RegisterMe(r)
		ideaHandler.RegisterRoutes(r)
		messageHandler.RegisterRoutes(r)
		stripeHandler.RegisterRoutes(r)
		r.Get("/sessions/{id}/ws", wsHandler.ServeHTTP)
	})

	// Create server.
	// WebSocket connections are long lived, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background work.
	pool.Start(ctx)
	messageHandler.StartLimiterCleanup(ctx, 5*time.Minute)

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
	}

	// Workers stop taking tasks once ctx is done; in-flight polls end with it.
	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("Workers did not stop before shutdown timeout")
	}

	slog.Info("Server stopped successfully")
}

func newQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	if cfg.Backend == config.QueueRedis {
		q, err := queue.NewRedis(ctx, cfg.RedisURL, cfg.Name)
		if err != nil {
			return nil, err
		}
		slog.Info("Redis task queue connected", "key", cfg.Name)
		return q, nil
	}
	return queue.NewMemory(cfg.BufferSize), nil
}
