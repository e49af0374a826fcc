package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/validity/internal/store"
	"github.com/ashureev/validity/internal/wire"
	"github.com/go-chi/chi/v5"
)

// EngineProbe checks the validation engine over REST.
type EngineProbe interface {
	Health(ctx context.Context) (*wire.HealthResponse, error)
}

// GRPCProbe checks the validation engine's gRPC health service.
type GRPCProbe interface {
	Check(ctx context.Context) (string, error)
}

// Pinger is implemented by the task queue.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	queue   Pinger
	engine  EngineProbe
	grpc    GRPCProbe
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. engine and grpc are
// optional.
func NewHealthHandler(repo store.Repository, q Pinger, engine EngineProbe, grpc GRPCProbe, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{repo: repo, queue: q, engine: engine, grpc: grpc, timeout: timeout}
}

// Health returns the health status of the API and its dependencies. The
// database and the queue are required; the engine only degrades the
// report.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var mu sync.Mutex
	checks := map[string]string{"api": "ok"}
	set := func(name, value string) {
		mu.Lock()
		checks[name] = value
		mu.Unlock()
	}

	statusCode := http.StatusOK
	status := "healthy"

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "database", "error", err)
		set("database", "unreachable")
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		set("database", "ok")
	}

	if h.queue != nil {
		if err := h.queue.Ping(ctx); err != nil {
			slog.Error("Health check failed", "check", "queue", "error", err)
			set("queue", "unreachable")
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			set("queue", "ok")
		}
	}

	var wg sync.WaitGroup
	var engineDown bool
	if h.engine != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.Health(ctx); err != nil {
				slog.Warn("Engine health check failed", "error", err)
				set("engine", "unreachable")
				mu.Lock()
				engineDown = true
				mu.Unlock()
				return
			}
			set("engine", "ok")
		}()
	}
	if h.grpc != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serving, err := h.grpc.Check(ctx)
			if err != nil {
				slog.Warn("Engine gRPC health check failed", "error", err)
				set("engine_grpc", "unreachable")
				return
			}
			set("engine_grpc", serving)
		}()
	}
	wg.Wait()

	if engineDown && statusCode == http.StatusOK {
		status = "degraded"
	}

	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the detailed health check route. The plain
// /health heartbeat is served by middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
