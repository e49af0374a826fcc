package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/metrics"
	"github.com/ashureev/validity/internal/middleware"
	"github.com/ashureev/validity/internal/store"
	"github.com/ashureev/validity/internal/wire"
)

const maxRequestBody = 1 << 20

// Server exposes the engine REST API.
type Server struct {
	runner  *Runner
	repo    store.ExecutionRepository
	version string
	logger  *slog.Logger
}

// NewServer creates the API server.
func NewServer(runner *Runner, repo store.ExecutionRepository, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{runner: runner, repo: repo, version: version, logger: logger}
}

// Router builds the HTTP handler with its middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.Metrics("engine"))

	s.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// RegisterRoutes registers the /api/v1 routes.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post(wire.PathValidate, s.Validate)
	r.Get(wire.PathStatus, s.Status)
	r.Get(wire.PathResult, s.Result)
	r.Get(wire.PathHealth, s.Health)
}

// Validate accepts a run and starts it in the background.
func (s *Server) Validate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req wire.ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, []domain.FieldError{{Field: "body", Message: "invalid JSON: " + err.Error()}})
		return
	}

	if fields := validateRequest(&req); len(fields) > 0 {
		writeDetail(w, http.StatusUnprocessableEntity, fields)
		return
	}

	exec, err := s.runner.Submit(r.Context(), &req)
	if err != nil {
		s.logger.Error("Failed to start validation", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Failed to start validation")
		return
	}

	writeJSON(w, http.StatusOK, wire.ValidateResponse{
		ExecutionID:              exec.ExecutionID,
		Status:                   "started",
		EstimatedDurationMinutes: wire.EstimatedDurationMinutes,
	})
}

func validateRequest(req *wire.ValidateRequest) []domain.FieldError {
	var fields []domain.FieldError
	if strings.TrimSpace(req.Topic) == "" {
		fields = append(fields, domain.FieldError{Field: "topic", Message: "field required"})
	}
	if err := req.UserContext.Validate(); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			for _, f := range verr.Fields {
				f.Field = "user_context." + f.Field
				fields = append(fields, f)
			}
		} else {
			fields = append(fields, domain.FieldError{Field: "user_context", Message: err.Error()})
		}
	}
	return fields
}

// Status reports the progress of a run.
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.execution(w, r)
	if !ok {
		return
	}
	completed, err := s.repo.CountCompletedAgents(r.Context(), exec.ExecutionID)
	if err != nil {
		s.internalError(w, "count completed agents", err)
		return
	}

	writeJSON(w, http.StatusOK, wire.StatusResponse{
		ExecutionID:     exec.ExecutionID,
		Status:          exec.Status,
		CreatedAt:       exec.CreatedAt,
		StartedAt:       exec.StartedAt,
		CompletedAt:     exec.CompletedAt,
		AgentsCompleted: completed,
		TotalAgents:     wire.TotalAgents,
		CurrentStage:    CurrentStage(exec.Status, completed),
		ErrorMessage:    exec.ErrorMessage,
	})
}

// Result returns the report of a completed run.
func (s *Server) Result(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.execution(w, r)
	if !ok {
		return
	}
	if exec.Status != domain.ExecutionCompleted {
		writeDetail(w, http.StatusBadRequest, fmt.Sprintf("Validation not completed. Current status: %s", exec.Status))
		return
	}

	writeJSON(w, http.StatusOK, wire.ResultResponse{
		ExecutionID:         exec.ExecutionID,
		Status:              exec.Status,
		FinalReport:         exec.FinalReport,
		FinalReportMarkdown: exec.FinalReportMarkdown,
		CreatedAt:           exec.CreatedAt,
		CompletedAt:         exec.CompletedAt,
	})
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   s.version,
	})
}

func (s *Server) execution(w http.ResponseWriter, r *http.Request) (*domain.Execution, bool) {
	exec, err := s.repo.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if errdefs.IsNotFound(err) {
		writeDetail(w, http.StatusNotFound, "Execution not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, "get execution", err)
		return nil, false
	}
	return exec, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("Request failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, wire.ErrorResponse{Message: "Internal server error"})
}

func writeDetail(w http.ResponseWriter, status int, detail any) {
	writeJSON(w, status, wire.ErrorResponse{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
