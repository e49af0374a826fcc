package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/identity"
	"github.com/ashureev/validity/internal/queue"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

// IdeaHandler handles idea CRUD and the idea's session view.
type IdeaHandler struct {
	*Handler
	quotaWindow time.Duration
}

// NewIdeaHandler creates a new idea handler. quotaWindow is the trailing
// window of the free idea quota.
func NewIdeaHandler(base *Handler, quotaWindow time.Duration) *IdeaHandler {
	if quotaWindow <= 0 {
		quotaWindow = domain.FreeIdeaQuotaWindow
	}
	return &IdeaHandler{Handler: base, quotaWindow: quotaWindow}
}

// RegisterRoutes registers idea routes.
func (h *IdeaHandler) RegisterRoutes(r chi.Router) {
	r.Route("/ideas", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}", h.UpdateMetadata)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/session", h.GetSession)
	})
}

type createIdeaRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Metadata    domain.Metadata `json:"metadata"`
}

type updateIdeaRequest struct {
	Metadata domain.Metadata `json:"metadata"`
}

type createIdeaResponse struct {
	*domain.Idea
	SessionID int64 `json:"session_id"`
}

type sessionResponse struct {
	*domain.Session
	Messages []*domain.Message `json:"messages"`
}

// List returns the caller's ideas.
func (h *IdeaHandler) List(w http.ResponseWriter, r *http.Request) {
	ideas, err := h.repo.ListIdeas(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, ideas)
}

// Create stores an idea with its session and queues the validation start.
// Either all of it happens or nothing is left behind.
func (h *IdeaHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req createIdeaRequest
	if err := h.decode(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" || len(req.Title) > 200 {
		WriteError(w, r, fmt.Errorf("title must be 1-200 characters: %w", errdefs.ErrInvalidArgument))
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		WriteError(w, r, fmt.Errorf("description is required: %w", errdefs.ErrInvalidArgument))
		return
	}
	if req.Metadata == nil {
		req.Metadata = domain.Metadata{}
	}

	idea := &domain.Idea{
		OwnerID:     userID,
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
	}
	session, err := h.repo.CreateIdeaWithSession(r.Context(), idea, h.quotaWindow)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Warn("Idea creation for unknown user", "user_id", userID)
		}
		WriteError(w, r, err)
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.StartSession(session.ID)); err != nil {
		slog.Error("Failed to enqueue session start, rolling back idea",
			"error", err, "idea_id", idea.ID, "session_id", session.ID)
		// The request context may already be gone; the rollback must still run.
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if delErr := h.repo.DeleteIdea(rollbackCtx, idea.ID); delErr != nil {
			slog.Error("Failed to roll back idea", "error", delErr, "idea_id", idea.ID)
		}
		Error(w, http.StatusServiceUnavailable, "validation queue unavailable, try again later")
		return
	}

	slog.Info("Idea created", "user_id", userID, "idea_id", idea.ID, "session_id", session.ID)
	JSON(w, http.StatusCreated, createIdeaResponse{Idea: idea, SessionID: session.ID})
}

// Get returns one of the caller's ideas.
func (h *IdeaHandler) Get(w http.ResponseWriter, r *http.Request) {
	idea, err := h.ownedIdea(r, identity.UserIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, idea)
}

// UpdateMetadata replaces the idea's metadata. Title and description are
// immutable and ignored if sent.
func (h *IdeaHandler) UpdateMetadata(w http.ResponseWriter, r *http.Request) {
	idea, err := h.ownedIdea(r, identity.UserIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	var req updateIdeaRequest
	if err := h.decode(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if req.Metadata == nil {
		WriteError(w, r, fmt.Errorf("metadata is required: %w", errdefs.ErrInvalidArgument))
		return
	}

	if err := h.repo.UpdateIdeaMetadata(r.Context(), idea.ID, req.Metadata); err != nil {
		WriteError(w, r, err)
		return
	}
	idea.Metadata = req.Metadata
	JSON(w, http.StatusOK, idea)
}

// Delete removes the idea with its session and messages.
func (h *IdeaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	idea, err := h.ownedIdea(r, identity.UserIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.repo.DeleteIdea(r.Context(), idea.ID); err != nil {
		WriteError(w, r, err)
		return
	}
	slog.Info("Idea deleted", "idea_id", idea.ID)
	w.WriteHeader(http.StatusNoContent)
}

// GetSession returns the idea's session with its ordered messages.
func (h *IdeaHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	idea, err := h.ownedIdea(r, identity.UserIDFromContext(r.Context()))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	session, err := h.repo.GetSessionByIdea(r.Context(), idea.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	messages, err := h.repo.ListMessages(r.Context(), session.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sessionResponse{Session: session, Messages: messages})
}
