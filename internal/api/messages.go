package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/identity"
	"github.com/ashureev/validity/internal/queue"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

const maxMessageLength = 10000

// MessageHandler exposes the append-only message log of the caller's
// sessions.
type MessageHandler struct {
	*Handler
	limiter *identity.UserRateLimiter
}

// NewMessageHandler creates a new message handler. A nil limiter disables
// rate limiting.
func NewMessageHandler(base *Handler, limiter *identity.UserRateLimiter) *MessageHandler {
	return &MessageHandler{Handler: base, limiter: limiter}
}

// RegisterRoutes registers message routes. There are no update or delete
// routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/messages", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
	})
}

type createMessageRequest struct {
	Session  int64           `json:"session"`
	Content  string          `json:"content"`
	Metadata domain.Metadata `json:"metadata"`
}

// List returns the caller's messages, optionally filtered by ?session=.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	var sessionID int64
	if raw := r.URL.Query().Get("session"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, r, fmt.Errorf("invalid session filter %q: %w", raw, errdefs.ErrInvalidArgument))
			return
		}
		sessionID = id
	}

	messages, err := h.repo.ListMessagesForOwner(r.Context(), identity.UserIDFromContext(r.Context()), sessionID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, messages)
}

// Get returns one message of the caller.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	messageID, err := pathID(r, "id")
	if err != nil {
		WriteError(w, r, err)
		return
	}
	msg, err := h.repo.GetMessage(r.Context(), messageID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.checkSessionOwner(r.Context(), msg.SessionID); err != nil {
		WriteError(w, r, domain.ErrMessageNotFound)
		return
	}
	JSON(w, http.StatusOK, msg)
}

// Create appends a user message and queues its acknowledgment.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if h.limiter != nil && !h.limiter.Allow(userID) {
		w.Header().Set("Retry-After", "60")
		Error(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}

	var req createMessageRequest
	if err := h.decode(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" || len(req.Content) > maxMessageLength {
		WriteError(w, r, fmt.Errorf("content must be 1-%d characters: %w", maxMessageLength, errdefs.ErrInvalidArgument))
		return
	}
	if req.Session <= 0 {
		WriteError(w, r, fmt.Errorf("session is required: %w", errdefs.ErrInvalidArgument))
		return
	}
	if err := h.checkSessionOwner(r.Context(), req.Session); err != nil {
		WriteError(w, r, err)
		return
	}

	md := req.Metadata
	if md == nil {
		md = domain.Metadata{}
	}
	msg := &domain.Message{
		SessionID: req.Session,
		Sender:    domain.SenderUser,
		Content:   req.Content,
		Metadata:  md,
	}
	if err := h.repo.AppendMessage(r.Context(), msg); err != nil {
		WriteError(w, r, err)
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.SendUserMessage(msg.SessionID, msg.ID)); err != nil {
		// The message is part of the log already; only the acknowledgment is lost.
		slog.Warn("Failed to enqueue user message", "error", err, "session_id", msg.SessionID, "message_id", msg.ID)
	}

	JSON(w, http.StatusCreated, msg)
}

func (h *MessageHandler) checkSessionOwner(ctx context.Context, sessionID int64) error {
	ownerID, err := h.repo.SessionOwner(ctx, sessionID)
	if err != nil {
		return err
	}
	if ownerID != identity.UserIDFromContext(ctx) {
		return domain.ErrSessionNotFound
	}
	return nil
}

// StartLimiterCleanup periodically drops idle per-user limiters until ctx
// is done.
func (h *MessageHandler) StartLimiterCleanup(ctx context.Context, interval time.Duration) {
	if h.limiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.limiter.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}
