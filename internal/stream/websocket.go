package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/identity"
	"github.com/ashureev/validity/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// WebSocketHandler streams the messages of one session to its owner.
type WebSocketHandler struct {
	repo          store.Repository
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(repo store.Repository, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		hub:           hub,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// frame is one server to client WebSocket message.
type frame struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"invalid session id"}`, http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	owner, err := h.repo.SessionOwner(r.Context(), sessionID)
	if err != nil || owner != userID {
		if err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			slog.Error("Failed to resolve session owner", "session_id", sessionID, "error", err)
		}
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	// Subscribe before reading the backlog so nothing appended in between
	// is lost; duplicates are filtered by message id.
	sub := h.hub.Subscribe(sessionID)
	defer h.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	slog.Info("Message stream opened", "user_id", userID, "session_id", sessionID)

	backlog, err := h.repo.ListMessages(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to load message backlog", "session_id", sessionID, "error", err)
		_ = h.writeJSON(ctx, ws, frame{Type: "error", Error: "failed_to_load_messages"})
		return
	}
	var lastID int64
	for _, msg := range backlog {
		if err := h.writeJSON(ctx, ws, frame{Type: "message", Message: msg}); err != nil {
			return
		}
		lastID = msg.ID
	}

	go func() {
		defer cancel()
		h.inputLoop(ctx, ws, userID)
	}()

	h.outputLoop(ctx, ws, sub, lastID)
	slog.Info("Message stream closed", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop only answers pings; the stream is server to client.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, userID int64) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, frame{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription, lastID int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			_ = h.writeJSON(ctx, ws, frame{Type: "error", Error: "stream_lagged"})
			return
		case msg := <-sub.C():
			if msg.ID <= lastID {
				continue
			}
			if err := h.writeJSON(ctx, ws, frame{Type: "message", Message: msg}); err != nil {
				slog.Debug("WebSocket write error", "error", err)
				return
			}
			lastID = msg.ID
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
