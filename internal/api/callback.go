package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/metrics"
	"github.com/ashureev/validity/internal/wire"
	"github.com/go-chi/chi/v5"
)

// CallbackHandler receives signed notifications from the validation engine.
type CallbackHandler struct {
	*Handler
	secret string
}

// NewCallbackHandler creates a callback handler. With an empty secret every
// callback is rejected.
func NewCallbackHandler(base *Handler, secret string) *CallbackHandler {
	return &CallbackHandler{Handler: base, secret: secret}
}

// RegisterRoutes registers the callback route. It is not behind user auth.
func (h *CallbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/agents/callback/", h.Callback)
	r.Post("/agents/callback", h.Callback)
}

// Callback verifies the body signature, then appends the engine's message
// and, for a final report, finishes the session. The callback write is
// unconditional and overrides a report stored by the poll loop.
func (h *CallbackHandler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodySize))
	if err != nil {
		metrics.CallbacksReceived.WithLabelValues("bad_request").Inc()
		Error(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !wire.Verify(h.secret, body, r.Header.Get(wire.SignatureHeader)) {
		metrics.CallbacksReceived.WithLabelValues("invalid_signature").Inc()
		slog.Warn("Rejected agent callback with invalid signature", "remote", r.RemoteAddr)
		WriteError(w, r, domain.ErrInvalidSignature)
		return
	}

	var payload wire.CallbackPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.CallbacksReceived.WithLabelValues("bad_request").Inc()
		Error(w, http.StatusBadRequest, "invalid payload")
		return
	}

	sessionID, err := strconv.ParseInt(payload.SessionID.String(), 10, 64)
	if err != nil {
		metrics.CallbacksReceived.WithLabelValues("unknown_session").Inc()
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	ctx := r.Context()
	if _, err := h.repo.GetSession(ctx, sessionID); err != nil {
		metrics.CallbacksReceived.WithLabelValues("unknown_session").Inc()
		WriteError(w, r, err)
		return
	}

	md := payload.Metadata
	if md == nil {
		md = domain.Metadata{}
	}
	if _, ok := md["type"]; !ok && payload.Type != "" {
		md["type"] = payload.Type
	}
	msg := &domain.Message{
		SessionID: sessionID,
		Sender:    domain.SenderAgent,
		Content:   payload.Content,
		Metadata:  md,
	}
	if err := h.repo.AppendMessage(ctx, msg); err != nil {
		WriteError(w, r, err)
		return
	}

	if payload.Type == wire.CallbackFinalReport {
		sections := payload.ReportSections
		if sections == nil {
			sections = []domain.ReportSection{}
		}
		if err := h.repo.FinishSession(ctx, sessionID, payload.ReportMarkdown(), sections); err != nil {
			WriteError(w, r, err)
			return
		}
		slog.Info("Session finished by agent callback", "session_id", sessionID)
	}

	metrics.CallbacksReceived.WithLabelValues("ok").Inc()
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
