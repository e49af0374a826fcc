// Package api provides HTTP handlers for the validity backend.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/queue"
	"github.com/ashureev/validity/internal/store"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-chi/chi/v5"
)

const defaultMaxBodySize = 1 << 20

// QuotaExceededDetail is the 402 message for a free quota of one idea per
// window.
func QuotaExceededDetail(window time.Duration) string {
	return fmt.Sprintf("Free quota exhausted: only 1 idea per %s. Buy a subscription to continue.", domain.FormatWindow(window))
}

// Handler provides common handler utilities.
type Handler struct {
	repo        store.Repository
	queue       queue.Queue
	maxBodySize int64
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, q queue.Queue, maxBodySize int64) *Handler {
	if maxBodySize <= 0 {
		maxBodySize = defaultMaxBodySize
	}
	return &Handler{
		repo:        repo,
		queue:       q,
		maxBodySize: maxBodySize,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	}
	return errhttp.ToHTTP(err)
}

// WriteError writes err with its mapped status. Server errors are logged
// and hidden from the client.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, status, "internal server error")
		return
	}
	if errors.Is(err, domain.ErrQuotaExceeded) {
		window := domain.FreeIdeaQuotaWindow
		var qe *domain.QuotaError
		if errors.As(err, &qe) {
			window = qe.Window
		}
		JSON(w, status, map[string]string{"detail": QuotaExceededDetail(window)})
		return
	}
	Error(w, status, err.Error())
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

// decodeOptional is decode for endpoints whose body may be absent. An empty
// body, chunked or not, leaves v untouched.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, errdefs.ErrInvalidArgument)
	}
	return id, nil
}

// ownedIdea loads an idea and hides ideas of other users as not found.
func (h *Handler) ownedIdea(r *http.Request, userID int64) (*domain.Idea, error) {
	ideaID, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	idea, err := h.repo.GetIdea(r.Context(), ideaID)
	if err != nil {
		return nil, err
	}
	if idea.OwnerID != userID {
		return nil, domain.ErrIdeaNotFound
	}
	return idea, nil
}
