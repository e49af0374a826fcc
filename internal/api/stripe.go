package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/identity"
	"github.com/go-chi/chi/v5"
)

const defaultPlan = "pro"

// Webhook actions.
const (
	ActionSubscribe = "subscribe"
	ActionCancel    = "cancel"
)

// StripeHandler stands in for a payment provider: subscriptions are
// activated directly and the webhook accepts a plain JSON payload.
type StripeHandler struct {
	*Handler
	now func() time.Time
}

// NewStripeHandler creates a new stripe stub handler.
func NewStripeHandler(base *Handler) *StripeHandler {
	return &StripeHandler{Handler: base, now: time.Now}
}

// RegisterRoutes registers the authenticated start route.
func (h *StripeHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe/start/", h.Start)
}

// RegisterWebhook registers the public webhook route.
func (h *StripeHandler) RegisterWebhook(r chi.Router) {
	r.Post("/stripe/webhook/", h.Webhook)
}

type startRequest struct {
	Plan string `json:"plan"`
}

type webhookRequest struct {
	User   string `json:"user"`
	Action string `json:"action"`
}

// Start activates the caller's subscription immediately.
func (h *StripeHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req startRequest
	if err := h.decodeOptional(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	plan := strings.TrimSpace(req.Plan)
	if plan == "" {
		plan = defaultPlan
	}

	now := h.now()
	sub := &domain.Subscription{UserID: userID, Active: true, Plan: plan, StartedAt: &now}
	if err := h.repo.UpsertSubscription(r.Context(), sub); err != nil {
		WriteError(w, r, err)
		return
	}
	slog.Info("Subscription started", "user_id", userID, "plan", plan)
	JSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

// Webhook applies a subscribe or cancel event for a username.
func (h *StripeHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := h.decode(w, r, &req); err != nil || req.User == "" || req.Action == "" {
		Error(w, http.StatusBadRequest, "bad payload")
		return
	}
	if req.Action != ActionSubscribe && req.Action != ActionCancel {
		Error(w, http.StatusBadRequest, "bad payload")
		return
	}

	ctx := r.Context()
	user, err := h.repo.GetUserByUsername(ctx, req.User)
	if errors.Is(err, domain.ErrUserNotFound) {
		Error(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		WriteError(w, r, err)
		return
	}

	sub, err := h.repo.GetSubscription(ctx, user.ID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if sub == nil {
		sub = &domain.Subscription{UserID: user.ID, Plan: defaultPlan}
	}
	switch req.Action {
	case ActionSubscribe:
		now := h.now()
		sub.Active = true
		sub.StartedAt = &now
	case ActionCancel:
		sub.Active = false
	}
	if err := h.repo.UpsertSubscription(ctx, sub); err != nil {
		WriteError(w, r, err)
		return
	}

	slog.Info("Subscription webhook applied", "user_id", user.ID, "action", req.Action)
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
