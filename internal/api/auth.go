package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/identity"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

const minPasswordLength = 8

// AuthHandler handles account registration and login.
type AuthHandler struct {
	*Handler
	tokens *identity.Tokens
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(base *Handler, tokens *identity.Tokens) *AuthHandler {
	return &AuthHandler{Handler: base, tokens: tokens}
}

// RegisterRoutes registers the public auth routes.
func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
	})
}

// RegisterMe registers the authenticated profile route.
func (h *AuthHandler) RegisterMe(r chi.Router) {
	r.Get("/me", h.GetMe)
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresAt   time.Time    `json:"expires_at"`
	User        *domain.User `json:"user"`
}

func (c *credentials) validate() error {
	c.Username = strings.TrimSpace(c.Username)
	if c.Username == "" || len(c.Username) > 150 {
		return fmt.Errorf("username must be 1-150 characters: %w", errdefs.ErrInvalidArgument)
	}
	if len(c.Password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters: %w", minPasswordLength, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Register creates an account and returns an access token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := h.decode(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, r, err)
		return
	}

	user := &domain.User{Username: req.Username}
	if err := user.SetPassword(req.Password); err != nil {
		WriteError(w, r, err)
		return
	}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		WriteError(w, r, err)
		return
	}

	slog.Info("User registered", "user_id", user.ID, "username", user.Username)
	h.writeToken(w, r, http.StatusCreated, user)
}

// Login checks credentials and returns an access token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := h.decode(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	user, err := h.repo.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		WriteError(w, r, err)
		return
	}
	if user == nil || !user.CheckPassword(req.Password) {
		WriteError(w, r, domain.ErrInvalidCredentials)
		return
	}

	h.writeToken(w, r, http.StatusOK, user)
}

func (h *AuthHandler) writeToken(w http.ResponseWriter, r *http.Request, status int, user *domain.User) {
	token, expires, err := h.tokens.Issue(user.ID, user.Username)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, status, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expires,
		User:        user,
	})
}

// GetMe returns the current user and subscription state.
func (h *AuthHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			Error(w, http.StatusUnauthorized, "user not found")
			return
		}
		WriteError(w, r, err)
		return
	}
	sub, err := h.repo.GetSubscription(r.Context(), userID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"id":           user.ID,
		"username":     user.Username,
		"subscription": sub,
		"subscribed":   sub.IsActive(),
	})
}
