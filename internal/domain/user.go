// Package domain contains core domain types shared by the backend and the
// validation engine.
package domain

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is an account that owns ideas.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// SetPassword hashes and stores the given password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	return nil
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	if u.PasswordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// Subscription gates the free idea quota for a user.
type Subscription struct {
	UserID    int64      `json:"user_id"`
	Active    bool       `json:"active"`
	Plan      string     `json:"plan"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// IsActive is nil-safe.
func (s *Subscription) IsActive() bool {
	return s != nil && s.Active
}
