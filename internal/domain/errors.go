package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

var (
	ErrUserNotFound      = fmt.Errorf("user not found: %w", errdefs.ErrNotFound)
	ErrIdeaNotFound      = fmt.Errorf("idea not found: %w", errdefs.ErrNotFound)
	ErrSessionNotFound   = fmt.Errorf("session not found: %w", errdefs.ErrNotFound)
	ErrMessageNotFound   = fmt.Errorf("message not found: %w", errdefs.ErrNotFound)
	ErrExecutionNotFound = fmt.Errorf("execution not found: %w", errdefs.ErrNotFound)

	ErrUsernameTaken      = fmt.Errorf("username already taken: %w", errdefs.ErrAlreadyExists)
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", errdefs.ErrUnauthenticated)
	ErrInvalidSignature   = fmt.Errorf("invalid signature: %w", errdefs.ErrUnauthenticated)

	// ErrInvalidTransition is returned when an execution status change would
	// leave a terminal state or move backwards.
	ErrInvalidTransition = fmt.Errorf("invalid status transition: %w", errdefs.ErrFailedPrecondition)

	// ErrQuotaExceeded has no errdefs class; the HTTP layer maps it to 402.
	ErrQuotaExceeded = errors.New("free quota exhausted")
)

// QuotaError carries the trailing window the free quota was checked against.
// It matches ErrQuotaExceeded.
type QuotaError struct {
	Window time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%v: only 1 idea per %s", ErrQuotaExceeded, FormatWindow(e.Window))
}

func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }
