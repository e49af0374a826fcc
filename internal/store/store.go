// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/validity/internal/domain"
)

// Repository defines the interface for persisting backend data: users,
// subscriptions, ideas, sessions and messages.
type Repository interface {
	// CreateUser inserts a user and sets its ID.
	// Returns domain.ErrUsernameTaken if the username is in use.
	CreateUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID int64) (*domain.User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// GetSubscription returns the user's subscription, or nil if none exists.
	GetSubscription(ctx context.Context, userID int64) (*domain.Subscription, error)

	// UpsertSubscription creates or updates the user's subscription.
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) error

	// CreateIdeaWithSession inserts an idea and its session in a single
	// transaction, enforcing the free quota over the trailing window.
	// Returns domain.ErrQuotaExceeded when the quota gate rejects it.
	CreateIdeaWithSession(ctx context.Context, idea *domain.Idea, window time.Duration) (*domain.Session, error)

	GetIdea(ctx context.Context, ideaID int64) (*domain.Idea, error)
	ListIdeas(ctx context.Context, ownerID int64) ([]*domain.Idea, error)

	// UpdateIdeaMetadata replaces the metadata of an idea. All other idea
	// fields are immutable.
	UpdateIdeaMetadata(ctx context.Context, ideaID int64, metadata domain.Metadata) error

	// DeleteIdea removes an idea together with its session and messages.
	DeleteIdea(ctx context.Context, ideaID int64) error

	GetSession(ctx context.Context, sessionID int64) (*domain.Session, error)
	GetSessionByIdea(ctx context.Context, ideaID int64) (*domain.Session, error)

	// SessionOwner returns the user owning the session's idea.
	SessionOwner(ctx context.Context, sessionID int64) (int64, error)

	// SetAgentRunID stores the engine execution id on the session.
	SetAgentRunID(ctx context.Context, sessionID int64, runID string) error

	// FinishSessionIfOpen stores the report and marks the session finished
	// only if it is not finished yet. It reports whether a row changed.
	FinishSessionIfOpen(ctx context.Context, sessionID int64, report string, sections []domain.ReportSection) (bool, error)

	// FinishSession stores the report and marks the session finished
	// unconditionally.
	FinishSession(ctx context.Context, sessionID int64, report string, sections []domain.ReportSection) error

	// AppendMessage inserts a message and sets its ID and CreatedAt.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	GetMessage(ctx context.Context, messageID int64) (*domain.Message, error)

	// ListMessages returns messages of one session ordered by creation.
	ListMessages(ctx context.Context, sessionID int64) ([]*domain.Message, error)

	// ListMessagesForOwner returns all messages visible to a user, optionally
	// restricted to one session (sessionID > 0).
	ListMessagesForOwner(ctx context.Context, ownerID, sessionID int64) ([]*domain.Message, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// ExecutionRepository persists validation engine runs.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	GetExecution(ctx context.Context, executionID string) (*domain.Execution, error)

	// MarkRunning, MarkCompleted and MarkFailed move an execution along its
	// lifecycle. They return domain.ErrInvalidTransition when the current
	// status does not allow the move.
	MarkRunning(ctx context.Context, executionID string, at time.Time) error
	MarkCompleted(ctx context.Context, executionID string, report json.RawMessage, markdown string, at time.Time) error
	MarkFailed(ctx context.Context, executionID string, errMsg string, at time.Time) error

	SaveAgentResult(ctx context.Context, result *domain.AgentResult) error
	ListAgentResults(ctx context.Context, executionID string) ([]*domain.AgentResult, error)
	CountCompletedAgents(ctx context.Context, executionID string) (int, error)

	SaveMetrics(ctx context.Context, m *domain.ValidationMetrics) error
	GetMetrics(ctx context.Context, executionID string) (*domain.ValidationMetrics, error)

	// FailNonTerminal marks every pending or running execution failed.
	FailNonTerminal(ctx context.Context, errMsg string) (int64, error)

	// FailStaleRunning marks running executions started before cutoff failed.
	FailStaleRunning(ctx context.Context, cutoff time.Time, errMsg string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
