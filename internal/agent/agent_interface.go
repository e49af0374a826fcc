package agent

import (
	"context"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
)

// Engine is the validation engine API used by the orchestrator.
// It is implemented by the REST client.
type Engine interface {
	// StartValidation submits a validation run and returns its execution id.
	StartValidation(ctx context.Context, req *wire.ValidateRequest) (*wire.ValidateResponse, error)

	// Status returns the progress of a run.
	Status(ctx context.Context, executionID string) (*wire.StatusResponse, error)

	// Result returns the report of a completed run.
	Result(ctx context.Context, executionID string) (*wire.ResultResponse, error)
}

// SessionStore is the subset of the backend repository the orchestrator
// reads and writes.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID int64) (*domain.Session, error)
	GetIdea(ctx context.Context, ideaID int64) (*domain.Idea, error)
	GetMessage(ctx context.Context, messageID int64) (*domain.Message, error)
	SetAgentRunID(ctx context.Context, sessionID int64, runID string) error
	FinishSessionIfOpen(ctx context.Context, sessionID int64, report string, sections []domain.ReportSection) (bool, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// Ensure Client implements Engine.
var _ Engine = (*Client)(nil)
