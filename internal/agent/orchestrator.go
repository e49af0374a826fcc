// Package agent connects backend sessions to the validation engine: it
// starts runs, polls their progress and records the outcome as messages.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/metrics"
	"github.com/ashureev/validity/internal/wire"
)

// ErrPollTimeout is returned when the engine did not finish within the
// configured number of poll attempts.
var ErrPollTimeout = errors.New("timed out waiting for validation results")

// ErrStartFailed is returned when the engine rejected or could not receive
// a validation request. The failure is already recorded on the session.
var ErrStartFailed = errors.New("validation start failed")

// ReportSectionTitle is the title of the single section the poll loop stores.
const ReportSectionTitle = "AI Validation Report"

// Orchestrator drives one session through the engine.
type Orchestrator struct {
	store       SessionStore
	engine      Engine
	poll        PollConfig
	callbackURL string
	logger      *slog.Logger
}

// NewOrchestrator creates an orchestrator. callbackURL, when set, is sent
// to the engine as the webhook for terminal notifications.
func NewOrchestrator(store SessionStore, engine Engine, poll PollConfig, callbackURL string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if poll.MaxAttempts <= 0 {
		poll.MaxAttempts = DefaultPollConfig().MaxAttempts
	}
	if poll.Interval <= 0 {
		poll.Interval = DefaultPollConfig().Interval
	}
	return &Orchestrator{
		store:       store,
		engine:      engine,
		poll:        poll,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// StartSession submits the session's idea to the engine and then polls the
// run until it ends. A failed start is recorded as a system message and
// returned; it is not retried.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID int64) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %d: %w", sessionID, err)
	}
	if session.HasRun() {
		o.logger.Info("session already has a run, skipping start",
			"session_id", sessionID, "execution_id", session.AgentRunID)
		return nil
	}

	idea, err := o.store.GetIdea(ctx, session.IdeaID)
	if err != nil {
		return fmt.Errorf("load idea %d: %w", session.IdeaID, err)
	}

	req := BuildValidateRequest(idea, session, o.callbackURL)
	resp, err := o.engine.StartValidation(ctx, req)
	if err != nil {
		o.logger.Error("failed to start validation", "session_id", sessionID, "error", err)
		if appendErr := o.append(ctx, sessionID, domain.SenderSystem,
			fmt.Sprintf("Failed to start AI validation: %v", err),
			domain.Metadata{"type": domain.MessageTypeStartError, "error": err.Error()},
		); appendErr != nil {
			o.logger.Warn("failed to record start error", "session_id", sessionID, "error", appendErr)
		}
		return fmt.Errorf("start validation for session %d: %w: %w", sessionID, ErrStartFailed, err)
	}

	if err := o.store.SetAgentRunID(ctx, sessionID, resp.ExecutionID); err != nil {
		return fmt.Errorf("store execution id: %w", err)
	}
	o.logger.Info("validation started", "session_id", sessionID, "execution_id", resp.ExecutionID)

	return o.PollForResults(ctx, sessionID, resp.ExecutionID)
}

type pollStep int

const (
	stepContinue pollStep = iota
	stepDone
	stepTransportError
)

// PollForResults records progress of an execution until it completes,
// fails, the attempts run out, or ctx is cancelled. Transport errors count
// as attempts. Cancellation stops the loop without a timeout message.
func (o *Orchestrator) PollForResults(ctx context.Context, sessionID int64, executionID string) error {
	if err := o.append(ctx, sessionID, domain.SenderAgent,
		"Starting the analysis of your business idea with AI agents...",
		domain.Metadata{"type": domain.MessageTypeStatus, "execution_id": executionID},
	); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= o.poll.MaxAttempts; attempt++ {
		step, err := o.pollOnce(ctx, sessionID, executionID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			o.logger.Info("polling cancelled", "session_id", sessionID, "execution_id", executionID, "attempt", attempt)
			return ctxErr
		}

		switch step {
		case stepDone:
			return err
		case stepTransportError:
			lastErr = err
			metrics.PollOutcomes.WithLabelValues("transport_error").Inc()
			o.logger.Warn("poll attempt failed",
				"session_id", sessionID, "execution_id", executionID, "attempt", attempt, "error", err)
		default:
			if err != nil {
				return err
			}
		}

		if attempt == o.poll.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			o.logger.Info("polling cancelled", "session_id", sessionID, "execution_id", executionID, "attempt", attempt)
			return ctx.Err()
		case <-time.After(o.poll.Interval):
		}
	}

	metrics.PollOutcomes.WithLabelValues("timeout").Inc()
	content := "Timed out waiting for validation results."
	md := domain.Metadata{"type": domain.MessageTypeTimeoutError, "execution_id": executionID}
	if lastErr != nil {
		content = fmt.Sprintf("Timed out waiting for validation results: %v", lastErr)
		md["error"] = lastErr.Error()
	}
	if err := o.append(ctx, sessionID, domain.SenderSystem, content, md); err != nil {
		return err
	}
	return ErrPollTimeout
}

// pollOnce performs one status check. A non-nil error with stepContinue is
// a storage failure and aborts the loop.
func (o *Orchestrator) pollOnce(ctx context.Context, sessionID int64, executionID string) (pollStep, error) {
	status, err := o.engine.Status(ctx, executionID)
	if err != nil {
		return stepTransportError, err
	}

	switch status.Status {
	case domain.ExecutionCompleted:
		result, err := o.engine.Result(ctx, executionID)
		if err != nil {
			return stepTransportError, err
		}
		metrics.PollOutcomes.WithLabelValues("completed").Inc()
		return stepDone, o.complete(ctx, sessionID, executionID, result)

	case domain.ExecutionFailed:
		metrics.PollOutcomes.WithLabelValues("failed").Inc()
		errMsg := status.ErrorMessage
		if errMsg == "" {
			errMsg = "Unknown error"
		}
		return stepDone, o.append(ctx, sessionID, domain.SenderSystem,
			"An error occurred while analysing the business idea.",
			domain.Metadata{"type": domain.MessageTypeError, "execution_id": executionID, "error": errMsg},
		)

	default:
		metrics.PollOutcomes.WithLabelValues("progress").Inc()
		total := status.TotalAgents
		if total <= 0 {
			total = wire.TotalAgents
		}
		stage := status.CurrentStage
		if stage == "" {
			stage = "Processing..."
		}
		return stepContinue, o.append(ctx, sessionID, domain.SenderAgent,
			fmt.Sprintf("Analysis in progress: %d/%d agents finished\n%s", status.AgentsCompleted, total, stage),
			domain.Metadata{
				"type":             domain.MessageTypeProgress,
				"execution_id":     executionID,
				"agents_completed": status.AgentsCompleted,
				"total_agents":     total,
				"progress":         float64(status.AgentsCompleted) / float64(total),
			},
		)
	}
}

// complete stores the report unless a callback already finished the
// session; the callback's report wins.
func (o *Orchestrator) complete(ctx context.Context, sessionID int64, executionID string, result *wire.ResultResponse) error {
	markdown := result.FinalReportMarkdown
	sections := []domain.ReportSection{{Title: ReportSectionTitle, HTML: wire.ReportHTML(markdown)}}

	changed, err := o.store.FinishSessionIfOpen(ctx, sessionID, markdown, sections)
	if err != nil {
		return fmt.Errorf("store report: %w", err)
	}
	if !changed {
		o.logger.Info("session already finished by callback, keeping its report",
			"session_id", sessionID, "execution_id", executionID)
		return nil
	}

	return o.append(ctx, sessionID, domain.SenderAgent,
		"Analysis complete! Here is your detailed report.",
		domain.Metadata{"type": domain.MessageTypeFinalReport, "execution_id": executionID},
	)
}

// SendUserMessage acknowledges a user message. Runs are autonomous, so the
// message does not influence the engine.
func (o *Orchestrator) SendUserMessage(ctx context.Context, sessionID, messageID int64) error {
	msg, err := o.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message %d: %w", messageID, err)
	}
	if msg.SessionID != sessionID {
		return fmt.Errorf("message %d does not belong to session %d: %w", messageID, sessionID, domain.ErrMessageNotFound)
	}

	return o.append(ctx, sessionID, domain.SenderAgent,
		"Message received! The analysis continues automatically; results will be ready soon.",
		domain.Metadata{"type": domain.MessageTypeAcknowledgment, "user_message_id": messageID},
	)
}

func (o *Orchestrator) append(ctx context.Context, sessionID int64, sender domain.Sender, content string, md domain.Metadata) error {
	msg := &domain.Message{SessionID: sessionID, Sender: sender, Content: content, Metadata: md}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append %s message: %w", md.String("type"), err)
	}
	return nil
}
