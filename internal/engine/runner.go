package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/metrics"
	"github.com/ashureev/validity/internal/store"
	"github.com/ashureev/validity/internal/wire"
)

const notifyTimeout = 30 * time.Second

// Runner owns the lifecycle of executions: it creates them, runs the
// pipeline in the background and records every outcome.
type Runner struct {
	repo     store.ExecutionRepository
	pipeline *Pipeline
	notifier Notifier
	logger   *slog.Logger

	// base bounds every background run; cancelling it fails running
	// executions.
	base   context.Context
	maxRun time.Duration
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewRunner creates a runner whose background runs live until base is done
// or maxRun elapses. A zero maxRun leaves runs unbounded. notifier may be nil.
func NewRunner(base context.Context, repo store.ExecutionRepository, pipeline *Pipeline, notifier Notifier, maxRun time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		repo:     repo,
		pipeline: pipeline,
		notifier: notifier,
		logger:   logger,
		base:     base,
		maxRun:   maxRun,
		now:      time.Now,
	}
}

// Create stores a new pending execution for req.
func (r *Runner) Create(ctx context.Context, req *wire.ValidateRequest) (*domain.Execution, error) {
	if err := req.UserContext.Validate(); err != nil {
		return nil, err
	}
	exec := &domain.Execution{
		ExecutionID: uuid.NewString(),
		Status:      domain.ExecutionPending,
		Topic:       req.Topic,
		UserContext: req.UserContext,
		WebhookURL:  req.WebhookURL,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.repo.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, nil
}

// Submit creates an execution and runs it in the background.
func (r *Runner) Submit(ctx context.Context, req *wire.ValidateRequest) (*domain.Execution, error) {
	exec, err := r.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Execute(r.base, exec)
	}()

	r.logger.Info("Validation started", "execution_id", exec.ExecutionID, "topic", exec.Topic)
	return exec, nil
}

// Wait blocks until all background runs have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Execute runs the pipeline for a pending execution and records the
// outcome. It returns the run error, if any, after the execution has been
// marked failed.
func (r *Runner) Execute(ctx context.Context, exec *domain.Execution) (err error) {
	id := exec.ExecutionID
	logger := r.logger.With("execution_id", id)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			logger.Error("Pipeline panicked", "panic", rec)
			r.fail(ctx, exec, err)
		}
	}()

	startedAt := r.now().UTC()
	if err := r.repo.MarkRunning(ctx, id, startedAt); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Warn("Execution is no longer pending, not running it")
			return err
		}
		r.fail(ctx, exec, err)
		return err
	}
	metrics.RunningExecutions.Inc()
	defer metrics.RunningExecutions.Dec()

	if r.maxRun > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.maxRun)
		defer cancel()
	}

	obs := &recordingObserver{runner: r, executionID: id, logger: logger}
	result, err := r.pipeline.Run(ctx, exec.Topic, exec.UserContext, obs)
	if err != nil {
		logger.Error("Validation failed", "error", err)
		r.fail(ctx, exec, err)
		return err
	}

	report, err := newFinalReport(result.Report)
	if err != nil {
		r.fail(ctx, exec, err)
		return err
	}
	completedAt := r.now().UTC()
	if err := r.repo.MarkCompleted(ctx, id, report, result.Report, completedAt); err != nil {
		logger.Error("Failed to mark execution completed", "error", err)
		if !errors.Is(err, domain.ErrInvalidTransition) {
			r.fail(ctx, exec, err)
		}
		return err
	}

	m := &domain.ValidationMetrics{
		ExecutionID:              id,
		AgentsCount:              wire.TotalAgents,
		TotalTokensUsed:          result.TotalTokens,
		ExecutionDurationSeconds: int64(completedAt.Sub(startedAt).Seconds()),
		ReportCompletenessScore:  100,
		CreatedAt:                completedAt,
	}
	if err := r.repo.SaveMetrics(ctx, m); err != nil {
		logger.Warn("Failed to save validation metrics", "error", err)
	}

	metrics.ExecutionOutcomes.WithLabelValues(string(domain.ExecutionCompleted)).Inc()
	logger.Info("Validation completed",
		"tokens", result.TotalTokens,
		"duration", completedAt.Sub(startedAt))
	r.notify(ctx, id)
	return nil
}

// fail marks the execution failed. It runs detached from ctx so a shutdown
// still leaves a terminal status behind.
func (r *Runner) fail(ctx context.Context, exec *domain.Execution, cause error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := r.repo.MarkFailed(dctx, exec.ExecutionID, cause.Error(), r.now().UTC()); err != nil {
		r.logger.Error("Failed to mark execution failed",
			"execution_id", exec.ExecutionID, "error", err)
		return
	}
	metrics.ExecutionOutcomes.WithLabelValues(string(domain.ExecutionFailed)).Inc()
	r.notify(dctx, exec.ExecutionID)
}

func (r *Runner) notify(ctx context.Context, id string) {
	if r.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	exec, err := r.repo.GetExecution(nctx, id)
	if err != nil {
		r.logger.Error("Failed to load execution for callback", "execution_id", id, "error", err)
		return
	}
	if err := r.notifier.Notify(nctx, exec); err != nil {
		r.logger.Warn("Callback delivery failed", "execution_id", id, "error", err)
	}
}

// agentResultData is stored as AgentResult.ResultData.
type agentResultData struct {
	Output string `json:"output"`
	Tokens struct {
		Input  int64 `json:"input"`
		Output int64 `json:"output"`
	} `json:"tokens"`
}

type recordingObserver struct {
	runner      *Runner
	executionID string
	logger      *slog.Logger
}

func (o *recordingObserver) StageStarted(_ context.Context, d Descriptor, _ time.Time) {
	o.logger.Info("Agent started", "agent", d.Name)
}

func (o *recordingObserver) StageFinished(ctx context.Context, out StageOutput) {
	d := out.Descriptor
	started, completed := out.StartedAt.UTC(), out.CompletedAt.UTC()
	res := &domain.AgentResult{
		ExecutionID: o.executionID,
		AgentName:   d.Name,
		Category:    d.Category,
		StartedAt:   &started,
		CompletedAt: &completed,
	}

	status := domain.AgentCompleted
	if out.Err != nil {
		status = domain.AgentFailed
		res.ErrorMessage = out.Err.Error()
	} else {
		var data agentResultData
		data.Output = out.Text
		data.Tokens.Input = out.InputTokens
		data.Tokens.Output = out.OutputTokens
		raw, err := json.Marshal(data)
		if err == nil {
			res.ResultData = raw
		}
		metrics.TokensUsed.WithLabelValues(d.Name, "input").Add(float64(out.InputTokens))
		metrics.TokensUsed.WithLabelValues(d.Name, "output").Add(float64(out.OutputTokens))
	}
	res.Status = status
	metrics.AgentDuration.WithLabelValues(d.Name, string(status)).Observe(completed.Sub(started).Seconds())

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := o.runner.repo.SaveAgentResult(sctx, res); err != nil {
		o.logger.Error("Failed to save agent result", "agent", d.Name, "error", err)
		return
	}
	o.logger.Info("Agent finished", "agent", d.Name, "status", status, "tokens", out.Tokens())
}
