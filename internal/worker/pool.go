// Package worker runs background tasks taken from a queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/validity/internal/agent"
	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/metrics"
	"github.com/ashureev/validity/internal/queue"
)

const dequeueRetryDelay = time.Second

// Handler executes tasks. agent.Orchestrator satisfies it.
type Handler interface {
	StartSession(ctx context.Context, sessionID int64) error
	SendUserMessage(ctx context.Context, sessionID, messageID int64) error
}

// FailureRecorder records task failures on the session they belong to.
type FailureRecorder interface {
	GetSession(ctx context.Context, sessionID int64) (*domain.Session, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// Pool consumes a queue with a fixed number of goroutines.
type Pool struct {
	queue       queue.Queue
	handler     Handler
	recorder    FailureRecorder
	concurrency int
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewPool creates a pool. concurrency below 1 is treated as 1.
func NewPool(q queue.Queue, handler Handler, recorder FailureRecorder, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:       q,
		handler:     handler,
		recorder:    recorder,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Start launches the consumers. They stop when ctx is done or the queue is
// closed; use Wait to block until they have returned.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Worker pool started", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.consume(ctx, id)
		}(i)
	}
}

// Wait blocks until every consumer has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				p.logger.Debug("Worker shutting down", "worker", id, "reason", err)
				return
			}
			p.logger.Warn("Dequeue failed, retrying", "worker", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueRetryDelay):
			}
			continue
		}
		p.Process(ctx, task)
	}
}

// Process runs a single task and records its outcome. Failures are logged,
// never retried.
func (p *Pool) Process(ctx context.Context, task queue.Task) {
	logger := p.logger.With("kind", task.Kind, "session_id", task.SessionID)
	start := time.Now()

	err := p.dispatch(ctx, task)
	if err == nil {
		metrics.QueueTasks.WithLabelValues(string(task.Kind), "ok").Inc()
		logger.Info("Task finished", "duration", time.Since(start))
		return
	}

	metrics.QueueTasks.WithLabelValues(string(task.Kind), "error").Inc()
	logger.Error("Task failed", "error", err, "duration", time.Since(start))

	if task.Kind == queue.KindStartSession && !alreadyRecorded(err) {
		p.recordFailure(ctx, task, err)
	}
}

func (p *Pool) dispatch(ctx context.Context, task queue.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	switch task.Kind {
	case queue.KindStartSession:
		return p.handler.StartSession(ctx, task.SessionID)
	case queue.KindSendUserMessage:
		return p.handler.SendUserMessage(ctx, task.SessionID, task.MessageID)
	default:
		return fmt.Errorf("unhandled task kind %q", task.Kind)
	}
}

// alreadyRecorded reports errors the orchestrator has written to the
// session itself, and cancellations that should leave no trace.
func alreadyRecorded(err error) bool {
	return errors.Is(err, agent.ErrStartFailed) ||
		errors.Is(err, agent.ErrPollTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrSessionNotFound)
}

func (p *Pool) recordFailure(ctx context.Context, task queue.Task, taskErr error) {
	if p.recorder == nil {
		return
	}
	if _, err := p.recorder.GetSession(ctx, task.SessionID); err != nil {
		p.logger.Debug("Session gone, not recording task failure", "session_id", task.SessionID, "error", err)
		return
	}
	msg := &domain.Message{
		SessionID: task.SessionID,
		Sender:    domain.SenderSystem,
		Content:   fmt.Sprintf("Background task failed: %v", taskErr),
		Metadata: domain.Metadata{
			"type":  domain.MessageTypeError,
			"task":  string(task.Kind),
			"error": taskErr.Error(),
		},
	}
	if err := p.recorder.AppendMessage(ctx, msg); err != nil {
		p.logger.Warn("Failed to record task failure", "session_id", task.SessionID, "error", err)
	}
}
