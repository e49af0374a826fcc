package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/validity/internal/store"
)

const (
	abandonedMessage = "execution abandoned: engine restarted"
	staleMessage     = "execution exceeded maximum run duration"
)

// FailAbandoned marks executions left unfinished by a previous process as
// failed. It must run before the engine accepts new work.
func FailAbandoned(ctx context.Context, repo store.ExecutionRepository, logger *slog.Logger) error {
	n, err := repo.FailNonTerminal(ctx, abandonedMessage)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Warn("Marked abandoned executions failed", "count", n)
	}
	return nil
}

// StartSweeper periodically fails running executions older than maxRun.
func StartSweeper(ctx context.Context, repo store.ExecutionRepository, interval, maxRun time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		logger.Info("Execution sweeper started", "interval", interval, "max_run", maxRun)

		for {
			select {
			case <-ticker.C:
				sweepStale(ctx, repo, maxRun, logger)
			case <-ctx.Done():
				logger.Info("Execution sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepStale(ctx context.Context, repo store.ExecutionRepository, maxRun time.Duration, logger *slog.Logger) {
	n, err := repo.FailStaleRunning(ctx, time.Now().Add(-maxRun), staleMessage)
	if err != nil {
		logger.Error("Execution sweeper failed", "error", err)
		return
	}
	if n > 0 {
		logger.Warn("Execution sweeper failed stale executions", "count", n)
	}
}
