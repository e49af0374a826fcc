package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/validity/internal/domain"
)

func createAt(t *testing.T, r *Runner, status domain.ExecutionStatus, startedAt time.Time) string {
	t.Helper()
	ctx := context.Background()
	exec, err := r.Create(ctx, validRequest())
	require.NoError(t, err)
	switch status {
	case domain.ExecutionRunning:
		require.NoError(t, r.repo.MarkRunning(ctx, exec.ExecutionID, startedAt))
	case domain.ExecutionCompleted:
		require.NoError(t, r.repo.MarkRunning(ctx, exec.ExecutionID, startedAt))
		require.NoError(t, r.repo.MarkCompleted(ctx, exec.ExecutionID, nil, "done", time.Now()))
	}
	return exec.ExecutionID
}

func TestFailAbandoned(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestRunner(t, ctx, &fakeModel{}, nil)

	pending := createAt(t, r, domain.ExecutionPending, time.Time{})
	running := createAt(t, r, domain.ExecutionRunning, time.Now())
	done := createAt(t, r, domain.ExecutionCompleted, time.Now())

	require.NoError(t, FailAbandoned(ctx, repo, slog.Default()))

	for _, id := range []string{pending, running} {
		got, err := repo.GetExecution(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.ExecutionFailed, got.Status)
		require.Equal(t, "execution abandoned: engine restarted", got.ErrorMessage)
	}
	got, err := repo.GetExecution(ctx, done)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, got.Status)
}

func TestSweepStaleFailsOldRuns(t *testing.T) {
	ctx := context.Background()
	r, repo := newTestRunner(t, ctx, &fakeModel{}, nil)

	stale := createAt(t, r, domain.ExecutionRunning, time.Now().Add(-2*time.Hour))
	fresh := createAt(t, r, domain.ExecutionRunning, time.Now())
	pending := createAt(t, r, domain.ExecutionPending, time.Time{})

	sweepStale(ctx, repo, time.Hour, slog.Default())

	want := map[string]domain.ExecutionStatus{
		stale:   domain.ExecutionFailed,
		fresh:   domain.ExecutionRunning,
		pending: domain.ExecutionPending,
	}
	for id, status := range want {
		got, err := repo.GetExecution(ctx, id)
		require.NoError(t, err)
		require.Equal(t, status, got.Status, id)
	}
}

func TestStartSweeperFailsStaleRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r, repo := newTestRunner(t, context.Background(), &fakeModel{}, nil)
	stale := createAt(t, r, domain.ExecutionRunning, time.Now().Add(-2*time.Hour))

	StartSweeper(ctx, repo, 10*time.Millisecond, time.Hour, slog.Default())
	require.Eventually(t, func() bool {
		got, err := repo.GetExecution(context.Background(), stale)
		return err == nil && got.Status == domain.ExecutionFailed
	}, 5*time.Second, 10*time.Millisecond)
}
