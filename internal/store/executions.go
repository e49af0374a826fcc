package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/shared"
)

// ExecutionStore implements ExecutionRepository using SQLite.
type ExecutionStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewExecutionSQLite creates the engine's SQLite-backed repository.
func NewExecutionSQLite(dbPath string) (*ExecutionStore, error) {
	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	store := &ExecutionStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *ExecutionStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS validation_executions (
		execution_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		topic TEXT NOT NULL,
		user_context_json TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		final_report_json TEXT,
		final_report_markdown TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON validation_executions(status, started_at);

	CREATE TABLE IF NOT EXISTS agent_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL REFERENCES validation_executions(execution_id),
		agent_name TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		result_data_json TEXT,
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_agent_results_execution ON agent_results(execution_id);

	CREATE TABLE IF NOT EXISTS validation_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL UNIQUE REFERENCES validation_executions(execution_id),
		agents_count INTEGER NOT NULL,
		total_tokens_used INTEGER NOT NULL,
		execution_duration_seconds INTEGER NOT NULL,
		report_completeness_score INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *ExecutionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *ExecutionStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateExecution inserts a new execution in the pending state.
func (s *ExecutionStore) CreateExecution(ctx context.Context, exec *domain.Execution) error {
	userContext, err := json.Marshal(exec.UserContext)
	if err != nil {
		return fmt.Errorf("encode user context: %w", err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	exec.Status = domain.ExecutionPending

	return shared.RetryOnConflict(ctx, s.retry, "create_execution", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO validation_executions (execution_id, status, topic, user_context_json, webhook_url, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			exec.ExecutionID, string(exec.Status), exec.Topic, string(userContext), exec.WebhookURL, exec.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		return nil
	})
}

// GetExecution retrieves an execution by ID.
func (s *ExecutionStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, status, topic, user_context_json, webhook_url, created_at,
		       started_at, completed_at, final_report_json, final_report_markdown, error_message
		FROM validation_executions WHERE execution_id = ?`, executionID)

	var exec domain.Execution
	var userContext string
	var createdAt int64
	var startedAt, completedAt sql.NullInt64
	var finalReport sql.NullString

	err := row.Scan(&exec.ExecutionID, &exec.Status, &exec.Topic, &userContext, &exec.WebhookURL, &createdAt,
		&startedAt, &completedAt, &finalReport, &exec.FinalReportMarkdown, &exec.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution row: %w", err)
	}

	if err := json.Unmarshal([]byte(userContext), &exec.UserContext); err != nil {
		return nil, fmt.Errorf("decode user context: %w", err)
	}
	exec.CreatedAt = time.Unix(createdAt, 0)
	exec.StartedAt = timePtr(startedAt)
	exec.CompletedAt = timePtr(completedAt)
	if finalReport.Valid && finalReport.String != "" {
		exec.FinalReport = json.RawMessage(finalReport.String)
	}
	return &exec, nil
}

// MarkRunning moves a pending execution to running.
func (s *ExecutionStore) MarkRunning(ctx context.Context, executionID string, at time.Time) error {
	return s.transition(ctx, executionID, domain.ExecutionRunning,
		"started_at = ?", at.Unix())
}

// MarkCompleted moves a running execution to completed and stores the report.
func (s *ExecutionStore) MarkCompleted(ctx context.Context, executionID string, report json.RawMessage, markdown string, at time.Time) error {
	var reportJSON any
	if len(report) > 0 {
		reportJSON = string(report)
	}
	return s.transition(ctx, executionID, domain.ExecutionCompleted,
		"completed_at = ?, final_report_json = ?, final_report_markdown = ?",
		at.Unix(), reportJSON, markdown)
}

// MarkFailed moves a pending or running execution to failed.
func (s *ExecutionStore) MarkFailed(ctx context.Context, executionID string, errMsg string, at time.Time) error {
	return s.transition(ctx, executionID, domain.ExecutionFailed,
		"completed_at = ?, error_message = ?", at.Unix(), errMsg)
}

// transition applies a status change only from an allowed predecessor.
// The WHERE clause makes the check and the write one atomic statement.
func (s *ExecutionStore) transition(ctx context.Context, executionID string, next domain.ExecutionStatus, set string, args ...any) error {
	from := domain.PredecessorsOf(next)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	query := `UPDATE validation_executions SET status = ?, ` + set +
		` WHERE execution_id = ? AND status IN (` + placeholders + `)`

	params := make([]any, 0, len(args)+len(from)+2)
	params = append(params, string(next))
	params = append(params, args...)
	params = append(params, executionID)
	for _, f := range from {
		params = append(params, string(f))
	}

	var n int64
	err := shared.RetryOnConflict(ctx, s.retry, "transition_"+string(next), func() error {
		res, err := s.db.ExecContext(ctx, query, params...)
		if err != nil {
			return fmt.Errorf("update execution status: %w", err)
		}
		n, err = rowsAffected(res, "transition_"+string(next))
		return err
	})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s -> %s: %w", current.Status, next, domain.ErrInvalidTransition)
}

// SaveAgentResult records the outcome of one agent.
func (s *ExecutionStore) SaveAgentResult(ctx context.Context, result *domain.AgentResult) error {
	var resultData any
	if len(result.ResultData) > 0 {
		resultData = string(result.ResultData)
	}

	return shared.RetryOnConflict(ctx, s.retry, "save_agent_result", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_results (execution_id, agent_name, stage, status, started_at, completed_at, result_data_json, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			result.ExecutionID, result.AgentName, string(result.Category), string(result.Status),
			unixOrNil(result.StartedAt), unixOrNil(result.CompletedAt), resultData, result.ErrorMessage,
		)
		if err != nil {
			return fmt.Errorf("insert agent result: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("agent result last insert id: %w", err)
		}
		result.ID = id
		return nil
	})
}

// ListAgentResults returns the agent results of an execution in insertion order.
func (s *ExecutionStore) ListAgentResults(ctx context.Context, executionID string) ([]*domain.AgentResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, agent_name, stage, status, started_at, completed_at, result_data_json, error_message
		FROM agent_results WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query agent results: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close agent result rows", "error", closeErr)
		}
	}()

	results := []*domain.AgentResult{}
	for rows.Next() {
		var r domain.AgentResult
		var startedAt, completedAt sql.NullInt64
		var resultData sql.NullString
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.AgentName, &r.Category, &r.Status,
			&startedAt, &completedAt, &resultData, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scan agent result row: %w", err)
		}
		r.StartedAt = timePtr(startedAt)
		r.CompletedAt = timePtr(completedAt)
		if resultData.Valid && resultData.String != "" {
			r.ResultData = json.RawMessage(resultData.String)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent results: %w", err)
	}
	return results, nil
}

// CountCompletedAgents returns how many agents of an execution completed.
func (s *ExecutionStore) CountCompletedAgents(ctx context.Context, executionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_results WHERE execution_id = ? AND status = ?`,
		executionID, string(domain.AgentCompleted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed agents: %w", err)
	}
	return n, nil
}

// SaveMetrics records the metrics of a successful execution.
func (s *ExecutionStore) SaveMetrics(ctx context.Context, m *domain.ValidationMetrics) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return shared.RetryOnConflict(ctx, s.retry, "save_metrics", func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO validation_metrics (execution_id, agents_count, total_tokens_used, execution_duration_seconds, report_completeness_score, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ExecutionID, m.AgentsCount, m.TotalTokensUsed, m.ExecutionDurationSeconds, m.ReportCompletenessScore, m.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert metrics: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("metrics last insert id: %w", err)
		}
		m.ID = id
		return nil
	})
}

// GetMetrics returns the metrics of an execution, or nil if none were written.
func (s *ExecutionStore) GetMetrics(ctx context.Context, executionID string) (*domain.ValidationMetrics, error) {
	var m domain.ValidationMetrics
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, agents_count, total_tokens_used, execution_duration_seconds, report_completeness_score, created_at
		FROM validation_metrics WHERE execution_id = ?`, executionID,
	).Scan(&m.ID, &m.ExecutionID, &m.AgentsCount, &m.TotalTokensUsed, &m.ExecutionDurationSeconds, &m.ReportCompletenessScore, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan metrics row: %w", err)
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}

// FailNonTerminal marks every pending or running execution failed.
func (s *ExecutionStore) FailNonTerminal(ctx context.Context, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_executions SET status = ?, completed_at = ?, error_message = ?
		WHERE status IN (?, ?)`,
		string(domain.ExecutionFailed), time.Now().Unix(), errMsg,
		string(domain.ExecutionPending), string(domain.ExecutionRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("fail non-terminal executions: %w", err)
	}
	return rowsAffected(res, "fail_non_terminal")
}

// FailStaleRunning marks running executions started before cutoff failed.
func (s *ExecutionStore) FailStaleRunning(ctx context.Context, cutoff time.Time, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE validation_executions SET status = ?, completed_at = ?, error_message = ?
		WHERE status = ? AND started_at < ?`,
		string(domain.ExecutionFailed), time.Now().Unix(), errMsg,
		string(domain.ExecutionRunning), cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale executions: %w", err)
	}
	return rowsAffected(res, "fail_stale_running")
}
