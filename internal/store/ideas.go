package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/shared"
)

// CreateIdeaWithSession inserts an idea and its session atomically.
// The quota check runs inside the same IMMEDIATE transaction, so two
// concurrent requests of one user cannot both pass it.
func (s *SQLiteStore) CreateIdeaWithSession(ctx context.Context, idea *domain.Idea, window time.Duration) (*domain.Session, error) {
	var session *domain.Session
	err := shared.RetryOnConflict(ctx, s.retry, "create_idea", func() error {
		var err error
		session, err = s.createIdeaWithSessionOnce(ctx, idea, window)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) createIdeaWithSessionOnce(ctx context.Context, idea *domain.Idea, window time.Duration) (*domain.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin idea transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to rollback idea transaction", "error", rbErr)
		}
	}()

	now := s.now()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM subscriptions WHERE user_id = ?`, idea.OwnerID).Scan(&active)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read subscription: %w", err)
	}

	if !active {
		var recent int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM ideas WHERE owner_id = ? AND created_at >= ?`,
			idea.OwnerID, now.Add(-window).Unix(),
		).Scan(&recent)
		if err != nil {
			return nil, fmt.Errorf("count recent ideas: %w", err)
		}
		if recent > 0 {
			return nil, &domain.QuotaError{Window: window}
		}
	}

	metadata, err := encodeJSON(idea.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("encode idea metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ideas (owner_id, title, description, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		idea.OwnerID, idea.Title, idea.Description, metadata, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert idea: %w", err)
	}
	ideaID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("idea last insert id: %w", err)
	}

	res, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (idea_id, started_at) VALUES (?, ?)`, ideaID, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	sessionID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit idea transaction: %w", err)
	}

	idea.ID = ideaID
	idea.CreatedAt = time.Unix(now.Unix(), 0)
	if idea.Metadata == nil {
		idea.Metadata = domain.Metadata{}
	}

	return &domain.Session{
		ID:             sessionID,
		IdeaID:         ideaID,
		StartedAt:      idea.CreatedAt,
		ReportSections: []domain.ReportSection{},
	}, nil
}

const ideaColumns = `id, owner_id, title, description, metadata_json, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdea(row rowScanner) (*domain.Idea, error) {
	var idea domain.Idea
	var metadata string
	var createdAt int64
	if err := row.Scan(&idea.ID, &idea.OwnerID, &idea.Title, &idea.Description, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &idea.Metadata); err != nil {
		return nil, fmt.Errorf("decode idea metadata: %w", err)
	}
	if idea.Metadata == nil {
		idea.Metadata = domain.Metadata{}
	}
	idea.CreatedAt = time.Unix(createdAt, 0)
	return &idea, nil
}

// GetIdea retrieves an idea by ID.
func (s *SQLiteStore) GetIdea(ctx context.Context, ideaID int64) (*domain.Idea, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id = ?`, ideaID)
	idea, err := scanIdea(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrIdeaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan idea row: %w", err)
	}
	return idea, nil
}

// ListIdeas returns a user's ideas, newest first.
func (s *SQLiteStore) ListIdeas(ctx context.Context, ownerID int64) ([]*domain.Idea, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ideaColumns+` FROM ideas WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query ideas: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idea rows", "error", closeErr)
		}
	}()

	ideas := []*domain.Idea{}
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idea row: %w", err)
		}
		ideas = append(ideas, idea)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ideas: %w", err)
	}
	return ideas, nil
}

// UpdateIdeaMetadata replaces the metadata of an idea.
func (s *SQLiteStore) UpdateIdeaMetadata(ctx context.Context, ideaID int64, metadata domain.Metadata) error {
	encoded, err := encodeJSON(metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode idea metadata: %w", err)
	}
	return shared.RetryOnConflict(ctx, s.retry, "update_idea_metadata", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE ideas SET metadata_json = ? WHERE id = ?`, encoded, ideaID)
		if err != nil {
			return fmt.Errorf("update idea metadata: %w", err)
		}
		n, err := rowsAffected(res, "update_idea_metadata")
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrIdeaNotFound
		}
		return nil
	})
}

// DeleteIdea removes an idea; its session and messages cascade.
func (s *SQLiteStore) DeleteIdea(ctx context.Context, ideaID int64) error {
	return shared.RetryOnConflict(ctx, s.retry, "delete_idea", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM ideas WHERE id = ?`, ideaID)
		if err != nil {
			return fmt.Errorf("delete idea: %w", err)
		}
		n, err := rowsAffected(res, "delete_idea")
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrIdeaNotFound
		}
		return nil
	})
}

const sessionColumns = `id, idea_id, started_at, finished, agent_run_id, report, report_sections_json`

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var startedAt int64
	var sections string
	if err := row.Scan(&session.ID, &session.IdeaID, &startedAt, &session.Finished,
		&session.AgentRunID, &session.Report, &sections); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sections), &session.ReportSections); err != nil {
		return nil, fmt.Errorf("decode report sections: %w", err)
	}
	if session.ReportSections == nil {
		session.ReportSections = []domain.ReportSection{}
	}
	session.StartedAt = time.Unix(startedAt, 0)
	return &session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID int64) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// GetSessionByIdea retrieves the session attached to an idea.
func (s *SQLiteStore) GetSessionByIdea(ctx context.Context, ideaID int64) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE idea_id = ?`, ideaID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// SessionOwner returns the owner of the session's idea.
func (s *SQLiteStore) SessionOwner(ctx context.Context, sessionID int64) (int64, error) {
	var ownerID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT i.owner_id FROM sessions s JOIN ideas i ON i.id = s.idea_id WHERE s.id = ?`, sessionID,
	).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query session owner: %w", err)
	}
	return ownerID, nil
}

// SetAgentRunID stores the engine execution id on the session.
func (s *SQLiteStore) SetAgentRunID(ctx context.Context, sessionID int64, runID string) error {
	return shared.RetryOnConflict(ctx, s.retry, "set_agent_run_id", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE sessions SET agent_run_id = ? WHERE id = ?`, runID, sessionID)
		if err != nil {
			return fmt.Errorf("update agent_run_id: %w", err)
		}
		n, err := rowsAffected(res, "set_agent_run_id")
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrSessionNotFound
		}
		return nil
	})
}

// FinishSessionIfOpen stores the report only while the session is unfinished.
func (s *SQLiteStore) FinishSessionIfOpen(ctx context.Context, sessionID int64, report string, sections []domain.ReportSection) (bool, error) {
	encoded, err := encodeJSON(sections, "[]")
	if err != nil {
		return false, fmt.Errorf("encode report sections: %w", err)
	}

	var changed bool
	err = shared.RetryOnConflict(ctx, s.retry, "finish_session_if_open", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET report = ?, report_sections_json = ?, finished = 1 WHERE id = ? AND finished = 0`,
			report, encoded, sessionID)
		if err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		n, err := rowsAffected(res, "finish_session_if_open")
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// FinishSession stores the report and marks the session finished.
func (s *SQLiteStore) FinishSession(ctx context.Context, sessionID int64, report string, sections []domain.ReportSection) error {
	encoded, err := encodeJSON(sections, "[]")
	if err != nil {
		return fmt.Errorf("encode report sections: %w", err)
	}
	return shared.RetryOnConflict(ctx, s.retry, "finish_session", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET report = ?, report_sections_json = ?, finished = 1 WHERE id = ?`,
			report, encoded, sessionID)
		if err != nil {
			return fmt.Errorf("finish session: %w", err)
		}
		n, err := rowsAffected(res, "finish_session")
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrSessionNotFound
		}
		return nil
	})
}
