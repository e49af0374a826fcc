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

const messageColumns = `m.id, m.session_id, m.sender, m.content, m.metadata_json, m.created_at`

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var metadata string
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Content, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	if msg.Metadata == nil {
		msg.Metadata = domain.Metadata{}
	}
	msg.CreatedAt = time.Unix(createdAt, 0)
	return &msg, nil
}

// AppendMessage inserts a message and sets its ID and CreatedAt.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if !msg.Sender.Valid() {
		return fmt.Errorf("append message: unknown sender %q", msg.Sender)
	}
	metadata, err := encodeJSON(msg.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	createdAt := s.now()

	return shared.RetryOnConflict(ctx, s.retry, "append_message", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (session_id, sender, content, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.SessionID, string(msg.Sender), msg.Content, metadata, createdAt.Unix(),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrSessionNotFound
			}
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message last insert id: %w", err)
		}
		msg.ID = id
		msg.CreatedAt = time.Unix(createdAt.Unix(), 0)
		if msg.Metadata == nil {
			msg.Metadata = domain.Metadata{}
		}
		return nil
	})
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// ListMessages returns messages of one session ordered by creation.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID int64) ([]*domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.session_id = ? ORDER BY m.created_at, m.id`,
		sessionID)
}

// ListMessagesForOwner returns the messages visible to a user.
func (s *SQLiteStore) ListMessagesForOwner(ctx context.Context, ownerID, sessionID int64) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		JOIN ideas i ON i.id = s.idea_id
		WHERE i.owner_id = ?`
	args := []any{ownerID}
	if sessionID > 0 {
		query += ` AND m.session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY m.created_at, m.id`
	return s.queryMessages(ctx, query, args...)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []*domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
