package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/klaus/pkg/models"
)

// AddMessage appends a message to the session's log and touches the
// session's updated_at in the same transaction.
func (s *Store) AddMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	metadata := "{}"
	if len(msg.Metadata) > 0 {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(encoded)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_name, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.ToolName, metadata, fmtTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), msg.SessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// GetMessages returns the first limit messages of the session,
// oldest-first.
func (s *Store) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_name, metadata, created_at
		 FROM messages WHERE session_id = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// GetRecentMessages returns the last limit messages of the session, still
// ordered oldest-first. Distinct from GetMessages, which returns the first
// limit messages.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, tool_name, metadata, created_at FROM (
			SELECT id, session_id, role, content, tool_name, metadata, created_at, rowid
			FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		 ) recent ORDER BY created_at ASC, rowid ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// CountMessages returns the number of messages in the session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg       models.Message
			role      string
			metadata  string
			createdAt string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.ToolName, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.CreatedAt = parseTime(createdAt)
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
