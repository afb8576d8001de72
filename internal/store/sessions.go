package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/klaus/pkg/models"
)

// maxSummaryLen bounds a persisted session summary.
const maxSummaryLen = 500

// searchRecentMessages bounds the message scan in SearchSessions. Unbounded
// scans over the message log are forbidden.
const searchRecentMessages = 500

// CreateSession inserts a new session. Fails with ErrAlreadyExists when the
// id is taken.
func (s *Store) CreateSession(ctx context.Context, id, workspaceDir string) (*models.Session, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_dir, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, workspaceDir, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, fmt.Errorf("create session %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &models.Session{
		ID:           id,
		WorkspaceDir: workspaceDir,
		Tags:         []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetSession fetches a session by id. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_dir, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns up to limit sessions, pinned first, most recently
// updated first within each group.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_dir, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at
		 FROM sessions ORDER BY pinned DESC, updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// SearchSessions matches query against session summaries and against the
// content of the most recent messages across the store, deduplicated by
// session id, most recently updated first.
func (s *Store) SearchSessions(ctx context.Context, query string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_dir, summary, input_tokens, output_tokens, pinned, tags, created_at, updated_at
		 FROM sessions WHERE id IN (
			SELECT id FROM sessions WHERE summary LIKE ?
			UNION
			SELECT session_id FROM (
				SELECT session_id, content FROM messages ORDER BY created_at DESC, rowid DESC LIMIT ?
			) recent WHERE recent.content LIKE ?
		 )
		 ORDER BY updated_at DESC LIMIT ?`,
		pattern, searchRecentMessages, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// UpdateSessionSummary sets the session's one-line summary, truncated to
// 500 chars, and touches updated_at.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	if len(summary) > maxSummaryLen {
		summary = summary[:maxSummaryLen]
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`,
		summary, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	return requireRow(res, id)
}

// AddSessionTokens adds to the session's denormalised token totals.
func (s *Store) addSessionTokens(ctx context.Context, tx *sql.Tx, id string, inputTokens, outputTokens int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		 WHERE id = ?`,
		inputTokens, outputTokens, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session tokens: %w", err)
	}
	return requireRow(res, id)
}

// TogglePin flips the pinned flag and returns the new value.
func (s *Store) TogglePin(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET pinned = 1 - pinned, updated_at = ? WHERE id = ?`,
		fmtTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("toggle pin: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return false, err
	}

	var pinned int
	if err := s.db.QueryRowContext(ctx, `SELECT pinned FROM sessions WHERE id = ?`, id).Scan(&pinned); err != nil {
		return false, fmt.Errorf("toggle pin: %w", err)
	}
	return pinned != 0, nil
}

// SetTags replaces the session's tag set. Tags are deduplicated and
// length-bounded; invalid entries are dropped silently.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) ([]string, error) {
	normalized := models.NormalizeTags(tags)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET tags = ?, updated_at = ? WHERE id = ?`,
		string(encoded), fmtTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("set tags: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return nil, err
	}
	return normalized, nil
}

// AddTag appends one tag to the session's tag set.
func (s *Store) AddTag(ctx context.Context, id, tag string) ([]string, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.SetTags(ctx, id, append(session.Tags, tag))
}

// RemoveTag removes one tag from the session's tag set.
func (s *Store) RemoveTag(ctx context.Context, id, tag string) ([]string, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(session.Tags))
	for _, t := range session.Tags {
		if t != tag {
			tags = append(tags, t)
		}
	}
	return s.SetTags(ctx, id, tags)
}

// DeleteSession removes a session; messages, tool calls, and token usage
// cascade. Returns ErrNotFound when absent.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res, id)
}

// ClearSessions deletes every session, cascading to children. Returns the
// number of sessions removed.
func (s *Store) ClearSessions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("clear sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireIdleSessions deletes unpinned sessions idle for longer than ttl.
// Returns the number of sessions removed.
func (s *Store) ExpireIdleSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := fmtTime(time.Now().Add(-ttl))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE pinned = 0 AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire idle sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ClearAll wipes sessions (with cascades) and knowledge. Returns the total
// number of rows removed from the two parent tables.
func (s *Store) ClearAll(ctx context.Context) (int64, error) {
	sessions, err := s.ClearSessions(ctx)
	if err != nil {
		return 0, err
	}
	knowledge, err := s.ClearKnowledge(ctx, "")
	if err != nil {
		return sessions, err
	}
	return sessions + knowledge, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session            models.Session
		pinned             int
		tagsJSON           string
		createdAt, updated string
	)
	err := row.Scan(&session.ID, &session.WorkspaceDir, &session.Summary,
		&session.InputTokens, &session.OutputTokens, &pinned, &tagsJSON,
		&createdAt, &updated)
	if err != nil {
		return nil, err
	}
	session.Pinned = pinned != 0
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(tagsJSON), &session.Tags); err != nil {
		session.Tags = []string{}
	}
	return &session, nil
}

func collectSessions(rows *sql.Rows) ([]*models.Session, error) {
	sessions := make([]*models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}
