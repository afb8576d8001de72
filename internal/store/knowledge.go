package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/klaus/pkg/models"
)

// SetKnowledge upserts a key-value fact. An empty category defaults to
// "general".
func (s *Store) SetKnowledge(ctx context.Context, key, value, category string) error {
	if category == "" {
		category = "general"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (key, value, category, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, category = excluded.category, updated_at = excluded.updated_at`,
		key, value, category, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set knowledge: %w", err)
	}
	return nil
}

// GetKnowledge fetches one fact by key. Returns ErrNotFound when absent.
func (s *Store) GetKnowledge(ctx context.Context, key string) (*models.KnowledgeEntry, error) {
	var (
		entry     models.KnowledgeEntry
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, updated_at FROM knowledge WHERE key = ?`, key).
		Scan(&entry.Key, &entry.Value, &entry.Category, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("knowledge %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get knowledge: %w", err)
	}
	entry.UpdatedAt = parseTime(updatedAt)
	return &entry, nil
}

// ListKnowledge returns facts, optionally filtered by category, most
// recently updated first.
func (s *Store) ListKnowledge(ctx context.Context, category string) ([]models.KnowledgeEntry, error) {
	query := `SELECT key, value, category, updated_at FROM knowledge`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	defer rows.Close()

	entries := make([]models.KnowledgeEntry, 0)
	for rows.Next() {
		var (
			entry     models.KnowledgeEntry
			updatedAt string
		)
		if err := rows.Scan(&entry.Key, &entry.Value, &entry.Category, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		entry.UpdatedAt = parseTime(updatedAt)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteKnowledge removes one fact. Returns ErrNotFound when absent.
func (s *Store) DeleteKnowledge(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete knowledge: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("knowledge %s: %w", key, ErrNotFound)
	}
	return nil
}

// ClearKnowledge removes facts, optionally scoped to one category. Returns
// the number removed.
func (s *Store) ClearKnowledge(ctx context.Context, category string) (int64, error) {
	query := `DELETE FROM knowledge`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear knowledge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
