package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/klaus/pkg/models"
)

// fileChangeTools are the tool names whose records represent workspace
// mutations, surfaced by GetFileChanges.
var fileChangeTools = []string{"write_file", "apply_patch", "delete_file", "git_checkpoint"}

// RecordToolCall appends one tool invocation to the log.
func (s *Store) RecordToolCall(ctx context.Context, rec *models.ToolCallRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, session_id, tool_name, input, output, success, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.ToolName, rec.Input, rec.Output,
		boolToInt(rec.Success), rec.DurationMs, fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// GetToolCallStats aggregates the tool-call log per tool name. An empty
// sessionID aggregates across all sessions.
func (s *Store) GetToolCallStats(ctx context.Context, sessionID string) ([]models.ToolCallStats, error) {
	query := `SELECT tool_name, COUNT(*), SUM(success), AVG(duration_ms)
		 FROM tool_calls`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY tool_name ORDER BY COUNT(*) DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tool call stats: %w", err)
	}
	defer rows.Close()

	stats := make([]models.ToolCallStats, 0)
	for rows.Next() {
		var st models.ToolCallStats
		if err := rows.Scan(&st.ToolName, &st.Calls, &st.Successes, &st.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("scan tool call stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// GetFileChanges returns the workspace-mutating tool calls in chronological
// order, with the target file path extracted from each stored input. An
// empty sessionID spans all sessions.
func (s *Store) GetFileChanges(ctx context.Context, sessionID string) ([]models.FileChange, error) {
	query := `SELECT tool_name, input, success, created_at FROM tool_calls
		 WHERE tool_name IN (?, ?, ?, ?)`
	args := []any{fileChangeTools[0], fileChangeTools[1], fileChangeTools[2], fileChangeTools[3]}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("file changes: %w", err)
	}
	defer rows.Close()

	changes := make([]models.FileChange, 0)
	for rows.Next() {
		var (
			change    models.FileChange
			input     string
			success   int
			createdAt string
		)
		if err := rows.Scan(&change.ToolName, &input, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("scan file change: %w", err)
		}
		change.Success = success != 0
		change.CreatedAt = parseTime(createdAt)
		change.FilePath = extractFilePath(input)
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// extractFilePath pulls the target path out of a serialized tool input.
func extractFilePath(input string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(input), &fields); err != nil {
		return ""
	}
	for _, key := range []string{"path", "file_path", "filePath"} {
		if v, ok := fields[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
