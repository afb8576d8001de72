package store

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/klaus/pkg/models"
)

// RecordTokenUsage appends a ledger entry and updates the session's
// denormalised totals in the same transaction.
func (s *Store) RecordTokenUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int64, model string) error {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO token_usage (session_id, input_tokens, output_tokens, model, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, inputTokens, outputTokens, model, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record token usage: %w", err)
	}

	if err := s.addSessionTokens(ctx, tx, sessionID, inputTokens, outputTokens); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit token usage: %w", err)
	}
	return nil
}

// GetSessionTokenUsage sums the ledger for one session, with per-row cost
// estimation.
func (s *Store) GetSessionTokenUsage(ctx context.Context, sessionID string) (models.TokenUsageTotals, error) {
	return s.sumUsage(ctx,
		`SELECT input_tokens, output_tokens, model FROM token_usage WHERE session_id = ?`,
		sessionID)
}

// GetTotalTokenUsage sums the ledger across all sessions.
func (s *Store) GetTotalTokenUsage(ctx context.Context) (models.TokenUsageTotals, error) {
	return s.sumUsage(ctx,
		`SELECT input_tokens, output_tokens, model FROM token_usage`)
}

func (s *Store) sumUsage(ctx context.Context, query string, args ...any) (models.TokenUsageTotals, error) {
	var totals models.TokenUsageTotals

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return totals, fmt.Errorf("token usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			input, output int64
			model         string
		)
		if err := rows.Scan(&input, &output, &model); err != nil {
			return totals, fmt.Errorf("scan token usage: %w", err)
		}
		totals.InputTokens += input
		totals.OutputTokens += output
		totals.EstimatedCostUSD += EstimateCost(input, output, model)
	}
	totals.TotalTokens = totals.InputTokens + totals.OutputTokens
	return totals, rows.Err()
}

// ExportSession bundles a session with its full message log and usage
// totals for the export endpoint.
func (s *Store) ExportSession(ctx context.Context, sessionID string) (*models.SessionExport, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := s.GetMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	usage, err := s.GetSessionTokenUsage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &models.SessionExport{
		Session:    session,
		Messages:   messages,
		TokenUsage: usage,
	}, nil
}
