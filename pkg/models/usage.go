package models

import "time"

// TokenUsageEntry is one row of the per-call token ledger. Append-only;
// the owning session's denormalised totals are updated in the same
// transaction.
type TokenUsageEntry struct {
	SessionID    string    `json:"session_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
}

// TokenUsageTotals aggregates the ledger. Cost is computed per-row from the
// model price table at read time and summed; it is never stored.
type TokenUsageTotals struct {
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// ToolCallRecord is the persisted record of one tool invocation.
type ToolCallRecord struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	ToolName   string    `json:"tool_name"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// ToolCallStats summarises the tool-call log per tool name.
type ToolCallStats struct {
	ToolName      string  `json:"tool_name"`
	Calls         int64   `json:"calls"`
	Successes     int64   `json:"successes"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// FileChange is a workspace mutation derived from the tool-call log.
type FileChange struct {
	ToolName  string    `json:"tool_name"`
	FilePath  string    `json:"file_path"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeEntry is a process-scoped key-value fact shared across sessions.
type KnowledgeEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Category  string    `json:"category"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionExport is the JSON-round-trippable bundle returned by the export
// endpoint.
type SessionExport struct {
	Session    *Session         `json:"session"`
	Messages   []Message        `json:"messages"`
	TokenUsage TokenUsageTotals `json:"token_usage"`
}
