package models

import "time"

// AgentEventType enumerates the events a run emits on its session stream.
type AgentEventType string

const (
	EventThinking              AgentEventType = "thinking"
	EventStreamDelta           AgentEventType = "stream_delta"
	EventToolCall              AgentEventType = "tool_call"
	EventToolResult            AgentEventType = "tool_result"
	EventToolProgress          AgentEventType = "tool_progress"
	EventMessage               AgentEventType = "message"
	EventError                 AgentEventType = "error"
	EventBudgetWarning         AgentEventType = "budget_warning"
	EventBudgetExceeded        AgentEventType = "budget_exceeded"
	EventToolLimitExceeded     AgentEventType = "tool_limit_exceeded"
	EventTurnComplete          AgentEventType = "turn_complete"
	EventPatchApprovalRequired AgentEventType = "patch_approval_required"
	EventComplete              AgentEventType = "complete"
)

// AgentEvent is the unit of the per-session event stream. Events from a
// single run are delivered to any one subscriber in emission order; the
// stream is best-effort fan-out, not a durable log.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsTerminal reports whether the event ends its run.
func (t AgentEventType) IsTerminal() bool {
	return t == EventComplete
}

// NewEvent constructs an event stamped with the current time.
func NewEvent(t AgentEventType, data map[string]any) AgentEvent {
	return AgentEvent{Type: t, Data: data, Timestamp: time.Now()}
}
