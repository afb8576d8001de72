package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/klaus/pkg/models"
)

// LLMProvider is the interface the loop drives. Implementations wrap a
// vendor SDK and present a unified streaming surface.
//
// Implementations must be safe for concurrent use: multiple runs may call
// Complete simultaneously.
type LLMProvider interface {
	// Complete sends a request and returns a channel of streaming chunks.
	// The channel is closed after the final chunk (Done=true) or an error
	// chunk.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model
}

// CompletionRequest contains all parameters for one model turn.
type CompletionRequest struct {
	// Model is the model identifier. Empty selects the provider default.
	Model string `json:"model"`

	// System is the system prompt, marked cacheable where the provider
	// supports prompt caching.
	System string `json:"system,omitempty"`

	// Messages is the conversation in chronological order with strict
	// user/assistant alternation.
	Messages []CompletionMessage `json:"messages"`

	// Tools is the tool catalogue offered to the model.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is a single conversation turn.
type CompletionMessage struct {
	// Role is RoleUser or RoleAssistant.
	Role models.Role `json:"role"`

	// Content is the textual content. May be empty on tool-only turns.
	Content string `json:"content,omitempty"`

	// ToolCalls carries tool-use blocks on assistant turns.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults carries tool results on the following user turn.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one unit of a streaming response. Exactly one of the
// payload fields is meaningful per chunk; token counts and the stop reason
// arrive on the final chunk.
type CompletionChunk struct {
	// Text is a partial assistant-text delta.
	Text string `json:"text,omitempty"`

	// Thinking is a partial reasoning delta, streamed separately from the
	// response text.
	Thinking string `json:"thinking,omitempty"`

	// ToolCall is a complete tool-use block.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done marks the end of a successful stream.
	Done bool `json:"done,omitempty"`

	// StopReason is the model's terminal label ("end_turn", "tool_use",
	// "max_tokens"). Populated only when Done.
	StopReason string `json:"stop_reason,omitempty"`

	// InputTokens and OutputTokens are populated only when Done.
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}

// Model describes an available model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// ToolSpec is the provider-facing description of a registered tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// TurnResult is the accumulated outcome of draining one Complete stream.
type TurnResult struct {
	Text         string
	ToolCalls    []models.ToolCall
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// drainStream consumes a chunk channel into a TurnResult, invoking onDelta
// for each text delta and onThinking for each reasoning delta. Callbacks
// may be nil.
func drainStream(chunks <-chan *CompletionChunk, onDelta, onThinking func(string)) (*TurnResult, error) {
	var (
		result TurnResult
		text   strings.Builder
	)
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			return nil, chunk.Error
		case chunk.ToolCall != nil:
			result.ToolCalls = append(result.ToolCalls, *chunk.ToolCall)
		case chunk.Thinking != "":
			if onThinking != nil {
				onThinking(chunk.Thinking)
			}
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			if onDelta != nil {
				onDelta(chunk.Text)
			}
		}
		if chunk.Done {
			result.StopReason = chunk.StopReason
			result.InputTokens = chunk.InputTokens
			result.OutputTokens = chunk.OutputTokens
		}
	}
	result.Text = text.String()
	return &result, nil
}

// completeText runs a single non-streamed request and returns the full
// assistant text. Used for internal calls: context summaries and session
// summaries.
func completeText(ctx context.Context, provider LLMProvider, model, system, prompt string, maxTokens int) (string, error) {
	chunks, err := provider.Complete(ctx, &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  []CompletionMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	result, err := drainStream(chunks, nil, nil)
	if err != nil {
		return "", err
	}
	if result.Text == "" {
		return "", fmt.Errorf("empty completion from %s", provider.Name())
	}
	return result.Text, nil
}
