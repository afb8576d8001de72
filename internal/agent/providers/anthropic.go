package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/pkg/models"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that carry no content.
	// A stream stuck past this limit is treated as malformed.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint. Empty uses the SDK default.
	BaseURL string

	// DefaultModel is used when a request does not name one.
	DefaultModel string
}

// AnthropicProvider implements agent.LLMProvider over the Anthropic
// Messages API. It performs no retries itself: failures are classified
// and surfaced with their status and Retry-After hint so the caller's
// retry policy can act on them.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	logger       *observability.Logger
}

// NewAnthropicProvider validates the config and builds a provider.
func NewAnthropicProvider(cfg AnthropicConfig, logger *observability.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
		logger:       logger,
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return providerName
}

// Models returns the models this provider serves.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// Complete sends a streaming request and relays events as chunks. The
// returned channel is closed after the Done chunk or an error chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		stream := p.client.Messages.NewStreaming(ctx, params)
		p.processStream(ctx, stream, string(params.Model), chunks)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, chunks chan<- *agent.CompletionChunk) {
	var (
		inputTokens  int64
		outputTokens int64
		stopReason   string
		emptyEvents  int
		toolCall     *models.ToolCall
		toolInput    strings.Builder
	)
	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			inputTokens = event.AsMessageStart().Message.Usage.InputTokens

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					emptyEvents++
					break
				}
				emptyEvents = 0
				if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if delta.Thinking == "" {
					break
				}
				emptyEvents = 0
				if !send(&agent.CompletionChunk{Thinking: delta.Thinking}) {
					return
				}
			case "input_json_delta":
				emptyEvents = 0
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				input := toolInput.String()
				if input == "" {
					input = "{}"
				}
				toolCall.Input = json.RawMessage(input)
				if !send(&agent.CompletionChunk{ToolCall: toolCall}) {
					return
				}
				toolCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			outputTokens = messageDelta.Usage.OutputTokens
			if messageDelta.Delta.StopReason != "" {
				stopReason = string(messageDelta.Delta.StopReason)
			}

		case "message_stop":
			send(&agent.CompletionChunk{
				Done:         true,
				StopReason:   stopReason,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			})
			return

		default:
			emptyEvents++
		}

		if emptyEvents > maxEmptyStreamEvents {
			p.logger.Warn(ctx, "anthropic stream stalled", "model", model, "empty_events", emptyEvents)
			send(&agent.CompletionChunk{Error: &Error{
				Provider: providerName,
				Model:    model,
				Message:  "stream produced no content",
			}})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: p.wrapError(model, err)})
		return
	}
	// Stream ended without a message_stop event.
	send(&agent.CompletionChunk{
		Done:         true,
		StopReason:   stopReason,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
}

func (p *AnthropicProvider) wrapError(model string, err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return &Error{Provider: providerName, Model: model, Cause: err}
	}
	provErr := &Error{
		Provider: providerName,
		Model:    model,
		Message:  apiErrorMessage(apiErr),
		Status:   apiErr.StatusCode,
		Cause:    err,
	}
	if d, ok := retryAfterHint(apiErr.Response); ok {
		provErr.WithRetryAfter(d)
	}
	return provErr
}

// apiErrorMessage extracts "type: message" from the API error payload,
// falling back to the SDK's formatting.
func apiErrorMessage(apiErr *anthropic.Error) string {
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(apiErr.RawJSON()), &payload); err == nil && payload.Error.Message != "" {
		if payload.Error.Type != "" {
			return payload.Error.Type + ": " + payload.Error.Message
		}
		return payload.Error.Message
	}
	return apiErr.Error()
}

// retryAfterHint parses a Retry-After header as either delta-seconds or
// an HTTP date.
func retryAfterHint(resp *http.Response) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func convertMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			// System content travels in the dedicated params field.
			continue

		case models.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				input := map[string]interface{}{}
				if len(call.Input) > 0 {
					if err := json.Unmarshal(call.Input, &input); err != nil {
						return nil, fmt.Errorf("tool call %s input: %w", call.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			// User and tool turns both map to user messages; tool results
			// precede any text content.
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolResults))
			for _, result := range m.ToolResults {
				blocks = append(blocks, anthropic.NewToolResultBlock(result.ToolCallID, result.Content, result.IsError))
			}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func convertTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", spec.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}
