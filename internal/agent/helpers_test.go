package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/pkg/models"
)

const testSummaryModel = "claude-haiku-internal"

// scriptedTurn is one canned provider response.
type scriptedTurn struct {
	text       string
	toolCalls  []models.ToolCall
	stopReason string
	inTokens   int64
	outTokens  int64
	err        error
	block      chan struct{} // when set, the stream waits here or on ctx
}

// scriptedProvider replays canned turns for the main model and answers
// summary-model calls with a fixed line, so loop scripts are not consumed
// by internal summarisation calls.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []*CompletionRequest
}

func (p *scriptedProvider) Name() string    { return "scripted" }
func (p *scriptedProvider) Models() []Model { return nil }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	var turn scriptedTurn
	if req.Model == testSummaryModel {
		turn = scriptedTurn{text: "Scripted summary", stopReason: "end_turn"}
	} else if len(p.turns) > 0 {
		turn = p.turns[0]
		p.turns = p.turns[1:]
	} else {
		turn = scriptedTurn{text: "done", stopReason: "end_turn"}
	}
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, 16)
	go func() {
		defer close(ch)
		if turn.block != nil {
			select {
			case <-turn.block:
			case <-ctx.Done():
				ch <- &CompletionChunk{Error: ctx.Err()}
				return
			}
		}
		if turn.err != nil {
			ch <- &CompletionChunk{Error: turn.err}
			return
		}
		if turn.text != "" {
			ch <- &CompletionChunk{Text: turn.text}
		}
		for i := range turn.toolCalls {
			tc := turn.toolCalls[i]
			ch <- &CompletionChunk{ToolCall: &tc}
		}
		ch <- &CompletionChunk{
			Done:         true,
			StopReason:   turn.stopReason,
			InputTokens:  turn.inTokens,
			OutputTokens: turn.outTokens,
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) mainModelRequests() []*CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*CompletionRequest
	for _, r := range p.requests {
		if r.Model != testSummaryModel {
			out = append(out, r)
		}
	}
	return out
}

// fakeTool is a configurable Tool for registry and dispatcher tests.
type fakeTool struct {
	name     string
	readOnly bool
	schema   string
	execute  func(ctx context.Context, input json.RawMessage, progress ProgressFunc) (*ToolResult, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool " + t.name }
func (t *fakeTool) ReadOnly() bool      { return t.readOnly }

func (t *fakeTool) Schema() json.RawMessage {
	if t.schema != "" {
		return json.RawMessage(t.schema)
	}
	return json.RawMessage(`{"type":"object","additionalProperties":true}`)
}

func (t *fakeTool) Execute(ctx context.Context, input json.RawMessage, progress ProgressFunc) (*ToolResult, error) {
	if t.execute != nil {
		return t.execute(ctx, input, progress)
	}
	return &ToolResult{Content: "ok"}, nil
}

func testLogger(t *testing.T) *observability.Logger {
	t.Helper()
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

func testAgentStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
