package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/klaus/internal/admission"
	"github.com/haasonsaas/klaus/internal/backoff"
	"github.com/haasonsaas/klaus/internal/events"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/pkg/models"
)

// GitAuthor is the identity used for agent-created commits.
const GitAuthor = "AI Agent <klaus-code@localhost>"

const budgetWarningThreshold = 0.8

// maxProjectContextChars bounds how much of a project context file is
// injected into the system prompt.
const maxProjectContextChars = 10000

// projectContextFiles are checked in order under the workspace root.
var projectContextFiles = []string{".agentcontext", filepath.Join(".agent", "context.md")}

const baseSystemPrompt = `You are a coding agent operating on a local workspace. Use the provided tools to read, search, and modify files, run allowlisted commands, and checkpoint your work with git. Prefer small verifiable steps. When a task is complete, summarize what changed.`

// Config carries the loop's tunables.
type Config struct {
	// Model is the default model identifier.
	Model string

	// SummaryModel is the cheap tier used for context and session
	// summaries.
	SummaryModel string

	// AllowedModels is the exact-match allow-set for caller-supplied
	// models. Empty means only the default model is accepted.
	AllowedModels []string

	// SystemPrompt overrides the built-in system prompt when non-empty.
	SystemPrompt string

	MaxTokens             int
	MaxContextMessages    int
	MaxConcurrentSessions int
	MaxPromptChars        int

	// MaxToolCalls caps tool invocations per run. Zero disables the cap.
	MaxToolCalls int

	// MaxToolOutputContext caps serialized tool output pushed back into
	// the conversation; larger outputs are summarised.
	MaxToolOutputContext int

	// TokenBudget caps cumulative tokens per run. Zero disables it.
	TokenBudget int64

	// APIRetryCount is the number of retries after a failed provider
	// call.
	APIRetryCount int

	// RetryPolicy shapes the backoff between provider retries.
	RetryPolicy backoff.Policy
}

// RunRequest is one prompt submission.
type RunRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Prompt    string `json:"message"`
	Model     string `json:"model,omitempty"`
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	SessionID      string                  `json:"sessionId"`
	Response       string                  `json:"response"`
	Summary        string                  `json:"summary"`
	ToolCallsCount int                     `json:"toolCallsCount"`
	DurationMs     int64                   `json:"durationMs"`
	TokenUsage     models.TokenUsageTotals `json:"tokenUsage"`
}

// Loop drives the model-tool dialogue for one prompt at a time per
// invocation: admission, context assembly, streaming turns, tool dispatch,
// and terminal summary. All limits are enforced here.
type Loop struct {
	cfg        Config
	store      *store.Store
	provider   LLMProvider
	registry   *Registry
	dispatcher *Dispatcher
	builder    *ContextBuilder
	bus        *events.Bus
	counter    *admission.Counter
	logger     *observability.Logger
	metrics    *observability.Metrics
	workspace  string

	// EnsureRepo lazily initializes the workspace git repo before the
	// first turn. Optional.
	EnsureRepo func(ctx context.Context, dir string) error

	// StagedDiff returns the staged diff for secret scanning before a
	// git_checkpoint executes. When nil the scan is skipped.
	StagedDiff func(ctx context.Context, dir string) (string, error)

	// sleep is injectable for retry tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewLoop wires a loop from its collaborators. metrics may be nil.
func NewLoop(cfg Config, st *store.Store, provider LLMProvider, registry *Registry, dispatcher *Dispatcher, bus *events.Bus, logger *observability.Logger, metrics *observability.Metrics, workspace string) *Loop {
	return &Loop{
		cfg:        cfg,
		store:      st,
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		builder:    NewContextBuilder(st, provider, cfg.SummaryModel, cfg.MaxContextMessages, logger),
		bus:        bus,
		counter:    admission.NewCounter(),
		logger:     logger,
		metrics:    metrics,
		workspace:  workspace,
		sleep:      ctxSleep,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// ActiveSessions returns the number of runs currently holding an admission
// slot.
func (l *Loop) ActiveSessions() int64 {
	return l.counter.Value()
}

// Cancel aborts the in-flight run for a session. Best-effort: the current
// model stream is aborted and no further tools are dispatched; an
// already-running tool is not interrupted.
func (l *Loop) Cancel(sessionID string) bool {
	l.mu.Lock()
	cancel, ok := l.cancels[sessionID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// runState is threaded through turn boundaries instead of being captured by
// streaming callbacks.
type runState struct {
	model              string
	start              time.Time
	inputTokens        int64
	outputTokens       int64
	toolCalls          int
	toolsUsed          map[string]struct{}
	budgetWarningFired bool
	lastAssistantText  string
}

// Run executes one prompt to a terminal state. Soft-terminal outcomes
// (budget exceeded, tool limit, cancellation) return a result, not an
// error; the dedicated event tells subscribers why the run stopped.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	model, err := l.resolveModel(req.Model)
	if err != nil {
		return nil, err
	}

	if !l.counter.TryAcquire(int64(l.cfg.MaxConcurrentSessions)) {
		return nil, NewRunError(KindConcurrencyExceeded, "Too many concurrent sessions (%d/%d)",
			l.counter.Value(), l.cfg.MaxConcurrentSessions)
	}
	defer l.counter.Release()
	if l.metrics != nil {
		l.metrics.RunAdmitted()
		defer l.metrics.RunReleased()
	}

	if l.cfg.MaxPromptChars > 0 && len(req.Prompt) > l.cfg.MaxPromptChars {
		return nil, NewRunError(KindPromptTooLarge, "prompt exceeds %d characters", l.cfg.MaxPromptChars)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, NewRunError(KindValidation, "message is required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.registerCancel(sessionID, cancel)
	defer l.unregisterCancel(sessionID)
	runCtx = observability.AddSessionID(runCtx, sessionID)

	messages, system, err := l.prepare(runCtx, sessionID, req.Prompt)
	if err != nil {
		return nil, err
	}

	st := &runState{
		model:     model,
		start:     time.Now(),
		toolsUsed: make(map[string]struct{}),
	}
	outcome := "complete"

turns:
	for {
		if runCtx.Err() != nil {
			outcome = "cancelled"
			l.emit(sessionID, models.EventError, map[string]any{"error": "Cancelled by user"})
			break
		}

		l.emit(sessionID, models.EventThinking, map[string]any{})

		turn, err := l.streamTurn(runCtx, sessionID, &CompletionRequest{
			Model:     model,
			System:    system,
			Messages:  messages,
			Tools:     l.registry.Specs(),
			MaxTokens: l.cfg.MaxTokens,
		})
		if err != nil {
			if runCtx.Err() != nil {
				outcome = "cancelled"
				l.emit(sessionID, models.EventError, map[string]any{"error": "Cancelled by user"})
				break
			}
			l.emit(sessionID, models.EventError, map[string]any{"error": SanitizeErrorText(err.Error())})
			if l.metrics != nil {
				l.metrics.RecordRun("error")
			}
			return nil, WrapRunError(KindUpstream, err)
		}
		st.lastAssistantText = turn.Text

		if err := l.store.RecordTokenUsage(runCtx, sessionID, turn.InputTokens, turn.OutputTokens, model); err != nil {
			l.logger.Warn(runCtx, "failed to record token usage", "error", err)
		}
		st.inputTokens += turn.InputTokens
		st.outputTokens += turn.OutputTokens
		used := st.inputTokens + st.outputTokens

		turnData := map[string]any{
			"inputTokens":       turn.InputTokens,
			"outputTokens":      turn.OutputTokens,
			"costUsd":           store.EstimateCost(turn.InputTokens, turn.OutputTokens, model),
			"totalInputTokens":  st.inputTokens,
			"totalOutputTokens": st.outputTokens,
		}
		if l.cfg.TokenBudget > 0 {
			turnData["budgetPercent"] = float64(used) / float64(l.cfg.TokenBudget) * 100
		}
		l.emit(sessionID, models.EventTurnComplete, turnData)

		if l.cfg.TokenBudget > 0 {
			if used >= l.cfg.TokenBudget {
				outcome = "budget_exceeded"
				l.emit(sessionID, models.EventBudgetExceeded, map[string]any{
					"used":   used,
					"budget": l.cfg.TokenBudget,
				})
				break
			}
			if !st.budgetWarningFired && float64(used) >= budgetWarningThreshold*float64(l.cfg.TokenBudget) {
				// A single large turn can jump straight past the budget,
				// so a previous-turn comparison would skip the warning.
				st.budgetWarningFired = true
				l.emit(sessionID, models.EventBudgetWarning, map[string]any{
					"used":    used,
					"budget":  l.cfg.TokenBudget,
					"percent": float64(used) / float64(l.cfg.TokenBudget) * 100,
				})
			}
		}

		if l.cfg.MaxToolCalls > 0 && st.toolCalls >= l.cfg.MaxToolCalls {
			outcome = "tool_limit_exceeded"
			l.emit(sessionID, models.EventToolLimitExceeded, map[string]any{
				"toolCalls": st.toolCalls,
				"limit":     l.cfg.MaxToolCalls,
			})
			break
		}

		if turn.Text != "" {
			l.emit(sessionID, models.EventMessage, map[string]any{
				"role":    models.RoleAssistant,
				"content": turn.Text,
			})
			if err := l.store.AddMessage(runCtx, &models.Message{
				SessionID: sessionID,
				Role:      models.RoleAssistant,
				Content:   turn.Text,
			}); err != nil {
				l.logger.Warn(runCtx, "failed to persist assistant message", "error", err)
			}
		}

		if turn.StopReason == "end_turn" || len(turn.ToolCalls) == 0 {
			break turns
		}

		results := l.dispatchTools(runCtx, sessionID, turn.ToolCalls, st)

		messages = append(messages,
			CompletionMessage{Role: models.RoleAssistant, Content: turn.Text, ToolCalls: turn.ToolCalls},
			CompletionMessage{Role: models.RoleUser, ToolResults: results},
		)
	}

	return l.finish(ctx, sessionID, req.Prompt, st, outcome), nil
}

func (l *Loop) resolveModel(requested string) (string, error) {
	if requested == "" || requested == l.cfg.Model {
		return l.cfg.Model, nil
	}
	for _, allowed := range l.cfg.AllowedModels {
		if requested == allowed {
			return requested, nil
		}
	}
	return "", NewRunError(KindValidation, "model not allowed: %s", requested)
}

// prepare ensures the session exists, persists the user message, and
// assembles the conversation and system prompt.
func (l *Loop) prepare(ctx context.Context, sessionID, prompt string) ([]CompletionMessage, string, error) {
	if _, err := l.store.GetSession(ctx, sessionID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, "", WrapRunError(KindStorage, err)
		}
		if _, err := l.store.CreateSession(ctx, sessionID, l.workspace); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return nil, "", WrapRunError(KindStorage, err)
		}
	}

	if l.EnsureRepo != nil {
		if err := l.EnsureRepo(ctx, l.workspace); err != nil {
			l.logger.Warn(ctx, "failed to initialize workspace repo", "error", err)
		}
	}

	if err := l.store.AddMessage(ctx, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   prompt,
	}); err != nil {
		return nil, "", WrapRunError(KindStorage, err)
	}

	messages, err := l.builder.Build(ctx, sessionID, prompt)
	if err != nil {
		return nil, "", WrapRunError(KindStorage, err)
	}
	return messages, l.systemPrompt(ctx), nil
}

// systemPrompt assembles the base prompt, the persistent knowledge block,
// and any project context file found in the workspace.
func (l *Loop) systemPrompt(ctx context.Context) string {
	var b strings.Builder
	if l.cfg.SystemPrompt != "" {
		b.WriteString(l.cfg.SystemPrompt)
	} else {
		b.WriteString(baseSystemPrompt)
	}

	entries, err := l.store.ListKnowledge(ctx, "")
	if err != nil {
		l.logger.Warn(ctx, "failed to load knowledge entries", "error", err)
	} else if block := knowledgeBlock(entries); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}

	if projectCtx := l.projectContext(); projectCtx != "" {
		b.WriteString("\n\n## Project Context\n")
		b.WriteString(projectCtx)
	}
	return b.String()
}

func knowledgeBlock(entries []models.KnowledgeEntry) string {
	var lines []string
	for _, e := range entries {
		// Rolling context summaries are injected per-session, not here.
		if strings.HasPrefix(e.Key, summaryKeyPrefix) {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", e.Key, e.Value))
	}
	if len(lines) == 0 {
		return ""
	}
	sort.Strings(lines)
	return "## Persistent Knowledge\n" + strings.Join(lines, "\n")
}

func (l *Loop) projectContext() string {
	for _, rel := range projectContextFiles {
		data, err := os.ReadFile(filepath.Join(l.workspace, rel))
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > maxProjectContextChars {
			content = content[:maxProjectContextChars]
		}
		return content
	}
	return ""
}

// streamTurn calls the provider, retrying transient failures with
// exponential backoff. An error event with retrying=true precedes each
// retry so subscribers can explain the pause.
func (l *Loop) streamTurn(ctx context.Context, sessionID string, req *CompletionRequest) (*TurnResult, error) {
	for attempt := 0; ; attempt++ {
		start := time.Now()
		turn, err := l.tryTurn(ctx, sessionID, req)
		if l.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			var in, out int64
			if turn != nil {
				in, out = turn.InputTokens, turn.OutputTokens
			}
			l.metrics.RecordLLMRequest(req.Model, status, time.Since(start).Seconds(), in, out)
		}
		if err == nil {
			return turn, nil
		}
		if ctx.Err() != nil || !backoff.Retryable(err) || attempt >= l.cfg.APIRetryCount {
			return nil, err
		}

		delay, hinted := backoff.RetryAfterHint(l.cfg.RetryPolicy, err)
		if !hinted {
			delay = backoff.Compute(l.cfg.RetryPolicy, attempt+1)
		}
		l.logger.Warn(ctx, "provider call failed, retrying",
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err)
		l.emit(sessionID, models.EventError, map[string]any{
			"error":    SanitizeErrorText(err.Error()),
			"retrying": true,
			"delay":    delay.String(),
		})
		if err := l.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (l *Loop) tryTurn(ctx context.Context, sessionID string, req *CompletionRequest) (*TurnResult, error) {
	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return drainStream(chunks,
		func(delta string) {
			l.emit(sessionID, models.EventStreamDelta, map[string]any{"text": delta})
		},
		func(thinking string) {
			l.emit(sessionID, models.EventThinking, map[string]any{"text": thinking})
		})
}

// dispatchTools runs one turn's tool calls and returns the results in the
// order the model requested them.
func (l *Loop) dispatchTools(ctx context.Context, sessionID string, calls []models.ToolCall, st *runState) []models.ToolResult {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = uuid.NewString()
		}
		st.toolCalls++
		st.toolsUsed[calls[i].Name] = struct{}{}
		l.emit(sessionID, models.EventToolCall, map[string]any{
			"toolCallId": calls[i].ID,
			"toolName":   calls[i].Name,
			"input":      json.RawMessage(calls[i].Input),
		})
	}

	results := make([]DispatchResult, len(calls))
	pending := make([]models.ToolCall, 0, len(calls))
	pendingIdx := make([]int, 0, len(calls))
	for i, call := range calls {
		if blocked, ok := l.blockCheckpoint(ctx, sessionID, call); ok {
			results[i] = blocked
			continue
		}
		pending = append(pending, call)
		pendingIdx = append(pendingIdx, i)
	}

	progress := func(p ProgressUpdate) {
		l.emit(sessionID, models.EventToolProgress, map[string]any{
			"toolCallId": p.ToolCallID,
			"toolName":   p.ToolName,
			"progress":   p.Progress,
			"status":     p.Status,
			"elapsedMs":  p.ElapsedMs,
		})
	}
	for i, res := range l.dispatcher.ExecuteBatch(ctx, sessionID, pending, progress) {
		results[pendingIdx[i]] = res
	}

	out := make([]models.ToolResult, len(calls))
	for i, res := range results {
		shrunk := ShrinkToolOutput(res.ToolName, res.Result, l.cfg.MaxToolOutputContext)
		l.emit(sessionID, models.EventToolResult, map[string]any{
			"toolCallId": res.ToolCallID,
			"toolName":   res.ToolName,
			"result":     shrunk,
			"success":    res.Success,
			"durationMs": res.DurationMs,
		})
		if err := l.store.AddMessage(ctx, &models.Message{
			SessionID: sessionID,
			Role:      models.RoleTool,
			Content:   shrunk,
			ToolName:  res.ToolName,
		}); err != nil {
			l.logger.Warn(ctx, "failed to persist tool message", "error", err)
		}
		out[i] = models.ToolResult{
			ToolCallID: res.ToolCallID,
			Content:    shrunk,
			IsError:    !res.Success,
		}
	}
	return out
}

// blockCheckpoint scans the staged diff before a git_checkpoint and, on a
// secret match, synthesizes a failed result without executing the tool.
func (l *Loop) blockCheckpoint(ctx context.Context, sessionID string, call models.ToolCall) (DispatchResult, bool) {
	if call.Name != "git_checkpoint" || l.StagedDiff == nil {
		return DispatchResult{}, false
	}
	diff, err := l.StagedDiff(ctx, l.workspace)
	if err != nil {
		l.logger.Warn(ctx, "failed to read staged diff for secret scan", "error", err)
		return DispatchResult{}, false
	}
	names := ScanForSecrets(diff)
	if len(names) == 0 {
		return DispatchResult{}, false
	}

	msg := "Secret scan blocked checkpoint: " + strings.Join(names, ", ")
	l.logger.Warn(ctx, "secret scan blocked checkpoint", "patterns", strings.Join(names, ", "))
	if err := l.store.RecordToolCall(ctx, &models.ToolCallRecord{
		ID:        call.ID,
		SessionID: sessionID,
		ToolName:  call.Name,
		Input:     string(call.Input),
		Output:    msg,
		Success:   false,
	}); err != nil {
		l.logger.Warn(ctx, "failed to record blocked tool call", "error", err)
	}
	return DispatchResult{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Result:     msg,
		Error:      msg,
	}, true
}

// finish produces the session summary, emits the terminal complete event,
// and assembles the run result. Runs the summary on a fresh context so a
// cancelled run still gets one.
func (l *Loop) finish(ctx context.Context, sessionID, prompt string, st *runState, outcome string) *RunResult {
	summaryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	toolNames := make([]string, 0, len(st.toolsUsed))
	for name := range st.toolsUsed {
		toolNames = append(toolNames, name)
	}
	sort.Strings(toolNames)

	summary := SummarizeSession(summaryCtx, l.provider, l.cfg.SummaryModel, prompt, st.lastAssistantText, toolNames)
	if err := l.store.UpdateSessionSummary(summaryCtx, sessionID, summary); err != nil {
		l.logger.Warn(summaryCtx, "failed to persist session summary", "error", err)
	}

	usage, err := l.store.GetSessionTokenUsage(summaryCtx, sessionID)
	if err != nil {
		l.logger.Warn(summaryCtx, "failed to load session token usage", "error", err)
	}

	durationMs := time.Since(st.start).Milliseconds()
	l.emit(sessionID, models.EventComplete, map[string]any{
		"sessionId":      sessionID,
		"toolCallsCount": st.toolCalls,
		"durationMs":     durationMs,
		"summary":        summary,
		"tokenUsage":     usage,
	})
	if l.metrics != nil {
		l.metrics.RecordRun(outcome)
	}

	return &RunResult{
		SessionID:      sessionID,
		Response:       st.lastAssistantText,
		Summary:        summary,
		ToolCallsCount: st.toolCalls,
		DurationMs:     durationMs,
		TokenUsage:     usage,
	}
}

func (l *Loop) emit(sessionID string, t models.AgentEventType, data map[string]any) {
	l.bus.Publish(sessionID, models.NewEvent(t, data))
}

func (l *Loop) registerCancel(sessionID string, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels[sessionID] = cancel
}

func (l *Loop) unregisterCancel(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cancels, sessionID)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
