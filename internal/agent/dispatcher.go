package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/pkg/models"
)

// DispatchResult is the outcome of one tool invocation.
type DispatchResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Result     string `json:"result"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Dispatcher validates, executes, and records tool calls. Every invocation
// is written to the store, including unknown-tool and validation failures.
type Dispatcher struct {
	registry *Registry
	store    *store.Store
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewDispatcher creates a dispatcher. metrics and tracer may be nil.
func NewDispatcher(registry *Registry, st *store.Store, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    st,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Execute runs a single tool call end to end: validation, handler, panic
// recovery, duration capture, and store recording.
func (d *Dispatcher) Execute(ctx context.Context, sessionID string, call models.ToolCall, progress ProgressFunc) DispatchResult {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	start := time.Now()

	result := d.invoke(ctx, call, progress)
	result.ToolCallID = call.ID
	result.ToolName = call.Name
	result.DurationMs = time.Since(start).Milliseconds()

	d.record(ctx, sessionID, call, result)

	if d.metrics != nil {
		status := "success"
		if !result.Success {
			status = "error"
		}
		d.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	return result
}

// ExecuteBatch runs one turn's tool calls: the read-only subset executes
// concurrently, side-effecting calls run sequentially in request order.
// Results are returned in request order regardless of completion order.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, sessionID string, calls []models.ToolCall, progress ProgressFunc) []DispatchResult {
	results := make([]DispatchResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		if !d.registry.IsReadOnly(call.Name) {
			continue
		}
		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			results[i] = d.Execute(ctx, sessionID, call, progress)
		}(i, call)
	}
	wg.Wait()

	for i, call := range calls {
		if d.registry.IsReadOnly(call.Name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i] = DispatchResult{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Result:     "Cancelled by user",
				Error:      "Cancelled by user",
			}
			continue
		}
		results[i] = d.Execute(ctx, sessionID, call, progress)
	}
	return results
}

func (d *Dispatcher) invoke(ctx context.Context, call models.ToolCall, progress ProgressFunc) (result DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(ctx, "tool panicked",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"panic", fmt.Sprint(r))
			result = DispatchResult{
				Result: fmt.Sprintf("tool %s panicked: %v", call.Name, r),
				Error:  fmt.Sprintf("tool %s panicked: %v", call.Name, r),
			}
		}
	}()

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		msg := "Unknown tool: " + call.Name
		return DispatchResult{Result: msg, Error: msg}
	}

	if err := d.registry.Validate(call.Name, call.Input); err != nil {
		return DispatchResult{Result: err.Error(), Error: err.Error()}
	}

	if d.tracer != nil {
		var span trace.Span
		ctx, span = d.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}
	out, err := tool.Execute(ctx, call.Input, progress)
	if err != nil {
		return DispatchResult{Result: err.Error(), Error: err.Error()}
	}
	if out.IsError {
		return DispatchResult{Result: out.Content, Error: out.Content}
	}
	return DispatchResult{Result: out.Content, Success: true}
}

func (d *Dispatcher) record(ctx context.Context, sessionID string, call models.ToolCall, result DispatchResult) {
	output := result.Result
	if result.Error != "" {
		output = result.Error
	}
	err := d.store.RecordToolCall(ctx, &models.ToolCallRecord{
		ID:         call.ID,
		SessionID:  sessionID,
		ToolName:   call.Name,
		Input:      string(call.Input),
		Output:     output,
		Success:    result.Success,
		DurationMs: result.DurationMs,
	})
	if err != nil {
		d.logger.Warn(ctx, "failed to record tool call",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err)
	}
}
