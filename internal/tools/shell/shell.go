// Package shell implements run_command: allowlisted binary execution with
// an argv vector. Commands never pass through a shell, so no interpolation,
// globbing, or chaining happens on the way in.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/klaus/internal/agent"
)

// DefaultAllowlist covers the build, test, and inspection commands an
// agent run commonly needs.
var DefaultAllowlist = []string{
	"go", "git", "make", "cargo",
	"npm", "npx", "node", "yarn", "pnpm",
	"python3", "pip", "pytest",
	"ls", "cat", "grep", "find", "wc", "head", "tail", "diff",
}

const (
	defaultTimeout    = 60 * time.Second
	maxTimeout        = 5 * time.Minute
	defaultOutputCap  = 1 << 20
	progressInterval  = 2 * time.Second
)

// Config controls command execution.
type Config struct {
	// Workspace is the working directory for every command.
	Workspace string

	// Allowlist is the set of permitted binaries. Empty selects
	// DefaultAllowlist.
	Allowlist []string

	// MaxOutputBytes caps captured combined output. Zero selects 1 MB.
	MaxOutputBytes int
}

// RunTool executes one allowlisted command per call.
type RunTool struct {
	workspace string
	allowed   map[string]struct{}
	outputCap int
}

// NewRunTool creates a run_command tool scoped to the workspace.
func NewRunTool(cfg Config) *RunTool {
	list := cfg.Allowlist
	if len(list) == 0 {
		list = DefaultAllowlist
	}
	allowed := make(map[string]struct{}, len(list))
	for _, name := range list {
		allowed[name] = struct{}{}
	}
	limit := cfg.MaxOutputBytes
	if limit <= 0 {
		limit = defaultOutputCap
	}
	return &RunTool{workspace: cfg.Workspace, allowed: allowed, outputCap: limit}
}

func (t *RunTool) Name() string { return "run_command" }

func (t *RunTool) Description() string {
	return "Run an allowlisted command in the workspace. Arguments are passed as a vector; shell syntax is not interpreted."
}

func (t *RunTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Binary to run, e.g. \"go\"."},
			"args": {"type": "array", "items": {"type": "string"}, "description": "Argument vector."},
			"timeout_seconds": {"type": "integer", "minimum": 1, "description": "Timeout in seconds (default 60, max 300)."}
		},
		"required": ["command"]
	}`)
}

func (t *RunTool) ReadOnly() bool { return false }

// Execute runs the command with combined output capture and advisory
// progress ticks.
func (t *RunTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Command        string   `json:"command"`
		Args           []string `json:"args"`
		TimeoutSeconds int      `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Command == "" {
		return toolError("command is required"), nil
	}

	binary := filepath.Base(params.Command)
	if _, ok := t.allowed[binary]; !ok {
		return toolError(fmt.Sprintf("command not allowed: %s", binary)), nil
	}

	timeout := defaultTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
		if timeout > maxTimeout {
			timeout = maxTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := &cappedBuffer{limit: t.outputCap}
	cmd := exec.CommandContext(runCtx, binary, params.Args...)
	cmd.Dir = t.workspace
	cmd.Stdout = output
	cmd.Stderr = output

	start := time.Now()
	stopProgress := startProgressTicks(runCtx, progress, binary, timeout, start)
	runErr := cmd.Run()
	stopProgress()
	duration := time.Since(start)

	exitCode := 0
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		case timedOut:
			exitCode = -1
		default:
			return toolError(fmt.Sprintf("start command: %v", runErr)), nil
		}
	}

	result := map[string]any{
		"command":     binary,
		"args":        params.Args,
		"exit_code":   exitCode,
		"output":      output.String(),
		"truncated":   output.truncated,
		"duration_ms": duration.Milliseconds(),
		"timed_out":   timedOut,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload), IsError: exitCode != 0 || timedOut}, nil
}

// startProgressTicks emits advisory progress while the command runs. The
// percentage is elapsed-over-timeout, held below completion.
func startProgressTicks(ctx context.Context, progress agent.ProgressFunc, binary string, timeout time.Duration, start time.Time) func() {
	if progress == nil {
		return func() {}
	}
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				pct := float64(elapsed) / float64(timeout) * 100
				if pct > 95 {
					pct = 95
				}
				progress(agent.ProgressUpdate{
					ToolName:  "run_command",
					Progress:  pct,
					Status:    fmt.Sprintf("running %s", binary),
					ElapsedMs: elapsed.Milliseconds(),
				})
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// cappedBuffer accepts writes up to limit and silently discards the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
