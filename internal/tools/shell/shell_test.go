package shell

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/haasonsaas/klaus/internal/agent"
)

type runResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

func decodeRun(t *testing.T, res *agent.ToolResult) runResult {
	t.Helper()
	var out runResult
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		t.Fatalf("decode %q: %v", res.Content, err)
	}
	return out
}

func TestRunToolRejectsUnlistedCommand(t *testing.T) {
	tool := NewRunTool(Config{Workspace: t.TempDir(), Allowlist: []string{"ls"}})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"rm","args":["-rf","/"]}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "command not allowed: rm") {
		t.Errorf("result = %+v, want allowlist rejection", res)
	}
}

func TestRunToolStripsPathFromBinary(t *testing.T) {
	tool := NewRunTool(Config{Workspace: t.TempDir(), Allowlist: []string{"ls"}})

	// A path prefix must not smuggle a different binary past the allowlist.
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"/bin/rm"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "command not allowed: rm") {
		t.Errorf("result = %+v", res)
	}
}

func TestRunToolArgvNotShellInterpreted(t *testing.T) {
	workspace := t.TempDir()
	tool := NewRunTool(Config{Workspace: workspace, Allowlist: []string{"echo"}})

	// Shell metacharacters arrive as literal arguments.
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"echo","args":["hello; rm -rf /","$(whoami)"]}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := decodeRun(t, res)
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d, output %q", out.ExitCode, out.Output)
	}
	if !strings.Contains(out.Output, "hello; rm -rf /") || !strings.Contains(out.Output, "$(whoami)") {
		t.Errorf("output = %q, metacharacters must stay literal", out.Output)
	}
}

func TestRunToolNonZeroExit(t *testing.T) {
	tool := NewRunTool(Config{Workspace: t.TempDir(), Allowlist: []string{"ls"}})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"ls","args":["/definitely-not-here-xyz"]}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Error("non-zero exit should surface as a failed result")
	}
	out := decodeRun(t, res)
	if out.ExitCode == 0 {
		t.Errorf("exit code = %d, want non-zero", out.ExitCode)
	}
}

func TestRunToolOutputCap(t *testing.T) {
	tool := NewRunTool(Config{Workspace: t.TempDir(), Allowlist: []string{"seq"}, MaxOutputBytes: 64})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"seq","args":["1","1000"]}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := decodeRun(t, res)
	if !out.Truncated {
		t.Error("expected truncated output")
	}
	if len(out.Output) > 64 {
		t.Errorf("output length = %d, want <= 64", len(out.Output))
	}
}

func TestRunToolRunsInWorkspace(t *testing.T) {
	workspace := t.TempDir()
	tool := NewRunTool(Config{Workspace: workspace, Allowlist: []string{"pwd"}})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"pwd"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := decodeRun(t, res)
	if !strings.Contains(out.Output, workspace) {
		t.Errorf("output = %q, want workspace cwd %q", out.Output, workspace)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 5}

	n, err := b.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("write = %d, %v", n, err)
	}
	n, err = b.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if b.String() != "abcde" || !b.truncated {
		t.Errorf("buffer = %q truncated=%v", b.String(), b.truncated)
	}
}
