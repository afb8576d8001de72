// Package gittools implements the git-backed tools and workspace helpers:
// status, diff, checkpoint commits, rollback, and lazy repo init. All git
// invocations use an argv vector against the workspace directory.
package gittools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/klaus/internal/agent"
)

const (
	// AuthorName and AuthorEmail form the checkpoint identity
	// "AI Agent <klaus-code@localhost>".
	AuthorName  = "AI Agent"
	AuthorEmail = "klaus-code@localhost"
)

// Runner wraps git CLI invocations in one workspace.
type Runner struct {
	Workspace string
}

// NewRunner creates a runner for the workspace.
func NewRunner(workspace string) *Runner {
	return &Runner{Workspace: workspace}
}

func (r *Runner) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Workspace
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// EnsureRepo initializes dir as a git repository if it is not one already,
// setting the agent author identity locally.
func (r *Runner) EnsureRepo(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	runner := &Runner{Workspace: dir}
	if _, err := runner.git(ctx, "init"); err != nil {
		return err
	}
	if _, err := runner.git(ctx, "config", "user.name", AuthorName); err != nil {
		return err
	}
	if _, err := runner.git(ctx, "config", "user.email", AuthorEmail); err != nil {
		return err
	}
	return nil
}

// StagedDiff stages everything and returns the diff that a checkpoint
// would commit. Used for pre-checkpoint secret scanning.
func (r *Runner) StagedDiff(ctx context.Context, dir string) (string, error) {
	runner := &Runner{Workspace: dir}
	if _, err := runner.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	return runner.git(ctx, "diff", "--cached")
}

// Rollback discards uncommitted changes and returns to the latest
// checkpoint.
func (r *Runner) Rollback(ctx context.Context) error {
	if _, err := r.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	_, err := r.git(ctx, "clean", "-fd")
	return err
}

// StatusTool reports working-tree status.
type StatusTool struct {
	runner *Runner
}

// NewStatusTool creates a git_status tool.
func NewStatusTool(runner *Runner) *StatusTool {
	return &StatusTool{runner: runner}
}

func (t *StatusTool) Name() string { return "git_status" }

func (t *StatusTool) Description() string {
	return "Show the git working-tree status of the workspace."
}

func (t *StatusTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *StatusTool) ReadOnly() bool { return true }

func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	out, err := t.runner.git(ctx, "status", "--short", "--branch")
	if err != nil {
		return toolError(err.Error()), nil
	}
	return toolSuccess(map[string]any{"status": out}), nil
}

// DiffTool reports uncommitted changes.
type DiffTool struct {
	runner *Runner
}

// NewDiffTool creates a git_diff tool.
func NewDiffTool(runner *Runner) *DiffTool {
	return &DiffTool{runner: runner}
}

func (t *DiffTool) Name() string { return "git_diff" }

func (t *DiffTool) Description() string {
	return "Show uncommitted changes in the workspace, optionally limited to one path."
}

func (t *DiffTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Limit the diff to this path."},
			"staged": {"type": "boolean", "description": "Show the staged diff instead of the working tree."}
		}
	}`)
}

func (t *DiffTool) ReadOnly() bool { return true }

func (t *DiffTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Path   string `json:"path"`
		Staged bool   `json:"staged"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	args := []string{"diff"}
	if params.Staged {
		args = append(args, "--cached")
	}
	if params.Path != "" {
		args = append(args, "--", params.Path)
	}
	out, err := t.runner.git(ctx, args...)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return toolSuccess(map[string]any{"diff": out}), nil
}

// CheckpointTool commits the entire working tree as the agent author. The
// loop scans the staged diff for secrets before this tool ever runs.
type CheckpointTool struct {
	runner *Runner
}

// NewCheckpointTool creates a git_checkpoint tool.
func NewCheckpointTool(runner *Runner) *CheckpointTool {
	return &CheckpointTool{runner: runner}
}

func (t *CheckpointTool) Name() string { return "git_checkpoint" }

func (t *CheckpointTool) Description() string {
	return "Commit all workspace changes as a checkpoint with the given message."
}

func (t *CheckpointTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string", "description": "Commit message."}
		},
		"required": ["message"]
	}`)
}

func (t *CheckpointTool) ReadOnly() bool { return false }

func (t *CheckpointTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(params.Message) == "" {
		return toolError("message is required"), nil
	}

	if _, err := t.runner.git(ctx, "add", "-A"); err != nil {
		return toolError(err.Error()), nil
	}

	staged, err := t.runner.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return toolError(err.Error()), nil
	}
	if strings.TrimSpace(staged) == "" {
		return toolSuccess(map[string]any{"committed": false, "reason": "nothing to commit"}), nil
	}

	author := fmt.Sprintf("%s <%s>", AuthorName, AuthorEmail)
	if _, err := t.runner.git(ctx, "commit", "-m", params.Message, "--author", author); err != nil {
		return toolError(err.Error()), nil
	}
	hash, err := t.runner.git(ctx, "rev-parse", "--short", "HEAD")
	if err != nil {
		return toolError(err.Error()), nil
	}

	return toolSuccess(map[string]any{
		"committed": true,
		"commit":    strings.TrimSpace(hash),
		"files":     strings.Fields(staged),
	}), nil
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

func toolSuccess(result any) *agent.ToolResult {
	payload, err := json.Marshal(result)
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(payload)}
}
