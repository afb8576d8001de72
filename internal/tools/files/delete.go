package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/approval"
)

// DeleteTool removes a workspace file, gated on operator approval when
// approvals are enabled.
type DeleteTool struct {
	cfg      Config
	resolver Resolver
}

// NewDeleteTool creates a delete_file tool scoped to the workspace.
func NewDeleteTool(cfg Config) *DeleteTool {
	return &DeleteTool{cfg: cfg, resolver: Resolver{Root: cfg.Workspace}}
}

func (t *DeleteTool) Name() string { return "delete_file" }

func (t *DeleteTool) Description() string {
	return "Delete a file from the workspace. Directories are not deleted."
}

func (t *DeleteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."}
		},
		"required": ["path"]
	}`)
}

func (t *DeleteTool) ReadOnly() bool { return false }

// Execute deletes the file after approval.
func (t *DeleteTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError(fmt.Sprintf("%s is a directory", params.Path)), nil
	}

	diff := fmt.Sprintf("delete %s (%d bytes)", params.Path, info.Size())
	approved, err := requestApproval(ctx, t.cfg, params.Path, diff, approval.OperationDelete)
	if err != nil {
		return toolError(fmt.Sprintf("approval: %v", err)), nil
	}
	if !approved {
		return toolError(fmt.Sprintf("Patch denied: %s", params.Path)), nil
	}

	if err := os.Remove(resolved); err != nil {
		return toolError(fmt.Sprintf("delete file: %v", err)), nil
	}
	return toolSuccess(map[string]any{"path": params.Path, "deleted": true}), nil
}
