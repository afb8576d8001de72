package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/klaus/internal/agent"
)

// WriteTool writes a file inside the workspace, creating parent directories
// as needed.
type WriteTool struct {
	resolver Resolver
}

// NewWriteTool creates a write_file tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace, overwriting any existing content."
}

func (t *WriteTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"content": {"type": "string", "description": "Complete file contents."}
		},
		"required": ["path", "content"]
	}`)
}

func (t *WriteTool) ReadOnly() bool { return false }

// Execute writes the file.
func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	_ = ctx
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(params.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return toolSuccess(map[string]any{
		"path":          params.Path,
		"bytes_written": len(params.Content),
	}), nil
}
