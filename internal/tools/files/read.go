package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/haasonsaas/klaus/internal/agent"
)

// ReadTool reads a file from the workspace.
type ReadTool struct {
	resolver Resolver
	maxBytes int
}

// NewReadTool creates a read_file tool scoped to the workspace.
func NewReadTool(cfg Config) *ReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &ReadTool{resolver: Resolver{Root: cfg.Workspace}, maxBytes: limit}
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a file from the workspace. Large files are truncated at the byte cap."
}

func (t *ReadTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Path relative to the workspace."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from."}
		},
		"required": ["path"]
	}`)
}

func (t *ReadTool) ReadOnly() bool { return true }

// Execute reads up to the byte cap from the resolved path.
func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	_ = ctx
	var params struct {
		Path   string `json:"path"`
		Offset int64  `json:"offset"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError(fmt.Sprintf("%s is a directory", params.Path)), nil
	}
	if params.Offset > 0 {
		if _, err := file.Seek(params.Offset, io.SeekStart); err != nil {
			return toolError(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	buf, err := io.ReadAll(io.LimitReader(file, int64(t.maxBytes)))
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	return toolSuccess(map[string]any{
		"path":      params.Path,
		"content":   string(buf),
		"size":      info.Size(),
		"truncated": params.Offset+int64(len(buf)) < info.Size(),
	}), nil
}
