package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/haasonsaas/klaus/internal/agent"
)

const defaultMaxListed = 10000

// ListTool walks the workspace and returns file paths. The output is a flat
// JSON array so oversized listings can be condensed downstream.
type ListTool struct {
	resolver Resolver
}

// NewListTool creates a list_files tool scoped to the workspace.
func NewListTool(cfg Config) *ListTool {
	return &ListTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ListTool) Name() string { return "list_files" }

func (t *ListTool) Description() string {
	return "List files under a workspace directory recursively, skipping dependency and VCS directories."
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory relative to the workspace (default: workspace root)."},
			"max_results": {"type": "integer", "minimum": 1, "description": "Cap on returned paths."}
		}
	}`)
}

func (t *ListTool) ReadOnly() bool { return true }

// Execute walks the tree and returns relative paths.
func (t *ListTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Path       string `json:"path"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Path == "" {
		params.Path = "."
	}
	limit := params.MaxResults
	if limit <= 0 {
		limit = defaultMaxListed
	}

	root, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, t.resolver.Rel(path))
		if len(paths) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return toolError(fmt.Sprintf("walk: %v", err)), nil
	}
	if paths == nil {
		paths = []string{}
	}
	return toolSuccess(paths), nil
}
