package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/approval"
)

// ApplyPatchTool applies a unified diff to a single workspace file,
// optionally gated on operator approval.
type ApplyPatchTool struct {
	cfg      Config
	resolver Resolver
}

// NewApplyPatchTool creates an apply_patch tool scoped to the workspace.
func NewApplyPatchTool(cfg Config) *ApplyPatchTool {
	return &ApplyPatchTool{cfg: cfg, resolver: Resolver{Root: cfg.Workspace}}
}

func (t *ApplyPatchTool) Name() string { return "apply_patch" }

func (t *ApplyPatchTool) Description() string {
	return "Apply a unified diff to one file in the workspace. The diff must carry ---/+++ headers and @@ hunks."
}

func (t *ApplyPatchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"patch": {"type": "string", "description": "Unified diff for a single file."}
		},
		"required": ["patch"]
	}`)
}

func (t *ApplyPatchTool) ReadOnly() bool { return false }

// Execute parses, waits for approval when required, and applies the diff.
func (t *ApplyPatchTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(params.Patch) == "" {
		return toolError("patch is required"), nil
	}

	patch, err := parseUnifiedDiff(params.Patch)
	if err != nil {
		return toolError(err.Error()), nil
	}

	resolved, err := t.resolver.Resolve(patch.path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	approved, err := requestApproval(ctx, t.cfg, patch.path, params.Patch, approval.OperationModify)
	if err != nil {
		return toolError(fmt.Sprintf("approval: %v", err)), nil
	}
	if !approved {
		return toolError(fmt.Sprintf("Patch denied: %s", patch.path)), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}
	content, added, removed, err := patch.apply(string(data))
	if err != nil {
		return toolError(fmt.Sprintf("apply patch: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return toolSuccess(map[string]any{
		"path":          patch.path,
		"hunks":         len(patch.hunks),
		"lines_added":   added,
		"lines_removed": removed,
	}), nil
}

type unifiedDiff struct {
	path  string
	hunks []diffHunk
}

type diffHunk struct {
	oldStart int
	lines    []string
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,\d+)? \+\d+(?:,\d+)? @@`)

// parseUnifiedDiff accepts exactly one file's worth of ---/+++ headers and
// hunks.
func parseUnifiedDiff(text string) (*unifiedDiff, error) {
	lines := strings.Split(text, "\n")
	var diff *unifiedDiff
	var current *diffHunk

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "--- "):
			if diff != nil {
				return nil, fmt.Errorf("invalid patch: multiple files in one patch")
			}
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("invalid patch: missing +++ header")
			}
			path := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			path = strings.TrimPrefix(path, "b/")
			diff = &unifiedDiff{path: path}
			i++
		case strings.HasPrefix(line, "@@ "):
			if diff == nil {
				return nil, fmt.Errorf("invalid patch: hunk without file header")
			}
			header := hunkHeaderRe.FindStringSubmatch(line)
			if header == nil {
				return nil, fmt.Errorf("invalid patch: malformed hunk header")
			}
			oldStart, err := strconv.Atoi(header[1])
			if err != nil {
				return nil, fmt.Errorf("invalid patch: malformed hunk header")
			}
			diff.hunks = append(diff.hunks, diffHunk{oldStart: oldStart})
			current = &diff.hunks[len(diff.hunks)-1]
		default:
			if current == nil || line == "" || line == `\ No newline at end of file` {
				continue
			}
			switch line[0] {
			case ' ', '+', '-':
				current.lines = append(current.lines, line)
			default:
				return nil, fmt.Errorf("invalid patch line: %s", line)
			}
		}
	}

	if diff == nil {
		return nil, fmt.Errorf("invalid patch: no file headers found")
	}
	if len(diff.hunks) == 0 {
		return nil, fmt.Errorf("invalid patch: no hunks found")
	}
	return diff, nil
}

// apply replays the hunks against the file content, verifying context and
// deletion lines match before mutating.
func (d *unifiedDiff) apply(content string) (result string, added, removed int, err error) {
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	var lines []string
	if trimmed := strings.TrimSuffix(content, "\n"); trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}

	// Hunk starts index the original file; offset carries the net line
	// delta from hunks already applied.
	offset := 0
	for _, h := range d.hunks {
		idx := h.oldStart - 1 + offset
		if idx < 0 {
			idx = 0
		}
		before := len(lines)
		for _, line := range h.lines {
			text := line[1:]
			switch line[0] {
			case ' ':
				if idx >= len(lines) || lines[idx] != text {
					return "", 0, 0, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				idx++
			case '-':
				if idx >= len(lines) || lines[idx] != text {
					return "", 0, 0, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				lines = append(lines[:idx], lines[idx+1:]...)
				removed++
			case '+':
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
				added++
			}
		}
		offset += len(lines) - before
	}

	result = strings.Join(lines, "\n")
	if hadTrailingNewline {
		result += "\n"
	}
	return result, added, removed, nil
}
