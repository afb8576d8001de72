package files

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/klaus/internal/agent"
)

const (
	defaultMaxMatches  = 200
	maxSearchFileBytes = 2 << 20
	maxMatchTextLen    = 500
)

// Match is one search hit. The flat array output feeds the downstream
// result condenser.
type Match struct {
	File string `json:"file"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// SearchTool greps workspace files for a literal string or regex.
type SearchTool struct {
	resolver   Resolver
	maxMatches int
}

// NewSearchTool creates a search_files tool scoped to the workspace.
func NewSearchTool(cfg Config) *SearchTool {
	limit := cfg.MaxSearchMatches
	if limit <= 0 {
		limit = defaultMaxMatches
	}
	return &SearchTool{resolver: Resolver{Root: cfg.Workspace}, maxMatches: limit}
}

func (t *SearchTool) Name() string { return "search_files" }

func (t *SearchTool) Description() string {
	return "Search workspace files for a literal string or regular expression, returning file, line, and text per match."
}

func (t *SearchTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Literal text or regex to search for."},
			"path": {"type": "string", "description": "Directory relative to the workspace (default: workspace root)."},
			"regex": {"type": "boolean", "description": "Treat query as a regular expression."},
			"case_sensitive": {"type": "boolean", "description": "Match case exactly (default: false)."}
		},
		"required": ["query"]
	}`)
}

func (t *SearchTool) ReadOnly() bool { return true }

// Execute scans files line by line, skipping binaries and oversized files.
func (t *SearchTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Query         string `json:"query"`
		Path          string `json:"path"`
		Regex         bool   `json:"regex"`
		CaseSensitive bool   `json:"case_sensitive"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if params.Query == "" {
		return toolError("query is required"), nil
	}
	if params.Path == "" {
		params.Path = "."
	}

	matcher, err := buildMatcher(params.Query, params.Regex, params.CaseSensitive)
	if err != nil {
		return toolError(fmt.Sprintf("invalid query: %v", err)), nil
	}

	root, err := t.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var matches []Match
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
		info, err := d.Info()
		if err != nil || info.Size() > maxSearchFileBytes {
			return nil
		}
		fileMatches, err := t.searchFile(path, matcher, t.maxMatches-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, fileMatches...)
		if len(matches) >= t.maxMatches {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return toolError(fmt.Sprintf("walk: %v", err)), nil
	}
	if matches == nil {
		matches = []Match{}
	}
	return toolSuccess(matches), nil
}

func (t *SearchTool) searchFile(path string, matcher func(string) bool, budget int) ([]Match, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// Binary sniff on the first block.
	head := make([]byte, 1024)
	n, _ := file.Read(head)
	if bytes.IndexByte(head[:n], 0) >= 0 {
		return nil, nil
	}
	if _, err := file.Seek(0, 0); err != nil {
		return nil, err
	}

	var matches []Match
	rel := t.resolver.Rel(path)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !matcher(line) {
			continue
		}
		text := strings.TrimSpace(line)
		if len(text) > maxMatchTextLen {
			text = text[:maxMatchTextLen]
		}
		matches = append(matches, Match{File: rel, Line: lineNo, Text: text})
		if len(matches) >= budget {
			break
		}
	}
	return matches, scanner.Err()
}

func buildMatcher(query string, asRegex, caseSensitive bool) (func(string) bool, error) {
	if asRegex {
		pattern := query
		if !caseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return re.MatchString, nil
	}
	if caseSensitive {
		return func(line string) bool { return strings.Contains(line, query) }, nil
	}
	lowered := strings.ToLower(query)
	return func(line string) bool { return strings.Contains(strings.ToLower(line), lowered) }, nil
}
