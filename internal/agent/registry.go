package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ProgressUpdate is an advisory progress report from a long-running tool.
type ProgressUpdate struct {
	ToolCallID string  `json:"toolCallId"`
	ToolName   string  `json:"toolName"`
	Progress   float64 `json:"progress"`
	Status     string  `json:"status"`
	ElapsedMs  int64   `json:"elapsedMs"`
}

// ProgressFunc receives progress updates. Implementations must not block;
// progress is advisory and not flow-controlled.
type ProgressFunc func(ProgressUpdate)

// Tool is an executable agent capability.
type Tool interface {
	// Name returns the tool name for model function calling.
	Name() string

	// Description returns natural-language guidance for the model.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// ReadOnly reports whether the tool mutates nothing: read-only tools
	// within one turn may execute in parallel.
	ReadOnly() bool

	// Execute runs the tool. Input has already been validated against
	// Schema. progress may be nil.
	Execute(ctx context.Context, input json.RawMessage, progress ProgressFunc) (*ToolResult, error)
}

// ToolResult is the output of a tool execution. Errors are communicated
// with IsError=true so the model can observe and recover from them.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// MaxToolParamsSize caps tool input JSON at 10 MB.
const MaxToolParamsSize = 10 << 20

// Registry is the static catalogue of tools with compiled input schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register compiles the tool's schema and adds it to the catalogue. A tool
// with the same name is replaced.
func (r *Registry) Register(tool Tool) error {
	compiled, err := jsonschema.CompileString(tool.Name(), string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = compiled
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// IsReadOnly reports whether the named tool is registered and read-only.
func (r *Registry) IsReadOnly(name string) bool {
	tool, ok := r.Get(name)
	return ok && tool.ReadOnly()
}

// Validate checks input against the tool's compiled schema. Validation
// runs before any handler invocation.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	if len(input) > MaxToolParamsSize {
		return fmt.Errorf("Validation failed: input exceeds %d bytes", MaxToolParamsSize)
	}
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("Unknown tool: %s", name)
	}

	var payload any
	if len(input) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(input, &payload); err != nil {
		return fmt.Errorf("Validation failed: %v", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("Validation failed: %v", err)
	}
	return nil
}

// Specs returns the tool catalogue for the provider, sorted by name so the
// system prompt stays cache-stable across turns.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
