// Package memory implements the knowledge tools: persistent key/value
// entries that survive across sessions and are folded into the system
// prompt of every run.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/pkg/models"
)

const defaultCategory = "general"

// GetTool reads knowledge entries.
type GetTool struct {
	store *store.Store
}

// NewGetTool creates a memory_get tool.
func NewGetTool(st *store.Store) *GetTool {
	return &GetTool{store: st}
}

func (t *GetTool) Name() string { return "memory_get" }

func (t *GetTool) Description() string {
	return "Read a persistent knowledge entry by key, or list entries in a category when no key is given."
}

func (t *GetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string", "description": "Entry key to look up."},
			"category": {"type": "string", "description": "List all entries in this category instead."}
		}
	}`)
}

func (t *GetTool) ReadOnly() bool { return true }

func (t *GetTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Key      string `json:"key"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	if params.Key != "" {
		entry, err := t.store.GetKnowledge(ctx, params.Key)
		if errors.Is(err, store.ErrNotFound) {
			return toolError(fmt.Sprintf("no entry for key %q", params.Key)), nil
		}
		if err != nil {
			return toolError(fmt.Sprintf("read knowledge: %v", err)), nil
		}
		return toolSuccess(entry), nil
	}

	entries, err := t.store.ListKnowledge(ctx, params.Category)
	if err != nil {
		return toolError(fmt.Sprintf("list knowledge: %v", err)), nil
	}
	if entries == nil {
		entries = []models.KnowledgeEntry{}
	}
	return toolSuccess(map[string]any{"entries": entries}), nil
}

// SetTool writes knowledge entries.
type SetTool struct {
	store *store.Store
}

// NewSetTool creates a memory_set tool.
func NewSetTool(st *store.Store) *SetTool {
	return &SetTool{store: st}
}

func (t *SetTool) Name() string { return "memory_set" }

func (t *SetTool) Description() string {
	return "Store a persistent knowledge entry. Entries are included in future runs' system prompts."
}

func (t *SetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"key": {"type": "string", "minLength": 1, "description": "Entry key."},
			"value": {"type": "string", "description": "Entry value."},
			"category": {"type": "string", "description": "Grouping category (default: general)."}
		},
		"required": ["key", "value"]
	}`)
}

func (t *SetTool) ReadOnly() bool { return false }

func (t *SetTool) Execute(ctx context.Context, input json.RawMessage, progress agent.ProgressFunc) (*agent.ToolResult, error) {
	var params struct {
		Key      string `json:"key"`
		Value    string `json:"value"`
		Category string `json:"category"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	key := strings.TrimSpace(params.Key)
	if key == "" {
		return toolError("key is required"), nil
	}
	category := params.Category
	if category == "" {
		category = defaultCategory
	}

	if err := t.store.SetKnowledge(ctx, key, params.Value, category); err != nil {
		return toolError(fmt.Sprintf("write knowledge: %v", err)), nil
	}
	return toolSuccess(map[string]any{"key": key, "category": category, "stored": true}), nil
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
