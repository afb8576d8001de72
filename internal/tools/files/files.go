// Package files implements the workspace filesystem tools: read, write,
// list, search, unified-diff patching, and deletion. Every path is resolved
// through the workspace resolver; mutating operations can be routed through
// the patch-approval broker.
package files

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/approval"
	"github.com/haasonsaas/klaus/internal/events"
	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/pkg/models"
)

// Config controls filesystem tool behaviour.
type Config struct {
	// Workspace is the directory all paths resolve within.
	Workspace string

	// MaxReadBytes caps a single read. Zero selects the 5 MB default.
	MaxReadBytes int

	// MaxSearchMatches caps search results. Zero selects 200.
	MaxSearchMatches int

	// RequireApproval routes apply_patch and delete_file through the broker.
	RequireApproval bool

	// Approvals is the patch-approval broker. Required when RequireApproval
	// is set.
	Approvals *approval.Broker

	// Bus delivers patch_approval_required events to the session's
	// subscribers. May be nil.
	Bus *events.Bus
}

const defaultMaxReadBytes = 5 << 20

// skipDirs are directory names excluded from listing and search walks.
var skipDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	"__pycache__":  {},
	".venv":        {},
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

// requestApproval asks the operator to sign off on a mutation. Approval is
// implicit when the broker is absent or approvals are disabled. A denial,
// whether explicit or by timeout, reads as approved=false.
func requestApproval(ctx context.Context, cfg Config, path, diff string, op approval.Operation) (bool, error) {
	if !cfg.RequireApproval || cfg.Approvals == nil {
		return true, nil
	}
	sessionID := observability.GetSessionID(ctx)
	patchID := uuid.NewString()

	decision, err := cfg.Approvals.Request(ctx, approval.Request{
		PatchID:   patchID,
		SessionID: sessionID,
		FilePath:  path,
		Diff:      diff,
		Operation: op,
	}, func(event models.AgentEvent) {
		if cfg.Bus != nil {
			cfg.Bus.Publish(sessionID, event)
		}
	})
	if err != nil {
		return false, err
	}

	select {
	case approved := <-decision:
		return approved, nil
	case <-ctx.Done():
		cfg.Approvals.Resolve(patchID, false)
		return false, ctx.Err()
	}
}
