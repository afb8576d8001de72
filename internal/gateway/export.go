package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/klaus/pkg/models"
)

func (s *Server) handleSessionExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	export, err := s.store.ExportSession(ctx, id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+id+".json"))
		writeJSON(w, http.StatusOK, export)
	case "markdown":
		changes, err := s.store.GetFileChanges(ctx, id)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session-"+id+".md"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(renderMarkdown(export, changes)))
	default:
		writeError(w, r, http.StatusBadRequest, "unsupported format: "+format)
	}
}

// renderMarkdown produces a human-readable transcript of the session.
func renderMarkdown(export *models.SessionExport, changes []models.FileChange) string {
	var b strings.Builder
	session := export.Session

	title := session.Summary
	if title == "" {
		title = session.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- Session: `%s`\n", session.ID)
	fmt.Fprintf(&b, "- Created: %s\n", session.CreatedAt.Format("2006-01-02 15:04:05"))
	if len(session.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(session.Tags, ", "))
	}
	fmt.Fprintf(&b, "- Tokens: %d in / %d out (est. $%.4f)\n\n",
		export.TokenUsage.InputTokens, export.TokenUsage.OutputTokens, export.TokenUsage.EstimatedCostUSD)

	for _, msg := range export.Messages {
		switch msg.Role {
		case models.RoleUser:
			b.WriteString("## User\n\n")
		case models.RoleAssistant:
			b.WriteString("## Assistant\n\n")
		case models.RoleTool:
			fmt.Fprintf(&b, "## Tool: %s\n\n", msg.ToolName)
		default:
			fmt.Fprintf(&b, "## %s\n\n", msg.Role)
		}
		content := strings.TrimSpace(msg.Content)
		if msg.Role == models.RoleTool {
			fmt.Fprintf(&b, "```\n%s\n```\n\n", content)
		} else {
			b.WriteString(content + "\n\n")
		}
	}

	if len(changes) > 0 {
		b.WriteString("## File changes\n\n")
		for _, change := range changes {
			marker := "ok"
			if !change.Success {
				marker = "failed"
			}
			fmt.Fprintf(&b, "- `%s` (%s, %s)\n", change.FilePath, change.ToolName, marker)
		}
		b.WriteString("\n")
	}
	return b.String()
}
