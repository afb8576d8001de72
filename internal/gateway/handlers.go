package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/klaus/internal/agent"
	"github.com/haasonsaas/klaus/internal/approval"
	"github.com/haasonsaas/klaus/pkg/models"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := make(map[string]bool, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		err := check(ctx)
		checks[name] = err == nil
		if err != nil {
			healthy = false
			s.logger.Warn(ctx, "health check failed", "check", name, "error", err)
		}
	}

	total, err := s.store.GetTotalTokenUsage(ctx)
	if err != nil {
		healthy = false
		checks["database"] = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":                status,
		"activeSessions":        s.loop.ActiveSessions(),
		"maxConcurrentSessions": s.cfg.MaxConcurrentSessions,
		"tokenBudget":           s.cfg.TokenBudget,
		"totalTokensUsed":       total.TotalTokens,
		"estimatedCostUsd":      total.EstimatedCostUSD,
		"checks":                checks,
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req agent.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, r, http.StatusBadRequest, "message is required")
		return
	}
	if !s.cfg.ModelAllowed(req.Model) {
		writeError(w, r, http.StatusBadRequest, "model not allowed")
		return
	}

	result, err := s.loop.Run(r.Context(), req)
	if err != nil {
		writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// sessionSummary is a list entry: the session row plus its usage totals.
type sessionSummary struct {
	*models.Session
	TokenUsage models.TokenUsageTotals `json:"tokenUsage"`
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		sessions []*models.Session
		err      error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		sessions, err = s.store.SearchSessions(ctx, q, 50)
	} else {
		sessions, err = s.store.ListSessions(ctx, 50)
	}
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	summaries := make([]sessionSummary, 0, len(sessions))
	for _, session := range sessions {
		usage, err := s.store.GetSessionTokenUsage(ctx, session.ID)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		summaries = append(summaries, sessionSummary{Session: session, TokenUsage: usage})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	messages, err := s.store.GetMessages(ctx, id, 0)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	usage, err := s.store.GetSessionTokenUsage(ctx, id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	stats, err := s.store.GetToolCallStats(ctx, id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    session,
		"messages":   messages,
		"tokenUsage": usage,
		"toolStats":  stats,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.bus.DropSession(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "sessionId": id})
}

func (s *Server) handleSessionRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	id := r.PathValue("id")
	if err := s.store.UpdateSessionSummary(r.Context(), id, body.Name); err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": id, "name": body.Name})
}

func (s *Server) handleSessionPin(w http.ResponseWriter, r *http.Request) {
	pinned, err := s.store.TogglePin(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pinned": pinned})
}

func (s *Server) handleSessionTags(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tags == nil {
		writeError(w, r, http.StatusBadRequest, "tags are required")
		return
	}
	tags, err := s.store.SetTags(r.Context(), r.PathValue("id"), body.Tags)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled := s.loop.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": cancelled, "sessionId": id})
}

// handleApprovalsPending lists patches still waiting for operator sign-off,
// so a client reconnecting mid-run can re-render its approval prompts.
func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	pending := s.approvals.Pending()
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	total, err := s.store.GetTotalTokenUsage(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total})
}
