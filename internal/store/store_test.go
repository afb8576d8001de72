package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/klaus/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateSession(t *testing.T, s *Store, id string) *models.Session {
	t.Helper()
	session, err := s.CreateSession(context.Background(), id, "/tmp/workspace")
	if err != nil {
		t.Fatalf("create session %s: %v", id, err)
	}
	return session
}

func TestCreateSession_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	mustCreateSession(t, s, "sess-1")

	_, err := s.CreateSession(context.Background(), "sess-1", "/tmp/other")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSessions_PinnedFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateSession(t, s, "old")
	mustCreateSession(t, s, "pinned")
	mustCreateSession(t, s, "recent")

	if _, err := s.TogglePin(ctx, "pinned"); err != nil {
		t.Fatalf("toggle pin: %v", err)
	}
	// Touch "recent" last so it sorts above "old" within the unpinned group.
	if err := s.UpdateSessionSummary(ctx, "recent", "latest work"); err != nil {
		t.Fatalf("update summary: %v", err)
	}

	sessions, err := s.ListSessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("got %d sessions, want 3", len(sessions))
	}
	if sessions[0].ID != "pinned" {
		t.Errorf("first session = %s, want pinned", sessions[0].ID)
	}
	if sessions[1].ID != "recent" {
		t.Errorf("second session = %s, want recent", sessions[1].ID)
	}
}

func TestSearchSessions_SummaryAndContentUnion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateSession(t, s, "by-summary")
	mustCreateSession(t, s, "by-message")
	mustCreateSession(t, s, "unrelated")

	if err := s.UpdateSessionSummary(ctx, "by-summary", "refactor websocket handler"); err != nil {
		t.Fatalf("update summary: %v", err)
	}
	if err := s.AddMessage(ctx, &models.Message{
		SessionID: "by-message",
		Role:      models.RoleUser,
		Content:   "please fix the websocket reconnect bug",
	}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	// A match in both summary and content must not duplicate the session.
	if err := s.AddMessage(ctx, &models.Message{
		SessionID: "by-summary",
		Role:      models.RoleUser,
		Content:   "websocket again",
	}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	results, err := s.SearchSessions(ctx, "websocket", 10)
	if err != nil {
		t.Fatalf("search sessions: %v", err)
	}
	if len(results) != 2 {
		ids := make([]string, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.ID)
		}
		t.Fatalf("got %d results %v, want 2 deduplicated", len(results), ids)
	}
	for _, r := range results {
		if r.ID == "unrelated" {
			t.Error("unrelated session matched")
		}
	}
}

func TestUpdateSessionSummary_Truncates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	long := ""
	for i := 0; i < 60; i++ {
		long += "0123456789"
	}
	if err := s.UpdateSessionSummary(ctx, "sess-1", long); err != nil {
		t.Fatalf("update summary: %v", err)
	}

	session, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(session.Summary) != 500 {
		t.Errorf("summary length = %d, want 500", len(session.Summary))
	}
}

func TestSetTags_NormalizesOnWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	overlong := ""
	for i := 0; i < 6; i++ {
		overlong += "0123456789"
	}
	input := []string{"go", "go", "", overlong, "agent"}
	tags, err := s.SetTags(ctx, "sess-1", input)
	if err != nil {
		t.Fatalf("set tags: %v", err)
	}
	want := []string{"go", "agent"}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tags[%d] = %s, want %s", i, tags[i], want[i])
		}
	}

	session, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(session.Tags) != 2 {
		t.Errorf("persisted tags = %v, want 2 entries", session.Tags)
	}
}

func TestAddRemoveTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	if _, err := s.AddTag(ctx, "sess-1", "alpha"); err != nil {
		t.Fatalf("add tag: %v", err)
	}
	tags, err := s.AddTag(ctx, "sess-1", "beta")
	if err != nil {
		t.Fatalf("add tag: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("tags = %v, want 2", tags)
	}

	tags, err = s.RemoveTag(ctx, "sess-1", "alpha")
	if err != nil {
		t.Fatalf("remove tag: %v", err)
	}
	if len(tags) != 1 || tags[0] != "beta" {
		t.Errorf("tags = %v, want [beta]", tags)
	}
}

func TestGetMessages_FirstVersusRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		if err := s.AddMessage(ctx, &models.Message{
			SessionID: "sess-1",
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("msg-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}

	first, err := s.GetMessages(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(first) != 2 || first[0].Content != "msg-0" || first[1].Content != "msg-1" {
		t.Errorf("GetMessages returned %v, want first two oldest-first", contents(first))
	}

	recent, err := s.GetRecentMessages(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("get recent messages: %v", err)
	}
	if len(recent) != 2 || recent[0].Content != "msg-4" || recent[1].Content != "msg-5" {
		t.Errorf("GetRecentMessages returned %v, want last two oldest-first", contents(recent))
	}

	count, err := s.CountMessages(ctx, "sess-1")
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 6 {
		t.Errorf("count = %d, want 6", count)
	}
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestRecordToolCall_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	records := []models.ToolCallRecord{
		{SessionID: "sess-1", ToolName: "read_file", Input: `{"path":"a.go"}`, Success: true, DurationMs: 10},
		{SessionID: "sess-1", ToolName: "read_file", Input: `{"path":"b.go"}`, Success: true, DurationMs: 30},
		{SessionID: "sess-1", ToolName: "run_command", Input: `{"command":"go"}`, Success: false, DurationMs: 100},
	}
	for i := range records {
		if err := s.RecordToolCall(ctx, &records[i]); err != nil {
			t.Fatalf("record tool call: %v", err)
		}
	}

	stats, err := s.GetToolCallStats(ctx, "sess-1")
	if err != nil {
		t.Fatalf("tool call stats: %v", err)
	}
	byName := map[string]models.ToolCallStats{}
	for _, st := range stats {
		byName[st.ToolName] = st
	}

	rf := byName["read_file"]
	if rf.Calls != 2 || rf.Successes != 2 {
		t.Errorf("read_file stats = %+v, want 2 calls 2 successes", rf)
	}
	if rf.AvgDurationMs != 20 {
		t.Errorf("read_file avg duration = %v, want 20", rf.AvgDurationMs)
	}
	rc := byName["run_command"]
	if rc.Calls != 1 || rc.Successes != 0 {
		t.Errorf("run_command stats = %+v, want 1 call 0 successes", rc)
	}
}

func TestGetFileChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	base := time.Now().Add(-time.Minute)
	records := []models.ToolCallRecord{
		{SessionID: "sess-1", ToolName: "write_file", Input: `{"path":"src/a.go","content":"x"}`, Success: true, CreatedAt: base},
		{SessionID: "sess-1", ToolName: "read_file", Input: `{"path":"src/a.go"}`, Success: true, CreatedAt: base.Add(time.Second)},
		{SessionID: "sess-1", ToolName: "delete_file", Input: `{"path":"src/b.go"}`, Success: true, CreatedAt: base.Add(2 * time.Second)},
	}
	for i := range records {
		if err := s.RecordToolCall(ctx, &records[i]); err != nil {
			t.Fatalf("record tool call: %v", err)
		}
	}

	changes, err := s.GetFileChanges(ctx, "sess-1")
	if err != nil {
		t.Fatalf("file changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2 (reads excluded)", len(changes))
	}
	if changes[0].ToolName != "write_file" || changes[0].FilePath != "src/a.go" {
		t.Errorf("first change = %+v, want write_file src/a.go", changes[0])
	}
	if changes[1].ToolName != "delete_file" || changes[1].FilePath != "src/b.go" {
		t.Errorf("second change = %+v, want delete_file src/b.go", changes[1])
	}
}

func TestRecordTokenUsage_UpdatesTotalsAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	if err := s.RecordTokenUsage(ctx, "sess-1", 1000, 500, "claude-sonnet-4"); err != nil {
		t.Fatalf("record token usage: %v", err)
	}
	if err := s.RecordTokenUsage(ctx, "sess-1", 2000, 1000, "claude-haiku-4"); err != nil {
		t.Fatalf("record token usage: %v", err)
	}

	session, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.InputTokens != 3000 || session.OutputTokens != 1500 {
		t.Errorf("session totals = %d/%d, want 3000/1500", session.InputTokens, session.OutputTokens)
	}

	usage, err := s.GetSessionTokenUsage(ctx, "sess-1")
	if err != nil {
		t.Fatalf("session token usage: %v", err)
	}
	if usage.InputTokens != 3000 || usage.OutputTokens != 1500 || usage.TotalTokens != 4500 {
		t.Errorf("ledger totals = %+v, want 3000/1500/4500", usage)
	}

	// Per-row cost: sonnet row 1000/500 + haiku row 2000/1000.
	wantCost := EstimateCost(1000, 500, "claude-sonnet-4") + EstimateCost(2000, 1000, "claude-haiku-4")
	if diff := usage.EstimatedCostUSD - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", usage.EstimatedCostUSD, wantCost)
	}

	total, err := s.GetTotalTokenUsage(ctx)
	if err != nil {
		t.Fatalf("total token usage: %v", err)
	}
	if total.TotalTokens != 4500 {
		t.Errorf("total tokens = %d, want 4500", total.TotalTokens)
	}
}

func TestDeleteSession_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	if err := s.AddMessage(ctx, &models.Message{SessionID: "sess-1", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if err := s.RecordToolCall(ctx, &models.ToolCallRecord{SessionID: "sess-1", ToolName: "read_file", Input: "{}", Success: true}); err != nil {
		t.Fatalf("record tool call: %v", err)
	}
	if err := s.RecordTokenUsage(ctx, "sess-1", 10, 5, "claude-haiku-4"); err != nil {
		t.Fatalf("record token usage: %v", err)
	}

	if err := s.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	for _, table := range []string{"messages", "tool_calls", "token_usage"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Errorf("%s has %d rows after cascade delete, want 0", table, count)
		}
	}

	if err := s.DeleteSession(ctx, "sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestExpireIdleSessions_SkipsPinned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "stale")
	mustCreateSession(t, s, "stale-pinned")
	mustCreateSession(t, s, "fresh")

	if _, err := s.TogglePin(ctx, "stale-pinned"); err != nil {
		t.Fatalf("toggle pin: %v", err)
	}

	// Backdate the stale sessions past the TTL.
	old := fmtTime(time.Now().Add(-2 * time.Hour))
	for _, id := range []string{"stale", "stale-pinned"} {
		if _, err := s.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", old, id); err != nil {
			t.Fatalf("backdate %s: %v", id, err)
		}
	}

	n, err := s.ExpireIdleSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("expire idle sessions: %v", err)
	}
	if n != 1 {
		t.Errorf("expired %d sessions, want 1", n)
	}
	if _, err := s.GetSession(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Error("stale session should be expired")
	}
	if _, err := s.GetSession(ctx, "stale-pinned"); err != nil {
		t.Errorf("pinned session should survive expiry: %v", err)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Errorf("fresh session should survive expiry: %v", err)
	}
}

func TestKnowledge_UpsertAndCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetKnowledge(ctx, "style", "tabs not spaces", ""); err != nil {
		t.Fatalf("set knowledge: %v", err)
	}
	if err := s.SetKnowledge(ctx, "style", "gofmt decides", "conventions"); err != nil {
		t.Fatalf("upsert knowledge: %v", err)
	}
	if err := s.SetKnowledge(ctx, "deploy", "blue-green", "ops"); err != nil {
		t.Fatalf("set knowledge: %v", err)
	}

	entry, err := s.GetKnowledge(ctx, "style")
	if err != nil {
		t.Fatalf("get knowledge: %v", err)
	}
	if entry.Value != "gofmt decides" || entry.Category != "conventions" {
		t.Errorf("entry = %+v, want upserted value and category", entry)
	}

	ops, err := s.ListKnowledge(ctx, "ops")
	if err != nil {
		t.Fatalf("list knowledge: %v", err)
	}
	if len(ops) != 1 || ops[0].Key != "deploy" {
		t.Errorf("ops entries = %v, want [deploy]", ops)
	}

	all, err := s.ListKnowledge(ctx, "")
	if err != nil {
		t.Fatalf("list all knowledge: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d entries, want 2", len(all))
	}

	n, err := s.ClearKnowledge(ctx, "ops")
	if err != nil {
		t.Fatalf("clear knowledge: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared %d, want 1", n)
	}
	if err := s.DeleteKnowledge(ctx, "style"); err != nil {
		t.Fatalf("delete knowledge: %v", err)
	}
	if err := s.DeleteKnowledge(ctx, "style"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestExportSession_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")

	for i := 0; i < 3; i++ {
		if err := s.AddMessage(ctx, &models.Message{
			SessionID: "sess-1",
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("msg-%d", i),
		}); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	if err := s.RecordTokenUsage(ctx, "sess-1", 100, 50, "claude-sonnet-4"); err != nil {
		t.Fatalf("record token usage: %v", err)
	}

	export, err := s.ExportSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("export session: %v", err)
	}
	if export.Session.ID != "sess-1" {
		t.Errorf("export session id = %s, want sess-1", export.Session.ID)
	}
	if len(export.Messages) != 3 {
		t.Errorf("export has %d messages, want 3", len(export.Messages))
	}
	if export.TokenUsage.TotalTokens != 150 {
		t.Errorf("export total tokens = %d, want 150", export.TokenUsage.TotalTokens)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, s, "sess-1")
	mustCreateSession(t, s, "sess-2")
	if err := s.SetKnowledge(ctx, "k", "v", ""); err != nil {
		t.Fatalf("set knowledge: %v", err)
	}

	n, err := s.ClearAll(ctx)
	if err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if n != 3 {
		t.Errorf("cleared %d rows, want 3", n)
	}
}
