package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/klaus/pkg/models"
)

func newTestBuilder(t *testing.T, maxMessages int) (*ContextBuilder, *scriptedProvider) {
	t.Helper()
	st := testAgentStore(t)
	if _, err := st.CreateSession(context.Background(), "sess-1", t.TempDir()); err != nil {
		t.Fatalf("create session: %v", err)
	}
	provider := &scriptedProvider{}
	return NewContextBuilder(st, provider, testSummaryModel, maxMessages, testLogger(t)), provider
}

func seedConversation(t *testing.T, b *ContextBuilder, n int, finalPrompt string) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		content := fmt.Sprintf("user-%d", i)
		if i%2 == 1 {
			role = models.RoleAssistant
			content = fmt.Sprintf("assistant-%d", i)
		}
		if i == n-1 && finalPrompt != "" {
			role = models.RoleUser
			content = finalPrompt
		}
		err := b.store.AddMessage(context.Background(), &models.Message{
			SessionID: "sess-1",
			Role:      role,
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
	}
}

func TestContextBuilder_UnderWindowPassthrough(t *testing.T) {
	b, provider := newTestBuilder(t, 10)
	seedConversation(t, b, 5, "latest question")

	messages, err := b.Build(context.Background(), "sess-1", "latest question")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(messages))
	}
	last := messages[len(messages)-1]
	if last.Role != models.RoleUser || last.Content != "latest question" {
		t.Errorf("last message = %+v, want the current prompt", last)
	}
	for _, m := range messages {
		if strings.Contains(m.Content, "CONTEXT SUMMARY") {
			t.Error("no summary expected under the window")
		}
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider called %d times, want 0", len(provider.requests))
	}
}

func TestContextBuilder_OverWindowSummarises(t *testing.T) {
	b, provider := newTestBuilder(t, 6)
	// 12 messages: over the window, and 12 % 3 == 0 forces regeneration.
	seedConversation(t, b, 12, "current prompt")

	messages, err := b.Build(context.Background(), "sess-1", "current prompt")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.HasPrefix(messages[0].Content, "[CONTEXT SUMMARY — earlier conversation]") {
		t.Errorf("first message = %q, want synthetic summary turn", messages[0].Content)
	}
	if messages[0].Role != models.RoleUser {
		t.Errorf("summary role = %s, want user", messages[0].Role)
	}
	if messages[1].Role != models.RoleAssistant || !strings.Contains(messages[1].Content, "Understood. Continuing from where we left off.") {
		t.Errorf("ack turn = %+v", messages[1])
	}

	// The ⌊6/2⌋ = 3 most recent messages follow the summary pair (merged
	// where alternation requires); the last of them is the prompt itself.
	joined := ""
	for _, m := range messages[1:] {
		joined += m.Content + "\n"
	}
	for _, want := range []string{"assistant-9", "user-10"} {
		if !strings.Contains(joined, want) {
			t.Errorf("recent half missing %q in %q", want, joined)
		}
	}
	if strings.Contains(joined, "user-0") || strings.Contains(joined, "assistant-1") {
		t.Error("oldest messages must not appear verbatim")
	}
	last := messages[len(messages)-1]
	if last.Role != models.RoleUser || !strings.Contains(last.Content, "current prompt") {
		t.Errorf("last message = %+v, want the current prompt", last)
	}

	// The summary was generated through the cheap model and persisted.
	if len(provider.requests) != 1 || provider.requests[0].Model != testSummaryModel {
		t.Fatalf("expected one summary-model call, got %+v", provider.requests)
	}
	entry, err := b.store.GetKnowledge(context.Background(), "ctx_summary_sess-1")
	if err != nil {
		t.Fatalf("summary not persisted: %v", err)
	}
	if entry.Value != "Scripted summary" {
		t.Errorf("stored summary = %q", entry.Value)
	}
}

func TestContextBuilder_ReusesStoredSummary(t *testing.T) {
	b, provider := newTestBuilder(t, 6)
	// 13 messages: 13 % 3 != 0, so a stored summary is reused.
	seedConversation(t, b, 13, "current prompt")
	if err := b.store.SetKnowledge(context.Background(), "ctx_summary_sess-1", "existing summary", "context"); err != nil {
		t.Fatalf("set knowledge: %v", err)
	}

	messages, err := b.Build(context.Background(), "sess-1", "current prompt")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if !strings.Contains(messages[0].Content, "existing summary") {
		t.Errorf("summary turn = %q, want stored summary", messages[0].Content)
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider called %d times, want 0 (summary reused)", len(provider.requests))
	}
}

func TestMergeAlternating(t *testing.T) {
	in := []CompletionMessage{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleUser, Content: "b"},
		{Role: models.RoleAssistant, Content: "c"},
		{Role: models.RoleAssistant, Content: "d"},
		{Role: models.RoleUser, Content: "e"},
	}
	out := mergeAlternating(in)

	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}
	if out[0].Content != "a\n\nb" {
		t.Errorf("merged user turn = %q", out[0].Content)
	}
	if out[1].Content != "c\n\nd" {
		t.Errorf("merged assistant turn = %q", out[1].Content)
	}
	if out[2].Content != "e" {
		t.Errorf("final turn = %q", out[2].Content)
	}
}
