package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/internal/store"
	"github.com/haasonsaas/klaus/pkg/models"
)

// summaryKeyPrefix keys rolling context summaries in the knowledge table.
const summaryKeyPrefix = "ctx_summary_"

const summaryCategory = "context"

const contextSummarySystem = "You summarize coding-agent conversations. Preserve decisions made, files touched, patterns established, and errors resolved. Respond with 2-4 paragraphs of plain prose."

// ContextBuilder assembles the message sequence for the next model turn,
// summarising history that no longer fits the context-message window.
type ContextBuilder struct {
	store        *store.Store
	provider     LLMProvider
	summaryModel string
	maxMessages  int
	logger       *observability.Logger
}

// NewContextBuilder creates a builder. maxMessages below 2 is raised to 2
// so the window can always hold a summary pair.
func NewContextBuilder(st *store.Store, provider LLMProvider, summaryModel string, maxMessages int, logger *observability.Logger) *ContextBuilder {
	if maxMessages < 2 {
		maxMessages = 2
	}
	return &ContextBuilder{
		store:        st,
		provider:     provider,
		summaryModel: summaryModel,
		maxMessages:  maxMessages,
		logger:       logger,
	}
}

// Build returns the conversation to send to the model: either the recent
// history verbatim, or a synthetic summary pair followed by the most recent
// half-window. The final element is always a user turn carrying prompt.
func (b *ContextBuilder) Build(ctx context.Context, sessionID, prompt string) ([]CompletionMessage, error) {
	count, err := b.store.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if count <= b.maxMessages {
		recent, err := b.store.GetRecentMessages(ctx, sessionID, b.maxMessages)
		if err != nil {
			return nil, err
		}
		return b.assemble(nil, recent, prompt), nil
	}

	half := b.maxMessages / 2
	summary, err := b.summaryFor(ctx, sessionID, count, half)
	if err != nil {
		return nil, err
	}
	recent, err := b.store.GetRecentMessages(ctx, sessionID, half)
	if err != nil {
		return nil, err
	}
	return b.assemble(summary, recent, prompt), nil
}

// summaryFor returns the rolling summary for the session, regenerating it
// when none is stored or when the message count reaches a multiple of the
// half-window. The periodic refresh bounds staleness without paying for a
// summary every turn.
func (b *ContextBuilder) summaryFor(ctx context.Context, sessionID string, count, half int) (*string, error) {
	key := summaryKeyPrefix + sessionID

	var stored string
	entry, err := b.store.GetKnowledge(ctx, key)
	switch {
	case err == nil:
		stored = entry.Value
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}

	if stored != "" && count%half != 0 {
		return &stored, nil
	}

	oldest, err := b.store.GetMessages(ctx, sessionID, half)
	if err != nil {
		return nil, err
	}
	fresh, err := b.summarize(ctx, oldest)
	if err != nil {
		// A stale summary beats failing the whole turn.
		if stored != "" {
			b.logger.Warn(ctx, "context summary refresh failed, using stored summary", "error", err)
			return &stored, nil
		}
		return nil, fmt.Errorf("summarize context: %w", err)
	}
	if err := b.store.SetKnowledge(ctx, key, fresh, summaryCategory); err != nil {
		b.logger.Warn(ctx, "failed to persist context summary", "error", err)
	}
	return &fresh, nil
}

func (b *ContextBuilder) summarize(ctx context.Context, messages []models.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, m.Content)
	}
	return completeText(ctx, b.provider, b.summaryModel, contextSummarySystem, transcript.String(), 1024)
}

// assemble builds the final alternating sequence: optional summary pair,
// recent messages, current prompt.
func (b *ContextBuilder) assemble(summary *string, recent []models.Message, prompt string) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(recent)+3)
	if summary != nil {
		out = append(out,
			CompletionMessage{Role: models.RoleUser, Content: "[CONTEXT SUMMARY — earlier conversation]\n" + *summary},
			CompletionMessage{Role: models.RoleAssistant, Content: "Understood. Continuing from where we left off."},
		)
	}
	promptStored := false
	for i, m := range recent {
		role := m.Role
		// System and tool roles fold into the user side of the dialogue.
		if role != models.RoleAssistant {
			role = models.RoleUser
		}
		if i == len(recent)-1 && role == models.RoleUser && m.Content == prompt {
			promptStored = true
		}
		out = append(out, CompletionMessage{Role: role, Content: m.Content})
	}
	if !promptStored {
		out = append(out, CompletionMessage{Role: models.RoleUser, Content: prompt})
	}
	return mergeAlternating(out)
}

// mergeAlternating enforces strict user/assistant alternation by merging
// consecutive same-role turns with a blank-line separator. Hosted model
// APIs reject sequences that break alternation.
func mergeAlternating(messages []CompletionMessage) []CompletionMessage {
	merged := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content = merged[n-1].Content + "\n\n" + m.Content
			continue
		}
		merged = append(merged, m)
	}
	return merged
}
