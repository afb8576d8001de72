package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ShrinkToolOutput reduces an oversized serialized tool result before it is
// pushed into the next turn's message array. Output at or under maxLen is
// returned unchanged. Each tool family gets a shape that preserves what the
// model actually needs from it.
func ShrinkToolOutput(toolName, output string, maxLen int) string {
	if maxLen <= 0 || len(output) <= maxLen {
		return output
	}
	switch toolName {
	case "list_files":
		if shrunk, ok := shrinkFileList(output); ok {
			return shrunk
		}
	case "search_files":
		if shrunk, ok := shrinkSearchResults(output); ok {
			return shrunk
		}
	case "run_command":
		return headTail(output, 0.30, 0.50)
	}
	return headTail(output, 0.60, 0.30)
}

// shrinkFileList condenses a JSON array of paths into counts, an extension
// histogram, and a sample.
func shrinkFileList(output string) (string, bool) {
	var paths []string
	if err := json.Unmarshal([]byte(output), &paths); err != nil {
		return "", false
	}

	dirs := make(map[string]struct{})
	exts := make(map[string]int)
	for _, p := range paths {
		if idx := strings.LastIndex(p, "/"); idx >= 0 {
			dirs[p[:idx]] = struct{}{}
		}
		ext := "(none)"
		if idx := strings.LastIndex(p, "."); idx >= 0 && idx > strings.LastIndex(p, "/") {
			ext = p[idx:]
		}
		exts[ext]++
	}

	sample := paths
	if len(sample) > 20 {
		sample = sample[:20]
	}
	summary := map[string]any{
		"summary":        true,
		"totalFiles":     len(paths),
		"directories":    len(dirs),
		"topExtensions":  topCounts(exts, 10),
		"sample":         sample,
		"sampleTruncated": len(paths) > 20,
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

type searchMatch struct {
	File string `json:"file"`
	Line int    `json:"line,omitempty"`
	Text string `json:"text,omitempty"`
}

// shrinkSearchResults condenses a JSON array of search matches into totals,
// a per-file leaderboard, and the first matches.
func shrinkSearchResults(output string) (string, bool) {
	var matches []searchMatch
	if err := json.Unmarshal([]byte(output), &matches); err != nil {
		return "", false
	}

	perFile := make(map[string]int)
	for _, m := range matches {
		perFile[m.File]++
	}

	sample := matches
	if len(sample) > 15 {
		sample = sample[:15]
	}
	summary := map[string]any{
		"summary":         true,
		"totalMatches":    len(matches),
		"filesWithMatches": len(perFile),
		"topFiles":        topCounts(perFile, 10),
		"sample":          sample,
		"sampleTruncated": len(matches) > 15,
	}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

type countEntry struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

func topCounts(counts map[string]int, n int) []countEntry {
	entries := make([]countEntry, 0, len(counts))
	for k, c := range counts {
		entries = append(entries, countEntry{Key: k, Count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// headTail keeps the leading and trailing fractions of output with a
// truncation marker between. Command output fails at the end and sets up at
// the start, so the tail fraction is the larger one.
func headTail(output string, head, tail float64) string {
	n := len(output)
	headLen := int(float64(n) * head)
	tailLen := int(float64(n) * tail)
	if headLen+tailLen >= n {
		return output
	}
	omitted := n - headLen - tailLen
	return output[:headLen] +
		fmt.Sprintf("\n... [%d characters truncated] ...\n", omitted) +
		output[n-tailLen:]
}

const maxSessionSummaryLen = 100

const sessionSummarySystem = "You write one-line session titles. Respond with only the title, under 100 characters, no quotes."

// SummarizeSession produces the one-line session summary from the original
// prompt, the final assistant text, and the tools used. Falls back to the
// first line of the assistant text if the model call fails.
func SummarizeSession(ctx context.Context, provider LLMProvider, model, prompt, assistantText string, toolNames []string) string {
	request := fmt.Sprintf("User request: %s\n\nOutcome: %s\n\nTools used: %s\n\nWrite a one-line title for this session.",
		truncate(prompt, 500), truncate(assistantText, 500), strings.Join(toolNames, ", "))

	text, err := completeText(ctx, provider, model, sessionSummarySystem, request, 200)
	if err != nil {
		return fallbackSummary(assistantText, prompt)
	}
	summary := strings.TrimSpace(text)
	summary = strings.Trim(summary, `"'`)
	if summary == "" {
		return fallbackSummary(assistantText, prompt)
	}
	return truncate(summary, maxSessionSummaryLen)
}

func fallbackSummary(assistantText, prompt string) string {
	source := assistantText
	if strings.TrimSpace(source) == "" {
		source = prompt
	}
	line := source
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return truncate(strings.TrimSpace(line), maxSessionSummaryLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
