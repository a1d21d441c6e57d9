package ai

import (
	"context"
	"strings"

	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
)

const summarizerSystemPrompt = `You maintain a short memory profile of a user for a conversational assistant.
Merge the new conversation into the existing summary. Keep durable facts (names, preferences, goals, events),
drop small talk, write in third person, at most 120 words. Reply with the updated summary only.`

// Summarizer folds conversations into a running category summary with an LLM.
type Summarizer struct {
	provider Provider
}

// NewSummarizer 复用聊天所用的模型。
func NewSummarizer(provider Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

// Summarize returns the updated summary.
func (s *Summarizer) Summarize(ctx context.Context, previous string, record memorymodel.Record) (string, error) {
	var builder strings.Builder
	builder.WriteString("Existing summary:\n")
	if strings.TrimSpace(previous) == "" {
		builder.WriteString("(none)\n")
	} else {
		builder.WriteString(previous)
		builder.WriteString("\n")
	}
	builder.WriteString("\nNew conversation:\n")
	for _, msg := range record.Messages {
		builder.WriteString(msg.Role)
		builder.WriteString(": ")
		builder.WriteString(msg.Content)
		builder.WriteString("\n")
	}

	summary, err := s.provider.Generate(ctx, summarizerSystemPrompt, nil, builder.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(summary), nil
}
