package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/internal/model/chat"
)

// ChatSystemPrompt is the system prompt of the text chatbot.
const ChatSystemPrompt = "You are a helpful assistant with access to past conversations."

const historyLimit = 10

// Service encapsulates the memory-aware chatbot.
type Service struct {
	provider Provider
	stream   bool
}

// NewService creates a new AI service instance from configuration.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	provider, err := NewProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[ai] chatbot provider=%s stream=%t", cfg.Provider, cfg.StreamResponse)
	return NewServiceWithProvider(provider, cfg.StreamResponse), nil
}

// NewServiceWithProvider wraps an existing provider.
func NewServiceWithProvider(provider Provider, stream bool) *Service {
	return &Service{provider: provider, stream: stream}
}

// Provider exposes the underlying provider, e.g. for the summarizer.
func (s *Service) Provider() Provider {
	return s.provider
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.stream
}

// Reply generates a reply to prompt. history must not include prompt itself.
func (s *Service) Reply(ctx context.Context, history []chat.Turn, prompt, memoryContext string) (string, error) {
	reply, err := s.provider.Generate(ctx, ChatSystemPrompt, buildHistoryMessages(history), BuildChatPrompt(prompt, memoryContext))
	if err != nil {
		return "", err
	}
	log.Printf("[ai] generated reply length=%d memory=%t", len(reply), memoryContext != "")
	return reply, nil
}

// StreamReply streams reply chunks via the configured provider.
func (s *Service) StreamReply(ctx context.Context, history []chat.Turn, prompt, memoryContext string) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, fmt.Errorf("streaming disabled in configuration")
	}
	return s.provider.Stream(ctx, ChatSystemPrompt, buildHistoryMessages(history), BuildChatPrompt(prompt, memoryContext))
}

// BuildChatPrompt 拼接检索到的记忆与用户输入。
func BuildChatPrompt(prompt, memoryContext string) string {
	var builder strings.Builder
	builder.WriteString("Relevant past information:\n")
	if memoryContext != "" {
		builder.WriteString(memoryContext)
		builder.WriteString("\n")
	}
	builder.WriteString("\nHuman: ")
	builder.WriteString(prompt)
	builder.WriteString("\nAI:")
	return builder.String()
}

func buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	startIdx := 0
	if len(turns) > historyLimit {
		startIdx = len(turns) - historyLimit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}
