package ai

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
)

// Provider generates a completion for a system prompt, a history and a user query.
type Provider interface {
	Generate(ctx context.Context, system string, history []*schema.Message, query string) (string, error)
	Stream(ctx context.Context, system string, history []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error)
}

// NewProvider 根据 LLM_PROVIDER 选择 Ark（eino 链）或 Anthropic。
func NewProvider(ctx context.Context, cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	default:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create chat model: %w", err)
		}
		return NewChainProvider(ctx, chatModel)
	}
}

// ChainProvider runs prompt template -> chat model through a compiled eino chain.
type ChainProvider struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewChainProvider compiles the chain around chatModel.
func NewChainProvider(ctx context.Context, chatModel model.ChatModel) (*ChainProvider, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &ChainProvider{chain: runnable}, nil
}

func chainInput(system string, history []*schema.Message, query string) map[string]any {
	return map[string]any{
		"system":  system,
		"history": history,
		"query":   query,
	}
}

func (p *ChainProvider) Generate(ctx context.Context, system string, history []*schema.Message, query string) (string, error) {
	response, err := p.chain.Invoke(ctx, chainInput(system, history, query))
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	return response.Content, nil
}

func (p *ChainProvider) Stream(ctx context.Context, system string, history []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	stream, err := p.chain.Stream(ctx, chainInput(system, history, query))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

// AnthropicProvider calls the Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider 创建 Anthropic 调用方；extra 用于测试时覆盖 BaseURL 等选项。
func NewAnthropicProvider(cfg config.AIConfig, extra ...option.RequestOption) *AnthropicProvider {
	opts := append([]option.RequestOption{option.WithAPIKey(cfg.AnthropicAPIKey)}, extra...)

	maxTokens := int64(1024)
	if cfg.MaxTokens != nil && *cfg.MaxTokens > 0 {
		maxTokens = int64(*cfg.MaxTokens)
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     cfg.AnthropicModel,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) params(system string, history []*schema.Message, query string) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, msg := range history {
		switch msg.Role {
		case schema.User:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case schema.Assistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(query)))

	return anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  messages,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	}
}

func (p *AnthropicProvider) Generate(ctx context.Context, system string, history []*schema.Message, query string) (string, error) {
	resp, err := p.client.Messages.New(ctx, p.params(system, history, query))
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var builder strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			builder.WriteString(block.Text)
		}
	}
	return builder.String(), nil
}

// Stream 把 Anthropic 的 SSE 文本增量转换成 eino 的 StreamReader。
func (p *AnthropicProvider) Stream(ctx context.Context, system string, history []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(system, history, query))
	reader, writer := schema.Pipe[*schema.Message](16)

	go func() {
		defer writer.Close()
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			evt, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := evt.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(delta.Text, nil), nil); closed {
				return
			}
		}
		if err := stream.Err(); err != nil {
			log.Printf("[ai] anthropic stream failed: %v", err)
			writer.Send(nil, fmt.Errorf("claude API error: %w", err))
		}
	}()

	return reader, nil
}
