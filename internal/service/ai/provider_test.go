package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
)

type fakeChatModel struct {
	input []*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	return schema.AssistantMessage("generated", nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.input = input
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage("streamed", nil)}), nil
}

func (m *fakeChatModel) BindTools(_ []*schema.ToolInfo) error { return nil }

func TestChainProviderFormatsMessages(t *testing.T) {
	ctx := context.Background()
	chatModel := &fakeChatModel{}
	provider, err := NewChainProvider(ctx, chatModel)
	if err != nil {
		t.Fatalf("NewChainProvider returned error: %v", err)
	}

	history := []*schema.Message{schema.UserMessage("earlier"), schema.AssistantMessage("reply", nil)}
	got, err := provider.Generate(ctx, "system text", history, "question")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got != "generated" {
		t.Fatalf("unexpected output %q", got)
	}

	if len(chatModel.input) != 4 {
		t.Fatalf("expected system + 2 history + query, got %d messages", len(chatModel.input))
	}
	if chatModel.input[0].Role != schema.System || chatModel.input[0].Content != "system text" {
		t.Fatalf("unexpected system message %+v", chatModel.input[0])
	}
	if chatModel.input[3].Role != schema.User || chatModel.input[3].Content != "question" {
		t.Fatalf("unexpected query message %+v", chatModel.input[3])
	}
}

func TestAnthropicProviderGenerate(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "anthropic-key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "Hello from Claude"}],
			"stop_reason": "end_turn", "usage": {"input_tokens": 3, "output_tokens": 4}
		}`))
	}))
	defer server.Close()

	provider := NewAnthropicProvider(config.AIConfig{AnthropicAPIKey: "anthropic-key", AnthropicModel: "claude-test"},
		option.WithBaseURL(server.URL), option.WithMaxRetries(0))

	got, err := provider.Generate(context.Background(), "be nice", []*schema.Message{schema.UserMessage("hi"), schema.AssistantMessage("hey", nil)}, "how are you")
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if got != "Hello from Claude" {
		t.Fatalf("unexpected reply %q", got)
	}

	if body["model"] != "claude-test" {
		t.Fatalf("unexpected model %v", body["model"])
	}
	messages, _ := body["messages"].([]any)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if body["max_tokens"] != float64(1024) {
		t.Fatalf("unexpected max_tokens %v", body["max_tokens"])
	}
}
