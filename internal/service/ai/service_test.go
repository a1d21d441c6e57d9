package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/zhouzirui/z-avatar/backend/internal/model/chat"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
)

type recordingProvider struct {
	system  string
	history []*schema.Message
	query   string
	reply   string
	err     error
}

func (p *recordingProvider) Generate(_ context.Context, system string, history []*schema.Message, query string) (string, error) {
	p.system, p.history, p.query = system, history, query
	return p.reply, p.err
}

func (p *recordingProvider) Stream(_ context.Context, system string, history []*schema.Message, query string) (*schema.StreamReader[*schema.Message], error) {
	p.system, p.history, p.query = system, history, query
	if p.err != nil {
		return nil, p.err
	}
	return schema.StreamReaderFromArray([]*schema.Message{
		schema.AssistantMessage("Hel", nil),
		schema.AssistantMessage("lo", nil),
	}), nil
}

func TestBuildChatPrompt(t *testing.T) {
	got := BuildChatPrompt("Where do I live?", "- User lives in Lisbon")
	want := "Relevant past information:\n- User lives in Lisbon\n\nHuman: Where do I live?\nAI:"
	if got != want {
		t.Fatalf("BuildChatPrompt = %q, want %q", got, want)
	}

	if got := BuildChatPrompt("hi", ""); got != "Relevant past information:\n\nHuman: hi\nAI:" {
		t.Fatalf("unexpected prompt without context: %q", got)
	}
}

func TestReplyPassesSystemHistoryAndPrompt(t *testing.T) {
	provider := &recordingProvider{reply: "You live in Lisbon."}
	svc := NewServiceWithProvider(provider, false)

	history := []chat.Turn{
		{Role: chat.RoleUser, Content: "hello"},
		{Role: chat.RoleAssistant, Content: "hi there"},
	}
	reply, err := svc.Reply(context.Background(), history, "Where do I live?", "- User lives in Lisbon")
	if err != nil {
		t.Fatalf("Reply returned error: %v", err)
	}
	if reply != "You live in Lisbon." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if provider.system != ChatSystemPrompt {
		t.Fatalf("unexpected system prompt %q", provider.system)
	}
	if len(provider.history) != 2 || provider.history[0].Role != schema.User || provider.history[1].Role != schema.Assistant {
		t.Fatalf("unexpected history %+v", provider.history)
	}
	if !strings.Contains(provider.query, "- User lives in Lisbon") || !strings.HasSuffix(provider.query, "Human: Where do I live?\nAI:") {
		t.Fatalf("unexpected query %q", provider.query)
	}
}

func TestHistoryIsTrimmed(t *testing.T) {
	turns := make([]chat.Turn, 0, 15)
	for i := 0; i < 15; i++ {
		turns = append(turns, chat.Turn{Role: chat.RoleUser, Content: string(rune('a' + i))})
	}
	history := buildHistoryMessages(turns)
	if len(history) != historyLimit {
		t.Fatalf("expected %d messages, got %d", historyLimit, len(history))
	}
	if history[0].Content != "f" {
		t.Fatalf("expected the most recent turns, got first=%q", history[0].Content)
	}
}

func TestStreamReply(t *testing.T) {
	provider := &recordingProvider{}

	if _, err := NewServiceWithProvider(provider, false).StreamReply(context.Background(), nil, "hi", ""); err == nil {
		t.Fatalf("expected error when streaming is disabled")
	}

	stream, err := NewServiceWithProvider(provider, true).StreamReply(context.Background(), nil, "hi", "")
	if err != nil {
		t.Fatalf("StreamReply returned error: %v", err)
	}
	defer stream.Close()

	var builder strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Recv returned error: %v", err)
		}
		builder.WriteString(chunk.Content)
	}
	if builder.String() != "Hello" {
		t.Fatalf("unexpected streamed content %q", builder.String())
	}
}

func TestSummarizer(t *testing.T) {
	provider := &recordingProvider{reply: "  User owns a cat named Miso.  "}
	summarizer := NewSummarizer(provider)

	record := memorymodel.Record{Messages: []memorymodel.Message{
		{Role: "user", Content: "I adopted Miso"},
		{Role: "assistant", Content: "Lovely!"},
	}}
	summary, err := summarizer.Summarize(context.Background(), "User likes pets.", record)
	if err != nil {
		t.Fatalf("Summarize returned error: %v", err)
	}
	if summary != "User owns a cat named Miso." {
		t.Fatalf("unexpected summary %q", summary)
	}
	if !strings.Contains(provider.query, "User likes pets.") || !strings.Contains(provider.query, "user: I adopted Miso") {
		t.Fatalf("unexpected summarizer input %q", provider.query)
	}
	if provider.history != nil {
		t.Fatalf("summarizer should not send history")
	}
}
