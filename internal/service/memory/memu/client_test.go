package memu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
)

func testConfig(baseURL string) config.MemoryConfig {
	return config.MemoryConfig{APIKey: "memu-key", BaseURL: baseURL, Timeout: 5 * time.Second}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.MemoryConfig{BaseURL: "http://unused"}, nil)
	var cfgErr *apperr.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Key != "MEMU_API_KEY" {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestMemorizeSendsConversation(t *testing.T) {
	var body memorizeBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != memorizePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer memu-key" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"task_id":"t-1","status":"PENDING"}`))
	}))
	defer server.Close()

	client, err := New(testConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	record := memorymodel.Record{Messages: []memorymodel.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}}
	scope := memorymodel.Scope{UserID: "123", UserName: "User", AgentID: "avatar-assistant", AgentName: "Avatar Assistant"}
	if err := client.Memorize(context.Background(), memorymodel.MemorizeRequest{Scope: scope, Record: &record}); err != nil {
		t.Fatalf("Memorize returned error: %v", err)
	}

	if body.UserID != "123" || body.AgentID != "avatar-assistant" || body.AgentName != "Avatar Assistant" {
		t.Fatalf("unexpected scope in body: %+v", body)
	}
	if len(body.Conversation) != 2 || body.Conversation[0].Content != "hi" || body.Conversation[1].Role != "assistant" {
		t.Fatalf("unexpected conversation: %+v", body.Conversation)
	}
}

func TestMemorizeReadsStagedFile(t *testing.T) {
	var body memorizeBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "conversation.json")
	if err := os.WriteFile(path, []byte(`{"messages":[{"role":"user","content":"from file"},{"role":"assistant","content":"ok"}]}`), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	client, _ := New(testConfig(server.URL), nil)
	err := client.Memorize(context.Background(), memorymodel.MemorizeRequest{
		Scope:        memorymodel.Scope{UserID: "123"},
		ResourcePath: path,
	})
	if err != nil {
		t.Fatalf("Memorize returned error: %v", err)
	}
	if len(body.Conversation) != 2 || body.Conversation[0].Content != "from file" {
		t.Fatalf("unexpected conversation: %+v", body.Conversation)
	}
}

func TestRetrieveParsesResult(t *testing.T) {
	var body retrieveBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{
			"categories": [{"name": "profile", "summary": "X"}, {"name": "empty"}],
			"items": [{"id": "m1", "memory_type": "event", "summary": "Y", "similarity_score": 0.8}]
		}`))
	}))
	defer server.Close()

	client, _ := New(testConfig(server.URL), nil)
	req := memorymodel.UserQuery("cats", memorymodel.Scope{UserID: "123"})
	req.Limit = 3

	result, err := client.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if body.UserID != "123" || body.Query != "cats" || body.TopK != 3 {
		t.Fatalf("unexpected request body: %+v", body)
	}

	got := result.Summaries()
	if len(got) != 2 || got[0] != "X" || got[1] != "Y" {
		t.Fatalf("unexpected summaries %q", got)
	}
	if result.Items[0].ID != "m1" || result.Items[0].MemoryType != "event" {
		t.Fatalf("unexpected item %+v", result.Items[0])
	}
}

func TestParseQueryResultRelatedMemories(t *testing.T) {
	result := ParseQueryResult([]byte(`{"related_memories":[{"memory":{"content":"likes tea"}}]}`))
	if len(result.Items) != 1 || result.Items[0].Summary != "likes tea" {
		t.Fatalf("unexpected items %+v", result.Items)
	}
	if len(result.Categories) != 0 {
		t.Fatalf("expected no categories, got %+v", result.Categories)
	}
}

func TestRetrieveErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"invalid api key"}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			server := httptest.NewServer(handler)
			defer server.Close()

			client, _ := New(testConfig(server.URL), nil)
			_, err := client.Retrieve(context.Background(), memorymodel.UserQuery("q", memorymodel.Scope{UserID: "123"}))
			var extErr *apperr.ExternalServiceError
			if !errors.As(err, &extErr) {
				t.Fatalf("expected ExternalServiceError, got %v", err)
			}
		})
	}
}

func TestErrorDetailIsTruncatedOnRuneBoundary(t *testing.T) {
	detail := strings.Repeat("记忆", 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
	}))
	defer server.Close()

	client, _ := New(testConfig(server.URL), nil)
	_, err := client.Retrieve(context.Background(), memorymodel.UserQuery("q", memorymodel.Scope{UserID: "123"}))
	var extErr *apperr.ExternalServiceError
	if !errors.As(err, &extErr) || extErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected ExternalServiceError, got %v", err)
	}
	msg := extErr.Err.Error()
	if !utf8.ValidString(msg) || !strings.HasSuffix(msg, "...") {
		t.Fatalf("unexpected truncated detail %q", msg)
	}
}
