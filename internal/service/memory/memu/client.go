package memu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	"github.com/zhouzirui/z-avatar/backend/internal/config"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
)

const (
	serviceName  = "memu"
	memorizePath = "/api/v3/memory/memorize"
	retrievePath = "/api/v3/memory/retrieve"
	maxBodyBytes = 4 << 20
	snippetLen   = 256
)

// Client talks to the hosted MemU memory API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ memory.Backend = (*Client)(nil)

// New 创建 MemU 客户端；缺少 MEMU_API_KEY 时在发起任何请求前返回 ConfigurationError。
func New(cfg config.MemoryConfig, httpClient *http.Client) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, &apperr.ConfigurationError{Key: "MEMU_API_KEY", Action: "initialize memory"}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// Factory adapts New for memory.NewHandle.
func Factory(cfg config.MemoryConfig) memory.Factory {
	return func(context.Context) (memory.Backend, error) {
		return New(cfg, nil)
	}
}

type memorizeBody struct {
	Conversation []memorymodel.Message `json:"conversation"`
	UserID       string                `json:"user_id"`
	UserName     string                `json:"user_name,omitempty"`
	AgentID      string                `json:"agent_id,omitempty"`
	AgentName    string                `json:"agent_name,omitempty"`
}

// Memorize submits a conversation record. A staged file is read and sent inline,
// the hosted service cannot reach local paths.
func (c *Client) Memorize(ctx context.Context, req memorymodel.MemorizeRequest) error {
	record, err := memory.LoadRecord(req)
	if err != nil {
		return err
	}

	body := memorizeBody{
		Conversation: record.Messages,
		UserID:       req.Scope.UserID,
		UserName:     req.Scope.UserName,
		AgentID:      req.Scope.AgentID,
		AgentName:    req.Scope.AgentName,
	}

	resp, err := c.post(ctx, "memorize", memorizePath, body)
	if err != nil {
		return err
	}

	if taskID := gjson.GetBytes(resp, "task_id").String(); taskID != "" {
		log.Printf("[memu] memorize accepted: task=%s messages=%d", taskID, len(record.Messages))
	}
	return nil
}

type retrieveBody struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id,omitempty"`
	Query   string `json:"query"`
	TopK    int    `json:"top_k,omitempty"`
}

// Retrieve runs a query and parses categories and items, tolerating missing fields.
func (c *Client) Retrieve(ctx context.Context, req memorymodel.RetrieveRequest) (memorymodel.QueryResult, error) {
	body := retrieveBody{
		UserID:  req.Where["user_id"],
		AgentID: req.Where["agent_id"],
		Query:   req.Text(),
		TopK:    req.Limit,
	}

	resp, err := c.post(ctx, "retrieve", retrievePath, body)
	if err != nil {
		return memorymodel.QueryResult{}, err
	}
	if !gjson.ValidBytes(resp) {
		return memorymodel.QueryResult{}, apperr.External(serviceName, "retrieve", errors.New("malformed JSON response"))
	}
	return ParseQueryResult(resp), nil
}

// ParseQueryResult reads `{categories:[{name,summary}], items:[{summary}]}`.
// Items may also arrive as `related_memories[].memory.content`.
func ParseQueryResult(body []byte) memorymodel.QueryResult {
	var result memorymodel.QueryResult
	root := gjson.ParseBytes(body)

	root.Get("categories").ForEach(func(_, value gjson.Result) bool {
		result.Categories = append(result.Categories, memorymodel.Category{
			Name:    value.Get("name").String(),
			Summary: value.Get("summary").String(),
		})
		return true
	})

	items := root.Get("items")
	if !items.Exists() {
		items = root.Get("related_memories")
	}
	items.ForEach(func(_, value gjson.Result) bool {
		summary := value.Get("summary").String()
		if summary == "" {
			summary = value.Get("memory.content").String()
		}
		result.Items = append(result.Items, memorymodel.Item{
			ID:         value.Get("id").String(),
			MemoryType: value.Get("memory_type").String(),
			Summary:    summary,
			Similarity: float32(value.Get("similarity_score").Float()),
		})
		return true
	})
	return result
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.External(serviceName, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &apperr.ExternalServiceError{Service: serviceName, Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "detail").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		msg = apperr.Snippet(msg, snippetLen)
		return nil, &apperr.ExternalServiceError{Service: serviceName, Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
	return body, nil
}
