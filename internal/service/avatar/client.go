package avatar

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
	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
)

const (
	serviceName  = "anam"
	tokenPath    = "/v1/auth/session-token"
	maxBodyBytes = 1 << 20
	snippetLen   = 256
)

var (
	ErrSystemPromptRequired = apperr.Invalid("system prompt is required")
	ErrAvatarIDRequired     = apperr.Invalid("avatar id is required")
	ErrVoiceIDRequired      = apperr.Invalid("voice id is required")
	ErrModelIDRequired      = apperr.Invalid("model id is required")
)

// SessionCreator 用于替换真实的 Anam 客户端（测试或离线模式）。
type SessionCreator interface {
	CreateSession(ctx context.Context, cfg persona.Config) (string, error)
}

// Client 通过 Anam 的 token 接口换取一次性会话凭证。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建客户端；httpClient 为空时按配置的超时新建。
func NewClient(cfg config.AvatarConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
	}
}

type tokenRequest struct {
	PersonaConfig persona.Config `json:"personaConfig"`
}

// CreateSession 发起一次 token 请求，不做重试。
func (c *Client) CreateSession(ctx context.Context, cfg persona.Config) (string, error) {
	if err := Validate(cfg); err != nil {
		return "", err
	}
	if c.apiKey == "" {
		return "", &apperr.ConfigurationError{Key: "ANAM_API_KEY", Action: "start avatar session"}
	}

	payload, err := json.Marshal(tokenRequest{PersonaConfig: cfg})
	if err != nil {
		return "", fmt.Errorf("marshal persona config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperr.External(serviceName, "session-token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &apperr.ExternalServiceError{Service: serviceName, Op: "session-token", StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[avatar] token request rejected: status=%d", resp.StatusCode)
		return "", &apperr.ExternalServiceError{
			Service:    serviceName,
			Op:         "session-token",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", snippet(body)),
		}
	}

	if !gjson.ValidBytes(body) {
		return "", &apperr.ExternalServiceError{Service: serviceName, Op: "session-token", StatusCode: resp.StatusCode, Err: errors.New("malformed JSON response")}
	}

	token := gjson.GetBytes(body, "sessionToken").String()
	if token == "" {
		return "", &apperr.ExternalServiceError{Service: serviceName, Op: "session-token", StatusCode: resp.StatusCode, Err: errors.New("response has no sessionToken")}
	}

	log.Printf("[avatar] session token issued for persona=%q avatar=%s", cfg.Name, cfg.AvatarID)
	return token, nil
}

// Validate 只做非空检查，ID 的有效性由 Anam 判断。
func Validate(cfg persona.Config) error {
	switch {
	case strings.TrimSpace(cfg.SystemPrompt) == "":
		return ErrSystemPromptRequired
	case strings.TrimSpace(cfg.AvatarID) == "":
		return ErrAvatarIDRequired
	case strings.TrimSpace(cfg.VoiceID) == "":
		return ErrVoiceIDRequired
	case strings.TrimSpace(cfg.ModelID) == "":
		return ErrModelIDRequired
	}
	return nil
}

func snippet(body []byte) string {
	text := apperr.Snippet(strings.TrimSpace(string(body)), snippetLen)
	if text == "" {
		return "<empty body>"
	}
	return text
}
