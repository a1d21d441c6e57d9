package status

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/pkg/utils"
)

// KeyStatus 只报告密钥是否配置，从不返回密钥本身。
type KeyStatus struct {
	Name       string `json:"name"`
	Configured bool   `json:"configured"`
	Required   bool   `json:"required"`
}

// Response is returned by GET /status.
type Response struct {
	Avatar        bool        `json:"avatar"`
	Memory        bool        `json:"memory"`
	MemoryBackend string      `json:"memoryBackend,omitempty"`
	Chatbot       bool        `json:"chatbot"`
	LLMProvider   string      `json:"llmProvider,omitempty"`
	Keys          []KeyStatus `json:"keys"`
}

// Handler 状态接口
type Handler struct {
	status Response
}

// New 根据配置计算一次状态，运行期间配置不会变化。
func New(cfg *config.Config, memoryReady, chatbotReady bool) *Handler {
	return &Handler{status: Build(cfg, memoryReady, chatbotReady)}
}

// RegisterRoutes 注册状态路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/status", h.handleStatus)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.status)
}

// Build 汇总各组件的可用性。
func Build(cfg *config.Config, memoryReady, chatbotReady bool) Response {
	resp := Response{
		Avatar:  cfg.Avatar.Enabled(),
		Memory:  memoryReady,
		Chatbot: chatbotReady,
	}
	if cfg.Memory.Enabled {
		resp.MemoryBackend = cfg.Memory.Backend
	}
	if chatbotReady {
		resp.LLMProvider = cfg.AI.Provider
	}

	hosted := cfg.Memory.Enabled && cfg.Memory.Backend == config.BackendMemU
	anthropic := cfg.AI.Provider == config.ProviderAnthropic
	resp.Keys = []KeyStatus{
		{Name: "ANAM_API_KEY", Configured: cfg.Avatar.APIKey != "", Required: true},
		{Name: "MEMU_API_KEY", Configured: cfg.Memory.APIKey != "", Required: hosted},
		{Name: "ARK_API_KEY", Configured: cfg.AI.APIKey != "", Required: false},
		{Name: "ANTHROPIC_API_KEY", Configured: cfg.AI.AnthropicAPIKey != "", Required: anthropic},
		{Name: "OPENAI_API_KEY", Configured: cfg.Memory.OpenAIAPIKey != "", Required: false},
	}
	return resp
}
