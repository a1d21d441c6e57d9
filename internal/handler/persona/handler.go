package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/z-avatar/backend/pkg/utils"
)

// Handler persona服务的HTTP处理器
type Handler struct {
	personas persona.Store
}

// New 创建persona处理器
func New(personas persona.Store) *Handler {
	return &Handler{
		personas: personas,
	}
}

// ListResponse 是预设和可选形象、声音的集合
type ListResponse struct {
	Presets []persona.Preset `json:"presets"`
	Avatars []persona.Option `json:"avatars"`
	Voices  []persona.Option `json:"voices"`
}

// RegisterRoutes 注册persona相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/personas", h.handleListPersonas)
}

// handleListPersonas 列出所有persona
func (h *Handler) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, ListResponse{
		Presets: h.personas.List(),
		Avatars: persona.AvatarOptions(),
		Voices:  persona.VoiceOptions(),
	})
}
