package ui

import (
	"bytes"
	"embed"
	"html/template"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
)

//go:embed templates/index.html
var templatesFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templatesFS, "templates/index.html"))

// PageData 渲染首页所需的数据
type PageData struct {
	Presets       []persona.Preset
	Avatars       []persona.Option
	Voices        []persona.Option
	AvatarReady   bool
	MemoryEnabled bool
	AutoSave      bool
}

// Handler 提供数字人页面
type Handler struct {
	personas persona.Store
	data     PageData
}

// New 创建页面处理器
func New(personas persona.Store, avatarReady, memoryEnabled, autoSave bool) *Handler {
	return &Handler{
		personas: personas,
		data: PageData{
			AvatarReady:   avatarReady,
			MemoryEnabled: memoryEnabled,
			AutoSave:      autoSave,
		},
	}
}

// RegisterRoutes 注册页面路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleIndex)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := h.data
	data.Presets = h.personas.List()
	data.Avatars = persona.AvatarOptions()
	data.Voices = persona.VoiceOptions()

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		log.Printf("[ui] render failed: %v", err)
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
