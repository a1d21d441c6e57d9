package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/internal/handler/chat"
	"github.com/zhouzirui/z-avatar/backend/internal/handler/persona"
	"github.com/zhouzirui/z-avatar/backend/internal/handler/session"
	"github.com/zhouzirui/z-avatar/backend/internal/handler/status"
	"github.com/zhouzirui/z-avatar/backend/internal/handler/ui"
	middlewarePkg "github.com/zhouzirui/z-avatar/backend/internal/middleware"
	personaModel "github.com/zhouzirui/z-avatar/backend/internal/model/persona"
	aiService "github.com/zhouzirui/z-avatar/backend/internal/service/ai"
	sessionService "github.com/zhouzirui/z-avatar/backend/internal/service/session"
)

// Deps 汇总路由需要的服务；AI 可以为 nil。
type Deps struct {
	Config   *config.Config
	Personas personaModel.Store
	Sessions *sessionService.Service
	AI       *aiService.Service
}

// Router 是装配好的 HTTP 处理器，额外持有需要在停机时排空的转写连接。
type Router struct {
	http.Handler
	sessions *session.Handler
}

// Drain 在 http.Server.Shutdown 之后调用，等待转写连接的自动保存结束。
func (r *Router) Drain(ctx context.Context) error {
	return r.sessions.Drain(ctx)
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) *Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	cfg := deps.Config
	memoryReady := deps.Sessions.MemoryEnabled()
	autoSave := memoryReady && cfg.Memory.AutoSave

	sessionHandler := session.New(deps.Sessions, autoSave)

	ui.New(deps.Personas, cfg.Avatar.Enabled(), memoryReady, autoSave).RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		status.New(cfg, memoryReady, deps.AI != nil).RegisterRoutes(api)
		persona.New(deps.Personas).RegisterRoutes(api)
		sessionHandler.RegisterRoutes(api)
		chat.New(deps.Sessions, deps.AI).RegisterRoutes(api)
	})

	return &Router{Handler: r, sessions: sessionHandler}
}
