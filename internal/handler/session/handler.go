package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	sessionService "github.com/zhouzirui/z-avatar/backend/internal/service/session"
	"github.com/zhouzirui/z-avatar/backend/pkg/utils"
)

// Handler 会话相关的HTTP处理器
type Handler struct {
	sessions *sessionService.Service
	relay    *RelayHandler
}

// New 创建会话处理器；autoSave 控制转写通道关闭时是否自动保存。
func New(sessions *sessionService.Service, autoSave bool) *Handler {
	return &Handler{
		sessions: sessions,
		relay:    NewRelayHandler(sessions, autoSave),
	}
}

// Drain 关闭转写连接并等待自动保存完成。
func (h *Handler) Drain(ctx context.Context) error {
	return h.relay.Drain(ctx)
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Route("/sessions/{sessionID}", func(sr chi.Router) {
		sr.Get("/", h.handleGetSession)
		sr.Post("/start", h.handleStart)
		sr.Get("/turns", h.handleListTurns)
		sr.Post("/turns", h.handleAppendTurn)
		sr.Get("/memory", h.handleMemoryStatus)
		sr.Post("/memory/save", h.handleSave)
		sr.Post("/memory/clear", h.handleClear)
		sr.Get("/memory/search", h.handleSearch)
		sr.Get("/ws", h.relay.ServeHTTP)
	})
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.sessions.Create(r.Context(), payload.PersonaID)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sess)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess)
}

// handleStart 启动数字人会话；请求体可以为空，空字段沿用预设。
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req sessionService.StartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	result, err := h.sessions.Start(r.Context(), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		// 失败时仍返回检索结果，前端据此展示记忆状态
		utils.RespondJSON(w, apperr.HTTPStatus(err), map[string]any{
			"error":    err.Error(),
			"memory":   result.Memory,
			"warnings": result.Warnings,
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := h.sessions.Turns(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (h *Handler) handleAppendTurn(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := h.sessions.AppendTurn(r.Context(), chi.URLParam(r, "sessionID"), payload.Role, payload.Content)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, turn)
}

func (h *Handler) handleMemoryStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.MemoryStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, status)
}

// handleSave 保存未持久化的轮次；前置条件不满足时返回 200 和 saved=false。
func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessions.Save(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, apperr.ErrNotFound) {
		utils.RespondServiceError(w, err)
		return
	}
	if err != nil && !errors.Is(err, apperr.ErrPreconditionNotMet) {
		utils.RespondJSON(w, apperr.HTTPStatus(err), map[string]any{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.ClearMemory(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	result, err := h.sessions.Search(r.Context(), chi.URLParam(r, "sessionID"), r.URL.Query().Get("q"))
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}
