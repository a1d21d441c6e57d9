package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	aiService "github.com/zhouzirui/z-avatar/backend/internal/service/ai"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
	sessionService "github.com/zhouzirui/z-avatar/backend/internal/service/session"
	"github.com/zhouzirui/z-avatar/backend/pkg/utils"
)

// Handler 文本聊天机器人的HTTP处理器，回答前检索记忆，回答后写回记忆。
type Handler struct {
	sessions *sessionService.Service
	ai       *aiService.Service
}

// New 创建聊天处理器；ai 为 nil 时接口返回 503。
func New(sessions *sessionService.Service, ai *aiService.Service) *Handler {
	return &Handler{
		sessions: sessions,
		ai:       ai,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/{sessionID}", h.handleChat)
	r.Get("/stream/{sessionID}", h.handleStream)
}

// ChatResponse 是一次问答的结果
type ChatResponse struct {
	Reply  string                    `json:"reply"`
	Memory memory.ContextResult      `json:"memory"`
	Save   sessionService.SaveResult `json:"save"`
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string      `json:"event"`
	Content   string      `json:"content,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Finished  bool        `json:"finished,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	if h.ai == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "chatbot unavailable")
		return
	}

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	chatCtx, err := h.sessions.PrepareChat(ctx, sessionID, payload.Message)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}

	reply, err := h.ai.Reply(ctx, chatCtx.History, payload.Message, chatCtx.Memory.Text)
	if err != nil {
		log.Printf("[chat] generation failed for session=%s: %v", sessionID, err)
		h.abort(sessionID, chatCtx)
		utils.RespondError(w, http.StatusBadGateway, fmt.Sprintf("AI generation failed: %v", err))
		return
	}

	save, err := h.sessions.CompleteChat(ctx, sessionID, reply)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, ChatResponse{Reply: reply, Memory: chatCtx.Memory, Save: save})
}

// handleStream 通过 SSE 推送回复；未开启流式时一次性推送完整回复。
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userMessage := r.URL.Query().Get("message")

	if h.ai == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "ai streaming unavailable")
		return
	}
	if userMessage == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	chatCtx, err := h.sessions.PrepareChat(ctx, sessionID, userMessage)
	if err != nil {
		utils.RespondServiceError(w, err)
		return
	}

	utils.SetupSSEHeaders(w)

	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:     "start",
		SessionID: sessionID,
		Data:      chatCtx.Memory,
	})

	reply, err := h.dispatchAIResponse(ctx, w, flusher, sessionID, chatCtx, userMessage)
	if err != nil {
		log.Printf("[chat] stream failed for session=%s: %v", sessionID, err)
		h.abort(sessionID, chatCtx)
		h.sendSSEError(w, flusher, fmt.Sprintf("AI generation failed: %v", err))
		return
	}

	save, err := h.sessions.CompleteChat(ctx, sessionID, reply)
	if err != nil {
		h.sendSSEError(w, flusher, err.Error())
		return
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:     "saved",
		SessionID: sessionID,
		Data:      save,
	})
	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Finished:  true,
	})

	log.Printf("[chat] completed response for session=%s", sessionID)
}

func (h *Handler) dispatchAIResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, chatCtx sessionService.ChatContext, userMessage string) (string, error) {
	if h.ai.StreamingEnabled() {
		return h.streamAIResponse(ctx, w, flusher, sessionID, chatCtx, userMessage)
	}

	reply, err := h.ai.Reply(ctx, chatCtx.History, userMessage, chatCtx.Memory.Text)
	if err != nil {
		return "", err
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   reply,
	})
	return reply, nil
}

func (h *Handler) streamAIResponse(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, chatCtx sessionService.ChatContext, userMessage string) (string, error) {
	stream, err := h.ai.StreamReply(ctx, chatCtx.History, userMessage, chatCtx.Memory.Text)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			utils.SendSSEChunk(w, flusher, StreamResponse{
				Event:     "delta",
				SessionID: sessionID,
				Content:   chunk.Content,
			})
		}
	}

	if len(chunks) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}

	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   response.Content,
	})
	return response.Content, nil
}

// abort 撤回未得到回复的用户轮次；请求可能已被取消，使用独立上下文。
func (h *Handler) abort(sessionID string, chatCtx sessionService.ChatContext) {
	if err := h.sessions.AbortChat(context.Background(), sessionID, chatCtx.Pending); err != nil {
		log.Printf("[chat] failed to drop pending turn for session=%s: %v", sessionID, err)
	}
}

func (h *Handler) sendSSEError(w http.ResponseWriter, flusher http.Flusher, errorMsg string) {
	utils.SendSSEChunk(w, flusher, StreamResponse{
		Event: "error",
		Error: errorMsg,
	})
}
