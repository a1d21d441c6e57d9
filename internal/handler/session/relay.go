package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	sessionService "github.com/zhouzirui/z-avatar/backend/internal/service/session"
)

const (
	relayReadTimeout  = 60 * time.Second
	relayPingInterval = 54 * time.Second
	autoSaveTimeout   = 30 * time.Second
)

// RelayHandler 把浏览器端 Anam SDK 的转写事件转发为会话轮次。
type RelayHandler struct {
	sessions *sessionService.Service
	autoSave bool
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

// NewRelayHandler 创建转写转发处理器
func NewRelayHandler(sessions *sessionService.Service, autoSave bool) *RelayHandler {
	return &RelayHandler{
		sessions: sessions,
		autoSave: autoSave,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// track 登记连接；进入 Drain 之后返回 false。
func (h *RelayHandler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *RelayHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.wg.Done()
}

// Drain 关闭所有转写连接并等待它们的自动保存完成。
// http.Server.Shutdown 不会等待已劫持的 websocket 连接，关闭记忆存储前需要先调用。
func (h *RelayHandler) Drain(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	for conn := range h.conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TranscriptMessage 是 SDK userTranscript / agentTranscript 事件的内容
type TranscriptMessage struct {
	Role    string `json:"role"`
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ServeHTTP 处理WebSocket连接
func (h *RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), apperr.HTTPStatus(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relay] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	if !h.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		return
	}
	defer h.untrack(conn)

	log.Printf("[relay] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer h.saveOnClose(sessionID)

	conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	h.sendResult(conn, map[string]any{
		"type":     "connected",
		"persona":  sess.PersonaID,
		"autoSave": h.autoSave,
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[relay] read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		h.handleMessage(ctx, conn, sessionID, &msg)
	}
}

func (h *RelayHandler) handleMessage(ctx context.Context, conn *websocket.Conn, sessionID string, msg *inboundMessage) {
	switch msg.Type {
	case "transcript":
		h.handleTranscript(ctx, conn, sessionID, msg.Data)
	case "save":
		h.handleSave(ctx, conn, sessionID)
	default:
		h.sendError(conn, "unsupported message type: "+msg.Type)
	}
}

// handleTranscript 只有最终转写才会成为轮次，中间结果直接忽略。
func (h *RelayHandler) handleTranscript(ctx context.Context, conn *websocket.Conn, sessionID string, raw json.RawMessage) {
	var transcript TranscriptMessage
	if err := json.Unmarshal(raw, &transcript); err != nil {
		h.sendError(conn, "invalid transcript payload")
		return
	}
	if !transcript.IsFinal {
		return
	}

	turn, err := h.sessions.AppendTurn(ctx, sessionID, transcript.Role, transcript.Text)
	if err != nil {
		h.sendError(conn, err.Error())
		return
	}

	h.sendResult(conn, map[string]any{
		"type": "turn",
		"turn": turn,
	})
}

func (h *RelayHandler) handleSave(ctx context.Context, conn *websocket.Conn, sessionID string) {
	result, err := h.sessions.Save(ctx, sessionID)
	if err != nil && !errors.Is(err, apperr.ErrPreconditionNotMet) {
		h.sendError(conn, result.Notice)
		return
	}

	h.sendResult(conn, map[string]any{
		"type": "save",
		"save": result,
	})
}

// saveOnClose 在连接关闭后保存剩余轮次；请求上下文此时已取消，使用独立超时。
func (h *RelayHandler) saveOnClose(sessionID string) {
	if !h.autoSave {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), autoSaveTimeout)
	defer cancel()

	result, err := h.sessions.Save(ctx, sessionID)
	switch {
	case err == nil:
		log.Printf("[relay] auto-saved %d turns for session=%s", result.Submitted, sessionID)
	case errors.Is(err, apperr.ErrPreconditionNotMet):
		// 没有新内容
	default:
		log.Printf("[relay] auto-save failed for session=%s: %v", sessionID, err)
	}
}

func (h *RelayHandler) sendResult(conn *websocket.Conn, data map[string]any) {
	msg := outgoingMessage{
		Type:      "result",
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[relay] write result failed: %v", err)
	}
}

func (h *RelayHandler) sendError(conn *websocket.Conn, message string) {
	msg := outgoingMessage{
		Type:      "error",
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().Unix(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("[relay] write error failed: %v", err)
	}
}

// pingLoop 定期发送ping消息
func (h *RelayHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(relayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl 可以和 WriteJSON 并发调用
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
