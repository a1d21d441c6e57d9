package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	"github.com/zhouzirui/z-avatar/backend/internal/model/chat"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/z-avatar/backend/internal/service/avatar"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
)

var (
	ErrPersonaRequired = apperr.Invalid("persona id is required")
	ErrUnknownPersona  = apperr.Invalid("unknown persona id")
	ErrInvalidRole     = apperr.Invalid("role must be user or assistant")
	ErrEmptyContent    = apperr.Invalid("content is required")
	ErrSessionNotFound = fmt.Errorf("session %w", apperr.ErrNotFound)
	ErrMemoryDisabled  = fmt.Errorf("%w: memory is disabled", apperr.ErrPreconditionNotMet)
)

// state is the per-session context object. mu guards every field; saveMu
// serializes saves so the watermark cannot be raced.
type state struct {
	mu            sync.Mutex
	saveMu        sync.Mutex
	id            string
	personaID     string
	createdAt     time.Time
	turns         []chat.Turn
	persistedUpTo int
	// 每次清空记忆自增，用于丢弃清空前开始的保存结果
	clearGen     uint64
	handle       *memory.Handle
	credential   string
	avatarActive bool
}

// Service owns every browser session.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*state

	personas persona.Store
	avatar   avatar.SessionCreator
	bridge   *memory.Bridge
	factory  memory.Factory
}

// NewService 创建会话服务；factory 为 nil 表示不启用记忆。
func NewService(personas persona.Store, creator avatar.SessionCreator, bridge *memory.Bridge, factory memory.Factory) *Service {
	return &Service{
		sessions: make(map[string]*state),
		personas: personas,
		avatar:   creator,
		bridge:   bridge,
		factory:  factory,
	}
}

// MemoryEnabled reports whether a memory backend is configured.
func (s *Service) MemoryEnabled() bool {
	return s.factory != nil
}

// Create provisions a session bound to a persona preset.
func (s *Service) Create(_ context.Context, personaID string) (chat.Session, error) {
	personaID = strings.TrimSpace(personaID)
	if personaID == "" {
		return chat.Session{}, ErrPersonaRequired
	}
	if _, ok := s.personas.FindByID(personaID); !ok {
		return chat.Session{}, fmt.Errorf("%w: %s", ErrUnknownPersona, personaID)
	}

	st := &state{
		id:        uuid.NewString(),
		personaID: personaID,
		createdAt: time.Now().UTC(),
		turns:     make([]chat.Turn, 0, 16),
	}
	if s.factory != nil {
		st.handle = memory.NewHandle(s.factory)
	}

	s.mu.Lock()
	s.sessions[st.id] = st
	s.mu.Unlock()

	log.Printf("[session] created session=%s persona=%s", st.id, personaID)
	return st.view(), nil
}

func (s *Service) lookup(id string) (*state, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return st, nil
}

func (st *state) view() chat.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return chat.Session{
		ID:            st.id,
		PersonaID:     st.personaID,
		AvatarActive:  st.avatarActive,
		MemoryState:   st.handle.State().String(),
		TurnCount:     len(st.turns),
		PersistedUpTo: st.persistedUpTo,
		CreatedAt:     st.createdAt,
	}
}

// Get returns the session view.
func (s *Service) Get(_ context.Context, id string) (chat.Session, error) {
	st, err := s.lookup(id)
	if err != nil {
		return chat.Session{}, err
	}
	return st.view(), nil
}

// AppendTurn validates and appends a turn; it is the only writer of the turn sequence.
func (s *Service) AppendTurn(_ context.Context, id, role, content string) (chat.Turn, error) {
	st, err := s.lookup(id)
	if err != nil {
		return chat.Turn{}, err
	}

	parsed, ok := chat.ParseRole(role)
	if !ok {
		return chat.Turn{}, ErrInvalidRole
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Turn{}, ErrEmptyContent
	}

	turn := chat.Turn{Role: parsed, Content: content, Timestamp: time.Now().UTC()}
	st.mu.Lock()
	st.turns = append(st.turns, turn)
	st.mu.Unlock()
	return turn, nil
}

// Turns returns a copy of the turn sequence.
func (s *Service) Turns(_ context.Context, id string) ([]chat.Turn, error) {
	st, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]chat.Turn, len(st.turns))
	copy(out, st.turns)
	return out, nil
}

// StartRequest overrides preset fields for one avatar start; empty fields keep the preset.
type StartRequest struct {
	Name         string `json:"name,omitempty"`
	AvatarID     string `json:"avatarId,omitempty"`
	VoiceID      string `json:"voiceId,omitempty"`
	ModelID      string `json:"modelId,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
	UseMemory    *bool  `json:"useMemory,omitempty"`
	MemoryQuery  string `json:"memoryQuery,omitempty"`
}

// StartResult is returned by Start.
type StartResult struct {
	SessionToken string               `json:"sessionToken,omitempty"`
	Persona      persona.Config       `json:"persona"`
	Memory       memory.ContextResult `json:"memory"`
	Warnings     []string             `json:"warnings,omitempty"`
}

// Start acquires the memory handle, fetches context, enriches the prompt and
// exchanges the persona for a session token. A retrieval failure only adds a
// warning; a token failure leaves the session inactive.
func (s *Service) Start(ctx context.Context, id string, req StartRequest) (StartResult, error) {
	st, err := s.lookup(id)
	if err != nil {
		return StartResult{}, err
	}

	preset, ok := s.personas.FindByID(st.personaID)
	if !ok {
		return StartResult{}, fmt.Errorf("%w: %s", ErrUnknownPersona, st.personaID)
	}
	cfg := applyOverrides(preset, req).Config()
	if err := avatar.Validate(cfg); err != nil {
		return StartResult{}, err
	}

	var result StartResult
	useMemory := req.UseMemory == nil || *req.UseMemory
	if useMemory && st.handle != nil {
		if _, err := st.handle.Acquire(ctx); err != nil {
			log.Printf("[session] memory unavailable for session=%s: %v", id, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("memory unavailable: %v", err))
		}
		result.Memory = s.bridge.FetchContext(ctx, st.handle, req.MemoryQuery)
		if result.Memory.Warning != "" {
			result.Warnings = append(result.Warnings, result.Memory.Warning)
		}
	} else {
		result.Memory = memory.ContextResult{Status: memory.StatusUnavailable}
	}

	cfg.SystemPrompt = memory.BuildPrompt(cfg.SystemPrompt, result.Memory.Text)
	result.Persona = cfg

	token, err := s.avatar.CreateSession(ctx, cfg)
	if err != nil {
		log.Printf("[session] avatar start failed for session=%s: %v", id, err)
		return result, err
	}

	st.mu.Lock()
	st.credential = token
	st.avatarActive = true
	st.mu.Unlock()

	result.SessionToken = token
	log.Printf("[session] avatar started session=%s memory=%s", id, result.Memory.Status)
	return result, nil
}

func applyOverrides(p persona.Preset, req StartRequest) persona.Preset {
	if v := strings.TrimSpace(req.Name); v != "" {
		p.Name = v
	}
	if v := strings.TrimSpace(req.AvatarID); v != "" {
		p.AvatarID = v
	}
	if v := strings.TrimSpace(req.VoiceID); v != "" {
		p.VoiceID = v
	}
	if v := strings.TrimSpace(req.ModelID); v != "" {
		p.ModelID = v
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		p.SystemPrompt = req.SystemPrompt
	}
	return p
}

// ensureHandle acquires the session handle when memory is enabled.
func (s *Service) ensureHandle(ctx context.Context, st *state) error {
	if st.handle == nil {
		return ErrMemoryDisabled
	}
	_, err := st.handle.Acquire(ctx)
	return err
}

// SaveResult reports the outcome of Save.
type SaveResult struct {
	Saved         bool   `json:"saved"`
	Submitted     int    `json:"submitted"`
	PersistedUpTo int    `json:"persistedUpTo"`
	Notice        string `json:"notice,omitempty"`
}

// Save persists the turns after the watermark and advances it on success.
// Precondition outcomes (nothing new, memory disabled) return Saved=false and
// an ErrPreconditionNotMet error that callers treat as benign.
func (s *Service) Save(ctx context.Context, id string) (SaveResult, error) {
	st, err := s.lookup(id)
	if err != nil {
		return SaveResult{}, err
	}

	st.saveMu.Lock()
	defer st.saveMu.Unlock()

	st.mu.Lock()
	pending := append([]chat.Turn(nil), st.turns[st.persistedUpTo:]...)
	upTo := len(st.turns)
	gen := st.clearGen
	result := SaveResult{PersistedUpTo: st.persistedUpTo}
	st.mu.Unlock()

	if len(pending) < 2 {
		result.Notice = "nothing new to save"
		return result, memory.ErrTooFewTurns
	}

	if err := s.ensureHandle(ctx, st); err != nil {
		result.Notice = err.Error()
		return result, err
	}

	saved, err := s.bridge.Persist(ctx, st.handle, pending)
	if err != nil {
		result.Notice = fmt.Sprintf("failed to save to memory: %v", err)
		return result, err
	}
	result.Saved = saved
	result.Submitted = len(pending)

	st.mu.Lock()
	if st.clearGen == gen && upTo > st.persistedUpTo {
		st.persistedUpTo = upTo
	}
	result.PersistedUpTo = st.persistedUpTo
	st.mu.Unlock()

	log.Printf("[session] saved %d turns session=%s watermark=%d", len(pending), id, result.PersistedUpTo)
	return result, nil
}

// ClearMemory empties the turns, resets the watermark and invalidates the handle.
func (s *Service) ClearMemory(_ context.Context, id string) (chat.Session, error) {
	st, err := s.lookup(id)
	if err != nil {
		return chat.Session{}, err
	}

	st.mu.Lock()
	st.turns = make([]chat.Turn, 0, 16)
	st.persistedUpTo = 0
	st.clearGen++
	st.mu.Unlock()

	st.handle.Clear()
	s.bridge.InvalidateCache()

	log.Printf("[session] cleared memory session=%s", id)
	return st.view(), nil
}

// MemoryStatus describes the memory side of a session.
type MemoryStatus struct {
	Enabled       bool   `json:"enabled"`
	State         string `json:"state"`
	TurnCount     int    `json:"turnCount"`
	PersistedUpTo int    `json:"persistedUpTo"`
	Unsaved       int    `json:"unsaved"`
}

// MemoryStatus returns the handle state and watermark.
func (s *Service) MemoryStatus(_ context.Context, id string) (MemoryStatus, error) {
	st, err := s.lookup(id)
	if err != nil {
		return MemoryStatus{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return MemoryStatus{
		Enabled:       st.handle != nil,
		State:         st.handle.State().String(),
		TurnCount:     len(st.turns),
		PersistedUpTo: st.persistedUpTo,
		Unsaved:       len(st.turns) - st.persistedUpTo,
	}, nil
}

// Search returns the raw retrieval result, acquiring the handle if needed.
func (s *Service) Search(ctx context.Context, id, query string) (memorymodel.QueryResult, error) {
	st, err := s.lookup(id)
	if err != nil {
		return memorymodel.QueryResult{}, err
	}
	if err := s.ensureHandle(ctx, st); err != nil {
		return memorymodel.QueryResult{}, err
	}
	return s.bridge.Search(ctx, st.handle, query)
}

// ChatContext is what the chatbot needs to answer one message.
type ChatContext struct {
	History []chat.Turn
	Memory  memory.ContextResult
	// Pending 是刚追加的用户轮次，生成失败时交给 AbortChat 撤回
	Pending chat.Turn
}

// PrepareChat appends the user message and fetches bullet-formatted context for it.
// History excludes the new message.
func (s *Service) PrepareChat(ctx context.Context, id, message string) (ChatContext, error) {
	st, err := s.lookup(id)
	if err != nil {
		return ChatContext{}, err
	}

	history, err := s.Turns(ctx, id)
	if err != nil {
		return ChatContext{}, err
	}
	pending, err := s.AppendTurn(ctx, id, string(chat.RoleUser), message)
	if err != nil {
		return ChatContext{}, err
	}

	result := ChatContext{History: history, Memory: memory.ContextResult{Status: memory.StatusUnavailable}, Pending: pending}
	if st.handle != nil {
		if err := s.ensureHandle(ctx, st); err != nil {
			log.Printf("[session] memory unavailable for chat session=%s: %v", id, err)
			result.Memory.Warning = fmt.Sprintf("memory unavailable: %v", err)
			return result, nil
		}
		result.Memory = s.bridge.WithBullet("- ").FetchContext(ctx, st.handle, message)
	}
	return result, nil
}

// AbortChat removes the pending user turn after a failed generation so the
// next exchange is not saved as [user, user, assistant]. Turns already
// persisted are never touched.
func (s *Service) AbortChat(_ context.Context, id string, pending chat.Turn) error {
	st, err := s.lookup(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for i := len(st.turns) - 1; i >= st.persistedUpTo; i-- {
		t := st.turns[i]
		if t.Role == pending.Role && t.Content == pending.Content && t.Timestamp.Equal(pending.Timestamp) {
			st.turns = append(st.turns[:i], st.turns[i+1:]...)
			return nil
		}
	}
	return nil
}

// CompleteChat appends the assistant reply and saves the unsaved exchange.
// Memory failures are reported in the result, never as an error.
func (s *Service) CompleteChat(ctx context.Context, id, reply string) (SaveResult, error) {
	if _, err := s.AppendTurn(ctx, id, string(chat.RoleAssistant), reply); err != nil {
		return SaveResult{}, err
	}

	result, err := s.Save(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrPreconditionNotMet) {
		log.Printf("[session] chat exchange not memorized session=%s: %v", id, err)
	}
	return result, nil
}

// Credential returns the session token issued by the last successful start.
func (s *Service) Credential(_ context.Context, id string) (string, bool, error) {
	st, err := s.lookup(id)
	if err != nil {
		return "", false, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.credential, st.credential != "", nil
}
