package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	"github.com/zhouzirui/z-avatar/backend/internal/model/chat"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/model/persona"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
)

type fakeCreator struct {
	mu      sync.Mutex
	token   string
	err     error
	configs []persona.Config
}

func (f *fakeCreator) CreateSession(_ context.Context, cfg persona.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeBackend struct {
	mu          sync.Mutex
	result      memorymodel.QueryResult
	retrieveErr error
	memorizeErr error
	queries     []string
	memorized   []memorymodel.Record
}

func (f *fakeBackend) Memorize(_ context.Context, req memorymodel.MemorizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memorizeErr != nil {
		return f.memorizeErr
	}
	record, err := memory.LoadRecord(req)
	if err != nil {
		return err
	}
	f.memorized = append(f.memorized, record)
	return nil
}

func (f *fakeBackend) Retrieve(_ context.Context, req memorymodel.RetrieveRequest) (memorymodel.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req.Text())
	if f.retrieveErr != nil {
		return memorymodel.QueryResult{}, f.retrieveErr
	}
	return f.result, nil
}

func newTestService(creator *fakeCreator, backend *fakeBackend, factoryErr error) *Service {
	bridge := memory.NewBridge(memory.Options{
		Scope:        memorymodel.Scope{UserID: "123", AgentID: "avatar-assistant"},
		DefaultQuery: "general conversation context",
	})
	var factory memory.Factory
	if backend != nil || factoryErr != nil {
		factory = func(context.Context) (memory.Backend, error) {
			if factoryErr != nil {
				return nil, factoryErr
			}
			return backend, nil
		}
	}
	return NewService(persona.NewMemoryStore(persona.Seed()), creator, bridge, factory)
}

func mustCreate(t *testing.T, svc *Service) string {
	t.Helper()
	sess, err := svc.Create(context.Background(), "maya")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	return sess.ID
}

func TestCreateValidatesPersona(t *testing.T) {
	svc := newTestService(&fakeCreator{}, nil, nil)

	if _, err := svc.Create(context.Background(), " "); !errors.Is(err, ErrPersonaRequired) {
		t.Fatalf("expected ErrPersonaRequired, got %v", err)
	}
	if _, err := svc.Create(context.Background(), "nobody"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	sess, err := svc.Create(context.Background(), "maya")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if sess.ID == "" || sess.PersonaID != "maya" || sess.AvatarActive {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.MemoryState != "uninitialized" {
		t.Fatalf("unexpected memory state %q", sess.MemoryState)
	}

	if _, err := svc.Get(context.Background(), "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendTurnValidation(t *testing.T) {
	svc := newTestService(&fakeCreator{}, nil, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	if _, err := svc.AppendTurn(ctx, id, "system", "hello"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := svc.AppendTurn(ctx, id, "user", "   "); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := svc.AppendTurn(ctx, id, "agent", " hi there "); err != nil {
		t.Fatalf("AppendTurn returned error: %v", err)
	}

	turns, _ := svc.Turns(ctx, id)
	if len(turns) != 1 || turns[0].Role != "assistant" || turns[0].Content != "hi there" {
		t.Fatalf("unexpected turns %+v", turns)
	}
}

func TestStartEnrichesPromptWithMemory(t *testing.T) {
	creator := &fakeCreator{token: "abc"}
	backend := &fakeBackend{result: memorymodel.QueryResult{Items: []memorymodel.Item{{Summary: "User likes tea"}}}}
	svc := newTestService(creator, backend, nil)
	id := mustCreate(t, svc)

	result, err := svc.Start(context.Background(), id, StartRequest{Name: "Ava"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if result.SessionToken != "abc" {
		t.Fatalf("unexpected token %q", result.SessionToken)
	}
	if result.Memory.Status != memory.StatusFound {
		t.Fatalf("unexpected memory status %q", result.Memory.Status)
	}
	if len(backend.queries) != 1 || backend.queries[0] != "general conversation context" {
		t.Fatalf("unexpected retrieval queries %v", backend.queries)
	}

	if len(creator.configs) != 1 {
		t.Fatalf("expected one token exchange, got %d", len(creator.configs))
	}
	sent := creator.configs[0]
	if sent.Name != "Ava" {
		t.Fatalf("override not applied: %q", sent.Name)
	}
	if !strings.Contains(sent.SystemPrompt, "<memory>\nUser likes tea\n</memory>") {
		t.Fatalf("prompt not enriched: %q", sent.SystemPrompt)
	}

	sess, _ := svc.Get(context.Background(), id)
	if !sess.AvatarActive || sess.MemoryState != "ready" {
		t.Fatalf("unexpected session after start %+v", sess)
	}
	if token, ok, _ := svc.Credential(context.Background(), id); !ok || token != "abc" {
		t.Fatalf("credential not stored: %q %t", token, ok)
	}
}

func TestStartWithoutMemoryKeepsBasePrompt(t *testing.T) {
	creator := &fakeCreator{token: "abc"}
	backend := &fakeBackend{result: memorymodel.QueryResult{Items: []memorymodel.Item{{Summary: "ignored"}}}}
	svc := newTestService(creator, backend, nil)
	id := mustCreate(t, svc)

	useMemory := false
	result, err := svc.Start(context.Background(), id, StartRequest{UseMemory: &useMemory})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if result.Memory.Status != memory.StatusUnavailable || len(backend.queries) != 0 {
		t.Fatalf("memory should not be consulted: %+v %v", result.Memory, backend.queries)
	}
	preset, _ := persona.NewMemoryStore(persona.Seed()).FindByID("maya")
	if creator.configs[0].SystemPrompt != preset.SystemPrompt {
		t.Fatalf("prompt should be unchanged, got %q", creator.configs[0].SystemPrompt)
	}
}

func TestStartMemoryFailureOnlyWarns(t *testing.T) {
	creator := &fakeCreator{token: "abc"}
	svc := newTestService(creator, nil, errors.New("connect refused"))
	id := mustCreate(t, svc)

	result, err := svc.Start(context.Background(), id, StartRequest{})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if result.SessionToken != "abc" {
		t.Fatalf("unexpected token %q", result.SessionToken)
	}
	if len(result.Warnings) == 0 || !strings.Contains(result.Warnings[0], "connect refused") {
		t.Fatalf("expected memory warning, got %v", result.Warnings)
	}
	if result.Memory.Status != memory.StatusUnavailable {
		t.Fatalf("unexpected memory status %q", result.Memory.Status)
	}
}

func TestStartTokenFailureLeavesSessionInactive(t *testing.T) {
	creator := &fakeCreator{err: &apperr.ExternalServiceError{Service: "anam", Op: "session-token", StatusCode: 500, Err: errors.New("boom")}}
	svc := newTestService(creator, nil, nil)
	id := mustCreate(t, svc)

	_, err := svc.Start(context.Background(), id, StartRequest{})
	var extErr *apperr.ExternalServiceError
	if !errors.As(err, &extErr) {
		t.Fatalf("expected external service error, got %v", err)
	}

	sess, _ := svc.Get(context.Background(), id)
	if sess.AvatarActive {
		t.Fatalf("session should stay inactive")
	}
	if _, ok, _ := svc.Credential(context.Background(), id); ok {
		t.Fatalf("no credential should be stored")
	}
}

func TestStartIgnoresBlankOverrides(t *testing.T) {
	creator := &fakeCreator{token: "abc"}
	svc := newTestService(creator, nil, nil)
	id := mustCreate(t, svc)

	// 空白覆盖值保留预设
	if _, err := svc.Start(context.Background(), id, StartRequest{SystemPrompt: "   "}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if creator.configs[0].SystemPrompt == "   " {
		t.Fatalf("blank override should keep preset prompt")
	}
}

func TestSaveAdvancesWatermark(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(&fakeCreator{}, backend, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	if _, err := svc.Save(ctx, id); !errors.Is(err, memory.ErrTooFewTurns) {
		t.Fatalf("expected ErrTooFewTurns, got %v", err)
	}

	_, _ = svc.AppendTurn(ctx, id, "user", "My sister is Ana")
	_, _ = svc.AppendTurn(ctx, id, "assistant", "Nice to know!")

	result, err := svc.Save(ctx, id)
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if !result.Saved || result.Submitted != 2 || result.PersistedUpTo != 2 {
		t.Fatalf("unexpected save result %+v", result)
	}

	// 再次保存不会重复提交
	if _, err := svc.Save(ctx, id); !errors.Is(err, apperr.ErrPreconditionNotMet) {
		t.Fatalf("expected precondition error on resave, got %v", err)
	}

	_, _ = svc.AppendTurn(ctx, id, "user", "She lives in Porto")
	_, _ = svc.AppendTurn(ctx, id, "assistant", "Got it.")
	if _, err := svc.Save(ctx, id); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	if len(backend.memorized) != 2 {
		t.Fatalf("expected 2 records, got %d", len(backend.memorized))
	}
	second := backend.memorized[1].Messages
	if len(second) != 2 || second[0].Content != "She lives in Porto" {
		t.Fatalf("second record should only hold new turns: %+v", second)
	}

	status, _ := svc.MemoryStatus(ctx, id)
	if status.PersistedUpTo != 4 || status.Unsaved != 0 || status.State != "ready" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSaveFailureKeepsWatermark(t *testing.T) {
	backend := &fakeBackend{memorizeErr: errors.New("upstream down")}
	svc := newTestService(&fakeCreator{}, backend, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	_, _ = svc.AppendTurn(ctx, id, "user", "hello")
	_, _ = svc.AppendTurn(ctx, id, "assistant", "hi")

	result, err := svc.Save(ctx, id)
	if err == nil {
		t.Fatalf("expected error")
	}
	if result.Saved || result.PersistedUpTo != 0 || result.Notice == "" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestSaveWithMemoryDisabled(t *testing.T) {
	svc := newTestService(&fakeCreator{}, nil, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	_, _ = svc.AppendTurn(ctx, id, "user", "hello")
	_, _ = svc.AppendTurn(ctx, id, "assistant", "hi")

	if _, err := svc.Save(ctx, id); !errors.Is(err, ErrMemoryDisabled) {
		t.Fatalf("expected ErrMemoryDisabled, got %v", err)
	}
	if svc.MemoryEnabled() {
		t.Fatalf("memory should be disabled")
	}
}

func TestClearMemoryResetsSession(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(&fakeCreator{}, backend, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	_, _ = svc.AppendTurn(ctx, id, "user", "hello")
	_, _ = svc.AppendTurn(ctx, id, "assistant", "hi")
	if _, err := svc.Save(ctx, id); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	sess, err := svc.ClearMemory(ctx, id)
	if err != nil {
		t.Fatalf("ClearMemory returned error: %v", err)
	}
	if sess.TurnCount != 0 || sess.PersistedUpTo != 0 || sess.MemoryState != "uninitialized" {
		t.Fatalf("unexpected session after clear %+v", sess)
	}

	// 清空后句柄可以重新获取
	if _, err := svc.Search(ctx, id, "hello"); err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	status, _ := svc.MemoryStatus(ctx, id)
	if status.State != "ready" {
		t.Fatalf("expected reacquired handle, got %q", status.State)
	}
}

func TestChatRoundTrip(t *testing.T) {
	backend := &fakeBackend{result: memorymodel.QueryResult{Items: []memorymodel.Item{{Summary: "User lives in Lisbon"}}}}
	svc := newTestService(&fakeCreator{}, backend, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	chatCtx, err := svc.PrepareChat(ctx, id, "Where do I live?")
	if err != nil {
		t.Fatalf("PrepareChat returned error: %v", err)
	}
	if len(chatCtx.History) != 0 {
		t.Fatalf("history should exclude the new message: %+v", chatCtx.History)
	}
	if chatCtx.Memory.Text != "- User lives in Lisbon" {
		t.Fatalf("unexpected context %q", chatCtx.Memory.Text)
	}
	if backend.queries[0] != "Where do I live?" {
		t.Fatalf("chat should retrieve with the message, got %q", backend.queries[0])
	}

	result, err := svc.CompleteChat(ctx, id, "You live in Lisbon.")
	if err != nil {
		t.Fatalf("CompleteChat returned error: %v", err)
	}
	if !result.Saved || result.PersistedUpTo != 2 {
		t.Fatalf("unexpected save result %+v", result)
	}
	if len(backend.memorized) != 1 || len(backend.memorized[0].Messages) != 2 {
		t.Fatalf("exchange should be memorized once: %+v", backend.memorized)
	}
}

func TestCompleteChatSwallowsMemoryErrors(t *testing.T) {
	backend := &fakeBackend{memorizeErr: errors.New("upstream down")}
	svc := newTestService(&fakeCreator{}, backend, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	if _, err := svc.PrepareChat(ctx, id, "hello"); err != nil {
		t.Fatalf("PrepareChat returned error: %v", err)
	}
	result, err := svc.CompleteChat(ctx, id, "hi")
	if err != nil {
		t.Fatalf("CompleteChat should not fail, got %v", err)
	}
	if result.Saved || result.Notice == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	turns, _ := svc.Turns(ctx, id)
	if len(turns) != 2 {
		t.Fatalf("turns should be kept, got %d", len(turns))
	}
}

func TestAbortChatDropsPendingTurn(t *testing.T) {
	backend := &fakeBackend{}
	svc := newTestService(&fakeCreator{}, backend, nil)
	id := mustCreate(t, svc)
	ctx := context.Background()

	failed, err := svc.PrepareChat(ctx, id, "First try")
	if err != nil {
		t.Fatalf("PrepareChat returned error: %v", err)
	}
	if err := svc.AbortChat(ctx, id, failed.Pending); err != nil {
		t.Fatalf("AbortChat returned error: %v", err)
	}
	if turns, _ := svc.Turns(ctx, id); len(turns) != 0 {
		t.Fatalf("pending turn should be dropped, got %+v", turns)
	}

	if _, err := svc.PrepareChat(ctx, id, "Second try"); err != nil {
		t.Fatalf("PrepareChat returned error: %v", err)
	}
	if _, err := svc.CompleteChat(ctx, id, "Answer"); err != nil {
		t.Fatalf("CompleteChat returned error: %v", err)
	}
	if len(backend.memorized) != 1 {
		t.Fatalf("expected one record, got %+v", backend.memorized)
	}
	msgs := backend.memorized[0].Messages
	if len(msgs) != 2 || msgs[0].Content != "Second try" || msgs[1].Role != "assistant" {
		t.Fatalf("unexpected record %+v", msgs)
	}

	// 已持久化的轮次不会被撤回
	if err := svc.AbortChat(ctx, id, chat.Turn{Role: chat.RoleUser, Content: "Second try"}); err != nil {
		t.Fatalf("AbortChat returned error: %v", err)
	}
	if turns, _ := svc.Turns(ctx, id); len(turns) != 2 {
		t.Fatalf("persisted turns must stay, got %d", len(turns))
	}
}
