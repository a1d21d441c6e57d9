package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/internal/model/chat"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
)

// Status describes the outcome of a context fetch.
type Status string

const (
	StatusFound       Status = "found"
	StatusEmpty       Status = "empty"
	StatusUnavailable Status = "unavailable" // 没有可用句柄，未发起请求
	StatusDegraded    Status = "degraded"    // 检索失败，降级为空上下文
)

// ContextResult is the outcome of FetchContext. Text is "" unless Status is found.
type ContextResult struct {
	Text    string   `json:"text"`
	Lines   []string `json:"lines,omitempty"`
	Status  Status   `json:"status"`
	Warning string   `json:"warning,omitempty"`
}

// Options 配置 Bridge。
type Options struct {
	Scope        memorymodel.Scope
	Staging      string // config.StagingInline 或 config.StagingFile
	TempDir      string // 暂存目录，空则使用 os.TempDir()
	Bullet       string
	DefaultQuery string
	Limit        int
	Cache        *ContextCache
}

// OptionsFromConfig maps memory settings onto bridge options.
func OptionsFromConfig(cfg config.MemoryConfig, cache *ContextCache) Options {
	return Options{
		Scope: memorymodel.Scope{
			UserID:    cfg.UserID,
			UserName:  cfg.UserName,
			AgentID:   cfg.AgentID,
			AgentName: cfg.AgentName,
		},
		Staging:      cfg.Staging,
		DefaultQuery: cfg.DefaultQuery,
		Limit:        cfg.RetrieveLimit,
		Cache:        cache,
	}
}

// Bridge 负责检索上下文、拼装提示词以及写回对话记录。
// 它本身无状态，句柄和对话轮次都由调用方持有。
type Bridge struct {
	opts Options
}

// NewBridge 创建 Bridge。
func NewBridge(opts Options) *Bridge {
	if opts.Staging == "" {
		opts.Staging = config.StagingInline
	}
	return &Bridge{opts: opts}
}

// WithBullet returns a copy of the bridge that prefixes each context line with bullet.
func (b *Bridge) WithBullet(bullet string) *Bridge {
	opts := b.opts
	opts.Bullet = bullet
	return &Bridge{opts: opts}
}

// Scope returns the fixed user/agent scope.
func (b *Bridge) Scope() memorymodel.Scope {
	return b.opts.Scope
}

// DefaultQuery is used when a caller has no query of its own.
func (b *Bridge) DefaultQuery() string {
	return b.opts.DefaultQuery
}

// FetchContext retrieves summarized context for query. It never fails:
// retrieval errors degrade to an empty context with a warning.
func (b *Bridge) FetchContext(ctx context.Context, h *Handle, query string) ContextResult {
	backend := h.Current()
	if backend == nil {
		return ContextResult{Status: StatusUnavailable}
	}

	query = strings.TrimSpace(query)
	if query == "" {
		query = b.opts.DefaultQuery
	}

	userID := b.opts.Scope.UserID
	if lines, ok := b.opts.Cache.Get(userID, query); ok {
		return b.result(lines)
	}

	gen := b.opts.Cache.Generation()
	req := memorymodel.UserQuery(query, b.opts.Scope)
	req.Limit = b.opts.Limit

	result, err := backend.Retrieve(ctx, req)
	if err != nil {
		log.Printf("[memory] retrieve failed, continuing without context: %v", err)
		return ContextResult{Status: StatusDegraded, Warning: fmt.Sprintf("memory retrieval failed: %v", err)}
	}

	lines := result.Summaries()
	b.opts.Cache.Put(gen, userID, query, lines)
	return b.result(lines)
}

func (b *Bridge) result(lines []string) ContextResult {
	if len(lines) == 0 {
		return ContextResult{Status: StatusEmpty}
	}

	formatted := make([]string, len(lines))
	for i, line := range lines {
		formatted[i] = b.opts.Bullet + line
	}
	return ContextResult{
		Text:   strings.Join(formatted, "\n"),
		Lines:  lines,
		Status: StatusFound,
	}
}

// Search returns the raw retrieval result for query.
func (b *Bridge) Search(ctx context.Context, h *Handle, query string) (memorymodel.QueryResult, error) {
	backend := h.Current()
	if backend == nil {
		return memorymodel.QueryResult{}, ErrNoMemoryHandle
	}

	query = strings.TrimSpace(query)
	if query == "" {
		query = b.opts.DefaultQuery
	}
	req := memorymodel.UserQuery(query, b.opts.Scope)
	req.Limit = b.opts.Limit
	return backend.Retrieve(ctx, req)
}

const (
	memoryIntro = "You have the following relevant memories from previous conversations:"
	memoryOpen  = "<memory>"
	memoryClose = "</memory>"
	memoryOutro = "Use these memories to provide personalized, context-aware responses. Reference past conversations naturally when relevant."
)

// BuildPrompt appends the memory block to base; an empty context leaves base unchanged.
func BuildPrompt(base, memoryContext string) string {
	if memoryContext == "" {
		return base
	}

	var builder strings.Builder
	builder.Grow(len(base) + len(memoryContext) + 256)
	builder.WriteString(base)
	builder.WriteString("\n\n")
	builder.WriteString(memoryIntro)
	builder.WriteString("\n")
	builder.WriteString(memoryOpen)
	builder.WriteString("\n")
	builder.WriteString(memoryContext)
	builder.WriteString("\n")
	builder.WriteString(memoryClose)
	builder.WriteString("\n\n")
	builder.WriteString(memoryOutro)
	return builder.String()
}

// Persist submits turns as a single conversation record.
//
// Fewer than two turns or a non-ready handle return false with a
// PreconditionNotMet error and no I/O. Persist does not track what was
// already stored; callers pass only unsaved turns.
func (b *Bridge) Persist(ctx context.Context, h *Handle, turns []chat.Turn) (bool, error) {
	if len(turns) < 2 {
		return false, ErrTooFewTurns
	}

	backend := h.Current()
	if backend == nil {
		return false, ErrNoMemoryHandle
	}

	record := memorymodel.RecordFromTurns(turns)
	req := memorymodel.MemorizeRequest{Scope: b.opts.Scope}

	if b.opts.Staging == config.StagingFile {
		path, cleanup, err := stageRecord(b.opts.TempDir, record)
		if err != nil {
			return false, err
		}
		defer cleanup()
		req.ResourcePath = path
	} else {
		req.Record = &record
	}

	if err := backend.Memorize(ctx, req); err != nil {
		log.Printf("[memory] memorize failed for %d turns: %v", len(turns), err)
		return false, err
	}

	b.opts.Cache.Invalidate()
	log.Printf("[memory] memorized %d turns for user=%s agent=%s", len(turns), b.opts.Scope.UserID, b.opts.Scope.AgentID)
	return true, nil
}

// InvalidateCache drops cached context, e.g. after a clear.
func (b *Bridge) InvalidateCache() {
	b.opts.Cache.Invalidate()
}

// stageRecord writes record to a temp JSON file. cleanup removes it and is
// safe to call on every exit path.
func stageRecord(dir string, record memorymodel.Record) (string, func(), error) {
	file, err := os.CreateTemp(dir, "conversation-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("create staging file: %w", err)
	}

	path := file.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[memory] failed to remove staging file %s: %v", path, err)
		}
	}

	encodeErr := json.NewEncoder(file).Encode(record)
	closeErr := file.Close()
	if err := errors.Join(encodeErr, closeErr); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write staging file: %w", err)
	}
	return path, cleanup, nil
}
