package local

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"github.com/zhouzirui/z-avatar/backend/internal/apperr"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
)

const (
	serviceName  = "local-memory"
	defaultLimit = 5
)

// Summarizer folds a new conversation record into a running category summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, record memorymodel.Record) (string, error)
}

// Options 配置本地记忆后端。
type Options struct {
	Store      MetadataStore
	Embed      chromem.EmbeddingFunc
	Summarizer Summarizer // 可选，为空时不生成分类摘要
}

// Backend is a self-hosted memory service: a chromem vector index per user,
// backed by a MetadataStore so the index can be rebuilt on restart.
type Backend struct {
	db         *chromem.DB
	embed      chromem.EmbeddingFunc
	store      MetadataStore
	summarizer Summarizer

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

var _ memory.Backend = (*Backend)(nil)

// New 创建本地后端，并把元数据存储中已有的记忆重新写入向量索引。
func New(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Store == nil {
		opts.Store = NewInMemoryStore()
	}
	if opts.Embed == nil {
		opts.Embed = HashingEmbedder(256)
	}

	b := &Backend{
		db:          chromem.NewDB(),
		embed:       opts.Embed,
		store:       opts.Store,
		summarizer:  opts.Summarizer,
		collections: make(map[string]*chromem.Collection),
	}

	if err := b.reindex(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) reindex(ctx context.Context) error {
	items, err := b.store.LoadItems(ctx)
	if err != nil {
		return fmt.Errorf("load stored memories: %w", err)
	}

	for _, item := range items {
		col, err := b.collection(item.UserID)
		if err != nil {
			return err
		}
		if err := col.AddDocument(ctx, toDocument(item)); err != nil {
			return fmt.Errorf("reindex memory %s: %w", item.ID, err)
		}
	}
	if len(items) > 0 {
		log.Printf("[local-memory] reindexed %d stored memories", len(items))
	}
	return nil
}

// collection returns the per-user collection, creating it on first use.
func (b *Backend) collection(userID string) (*chromem.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if col, ok := b.collections[userID]; ok {
		return col, nil
	}

	name := "user_" + userID
	if userID == "" {
		name = "global"
	}
	col, err := b.db.GetOrCreateCollection(name, nil, b.embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	b.collections[userID] = col
	return col, nil
}

func toDocument(item StoredItem) chromem.Document {
	return chromem.Document{
		ID:        item.ID,
		Content:   item.Summary,
		Embedding: item.Embedding,
		Metadata: map[string]string{
			"user_id":     item.UserID,
			"agent_id":    item.AgentID,
			"role":        item.Role,
			"memory_type": "conversation",
			"created_at":  item.CreatedAt.Format(time.RFC3339),
		},
	}
}

// Memorize stores every non-empty message as an item and refreshes the agent category.
func (b *Backend) Memorize(ctx context.Context, req memorymodel.MemorizeRequest) error {
	record, err := memory.LoadRecord(req)
	if err != nil {
		return err
	}
	if req.Scope.UserID == "" {
		return apperr.Invalid("memorize requires a user id")
	}

	col, err := b.collection(req.Scope.UserID)
	if err != nil {
		return apperr.External(serviceName, "memorize", err)
	}

	now := time.Now().UTC()
	items := make([]StoredItem, 0, len(record.Messages))
	for i, msg := range record.Messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		embedding, err := b.embed(ctx, content)
		if err != nil {
			return apperr.External(serviceName, "embed", err)
		}
		items = append(items, StoredItem{
			ID:        uuid.NewString(),
			UserID:    req.Scope.UserID,
			AgentID:   req.Scope.AgentID,
			Role:      msg.Role,
			Summary:   content,
			Embedding: embedding,
			// 同一批记录保持原有顺序
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		})
	}

	// 先写索引再落库；任一步失败都撤回已写入的文档，重试不会产生重复条目
	indexed := make([]string, 0, len(items))
	for _, item := range items {
		if err := col.AddDocument(ctx, toDocument(item)); err != nil {
			b.unindex(ctx, col, indexed)
			return apperr.External(serviceName, "memorize", err)
		}
		indexed = append(indexed, item.ID)
	}
	if err := b.store.SaveItems(ctx, items); err != nil {
		b.unindex(ctx, col, indexed)
		return apperr.External(serviceName, "memorize", err)
	}

	b.updateCategory(ctx, req.Scope, record)
	log.Printf("[local-memory] memorized %d items for user=%s", len(items), req.Scope.UserID)
	return nil
}

func (b *Backend) unindex(ctx context.Context, col *chromem.Collection, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		log.Printf("[local-memory] failed to roll back %d indexed items: %v", len(ids), err)
	}
}

// updateCategory 失败只记录日志，条目已经写入。
func (b *Backend) updateCategory(ctx context.Context, scope memorymodel.Scope, record memorymodel.Record) {
	if b.summarizer == nil {
		return
	}

	previous, _, err := b.store.Category(ctx, scope.UserID, scope.AgentID)
	if err != nil {
		log.Printf("[local-memory] load category failed: %v", err)
		return
	}

	summary, err := b.summarizer.Summarize(ctx, previous.Summary, record)
	if err != nil {
		log.Printf("[local-memory] summarize failed: %v", err)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}

	name := scope.AgentName
	if name == "" {
		name = scope.AgentID
	}
	err = b.store.UpsertCategory(ctx, StoredCategory{
		UserID:    scope.UserID,
		AgentID:   scope.AgentID,
		Name:      name,
		Summary:   summary,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[local-memory] save category failed: %v", err)
	}
}

// MemorizeResource ingests a `{"messages":[...]}` JSON file.
func (b *Backend) MemorizeResource(ctx context.Context, path string, scope memorymodel.Scope) error {
	return b.Memorize(ctx, memorymodel.MemorizeRequest{Scope: scope, ResourcePath: path})
}

// Retrieve returns the user's categories and the top items by descending similarity.
func (b *Backend) Retrieve(ctx context.Context, req memorymodel.RetrieveRequest) (memorymodel.QueryResult, error) {
	userID := req.Where["user_id"]
	var result memorymodel.QueryResult

	categories, err := b.store.Categories(ctx, userID)
	if err != nil {
		return result, apperr.External(serviceName, "retrieve", err)
	}
	for _, c := range categories {
		result.Categories = append(result.Categories, memorymodel.Category{Name: c.Name, Summary: c.Summary})
	}

	text := strings.TrimSpace(req.Text())
	if text == "" {
		return result, nil
	}

	col, err := b.collection(userID)
	if err != nil {
		return result, apperr.External(serviceName, "retrieve", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	// chromem 要求 nResults <= 文档数
	if count := col.Count(); limit > count {
		limit = count
	}
	if limit == 0 {
		return result, nil
	}

	docs, err := col.Query(ctx, text, limit, req.Where, nil)
	if err != nil {
		return result, apperr.External(serviceName, "retrieve", err)
	}
	for _, doc := range docs {
		result.Items = append(result.Items, memorymodel.Item{
			ID:         doc.ID,
			MemoryType: doc.Metadata["memory_type"],
			Summary:    doc.Content,
			Similarity: doc.Similarity,
		})
	}
	return result, nil
}

// Close releases the metadata store.
func (b *Backend) Close() error {
	return b.store.Close()
}
