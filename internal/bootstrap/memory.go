package bootstrap

import (
	"context"
	"fmt"
	"log"

	"github.com/zhouzirui/z-avatar/backend/internal/config"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory/local"
	"github.com/zhouzirui/z-avatar/backend/internal/service/memory/memu"
)

// MemoryFactory 根据配置选择记忆后端。返回的 closer 总是非空；
// 记忆被禁用时 factory 为 nil。
func MemoryFactory(ctx context.Context, cfg config.MemoryConfig, summarizer local.Summarizer) (memory.Factory, func(), error) {
	noop := func() {}
	if !cfg.Enabled {
		log.Println("[memory] disabled by configuration")
		return nil, noop, nil
	}

	switch cfg.Backend {
	case config.BackendMemU:
		log.Printf("[memory] using hosted backend %s", cfg.BaseURL)
		return memu.Factory(cfg), noop, nil
	case config.BackendLocal:
		backend, err := OpenLocal(ctx, cfg, summarizer)
		if err != nil {
			return nil, noop, err
		}
		closer := func() {
			if err := backend.Close(); err != nil {
				log.Printf("[local-memory] close failed: %v", err)
			}
		}
		// 所有会话共享同一个本地后端，句柄清空只丢弃引用
		factory := func(context.Context) (memory.Backend, error) { return backend, nil }
		return factory, closer, nil
	default:
		return nil, noop, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
}

// OpenLocal 打开本地后端；元数据为空时导入种子对话。
func OpenLocal(ctx context.Context, cfg config.MemoryConfig, summarizer local.Summarizer) (*local.Backend, error) {
	var store local.MetadataStore
	switch cfg.MetadataStore {
	case config.MetadataSQLite:
		sqliteStore, err := local.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		store = sqliteStore
	default:
		store = local.NewInMemoryStore()
	}

	existing, err := store.LoadItems(ctx)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load stored memories: %w", err)
	}

	opts := local.Options{Store: store, Embed: local.NewEmbeddingFunc(cfg)}
	if summarizer != nil && cfg.Summarize {
		opts.Summarizer = summarizer
	}

	backend, err := local.New(ctx, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.SeedFile != "" && len(existing) == 0 {
		scope := memory.OptionsFromConfig(cfg, nil).Scope
		if err := backend.MemorizeResource(ctx, cfg.SeedFile, scope); err != nil {
			log.Printf("[local-memory] seed %s failed: %v", cfg.SeedFile, err)
		} else {
			log.Printf("[local-memory] seeded memories from %s", cfg.SeedFile)
		}
	}

	log.Printf("[local-memory] ready store=%s items=%d embeddings=%s", cfg.MetadataStore, len(existing), embedderName(cfg))
	return backend, nil
}

func embedderName(cfg config.MemoryConfig) string {
	if cfg.OpenAIAPIKey != "" {
		return cfg.EmbeddingModel
	}
	return "hashing"
}
