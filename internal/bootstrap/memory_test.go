package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zhouzirui/z-avatar/backend/internal/config"
	memorymodel "github.com/zhouzirui/z-avatar/backend/internal/model/memory"
)

func localConfig(t *testing.T) config.MemoryConfig {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "seed.json")
	body := `{"messages":[{"role":"user","content":"My favourite colour is green"},{"role":"assistant","content":"Green is lovely"}]}`
	if err := os.WriteFile(seed, []byte(body), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return config.MemoryConfig{
		Enabled:         true,
		Backend:         config.BackendLocal,
		MetadataStore:   config.MetadataInMemory,
		UserID:          "123",
		AgentID:         "avatar-assistant",
		EmbedDimensions: 64,
		SeedFile:        seed,
	}
}

func TestMemoryFactoryDisabled(t *testing.T) {
	factory, closer, err := MemoryFactory(context.Background(), config.MemoryConfig{Enabled: false}, nil)
	if err != nil || factory != nil {
		t.Fatalf("expected nil factory, got %v %v", factory, err)
	}
	closer()
}

func TestMemoryFactoryHostedIsLazy(t *testing.T) {
	// 缺少密钥时在获取句柄时才报错
	factory, closer, err := MemoryFactory(context.Background(), config.MemoryConfig{Enabled: true, Backend: config.BackendMemU}, nil)
	if err != nil || factory == nil {
		t.Fatalf("expected hosted factory, got %v", err)
	}
	defer closer()
	if _, err := factory(context.Background()); err == nil {
		t.Fatalf("expected configuration error without MEMU_API_KEY")
	}
}

func TestMemoryFactoryLocalSeeds(t *testing.T) {
	cfg := localConfig(t)
	factory, closer, err := MemoryFactory(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("MemoryFactory returned error: %v", err)
	}
	defer closer()

	backend, err := factory(context.Background())
	if err != nil {
		t.Fatalf("factory returned error: %v", err)
	}
	again, _ := factory(context.Background())
	if backend != again {
		t.Fatalf("sessions should share the local backend")
	}

	result, err := backend.Retrieve(context.Background(), memorymodel.UserQuery("favourite colour", memorymodel.Scope{UserID: "123"}))
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if len(result.Items) == 0 {
		t.Fatalf("seed conversation should be retrievable")
	}
}

func TestOpenLocalSkipsSeedWhenStoreHasItems(t *testing.T) {
	cfg := localConfig(t)
	cfg.MetadataStore = config.MetadataSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "memory.db")

	first, err := OpenLocal(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	_ = first.Close()

	second, err := OpenLocal(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenLocal returned error: %v", err)
	}
	defer second.Close()

	result, err := second.Retrieve(context.Background(), memorymodel.RetrieveRequest{
		Queries: []memorymodel.Query{{Role: "user", Content: memorymodel.QueryContent{Text: "colour"}}},
		Where:   map[string]string{"user_id": "123"},
		Limit:   10,
	})
	if err != nil {
		t.Fatalf("Retrieve returned error: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected the 2 seeded messages once, got %d", len(result.Items))
	}
}

func TestMemoryFactoryRejectsUnknownBackend(t *testing.T) {
	if _, _, err := MemoryFactory(context.Background(), config.MemoryConfig{Enabled: true, Backend: "redis"}, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
