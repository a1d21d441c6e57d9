package local

import (
	"context"
	"sync"
	"time"
)

// StoredItem is one memorized message.
type StoredItem struct {
	ID        string
	UserID    string
	AgentID   string
	Role      string
	Summary   string
	Embedding []float32
	CreatedAt time.Time
}

// StoredCategory is the running summary kept per (user, agent).
type StoredCategory struct {
	UserID    string
	AgentID   string
	Name      string
	Summary   string
	UpdatedAt time.Time
}

// MetadataStore persists items and categories; the vector index is rebuilt from it on open.
type MetadataStore interface {
	SaveItems(ctx context.Context, items []StoredItem) error
	LoadItems(ctx context.Context) ([]StoredItem, error)
	UpsertCategory(ctx context.Context, category StoredCategory) error
	Category(ctx context.Context, userID, agentID string) (StoredCategory, bool, error)
	Categories(ctx context.Context, userID string) ([]StoredCategory, error)
	Close() error
}

// InMemoryStore keeps metadata for the lifetime of the process.
type InMemoryStore struct {
	mu         sync.RWMutex
	items      []StoredItem
	categories map[string]StoredCategory
	order      []string
}

// NewInMemoryStore 创建空的内存存储。
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{categories: make(map[string]StoredCategory)}
}

func categoryKey(userID, agentID string) string {
	return userID + "/" + agentID
}

func (s *InMemoryStore) SaveItems(_ context.Context, items []StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return nil
}

func (s *InMemoryStore) LoadItems(_ context.Context) ([]StoredItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StoredItem(nil), s.items...), nil
}

func (s *InMemoryStore) UpsertCategory(_ context.Context, category StoredCategory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := categoryKey(category.UserID, category.AgentID)
	if _, ok := s.categories[key]; !ok {
		s.order = append(s.order, key)
	}
	s.categories[key] = category
	return nil
}

func (s *InMemoryStore) Category(_ context.Context, userID, agentID string) (StoredCategory, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.categories[categoryKey(userID, agentID)]
	return c, ok, nil
}

// Categories returns a user's categories in creation order.
func (s *InMemoryStore) Categories(_ context.Context, userID string) ([]StoredCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []StoredCategory
	for _, key := range s.order {
		if c := s.categories[key]; c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
