package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store exposes persona preset retrieval for HTTP handlers.
type Store interface {
	List() []Preset
	FindByID(id string) (Preset, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Preset
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied presets.
func NewMemoryStore(items []Preset) *MemoryStore {
	return &MemoryStore{items: append([]Preset(nil), items...)}
}

// List returns the preset list.
func (s *MemoryStore) List() []Preset {
	return append([]Preset(nil), s.items...)
}

// FindByID looks up a preset by identifier.
func (s *MemoryStore) FindByID(id string) (Preset, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Preset{}, false
}

type presetFile struct {
	Personas []Preset `yaml:"personas"`
}

// LoadFile 从 YAML 文件读取预设角色，文件格式为 `personas: [...]`。
func LoadFile(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}

	var parsed presetFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse persona file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(parsed.Personas))
	for i, p := range parsed.Personas {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("persona #%d in %s has no id", i+1, path)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate persona id %q in %s", id, path)
		}
		if strings.TrimSpace(p.SystemPrompt) == "" {
			return nil, fmt.Errorf("persona %q in %s has no systemPrompt", id, path)
		}
		seen[id] = struct{}{}
		parsed.Personas[i].ID = id
	}

	if len(parsed.Personas) == 0 {
		return nil, fmt.Errorf("persona file %s defines no personas", path)
	}
	return parsed.Personas, nil
}
