package persona

import "strings"

const (
	// DefaultAvatarID 是 Cara 的形象 ID。
	DefaultAvatarID = "30fa96d0-26c4-4e55-94a0-517025942e18"
	// DefaultVoiceID 是默认声音。
	DefaultVoiceID = "6bfbe25a-979d-40f3-a92b-5394170af54b"
	// DefaultModelID 是 Anam 托管的默认大模型。
	DefaultModelID = "0934d97d-0c3a-4f33-91b0-5e136a0ef466"
	// DefaultMaxSessionSeconds 单次会话最长时长。
	DefaultMaxSessionSeconds = 600
)

// Config is the persona configuration exchanged for a session token.
// JSON keys follow the avatar service's personaConfig payload.
type Config struct {
	Name              string `json:"name"`
	AvatarID          string `json:"avatarId"`
	VoiceID           string `json:"voiceId"`
	ModelID           string `json:"llmId"`
	SystemPrompt      string `json:"systemPrompt"`
	MaxSessionSeconds int    `json:"maxSessionLengthSeconds,omitempty"`
}

// Preset captures a ready-made persona exposed to the frontend.
type Preset struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Description       string `json:"description,omitempty" yaml:"description"`
	AvatarID          string `json:"avatarId" yaml:"avatarId"`
	VoiceID           string `json:"voiceId" yaml:"voiceId"`
	ModelID           string `json:"modelId" yaml:"modelId"`
	SystemPrompt      string `json:"systemPrompt" yaml:"systemPrompt"`
	MaxSessionSeconds int    `json:"maxSessionSeconds" yaml:"maxSessionSeconds"`
}

// Option is a selectable avatar or voice.
type Option struct {
	Label string `json:"label" yaml:"label"`
	ID    string `json:"id" yaml:"id"`
}

// Config builds a fresh persona configuration from the preset, filling defaults.
func (p Preset) Config() Config {
	cfg := Config{
		Name:              strings.TrimSpace(p.Name),
		AvatarID:          strings.TrimSpace(p.AvatarID),
		VoiceID:           strings.TrimSpace(p.VoiceID),
		ModelID:           strings.TrimSpace(p.ModelID),
		SystemPrompt:      p.SystemPrompt,
		MaxSessionSeconds: p.MaxSessionSeconds,
	}
	if cfg.AvatarID == "" {
		cfg.AvatarID = DefaultAvatarID
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.MaxSessionSeconds <= 0 {
		cfg.MaxSessionSeconds = DefaultMaxSessionSeconds
	}
	return cfg
}

const mayaPrompt = `You are Maya, a friendly and helpful AI assistant with a warm personality.
You have access to memories from previous conversations and use them to provide personalized responses.
Keep your responses conversational, concise, and engaging.`

// Seed provides the default presets shipped with the demo.
func Seed() []Preset {
	return []Preset{
		{
			ID:                "maya",
			Name:              "Maya",
			Description:       "Warm general-purpose assistant that remembers past conversations.",
			AvatarID:          DefaultAvatarID,
			VoiceID:           DefaultVoiceID,
			ModelID:           DefaultModelID,
			SystemPrompt:      mayaPrompt,
			MaxSessionSeconds: DefaultMaxSessionSeconds,
		},
		{
			ID:                "coach",
			Name:              "Leo",
			Description:       "Encouraging habit coach who follows up on goals you mentioned before.",
			AvatarID:          DefaultAvatarID,
			VoiceID:           DefaultVoiceID,
			ModelID:           DefaultModelID,
			SystemPrompt:      "You are Leo, an upbeat habit coach. Ask short follow-up questions, celebrate progress, and refer back to goals the user shared earlier.",
			MaxSessionSeconds: DefaultMaxSessionSeconds,
		},
	}
}

// AvatarOptions lists the selectable avatars.
func AvatarOptions() []Option {
	return []Option{
		{Label: "Cara (Default)", ID: DefaultAvatarID},
		{Label: "Richard", ID: "richard-avatar-id"},
		{Label: "Ben", ID: "ben-avatar-id"},
		{Label: "Liv", ID: "liv-avatar-id"},
	}
}

// VoiceOptions lists the selectable voices.
func VoiceOptions() []Option {
	return []Option{
		{Label: "Default Voice", ID: DefaultVoiceID},
	}
}
