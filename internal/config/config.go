package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	Avatar      AvatarConfig
	Memory      MemoryConfig
	AI          AIConfig
	PersonaFile string
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	timeout, err := loadHTTPTimeout()
	if err != nil {
		return nil, err
	}

	avatar := loadAvatarConfig(timeout)

	memory, err := loadMemoryConfig(timeout)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      server,
		Avatar:      avatar,
		Memory:      memory,
		AI:          ai,
		PersonaFile: strings.TrimSpace(os.Getenv("PERSONA_FILE")),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

func loadHTTPTimeout() (time.Duration, error) {
	seconds, err := parseOptionalIntEnv("HTTP_TIMEOUT_SECONDS")
	if err != nil {
		return 0, err
	}
	if seconds == nil {
		return 30 * time.Second, nil
	}
	if *seconds <= 0 {
		return 0, fmt.Errorf("invalid HTTP_TIMEOUT_SECONDS value %d: must be positive", *seconds)
	}
	return time.Duration(*seconds) * time.Second, nil
}

// AvatarConfig 描述 Anam 形象服务配置。
type AvatarConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Enabled 表示是否提供了 ANAM_API_KEY。
func (c AvatarConfig) Enabled() bool {
	return c.APIKey != ""
}

func loadAvatarConfig(timeout time.Duration) AvatarConfig {
	return AvatarConfig{
		APIKey:  strings.TrimSpace(os.Getenv("ANAM_API_KEY")),
		BaseURL: strings.TrimRight(getEnvOrDefault("ANAM_BASE_URL", "https://api.anam.ai"), "/"),
		Timeout: timeout,
	}
}

// Memory backends.
const (
	BackendMemU  = "memu"
	BackendLocal = "local"
)

// Staging strategies for ingestion.
const (
	StagingInline = "inline"
	StagingFile   = "file"
)

// Metadata stores of the local backend.
const (
	MetadataInMemory = "inmemory"
	MetadataSQLite   = "sqlite"
)

// MemoryConfig 描述记忆服务配置。
type MemoryConfig struct {
	Enabled       bool
	Backend       string
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	UserID        string
	UserName      string
	AgentID       string
	AgentName     string
	DefaultQuery  string
	Staging       string
	RetrieveLimit int
	CacheTTL      time.Duration
	AutoSave      bool

	// 本地后端
	MetadataStore   string
	SQLitePath      string
	OpenAIAPIKey    string
	EmbeddingModel  string
	EmbedDimensions int
	SeedFile        string
	Summarize       bool
}

func loadMemoryConfig(timeout time.Duration) (MemoryConfig, error) {
	enabled, err := parseBoolEnv("MEMORY_ENABLED", true)
	if err != nil {
		return MemoryConfig{}, err
	}

	backend := strings.ToLower(getEnvOrDefault("MEMORY_BACKEND", BackendMemU))
	if backend != BackendMemU && backend != BackendLocal {
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_BACKEND value %q: want %s or %s", backend, BackendMemU, BackendLocal)
	}

	staging := strings.ToLower(getEnvOrDefault("MEMORY_STAGING", StagingInline))
	if staging != StagingInline && staging != StagingFile {
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_STAGING value %q: want %s or %s", staging, StagingInline, StagingFile)
	}

	metadata := strings.ToLower(getEnvOrDefault("MEMORY_METADATA_STORE", MetadataInMemory))
	if metadata != MetadataInMemory && metadata != MetadataSQLite {
		return MemoryConfig{}, fmt.Errorf("invalid MEMORY_METADATA_STORE value %q: want %s or %s", metadata, MetadataInMemory, MetadataSQLite)
	}

	limit := 5
	if override, err := parseOptionalIntEnv("MEMORY_RETRIEVE_LIMIT"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil && *override > 0 {
		limit = *override
	}

	cacheTTL := 2 * time.Minute
	if override, err := parseOptionalIntEnv("MEMORY_CACHE_TTL_SECONDS"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil {
		cacheTTL = time.Duration(*override) * time.Second
	}

	dims := 256
	if override, err := parseOptionalIntEnv("MEMORY_EMBED_DIMENSIONS"); err != nil {
		return MemoryConfig{}, err
	} else if override != nil && *override > 0 {
		dims = *override
	}

	autoSave, err := parseBoolEnv("MEMORY_AUTOSAVE", false)
	if err != nil {
		return MemoryConfig{}, err
	}

	summarize, err := parseBoolEnv("MEMORY_SUMMARIZE", true)
	if err != nil {
		return MemoryConfig{}, err
	}

	return MemoryConfig{
		Enabled:         enabled,
		Backend:         backend,
		APIKey:          strings.TrimSpace(os.Getenv("MEMU_API_KEY")),
		BaseURL:         strings.TrimRight(getEnvOrDefault("MEMU_BASE_URL", "https://api.memu.so"), "/"),
		Timeout:         timeout,
		UserID:          getEnvOrDefault("MEMORY_USER_ID", "123"),
		UserName:        getEnvOrDefault("MEMORY_USER_NAME", "User"),
		AgentID:         getEnvOrDefault("MEMORY_AGENT_ID", "avatar-assistant"),
		AgentName:       getEnvOrDefault("MEMORY_AGENT_NAME", "Avatar Assistant"),
		DefaultQuery:    getEnvOrDefault("MEMORY_DEFAULT_QUERY", "general conversation context"),
		Staging:         staging,
		RetrieveLimit:   limit,
		CacheTTL:        cacheTTL,
		AutoSave:        autoSave,
		MetadataStore:   metadata,
		SQLitePath:      getEnvOrDefault("MEMORY_SQLITE_PATH", "memory.db"),
		OpenAIAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		EmbeddingModel:  getEnvOrDefault("MEMORY_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbedDimensions: dims,
		SeedFile:        strings.TrimSpace(os.Getenv("MEMORY_SEED_FILE")),
		Summarize:       summarize,
	}, nil
}

// LLM providers for the chatbot.
const (
	ProviderArk       = "ark"
	ProviderAnthropic = "anthropic"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider        string
	APIKey          string
	AccessKey       string
	SecretKey       string
	Model           string
	BaseURL         string
	Region          string
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	StreamResponse  bool
	AnthropicAPIKey string
	AnthropicModel  string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderAnthropic:
		return c.AnthropicAPIKey != "" && c.AnthropicModel != ""
	default:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Model == "" || (c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "")) {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("LLM_PROVIDER", ProviderArk))
	if provider != ProviderArk && provider != ProviderAnthropic {
		return AIConfig{}, fmt.Errorf("invalid LLM_PROVIDER value %q: want %s or %s", provider, ProviderArk, ProviderAnthropic)
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("LLM_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("LLM_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:        provider,
		APIKey:          strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:       strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:       strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:           strings.TrimSpace(os.Getenv("ARK_MODEL")),
		BaseURL:         getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:          getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:     temperature,
		TopP:            topP,
		MaxTokens:       maxTokens,
		StreamResponse:  stream,
		AnthropicAPIKey: strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		AnthropicModel:  getEnvOrDefault("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
