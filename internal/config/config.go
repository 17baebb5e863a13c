// Package config loads and validates the Teleton configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the main configuration structure for Teleton.
type Config struct {
	RootDir  string         `yaml:"root_dir"`
	Agent    AgentConfig    `yaml:"agent"`
	LLM      LLMConfig      `yaml:"llm"`
	Telegram TelegramConfig `yaml:"telegram"`
	WebUI    WebUIConfig    `yaml:"webui"`
	Memory   MemoryConfig   `yaml:"memory"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig tunes the reasoning loop and per-chat scheduling.
type AgentConfig struct {
	// Name is the agent's self-identity in the system prompt.
	Name string `yaml:"name"`

	// MaxIterations limits tool-call iterations per turn (1..50).
	MaxIterations int `yaml:"max_agentic_iterations"`

	// ContextSoftLimit is the token count that triggers compaction.
	ContextSoftLimit int `yaml:"context_soft_limit"`

	// CompactionMaxMessages triggers compaction by message count.
	CompactionMaxMessages int `yaml:"compaction_max_messages"`

	// CompactionKeepRecent messages survive compaction verbatim.
	CompactionKeepRecent int `yaml:"compaction_keep_recent"`

	// RecentMessages hydrated into each turn.
	RecentMessages int `yaml:"recent_messages"`

	// KnowledgeChunks hydrated into each turn.
	KnowledgeChunks int `yaml:"knowledge_chunks"`

	// RetrievedTools is the top-K for semantic tool retrieval.
	RetrievedTools int `yaml:"retrieved_tools"`

	// DebounceMs is the per-chat inbound debounce window.
	DebounceMs int `yaml:"debounce_ms"`

	// Persona is prepended to every system prompt.
	Persona string `yaml:"persona"`

	// Strategy is an optional extra system prompt section.
	Strategy string `yaml:"strategy"`

	// OwnerID identifies the admin sender across chats.
	OwnerID string `yaml:"owner_id"`

	// OwnerName is included in the identity block of the system prompt.
	OwnerName string `yaml:"owner_name"`
}

// LLMConfig selects the chat-completion and embedding providers.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`
	Model          string        `yaml:"model"`
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`
	EmbedProvider  string        `yaml:"embed_provider"`
	EmbedModel     string        `yaml:"embed_model"`
	EmbedDims      int           `yaml:"embed_dims"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TelegramConfig configures the chat-platform bridge.
type TelegramConfig struct {
	APIID    int    `yaml:"api_id"`
	APIHash  string `yaml:"api_hash"`
	Phone    string `yaml:"phone"`
	BotToken string `yaml:"bot_token"`
}

// WebUIConfig configures the loopback control plane.
type WebUIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
	BaseURL   string `yaml:"base_url"`
	DistDir   string `yaml:"dist_dir"`
}

// MemoryConfig configures knowledge ingestion and daily logs.
type MemoryConfig struct {
	Dir       string `yaml:"dir"`
	ChunkSize int    `yaml:"chunk_size"`
	Watch     bool   `yaml:"watch"`
}

// ToolsConfig carries per-tool API keys and invocation limits.
type ToolsConfig struct {
	TavilyAPIKey  string        `yaml:"tavily_api_key"`
	TonAPIKey     string        `yaml:"tonapi_key"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	AlwaysInclude []string      `yaml:"always_include"`
	Modules       []string      `yaml:"modules"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every tunable at its documented default.
func Default() *Config {
	home, _ := os.UserHomeDir()
	root := filepath.Join(home, ".teleton")
	return &Config{
		RootDir: root,
		Agent: AgentConfig{
			Name:                  "Teleton",
			MaxIterations:         5,
			ContextSoftLimit:      64000,
			CompactionMaxMessages: 200,
			CompactionKeepRecent:  20,
			RecentMessages:        10,
			KnowledgeChunks:       5,
			RetrievedTools:        25,
			DebounceMs:            800,
		},
		LLM: LLMConfig{
			Provider:       "anthropic",
			EmbedProvider:  "openai",
			EmbedModel:     "text-embedding-3-small",
			EmbedDims:      1536,
			RequestTimeout: 60 * time.Second,
		},
		WebUI: WebUIConfig{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Memory: MemoryConfig{
			Dir:       filepath.Join(root, "memory"),
			ChunkSize: 500,
			Watch:     true,
		},
		Tools: ToolsConfig{
			InvokeTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DatabasePath returns the path of the embedded SQLite database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.RootDir, "memory.db")
}

// WorkspaceDir returns the directory the agent may read and write.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.RootDir, "workspace")
}

// Validate checks semantic constraints that strict decoding cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RootDir) == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.Agent.MaxIterations < 1 || c.Agent.MaxIterations > 50 {
		return fmt.Errorf("agent.max_agentic_iterations must be in 1..50, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ContextSoftLimit <= 0 {
		return fmt.Errorf("agent.context_soft_limit must be positive")
	}
	if c.Agent.CompactionKeepRecent <= 0 {
		return fmt.Errorf("agent.compaction_keep_recent must be positive")
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider)
	}
	switch c.LLM.EmbedProvider {
	case "", "openai":
	default:
		return fmt.Errorf("llm.embed_provider must be openai, got %q", c.LLM.EmbedProvider)
	}
	if c.LLM.EmbedDims <= 0 {
		return fmt.Errorf("llm.embed_dims must be positive")
	}
	if c.WebUI.Enabled {
		if c.WebUI.Port < 1024 || c.WebUI.Port > 65535 {
			return fmt.Errorf("webui.port must be in 1024..65535, got %d", c.WebUI.Port)
		}
		if strings.TrimSpace(c.WebUI.AuthToken) == "" {
			return fmt.Errorf("webui.auth_token is required when webui is enabled")
		}
	}
	if c.WebUI.BaseURL != "" {
		u, err := url.Parse(c.WebUI.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webui.base_url must be a valid URL, got %q", c.WebUI.BaseURL)
		}
	}
	if c.Memory.ChunkSize <= 0 {
		return fmt.Errorf("memory.chunk_size must be positive")
	}
	if c.Tools.InvokeTimeout <= 0 {
		return fmt.Errorf("tools.invoke_timeout must be positive")
	}
	return nil
}

// IsLoopback reports whether the webui host binds a loopback address.
func (c *Config) IsLoopback() bool {
	host := strings.TrimSpace(c.WebUI.Host)
	return host == "" || host == "localhost" || host == "127.0.0.1" || host == "::1"
}
