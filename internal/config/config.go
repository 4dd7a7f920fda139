// Package config handles Kestrel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/kestrel/config.yaml, /etc/kestrel/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kestrel", "config.yaml"))
	}

	paths = append(paths, "/etc/kestrel/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kestrel configuration.
type Config struct {
	Workspace  string         `yaml:"workspace"`
	LogLevel   string         `yaml:"log_level"`
	Agent      AgentConfig    `yaml:"agent"`
	Providers  []ProviderSpec `yaml:"providers"`
	Failover   FailoverConfig `yaml:"failover"`
	Embeddings EmbedConfig    `yaml:"embeddings"`
	Tools      ToolsConfig    `yaml:"tools"`
	Channels   ChannelsConfig `yaml:"channels"`
	UsersFile  string         `yaml:"users_file"`
}

// AgentConfig controls the core loop behavior.
type AgentConfig struct {
	// DefaultModel is used when a session has no model override.
	DefaultModel string `yaml:"default_model"`
	// MaxIterations caps the tool-calling loop per turn (default 20).
	MaxIterations int `yaml:"max_iterations"`
	// MemoryWindow is the number of trailing messages kept in the
	// prompt; exceeding it triggers background consolidation (default 40).
	MemoryWindow int     `yaml:"memory_window"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float32 `yaml:"temperature"`
}

// ProviderSpec describes one LLM backend in the failover chain.
// The chain is resolved once at startup, in the order listed.
type ProviderSpec struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // "openai" or "anthropic"
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Model used when this provider serves a request. Defaults to
	// agent.default_model.
	Model string `yaml:"model"`
	// ToolProtocol selects how tool calls cross the wire:
	// "native" (structured tool calling, default) or "codeblock"
	// (fenced-JSON fallback for backends without tool support).
	ToolProtocol string `yaml:"tool_protocol"`
}

// FailoverConfig tunes the circuit breaker shared by all providers.
type FailoverConfig struct {
	MaxFailures     int `yaml:"max_failures"`     // default 3
	CooldownSeconds int `yaml:"cooldown_seconds"` // default 60
}

// Cooldown returns the cooldown as a duration.
func (f FailoverConfig) Cooldown() time.Duration {
	return time.Duration(f.CooldownSeconds) * time.Second
}

// EmbedConfig defines the embedding backend for the vector index.
type EmbedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Kind    string `yaml:"kind"`     // "openai" or "ollama"
	Model   string `yaml:"model"`    // e.g. text-embedding-3-small, nomic-embed-text
	BaseURL string `yaml:"base_url"` // endpoint for openai-compatible or ollama
	APIKey  string `yaml:"api_key"`
}

// ToolsConfig configures the builtin tools.
type ToolsConfig struct {
	RestrictToWorkspace bool       `yaml:"restrict_to_workspace"`
	Exec                ExecConfig `yaml:"exec"`
	Web                 WebConfig  `yaml:"web"`
}

// ExecConfig defines shell execution capabilities.
type ExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// AllowedPatterns restricts commands to these prefixes. Empty
	// allows everything (when enabled).
	AllowedPatterns []string `yaml:"allowed_patterns"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// TimeoutSec is the default timeout in seconds (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
}

// WebConfig configures search and fetch tools.
type WebConfig struct {
	// SearchProvider selects the search backend: "brave" or "searxng".
	SearchProvider string `yaml:"search_provider"`
	BraveAPIKey    string `yaml:"brave_api_key"`
	SearxngURL     string `yaml:"searxng_url"`
	MaxResults     int    `yaml:"max_results"`
	MaxFetchLen    int    `yaml:"max_fetch_len"`
}

// ChannelsConfig holds per-channel adapter settings.
type ChannelsConfig struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Playground PlaygroundConfig `yaml:"playground"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// TelegramConfig defines the Telegram long-poll channel.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	// AllowedChatIDs restricts who can talk to the agent. Empty = anyone.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
}

// PlaygroundConfig defines the local browser chat channel.
type PlaygroundConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g. "127.0.0.1:8787"
	Token   string `yaml:"token"`  // optional access token
}

// MQTTConfig defines the MQTT channel adapter.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. "mqtt://localhost:1883"
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // default "kestrel"
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// Load reads and parses the config file at path. Environment variable
// references of the form ${VAR} inside the file are expanded before
// parsing, so API keys can live in the environment (or a .env file)
// rather than on disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Workspace = filepath.Join(home, ".kestrel")
		} else {
			c.Workspace = ".kestrel"
		}
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.MemoryWindow <= 0 {
		c.Agent.MemoryWindow = 40
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.Temperature == 0 {
		c.Agent.Temperature = 0.7
	}
	if c.Failover.MaxFailures <= 0 {
		c.Failover.MaxFailures = 3
	}
	if c.Failover.CooldownSeconds <= 0 {
		c.Failover.CooldownSeconds = 60
	}
	if c.Tools.Exec.TimeoutSec <= 0 {
		c.Tools.Exec.TimeoutSec = 30
	}
	if c.Tools.Web.MaxResults <= 0 {
		c.Tools.Web.MaxResults = 5
	}
	if c.Tools.Web.MaxFetchLen <= 0 {
		c.Tools.Web.MaxFetchLen = 50000
	}
	if c.Channels.MQTT.TopicPrefix == "" {
		c.Channels.MQTT.TopicPrefix = "kestrel"
	}
	if c.Channels.Playground.Listen == "" {
		c.Channels.Playground.Listen = "127.0.0.1:8787"
	}
	if c.UsersFile == "" {
		c.UsersFile = filepath.Join(c.Workspace, "users.json")
	}
	for i := range c.Providers {
		if c.Providers[i].ToolProtocol == "" {
			c.Providers[i].ToolProtocol = "native"
		}
	}
}

func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("provider %q: unknown kind %q (valid: openai, anthropic)", p.Name, p.Kind)
		}
		switch p.ToolProtocol {
		case "native", "codeblock":
		default:
			return fmt.Errorf("provider %q: unknown tool_protocol %q (valid: native, codeblock)", p.Name, p.ToolProtocol)
		}
	}
	if c.Agent.DefaultModel == "" {
		return fmt.Errorf("agent.default_model is required")
	}
	return nil
}
