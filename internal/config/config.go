package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main Nebula configuration
type Config struct {
	// Model gateway
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Orchestrator
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Snapshot storage
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Session lifecycle
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Note store
	Notes NotesConfig `json:"notes" mapstructure:"notes"`

	// Shell-command runner
	Shell ShellConfig `json:"shell" mapstructure:"shell"`

	// Remote tool servers
	ToolServers ToolServersConfig `json:"tool_servers" mapstructure:"tool_servers"`

	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// ModelConfig holds chat-completion endpoint settings
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider"` // openai, anthropic, gemini
	APIKey      string  `json:"api_key" mapstructure:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url"`
	Default     string  `json:"default" mapstructure:"default"`
	Summary     string  `json:"summary" mapstructure:"summary"`
	TimeoutMs   int     `json:"timeout_ms" mapstructure:"timeout_ms"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
}

// Timeout returns the per-call model timeout
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// AgentConfig holds turn and compaction settings
type AgentConfig struct {
	SystemPrompt         string `json:"system_prompt" mapstructure:"system_prompt"`
	MaxContextChars      int    `json:"max_context_chars" mapstructure:"max_context_chars"`
	MaxTailMessages      int    `json:"max_tail_messages" mapstructure:"max_tail_messages"`
	MaxToolLoops         int    `json:"max_tool_loops" mapstructure:"max_tool_loops"`
	SummaryFallbackChars int    `json:"summary_fallback_chars" mapstructure:"summary_fallback_chars"`
	ToolTimeoutMs        int    `json:"tool_timeout_ms" mapstructure:"tool_timeout_ms"`
}

// ToolTimeout returns the per-skill execution timeout
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutMs) * time.Millisecond
}

// StorageConfig selects the snapshot backend
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // file, sqlite
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// SessionsConfig holds idle-session expiry settings
type SessionsConfig struct {
	RetentionHours  int    `json:"retention_hours" mapstructure:"retention_hours"` // 0 = never expire
	CleanupSchedule string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
}

// Retention returns the idle window after which sessions are swept
func (s SessionsConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// NotesConfig holds note store limits
type NotesConfig struct {
	MaxLength int `json:"max_length" mapstructure:"max_length"`
	MaxNotes  int `json:"max_notes" mapstructure:"max_notes"`
}

// ShellConfig holds shell-command runner settings
type ShellConfig struct {
	TimeoutMs      int                 `json:"timeout_ms" mapstructure:"timeout_ms"`
	MaxOutputBytes int                 `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	AllowFreeform  bool                `json:"allow_freeform" mapstructure:"allow_freeform"`
	Presets        map[string][]string `json:"presets" mapstructure:"presets"`
}

// Timeout returns the per-command timeout
func (s ShellConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ToolServersConfig holds remote tool client settings
type ToolServersConfig struct {
	TimeoutMs      int `json:"timeout_ms" mapstructure:"timeout_ms"`
	ListCacheTTLMs int `json:"list_cache_ttl_ms" mapstructure:"list_cache_ttl_ms"`
}

// Timeout returns the per-request remote tool timeout
func (t ToolServersConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// ListCacheTTL returns how long a successful tools/list result is reused
func (t ToolServersConfig) ListCacheTTL() time.Duration {
	return time.Duration(t.ListCacheTTLMs) * time.Millisecond
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	MaxBodyBytes int64  `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	StaticDir    string `json:"static_dir" mapstructure:"static_dir"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultSystemPrompt is used when neither config nor request supplies one.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user, and keep replies concise."

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    "openai",
			Default:     "gpt-4o-mini",
			Summary:     "gpt-4o-mini",
			TimeoutMs:   30000,
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		Agent: AgentConfig{
			SystemPrompt:         DefaultSystemPrompt,
			MaxContextChars:      12000,
			MaxTailMessages:      12,
			MaxToolLoops:         4,
			SummaryFallbackChars: 1200,
			ToolTimeoutMs:        20000,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Sessions: SessionsConfig{
			RetentionHours:  0,
			CleanupSchedule: "@hourly",
		},
		Notes: NotesConfig{
			MaxLength: 200,
			MaxNotes:  50,
		},
		Shell: ShellConfig{
			TimeoutMs:      10000,
			MaxOutputBytes: 16384,
			AllowFreeform:  false,
			Presets: map[string][]string{
				"date":   {"date"},
				"uptime": {"uptime"},
				"whoami": {"whoami"},
				"disk":   {"df", "-h"},
				"list":   {"ls", "-la"},
			},
		},
		ToolServers: ToolServersConfig{
			TimeoutMs:      15000,
			ListCacheTTLMs: 30000,
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			MaxBodyBytes: 64 * 1024,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    false,
		},
	}
}

// String returns a JSON representation of the config with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Model.APIKey != "" {
		masked.Model.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. A missing API key is
// accepted: turns report "not configured" instead.
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidateProvider(c.Model.Provider); err != nil {
		return err
	}
	if err := v.ValidateModel(c.Model.Default); err != nil {
		return fmt.Errorf("model.default: %w", err)
	}
	if err := v.ValidateTemperature(c.Model.Temperature); err != nil {
		return err
	}
	if err := v.ValidateMaxTokens(c.Model.MaxTokens); err != nil {
		return err
	}

	positive := []struct {
		name  string
		value int
	}{
		{"model.timeout_ms", c.Model.TimeoutMs},
		{"agent.max_context_chars", c.Agent.MaxContextChars},
		{"agent.max_tail_messages", c.Agent.MaxTailMessages},
		{"agent.summary_fallback_chars", c.Agent.SummaryFallbackChars},
		{"agent.tool_timeout_ms", c.Agent.ToolTimeoutMs},
		{"notes.max_length", c.Notes.MaxLength},
		{"notes.max_notes", c.Notes.MaxNotes},
		{"shell.timeout_ms", c.Shell.TimeoutMs},
		{"shell.max_output_bytes", c.Shell.MaxOutputBytes},
		{"tool_servers.timeout_ms", c.ToolServers.TimeoutMs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.Agent.MaxToolLoops < 0 {
		return fmt.Errorf("agent.max_tool_loops must not be negative, got %d", c.Agent.MaxToolLoops)
	}
	if c.ToolServers.ListCacheTTLMs < 0 {
		return fmt.Errorf("tool_servers.list_cache_ttl_ms must not be negative, got %d", c.ToolServers.ListCacheTTLMs)
	}
	if c.Sessions.RetentionHours < 0 {
		return fmt.Errorf("sessions.retention_hours must not be negative, got %d", c.Sessions.RetentionHours)
	}
	if err := v.ValidateSchedule(c.Sessions.CleanupSchedule); err != nil {
		return err
	}
	if err := v.ValidateStorageBackend(c.Storage.Backend); err != nil {
		return err
	}
	if err := v.ValidatePort(c.Server.Port); err != nil {
		return err
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	for name, argv := range c.Shell.Presets {
		if len(argv) == 0 || argv[0] == "" {
			return fmt.Errorf("shell preset %q has an empty command", name)
		}
	}

	return nil
}
