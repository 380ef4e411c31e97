package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. NEBULA_SERVER_PORT.
const EnvPrefix = "NEBULA"

// legacyEnv maps config keys to the environment names the server has always
// honoured. The prefixed name wins when both are set.
var legacyEnv = map[string]string{
	"model.api_key":           "OPENAI_API_KEY",
	"model.base_url":          "OPENAI_BASE_URL",
	"model.default":           "OPENAI_MODEL",
	"model.summary":           "OPENAI_SUMMARY_MODEL",
	"model.timeout_ms":        "OPENAI_TIMEOUT_MS",
	"agent.system_prompt":     "AGENT_SYSTEM_PROMPT",
	"agent.max_context_chars": "AGENT_MAX_CONTEXT_CHARS",
	"agent.max_tail_messages": "AGENT_MAX_TAIL_MESSAGES",
	"agent.max_tool_loops":    "AGENT_MAX_TOOL_LOOPS",
	"server.port":             "PORT",
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load builds the configuration from defaults, the config file (when it
// exists) and environment overrides, in increasing precedence.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Presets are a user-keyed map; they are not registered as viper
	// defaults so a configured set replaces the built-in one wholesale.
	if len(cfg.Shell.Presets) == 0 {
		cfg.Shell.Presets = DefaultConfig().Shell.Presets
	}

	if cfg.Storage.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.Storage.DataDir = filepath.Join(home, ".nebula", "data")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("model.provider", cfg.Model.Provider)
	v.SetDefault("model.api_key", cfg.Model.APIKey)
	v.SetDefault("model.base_url", cfg.Model.BaseURL)
	v.SetDefault("model.default", cfg.Model.Default)
	v.SetDefault("model.summary", cfg.Model.Summary)
	v.SetDefault("model.timeout_ms", cfg.Model.TimeoutMs)
	v.SetDefault("model.temperature", cfg.Model.Temperature)
	v.SetDefault("model.max_tokens", cfg.Model.MaxTokens)

	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.max_context_chars", cfg.Agent.MaxContextChars)
	v.SetDefault("agent.max_tail_messages", cfg.Agent.MaxTailMessages)
	v.SetDefault("agent.max_tool_loops", cfg.Agent.MaxToolLoops)
	v.SetDefault("agent.summary_fallback_chars", cfg.Agent.SummaryFallbackChars)
	v.SetDefault("agent.tool_timeout_ms", cfg.Agent.ToolTimeoutMs)

	v.SetDefault("storage.backend", cfg.Storage.Backend)
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)

	v.SetDefault("sessions.retention_hours", cfg.Sessions.RetentionHours)
	v.SetDefault("sessions.cleanup_schedule", cfg.Sessions.CleanupSchedule)

	v.SetDefault("notes.max_length", cfg.Notes.MaxLength)
	v.SetDefault("notes.max_notes", cfg.Notes.MaxNotes)

	v.SetDefault("shell.timeout_ms", cfg.Shell.TimeoutMs)
	v.SetDefault("shell.max_output_bytes", cfg.Shell.MaxOutputBytes)
	v.SetDefault("shell.allow_freeform", cfg.Shell.AllowFreeform)

	v.SetDefault("tool_servers.timeout_ms", cfg.ToolServers.TimeoutMs)
	v.SetDefault("tool_servers.list_cache_ttl_ms", cfg.ToolServers.ListCacheTTLMs)

	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.max_body_bytes", cfg.Server.MaxBodyBytes)
	v.SetDefault("server.static_dir", cfg.Server.StaticDir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
}

// Save writes the configuration to the loader's path as JSON
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("model", cfg.Model)
	v.Set("agent", cfg.Agent)
	v.Set("storage", cfg.Storage)
	v.Set("sessions", cfg.Sessions)
	v.Set("notes", cfg.Notes)
	v.Set("shell", cfg.Shell)
	v.Set("tool_servers", cfg.ToolServers)
	v.Set("server", cfg.Server)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	path, err := l.resolvePath()
	if err != nil {
		return ""
	}
	return path
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".nebula", "nebula.json"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
