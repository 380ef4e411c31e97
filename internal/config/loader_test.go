package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.Model.Provider)
		assert.Equal(t, 12, cfg.Agent.MaxTailMessages)
		assert.NotEmpty(t, cfg.Storage.DataDir)
		assert.Equal(t, []string{"date"}, cfg.Shell.Presets["date"])
	})

	t.Run("load config from file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		testConfig := `{
			"model": {"provider": "anthropic", "default": "claude-sonnet-4"},
			"agent": {"max_tool_loops": 2},
			"storage": {"backend": "sqlite", "data_dir": "/tmp/nebula-test"}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Model.Provider)
		assert.Equal(t, "claude-sonnet-4", cfg.Model.Default)
		assert.Equal(t, "gpt-4o-mini", cfg.Model.Summary)
		assert.Equal(t, 2, cfg.Agent.MaxToolLoops)
		assert.Equal(t, 12000, cfg.Agent.MaxContextChars)
		assert.Equal(t, "sqlite", cfg.Storage.Backend)
		assert.Equal(t, "/tmp/nebula-test", cfg.Storage.DataDir)
	})

	t.Run("prefixed environment overrides", func(t *testing.T) {
		t.Setenv("NEBULA_SERVER_HOST", "127.0.0.1")
		t.Setenv("NEBULA_AGENT_MAX_TAIL_MESSAGES", "6")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Equal(t, 6, cfg.Agent.MaxTailMessages)
	})

	t.Run("legacy environment names", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-legacy")
		t.Setenv("OPENAI_MODEL", "gpt-4.1-mini")
		t.Setenv("AGENT_MAX_TOOL_LOOPS", "7")
		t.Setenv("PORT", "8088")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-legacy", cfg.Model.APIKey)
		assert.Equal(t, "gpt-4.1-mini", cfg.Model.Default)
		assert.Equal(t, 7, cfg.Agent.MaxToolLoops)
		assert.Equal(t, 8088, cfg.Server.Port)
	})

	t.Run("prefixed name wins over legacy", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-legacy")
		t.Setenv("NEBULA_MODEL_API_KEY", "sk-prefixed")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, "sk-prefixed", cfg.Model.APIKey)
	})

	t.Run("malformed file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.json")
	loader := NewLoader(configPath)

	cfg := DefaultConfig()
	cfg.Model.Default = "gpt-4.1"
	cfg.Server.Port = 4000
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", loaded.Model.Default)
	assert.Equal(t, 4000, loaded.Server.Port)
}

func TestWatcherReloads(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "info"}}`), 0644))

	var level atomic.Value
	w, err := NewWatcher(NewLoader(configPath), 20*time.Millisecond, func(cfg *Config) {
		level.Store(cfg.Logging.Level)
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "debug"}}`), 0644))

	assert.Eventually(t, func() bool {
		v, _ := level.Load().(string)
		return v == "debug"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0644))

	var calls atomic.Int32
	w, err := NewWatcher(NewLoader(configPath), 20*time.Millisecond, func(cfg *Config) {
		calls.Add(1)
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(configPath, []byte(`{"logging": {"level": "loud"}}`), 0644))
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, w.Stop())

	assert.Equal(t, int32(0), calls.Load())
}
