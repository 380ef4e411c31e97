package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/nebula/internal/config"
	"github.com/harun/nebula/internal/logger"
	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/harun/nebula/pkg/agent"
	"github.com/harun/nebula/pkg/commandqueue"
	"github.com/harun/nebula/pkg/compactor"
	"github.com/harun/nebula/pkg/gateway"
	"github.com/harun/nebula/pkg/kvstore"
	"github.com/harun/nebula/pkg/llm"
	"github.com/harun/nebula/pkg/mcp"
	"github.com/harun/nebula/pkg/notes"
	"github.com/harun/nebula/pkg/sandbox"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
	"github.com/harun/nebula/pkg/toolserver"
)

const shutdownTimeout = 10 * time.Second

// Daemon owns every long-lived component of the Nebula server
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Storage
	kv          kvstore.Store
	sessions    *session.Store
	notes       *notes.Store
	toolServers *toolserver.Registry

	// Core modules
	queue     *commandqueue.CommandQueue
	model     *llm.Gateway
	commands  *sandbox.Runner
	skills    *skills.Registry
	compactor *compactor.Compactor
	runner    *agent.Runner

	// Services
	events  *gateway.EventBroadcaster
	server  *gateway.Server
	sweeper *session.Sweeper
	watcher *config.Watcher

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time view of the daemon
type Status struct {
	Running   bool
	StartTime time.Time
	Uptime    time.Duration
}

// New builds every component and loads persisted state
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	if err := tracing.InitOpenTelemetry(tracing.Options{ServiceName: "nebula"}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.kv != nil {
		_ = d.kv.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds storage and the turn pipeline in dependency order
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	auditPath := filepath.Join(cfg.Storage.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	kv, err := kvstore.Open(cfg.Storage.Backend, cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}
	d.kv = kv
	d.logger.Info().
		Str("backend", cfg.Storage.Backend).
		Str("data_dir", cfg.Storage.DataDir).
		Msg("Snapshot store opened")

	d.sessions = session.NewStore(session.StoreConfig{KV: kv, Logger: base})
	if err := d.sessions.Load(d.ctx); err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}
	d.logger.Info().Int("sessions", d.sessions.Count()).Msg("Session store loaded")

	d.notes = notes.NewStore(notes.Config{
		KV:        kv,
		MaxLength: cfg.Notes.MaxLength,
		MaxNotes:  cfg.Notes.MaxNotes,
		Logger:    base,
	})
	if err := d.notes.Load(d.ctx); err != nil {
		return fmt.Errorf("failed to load notes: %w", err)
	}

	d.toolServers = toolserver.NewRegistry(toolserver.Config{
		KV: kv,
		Client: mcp.NewClient(mcp.ClientConfig{
			Timeout: cfg.ToolServers.Timeout(),
			Logger:  base,
		}),
		ListCacheTTL: cfg.ToolServers.ListCacheTTL(),
		Logger:       base,
	})
	if err := d.toolServers.Load(d.ctx); err != nil {
		return fmt.Errorf("failed to load tool servers: %w", err)
	}
	d.logger.Info().Int("tool_servers", len(d.toolServers.List())).Msg("Tool server registry loaded")

	host, err := sandbox.NewHostSandbox(sandbox.Config{
		Timeout:        cfg.Shell.Timeout(),
		MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		DeniedPaths:    sandbox.DefaultConfig().DeniedPaths,
	})
	if err != nil {
		return fmt.Errorf("failed to create command sandbox: %w", err)
	}
	d.commands = sandbox.NewRunner(host, sandbox.RunnerConfig{
		Presets:       cfg.Shell.Presets,
		AllowFreeform: cfg.Shell.AllowFreeform,
	})

	d.skills, err = skills.NewRegistry(skills.Config{
		Timeout: cfg.Agent.ToolTimeout(),
		Logger:  base,
	}, skills.Builtins(skills.Deps{
		Notes:       d.notes,
		Commands:    d.commands,
		ToolServers: d.toolServers,
	})...)
	if err != nil {
		return fmt.Errorf("failed to create skill registry: %w", err)
	}
	d.logger.Info().Int("skills", d.skills.Len()).Msg("Skill registry initialized")

	d.model, err = llm.NewGateway(d.ctx, llm.Config{
		Provider:     cfg.Model.Provider,
		APIKey:       cfg.Model.APIKey,
		BaseURL:      cfg.Model.BaseURL,
		DefaultModel: cfg.Model.Default,
		SummaryModel: cfg.Model.Summary,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		Timeout:      cfg.Model.Timeout(),
		Logger:       base,
	})
	if err != nil {
		return fmt.Errorf("failed to create model gateway: %w", err)
	}
	if d.model.Configured() {
		d.logger.Info().Str("provider", d.model.Provider()).Str("model", cfg.Model.Default).Msg("Model gateway configured")
	} else {
		d.logger.Warn().Str("provider", d.model.Provider()).Msg("Model API key not set, turns will report the endpoint as not configured")
	}

	d.compactor = compactor.New(compactor.Config{
		Sessions:        d.sessions,
		Summarizer:      d.model,
		SummaryModel:    cfg.Model.Summary,
		MaxContextChars: cfg.Agent.MaxContextChars,
		MaxTailMessages: cfg.Agent.MaxTailMessages,
		FallbackChars:   cfg.Agent.SummaryFallbackChars,
		Logger:          base,
	})

	d.queue = commandqueue.New(commandqueue.Config{Logger: base})
	d.events = gateway.NewEventBroadcaster(base)

	d.runner, err = agent.NewRunner(agent.Config{
		Sessions:     d.sessions,
		Model:        d.model,
		Skills:       d.skills,
		Compactor:    d.compactor,
		CommandQueue: d.queue,
		Events:       d.events,
		SystemPrompt: cfg.Agent.SystemPrompt,
		MaxToolLoops: cfg.Agent.MaxToolLoops,
		Logger:       base,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.logger.Info().Int("max_tool_loops", cfg.Agent.MaxToolLoops).Msg("Agent runner initialized")

	return nil
}

// initializeServices builds the HTTP server and the background sweeper
func (d *Daemon) initializeServices() error {
	cfg := d.config
	base := d.logger.GetZerolog()

	server, err := gateway.NewServer(gateway.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		StaticDir:    cfg.Server.StaticDir,
		Runner:       d.runner,
		Sessions:     d.sessions,
		Skills:       d.skills,
		ToolServers:  d.toolServers,
		Notes:        d.notes,
		Model:        d.model,
		Queue:        d.queue,
		Events:       d.events,
		Logger:       base,
	})
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	d.server = server

	if retention := cfg.Sessions.Retention(); retention > 0 {
		sweeper, err := session.NewSweeper(session.SweeperConfig{
			Repository: d.sessions,
			Retention:  retention,
			Schedule:   cfg.Sessions.CleanupSchedule,
			Logger:     base,
		})
		if err != nil {
			return fmt.Errorf("failed to create session sweeper: %w", err)
		}
		d.sweeper = sweeper
	}

	return nil
}

// WatchConfig reloads the logging level whenever the loader's file changes
func (d *Daemon) WatchConfig(loader *config.Loader) error {
	watcher, err := config.NewWatcher(loader, 0, d.applyConfig)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()
	d.logger.Info().Str("path", loader.GetConfigPath()).Msg("Config hot reload enabled")
	return nil
}

func (d *Daemon) applyConfig(cfg *config.Config) {
	prev := d.config.Logging.Level
	if cfg.Logging.Level == prev {
		return
	}
	if err := d.logger.SetLevel(cfg.Logging.Level); err != nil {
		d.logger.Warn().Err(err).Str("level", cfg.Logging.Level).Msg("Ignoring reloaded log level")
		return
	}
	d.config.Logging.Level = cfg.Logging.Level
	observability.RecordConfigAudit(d.ctx, "config.reload", map[string]interface{}{
		"logging.level": cfg.Logging.Level,
		"previous":      prev,
	})
	d.logger.Info().Str("level", cfg.Logging.Level).Msg("Log level updated")
}

// Start starts every service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting Nebula daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logger.Info().Str("addr", d.server.Addr()).Msg("API server started")

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session sweeper")
		} else {
			logger.Info().
				Dur("retention", d.config.Sessions.Retention()).
				Str("schedule", d.config.Sessions.CleanupSchedule).
				Msg("Session sweeper started")
		}
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts every service down. Queued turns are rejected; running turns
// are cancelled once the HTTP server has drained.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping Nebula daemon")

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := d.server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop API server")
	}
	cancel()

	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	d.cancel()

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.kv.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close snapshot store")
	}

	if d.tracingEnabled {
		tracingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(tracingCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.StartTime = d.startTime
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetServer returns the API server
func (d *Daemon) GetServer() *gateway.Server {
	return d.server
}

// GetRunner returns the turn orchestrator
func (d *Daemon) GetRunner() *agent.Runner {
	return d.runner
}

// GetSessions returns the session store
func (d *Daemon) GetSessions() *session.Store {
	return d.sessions
}

// GetSkills returns the skill registry
func (d *Daemon) GetSkills() *skills.Registry {
	return d.skills
}
