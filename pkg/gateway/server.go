package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/pkg/session"
	"github.com/rs/zerolog"
)

// DefaultMaxBodyBytes caps request bodies when Config.MaxBodyBytes is unset
const DefaultMaxBodyBytes = 64 * 1024

// Server is the HTTP JSON API
type Server struct {
	addr         string
	maxBodyBytes int64
	staticDir    string
	server       *http.Server
	listener     net.Listener
	handler      http.Handler

	runner      TurnRunner
	sessions    session.Repository
	skills      SkillCatalog
	toolServers ToolServerRegistry
	notes       NoteStore
	model       ModelStatus
	queue       QueueStats
	events      *EventBroadcaster

	logger    zerolog.Logger
	now       func() time.Time
	startedAt time.Time
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	MaxBodyBytes int64
	// StaticDir enables asset serving at / when set
	StaticDir string

	Runner      TurnRunner
	Sessions    session.Repository
	Skills      SkillCatalog
	ToolServers ToolServerRegistry
	Notes       NoteStore
	Model       ModelStatus
	Queue       QueueStats
	Events      *EventBroadcaster

	Logger zerolog.Logger
	Now    func() time.Time
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session repository is required")
	}
	if cfg.Skills == nil {
		return nil, fmt.Errorf("skill catalog is required")
	}
	if cfg.ToolServers == nil {
		return nil, fmt.Errorf("tool server registry is required")
	}
	if cfg.Notes == nil {
		return nil, fmt.Errorf("note store is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = NewEventBroadcaster(cfg.Logger)
	}

	observability.EnsureRegistered()

	s := &Server{
		addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		maxBodyBytes: cfg.MaxBodyBytes,
		staticDir:    cfg.StaticDir,
		runner:       cfg.Runner,
		sessions:     cfg.Sessions,
		skills:       cfg.Skills,
		toolServers:  cfg.ToolServers,
		notes:        cfg.Notes,
		model:        cfg.Model,
		queue:        cfg.Queue,
		events:       cfg.Events,
		logger:       cfg.Logger.With().Str("component", "gateway").Logger(),
		now:          cfg.Now,
	}
	s.startedAt = s.now()
	s.handler = s.routes()

	return s, nil
}

// Handler returns the fully wrapped request handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Events returns the lifecycle event broadcaster
func (s *Server) Events() *EventBroadcaster {
	return s.events
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "/chat", methods{http.MethodPost: s.handleChat})
	s.handle(mux, "/sessions", methods{
		http.MethodGet:  s.handleListSessions,
		http.MethodPost: s.handleCreateSession,
	})
	s.handle(mux, "/sessions/{id}", methods{
		http.MethodGet:    s.handleGetSession,
		http.MethodDelete: s.handleDeleteSession,
	})
	s.handle(mux, "/sessions/{id}/messages", methods{http.MethodPost: s.handleAppendMessage})
	s.handle(mux, "/skills", methods{http.MethodGet: s.handleListSkills})
	s.handle(mux, "/skills/run", methods{http.MethodPost: s.handleRunSkill})
	s.handle(mux, "/tool-servers", methods{
		http.MethodGet:  s.handleListToolServers,
		http.MethodPost: s.handleCreateToolServer,
	})
	s.handle(mux, "/tool-servers/{id}", methods{http.MethodDelete: s.handleDeleteToolServer})
	s.handle(mux, "/tool-servers/{id}/tools", methods{http.MethodGet: s.handleListRemoteTools})
	s.handle(mux, "/tool-servers/{id}/call", methods{http.MethodPost: s.handleCallRemoteTool})
	s.handle(mux, "/api/status", methods{http.MethodGet: s.handleStatus})
	s.handle(mux, "/api/notes", methods{
		http.MethodGet:  s.handleListNotes,
		http.MethodPost: s.handleAddNote,
	})
	s.handle(mux, "/healthz", methods{http.MethodGet: s.handleHealth})
	s.handle(mux, "/metrics", methods{http.MethodGet: observability.MetricsHandler().ServeHTTP})
	s.handle(mux, "/events", methods{http.MethodGet: s.events.ServeHTTP})
	mux.HandleFunc("/api/", s.handleUnknownAPI)

	if s.staticDir != "" {
		s.handle(mux, "/", methods{http.MethodGet: newStaticHandler(s.staticDir, s.writeError).ServeHTTP})
	} else {
		mux.HandleFunc("/", s.handleUnknownAPI)
	}

	return s.instrument(s.recoverPanics(mux))
}

// methods maps an HTTP method to its handler on one route
type methods map[string]http.HandlerFunc

// handle registers a route that answers 405 with Allow for other methods
func (s *Server) handle(mux *http.ServeMux, pattern string, byMethod methods) {
	allowed := make([]string, 0, len(byMethod))
	for m := range byMethod {
		allowed = append(allowed, m)
	}
	sortMethods(allowed)
	allow := strings.Join(allowed, ", ")

	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		h, ok := byMethod[r.Method]
		if !ok && r.Method == http.MethodHead {
			h, ok = byMethod[http.MethodGet]
		}
		if !ok {
			w.Header().Set("Allow", allow)
			s.writeJSON(w, http.StatusMethodNotAllowed, errorBody("method not allowed"))
			return
		}
		h(w, r)
	})
}

func sortMethods(ms []string) {
	rank := map[string]int{
		http.MethodGet:    0,
		http.MethodPost:   1,
		http.MethodPut:    2,
		http.MethodPatch:  3,
		http.MethodDelete: 4,
	}
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && rank[ms[j]] < rank[ms[j-1]]; j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting API server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop notifies event clients and gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")

	s.events.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})
	s.events.Close()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("API server stopped")
	return nil
}
