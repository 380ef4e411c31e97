// Package toolserver keeps the registrations of remote tool servers and
// fronts the remote tool client with a short-lived cache of tool listings.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/nebula/pkg/kvstore"
	"github.com/harun/nebula/pkg/mcp"
	"github.com/hashicorp/golang-lru/v2/expirable"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for unknown server ids
	ErrNotFound = errors.New("tool server not found")
	// ErrInvalid is returned for registrations without a usable base URL
	ErrInvalid = errors.New("invalid tool server registration")
)

const listCacheSize = 64

// Server is one remote tool server registration
type Server struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	BaseURL   string            `json:"baseUrl"`
	Headers   map[string]string `json:"headers,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Endpoint returns the client address for s
func (s Server) Endpoint() mcp.Endpoint {
	return mcp.Endpoint{URL: s.BaseURL, Headers: s.Headers}
}

// CreateParams describes a new registration
type CreateParams struct {
	Name    string            `json:"name"`
	BaseURL string            `json:"baseUrl"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Client is the subset of the remote tool client the registry uses
type Client interface {
	ListTools(ctx context.Context, ep mcp.Endpoint) ([]mcp.Tool, error)
	CallTool(ctx context.Context, ep mcp.Endpoint, name string, args map[string]interface{}) (*mcp.CallResult, error)
}

// Config configures a Registry
type Config struct {
	KV     kvstore.Store
	Client Client
	// ListCacheTTL keeps successful tools/list results; zero disables caching
	ListCacheTTL time.Duration
	Logger       zerolog.Logger
}

type snapshot struct {
	Servers map[string]Server `json:"servers"`
}

// Registry is the snapshot-backed collection of registrations
type Registry struct {
	mu      sync.RWMutex
	servers map[string]Server

	kv     kvstore.Store
	client Client
	cache  *expirable.LRU[string, []mcp.Tool]
	logger zerolog.Logger
}

// NewRegistry creates an empty registry; call Load to restore the snapshot
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		servers: make(map[string]Server),
		kv:      cfg.KV,
		client:  cfg.Client,
		logger:  cfg.Logger.With().Str("component", "tool_servers").Logger(),
	}
	if cfg.ListCacheTTL > 0 {
		r.cache = expirable.NewLRU[string, []mcp.Tool](listCacheSize, nil, cfg.ListCacheTTL)
	}
	return r
}

// Load restores registrations
func (r *Registry) Load(ctx context.Context) error {
	var snap snapshot
	if r.kv != nil {
		if _, err := r.kv.Load(ctx, kvstore.KeyToolServers, &snap); err != nil {
			return fmt.Errorf("failed to load tool servers: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = make(map[string]Server, len(snap.Servers))
	for id, srv := range snap.Servers {
		srv.ID = id
		r.servers[id] = srv
	}
	r.logger.Info().Int("servers", len(r.servers)).Msg("Tool servers loaded")
	return nil
}

// List returns registrations oldest first
func (r *Registry) List() []Server {
	r.mu.RLock()
	out := make([]Server, 0, len(r.servers))
	for _, srv := range r.servers {
		out = append(out, cloneServer(srv))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one registration
func (r *Registry) Get(id string) (Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[id]
	if !ok {
		return Server{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneServer(srv), nil
}

// Create validates and stores a registration. A persistence failure keeps the
// registration in memory and is returned alongside it.
func (r *Registry) Create(ctx context.Context, params CreateParams) (Server, error) {
	base := strings.TrimSpace(params.BaseURL)
	u, err := url.Parse(base)
	if base == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Server{}, fmt.Errorf("%w: baseUrl must be an absolute http(s) URL", ErrInvalid)
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = u.Host
	}

	id, err := gonanoid.New(10)
	if err != nil {
		return Server{}, fmt.Errorf("failed to generate tool server id: %w", err)
	}
	srv := Server{
		ID:        id,
		Name:      name,
		BaseURL:   base,
		Headers:   cloneHeaders(params.Headers),
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.servers[id] = srv
	err = r.persistLocked(ctx)
	r.mu.Unlock()

	r.logger.Info().Str("server_id", id).Str("base_url", base).Msg("Tool server registered")
	return cloneServer(srv), err
}

// Delete removes a registration and its cached listing
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.servers[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.servers, id)
	err := r.persistLocked(ctx)
	r.mu.Unlock()

	if r.cache != nil {
		r.cache.Remove(id)
	}
	r.logger.Info().Str("server_id", id).Msg("Tool server removed")
	return err
}

// ListTools returns the tools exposed by server id. Only successful
// listings are cached.
func (r *Registry) ListTools(ctx context.Context, id string) ([]mcp.Tool, error) {
	srv, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if tools, ok := r.cache.Get(id); ok {
			return tools, nil
		}
	}
	if r.client == nil {
		return nil, fmt.Errorf("%w: no remote tool client", mcp.ErrTransport)
	}

	tools, err := r.client.ListTools(ctx, srv.Endpoint())
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Add(id, tools)
	}
	return tools, nil
}

// CallTool calls a named tool on server id
func (r *Registry) CallTool(ctx context.Context, id, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	srv, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if r.client == nil {
		return nil, fmt.Errorf("%w: no remote tool client", mcp.ErrTransport)
	}
	return r.client.CallTool(ctx, srv.Endpoint(), name, args)
}

func (r *Registry) persistLocked(ctx context.Context) error {
	if r.kv == nil {
		return nil
	}
	snap := snapshot{Servers: make(map[string]Server, len(r.servers))}
	for id, srv := range r.servers {
		snap.Servers[id] = srv
	}
	if err := r.kv.Save(ctx, kvstore.KeyToolServers, snap); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist tool servers")
		return fmt.Errorf("failed to persist tool servers: %w", err)
	}
	return nil
}

func cloneServer(srv Server) Server {
	srv.Headers = cloneHeaders(srv.Headers)
	return srv
}

func cloneHeaders(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
