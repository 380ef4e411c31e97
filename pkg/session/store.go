package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/harun/nebula/pkg/kvstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrNotFound is returned for unknown session ids
	ErrNotFound = errors.New("session not found")
	// ErrInvalidMessage is returned when a message breaks role or linkage rules
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidHistory is returned when a replacement tail is not a suffix of the log
	ErrInvalidHistory = errors.New("replacement tail is not a suffix of the session log")
	// ErrPersist wraps snapshot write failures; the in-memory change stands
	ErrPersist = errors.New("failed to persist sessions")
)

// DefaultTitle is given to sessions created without one
const DefaultTitle = "New session"

// Repository is the session store contract used by the orchestrator and the API
type Repository interface {
	Load(ctx context.Context) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]Summary, error)
	Create(ctx context.Context, params CreateParams) (*Session, error)
	Append(ctx context.Context, id string, msgs ...Message) ([]Message, error)
	ReplaceHistory(ctx context.Context, id string, summary string, tail []Message) error
	Touch(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Count() int
}

// snapshot is the persisted layout under kvstore.KeySessions
type snapshot struct {
	Sessions map[string]*Session `json:"sessions"`
	Order    []string            `json:"order"`
}

// StoreConfig configures a Store
type StoreConfig struct {
	KV     kvstore.Store
	Logger zerolog.Logger
	// Now overrides the clock in tests
	Now func() time.Time
}

// Store is a snapshot-backed Repository. Sessions are listed newest first.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	version  uint64

	saveMu       sync.Mutex
	savedVersion uint64

	kv     kvstore.Store
	logger zerolog.Logger
	now    func() time.Time
}

var _ Repository = (*Store)(nil)

// NewStore creates an empty store; call Load to restore the snapshot
func NewStore(cfg StoreConfig) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		sessions: make(map[string]*Session),
		kv:       cfg.KV,
		logger:   cfg.Logger.With().Str("component", "session_store").Logger(),
		now:      now,
	}
}

// Load restores sessions from the snapshot. Order entries without a session
// are dropped and sessions missing from the order are appended oldest last.
func (s *Store) Load(ctx context.Context) error {
	var snap snapshot
	if s.kv != nil {
		if _, err := s.kv.Load(ctx, kvstore.KeySessions, &snap); err != nil {
			return fmt.Errorf("failed to load sessions: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Session, len(snap.Sessions))
	for id, sess := range snap.Sessions {
		if sess == nil {
			continue
		}
		sess.ID = id
		s.sessions[id] = sess
	}

	seen := make(map[string]bool, len(s.sessions))
	s.order = s.order[:0]
	for _, id := range snap.Order {
		if _, ok := s.sessions[id]; ok && !seen[id] {
			s.order = append(s.order, id)
			seen[id] = true
		}
	}
	var missing []*Session
	for id, sess := range s.sessions {
		if !seen[id] {
			missing = append(missing, sess)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		return missing[i].CreatedAt.After(missing[j].CreatedAt)
	})
	for _, sess := range missing {
		s.order = append(s.order, sess.ID)
	}

	observability.SetActiveSessions(len(s.sessions))
	s.logger.Info().Int("sessions", len(s.sessions)).Msg("Sessions loaded")
	return nil
}

// Get returns a deep copy of the session
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.Clone(), nil
}

// List returns summaries, newest session first
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0, len(s.order))
	for _, id := range s.order {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess.Summarize())
		}
	}
	return out, nil
}

// Count returns the number of sessions
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Create adds a new empty session
func (s *Store) Create(ctx context.Context, params CreateParams) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:           uuid.NewString(),
		Title:        params.Title,
		SystemPrompt: params.SystemPrompt,
		Messages:     []Message{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if sess.Title == "" {
		sess.Title = DefaultTitle
	}
	if len(params.Metadata) > 0 {
		sess.Metadata = make(map[string]string, len(params.Metadata))
		for k, v := range params.Metadata {
			sess.Metadata[k] = v
		}
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.order = append([]string{sess.ID}, s.order...)
	s.version++
	out := sess.Clone()
	count := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
	s.logger.Debug().Str("session_id", sess.ID).Msg("Session created")

	return out, s.persist(ctx)
}

// Append adds messages to the end of the log, assigning ids and timestamps.
// It returns the stored messages.
func (s *Store) Append(ctx context.Context, id string, msgs ...Message) ([]Message, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	// Validate against a scratch log so a bad batch leaves nothing behind.
	entries := sess.Messages
	stored := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if err := validateMessage(entries, m); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		m.ID = uuid.NewString()
		m.CreatedAt = s.now()
		if m.ToolCalls != nil {
			m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		}
		entries = append(entries[:len(entries):len(entries)], m)
		stored = append(stored, m)
	}

	sess.Messages = entries
	s.bump(sess)
	s.mu.Unlock()

	return cloneMessages(stored), s.persist(ctx)
}

func validateMessage(log []Message, m Message) error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, m.Role)
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return fmt.Errorf("%w: only assistant messages carry tool calls", ErrInvalidMessage)
	}
	if m.Role != RoleTool {
		if m.ToolCallID != "" {
			return fmt.Errorf("%w: only tool messages carry a tool call id", ErrInvalidMessage)
		}
		return nil
	}

	if m.ToolCallID == "" {
		return fmt.Errorf("%w: tool message requires a tool call id", ErrInvalidMessage)
	}
	for i := len(log) - 1; i >= 0; i-- {
		prev := log[i]
		if prev.Role == RoleTool {
			continue
		}
		if prev.Role == RoleAssistant {
			for _, call := range prev.ToolCalls {
				if call.ID == m.ToolCallID {
					return nil
				}
			}
		}
		break
	}
	return fmt.Errorf("%w: tool call id %q was not issued by the preceding assistant message", ErrInvalidMessage, m.ToolCallID)
}

// ReplaceHistory overwrites the summary and keeps only tail, which must be a
// suffix of the current log.
func (s *Store) ReplaceHistory(ctx context.Context, id string, summary string, tail []Message) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	offset := len(sess.Messages) - len(tail)
	if offset < 0 {
		s.mu.Unlock()
		return ErrInvalidHistory
	}
	for i, m := range tail {
		if sess.Messages[offset+i].ID != m.ID {
			s.mu.Unlock()
			return ErrInvalidHistory
		}
	}

	sess.Summary = summary
	sess.Messages = cloneMessages(sess.Messages[offset:])
	if sess.Messages == nil {
		sess.Messages = []Message{}
	}
	s.bump(sess)
	s.mu.Unlock()

	return s.persist(ctx)
}

// Touch records activity without changing content
func (s *Store) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.bump(sess)
	s.mu.Unlock()

	return s.persist(ctx)
}

// Delete removes a session
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.sessions[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.sessions, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.version++
	count := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
	s.logger.Debug().Str("session_id", id).Msg("Session deleted")

	return s.persist(ctx)
}

// bump advances UpdatedAt monotonically. Caller holds s.mu.
func (s *Store) bump(sess *Session) {
	now := s.now()
	if now.Before(sess.UpdatedAt) {
		now = sess.UpdatedAt
	}
	sess.UpdatedAt = now
	s.version++
}

// persist writes the current state. The snapshot is encoded under the read
// lock and written outside it; a write older than one already on disk is skipped.
func (s *Store) persist(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}

	s.mu.RLock()
	data, err := json.Marshal(snapshot{Sessions: s.sessions, Order: s.order})
	version := s.version
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if version <= s.savedVersion {
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "nebula.session", "session.persist",
		attribute.Int64("session.version", int64(version)),
	)
	defer span.End()

	if err := s.kv.Save(ctx, kvstore.KeySessions, json.RawMessage(data)); err != nil {
		tracing.RecordError(span, err)
		s.logger.Error().Err(err).Msg("Failed to persist sessions; keeping in-memory state")
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	s.savedVersion = version
	return nil
}
