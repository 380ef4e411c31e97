// Package notes is the durable list of short free-text notes.
package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/pkg/kvstore"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

var (
	// ErrEmpty is returned when the trimmed text is empty
	ErrEmpty = errors.New("note text is required")
	// ErrTooLong is returned when the text exceeds the length limit
	ErrTooLong = errors.New("note text is too long")
)

const (
	DefaultMaxLength = 200
	DefaultMaxNotes  = 50
)

// Note is one stored note
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config configures a Store
type Config struct {
	KV        kvstore.Store
	MaxLength int
	MaxNotes  int
	Logger    zerolog.Logger
}

// Store keeps notes newest first, capped at MaxNotes
type Store struct {
	mu        sync.RWMutex
	notes     []Note
	kv        kvstore.Store
	maxLength int
	maxNotes  int
	logger    zerolog.Logger
}

// NewStore creates an empty store; call Load to restore persisted notes
func NewStore(cfg Config) *Store {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxNotes <= 0 {
		cfg.MaxNotes = DefaultMaxNotes
	}
	return &Store{
		kv:        cfg.KV,
		maxLength: cfg.MaxLength,
		maxNotes:  cfg.MaxNotes,
		logger:    cfg.Logger.With().Str("component", "notes").Logger(),
	}
}

// Load restores notes. A missing snapshot starts an empty list.
func (s *Store) Load(ctx context.Context) error {
	var loaded []Note
	if s.kv != nil {
		if _, err := s.kv.Load(ctx, kvstore.KeyNotes, &loaded); err != nil {
			return fmt.Errorf("failed to load notes: %w", err)
		}
	}
	if len(loaded) > s.maxNotes {
		loaded = loaded[:s.maxNotes]
	}

	s.mu.Lock()
	s.notes = loaded
	s.mu.Unlock()

	observability.SetNotes(len(loaded))
	return nil
}

// MaxLength is the longest accepted note in characters
func (s *Store) MaxLength() int {
	return s.maxLength
}

// List returns notes newest first
func (s *Store) List(ctx context.Context) []Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Note{}, s.notes...)
}

// Count returns the number of stored notes
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.notes)
}

// Add trims and stores text. When the write fails the note stays in memory
// and the error is returned alongside it.
func (s *Store) Add(ctx context.Context, text string) (Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Note{}, ErrEmpty
	}
	if n := utf8.RuneCountInString(text); n > s.maxLength {
		return Note{}, fmt.Errorf("%w: %d characters, limit is %d", ErrTooLong, n, s.maxLength)
	}

	id, err := gonanoid.New(12)
	if err != nil {
		return Note{}, fmt.Errorf("failed to generate note id: %w", err)
	}
	note := Note{ID: id, Text: text, CreatedAt: time.Now().UTC()}

	s.mu.Lock()
	s.notes = append([]Note{note}, s.notes...)
	if len(s.notes) > s.maxNotes {
		s.notes = s.notes[:s.maxNotes]
	}
	snapshot := append([]Note{}, s.notes...)
	count := len(s.notes)

	// Writes stay under the lock so snapshots land in mutation order.
	var saveErr error
	if s.kv != nil {
		saveErr = s.kv.Save(ctx, kvstore.KeyNotes, snapshot)
	}
	s.mu.Unlock()

	observability.SetNotes(count)
	if saveErr != nil {
		s.logger.Error().Err(saveErr).Msg("Failed to persist notes")
		return note, fmt.Errorf("failed to persist notes: %w", saveErr)
	}
	return note, nil
}
