package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
)

// Well-known snapshot keys
const (
	KeySessions    = "sessions"
	KeyToolServers = "tool_servers"
	KeyNotes       = "notes"
)

// ErrInvalidKey is returned for keys that are not safe file names
var ErrInvalidKey = errors.New("invalid snapshot key")

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store loads and saves JSON documents by key
type Store interface {
	// Load decodes the document stored under key into dst. found is false
	// when nothing has been stored yet.
	Load(ctx context.Context, key string, dst any) (found bool, err error)
	// Save replaces the document stored under key.
	Save(ctx context.Context, key string, v any) error
	Close() error
}

func validateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Open returns the backend named by backend ("file" or "sqlite") rooted at dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(dataDir)
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dataDir, "nebula.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
