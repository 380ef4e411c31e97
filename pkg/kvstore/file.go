package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// FileStore keeps each snapshot in <dir>/<key>.json
type FileStore struct {
	dir   string
	locks sync.Map // key -> *sync.Mutex
}

// NewFileStore creates the data directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("data directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) lock(key string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context, key string, dst any) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	l := s.lock(key)
	l.Lock()
	data, err := os.ReadFile(s.path(key))
	l.Unlock()

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	return true, nil
}

// Save implements Store. The document is written to a temp file, synced
// and renamed over the previous snapshot.
func (s *FileStore) Save(ctx context.Context, key string, v any) (err error) {
	if err := validateKey(key); err != nil {
		return err
	}

	_, span := tracing.StartSpan(ctx, "nebula.kvstore", "kvstore.save",
		attribute.String("kvstore.key", key),
		attribute.String("kvstore.backend", "file"),
	)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	start := time.Now()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", key, err)
	}

	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	target := s.path(key)
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write snapshot %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync snapshot %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close snapshot %s: %w", key, err)
	}

	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace snapshot %s: %w", key, err)
	}

	observability.RecordSnapshotSave(key, time.Since(start))
	return nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}
