package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harun/nebula/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type failingKV struct{ kvstore.Store }

func (failingKV) Save(context.Context, string, any) error { return errors.New("disk full") }

func newTestStore(t *testing.T) (*Store, kvstore.Store) {
	t.Helper()
	kv, err := kvstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewStore(StoreConfig{KV: kv}), kv
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	created, err := store.Create(ctx, CreateParams{Title: "demo", SystemPrompt: "be brief"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "demo", created.Title)
	assert.Empty(t, created.Messages)

	untitled, err := store.Create(ctx, CreateParams{})
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, untitled.Title)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "be brief", got.SystemPrompt)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, store.Count())
}

func TestStoreGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	s, err := store.Create(ctx, CreateParams{})
	require.NoError(t, err)
	_, err = store.Append(ctx, s.ID, Message{Role: RoleUser, Content: "hello"})
	require.NoError(t, err)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"
	got.Messages = append(got.Messages, Message{Role: RoleUser})

	again, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, "hello", again.Messages[0].Content)
}

func TestStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first, _ := store.Create(ctx, CreateParams{Title: "first"})
	second, _ := store.Create(ctx, CreateParams{Title: "second"})

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestStoreAppend(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	s, _ := store.Create(ctx, CreateParams{})

	stored, err := store.Append(ctx, s.ID,
		Message{Role: RoleUser, Content: "what time is it"},
		Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Type: "function", Function: FunctionCall{Name: "get_time", Arguments: "{}"}}}},
		Message{Role: RoleTool, ToolCallID: "call_1", Content: `{"ok":true}`},
	)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for _, m := range stored {
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.CreatedAt.IsZero())
	}

	got, _ := store.Get(ctx, s.ID)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, RoleTool, got.Messages[2].Role)
}

func TestStoreAppendValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	s, _ := store.Create(ctx, CreateParams{})

	tests := []struct {
		name string
		msgs []Message
	}{
		{"unknown role", []Message{{Role: "robot", Content: "x"}}},
		{"tool without id", []Message{{Role: RoleTool, Content: "x"}}},
		{"tool without assistant", []Message{{Role: RoleUser, Content: "x"}, {Role: RoleTool, ToolCallID: "c1"}}},
		{"tool id mismatch", []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1"}}},
			{Role: RoleTool, ToolCallID: "c2"},
		}},
		{"tool calls on user", []Message{{Role: RoleUser, ToolCalls: []ToolCall{{ID: "c1"}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(ctx, s.ID, tt.msgs...)
			assert.ErrorIs(t, err, ErrInvalidMessage)

			got, _ := store.Get(ctx, s.ID)
			assert.Empty(t, got.Messages)
		})
	}

	_, err := store.Append(ctx, "missing", Message{Role: RoleUser})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreToolMessagesAfterSiblings(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	s, _ := store.Create(ctx, CreateParams{})

	_, err := store.Append(ctx, s.ID,
		Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a"}, {ID: "b"}}},
		Message{Role: RoleTool, ToolCallID: "a"},
	)
	require.NoError(t, err)

	_, err = store.Append(ctx, s.ID, Message{Role: RoleTool, ToolCallID: "b"})
	assert.NoError(t, err)
}

func TestStoreUpdatedAtMonotonic(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewStore(StoreConfig{Now: clock.Now})

	s, err := store.Create(ctx, CreateParams{})
	require.NoError(t, err)
	created := s.UpdatedAt

	clock.Set(created.Add(-time.Hour))
	require.NoError(t, store.Touch(ctx, s.ID))

	got, _ := store.Get(ctx, s.ID)
	assert.Equal(t, created, got.UpdatedAt)

	clock.Set(created.Add(time.Minute))
	_, err = store.Append(ctx, s.ID, Message{Role: RoleUser, Content: "hi"})
	require.NoError(t, err)

	got, _ = store.Get(ctx, s.ID)
	assert.Equal(t, created.Add(time.Minute), got.UpdatedAt)
}

func TestStoreReplaceHistory(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	s, _ := store.Create(ctx, CreateParams{})

	var msgs []Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, Message{Role: RoleUser, Content: "m"})
	}
	stored, err := store.Append(ctx, s.ID, msgs...)
	require.NoError(t, err)

	err = store.ReplaceHistory(ctx, s.ID, "summary", stored[1:3])
	assert.ErrorIs(t, err, ErrInvalidHistory)

	require.NoError(t, store.ReplaceHistory(ctx, s.ID, "summary", stored[3:]))

	got, _ := store.Get(ctx, s.ID)
	assert.Equal(t, "summary", got.Summary)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, stored[3].ID, got.Messages[0].ID)
	assert.Equal(t, stored[4].ID, got.Messages[1].ID)

	require.NoError(t, store.ReplaceHistory(ctx, s.ID, "second", nil))
	got, _ = store.Get(ctx, s.ID)
	assert.Equal(t, "second", got.Summary)
	assert.Empty(t, got.Messages)
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	s, _ := store.Create(ctx, CreateParams{})

	require.NoError(t, store.Delete(ctx, s.ID))
	assert.ErrorIs(t, store.Delete(ctx, s.ID), ErrNotFound)

	list, _ := store.List(ctx)
	assert.Empty(t, list)
}

func TestStorePersistsAndReloads(t *testing.T) {
	ctx := context.Background()

	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			kv, err := kvstore.Open(backend, t.TempDir())
			require.NoError(t, err)
			defer kv.Close()

			store := NewStore(StoreConfig{KV: kv})
			older, _ := store.Create(ctx, CreateParams{Title: "older"})
			newer, _ := store.Create(ctx, CreateParams{Title: "newer"})
			_, err = store.Append(ctx, older.ID, Message{Role: RoleUser, Content: "persist me"})
			require.NoError(t, err)

			reloaded := NewStore(StoreConfig{KV: kv})
			require.NoError(t, reloaded.Load(ctx))

			list, err := reloaded.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, newer.ID, list[0].ID)
			assert.Equal(t, 1, list[1].MessageCount)

			got, err := reloaded.Get(ctx, older.ID)
			require.NoError(t, err)
			assert.Equal(t, "persist me", got.Messages[0].Content)
		})
	}
}

func TestStorePersistFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	kv, err := kvstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := NewStore(StoreConfig{KV: failingKV{kv}})

	s, err := store.Create(ctx, CreateParams{})
	assert.ErrorIs(t, err, ErrPersist)
	require.NotNil(t, s)

	_, err = store.Append(ctx, s.ID, Message{Role: RoleUser, Content: "kept"})
	assert.ErrorIs(t, err, ErrPersist)

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "kept", got.Messages[0].Content)
}

func TestStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	kv, err := kvstore.NewFileStore(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	store := NewStore(StoreConfig{KV: kv})

	ids := make([]string, 4)
	for i := range ids {
		s, err := store.Create(ctx, CreateParams{})
		require.NoError(t, err)
		ids[i] = s.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := store.Append(ctx, id, Message{Role: RoleUser, Content: "x"})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	reloaded := NewStore(StoreConfig{KV: kv})
	require.NoError(t, reloaded.Load(ctx))
	for _, id := range ids {
		got, err := reloaded.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, got.Messages, 10)
	}
}
