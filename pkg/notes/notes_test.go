package notes

import (
	"context"
	"strings"
	"testing"

	"github.com/harun/nebula/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxNotes int) (*Store, kvstore.Store) {
	t.Helper()
	kv, err := kvstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	store := NewStore(Config{KV: kv, MaxNotes: maxNotes})
	require.NoError(t, store.Load(context.Background()))
	return store, kv
}

func TestAdd(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 0)

	note, err := store.Add(ctx, "  buy milk \n")
	require.NoError(t, err)
	assert.Equal(t, "buy milk", note.Text)
	assert.NotEmpty(t, note.ID)
	assert.False(t, note.CreatedAt.IsZero())
}

func TestAddValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 0)

	_, err := store.Add(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = store.Add(ctx, strings.Repeat("x", DefaultMaxLength+1))
	assert.ErrorIs(t, err, ErrTooLong)

	_, err = store.Add(ctx, strings.Repeat("字", DefaultMaxLength))
	assert.NoError(t, err)

	assert.Equal(t, 1, store.Count())
}

func TestListNewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 3)

	for _, text := range []string{"one", "two", "three", "four"} {
		_, err := store.Add(ctx, text)
		require.NoError(t, err)
	}

	list := store.List(ctx)
	require.Len(t, list, 3)
	assert.Equal(t, "four", list[0].Text)
	assert.Equal(t, "two", list[2].Text)
}

func TestPersistAcrossReload(t *testing.T) {
	ctx := context.Background()
	store, kv := newTestStore(t, 0)

	_, err := store.Add(ctx, "remember me")
	require.NoError(t, err)

	reloaded := NewStore(Config{KV: kv})
	require.NoError(t, reloaded.Load(ctx))
	list := reloaded.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "remember me", list[0].Text)
}
