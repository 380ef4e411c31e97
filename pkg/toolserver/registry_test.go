package toolserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/nebula/pkg/kvstore"
	"github.com/harun/nebula/pkg/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	listCalls int
	listErr   error
	lastEp    mcp.Endpoint
}

func (f *fakeClient) ListTools(ctx context.Context, ep mcp.Endpoint) ([]mcp.Tool, error) {
	f.listCalls++
	f.lastEp = ep
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []mcp.Tool{{Name: "search"}}, nil
}

func (f *fakeClient) CallTool(ctx context.Context, ep mcp.Endpoint, name string, args map[string]interface{}) (*mcp.CallResult, error) {
	f.lastEp = ep
	return &mcp.CallResult{Content: []mcp.Content{{Type: "text", Text: name}}}, nil
}

func newTestRegistry(t *testing.T, client Client, ttl time.Duration) (*Registry, kvstore.Store) {
	t.Helper()
	kv, err := kvstore.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(Config{KV: kv, Client: client, ListCacheTTL: ttl}), kv
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newTestRegistry(t, nil, 0)
	ctx := context.Background()

	for _, base := range []string{"", "not a url", "ftp://host/x", "/relative"} {
		_, err := reg.Create(ctx, CreateParams{BaseURL: base})
		assert.ErrorIs(t, err, ErrInvalid, base)
	}

	srv, err := reg.Create(ctx, CreateParams{BaseURL: "http://tools.local:8080/rpc"})
	require.NoError(t, err)
	assert.Equal(t, "tools.local:8080", srv.Name)
	assert.NotEmpty(t, srv.ID)
}

func TestPersistAndReload(t *testing.T) {
	reg, kv := newTestRegistry(t, nil, 0)
	ctx := context.Background()

	a, err := reg.Create(ctx, CreateParams{Name: "a", BaseURL: "http://a.local", Headers: map[string]string{"X-Key": "1"}})
	require.NoError(t, err)
	b, err := reg.Create(ctx, CreateParams{Name: "b", BaseURL: "https://b.local"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, b.ID))

	reloaded := NewRegistry(Config{KV: kv})
	require.NoError(t, reloaded.Load(ctx))
	list := reloaded.List()
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, "1", list[0].Headers["X-Key"])

	_, err = reloaded.Get(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reloaded.Delete(ctx, b.ID), ErrNotFound)
}

func TestListToolsCache(t *testing.T) {
	client := &fakeClient{}
	reg, _ := newTestRegistry(t, client, time.Minute)
	ctx := context.Background()

	srv, err := reg.Create(ctx, CreateParams{BaseURL: "http://a.local", Headers: map[string]string{"Authorization": "x"}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tools, err := reg.ListTools(ctx, srv.ID)
		require.NoError(t, err)
		assert.Equal(t, "search", tools[0].Name)
	}
	assert.Equal(t, 1, client.listCalls)
	assert.Equal(t, "x", client.lastEp.Headers["Authorization"])

	require.NoError(t, reg.Delete(ctx, srv.ID))
	_, err = reg.ListTools(ctx, srv.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListToolsErrorsAreNotCached(t *testing.T) {
	client := &fakeClient{listErr: errors.New("down")}
	reg, _ := newTestRegistry(t, client, time.Minute)
	ctx := context.Background()

	srv, err := reg.Create(ctx, CreateParams{BaseURL: "http://a.local"})
	require.NoError(t, err)

	_, err = reg.ListTools(ctx, srv.ID)
	require.Error(t, err)

	client.listErr = nil
	_, err = reg.ListTools(ctx, srv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, client.listCalls)
}

func TestCallTool(t *testing.T) {
	client := &fakeClient{}
	reg, _ := newTestRegistry(t, client, 0)
	ctx := context.Background()

	_, err := reg.CallTool(ctx, "missing", "x", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	srv, err := reg.Create(ctx, CreateParams{BaseURL: "http://a.local/rpc"})
	require.NoError(t, err)
	res, err := reg.CallTool(ctx, srv.ID, "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", res.Text())
	assert.Equal(t, "http://a.local/rpc", client.lastEp.URL)
}
