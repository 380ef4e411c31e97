package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	last Request
	call func(ctx context.Context, req Request) (*Response, error)
}

func (s *stubProvider) Provider() string { return "stub" }

func (s *stubProvider) Call(ctx context.Context, req Request) (*Response, error) {
	s.last = req
	return s.call(ctx, req)
}

func TestGateway_NotConfigured(t *testing.T) {
	gw, err := NewGateway(context.Background(), Config{Provider: "openai"})
	require.NoError(t, err)
	assert.False(t, gw.Configured())

	_, err = gw.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGateway_UnknownProvider(t *testing.T) {
	_, err := NewGateway(context.Background(), Config{Provider: "mystery", APIKey: "k"})
	assert.Error(t, err)
}

func TestGateway_AppliesDefaults(t *testing.T) {
	stub := &stubProvider{call: func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "ok"}, nil
	}}
	gw := NewGatewayWithProvider(stub, Config{DefaultModel: "m1", Temperature: 0.7, MaxTokens: 99})
	assert.True(t, gw.Configured())
	assert.Equal(t, "stub", gw.Provider())

	resp, err := gw.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "m1", stub.last.Model)
	require.NotNil(t, stub.last.Temperature)
	assert.Equal(t, 0.7, *stub.last.Temperature)
	assert.Equal(t, 99, stub.last.MaxTokens)

	_, err = gw.Complete(context.Background(), Request{Model: "m2", Temperature: Float(0), MaxTokens: 5})
	require.NoError(t, err)
	assert.Equal(t, "m2", stub.last.Model)
	assert.Equal(t, 0.0, *stub.last.Temperature)
	assert.Equal(t, 5, stub.last.MaxTokens)
}

func TestGateway_Timeout(t *testing.T) {
	stub := &stubProvider{call: func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gw := NewGatewayWithProvider(stub, Config{Timeout: 20 * time.Millisecond})

	_, err := gw.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrTimeout)

	var upstream *UpstreamError
	assert.False(t, errors.As(err, &upstream))
}

func TestGateway_UpstreamError(t *testing.T) {
	stub := &stubProvider{call: func(ctx context.Context, req Request) (*Response, error) {
		return nil, errors.New("connection refused")
	}}
	gw := NewGatewayWithProvider(stub, Config{})

	_, err := gw.Complete(context.Background(), Request{})
	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "stub", upstream.Provider)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestGateway_Summarize(t *testing.T) {
	stub := &stubProvider{call: func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "  short summary \n"}, nil
	}}
	gw := NewGatewayWithProvider(stub, Config{DefaultModel: "big", SummaryModel: "small"})

	summary, err := gw.Summarize(context.Background(), "", "user: hi\nassistant: hello")
	require.NoError(t, err)
	assert.Equal(t, "short summary", summary)
	assert.Equal(t, "small", stub.last.Model)
	assert.Empty(t, stub.last.Tools)
	require.Len(t, stub.last.Messages, 2)
	assert.Equal(t, RoleUser, stub.last.Messages[1].Role)

	stub.call = func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "   "}, nil
	}
	_, err = gw.Summarize(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
