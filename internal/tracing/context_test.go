package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewTraceID(), NewTraceID())
	assert.NotEqual(t, NewTurnID(), NewTurnID())
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithSessionID(ctx, "session-1")
	ctx = WithRequestID(ctx, "req-1")

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "turn-1", tc.TurnID)
	assert.Equal(t, "session-1", tc.SessionID)
	assert.Equal(t, "req-1", tc.RequestID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetTurnID(ctx))
	assert.Empty(t, GetSessionID(ctx))
	assert.Empty(t, GetRequestID(ctx))
}

func TestNewTurnContext(t *testing.T) {
	t.Run("keeps existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-keep")
		ctx = NewTurnContext(ctx, "s1")
		assert.Equal(t, "trace-keep", GetTraceID(ctx))
		assert.NotEmpty(t, GetTurnID(ctx))
		assert.Equal(t, "s1", GetSessionID(ctx))
	})

	t.Run("creates trace id when missing", func(t *testing.T) {
		ctx := NewTurnContext(context.Background(), "")
		assert.NotEmpty(t, GetTraceID(ctx))
		assert.Empty(t, GetSessionID(ctx))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(WithSessionID(WithTraceID(context.Background(), "t"), "s"))
	cancel()

	detached := Detach(parent)
	assert.NoError(t, detached.Err())
	assert.Equal(t, "t", GetTraceID(detached))
	assert.Equal(t, "s", GetSessionID(detached))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithSessionID(WithTraceID(context.Background(), "trace-x"), "session-x")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"trace-x"`)
	assert.Contains(t, out, `"session_id":"session-x"`)
	assert.NotContains(t, out, "turn_id")
}
