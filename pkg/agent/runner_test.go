package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/nebula/pkg/commandqueue"
	"github.com/harun/nebula/pkg/compactor"
	"github.com/harun/nebula/pkg/llm"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedModel answers each call with respond(callIndex, request)
type scriptedModel struct {
	mu       sync.Mutex
	requests []llm.Request
	respond  func(call int, req llm.Request) (*llm.Response, error)
}

func (m *scriptedModel) Configured() bool { return true }

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.respond(call, req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

type funcSkill struct {
	desc skills.Descriptor
	fn   func(ctx context.Context, args skills.Args) (interface{}, error)
}

func (f funcSkill) Descriptor() skills.Descriptor { return f.desc }

func (f funcSkill) Execute(ctx context.Context, args skills.Args) (interface{}, error) {
	return f.fn(ctx, args)
}

func testSkills(t *testing.T) *skills.Registry {
	t.Helper()
	echo := funcSkill{
		desc: skills.Descriptor{
			Name:        "echo",
			Description: "Echo the text argument",
			InputSchema: skills.ObjectSchema(skills.Parameter{Name: "text", Type: "string", Description: "text", Required: true}),
		},
		fn: func(ctx context.Context, args skills.Args) (interface{}, error) {
			return args.String("text"), nil
		},
	}
	fail := funcSkill{
		desc: skills.Descriptor{Name: "fail", Description: "Always fails"},
		fn: func(ctx context.Context, args skills.Args) (interface{}, error) {
			return nil, errors.New("remote tool server unreachable")
		},
	}
	reg, err := skills.NewRegistry(skills.Config{Logger: zerolog.Nop()}, echo, fail)
	require.NoError(t, err)
	return reg
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	runner   *Runner
	sessions *session.Store
	events   *recordingSink
}

type envOption func(*Config)

func newTestEnv(t *testing.T, model ModelGateway, opts ...envOption) *testEnv {
	t.Helper()

	store := session.NewStore(session.StoreConfig{Logger: zerolog.Nop()})
	queue := commandqueue.New(commandqueue.Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = queue.Close() })
	sink := &recordingSink{}

	cfg := Config{
		Sessions:     store,
		Model:        model,
		Skills:       testSkills(t),
		Compactor:    compactor.New(compactor.Config{Sessions: store, Logger: zerolog.Nop()}),
		CommandQueue: queue,
		Events:       sink,
		MaxToolLoops: 4,
		Logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return &testEnv{runner: runner, sessions: store, events: sink}
}

func reply(content string, calls ...llm.ToolCall) *llm.Response {
	return &llm.Response{Content: content, ToolCalls: calls, Raw: json.RawMessage(`{"id":"resp"}`)}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: args}
}

func roles(msgs []session.Message) []session.Role {
	out := make([]session.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func boolPtr(v bool) *bool { return &v }

func TestNewRunner_RequiresCollaborators(t *testing.T) {
	_, err := NewRunner(Config{})
	assert.Error(t, err)

	store := session.NewStore(session.StoreConfig{})
	queue := commandqueue.New(commandqueue.Config{})
	defer queue.Close()
	_, err = NewRunner(Config{
		Sessions:     store,
		Model:        &scriptedModel{},
		Skills:       testSkills(t),
		CommandQueue: queue,
		MaxToolLoops: -1,
	})
	assert.Error(t, err)
}

func TestTurn_NotConfigured(t *testing.T) {
	gateway := llm.NewGatewayWithProvider(nil, llm.Config{DefaultModel: "gpt-4o-mini", Logger: zerolog.Nop()})
	env := newTestEnv(t, gateway)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hello", EnableTools: boolPtr(false)})
	require.NoError(t, err)

	assert.Equal(t, ReplyNotConfigured, res.Content)
	assert.True(t, res.Failed)
	assert.Equal(t, 1, res.ModelCalls)
	assert.NotEmpty(t, res.SessionID)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant}, roles(sess.Messages))
	assert.Equal(t, "hello", sess.Messages[0].Content)
	assert.Equal(t, ReplyNotConfigured, sess.Messages[1].Content)
}

func TestTurn_FailureReplies(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("%w after 30s", llm.ErrTimeout), ReplyTimeout},
		{"upstream", &llm.UpstreamError{Provider: "openai", StatusCode: 500, Err: errors.New("boom")}, ReplyUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return nil, tt.err }}
			env := newTestEnv(t, model)

			res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Content)
			assert.True(t, res.Failed)
			assert.Equal(t, 1, model.calls())
		})
	}
}

func TestTurn_ToolsDisabledMakesOneCall(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) {
		return reply("plain answer", call("c1", "echo", `{"text":"x"}`)), nil
	}}
	env := newTestEnv(t, model)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi", EnableTools: boolPtr(false)})
	require.NoError(t, err)

	assert.Equal(t, 1, model.calls())
	assert.Empty(t, model.request(0).Tools)
	assert.Equal(t, "plain answer", res.Content)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []session.Role{session.RoleUser, session.RoleAssistant}, roles(sess.Messages))
	assert.Empty(t, sess.Messages[1].ToolCalls)
}

func TestTurn_SingleToolRound(t *testing.T) {
	model := &scriptedModel{respond: func(n int, req llm.Request) (*llm.Response, error) {
		if n == 0 {
			return reply("", call("c1", "echo", `{"text":"pong"}`)), nil
		}
		return reply("the tool said pong"), nil
	}}
	env := newTestEnv(t, model)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "ping it", IncludeRaw: true})
	require.NoError(t, err)

	assert.Equal(t, 2, model.calls())
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, "the tool said pong", res.Content)
	assert.False(t, res.LoopLimitReached)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "echo", res.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"id":"resp"}`, string(res.Raw))

	first := model.request(0)
	require.Len(t, first.Tools, 2)
	assert.Equal(t, "echo", first.Tools[0].Name)
	assert.Equal(t, DefaultSystemPrompt, first.Messages[0].Content)

	second := model.request(1)
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "echo", last.Name)
	assert.JSONEq(t, `{"result":"pong"}`, last.Content)
	prev := second.Messages[len(second.Messages)-2]
	assert.Equal(t, llm.RoleAssistant, prev.Role)
	require.Len(t, prev.ToolCalls, 1)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t,
		[]session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant},
		roles(sess.Messages))
	assert.Equal(t, "c1", sess.Messages[2].ToolCallID)
}

func TestTurn_LoopLimit(t *testing.T) {
	var n atomic.Int32
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) {
		id := fmt.Sprintf("c%d", n.Add(1))
		return reply("still working", call(id, "echo", `{"text":"again"}`)), nil
	}}
	env := newTestEnv(t, model, func(c *Config) { c.MaxToolLoops = 2 })

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "loop forever"})
	require.NoError(t, err)

	assert.Equal(t, 3, model.calls())
	assert.True(t, res.LoopLimitReached)
	assert.Equal(t, "still working", res.Content)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "c3", res.ToolCalls[0].ID)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []session.Role{
		session.RoleUser,
		session.RoleAssistant, session.RoleTool,
		session.RoleAssistant, session.RoleTool,
		session.RoleAssistant,
	}, roles(sess.Messages))
	assert.Empty(t, sess.Messages[5].ToolCalls)
}

func TestTurn_ZeroToolLoops(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) {
		return reply("want a tool", call("c1", "echo", `{"text":"x"}`)), nil
	}}
	env := newTestEnv(t, model, func(c *Config) { c.MaxToolLoops = 0 })

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, model.calls())
	assert.True(t, res.LoopLimitReached)
}

func TestTurn_ToolFailuresBecomePayloads(t *testing.T) {
	model := &scriptedModel{respond: func(n int, req llm.Request) (*llm.Response, error) {
		if n == 0 {
			return reply("",
				call("a", "fail", `{}`),
				call("b", "echo", `{"wrong":1}`),
				call("c", "missing", `{}`),
				call("d", "echo", `not json`),
				call("e", "echo", `{"text":"fine"}`),
			), nil
		}
		return reply("done"), nil
	}}
	env := newTestEnv(t, model)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "try everything"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 8)

	tools := sess.Messages[2:7]
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, id, tools[i].ToolCallID)
	}
	for _, m := range tools[:4] {
		var payload map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(m.Content), &payload))
		assert.Contains(t, payload, "error", m.ToolCallID)
	}
	assert.Contains(t, tools[0].Content, "remote tool server unreachable")
	assert.JSONEq(t, `{"result":"fine"}`, tools[4].Content)
}

func TestTurn_FillsMissingCallIDs(t *testing.T) {
	model := &scriptedModel{respond: func(n int, req llm.Request) (*llm.Response, error) {
		if n == 0 {
			return reply("", call("", "echo", `{"text":"x"}`)), nil
		}
		return reply("ok"), nil
	}}
	env := newTestEnv(t, model)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi"})
	require.NoError(t, err)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 4)
	assert.Equal(t, "call_0_0", sess.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "call_0_0", sess.Messages[2].ToolCallID)
}

func TestTurn_ModelFailureAfterTools(t *testing.T) {
	model := &scriptedModel{respond: func(n int, req llm.Request) (*llm.Response, error) {
		if n == 0 {
			return reply("", call("c1", "echo", `{"text":"x"}`)), nil
		}
		return nil, fmt.Errorf("%w after 1s", llm.ErrTimeout)
	}}
	env := newTestEnv(t, model)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi"})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Equal(t, ReplyTimeout, res.Content)
	assert.Equal(t, 2, model.calls())

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t,
		[]session.Role{session.RoleUser, session.RoleAssistant, session.RoleTool, session.RoleAssistant},
		roles(sess.Messages))
}

func TestTurn_Overrides(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return reply("ok"), nil }}
	env := newTestEnv(t, model)

	temp := 0.1
	res, err := env.runner.Turn(context.Background(), TurnRequest{
		Message:      "hi",
		Title:        "Trip planning",
		SystemPrompt: "Answer in French.",
		Model:        "gpt-4.1",
		Temperature:  &temp,
		MaxTokens:    64,
	})
	require.NoError(t, err)

	req := model.request(0)
	assert.Equal(t, "gpt-4.1", req.Model)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.1, *req.Temperature)
	assert.Equal(t, 64, req.MaxTokens)
	assert.Equal(t, "Answer in French.", req.Messages[0].Content)
	assert.Nil(t, res.Raw)

	sess, err := env.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", sess.Title)
	assert.Equal(t, "Answer in French.", sess.SystemPrompt)

	// The stored prompt carries over to later turns on the session.
	_, err = env.runner.Turn(context.Background(), TurnRequest{SessionID: res.SessionID, Message: "again"})
	require.NoError(t, err)
	next := model.request(1)
	assert.Equal(t, "Answer in French.", next.Messages[0].Content)
	assert.Equal(t, "hi", next.Messages[1].Content)
	assert.Equal(t, "again", next.Messages[len(next.Messages)-1].Content)
}

func TestTurn_Validation(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return reply("ok"), nil }}
	env := newTestEnv(t, model)

	_, err := env.runner.Turn(context.Background(), TurnRequest{Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = env.runner.Turn(context.Background(), TurnRequest{SessionID: "nope", Message: "hi"})
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.Equal(t, 0, model.calls())
}

func TestTurn_CancelledBeforeStartCreatesNoSession(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return reply("ok"), nil }}
	env := newTestEnv(t, model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.runner.Turn(ctx, TurnRequest{Message: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
	assert.Zero(t, env.sessions.Count())
	assert.Equal(t, 0, model.calls())
}

func TestTurn_CompactsBeforeCalling(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return reply("ok"), nil }}
	env := newTestEnv(t, model, func(c *Config) {
		c.Compactor = compactor.New(compactor.Config{
			Sessions:        c.Sessions,
			MaxContextChars: 100,
			MaxTailMessages: 2,
			Logger:          zerolog.Nop(),
		})
	})

	ctx := context.Background()
	sess, err := env.sessions.Create(ctx, session.CreateParams{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = env.sessions.Append(ctx, sess.ID,
			session.Message{Role: session.RoleUser, Content: strings.Repeat("u", 50)},
			session.Message{Role: session.RoleAssistant, Content: strings.Repeat("a", 50)},
		)
		require.NoError(t, err)
	}

	_, err = env.runner.Turn(ctx, TurnRequest{SessionID: sess.ID, Message: "latest question"})
	require.NoError(t, err)

	req := model.request(0)
	require.GreaterOrEqual(t, len(req.Messages), 3)
	assert.Equal(t, llm.RoleSystem, req.Messages[1].Role)
	assert.True(t, strings.HasPrefix(req.Messages[1].Content, summaryPreamble))
	assert.Equal(t, "latest question", req.Messages[len(req.Messages)-1].Content)

	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Summary)
	// Two retained messages plus the reply.
	assert.Len(t, stored.Messages, 3)
	assert.Contains(t, env.events.types(), EventSessionCompacted)
}

func TestTurn_SameSessionIsSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return reply("ok"), nil
	}}
	env := newTestEnv(t, model)

	ctx := context.Background()
	sess, err := env.sessions.Create(ctx, session.CreateParams{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.runner.Turn(ctx, TurnRequest{SessionID: sess.ID, Message: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())

	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 10)
	for i := 0; i < 10; i += 2 {
		assert.Equal(t, session.RoleUser, stored.Messages[i].Role)
		assert.Equal(t, session.RoleAssistant, stored.Messages[i+1].Role)
	}
}

func TestTurn_PublishesLifecycleEvents(t *testing.T) {
	model := &scriptedModel{respond: func(n int, req llm.Request) (*llm.Response, error) {
		if n == 0 {
			return reply("", call("c1", "echo", `{"text":"x"}`)), nil
		}
		return reply("done"), nil
	}}
	env := newTestEnv(t, model)

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{EventTurnStarted, EventToolStarted, EventToolCompleted, EventTurnCompleted}, env.events.types())
	for _, e := range env.events.events {
		assert.Equal(t, res.SessionID, e.SessionID)
		assert.NotEmpty(t, e.TurnID)
	}
}

type failingKV struct{}

func (failingKV) Load(ctx context.Context, key string, dst any) (bool, error) { return false, nil }
func (failingKV) Save(ctx context.Context, key string, v any) error           { return errors.New("disk full") }
func (failingKV) Close() error                                                { return nil }

func TestTurn_PersistFailureKeepsState(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return reply("ok"), nil }}
	env := newTestEnv(t, model, func(c *Config) {
		c.Sessions = session.NewStore(session.StoreConfig{KV: failingKV{}, Logger: zerolog.Nop()})
	})

	res, err := env.runner.Turn(context.Background(), TurnRequest{Message: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrPersist)
	require.NotNil(t, res)
	assert.Equal(t, "ok", res.Content)

	sess, err := env.runner.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 2)
}

func TestAppend(t *testing.T) {
	model := &scriptedModel{respond: func(int, llm.Request) (*llm.Response, error) { return reply("ok"), nil }}
	env := newTestEnv(t, model)
	ctx := context.Background()

	sess, err := env.sessions.Create(ctx, session.CreateParams{})
	require.NoError(t, err)

	msg, err := env.runner.Append(ctx, sess.ID, session.Message{Role: session.RoleUser, Content: "typed by hand"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "typed by hand", msg.Content)

	_, err = env.runner.Append(ctx, sess.ID, session.Message{Role: session.RoleSystem, Content: "x"})
	assert.ErrorIs(t, err, session.ErrInvalidMessage)

	_, err = env.runner.Append(ctx, sess.ID, session.Message{Role: session.RoleTool, ToolCallID: "nope", Content: "{}"})
	assert.ErrorIs(t, err, session.ErrInvalidMessage)

	_, err = env.runner.Append(ctx, "missing", session.Message{Role: session.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, session.ErrNotFound)

	stored, err := env.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 1)
	assert.Equal(t, 0, model.calls())
}
