package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/harun/nebula/pkg/commandqueue"
	"github.com/harun/nebula/pkg/llm"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Runner orchestrates conversational turns
type Runner struct {
	sessions     session.Repository
	model        ModelGateway
	skills       SkillRunner
	compactor    Compactor
	commandQueue *commandqueue.CommandQueue
	events       EventSink
	systemPrompt string
	maxToolLoops int
	logger       zerolog.Logger
}

// Config holds runner configuration
type Config struct {
	Sessions     session.Repository
	Model        ModelGateway
	Skills       SkillRunner
	Compactor    Compactor
	CommandQueue *commandqueue.CommandQueue
	// Events is optional
	Events       EventSink
	SystemPrompt string
	// MaxToolLoops bounds tool rounds per turn; 0 allows none
	MaxToolLoops int
	Logger       zerolog.Logger
}

// NewRunner creates a new turn runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session repository is required")
	}
	if cfg.Model == nil {
		return nil, fmt.Errorf("model gateway is required")
	}
	if cfg.Skills == nil {
		return nil, fmt.Errorf("skill registry is required")
	}
	if cfg.CommandQueue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.MaxToolLoops < 0 {
		return nil, fmt.Errorf("max tool loops cannot be negative")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}

	return &Runner{
		sessions:     cfg.Sessions,
		model:        cfg.Model,
		skills:       cfg.Skills,
		compactor:    cfg.Compactor,
		commandQueue: cfg.CommandQueue,
		events:       cfg.Events,
		systemPrompt: cfg.SystemPrompt,
		maxToolLoops: cfg.MaxToolLoops,
		logger:       cfg.Logger.With().Str("component", "agent").Logger(),
	}, nil
}

// Turn runs one user turn. A new session is created first when req has no
// SessionID; the turn itself waits in that session's lane. When only the
// snapshot write failed the result is returned together with an error
// wrapping session.ErrPersist.
func (r *Runner) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := r.sessions.Create(ctx, session.CreateParams{
			Title:        req.Title,
			SystemPrompt: req.SystemPrompt,
		})
		if err != nil && !errors.Is(err, session.ErrPersist) {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		// A failed snapshot write here is retried by the turn's final write.
		sessionID = sess.ID
	}

	ctx = tracing.NewTurnContext(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "nebula.agent", "agent.turn",
		attribute.String("session.id", sessionID),
	)
	defer span.End()

	lane := "session-" + sessionID
	value, err := r.commandQueue.EnqueueWithContext(ctx, lane, func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, sessionID, req)
	})
	if err != nil && !errors.Is(err, session.ErrPersist) {
		tracing.RecordError(span, err)
		return nil, err
	}

	result, _ := value.(*TurnResult)
	tracing.RecordError(span, err)
	return result, err
}

// Append stores one message directly, bypassing the model. It waits in the
// session's lane so it never interleaves with a running turn.
func (r *Runner) Append(ctx context.Context, sessionID string, msg session.Message) (session.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch msg.Role {
	case session.RoleUser, session.RoleAssistant, session.RoleTool:
	default:
		return session.Message{}, fmt.Errorf("%w: role must be user, assistant or tool", session.ErrInvalidMessage)
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	value, err := r.commandQueue.EnqueueWithContext(ctx, "session-"+sessionID, func(taskCtx context.Context) (interface{}, error) {
		stored, err := r.sessions.Append(taskCtx, sessionID, msg)
		if len(stored) == 0 {
			return nil, err
		}
		return stored[0], err
	})
	stored, _ := value.(session.Message)
	return stored, err
}

// executeTurn runs inside the session lane
func (r *Runner) executeTurn(ctx context.Context, sessionID string, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	r.publish(ctx, EventTurnStarted, sessionID, nil)

	var persistErr error
	keep := func(err error) error {
		if err != nil && errors.Is(err, session.ErrPersist) {
			persistErr = err
			return nil
		}
		return err
	}

	stored, err := r.sessions.Append(ctx, sessionID, session.Message{Role: session.RoleUser, Content: req.Message})
	if err = keep(err); err != nil {
		return nil, fmt.Errorf("failed to append user message: %w", err)
	}
	sess.Messages = append(sess.Messages, stored...)

	if r.compactor != nil {
		res, err := r.compactor.Compact(ctx, sess)
		if err = keep(err); err != nil {
			logger.Warn().Err(err).Msg("Compaction failed; continuing with full history")
		}
		if res.Compacted {
			r.publish(ctx, EventSessionCompacted, sessionID, map[string]interface{}{
				"method":   res.Method,
				"removed":  res.Removed,
				"retained": res.Retained,
			})
		}
	}

	systemPrompt := firstNonEmpty(req.SystemPrompt, sess.SystemPrompt, r.systemPrompt)
	transcript := buildTranscript(systemPrompt, sess.Summary, sess.Messages)

	enableTools := req.toolsEnabled()
	var tools []llm.Tool
	if enableTools {
		tools = toolDeclarations(r.skills.Descriptors())
	}

	result := &TurnResult{SessionID: sessionID}
	outcome := "completed"

	for round := 0; round <= r.maxToolLoops; round++ {
		resp, err := r.model.Complete(ctx, llm.Request{
			Model:       req.Model,
			Messages:    transcript,
			Tools:       tools,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		result.ModelCalls++
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			logger.Warn().Err(err).Int("round", round).Msg("Model call failed; ending turn")
			result.Content = failureReply(err)
			result.Failed = true
			outcome = "failed"
			if err := r.appendAssistant(ctx, sessionID, result.Content, nil, keep); err != nil {
				return nil, err
			}
			break
		}
		if req.IncludeRaw {
			result.Raw = resp.Raw
		}

		if len(resp.ToolCalls) == 0 || !enableTools {
			result.Content = resp.Content
			if err := r.appendAssistant(ctx, sessionID, resp.Content, nil, keep); err != nil {
				return nil, err
			}
			break
		}

		calls := withCallIDs(resp.ToolCalls, round)
		result.ToolCalls = storedCalls(calls)

		if round == r.maxToolLoops {
			logger.Warn().Int("max_tool_loops", r.maxToolLoops).Msg("Tool loop limit reached")
			result.Content = resp.Content
			result.LoopLimitReached = true
			outcome = "loop_limit"
			if err := r.appendAssistant(ctx, sessionID, resp.Content, nil, keep); err != nil {
				return nil, err
			}
			break
		}

		if err := r.appendAssistant(ctx, sessionID, resp.Content, result.ToolCalls, keep); err != nil {
			return nil, err
		}
		transcript = append(transcript, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: calls,
		})

		toolMsgs := r.executeTools(ctx, sessionID, calls)
		if _, err := r.sessions.Append(ctx, sessionID, toolMsgs...); keep(err) != nil {
			return nil, fmt.Errorf("failed to append tool results: %w", err)
		}
		for i, m := range toolMsgs {
			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       calls[i].Name,
			})
		}
	}

	// A successful final write makes every earlier change durable.
	touchErr := r.sessions.Touch(ctx, sessionID)
	if touchErr == nil {
		persistErr = nil
	} else if err := keep(touchErr); err != nil {
		logger.Warn().Err(err).Msg("Failed to record session activity")
	}

	duration := time.Since(start)
	observability.RecordTurn(outcome, duration)
	r.publish(ctx, EventTurnCompleted, sessionID, map[string]interface{}{
		"outcome":     outcome,
		"model_calls": result.ModelCalls,
		"duration_ms": duration.Milliseconds(),
	})

	logger.Info().
		Str("outcome", outcome).
		Int("model_calls", result.ModelCalls).
		Dur("duration", duration).
		Msg("Turn finished")

	if persistErr != nil {
		logger.Error().Err(persistErr).Msg("Turn completed but the session snapshot was not written")
		return result, persistErr
	}
	return result, nil
}

func (r *Runner) appendAssistant(ctx context.Context, sessionID, content string, calls []session.ToolCall, keep func(error) error) error {
	_, err := r.sessions.Append(ctx, sessionID, session.Message{
		Role:      session.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})
	if err = keep(err); err != nil {
		return fmt.Errorf("failed to append assistant message: %w", err)
	}
	return nil
}

// executeTools runs one batch concurrently and returns one tool message per
// call, in call order
func (r *Runner) executeTools(ctx context.Context, sessionID string, calls []llm.ToolCall) []session.Message {
	msgs := make([]session.Message, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()

			r.publish(ctx, EventToolStarted, sessionID, map[string]interface{}{
				"tool":    call.Name,
				"call_id": call.ID,
			})

			var res skills.Result
			args, err := decodeArguments(call.Arguments)
			if err != nil {
				res = skills.Result{Error: fmt.Sprintf("invalid tool arguments: %v", err)}
			} else {
				res = r.skills.Run(ctx, call.Name, args)
			}

			r.publish(ctx, EventToolCompleted, sessionID, map[string]interface{}{
				"tool":        call.Name,
				"call_id":     call.ID,
				"ok":          res.OK,
				"duration_ms": res.DurationMs,
			})

			msgs[i] = session.Message{
				Role:       session.RoleTool,
				Content:    res.Payload(),
				ToolCallID: call.ID,
			}
		}(i, call)
	}

	wg.Wait()
	return msgs
}

func (r *Runner) publish(ctx context.Context, eventType, sessionID string, data map[string]interface{}) {
	if r.events == nil {
		return
	}
	r.events.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		TurnID:    tracing.GetTurnID(ctx),
		Time:      time.Now().UTC(),
		Data:      data,
	})
}

// failureReply maps a model failure onto the reply stored for the user
func failureReply(err error) string {
	switch {
	case errors.Is(err, llm.ErrNotConfigured):
		return ReplyNotConfigured
	case errors.Is(err, llm.ErrTimeout):
		return ReplyTimeout
	default:
		return ReplyUpstream
	}
}

// withCallIDs fills in ids a provider left empty so tool results can link back
func withCallIDs(calls []llm.ToolCall, round int) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", round, i)
		}
		out[i] = c
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
