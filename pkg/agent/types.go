package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/harun/nebula/pkg/compactor"
	"github.com/harun/nebula/pkg/llm"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
)

// ErrEmptyMessage is returned for a turn without user text
var ErrEmptyMessage = errors.New("message is required")

// Replies stored in place of assistant content when the model call fails
const (
	ReplyNotConfigured = "The model endpoint is not configured. Set an API key to enable assistant replies."
	ReplyTimeout       = "The model did not respond in time. Please try again."
	ReplyUpstream      = "The model request failed. Please try again later."
)

// DefaultSystemPrompt is used when neither the turn nor the session sets one
const DefaultSystemPrompt = "You are Nebula, a concise and helpful assistant. Use the available tools when they help answer the user."

// summaryPreamble introduces the stored summary in the transcript
const summaryPreamble = "Summary of the earlier conversation:\n"

// ModelGateway issues one model call per Complete
type ModelGateway interface {
	Configured() bool
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// SkillRunner is the tool catalog offered to the model
type SkillRunner interface {
	Descriptors() []skills.Descriptor
	Run(ctx context.Context, name string, args skills.Args) skills.Result
}

// Compactor bounds the session log before each turn
type Compactor interface {
	Compact(ctx context.Context, sess *session.Session) (compactor.Result, error)
}

// TurnRequest is one user turn with optional per-turn overrides
type TurnRequest struct {
	// SessionID selects an existing session; empty creates one
	SessionID string
	Message   string
	// Title names a newly created session
	Title        string
	SystemPrompt string
	Model        string
	Temperature  *float64
	MaxTokens    int
	// EnableTools defaults to true when nil
	EnableTools *bool
	IncludeRaw  bool
}

func (r TurnRequest) toolsEnabled() bool {
	return r.EnableTools == nil || *r.EnableTools
}

// TurnResult is the outcome of a turn
type TurnResult struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	// ToolCalls is the last batch requested by the model
	ToolCalls        []session.ToolCall `json:"toolCalls"`
	Raw              json.RawMessage    `json:"raw,omitempty"`
	LoopLimitReached bool               `json:"loopLimitReached,omitempty"`
	// Failed marks a turn whose reply is a failure notice
	Failed     bool `json:"failed,omitempty"`
	ModelCalls int  `json:"modelCalls"`
}

// Lifecycle event types
const (
	EventTurnStarted      = "turn.started"
	EventTurnCompleted    = "turn.completed"
	EventToolStarted      = "tool.started"
	EventToolCompleted    = "tool.completed"
	EventSessionCompacted = "session.compacted"
)

// Event reports turn progress to observers
type Event struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId"`
	TurnID    string                 `json:"turnId,omitempty"`
	Time      time.Time              `json:"time"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventSink receives lifecycle events; Publish must not block
type EventSink interface {
	Publish(event Event)
}
