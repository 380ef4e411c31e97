package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/nebula/pkg/agent"
	"github.com/harun/nebula/pkg/commandqueue"
	"github.com/harun/nebula/pkg/mcp"
	"github.com/harun/nebula/pkg/notes"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
	"github.com/harun/nebula/pkg/toolserver"
)

// TurnRunner runs turns and lane-serialized direct appends
type TurnRunner interface {
	Turn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
	Append(ctx context.Context, sessionID string, msg session.Message) (session.Message, error)
}

// SkillCatalog is the skill registry surface used by /skills
type SkillCatalog interface {
	Descriptors() []skills.Descriptor
	Has(name string) bool
	Run(ctx context.Context, name string, args skills.Args) skills.Result
}

// ToolServerRegistry manages remote tool server registrations
type ToolServerRegistry interface {
	List() []toolserver.Server
	Get(id string) (toolserver.Server, error)
	Create(ctx context.Context, params toolserver.CreateParams) (toolserver.Server, error)
	Delete(ctx context.Context, id string) error
	ListTools(ctx context.Context, id string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, id, name string, args map[string]interface{}) (*mcp.CallResult, error)
}

// NoteStore is the notes surface used by /api/notes
type NoteStore interface {
	List(ctx context.Context) []notes.Note
	Count() int
	Add(ctx context.Context, text string) (notes.Note, error)
}

// ModelStatus reports the model endpoint configuration
type ModelStatus interface {
	Configured() bool
	Provider() string
}

// QueueStats reports turn admission
type QueueStats interface {
	Stats() commandqueue.Stats
}

// chatRequest is the body of POST /chat
type chatRequest struct {
	SessionID    string   `json:"sessionId"`
	Message      string   `json:"message"`
	SystemPrompt string   `json:"systemPrompt"`
	Title        string   `json:"title"`
	Model        string   `json:"model"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    int      `json:"maxTokens"`
	EnableTools  *bool    `json:"enableTools"`
	IncludeRaw   bool     `json:"includeRaw"`
}

type assistantReply struct {
	Content   string             `json:"content"`
	ToolCalls []session.ToolCall `json:"toolCalls"`
}

type chatResponse struct {
	OK               bool            `json:"ok"`
	SessionID        string          `json:"sessionId"`
	Assistant        assistantReply  `json:"assistant"`
	LoopLimitReached bool            `json:"loopLimitReached,omitempty"`
	Failed           bool            `json:"failed,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
}

type createSessionRequest struct {
	Title        string            `json:"title"`
	SystemPrompt string            `json:"systemPrompt"`
	Metadata     map[string]string `json:"metadata"`
}

type appendMessageRequest struct {
	Role       session.Role       `json:"role"`
	Content    string             `json:"content"`
	ToolCallID string             `json:"toolCallId"`
	ToolCalls  []session.ToolCall `json:"toolCalls"`
}

type runSkillRequest struct {
	Name string      `json:"name"`
	Args skills.Args `json:"args"`
}

type callToolRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type addNoteRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	OK              bool      `json:"ok"`
	Message         string    `json:"message"`
	ServerTime      time.Time `json:"serverTime"`
	UptimeSeconds   int64     `json:"uptimeSeconds"`
	NotesCount      int       `json:"notesCount"`
	SessionsCount   int       `json:"sessionsCount"`
	Provider        string    `json:"provider,omitempty"`
	ModelConfigured bool      `json:"modelConfigured"`
	PendingTurns    int       `json:"pendingTurns"`
	RunningTurns    int       `json:"runningTurns"`
	EventClients    int       `json:"eventClients"`
}

// EventMessage is one frame on the /events feed
type EventMessage struct {
	Type      string                 `json:"type"`
	Event     string                 `json:"event"`
	Seq       int64                  `json:"seq"`
	Timestamp int64                  `json:"timestamp"`
	SessionID string                 `json:"sessionId,omitempty"`
	TurnID    string                 `json:"turnId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Client is one connected /events subscriber
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IPAddress   string
	// SessionID limits delivery to one session when set
	SessionID string

	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// ClientInfo describes a connected subscriber
type ClientInfo struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	IPAddress   string    `json:"ipAddress"`
	SessionID   string    `json:"sessionId,omitempty"`
}
