package llm

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message roles understood by every provider
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

var (
	// ErrNotConfigured is returned when no credential is configured
	ErrNotConfigured = errors.New("model endpoint is not configured")
	// ErrTimeout is returned when the call exceeded its deadline
	ErrTimeout = errors.New("model request timed out")
	// ErrEmptyResponse is returned when the provider sent no choice
	ErrEmptyResponse = errors.New("model returned no response")
)

// UpstreamError is a failed provider call
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed (HTTP %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ToolCall is a tool invocation requested by the model. Arguments is the
// JSON-encoded argument object.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one transcript entry
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	// Name is the tool name on tool messages
	Name string
}

// Tool declares one callable function to the model
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Request is one chat-completion call
type Request struct {
	Model       string
	Messages    []Message
	Tools       []Tool
	Temperature *float64
	MaxTokens   int
}

// Usage is token accounting reported by the provider
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Response is the parsed reply
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *Usage
	// Raw is the provider's response document
	Raw json.RawMessage
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}

func argumentsObject(arguments string) map[string]interface{} {
	args := map[string]interface{}{}
	if arguments == "" {
		return args
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args == nil {
		return map[string]interface{}{}
	}
	return args
}
