package agent

import (
	"encoding/json"

	"github.com/harun/nebula/pkg/llm"
	"github.com/harun/nebula/pkg/session"
	"github.com/harun/nebula/pkg/skills"
)

// buildTranscript renders the model request: system prompt, summary note,
// then the retained log. Tool messages whose assistant was compacted away
// are dropped, as are requested calls that never got a result, so every
// tool message in the output answers a call of the assistant before it.
func buildTranscript(systemPrompt, summary string, msgs []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+2)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	if summary != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: summaryPreamble + summary})
	}

	answered := answeredCalls(msgs)
	var issued map[string]string

	for _, m := range msgs {
		switch m.Role {
		case session.RoleTool:
			name, ok := issued[m.ToolCallID]
			if !ok {
				continue
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       name,
			})
		case session.RoleAssistant:
			issued = make(map[string]string, len(m.ToolCalls))
			msg := llm.Message{Role: llm.RoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					continue
				}
				issued[tc.ID] = tc.Function.Name
				msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			out = append(out, msg)
		default:
			issued = nil
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

// answeredCalls returns the ids of tool calls that have a linked tool message
func answeredCalls(msgs []session.Message) map[string]bool {
	answered := make(map[string]bool)
	var current map[string]bool
	for _, m := range msgs {
		switch m.Role {
		case session.RoleAssistant:
			current = make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				current[tc.ID] = true
			}
		case session.RoleTool:
			if current[m.ToolCallID] {
				answered[m.ToolCallID] = true
			}
		default:
			current = nil
		}
	}
	return answered
}

// toolDeclarations maps skill descriptors one to one onto model tools
func toolDeclarations(descs []skills.Descriptor) []llm.Tool {
	tools := make([]llm.Tool, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, llm.Tool{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.InputSchema,
		})
	}
	return tools
}

// storedCalls converts model tool calls to the persisted wire shape
func storedCalls(calls []llm.ToolCall) []session.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]session.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = session.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: session.FunctionCall{
				Name:      c.Name,
				Arguments: c.Arguments,
			},
		}
	}
	return out
}

// decodeArguments parses the JSON argument object of a tool call
func decodeArguments(raw string) (skills.Args, error) {
	args := skills.Args{}
	if raw == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = skills.Args{}
	}
	return args, nil
}
