package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/nebula/pkg/mcp"
	"github.com/harun/nebula/pkg/notes"
	"github.com/harun/nebula/pkg/sandbox"
)

// NoteStore is the note collaborator used by list_notes and add_note
type NoteStore interface {
	List(ctx context.Context) []notes.Note
	Add(ctx context.Context, text string) (notes.Note, error)
	MaxLength() int
}

// CommandRunner is the shell-command collaborator used by run_command
type CommandRunner interface {
	Run(ctx context.Context, req sandbox.CommandRequest) (*sandbox.CommandResult, error)
	Presets() []string
	AllowFreeform() bool
}

// ToolServers resolves remote tool server ids for the remote skills
type ToolServers interface {
	ListTools(ctx context.Context, id string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, id, name string, args map[string]interface{}) (*mcp.CallResult, error)
}

// Deps are the collaborators of the built-in skills. Skills whose
// collaborator is nil are not registered.
type Deps struct {
	Notes       NoteStore
	Commands    CommandRunner
	ToolServers ToolServers
	Now         func() time.Time
}

// Builtins returns the built-in skills backed by deps
func Builtins(deps Deps) []Skill {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	out := []Skill{GetTimeSkill{now: now}}
	if deps.Notes != nil {
		out = append(out, ListNotesSkill{notes: deps.Notes}, AddNoteSkill{notes: deps.Notes})
	}
	if deps.Commands != nil {
		out = append(out, RunCommandSkill{runner: deps.Commands})
	}
	if deps.ToolServers != nil {
		out = append(out, ListRemoteToolsSkill{servers: deps.ToolServers}, CallRemoteToolSkill{servers: deps.ToolServers})
	}
	return out
}

// GetTimeSkill reports the current time
type GetTimeSkill struct {
	now func() time.Time
}

func (GetTimeSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "get_time",
		Description: "Get the current date and time, optionally in an IANA time zone such as Europe/Paris.",
		InputSchema: ObjectSchema(Parameter{
			Name:        "timezone",
			Type:        "string",
			Description: "IANA time zone name; defaults to UTC",
		}),
	}
}

func (s GetTimeSkill) Execute(ctx context.Context, args Args) (interface{}, error) {
	tz := strings.TrimSpace(args.String("timezone"))
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", tz)
	}
	now := s.now().In(loc)
	return map[string]interface{}{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
	}, nil
}

// ListNotesSkill lists stored notes newest first
type ListNotesSkill struct {
	notes NoteStore
}

func (ListNotesSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "list_notes",
		Description: "List the saved notes, newest first.",
		InputSchema: ObjectSchema(Parameter{
			Name:        "limit",
			Type:        "integer",
			Description: "Maximum number of notes to return",
		}),
	}
}

func (s ListNotesSkill) Execute(ctx context.Context, args Args) (interface{}, error) {
	list := s.notes.List(ctx)
	total := len(list)
	if limit := args.Int("limit", 0); limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return map[string]interface{}{"notes": list, "total": total}, nil
}

// AddNoteSkill stores a new note
type AddNoteSkill struct {
	notes NoteStore
}

func (s AddNoteSkill) Descriptor() Descriptor {
	limit := notes.DefaultMaxLength
	if s.notes != nil {
		limit = s.notes.MaxLength()
	}
	return Descriptor{
		Name:        "add_note",
		Description: fmt.Sprintf("Save a short note (at most %d characters).", limit),
		InputSchema: ObjectSchema(Parameter{
			Name:        "text",
			Type:        "string",
			Description: "Note text",
			Required:    true,
		}),
		SideEffects: true,
	}
}

func (s AddNoteSkill) Execute(ctx context.Context, args Args) (interface{}, error) {
	note, err := s.notes.Add(ctx, args.String("text"))
	if err != nil {
		if note.ID == "" {
			return nil, err
		}
		// stored in memory but not persisted
		return map[string]interface{}{"note": note, "warning": "note was not persisted"}, nil
	}
	return map[string]interface{}{"note": note}, nil
}

// RunCommandSkill runs a preset or free-form command
type RunCommandSkill struct {
	runner CommandRunner
}

func (s RunCommandSkill) Descriptor() Descriptor {
	presets := s.runner.Presets()
	desc := "Run a preset shell command"
	if len(presets) > 0 {
		desc += " (" + strings.Join(presets, ", ") + ")"
	}
	params := []Parameter{
		{Name: "preset", Type: "string", Description: "Name of the preset command", Enum: presets},
		{Name: "args", Type: "array", Items: "string", Description: "Extra arguments appended to the command"},
	}
	if s.runner.AllowFreeform() {
		desc += " or a free-form command split on whitespace"
		params = append(params, Parameter{Name: "command", Type: "string", Description: "Free-form command line; no shell syntax"})
	}
	return Descriptor{
		Name:        "run_command",
		Description: desc + ".",
		InputSchema: ObjectSchema(params...),
		SideEffects: true,
	}
}

func (s RunCommandSkill) Execute(ctx context.Context, args Args) (interface{}, error) {
	return s.runner.Run(ctx, sandbox.CommandRequest{
		Preset:  args.String("preset"),
		Command: args.String("command"),
		Args:    args.Strings("args"),
	})
}

// ListRemoteToolsSkill lists the tools of a registered remote tool server
type ListRemoteToolsSkill struct {
	servers ToolServers
}

func (ListRemoteToolsSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "list_remote_tools",
		Description: "List the tools exposed by a registered remote tool server.",
		InputSchema: ObjectSchema(Parameter{
			Name:        "serverId",
			Type:        "string",
			Description: "Id of the remote tool server",
			Required:    true,
		}),
	}
}

func (s ListRemoteToolsSkill) Execute(ctx context.Context, args Args) (interface{}, error) {
	id := args.String("serverId")
	tools, err := s.servers.ListTools(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"serverId": id, "tools": tools}, nil
}

// CallRemoteToolSkill calls a named tool on a registered remote tool server
type CallRemoteToolSkill struct {
	servers ToolServers
}

func (CallRemoteToolSkill) Descriptor() Descriptor {
	return Descriptor{
		Name:        "call_remote_tool",
		Description: "Call a tool on a registered remote tool server.",
		InputSchema: ObjectSchema(
			Parameter{Name: "serverId", Type: "string", Description: "Id of the remote tool server", Required: true},
			Parameter{Name: "tool", Type: "string", Description: "Name of the remote tool", Required: true},
			Parameter{Name: "arguments", Type: "object", Description: "Arguments passed to the remote tool"},
		),
		SideEffects: true,
	}
}

func (s CallRemoteToolSkill) Execute(ctx context.Context, args Args) (interface{}, error) {
	id := args.String("serverId")
	tool := args.String("tool")
	res, err := s.servers.CallTool(ctx, id, tool, args.Object("arguments"))
	if err != nil {
		return nil, err
	}
	if res.IsError {
		msg := res.Text()
		if msg == "" {
			msg = "no detail"
		}
		return nil, fmt.Errorf("remote tool %s reported an error: %s", tool, msg)
	}
	out := map[string]interface{}{
		"serverId": id,
		"tool":     tool,
		"text":     res.Text(),
		"content":  res.Content,
	}
	if len(res.StructuredContent) > 0 {
		out["structuredContent"] = res.StructuredContent
	}
	return out, nil
}
