package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// CommandRequest selects either a configured preset or a free-form command.
// A free-form Command is split on whitespace into argv; quoting and shell
// operators have no special meaning.
type CommandRequest struct {
	Preset  string   `json:"preset,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// CommandResult is the sanitised outcome of a command
type CommandResult struct {
	Argv       []string `json:"argv"`
	ExitCode   int      `json:"exitCode"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	Truncated  bool     `json:"truncated"`
	DurationMs int64    `json:"durationMs"`
}

// RunnerConfig configures a Runner
type RunnerConfig struct {
	Presets       map[string][]string
	AllowFreeform bool
}

// Runner is the shell-command capability: it resolves a request to argv and
// runs it through a Sandbox.
type Runner struct {
	sandbox       Sandbox
	presets       map[string][]string
	allowFreeform bool
}

// NewRunner creates a runner over sb
func NewRunner(sb Sandbox, cfg RunnerConfig) *Runner {
	presets := make(map[string][]string, len(cfg.Presets))
	for name, argv := range cfg.Presets {
		if len(argv) == 0 {
			continue
		}
		presets[name] = append([]string(nil), argv...)
	}
	return &Runner{
		sandbox:       sb,
		presets:       presets,
		allowFreeform: cfg.AllowFreeform,
	}
}

// Presets returns the configured preset names, sorted
func (r *Runner) Presets() []string {
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllowFreeform reports whether free-form commands are accepted
func (r *Runner) AllowFreeform() bool {
	return r.allowFreeform
}

// Resolve turns a request into argv without running it
func (r *Runner) Resolve(req CommandRequest) ([]string, error) {
	if req.Preset != "" {
		argv, ok := r.presets[req.Preset]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, req.Preset)
		}
		return append(append([]string(nil), argv...), req.Args...), nil
	}

	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: either preset or command is required", ErrInvalidCommand)
	}
	if !r.allowFreeform {
		return nil, ErrFreeformDisabled
	}
	argv := strings.Fields(req.Command)
	return append(argv, req.Args...), nil
}

// Run resolves and executes the request. A non-zero exit status is reported
// in the result, not as an error.
func (r *Runner) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	argv, err := r.Resolve(req)
	if err != nil {
		return nil, err
	}

	res, err := r.sandbox.Execute(ctx, ExecuteRequest{
		Command: argv[0],
		Args:    argv[1:],
	})
	if err != nil {
		return nil, err
	}

	return &CommandResult{
		Argv:       argv,
		ExitCode:   res.ExitCode,
		Stdout:     Sanitize(string(res.Stdout)),
		Stderr:     Sanitize(string(res.Stderr)),
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
	}, nil
}
