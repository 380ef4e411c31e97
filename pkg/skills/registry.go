package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/nebula/internal/observability"
	"github.com/harun/nebula/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTimeout        = 20 * time.Second
	DefaultMaxOutputBytes = 10 * 1024
	truncationMarker      = "\n... [output truncated]"
)

// Result is the outcome of one skill invocation
type Result struct {
	OK         bool        `json:"ok"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	Truncated  bool        `json:"truncated,omitempty"`
	DurationMs int64       `json:"durationMs"`
}

// Payload is the JSON document fed back to the model as the tool result
func (r Result) Payload() string {
	var doc interface{}
	if r.OK {
		body := map[string]interface{}{"result": r.Output}
		if r.Truncated {
			body["truncated"] = true
		}
		doc = body
	} else {
		doc = map[string]string{"error": r.Error}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"error": "unencodable skill result"})
	}
	return string(data)
}

// Config configures a Registry
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         zerolog.Logger
}

type entry struct {
	skill  Skill
	desc   Descriptor
	schema *gojsonschema.Schema
}

// Registry is the fixed catalog of skills. It is safe for concurrent use
// because it is never mutated after NewRegistry returns.
type Registry struct {
	entries   map[string]*entry
	order     []string
	timeout   time.Duration
	maxOutput int
	logger    zerolog.Logger
}

// NewRegistry compiles the schema of every skill
func NewRegistry(cfg Config, skills ...Skill) (*Registry, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}

	r := &Registry{
		entries:   make(map[string]*entry, len(skills)),
		timeout:   cfg.Timeout,
		maxOutput: cfg.MaxOutputBytes,
		logger:    cfg.Logger.With().Str("component", "skills").Logger(),
	}

	for _, s := range skills {
		desc := s.Descriptor()
		if strings.TrimSpace(desc.Name) == "" {
			return nil, fmt.Errorf("skill name cannot be empty")
		}
		if desc.Description == "" {
			return nil, fmt.Errorf("skill %s: description cannot be empty", desc.Name)
		}
		if _, dup := r.entries[desc.Name]; dup {
			return nil, fmt.Errorf("skill %s registered twice", desc.Name)
		}
		if desc.InputSchema == nil {
			desc.InputSchema = ObjectSchema()
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(desc.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("skill %s: invalid input schema: %w", desc.Name, err)
		}

		r.entries[desc.Name] = &entry{skill: s, desc: desc, schema: schema}
		r.order = append(r.order, desc.Name)
		r.logger.Debug().Str("skill", desc.Name).Msg("Skill registered")
	}

	return r, nil
}

// Descriptors returns every skill in registration order
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Len returns the number of skills
func (r *Registry) Len() int {
	return len(r.order)
}

// Run validates args and executes the named skill. It never panics and
// never returns a Go error: every failure is reported in the Result.
func (r *Registry) Run(ctx context.Context, name string, args Args) Result {
	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("skill", name).Logger()

	ctx, span := tracing.StartSpan(ctx, "nebula.skills", "skill.run", attribute.String("skill.name", name))
	defer span.End()

	e, ok := r.entries[name]
	if !ok {
		logger.Warn().Msg("Unknown skill requested")
		res := Result{Error: fmt.Sprintf("%s: %s", ErrUnknownSkill, name)}
		r.finish(ctx, span, name, nil, &res, start)
		return res
	}
	if args == nil {
		args = Args{}
	}

	if err := validateArgs(e.schema, args); err != nil {
		logger.Warn().Err(err).Msg("Skill argument validation failed")
		res := Result{Error: fmt.Sprintf("invalid arguments: %v", err)}
		r.finish(ctx, span, name, e, &res, start)
		return res
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().
					Interface("panic", p).
					Str("stack", string(debug.Stack())).
					Msg("Skill panicked")
				done <- outcome{err: fmt.Errorf("skill %s failed unexpectedly", name)}
			}
		}()
		v, err := e.skill.Execute(timeoutCtx, args)
		done <- outcome{value: v, err: err}
	}()

	var res Result
	select {
	case out := <-done:
		if out.err != nil {
			res = Result{Error: out.err.Error()}
			logger.Warn().Err(out.err).Msg("Skill execution failed")
		} else {
			res = Result{OK: true}
			res.Output, res.Truncated = r.truncateOutput(out.value)
			if res.Truncated {
				logger.Warn().Int("limit", r.maxOutput).Msg("Skill output truncated")
			}
		}
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			res = Result{Error: fmt.Sprintf("skill %s cancelled", name)}
		} else {
			res = Result{Error: fmt.Sprintf("skill %s timed out after %v", name, r.timeout)}
		}
		logger.Warn().Dur("timeout", r.timeout).Msg("Skill execution did not finish")
	}

	r.finish(ctx, span, name, e, &res, start)
	return res
}

func (r *Registry) finish(ctx context.Context, span trace.Span, name string, e *entry, res *Result, start time.Time) {
	d := time.Since(start)
	res.DurationMs = d.Milliseconds()
	span.SetAttributes(attribute.Bool("skill.ok", res.OK), attribute.Bool("skill.truncated", res.Truncated))
	observability.RecordToolExecution(name, d, res.OK)

	if e != nil && e.desc.SideEffects {
		status := "success"
		meta := map[string]interface{}{"duration_ms": res.DurationMs}
		if !res.OK {
			status = "failure"
			meta["error"] = res.Error
		}
		observability.RecordSkillAudit(ctx, name, status, meta)
	}
}

func validateArgs(schema *gojsonschema.Schema, args Args) error {
	result, err := schema.Validate(gojsonschema.NewGoLoader(map[string]interface{}(args)))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// truncateOutput replaces outputs whose JSON encoding exceeds the limit with
// a truncated string rendering
func (r *Registry) truncateOutput(output interface{}) (interface{}, bool) {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output), false
	}
	if len(data) <= r.maxOutput {
		return output, false
	}

	str := string(data)
	if s, ok := output.(string); ok {
		str = s
	}
	if len(str) <= r.maxOutput {
		return output, false
	}
	cut := r.maxOutput
	for cut > 0 && !utf8.RuneStart(str[cut]) {
		cut--
	}
	return str[:cut] + truncationMarker, true
}
