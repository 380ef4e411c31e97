package skills

import (
	"context"
	"errors"
	"math"
)

// ErrUnknownSkill is returned for names missing from the registry
var ErrUnknownSkill = errors.New("unknown skill")

// Args are the decoded JSON arguments of one invocation
type Args map[string]interface{}

// String returns the string argument key, or "" when absent or not a string
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Int returns the integer argument key, or def when absent
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case float64:
		return int(math.Trunc(v))
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

// Object returns the object argument key
func (a Args) Object(key string) map[string]interface{} {
	m, _ := a[key].(map[string]interface{})
	return m
}

// Strings returns the string-array argument key
func (a Args) Strings(key string) []string {
	raw, _ := a[key].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Parameter declares one accepted argument
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     interface{}
	Enum        []string
	// Items is the element type of array parameters
	Items string
}

// Descriptor describes a skill to callers and to the model
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	// SideEffects marks skills whose invocations are written to the audit trail
	SideEffects bool `json:"sideEffects"`
}

// Skill is one registered capability
type Skill interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, args Args) (interface{}, error)
}

// ObjectSchema builds the JSON schema of an argument object
func ObjectSchema(params ...Parameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	required := []string{}

	for _, p := range params {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			enum := make([]interface{}, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if p.Type == "array" && p.Items != "" {
			prop["items"] = map[string]interface{}{"type": p.Items}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
