// Package tools provides the tool registry phases call through.
//
// Every invocation passes the loop gate, runs with argument validation and
// error classification, and is recorded as an action for loop detection:
//
//	Phase → Registry.Execute → Gate.AllowTool → Tool.Execute → Recorder.Record
package tools

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array")
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// ToolSchema defines the JSON schema for tool arguments.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// JSONSchema renders the schema as a JSON Schema object.
func (s ToolSchema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type, "description": p.Description}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Items != nil {
			prop["items"] = map[string]any{"type": p.Items.Type}
		}
		props[name] = prop
	}
	required := s.Required
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// ExecuteFunc is the signature for tool execution.
// Returns the result string and any error.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool defines a tool any phase can use.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does to the model.
	Description string

	// Mutating tools change the workspace. They are rejected while the
	// loop gate is blocked and count toward modification loops.
	Mutating bool

	// ContentArg names the argument whose value is hashed for mutations.
	ContentArg string

	// Execute runs the tool with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema ToolSchema
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// Call is one requested invocation.
type Call struct {
	ID    string
	Name  string
	Args  map[string]any
	Phase string
	Agent string
}

// Result wraps the outcome of a call with metadata.
type Result struct {
	// ToolName identifies which tool was executed.
	ToolName string

	// CallID echoes Call.ID.
	CallID string

	// Output is the string output from the tool.
	Output string

	// Err is set if the call failed; it is always a *Error.
	Err error

	// Mutating copies the tool's flag.
	Mutating bool

	// Target is the primary path or query the call acted on.
	Target string

	Duration time.Duration
}

// IsSuccess returns true if the tool executed without error.
func (r *Result) IsSuccess() bool {
	return r.Err == nil
}

// Kind returns the failure classification, or "" on success.
func (r *Result) Kind() Kind {
	return KindOf(r.Err)
}

// StringArg returns args[key] as a string.
func StringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// IntArg returns args[key] as an int. JSON numbers arrive as float64.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// BoolArg returns args[key] as a bool.
func BoolArg(args map[string]any, key string, def bool) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
