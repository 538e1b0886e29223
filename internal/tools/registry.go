package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"phaseloop/internal/llm"
	"phaseloop/internal/logging"
	"phaseloop/internal/loop"
)

// Gate decides whether a tool may run. The loop InterventionSystem is the
// production gate.
type Gate interface {
	AllowTool(name string, mutating bool) error
}

// Recorder receives every invocation. The loop ActionTracker is the
// production recorder.
type Recorder interface {
	Record(rec loop.ActionRecord) loop.ActionRecord
}

const maxRecordedResult = 200

// Registry holds all available tools and executes calls through the gate.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	gate     Gate
	recorder Recorder
	log      *logging.CategoryLogger
}

// NewRegistry creates a new empty tool registry.
func NewRegistry(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		tools: make(map[string]*Tool),
		log:   log.Get(logging.CategoryTools),
	}
}

// SetGate installs the loop gate.
func (r *Registry) SetGate(g Gate) {
	r.mu.Lock()
	r.gate = g
	r.mu.Unlock()
}

// SetRecorder installs the action recorder.
func (r *Registry) SetRecorder(rec Recorder) {
	r.mu.Lock()
	r.recorder = rec
	r.mu.Unlock()
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool

	r.log.Debug("Registered tool: %s (mutating=%v)", tool.Name, tool.Mutating)
	return nil
}

// MustRegister registers a tool and panics on error.
// Use this for static tool registration at init time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// SetMutating overrides whether a registered tool counts as mutating for
// the loop gate. It reports false for unknown tools.
func (r *Registry) SetMutating(name string, mutating bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	cp := *t
	cp.Mutating = mutating
	r.tools[name] = &cp
	return true
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns model-facing declarations for the named tools, or for
// every tool when names is empty. Unknown names are skipped.
func (r *Registry) Definitions(names ...string) []llm.ToolDefinition {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema.JSONSchema(),
		})
	}
	return defs
}

// Execute runs call through the gate and records it. The returned Result is
// never nil; when the call fails, the error is also returned and is always a
// *Error carrying its Kind.
func (r *Registry) Execute(ctx context.Context, call Call) (*Result, error) {
	start := time.Now()
	r.mu.RLock()
	tool := r.tools[call.Name]
	gate := r.gate
	recorder := r.recorder
	r.mu.RUnlock()

	res := &Result{ToolName: call.Name, CallID: call.ID, Target: loop.TargetOf(call.Args)}
	if tool != nil {
		res.Mutating = tool.Mutating
	}

	var output string
	err := r.precheck(tool, call, gate)
	if err == nil {
		r.log.Debug("Executing tool: %s", call.Name)
		output, err = tool.Execute(ctx, call.Args)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
	}

	res.Output = output
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = wrap(call.Name, err)
	}
	r.log.Debug("Tool %s completed in %v (success=%v)", call.Name, res.Duration, err == nil)

	if recorder != nil {
		recorder.Record(r.actionFor(tool, call, res))
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (r *Registry) precheck(tool *Tool, call Call, gate Gate) error {
	if tool == nil {
		return Structural(fmt.Errorf("%w: %s", ErrToolNotFound, call.Name))
	}
	if err := validateArgs(tool, call.Args); err != nil {
		return Structural(err)
	}
	if gate != nil {
		if err := gate.AllowTool(tool.Name, tool.Mutating); err != nil {
			r.log.Warn("Tool %s rejected by loop gate: %v", tool.Name, err)
			return &Error{Kind: KindBlocked, Tool: tool.Name, Err: err}
		}
	}
	return nil
}

func (r *Registry) actionFor(tool *Tool, call Call, res *Result) loop.ActionRecord {
	rec := loop.ActionRecord{
		Phase:     call.Phase,
		Agent:     call.Agent,
		Tool:      call.Name,
		Signature: loop.Signature(call.Name, call.Args),
		Target:    res.Target,
		Mutating:  res.Mutating,
		Success:   res.Err == nil,
	}
	if tool != nil && tool.Mutating {
		rec.ContentHash = contentHash(StringArg(call.Args, tool.ContentArg))
	}
	summary := res.Output
	if res.Err != nil {
		summary = res.Err.Error()
	}
	if len(summary) > maxRecordedResult {
		summary = summary[:maxRecordedResult]
	}
	rec.Result = summary
	return rec
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// validateArgs checks that all required arguments are present and non-nil.
func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if v, ok := args[required]; !ok || v == nil {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	for name, prop := range tool.Schema.Properties {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(prop.Type, v) {
			return fmt.Errorf("%w: %s should be %s, got %T", ErrInvalidArgType, name, prop.Type, v)
		}
	}
	return nil
}

func typeMatches(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer", "number":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return true
}
