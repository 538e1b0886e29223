package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"phaseloop/internal/bus"
	"phaseloop/internal/llm"
	"phaseloop/internal/logging"
	"phaseloop/internal/loop"
	"phaseloop/internal/state"
	"phaseloop/internal/tools"
	"phaseloop/internal/types"
)

// DefaultMaxTurns bounds the tool-calling loop of an LLMPhase.
const DefaultMaxTurns = 12

// Control tools are handled by the phase itself rather than the registry.
const (
	toolAddTask           = "add_task"
	toolAdvanceTask       = "advance_task"
	toolNextPhase         = "next_phase"
	toolCompleteObjective = "complete_objective"
	toolFinish            = "finish"
)

// TaskStore is the slice of the state manager a phase may write through.
type TaskStore interface {
	AddTask(t state.Task) (*state.Task, error)
	Transition(id string, to state.TaskStatus, note string) error
	CompleteObjective(id string) bool
}

// PathResolver maps a tool target to an absolute path for artifact
// bookkeeping. *core.Workspace satisfies it.
type PathResolver interface {
	Resolve(p string) (string, error)
	Rel(abs string) string
}

// Deps are the collaborators shared by every LLMPhase.
type Deps struct {
	Client llm.Client
	Tools  *tools.Registry
	Tasks  TaskStore
	Bus    *bus.MessageBus
	Pool   *ConsultationPool
	Files  PathResolver
	Log    *logging.Logger
}

// LLMConfig describes one LLM-driven phase.
type LLMConfig struct {
	Name         string
	Profile      types.DimensionalProfile
	SystemPrompt string
	// Tools lists registry tools the phase may call; empty means all.
	Tools []string
	// CanPlan enables add_task.
	CanPlan     bool
	MaxTurns    int
	LLMTimeout  time.Duration
	Specialists []Specialist
}

// LLMPhase drives a bounded tool-calling conversation with the model.
type LLMPhase struct {
	cfg  LLMConfig
	deps Deps
	log  *logging.CategoryLogger
}

// NewLLMPhase creates a phase from cfg.
func NewLLMPhase(cfg LLMConfig, deps Deps) *LLMPhase {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	log := deps.Log
	if log == nil {
		log = logging.NewNop()
	}
	return &LLMPhase{cfg: cfg, deps: deps, log: log.Get(logging.CategoryPhase)}
}

// Name implements Phase.
func (p *LLMPhase) Name() string { return p.cfg.Name }

// DimensionalProfile implements Phase.
func (p *LLMPhase) DimensionalProfile() types.DimensionalProfile { return p.cfg.Profile }

// run accumulates the outcome of one execution.
type run struct {
	res      *Result
	finished bool
	success  bool
	blocked  bool
	created  map[string]bool
	modified map[string]bool
}

// Execute implements Phase.
func (p *LLMPhase) Execute(ctx context.Context, st *state.PipelineState, params Params) (*Result, error) {
	if p.deps.Client == nil {
		return nil, errors.New("llm phase requires a client")
	}
	r := &run{
		res:      &Result{Phase: p.cfg.Name, Data: map[string]any{}},
		success:  true,
		created:  map[string]bool{},
		modified: map[string]bool{},
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: p.systemPrompt()},
		{Role: llm.RoleUser, Content: p.buildContext(ctx, st, params)},
	}
	defs := p.toolDefinitions()

	turns := 0
	for ; turns < p.cfg.MaxTurns && !r.finished; turns++ {
		resp, err := p.deps.Client.Chat(ctx, msgs, defs, p.cfg.LLMTimeout)
		if err != nil {
			p.log.Warn("%s: model call failed (%s): %v", p.cfg.Name, llm.KindOf(err), err)
			r.res.Errors = append(r.res.Errors, err.Error())
			r.res.Data["llm_error_kind"] = string(llm.KindOf(err))
			r.success = false
			break
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		if resp.Content != "" {
			r.res.Message = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			r.finished = true
			break
		}
		for _, call := range resp.ToolCalls {
			out := p.handleCall(ctx, st, call, r)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: out})
		}
		if r.blocked {
			break
		}
	}
	r.res.Data["turns"] = turns

	if !r.finished && !r.blocked && r.success && turns >= p.cfg.MaxTurns {
		r.res.Errors = append(r.res.Errors, fmt.Sprintf("turn limit %d reached", p.cfg.MaxTurns))
		r.success = false
	}
	r.res.FilesCreated = sortedKeys(r.created)
	r.res.FilesModified = sortedKeys(r.modified)
	r.res.Success = r.success && !r.blocked
	if r.res.Message == "" {
		r.res.Message = fmt.Sprintf("%s finished after %d turn(s)", p.cfg.Name, turns)
	}

	p.publishOutcome(r.res)
	if err := ctx.Err(); err != nil {
		return r.res, fmt.Errorf("%s interrupted: %w", p.cfg.Name, err)
	}
	return r.res, nil
}

func (p *LLMPhase) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(p.cfg.SystemPrompt)
	sb.WriteString("\n\nUse the tools to make progress. Record task progress with advance_task")
	if p.cfg.CanPlan {
		sb.WriteString(", create tasks with add_task")
	}
	sb.WriteString(". Call finish when done for this phase, or next_phase to hand over to a specific phase.")
	return sb.String()
}

// buildContext renders the objective, ready tasks, bus guidance and any
// specialist advice into the opening user message.
func (p *LLMPhase) buildContext(ctx context.Context, st *state.PipelineState, params Params) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Iteration %d: %s phase (selected by %s)\n\n", params.Iteration, p.cfg.Name, params.Reason)

	obj := params.Objective
	if obj == nil {
		obj = st.CurrentObjective()
	}
	if obj != nil {
		fmt.Fprintf(&sb, "## Objective %s\n%s\nProfile: %s\n\n", obj.ID, obj.Title, obj.Profile)
	}

	ready := st.ReadyTasks()
	counts := st.TaskCounts()
	fmt.Fprintf(&sb, "## Tasks (%d total, %d ready)\n", len(st.Tasks), len(ready))
	for _, status := range []state.TaskStatus{
		state.TaskNew, state.TaskInProgress, state.TaskQAPending, state.TaskNeedsFixes,
		state.TaskCompleted, state.TaskFailed, state.TaskSkipped,
	} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(&sb, "- %s: %d\n", status, n)
		}
	}
	for i, t := range ready {
		if i == 10 {
			fmt.Fprintf(&sb, "... and %d more\n", len(ready)-10)
			break
		}
		fmt.Fprintf(&sb, "* [%s] %s (%s, attempts %d)", t.ID, t.Description, t.Status, t.Attempts)
		if t.Target != "" {
			fmt.Fprintf(&sb, " target=%s", t.Target)
		}
		if n := len(t.Errors); n > 0 {
			fmt.Fprintf(&sb, " last error: %s", t.Errors[n-1])
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if p.deps.Bus != nil {
		msgs := p.deps.Bus.GetMessages(p.cfg.Name, bus.MessageQuery{
			Types: []bus.MessageType{bus.TypeGuidance, bus.TypeLoopIntervention, bus.TypeIssueFound, bus.TypeTaskAssigned},
			Limit: 5,
		})
		if len(msgs) > 0 {
			sb.WriteString("## Guidance\n")
			for _, m := range msgs {
				fmt.Fprintf(&sb, "- [%s from %s] %s\n", m.Priority, m.Sender, m.Text())
			}
			sb.WriteString("\n")
		}
	}

	if p.deps.Pool != nil && len(p.cfg.Specialists) > 0 && obj != nil {
		question := fmt.Sprintf("How should the %s phase advance objective %q?", p.cfg.Name, obj.Title)
		cs, err := p.deps.Pool.Consult(ctx, question, sb.String(), p.cfg.Specialists)
		if err == nil {
			sb.WriteString(FormatConsultations(cs))
		}
	}
	return sb.String()
}

func (p *LLMPhase) toolDefinitions() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	if p.deps.Tools != nil {
		defs = p.deps.Tools.Definitions(p.cfg.Tools...)
	}
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	obj := func(props map[string]any, required ...string) map[string]any {
		return map[string]any{"type": "object", "properties": props, "required": required}
	}
	defs = append(defs,
		llm.ToolDefinition{
			Name:        toolAdvanceTask,
			Description: "Move a task to a new status (IN_PROGRESS, QA_PENDING, COMPLETED, NEEDS_FIXES, FAILED, SKIPPED)",
			InputSchema: obj(map[string]any{"task_id": str("Task id"), "status": str("New status"), "note": str("Why")}, "task_id", "status"),
		},
		llm.ToolDefinition{
			Name:        toolNextPhase,
			Description: "Request a specific phase for the next iteration",
			InputSchema: obj(map[string]any{"phase": str("Phase name")}, "phase"),
		},
		llm.ToolDefinition{
			Name:        toolCompleteObjective,
			Description: "Mark the current objective as achieved",
			InputSchema: obj(map[string]any{"objective_id": str("Objective id")}, "objective_id"),
		},
		llm.ToolDefinition{
			Name:        toolFinish,
			Description: "End this phase with a summary",
			InputSchema: obj(map[string]any{
				"summary": str("What was done"),
				"success": map[string]any{"type": "boolean", "description": "Whether the phase achieved its goal"},
			}, "summary"),
		},
	)
	if p.cfg.CanPlan {
		defs = append(defs, llm.ToolDefinition{
			Name:        toolAddTask,
			Description: "Create a new task",
			InputSchema: obj(map[string]any{
				"description":  str("What to do"),
				"target":       str("File or component"),
				"priority":     map[string]any{"type": "integer", "description": "Higher runs first"},
				"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Task ids that must complete first"},
			}, "description"),
		})
	}
	return defs
}

// handleCall executes one tool call and returns the text fed back to the model.
func (p *LLMPhase) handleCall(ctx context.Context, st *state.PipelineState, call llm.ToolCall, r *run) string {
	args := call.Input
	switch call.Name {
	case toolAdvanceTask:
		return p.advanceTask(args, r)
	case toolAddTask:
		if !p.cfg.CanPlan {
			break
		}
		return p.addTask(args, r)
	case toolNextPhase:
		r.res.NextPhase = tools.StringArg(args, "phase")
		return "next phase requested: " + r.res.NextPhase
	case toolCompleteObjective:
		id := tools.StringArg(args, "objective_id")
		if p.deps.Tasks == nil || !p.deps.Tasks.CompleteObjective(id) {
			return "error: unknown objective " + id
		}
		r.res.Data["objective_completed"] = id
		return "objective completed"
	case toolFinish:
		r.finished = true
		r.success = tools.BoolArg(args, "success", true)
		if s := tools.StringArg(args, "summary"); s != "" {
			r.res.Message = s
		}
		return "ok"
	}

	if p.deps.Tools == nil {
		r.res.Errors = append(r.res.Errors, "no tool registry")
		return "error: tools unavailable"
	}
	if len(p.cfg.Tools) > 0 && !slices.Contains(p.cfg.Tools, call.Name) {
		r.res.Errors = append(r.res.Errors, fmt.Sprintf("tool %s not allowed in %s", call.Name, p.cfg.Name))
		return fmt.Sprintf("error: tool %s is not available in the %s phase", call.Name, p.cfg.Name)
	}

	path := tools.StringArg(args, "path")
	existed := p.exists(path)
	res, err := p.deps.Tools.Execute(ctx, tools.Call{
		ID:    call.ID,
		Name:  call.Name,
		Args:  args,
		Phase: p.cfg.Name,
		Agent: p.cfg.Name,
	})
	if err != nil {
		r.res.Errors = append(r.res.Errors, err.Error())
		if errors.Is(err, loop.ErrToolBlocked) {
			r.blocked = true
			r.res.Data["blocked"] = true
			r.res.Errors = append(r.res.Errors, loop.ErrLoopDetected.Error())
			return "BLOCKED: " + err.Error()
		}
		return fmt.Sprintf("error (%s): %v", tools.KindOf(err), err)
	}
	if res.Mutating && path != "" {
		p.noteArtifact(call.Name, path, existed, r)
	}
	return res.Output
}

func (p *LLMPhase) advanceTask(args map[string]any, r *run) string {
	if p.deps.Tasks == nil {
		return "error: task store unavailable"
	}
	id := tools.StringArg(args, "task_id")
	to, err := state.ParseTaskStatus(tools.StringArg(args, "status"))
	if err != nil {
		return "error: " + err.Error()
	}
	if err := p.deps.Tasks.Transition(id, to, tools.StringArg(args, "note")); err != nil {
		r.res.Errors = append(r.res.Errors, err.Error())
		return "error: " + err.Error()
	}
	if !slices.Contains(r.res.TasksAdvanced, id) {
		r.res.TasksAdvanced = append(r.res.TasksAdvanced, id)
	}
	if to == state.TaskCompleted && p.deps.Bus != nil {
		_, _ = p.deps.Bus.Publish(bus.Message{
			Type:    bus.TypeTaskCompleted,
			Sender:  p.cfg.Name,
			Payload: map[string]any{"text": fmt.Sprintf("task %s completed", id), "task_id": id},
			Context: bus.ContextRef{TaskID: id},
		})
	}
	return fmt.Sprintf("task %s is now %s", id, to)
}

func (p *LLMPhase) addTask(args map[string]any, r *run) string {
	if p.deps.Tasks == nil {
		return "error: task store unavailable"
	}
	t := state.Task{
		Description: tools.StringArg(args, "description"),
		Target:      tools.StringArg(args, "target"),
		Priority:    tools.IntArg(args, "priority", 0),
	}
	if deps, ok := args["dependencies"].([]any); ok {
		for _, d := range deps {
			t.Dependencies = append(t.Dependencies, fmt.Sprint(d))
		}
	}
	task, err := p.deps.Tasks.AddTask(t)
	if err != nil {
		r.res.Errors = append(r.res.Errors, err.Error())
		return "error: " + err.Error()
	}
	r.res.TasksAdvanced = append(r.res.TasksAdvanced, task.ID)
	return "created task " + task.ID
}

func (p *LLMPhase) exists(path string) bool {
	if path == "" || p.deps.Files == nil {
		return false
	}
	abs, err := p.deps.Files.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

func (p *LLMPhase) noteArtifact(tool, path string, existed bool, r *run) {
	key := path
	if p.deps.Files != nil {
		if abs, err := p.deps.Files.Resolve(path); err == nil {
			key = p.deps.Files.Rel(abs)
		}
	}
	if !existed && tool != "delete_file" {
		r.created[key] = true
		return
	}
	if !r.created[key] {
		r.modified[key] = true
	}
}

func (p *LLMPhase) publishOutcome(res *Result) {
	if p.deps.Bus == nil {
		return
	}
	prio := bus.PriorityNormal
	if !res.Success {
		prio = bus.PriorityHigh
	}
	_, err := p.deps.Bus.Publish(bus.Message{
		Type:     bus.TypeStatusUpdate,
		Sender:   p.cfg.Name,
		Priority: prio,
		Payload: map[string]any{
			"text":      res.Message,
			"success":   res.Success,
			"artifacts": res.Artifacts(),
		},
	})
	if err != nil {
		p.log.Warn("Status publish failed: %v", err)
	}
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
