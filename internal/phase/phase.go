// Package phase defines the contract between the coordinator and the units of
// work it schedules, a name→implementation registry, and a generic
// language-model driven phase.
package phase

import (
	"context"

	"phaseloop/internal/state"
	"phaseloop/internal/types"
)

// Phase is one schedulable unit of work.
//
// Execute runs to completion or until ctx ends. It may mutate st only
// through the state manager it was built with; the coordinator is the only
// caller and never runs two phases at once.
type Phase interface {
	Name() string
	DimensionalProfile() types.DimensionalProfile
	Execute(ctx context.Context, st *state.PipelineState, p Params) (*Result, error)
}

// Params carries per-run context from the coordinator.
type Params struct {
	Iteration int
	Reason    string // selection reason code
	Objective *state.Objective
}

// Result is the structured outcome of one phase execution.
type Result struct {
	Success       bool           `json:"success"`
	Phase         string         `json:"phase"`
	Message       string         `json:"message"`
	FilesCreated  []string       `json:"files_created,omitempty"`
	FilesModified []string       `json:"files_modified,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	NextPhase     string         `json:"next_phase,omitempty"` // single-use hint for the next selection
	TasksAdvanced []string       `json:"tasks_advanced,omitempty"`
}

// Artifacts counts the concrete things the run left behind.
func (r *Result) Artifacts() int {
	if r == nil {
		return 0
	}
	return len(r.FilesCreated) + len(r.FilesModified) + len(r.TasksAdvanced)
}

// Failed builds an unsuccessful result.
func Failed(name, msg string, errs ...string) *Result {
	return &Result{Phase: name, Message: msg, Errors: errs}
}
