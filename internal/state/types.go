// Package state owns the persisted PipelineState: tasks, per-phase statistics,
// objectives and the phase history. The Manager is its only writer and saves it
// atomically (write temp file, fsync, rename) so a crash never leaves a torn
// document on disk.
package state

import (
	"time"

	"phaseloop/internal/types"
)

// SchemaVersion is written into every saved document.
const SchemaVersion = 1

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	TaskNew        TaskStatus = "NEW"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskQAPending  TaskStatus = "QA_PENDING"
	TaskNeedsFixes TaskStatus = "NEEDS_FIXES"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// IsTerminal reports whether the status retires the task.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is a unit of work created by planning-like phases and advanced by the others.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Target       string     `json:"target,omitempty"` // file or component the task is about
	Status       TaskStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Errors       []string   `json:"errors,omitempty"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ObjectiveStatus represents whether an objective still drives selection.
type ObjectiveStatus string

const (
	ObjectiveActive    ObjectiveStatus = "active"
	ObjectiveCompleted ObjectiveStatus = "completed"
)

// Objective is a goal with a dimensional profile. The highest-priority active
// objective is the one phases are scored against.
type Objective struct {
	ID       string                   `json:"id"`
	Title    string                   `json:"title"`
	Profile  types.DimensionalProfile `json:"profile"`
	Priority int                      `json:"priority"`
	Status   ObjectiveStatus          `json:"status"`
}

// RunRecord is one entry of a phase's bounded run history.
type RunRecord struct {
	At           time.Time `json:"at"`
	Success      bool      `json:"success"`
	Artifacts    int       `json:"artifacts"`
	StateChanged bool      `json:"state_changed"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Score        float64   `json:"score,omitempty"`
}

// Productive reports whether the run left something concrete behind.
func (r RunRecord) Productive() bool {
	return r.Artifacts > 0 || r.StateChanged
}

// PhaseState accumulates statistics for one phase.
// Invariant: RunCount == SuccessCount + FailureCount.
type PhaseState struct {
	Name         string                   `json:"name"`
	RunCount     int                      `json:"run_count"`
	SuccessCount int                      `json:"success_count"`
	FailureCount int                      `json:"failure_count"`
	SuccessRate  float64                  `json:"success_rate"` // rolling, over RunHistory
	LastRunAt    time.Time                `json:"last_run_at"`
	RunHistory   []RunRecord              `json:"run_history"`
	Profile      types.DimensionalProfile `json:"dimensional_profile"`
}

// PhaseHistoryEntry records one coordinator decision and its outcome.
type PhaseHistoryEntry struct {
	Phase   string    `json:"phase"`
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Reason  string    `json:"reason,omitempty"`
}

// PipelineState is the sole persisted aggregate.
type PipelineState struct {
	Version      int                    `json:"version"`
	Tasks        map[string]*Task       `json:"tasks"`
	Phases       map[string]*PhaseState `json:"phases"`
	PhaseHistory []PhaseHistoryEntry    `json:"phase_history"`
	CurrentPhase string                 `json:"current_phase"`
	Objectives   []*Objective           `json:"objectives"`
	NextPhase    string                 `json:"next_phase,omitempty"` // single-use hint
	Iteration    int                    `json:"iteration"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// RunOutcome is what the coordinator reports for one phase execution.
type RunOutcome struct {
	Success      bool
	Artifacts    int
	StateChanged bool
	Duration     time.Duration
	Error        string
	Reason       string
	Score        float64
}

// NewPipelineState returns an empty state.
func NewPipelineState() *PipelineState {
	return &PipelineState{
		Version: SchemaVersion,
		Tasks:   make(map[string]*Task),
		Phases:  make(map[string]*PhaseState),
	}
}

// NewPhaseState returns a zeroed phase state with a neutral profile.
func NewPhaseState(name string) *PhaseState {
	return &PhaseState{
		Name:    name,
		Profile: types.NeutralProfile(),
	}
}
