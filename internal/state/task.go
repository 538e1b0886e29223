package state

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// allowedTransitions is the task state machine. Terminal statuses have no exits.
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskNew:        {TaskInProgress},
	TaskInProgress: {TaskCompleted, TaskQAPending, TaskNeedsFixes, TaskFailed, TaskSkipped},
	TaskQAPending:  {TaskInProgress, TaskCompleted, TaskNeedsFixes, TaskFailed},
	TaskNeedsFixes: {TaskInProgress, TaskFailed},
}

// CanTransition reports whether from -> to is in the allowed table.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseTaskStatus accepts the canonical names case-insensitively.
func ParseTaskStatus(s string) (TaskStatus, error) {
	status := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case TaskNew, TaskInProgress, TaskCompleted, TaskQAPending, TaskNeedsFixes, TaskFailed, TaskSkipped:
		return status, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// AddTask inserts a new task in NEW status. An empty ID gets a generated one.
func (s *PipelineState) AddTask(t Task, now time.Time) (*Task, error) {
	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()[:8]
	}
	if _, exists := s.Tasks[t.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	t.Status = TaskNew
	t.Attempts = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	task := t
	s.Tasks[t.ID] = &task
	return &task, nil
}

// Task returns a task by id.
func (s *PipelineState) Task(id string) (*Task, error) {
	t, ok := s.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// TransitionTask moves a task to a new status. Transitions outside the table
// return a *TransitionError. Entering IN_PROGRESS counts an attempt; a note on
// a failure-like status is appended to the task's errors.
func (s *PipelineState) TransitionTask(id string, to TaskStatus, note string, now time.Time) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if !CanTransition(t.Status, to) {
		return &TransitionError{TaskID: id, From: t.Status, To: to}
	}
	if to == TaskInProgress {
		t.Attempts++
	}
	if note != "" && (to == TaskNeedsFixes || to == TaskFailed) {
		t.Errors = append(t.Errors, note)
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// ReadyTasks returns non-terminal tasks whose dependencies are all completed,
// highest priority first, then oldest first.
func (s *PipelineState) ReadyTasks() []*Task {
	var ready []*Task
	for _, t := range s.Tasks {
		if t.Status.IsTerminal() {
			continue
		}
		blocked := false
		for _, dep := range t.Dependencies {
			d, ok := s.Tasks[dep]
			if !ok || d.Status != TaskCompleted {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// TaskCounts tallies tasks by status.
func (s *PipelineState) TaskCounts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}

// AddObjective appends an objective. An empty ID gets a generated one.
func (s *PipelineState) AddObjective(o Objective) *Objective {
	if o.ID == "" {
		o.ID = "obj-" + uuid.NewString()[:8]
	}
	if o.Status == "" {
		o.Status = ObjectiveActive
	}
	o.Profile = o.Profile.Clamp()
	obj := o
	s.Objectives = append(s.Objectives, &obj)
	return &obj
}

// CurrentObjective returns the highest-priority active objective, or nil.
func (s *PipelineState) CurrentObjective() *Objective {
	var best *Objective
	for _, o := range s.Objectives {
		if o.Status != ObjectiveActive {
			continue
		}
		if best == nil || o.Priority > best.Priority || (o.Priority == best.Priority && o.ID < best.ID) {
			best = o
		}
	}
	return best
}

// CompleteObjective marks an objective completed.
func (s *PipelineState) CompleteObjective(id string) bool {
	for _, o := range s.Objectives {
		if o.ID == id {
			o.Status = ObjectiveCompleted
			return true
		}
	}
	return false
}
