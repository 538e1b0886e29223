package state

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound is returned when a task id is not in the state.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists is returned when adding a task whose id is taken.
	ErrTaskExists = errors.New("task already exists")

	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// TransitionError reports a task status change outside the allowed table.
type TransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: transition %s -> %s not allowed", e.TaskID, e.From, e.To)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
