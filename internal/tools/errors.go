package tools

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")

	// ErrInvalidArgType is returned when an argument has the wrong type.
	ErrInvalidArgType = errors.New("invalid argument type")

	// ErrPathEscape is returned for paths that resolve outside the workspace.
	ErrPathEscape = errors.New("path escapes workspace")
)

// Kind classifies a tool failure for the caller's retry policy.
type Kind string

const (
	// KindTransient failures may succeed if retried (timeouts, I/O races).
	KindTransient Kind = "transient"
	// KindStructural failures will fail again with the same input.
	KindStructural Kind = "structural"
	// KindBlocked means the loop gate rejected the call.
	KindBlocked Kind = "blocked"
)

// Error is a classified tool failure.
type Error struct {
	Kind Kind
	Tool string
	Err  error
}

func (e *Error) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("%s tool error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s tool error: %v", e.Tool, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the call may succeed unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// Structural marks err as a structural failure.
func Structural(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStructural, Err: err}
}

// Transient marks err as a transient failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// KindOf returns the classification of err. Errors that were not marked by
// the tool are classified by cause.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}
	for _, errno := range []syscall.Errno{syscall.EAGAIN, syscall.EBUSY, syscall.EINTR, syscall.ETXTBSY} {
		if errors.Is(err, errno) {
			return KindTransient
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindStructural
}

// wrap attaches tool and kind to err, keeping an existing classification.
func wrap(tool string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		out := *te
		if out.Tool == "" {
			out.Tool = tool
		}
		return &out
	}
	return &Error{Kind: classify(err), Tool: tool, Err: err}
}
