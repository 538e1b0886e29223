// Package llm defines the language-model client contract used by phases and
// its Gemini implementation. Every failure surfaces as a typed *Error; a
// timed-out call is KindTimeout, never a hang.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant turns that requested tools
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool turns answering a call
	Name       string     `json:"name,omitempty"`         // tool name for tool turns
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for parameters
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage captures token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the model's reply.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Client is the model service contract. Implementations must honor timeout
// (zero means the caller's context alone bounds the call).
type Client interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, timeout time.Duration) (*Response, error)
}

// ErrorKind classifies model service failures.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindServer    ErrorKind = "server"
	KindRateLimit ErrorKind = "rate_limit"
	KindAuth      ErrorKind = "auth"
	KindMalformed ErrorKind = "malformed"
	KindRequest   ErrorKind = "request"
)

// ErrTimeout matches any *Error of KindTimeout via errors.Is.
var ErrTimeout = errors.New("llm call timed out")

// Error is every failure returned by a Client.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("llm %s error", e.Kind)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) match timeouts.
func (e *Error) Is(target error) bool {
	return target == ErrTimeout && e.Kind == KindTimeout
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindServer, KindRateLimit:
		return true
	}
	return false
}

// KindOf returns the kind of an llm error, or "" for other errors.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// timeoutClient enforces a default deadline around another client.
type timeoutClient struct {
	inner   Client
	timeout time.Duration
}

// WithTimeout wraps c so every call is bounded by the per-call timeout, or by
// d when the caller passes zero. Deadline and cancellation errors become
// *Error values of KindTimeout; other untyped errors become KindRequest.
func WithTimeout(c Client, d time.Duration) Client {
	return &timeoutClient{inner: c, timeout: d}
}

func (t *timeoutClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.inner.Chat(ctx, messages, tools, timeout)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, classify(ctx, r.err, timeout)
	case <-ctx.Done():
		return nil, classify(ctx, ctx.Err(), timeout)
	}
}

func classify(ctx context.Context, err error, timeout time.Duration) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("no response within %v: %w", timeout, err)}
	}
	return &Error{Kind: KindRequest, Err: err}
}
