package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ScriptedClient replays queued responses in order. It is used by tests and
// by offline dry runs. When the script is exhausted it returns Fallback, or
// a plain "done" reply when Fallback is nil.
type ScriptedClient struct {
	mu       sync.Mutex
	steps    []scriptStep
	calls    [][]Message
	Fallback *Response
}

type scriptStep struct {
	resp  *Response
	err   error
	delay time.Duration
}

// NewScriptedClient creates an empty script.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{}
}

// Reply queues a text response.
func (s *ScriptedClient) Reply(text string) *ScriptedClient {
	return s.push(scriptStep{resp: &Response{Content: text, StopReason: "end_turn"}})
}

// CallTool queues a response requesting one tool call.
func (s *ScriptedClient) CallTool(name string, input map[string]any) *ScriptedClient {
	s.mu.Lock()
	id := "call_" + string(rune('a'+len(s.steps)%26))
	s.mu.Unlock()
	return s.push(scriptStep{resp: &Response{
		ToolCalls:  []ToolCall{{ID: id, Name: name, Input: input}},
		StopReason: "tool_use",
	}})
}

// Fail queues an error.
func (s *ScriptedClient) Fail(err error) *ScriptedClient {
	return s.push(scriptStep{err: err})
}

// Stall queues a step that blocks for d or until the context ends.
func (s *ScriptedClient) Stall(d time.Duration) *ScriptedClient {
	return s.push(scriptStep{delay: d, resp: &Response{Content: "late"}})
}

func (s *ScriptedClient) push(step scriptStep) *ScriptedClient {
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
	return s
}

// Calls returns the conversations received so far.
func (s *ScriptedClient) Calls() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Message(nil), s.calls...)
}

// Remaining reports how many queued steps have not been consumed.
func (s *ScriptedClient) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Chat implements Client.
func (s *ScriptedClient) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, timeout time.Duration) (*Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, append([]Message(nil), messages...))
	var step scriptStep
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	} else if s.Fallback != nil {
		fb := *s.Fallback
		step = scriptStep{resp: &fb}
	} else {
		step = scriptStep{resp: &Response{Content: "done", StopReason: "end_turn"}}
	}
	s.mu.Unlock()

	if step.delay > 0 {
		timer := time.NewTimer(step.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &Error{Kind: KindTimeout, Provider: "scripted", Err: ctx.Err()}
			}
			return nil, &Error{Kind: KindRequest, Provider: "scripted", Err: ctx.Err()}
		case <-timer.C:
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}
