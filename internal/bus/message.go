// Package bus is an in-process typed message bus between phases: per-recipient
// queues with priority, lazy TTL expiry, search over a bounded history and a
// polling request/response helper. An optional SQLite archive keeps every
// message beyond the in-memory caps.
package bus

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Broadcast is the recipient that every reader sees.
const Broadcast = "broadcast"

// MessageType classifies a message.
type MessageType string

const (
	TypeStatusUpdate     MessageType = "status_update"
	TypeTaskAssigned     MessageType = "task_assigned"
	TypeTaskCompleted    MessageType = "task_completed"
	TypeIssueFound       MessageType = "issue_found"
	TypeGuidance         MessageType = "guidance"
	TypeRequest          MessageType = "request"
	TypeResponse         MessageType = "response"
	TypePhaseTransition  MessageType = "phase_transition"
	TypeLoopIntervention MessageType = "loop_intervention"
	TypeBroadcast        MessageType = "broadcast"
)

// Priority orders messages. Higher is more urgent.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// ParsePriority accepts NORMAL, HIGH or CRITICAL in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// ContextRef points a message at the work it concerns.
type ContextRef struct {
	TaskID      string `json:"task_id,omitempty"`
	ObjectiveID string `json:"objective_id,omitempty"`
	File        string `json:"file,omitempty"`
}

// Matches reports whether id equals any of the references.
func (c ContextRef) Matches(id string) bool {
	return id != "" && (c.TaskID == id || c.ObjectiveID == id || c.File == id)
}

// Message is immutable once published.
type Message struct {
	ID            string         `json:"id"`
	Seq           uint64         `json:"seq"`
	Type          MessageType    `json:"type"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Payload       map[string]any `json:"payload,omitempty"`
	Priority      Priority       `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	TTL           time.Duration  `json:"ttl"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Context       ContextRef     `json:"context"`
}

// ExpiresAt returns the instant the message stops being visible.
func (m Message) ExpiresAt() time.Time {
	return m.CreatedAt.Add(m.TTL)
}

// Expired reports whether the message is past its TTL at now.
func (m Message) Expired(now time.Time) bool {
	return m.TTL > 0 && !now.Before(m.ExpiresAt())
}

// Text returns payload["text"] when it is a string.
func (m Message) Text() string {
	if s, ok := m.Payload["text"].(string); ok {
		return s
	}
	return ""
}

// ErrInvalidMessage is returned by Publish for messages missing a type or sender.
var ErrInvalidMessage = errors.New("invalid message")

func newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
