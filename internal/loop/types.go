// Package loop detects repetitive, non-progressing tool use and intervenes.
//
// The ActionTracker keeps a bounded in-memory window of tool invocations. The
// PatternDetector scans that window for six loop classes and the
// InterventionSystem turns findings into staged responses: guidance first,
// then a blocked state that rejects mutating tools until someone acknowledges
// it. The on-disk AuditLog is write-only and never read by the detector.
package loop

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrToolBlocked is returned by AllowTool for mutating tools while blocked.
	ErrToolBlocked = errors.New("mutating tools blocked pending loop acknowledgement")

	// ErrLoopDetected is a control signal, not a fault. Phases may wrap it to
	// report that they stopped because of an intervention.
	ErrLoopDetected = errors.New("loop detected")
)

// ActionRecord is one tool invocation. Immutable once recorded.
type ActionRecord struct {
	Seq         uint64    `json:"seq"`
	At          time.Time `json:"at"`
	Phase       string    `json:"phase"`
	Agent       string    `json:"agent,omitempty"`
	Tool        string    `json:"tool"`
	Signature   string    `json:"signature"`
	Target      string    `json:"target,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"` // hash of the written content for mutations
	Mutating    bool      `json:"mutating"`
	Success     bool      `json:"success"`
	Result      string    `json:"result,omitempty"`
}

// FindingType names a loop class.
type FindingType string

const (
	FindingActionRepeat       FindingType = "action_repeat"
	FindingModificationRepeat FindingType = "modification_repeat"
	FindingAnalysisLoop       FindingType = "analysis_loop"
	FindingCircularDependency FindingType = "circular_dependency"
	FindingStateCycle         FindingType = "state_cycle"
	FindingPatternRepetition  FindingType = "pattern_repetition"
)

// Severity grades a finding by how many times the pattern repeated.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// SeverityFor maps a repeat count to a severity: low (up to 4), medium (5-6),
// high (7-9), critical (10 or more, or any count once an escalation happened).
func SeverityFor(count int, escalatedBefore bool) Severity {
	switch {
	case escalatedBefore || count >= 10:
		return SeverityCritical
	case count >= 7:
		return SeverityHigh
	case count >= 5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Finding is one detected loop.
type Finding struct {
	Type     FindingType `json:"type"`
	Severity Severity    `json:"severity"`
	Count    int         `json:"count"`
	Target   string      `json:"target,omitempty"`
	Evidence string      `json:"evidence"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s[%s x%d] %s", f.Type, f.Severity, f.Count, f.Evidence)
}
