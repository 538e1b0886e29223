package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"phaseloop/internal/logging"
	"phaseloop/internal/state"
)

// DefaultMaxInterventions is the number of consecutive unresolved checks
// after which mutating tools are blocked.
const DefaultMaxInterventions = 3

// Stage is the level of an intervention.
type Stage string

const (
	StageGuidance  Stage = "guidance"
	StageEscalated Stage = "escalated"
)

// Intervention is the response to one check that found loops.
type Intervention struct {
	// Phase ran the most recent action in the judged window.
	Phase    string    `json:"phase"`
	Stage    Stage     `json:"stage"`
	Findings []Finding `json:"findings"`
	Guidance string    `json:"guidance"`
	// Consecutive counts checks in a row that found an unresolved loop.
	Consecutive int `json:"consecutive"`
	// SuggestPhaseChange asks the coordinator to move off the current phase.
	SuggestPhaseChange bool      `json:"suggest_phase_change"`
	At                 time.Time `json:"at"`
}

// Primary returns the most severe finding.
func (iv *Intervention) Primary() Finding {
	return iv.Findings[0]
}

// Snapshot is the part of an InterventionSystem that survives restarts.
type Snapshot struct {
	Blocked     bool      `json:"blocked"`
	BlockedAt   time.Time `json:"blocked_at,omitempty"`
	Consecutive int       `json:"consecutive"`
	Escalations int       `json:"escalations"`
}

// InterventionSystem runs detection over the tracked window and escalates
// when loops persist. Only loops that include an action recorded since the
// previous check are reported.
type InterventionSystem struct {
	mu               sync.Mutex
	tracker          *ActionTracker
	detector         *PatternDetector
	maxInterventions int
	log              *logging.CategoryLogger
	now              func() time.Time
	statePath        string

	baseline    uint64 // tracker seq already judged
	floor       uint64 // tracker seq at the last acknowledgement
	consecutive int
	escalations int
	blocked     bool
	blockedAt   time.Time
	ackCh       chan struct{}
	history     []Intervention
}

// NewInterventionSystem wires a tracker and detector.
func NewInterventionSystem(tracker *ActionTracker, detector *PatternDetector, maxInterventions int, log *logging.Logger) *InterventionSystem {
	if maxInterventions <= 0 {
		maxInterventions = DefaultMaxInterventions
	}
	if log == nil {
		log = logging.NewNop()
	}
	if detector == nil {
		detector = NewPatternDetector()
	}
	return &InterventionSystem{
		tracker:          tracker,
		detector:         detector,
		maxInterventions: maxInterventions,
		log:              log.Get(logging.CategoryLoop),
		now:              time.Now,
		ackCh:            make(chan struct{}),
	}
}

// Detector returns the pattern detector.
func (s *InterventionSystem) Detector() *PatternDetector { return s.detector }

// Tracker returns the action tracker.
func (s *InterventionSystem) Tracker() *ActionTracker { return s.tracker }

// AttachStateFile restores the blocked state, counters and escalation count
// from path and saves them there on every change. A missing file leaves the
// system as it is.
func (s *InterventionSystem) AttachStateFile(path string) error {
	snap, err := LoadSnapshot(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statePath = path
	s.blocked = snap.Blocked
	s.blockedAt = snap.BlockedAt
	s.consecutive = snap.Consecutive
	s.escalations = snap.Escalations
	if s.blocked {
		s.log.Warn("Restored blocked loop state from %s (blocked since %s); mutating tools need acknowledgement",
			path, s.blockedAt.Format(time.RFC3339))
	}
	return nil
}

// Snapshot returns the persistent part of the state.
func (s *InterventionSystem) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *InterventionSystem) snapshotLocked() Snapshot {
	return Snapshot{
		Blocked:     s.blocked,
		BlockedAt:   s.blockedAt,
		Consecutive: s.consecutive,
		Escalations: s.escalations,
	}
}

func (s *InterventionSystem) persistLocked() {
	if s.statePath == "" {
		return
	}
	if err := SaveSnapshot(s.statePath, s.snapshotLocked()); err != nil {
		s.log.Error("Failed to save loop state: %v", err)
	}
}

// LoadSnapshot reads a snapshot written by SaveSnapshot. A missing file yields
// the zero snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("read loop state: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode loop state %s: %w", path, err)
	}
	return snap, nil
}

// SaveSnapshot writes snap to path atomically.
func SaveSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(path, data, 0o644)
}

// CheckAndIntervene runs detection over the tracked window, reporting only
// loops that include an action recorded since the previous check. It returns
// nil when no such loop was found, which also resets the consecutive counter.
// While blocked it returns nil without running detection.
func (s *InterventionSystem) CheckAndIntervene() *Intervention {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blocked {
		return nil
	}

	window := s.tracker.Since(s.floor)
	if len(window) == 0 || window[len(window)-1].Seq <= s.baseline {
		s.resetLocked()
		return nil
	}
	since := s.baseline
	s.baseline = window[len(window)-1].Seq

	findings := s.detector.DetectSince(window, since, s.escalations > 0)
	if len(findings) == 0 {
		if s.consecutive > 0 {
			s.log.Info("Loop resolved after %d intervention(s)", s.consecutive)
		}
		s.resetLocked()
		return nil
	}

	s.consecutive++
	iv := Intervention{
		Stage:       StageGuidance,
		Findings:    findings,
		Consecutive: s.consecutive,
		At:          s.now(),
	}
	for _, f := range findings {
		if f.Type == FindingStateCycle || f.Type == FindingPatternRepetition || f.Severity >= SeverityHigh {
			iv.SuggestPhaseChange = true
		}
	}

	if s.consecutive >= s.maxInterventions {
		iv.Stage = StageEscalated
		s.blocked = true
		s.blockedAt = iv.At
		s.escalations++
		iv.Guidance = escalationText(findings, s.consecutive)
	} else {
		iv.Guidance = guidanceText(findings)
	}

	iv.Phase = window[len(window)-1].Phase
	primary := iv.Primary()
	s.log.Intervention(iv.Phase, string(iv.Stage), string(primary.Type), primary.Severity.String(), s.consecutive)
	s.history = append(s.history, iv)
	if len(s.history) > 50 {
		s.history = s.history[len(s.history)-50:]
	}
	s.persistLocked()
	return &iv
}

func (s *InterventionSystem) resetLocked() {
	if s.consecutive == 0 {
		return
	}
	s.consecutive = 0
	s.persistLocked()
}

// Blocked reports whether mutating tools are currently rejected.
func (s *InterventionSystem) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

// AllowTool returns ErrToolBlocked for mutating tools while blocked.
func (s *InterventionSystem) AllowTool(name string, mutating bool) error {
	if !mutating {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked {
		return fmt.Errorf("%w: %s", ErrToolBlocked, name)
	}
	return nil
}

// Acknowledge clears the blocked state. Actions recorded so far leave the
// detection window so the loop that caused the block does not re-trigger.
// Reports whether the system was blocked.
func (s *InterventionSystem) Acknowledge(by string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.blocked {
		return false
	}
	s.blocked = false
	s.consecutive = 0
	s.baseline = s.tracker.Seq()
	s.floor = s.baseline
	s.persistLocked()
	close(s.ackCh)
	s.ackCh = make(chan struct{})
	if by == "" {
		by = "unknown"
	}
	s.log.Info("Loop block acknowledged by %s after %s", by, s.now().Sub(s.blockedAt).Round(time.Second))
	return true
}

// WaitForAck blocks until the system is not blocked or ctx ends.
func (s *InterventionSystem) WaitForAck(ctx context.Context) error {
	s.mu.Lock()
	if !s.blocked {
		s.mu.Unlock()
		return nil
	}
	ch := s.ackCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Escalations returns how many times the system entered the blocked state.
func (s *InterventionSystem) Escalations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalations
}

// History returns recent interventions, oldest first.
func (s *InterventionSystem) History() []Intervention {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Intervention(nil), s.history...)
}

func guidanceText(findings []Finding) string {
	var b strings.Builder
	b.WriteString("Loop detected. ")
	for i, f := range findings {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(guidanceFor(f))
	}
	return b.String()
}

func guidanceFor(f Finding) string {
	switch f.Type {
	case FindingActionRepeat:
		return fmt.Sprintf("You repeated the same call %d times (%s). Its result will not change; use what you already have or try a different approach.", f.Count, f.Evidence)
	case FindingModificationRepeat:
		return fmt.Sprintf("%s has been rewritten %d times without a materially different result. Re-read the error, then make one deliberate change or move on.", f.Target, f.Count)
	case FindingAnalysisLoop:
		return fmt.Sprintf("%s has been read %d times with no change in between. Act on what you read or pick another target.", f.Target, f.Count)
	case FindingCircularDependency:
		return fmt.Sprintf("The code you are editing sits in an %s. Break the cycle by moving shared types into a lower-level package.", f.Evidence)
	case FindingStateCycle:
		return fmt.Sprintf("The workflow is cycling: %s. Step back and hand the task to another phase.", f.Evidence)
	case FindingPatternRepetition:
		return fmt.Sprintf("Your recent calls form a repeating %s. Stop alternating and commit to one approach.", f.Evidence)
	}
	return f.Evidence
}

func escalationText(findings []Finding, consecutive int) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("Loop unresolved after %d interventions; mutating tools are blocked until acknowledged (phaseloop ack). Findings: %s",
		consecutive, strings.Join(parts, "; "))
}
