package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Phase returns the state for name, creating a zeroed one if absent.
func (s *PipelineState) Phase(name string) *PhaseState {
	p, ok := s.Phases[name]
	if !ok || p == nil {
		p = NewPhaseState(name)
		s.Phases[name] = p
	}
	return p
}

// EnsurePhases adds zeroed states for names missing from the map.
func (s *PipelineState) EnsurePhases(names []string) {
	for _, n := range names {
		s.Phase(n)
	}
}

// RecordRun updates the phase statistics and appends to phase history,
// pruning the history FIFO to historyCap.
func (s *PipelineState) RecordRun(phase string, out RunOutcome, at time.Time, runCap, historyCap int) {
	s.Phase(phase).Record(out, at, runCap)
	s.PhaseHistory = append(s.PhaseHistory, PhaseHistoryEntry{
		Phase:   phase,
		At:      at,
		Success: out.Success,
		Reason:  out.Reason,
	})
	if historyCap > 0 && len(s.PhaseHistory) > historyCap {
		drop := len(s.PhaseHistory) - historyCap
		s.PhaseHistory = append([]PhaseHistoryEntry(nil), s.PhaseHistory[drop:]...)
	}
	s.CurrentPhase = phase
	s.UpdatedAt = at
}

// SetNextPhase stores a single-use hint for the next selection.
func (s *PipelineState) SetNextPhase(name string) {
	s.NextPhase = name
}

// ConsumeNextPhase returns the hint and clears it.
func (s *PipelineState) ConsumeNextPhase() (string, bool) {
	hint := s.NextPhase
	s.NextPhase = ""
	return hint, hint != ""
}

// Fingerprint digests task ids, statuses and attempts. Two states with equal
// fingerprints have made no task progress between them.
func (s *PipelineState) Fingerprint() string {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		t := s.Tasks[id]
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\n", id, t.Status, t.Attempts, len(t.Errors))
	}
	fmt.Fprintf(h, "objectives:%d", len(s.Objectives))
	for _, o := range s.Objectives {
		fmt.Fprintf(h, "\x00%s=%s", o.ID, o.Status)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clone returns a deep copy via the JSON codec.
func (s *PipelineState) Clone() (*PipelineState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := NewPipelineState()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}
