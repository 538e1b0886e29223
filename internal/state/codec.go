package state

import (
	"encoding/json"
	"fmt"
)

// pipelineDoc mirrors PipelineState with phases left undecoded so one bad
// entry cannot fail the whole document.
type pipelineDoc struct {
	Version      int                        `json:"version"`
	Tasks        map[string]*Task           `json:"tasks"`
	Phases       map[string]json.RawMessage `json:"phases"`
	PhaseHistory []PhaseHistoryEntry        `json:"phase_history"`
	CurrentPhase string                     `json:"current_phase"`
	Objectives   []*Objective               `json:"objectives"`
	NextPhase    string                     `json:"next_phase,omitempty"`
	Iteration    int                        `json:"iteration"`
	UpdatedAt    json.RawMessage            `json:"updated_at"`
}

// UnmarshalJSON decodes a persisted document. Phase entries that fail to
// decode become zeroed states, phases referenced by history or current_phase
// but missing from the map are added zeroed, and counters are repaired.
func (s *PipelineState) UnmarshalJSON(data []byte) error {
	var doc pipelineDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode pipeline state: %w", err)
	}

	out := NewPipelineState()
	if doc.Version != 0 {
		out.Version = doc.Version
	}
	for id, t := range doc.Tasks {
		if t == nil {
			continue
		}
		if t.ID == "" {
			t.ID = id
		}
		if t.Status == "" {
			t.Status = TaskNew
		}
		out.Tasks[id] = t
	}
	for name, raw := range doc.Phases {
		ps := NewPhaseState(name)
		if err := json.Unmarshal(raw, ps); err != nil {
			ps = NewPhaseState(name)
		}
		ps.repair(name)
		out.Phases[name] = ps
	}
	out.PhaseHistory = doc.PhaseHistory
	out.CurrentPhase = doc.CurrentPhase
	out.NextPhase = doc.NextPhase
	out.Iteration = doc.Iteration
	for _, o := range doc.Objectives {
		if o == nil {
			continue
		}
		if o.Status == "" {
			o.Status = ObjectiveActive
		}
		out.Objectives = append(out.Objectives, o)
	}
	if len(doc.UpdatedAt) > 0 && string(doc.UpdatedAt) != "null" {
		if err := json.Unmarshal(doc.UpdatedAt, &out.UpdatedAt); err != nil {
			return fmt.Errorf("decode updated_at: %w", err)
		}
	}

	for _, h := range out.PhaseHistory {
		if h.Phase != "" {
			out.Phase(h.Phase)
		}
	}
	if out.CurrentPhase != "" {
		out.Phase(out.CurrentPhase)
	}

	*s = *out
	return nil
}
