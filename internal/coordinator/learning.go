package coordinator

import (
	"phaseloop/internal/state"
)

// UpdatePhaseDimensions moves the phase profile toward the objective's
// dominant axes on success and away from them on failure. Every component
// stays in [0,1].
func (c *Coordinator) UpdatePhaseDimensions(ps *state.PhaseState, success bool, obj *state.Objective) {
	if ps == nil {
		return
	}
	if obj == nil {
		ps.Profile = ps.Profile.Clamp()
		return
	}
	delta := c.cfg.LearningRate
	if !success {
		delta = -delta
	}
	p := ps.Profile
	for _, d := range obj.Profile.Dominant(c.cfg.DominantThreshold) {
		p = p.Nudge(d, delta)
	}
	ps.Profile = p.Clamp()
	c.log.Debug("Profile of %s now %s", ps.Name, ps.Profile)
}
