package coordinator

import (
	"fmt"
	"math"
	"sort"

	"phaseloop/internal/state"
	"phaseloop/internal/types"
)

// Reason is the code logged and persisted with every decision.
type Reason string

const (
	ReasonHint               Reason = "next_phase_hint"
	ReasonFailureEscalation  Reason = "failure_escalation"
	ReasonForcedLowSuccess   Reason = "forced_low_success"
	ReasonForcedUnproductive Reason = "forced_unproductive"
	ReasonLoopIntervention   Reason = "loop_intervention"
	ReasonAffinity           Reason = "affinity"
	ReasonFallback           Reason = "fallback"
)

// Decision is the outcome of SelectPhase.
type Decision struct {
	Phase  string
	Reason Reason
	// Score is the fit score of the chosen phase; meaningful when Scored.
	Score  float64
	Scored bool
	// Scores holds every candidate's score for scored decisions.
	Scores map[string]float64
}

const scoreEpsilon = 1e-9

// SelectPhase picks the next phase. In order: a registered next-phase hint,
// failure escalation to the recovery phase, a loop-intervention suggestion,
// a forced transition away from a stalled phase, the initial phase on a
// fresh state, and finally affinity scoring.
func (c *Coordinator) SelectPhase(st *state.PipelineState) (Decision, error) {
	if c.phases.Len() == 0 {
		return Decision{}, ErrNoPhases
	}

	if hint, ok := st.ConsumeNextPhase(); ok {
		if c.phases.Has(hint) {
			c.clearSuggestion()
			return Decision{Phase: hint, Reason: ReasonHint}, nil
		}
		c.log.Warn("Next phase hint %q is not registered, ignoring", hint)
	}

	current := st.CurrentPhase
	if current != "" && c.phases.Has(current) {
		ps := st.Phase(current)

		if c.shouldEscalate(current, ps) {
			c.clearSuggestion()
			c.log.Warn("Phase %s failed %d times in a row, escalating to %s",
				current, ps.ConsecutiveFailures(), c.cfg.RecoveryPhase)
			return Decision{Phase: c.cfg.RecoveryPhase, Reason: ReasonFailureEscalation}, nil
		}

		if c.takeSuggestion() {
			if dec, ok := c.scoreBest(st, current); ok {
				dec.Reason = ReasonLoopIntervention
				return dec, nil
			}
		}

		if reason, forced := ShouldForceTransition(ps, c.cfg); forced {
			if dec, ok := c.scoreBest(st, current); ok {
				dec.Reason = reason
				c.log.Info("Forcing transition away from %s (%s)", current, reason)
				return dec, nil
			}
			c.log.Debug("Forced transition from %s has no alternate", current)
		}
	}

	if current == "" && len(st.PhaseHistory) == 0 && c.phases.Has(c.cfg.InitialPhase) {
		return Decision{Phase: c.cfg.InitialPhase, Reason: ReasonFallback}, nil
	}

	dec, ok := c.scoreBest(st, "")
	if !ok {
		return Decision{}, fmt.Errorf("no selectable phase among %v", c.phases.Names())
	}
	dec.Reason = ReasonAffinity
	return dec, nil
}

func (c *Coordinator) shouldEscalate(current string, ps *state.PhaseState) bool {
	rec := c.cfg.RecoveryPhase
	if rec == "" || current == rec || !c.phases.Has(rec) || c.cfg.FailureEscalation <= 0 {
		return false
	}
	return ps.ConsecutiveFailures() >= c.cfg.FailureEscalation
}

func (c *Coordinator) takeSuggestion() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.suggestChange
	c.suggestChange = false
	return s
}

func (c *Coordinator) clearSuggestion() {
	c.mu.Lock()
	c.suggestChange = false
	c.mu.Unlock()
}

// candidates lists registered phases eligible for scoring. The recovery
// phase only competes when nothing else is registered.
func (c *Coordinator) candidates(exclude string) []string {
	names := c.phases.Names()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == exclude || n == c.cfg.RecoveryPhase {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 && c.cfg.RecoveryPhase != exclude && c.phases.Has(c.cfg.RecoveryPhase) {
		out = append(out, c.cfg.RecoveryPhase)
	}
	return out
}

// scoreBest returns the highest scoring candidate other than exclude.
func (c *Coordinator) scoreBest(st *state.PipelineState, exclude string) (Decision, bool) {
	names := c.candidates(exclude)
	if len(names) == 0 {
		return Decision{}, false
	}
	objective := types.NeutralProfile()
	if obj := st.CurrentObjective(); obj != nil {
		objective = obj.Profile
	}

	scores := make(map[string]float64, len(names))
	for _, n := range names {
		scores[n] = FitScore(objective, st.Phase(n), c.cfg.Decay)
	}

	sort.SliceStable(names, func(i, j int) bool {
		a, b := names[i], names[j]
		if d := scores[a] - scores[b]; math.Abs(d) > scoreEpsilon {
			return d > 0
		}
		la, lb := st.Phase(a).LastRunAt, st.Phase(b).LastRunAt
		if !la.Equal(lb) {
			return la.Before(lb)
		}
		return a < b
	})
	best := names[0]
	return Decision{Phase: best, Score: scores[best], Scored: true, Scores: scores}, true
}

// FitScore is similarity(objective, learned profile) weighted by the
// recency-decayed success rate.
func FitScore(objective types.DimensionalProfile, ps *state.PhaseState, decay float64) float64 {
	return objective.Similarity(ps.Profile) * DecayedSuccessRate(ps.RunHistory, decay)
}

// DecayedSuccessRate weights each run by decay^age, age 0 being the most
// recent, on top of a Beta(1,1) prior. An empty history yields 0.5.
func DecayedSuccessRate(history []state.RunRecord, decay float64) float64 {
	num, den := 1.0, 2.0
	w := 1.0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Success {
			num += w
		}
		den += w
		w *= decay
	}
	return num / den
}

// ShouldForceTransition reports whether ps is stalled: a low rate of
// successful or productive runs over the recent window, or a streak of runs
// that changed nothing. Productive runs never count against a phase.
func ShouldForceTransition(ps *state.PhaseState, cfg Config) (Reason, bool) {
	if ps == nil {
		return "", false
	}
	if runs := ps.LastRuns(cfg.Window); len(runs) >= cfg.MinRuns && len(runs) > 0 {
		good := 0
		for _, r := range runs {
			if r.Success || r.Productive() {
				good++
			}
		}
		if float64(good)/float64(len(runs)) < cfg.RateThreshold {
			return ReasonForcedLowSuccess, true
		}
	}
	if cfg.UnproductiveRuns > 0 && ps.ConsecutiveUnproductive() >= cfg.UnproductiveRuns {
		return ReasonForcedUnproductive, true
	}
	return "", false
}
