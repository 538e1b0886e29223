package state

import "time"

// Record appends one run, keeps RunCount == SuccessCount + FailureCount, prunes
// the history to historyCap (oldest first) and recomputes the rolling rate.
func (p *PhaseState) Record(out RunOutcome, at time.Time, historyCap int) {
	p.RunCount++
	if out.Success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastRunAt = at
	p.RunHistory = append(p.RunHistory, RunRecord{
		At:           at,
		Success:      out.Success,
		Artifacts:    out.Artifacts,
		StateChanged: out.StateChanged,
		DurationMs:   out.Duration.Milliseconds(),
		Error:        out.Error,
		Reason:       out.Reason,
		Score:        out.Score,
	})
	if historyCap > 0 && len(p.RunHistory) > historyCap {
		drop := len(p.RunHistory) - historyCap
		p.RunHistory = append([]RunRecord(nil), p.RunHistory[drop:]...)
	}
	p.SuccessRate = p.rollingRate()
}

func (p *PhaseState) rollingRate() float64 {
	if len(p.RunHistory) == 0 {
		return 0
	}
	ok := 0
	for _, r := range p.RunHistory {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(p.RunHistory))
}

// LastRuns returns up to n most recent runs, oldest first.
func (p *PhaseState) LastRuns(n int) []RunRecord {
	if n <= 0 || len(p.RunHistory) == 0 {
		return nil
	}
	if n > len(p.RunHistory) {
		n = len(p.RunHistory)
	}
	return p.RunHistory[len(p.RunHistory)-n:]
}

// ConsecutiveFailures counts failed runs at the tail of the history.
func (p *PhaseState) ConsecutiveFailures() int {
	n := 0
	for i := len(p.RunHistory) - 1; i >= 0; i-- {
		if p.RunHistory[i].Success {
			break
		}
		n++
	}
	return n
}

// ConsecutiveUnproductive counts runs at the tail that changed nothing.
func (p *PhaseState) ConsecutiveUnproductive() int {
	n := 0
	for i := len(p.RunHistory) - 1; i >= 0; i-- {
		if p.RunHistory[i].Productive() {
			break
		}
		n++
	}
	return n
}

// repair restores the counter invariant after decoding a document that may
// have been edited by hand or written by an older build.
func (p *PhaseState) repair(name string) {
	if p.Name == "" {
		p.Name = name
	}
	if p.SuccessCount < 0 {
		p.SuccessCount = 0
	}
	if p.FailureCount < 0 {
		p.FailureCount = 0
	}
	p.RunCount = p.SuccessCount + p.FailureCount
	p.Profile = p.Profile.Clamp()
	p.SuccessRate = p.rollingRate()
}
