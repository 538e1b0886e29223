package loop

import (
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Detection thresholds.
const (
	ActionRepeatThreshold       = 3
	ModificationRepeatThreshold = 4
	AnalysisLoopThreshold       = 3
	MinCycleRepeats             = 2
	MinPatternLength            = 2
	MaxPatternLength            = 10
)

// CycleSource supplies cycles of a static reference graph. Each cycle lists
// node names (package directories or module files, workspace-relative).
type CycleSource interface {
	Cycles() [][]string
}

// PatternDetector scans a window of actions for loops. It holds no history of
// its own; callers pass the window.
type PatternDetector struct {
	mu    sync.RWMutex
	graph CycleSource
}

// NewPatternDetector creates a detector.
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{}
}

// SetGraph installs the reference graph used for circular dependency findings.
func (d *PatternDetector) SetGraph(g CycleSource) {
	d.mu.Lock()
	d.graph = g
	d.mu.Unlock()
}

// Detect runs every check over history (oldest first). escalatedBefore raises
// every finding to critical.
func (d *PatternDetector) Detect(history []ActionRecord, escalatedBefore bool) []Finding {
	return d.DetectSince(history, 0, escalatedBefore)
}

// DetectSince is Detect restricted to loops that include at least one action
// with a sequence number above since. Older actions in history still count
// toward thresholds.
func (d *PatternDetector) DetectSince(history []ActionRecord, since uint64, escalatedBefore bool) []Finding {
	if len(history) == 0 || !after(history[len(history)-1], since) {
		return nil
	}
	var findings []Finding
	add := func(f *Finding) {
		if f != nil {
			f.Severity = SeverityFor(f.Count, escalatedBefore)
			findings = append(findings, *f)
		}
	}

	add(detectActionRepeat(history, since))
	add(detectModificationRepeat(history, since))
	add(detectAnalysisLoop(history, since))

	d.mu.RLock()
	g := d.graph
	d.mu.RUnlock()
	if g != nil {
		add(detectCircularDependency(history, since, g))
	}

	add(detectStateCycle(history))
	add(detectPatternRepetition(history))

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity > findings[j].Severity
	})
	return findings
}

// after reports whether rec counts as new relative to since. A zero since
// makes every action new.
func after(rec ActionRecord, since uint64) bool {
	return since == 0 || rec.Seq > since
}

// detectActionRepeat finds the longest run of one signature ending after since.
func detectActionRepeat(history []ActionRecord, since uint64) *Finding {
	bestLen, bestAt := 0, 0
	run := 1
	for i := 1; i <= len(history); i++ {
		if i < len(history) && history[i].Signature == history[i-1].Signature {
			run++
			continue
		}
		if run > bestLen && after(history[i-1], since) {
			bestLen, bestAt = run, i-1
		}
		run = 1
	}
	if bestLen < ActionRepeatThreshold {
		return nil
	}
	rec := history[bestAt]
	return &Finding{
		Type:     FindingActionRepeat,
		Count:    bestLen,
		Target:   rec.Target,
		Evidence: fmt.Sprintf("%s called %d times in a row", rec.Signature, bestLen),
	}
}

// detectModificationRepeat finds a target mutated often with few distinct
// results, at least once after since.
func detectModificationRepeat(history []ActionRecord, since uint64) *Finding {
	type stat struct {
		count  int
		fresh  bool
		hashes map[string]struct{}
	}
	stats := make(map[string]*stat)
	var order []string
	for _, rec := range history {
		if !rec.Mutating || rec.Target == "" {
			continue
		}
		s, ok := stats[rec.Target]
		if !ok {
			s = &stat{hashes: make(map[string]struct{})}
			stats[rec.Target] = s
			order = append(order, rec.Target)
		}
		s.count++
		s.fresh = s.fresh || after(rec, since)
		s.hashes[rec.ContentHash] = struct{}{}
	}

	var best *Finding
	for _, target := range order {
		s := stats[target]
		if !s.fresh || s.count < ModificationRepeatThreshold || len(s.hashes) > s.count/2 {
			continue
		}
		if best == nil || s.count > best.Count {
			best = &Finding{
				Type:   FindingModificationRepeat,
				Count:  s.count,
				Target: target,
				Evidence: fmt.Sprintf("%s modified %d times with only %d distinct results",
					target, s.count, len(s.hashes)),
			}
		}
	}
	return best
}

// detectAnalysisLoop finds a read target queried repeatedly with no mutation
// in between, the last read falling after since.
func detectAnalysisLoop(history []ActionRecord, since uint64) *Finding {
	counts := make(map[string]int)
	var best *Finding
	for _, rec := range history {
		if rec.Mutating {
			clear(counts)
			continue
		}
		if rec.Target == "" {
			continue
		}
		counts[rec.Target]++
		n := counts[rec.Target]
		if n >= AnalysisLoopThreshold && after(rec, since) && (best == nil || n >= best.Count) {
			best = &Finding{
				Type:     FindingAnalysisLoop,
				Count:    n,
				Target:   rec.Target,
				Evidence: fmt.Sprintf("%s read %d times without any change", rec.Target, n),
			}
		}
	}
	return best
}

// detectCircularDependency reports the first graph cycle that touches a
// target mutated after since. Cycles nobody is working on are not loops.
func detectCircularDependency(history []ActionRecord, since uint64, g CycleSource) *Finding {
	touched := make(map[string]struct{})
	for _, rec := range history {
		if rec.Mutating && rec.Target != "" && after(rec, since) {
			t := path.Clean(rec.Target)
			touched[t] = struct{}{}
			touched[path.Dir(t)] = struct{}{}
		}
	}
	if len(touched) == 0 {
		return nil
	}
	for _, cycle := range g.Cycles() {
		for _, node := range cycle {
			if _, ok := touched[path.Clean(node)]; ok {
				return &Finding{
					Type:     FindingCircularDependency,
					Count:    len(cycle),
					Target:   node,
					Evidence: "import cycle " + strings.Join(append(slices.Clone(cycle), cycle[0]), " -> "),
				}
			}
		}
	}
	return nil
}

type stateKey struct {
	phase, target, tool string
}

// detectStateCycle finds a (phase, target, tool) sequence of period two or
// more that repeats at the tail of the window.
func detectStateCycle(history []ActionRecord) *Finding {
	keys := make([]stateKey, len(history))
	for i, rec := range history {
		keys[i] = stateKey{rec.Phase, rec.Target, rec.Tool}
	}
	period, reps := tailCycle(keys, MinPatternLength, len(keys)/MinCycleRepeats)
	if reps < MinCycleRepeats {
		return nil
	}
	steps := make([]string, period)
	for i, k := range keys[len(keys)-period:] {
		steps[i] = fmt.Sprintf("%s:%s(%s)", k.phase, k.tool, k.target)
	}
	return &Finding{
		Type:     FindingStateCycle,
		Count:    period * reps,
		Target:   keys[len(keys)-1].target,
		Evidence: fmt.Sprintf("state cycle [%s] repeated %d times", strings.Join(steps, " -> "), reps),
	}
}

// detectPatternRepetition finds an alternating subsequence of signatures
// (length 2-10) repeating at the tail of the window.
func detectPatternRepetition(history []ActionRecord) *Finding {
	sigs := make([]string, len(history))
	for i, rec := range history {
		sigs[i] = rec.Signature
	}
	period, reps := tailCycle(sigs, MinPatternLength, MaxPatternLength)
	if reps < MinCycleRepeats {
		return nil
	}
	return &Finding{
		Type:     FindingPatternRepetition,
		Count:    period * reps,
		Target:   history[len(history)-1].Target,
		Evidence: fmt.Sprintf("pattern [%s] repeated %d times", strings.Join(sigs[len(sigs)-period:], ", "), reps),
	}
}

// tailCycle returns the period in [minP, maxP] whose block repeats the most
// times contiguously at the end of seq. Blocks made of a single repeated
// element are skipped since action repeat already covers them. Ties prefer
// the shorter period.
func tailCycle[T comparable](seq []T, minP, maxP int) (period, reps int) {
	n := len(seq)
	if maxP > n/MinCycleRepeats {
		maxP = n / MinCycleRepeats
	}
	for p := minP; p <= maxP; p++ {
		block := seq[n-p:]
		if uniform(block) {
			continue
		}
		r := 1
		for end := n - p; end-p >= 0; end -= p {
			if !slices.Equal(seq[end-p:end], block) {
				break
			}
			r++
		}
		if r > reps {
			period, reps = p, r
		}
	}
	return period, reps
}

func uniform[T comparable](s []T) bool {
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}
