package loop

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func read(phase, target string) ActionRecord {
	args := map[string]any{"path": target}
	return ActionRecord{Phase: phase, Tool: "read_file", Target: TargetOf(args), Signature: Signature("read_file", args), Success: true}
}

func write(phase, target, hash string) ActionRecord {
	args := map[string]any{"path": target, "content": hash}
	return ActionRecord{Phase: phase, Tool: "write_file", Target: TargetOf(args), Signature: Signature("write_file", args),
		ContentHash: hash, Mutating: true, Success: true}
}

func findingOf(findings []Finding, typ FindingType) *Finding {
	for i := range findings {
		if findings[i].Type == typ {
			return &findings[i]
		}
	}
	return nil
}

func TestSignatureNormalizes(t *testing.T) {
	a := Signature("grep", map[string]any{"pattern": "id 550e8400-e29b-41d4-a716-446655440000", "path": "./src/../src/x.go", "limit": 5})
	b := Signature("grep", map[string]any{"pattern": "id 123e4567-e89b-12d3-a456-426614174000", "path": "src/x.go", "limit": 9})
	assert.Equal(t, a, b)
	assert.Equal(t, "grep(path=src/x.go,pattern=id <UUID>)", a)
	assert.Equal(t, "list_files()", Signature("list_files", nil))
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		count     int
		escalated bool
		want      Severity
	}{
		{3, false, SeverityLow},
		{4, false, SeverityLow},
		{5, false, SeverityMedium},
		{6, false, SeverityMedium},
		{7, false, SeverityHigh},
		{9, false, SeverityHigh},
		{10, false, SeverityCritical},
		{3, true, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFor(tt.count, tt.escalated), "count=%d escalated=%v", tt.count, tt.escalated)
	}
}

func TestTrackerRing(t *testing.T) {
	tr := NewActionTracker(3, nil)
	for i := 0; i < 5; i++ {
		tr.Record(read("p", string(rune('a'+i))))
	}
	w := tr.Window()
	require.Len(t, w, 3)
	assert.Equal(t, "c", w[0].Target)
	assert.Equal(t, "e", w[2].Target)
	assert.Equal(t, uint64(5), tr.Seq())
	assert.Len(t, tr.Recent(2), 2)
	assert.Equal(t, "d", tr.Recent(2)[0].Target)
	assert.Len(t, tr.Since(3), 2)
	assert.Equal(t, 1, tr.Frequency(Signature("read_file", map[string]any{"path": "e"}), 0))
	assert.Len(t, tr.ByTarget("c", 0), 1)
	assert.Empty(t, tr.ByTarget("c", 2))

	tr.Reset()
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, uint64(6), tr.Record(read("p", "z")).Seq)
}

func TestActionRepeatThreshold(t *testing.T) {
	d := NewPatternDetector()

	two := []ActionRecord{read("p", "a"), write("p", "x", "h1"), write("p", "x", "h1"), read("p", "b")}
	assert.Nil(t, findingOf(d.Detect(two, false), FindingActionRepeat))

	three := []ActionRecord{read("p", "a"), write("p", "x", "h1"), write("p", "x", "h1"), write("p", "x", "h1")}
	f := findingOf(d.Detect(three, false), FindingActionRepeat)
	require.NotNil(t, f)
	assert.Equal(t, 3, f.Count)
	assert.GreaterOrEqual(t, f.Severity, SeverityLow)
	assert.Equal(t, "x", f.Target)
}

func TestTwoIdenticalSignaturesYieldNothing(t *testing.T) {
	d := NewPatternDetector()
	history := []ActionRecord{read("p", "a"), read("p", "b"), read("p", "b"), read("p", "c")}
	assert.Empty(t, d.Detect(history, false))
}

func TestModificationRepeat(t *testing.T) {
	d := NewPatternDetector()
	same := []ActionRecord{write("p", "f.go", "h1"), read("p", "g"), write("p", "f.go", "h2"), read("p", "g2"),
		write("p", "f.go", "h1"), read("p", "g3"), write("p", "f.go", "h2")}
	f := findingOf(d.Detect(same, false), FindingModificationRepeat)
	require.NotNil(t, f)
	assert.Equal(t, 4, f.Count)

	distinct := []ActionRecord{write("p", "f.go", "h1"), write("p", "f.go", "h2"), write("p", "f.go", "h3"), write("p", "f.go", "h4")}
	assert.Nil(t, findingOf(d.Detect(distinct, false), FindingModificationRepeat))
}

func TestAnalysisLoopResetByMutation(t *testing.T) {
	d := NewPatternDetector()
	looping := []ActionRecord{read("p", "a"), read("p", "b"), read("p", "a"), read("p", "c"), read("p", "a")}
	f := findingOf(d.Detect(looping, false), FindingAnalysisLoop)
	require.NotNil(t, f)
	assert.Equal(t, "a", f.Target)

	broken := []ActionRecord{read("p", "a"), read("p", "b"), read("p", "a"), write("p", "z", "h"), read("p", "a")}
	assert.Nil(t, findingOf(d.Detect(broken, false), FindingAnalysisLoop))
}

type staticCycles [][]string

func (s staticCycles) Cycles() [][]string { return s }

func TestCircularDependencyOnlyForTouchedNodes(t *testing.T) {
	d := NewPatternDetector()
	d.SetGraph(staticCycles{{"internal/a", "internal/b"}})

	untouched := []ActionRecord{write("p", "cmd/main.go", "h")}
	assert.Nil(t, findingOf(d.Detect(untouched, false), FindingCircularDependency))

	touched := []ActionRecord{write("p", "internal/b/b.go", "h")}
	f := findingOf(d.Detect(touched, false), FindingCircularDependency)
	require.NotNil(t, f)
	assert.Contains(t, f.Evidence, "internal/a -> internal/b -> internal/a")
}

func TestStateCycleAndPatternRepetition(t *testing.T) {
	d := NewPatternDetector()
	var history []ActionRecord
	for i := 0; i < 3; i++ {
		history = append(history, read("coding", "a.go"), write("coding", "a.go", "h"), read("review", "a.go"))
	}
	findings := d.Detect(history, false)

	sc := findingOf(findings, FindingStateCycle)
	require.NotNil(t, sc)
	assert.Equal(t, 9, sc.Count)
	assert.Equal(t, SeverityHigh, sc.Severity)

	pr := findingOf(findings, FindingPatternRepetition)
	require.NotNil(t, pr)
	assert.Contains(t, pr.Evidence, "repeated 3 times")
}

func TestPatternRepetitionNeedsTwoCycles(t *testing.T) {
	d := NewPatternDetector()
	history := []ActionRecord{read("p", "a"), read("p", "b"), read("p", "c"), read("p", "a"), read("p", "b")}
	assert.Nil(t, findingOf(d.Detect(history, false), FindingPatternRepetition))
}

func TestEscalationBlocksMutatingTools(t *testing.T) {
	tr := NewActionTracker(50, nil)
	sys := NewInterventionSystem(tr, nil, 3, nil)

	for i := 1; i <= 3; i++ {
		for j := 0; j < 3; j++ {
			tr.Record(write("coding", "x.go", "same"))
		}
		iv := sys.CheckAndIntervene()
		require.NotNil(t, iv, "check %d", i)
		assert.Equal(t, i, iv.Consecutive)
		if i < 3 {
			assert.Equal(t, StageGuidance, iv.Stage)
			assert.False(t, sys.Blocked())
			assert.NotEmpty(t, iv.Guidance)
		} else {
			assert.Equal(t, StageEscalated, iv.Stage)
		}
	}

	require.True(t, sys.Blocked())
	assert.ErrorIs(t, sys.AllowTool("write_file", true), ErrToolBlocked)
	assert.NoError(t, sys.AllowTool("read_file", false))
	assert.Nil(t, sys.CheckAndIntervene(), "no checks while blocked")

	assert.True(t, sys.Acknowledge("tester"))
	assert.False(t, sys.Blocked())
	assert.NoError(t, sys.AllowTool("write_file", true))
	assert.Nil(t, sys.CheckAndIntervene(), "pre-ack actions are not re-judged")

	for j := 0; j < 3; j++ {
		tr.Record(write("coding", "x.go", "same"))
	}
	iv := sys.CheckAndIntervene()
	require.NotNil(t, iv)
	assert.Equal(t, SeverityCritical, iv.Primary().Severity, "prior escalation raises severity")
	assert.Equal(t, 1, sys.Escalations())
}

func TestCleanCheckResetsCounter(t *testing.T) {
	tr := NewActionTracker(50, nil)
	sys := NewInterventionSystem(tr, nil, 3, nil)

	for round := 0; round < 4; round++ {
		for j := 0; j < 3; j++ {
			tr.Record(read("p", "loop.go"))
		}
		require.NotNil(t, sys.CheckAndIntervene())
		tr.Record(write("p", fmt.Sprintf("progress%d.go", round), "h"))
		tr.Record(read("p", "other.go"))
		assert.Nil(t, sys.CheckAndIntervene())
	}
	assert.False(t, sys.Blocked())
}

func TestActionRepeatSpansChecks(t *testing.T) {
	tr := NewActionTracker(50, nil)
	sys := NewInterventionSystem(tr, nil, 3, nil)

	tr.Record(read("p", "x"))
	tr.Record(read("p", "x"))
	assert.Nil(t, sys.CheckAndIntervene())

	tr.Record(read("p", "x"))
	iv := sys.CheckAndIntervene()
	require.NotNil(t, iv)
	f := findingOf(iv.Findings, FindingActionRepeat)
	require.NotNil(t, f)
	assert.Equal(t, 3, f.Count)
	assert.Equal(t, "p", iv.Phase)
}

func TestStateCycleAcrossPhases(t *testing.T) {
	tr := NewActionTracker(50, nil)
	sys := NewInterventionSystem(tr, nil, 10, nil)

	var last *Intervention
	for i := 0; i < 4; i++ {
		tr.Record(read("review", "a.go"))
		tr.Record(write("coding", "a.go", "same"))
		last = sys.CheckAndIntervene()
	}
	require.NotNil(t, last)
	assert.NotNil(t, findingOf(last.Findings, FindingStateCycle))
	assert.NotNil(t, findingOf(last.Findings, FindingModificationRepeat))
	assert.True(t, last.SuggestPhaseChange)
	assert.Equal(t, "coding", last.Phase)
}

func TestJudgedLoopsAreNotReported(t *testing.T) {
	tr := NewActionTracker(50, nil)
	sys := NewInterventionSystem(tr, nil, 5, nil)

	for j := 0; j < 3; j++ {
		tr.Record(read("p", "loop.go"))
	}
	require.NotNil(t, sys.CheckAndIntervene())

	tr.Record(write("p", "fix.go", "h1"))
	tr.Record(read("p", "notes.md"))
	assert.Nil(t, sys.CheckAndIntervene(), "the earlier repeat is still in the window but already judged")
	assert.Nil(t, sys.CheckAndIntervene(), "nothing new")
}

func TestDetectSinceIgnoresOldLoops(t *testing.T) {
	d := NewPatternDetector()
	history := []ActionRecord{read("p", "a"), read("p", "a"), read("p", "a"), write("p", "b", "h"), read("p", "c")}
	for i := range history {
		history[i].Seq = uint64(i + 1)
	}
	assert.NotNil(t, findingOf(d.DetectSince(history, 0, false), FindingActionRepeat))
	assert.Nil(t, findingOf(d.DetectSince(history, 3, false), FindingActionRepeat))
	assert.Nil(t, d.DetectSince(history, 5, false), "nothing after since")
}

func TestBlockedStateSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".phaseloop", "loop_state.json")

	tr := NewActionTracker(10, nil)
	sys := NewInterventionSystem(tr, nil, 1, nil)
	require.NoError(t, sys.AttachStateFile(path))
	for j := 0; j < 3; j++ {
		tr.Record(read("p", "a"))
	}
	require.NotNil(t, sys.CheckAndIntervene())
	require.True(t, sys.Blocked())

	restarted := NewInterventionSystem(NewActionTracker(10, nil), nil, 1, nil)
	require.NoError(t, restarted.AttachStateFile(path))
	assert.True(t, restarted.Blocked())
	assert.Equal(t, 1, restarted.Escalations())
	assert.ErrorIs(t, restarted.AllowTool("write_file", true), ErrToolBlocked)

	require.True(t, restarted.Acknowledge("ops"))
	snap, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.False(t, snap.Blocked)
	assert.Equal(t, 1, snap.Escalations, "prior escalations still raise severity")
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	snap, err := LoadSnapshot(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Equal(t, Snapshot{}, snap)
}

func TestWaitForAck(t *testing.T) {
	tr := NewActionTracker(10, nil)
	sys := NewInterventionSystem(tr, nil, 1, nil)
	for j := 0; j < 3; j++ {
		tr.Record(read("p", "a"))
	}
	require.NotNil(t, sys.CheckAndIntervene())
	require.True(t, sys.Blocked())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sys.WaitForAck(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- sys.WaitForAck(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	sys.Acknowledge("ops")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForAck did not return after Acknowledge")
	}
}

func TestAckWatcherClearsBlock(t *testing.T) {
	dir := t.TempDir()
	ackPath := filepath.Join(dir, ".phaseloop", "loop_ack")

	tr := NewActionTracker(10, nil)
	sys := NewInterventionSystem(tr, nil, 1, nil)
	for j := 0; j < 3; j++ {
		tr.Record(read("p", "a"))
	}
	require.NotNil(t, sys.CheckAndIntervene())
	require.True(t, sys.Blocked())

	aw, err := NewAckWatcher(ackPath, sys, nil)
	require.NoError(t, err)
	require.NoError(t, aw.Start(context.Background()))
	defer aw.Stop()

	require.NoError(t, WriteAck(ackPath, "alice"))
	assert.Eventually(t, func() bool { return !sys.Blocked() }, 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(ackPath)
		return os.IsNotExist(err)
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAuditLogWritesAndSurvivesRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "actions.jsonl")
	audit, err := NewAuditLog(path, nil)
	require.NoError(t, err)
	require.NoError(t, audit.Follow(context.Background()))
	defer audit.Close()

	tr := NewActionTracker(10, nil)
	tr.SetAudit(audit)
	tr.Record(read("p", "a"))
	tr.Record(read("p", "b"))
	assert.Equal(t, 2, countLines(t, path))

	require.NoError(t, audit.Rotate())
	tr.Record(read("p", "c"))
	assert.Equal(t, 1, countLines(t, path))

	// External rotation: move the file away and expect a fresh one.
	require.NoError(t, os.Rename(path, path+".old"))
	assert.Eventually(t, func() bool {
		tr.Record(read("p", "d"))
		_, err := os.Stat(path)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec ActionRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		require.True(t, strings.HasPrefix(rec.Signature, "read_file("))
		n++
	}
	return n
}
