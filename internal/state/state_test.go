package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseloop/internal/types"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() func() time.Time {
	now := epoch
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestTaskTransitions(t *testing.T) {
	s := NewPipelineState()
	task, err := s.AddTask(Task{Description: "write parser"}, epoch)
	require.NoError(t, err)
	assert.Equal(t, TaskNew, task.Status)
	assert.NotEmpty(t, task.ID)

	err = s.TransitionTask(task.ID, TaskCompleted, "", epoch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, TaskNew, te.From)
	assert.Equal(t, TaskCompleted, te.To)

	require.NoError(t, s.TransitionTask(task.ID, TaskInProgress, "", epoch))
	require.NoError(t, s.TransitionTask(task.ID, TaskQAPending, "", epoch))
	require.NoError(t, s.TransitionTask(task.ID, TaskCompleted, "", epoch))
	assert.Equal(t, 1, task.Attempts)

	err = s.TransitionTask(task.ID, TaskInProgress, "", epoch)
	assert.ErrorIs(t, err, ErrInvalidTransition, "terminal status has no exits")
}

func TestTransitionCycleCountsAttempts(t *testing.T) {
	s := NewPipelineState()
	task, err := s.AddTask(Task{ID: "t1"}, epoch)
	require.NoError(t, err)

	require.NoError(t, s.TransitionTask("t1", TaskInProgress, "", epoch))
	require.NoError(t, s.TransitionTask("t1", TaskNeedsFixes, "tests fail", epoch))
	require.NoError(t, s.TransitionTask("t1", TaskInProgress, "", epoch))
	require.NoError(t, s.TransitionTask("t1", TaskQAPending, "", epoch))
	require.NoError(t, s.TransitionTask("t1", TaskInProgress, "", epoch))

	assert.Equal(t, 3, task.Attempts)
	assert.Equal(t, []string{"tests fail"}, task.Errors)
}

func TestTransitionUnknownTask(t *testing.T) {
	s := NewPipelineState()
	assert.ErrorIs(t, s.TransitionTask("missing", TaskInProgress, "", epoch), ErrTaskNotFound)

	_, err := s.AddTask(Task{ID: "dup"}, epoch)
	require.NoError(t, err)
	_, err = s.AddTask(Task{ID: "dup"}, epoch)
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestReadyTasksRespectDependencies(t *testing.T) {
	s := NewPipelineState()
	_, _ = s.AddTask(Task{ID: "a", Priority: 1}, epoch)
	_, _ = s.AddTask(Task{ID: "b", Priority: 5, Dependencies: []string{"a"}}, epoch)
	_, _ = s.AddTask(Task{ID: "c", Priority: 3}, epoch.Add(time.Minute))

	ready := s.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "c", ready[0].ID)
	assert.Equal(t, "a", ready[1].ID)

	require.NoError(t, s.TransitionTask("a", TaskInProgress, "", epoch))
	require.NoError(t, s.TransitionTask("a", TaskCompleted, "", epoch))
	ready = s.ReadyTasks()
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
}

func TestCounterInvariant(t *testing.T) {
	s := NewPipelineState()
	for i := 0; i < 120; i++ {
		s.RecordRun("coding", RunOutcome{Success: i%3 != 0, Artifacts: i % 2}, epoch.Add(time.Duration(i)*time.Second), 50, 100)
		p := s.Phases["coding"]
		require.Equal(t, p.SuccessCount+p.FailureCount, p.RunCount)
	}
	p := s.Phases["coding"]
	assert.Equal(t, 120, p.RunCount)
	assert.Len(t, p.RunHistory, 50)
	assert.Len(t, s.PhaseHistory, 100)
	assert.Equal(t, epoch.Add(119*time.Second), p.LastRunAt)
	assert.InDelta(t, 34.0/50.0, p.SuccessRate, 1e-9)
}

func TestConsecutiveCounters(t *testing.T) {
	p := NewPhaseState("review")
	p.Record(RunOutcome{Success: true, Artifacts: 1}, epoch, 10)
	p.Record(RunOutcome{Success: false}, epoch, 10)
	p.Record(RunOutcome{Success: false}, epoch, 10)
	assert.Equal(t, 2, p.ConsecutiveFailures())
	assert.Equal(t, 2, p.ConsecutiveUnproductive())

	p.Record(RunOutcome{Success: false, StateChanged: true}, epoch, 10)
	assert.Equal(t, 3, p.ConsecutiveFailures())
	assert.Equal(t, 0, p.ConsecutiveUnproductive())

	assert.Len(t, p.LastRuns(2), 2)
	assert.Len(t, p.LastRuns(20), 4)
	assert.Nil(t, p.LastRuns(0))
}

func TestNextPhaseHintIsSingleUse(t *testing.T) {
	s := NewPipelineState()
	s.SetNextPhase("review")
	hint, ok := s.ConsumeNextPhase()
	assert.True(t, ok)
	assert.Equal(t, "review", hint)
	_, ok = s.ConsumeNextPhase()
	assert.False(t, ok)
}

func TestFingerprintTracksTaskProgress(t *testing.T) {
	s := NewPipelineState()
	_, _ = s.AddTask(Task{ID: "t1"}, epoch)
	before := s.Fingerprint()
	assert.Equal(t, before, s.Fingerprint())

	require.NoError(t, s.TransitionTask("t1", TaskInProgress, "", epoch))
	assert.NotEqual(t, before, s.Fingerprint())
}

func TestCurrentObjective(t *testing.T) {
	s := NewPipelineState()
	assert.Nil(t, s.CurrentObjective())
	s.AddObjective(Objective{ID: "low", Priority: 1})
	s.AddObjective(Objective{ID: "high", Priority: 9})
	assert.Equal(t, "high", s.CurrentObjective().ID)
	assert.True(t, s.CompleteObjective("high"))
	assert.Equal(t, "low", s.CurrentObjective().ID)
}

func sampleState() *PipelineState {
	s := NewPipelineState()
	_, _ = s.AddTask(Task{ID: "t1", Description: "parser", Target: "parse.go", Priority: 2, Dependencies: []string{"t0"}}, epoch)
	_, _ = s.AddTask(Task{ID: "t0", Description: "lexer"}, epoch)
	_ = s.TransitionTask("t0", TaskInProgress, "", epoch)
	_ = s.TransitionTask("t0", TaskNeedsFixes, "lint", epoch)
	s.AddObjective(Objective{ID: "o1", Title: "ship", Priority: 3,
		Profile: types.NewProfile(map[types.Dimension]float64{types.DimFunctional: 0.9})})
	s.RecordRun("planning", RunOutcome{Success: true, Artifacts: 2, Reason: "affinity", Score: 0.71, Duration: 1500 * time.Millisecond}, epoch, 50, 500)
	s.RecordRun("coding", RunOutcome{Success: false, Error: "boom", Reason: "next_phase_hint"}, epoch.Add(time.Minute), 50, 500)
	s.Phases["coding"].Profile = s.Phases["coding"].Profile.Nudge(types.DimData, 0.2)
	s.SetNextPhase("debugging")
	s.Iteration = 2
	return s
}

func TestRoundTrip(t *testing.T) {
	s := sampleState()
	data, err := json.Marshal(s)
	require.NoError(t, err)

	back := NewPipelineState()
	require.NoError(t, json.Unmarshal(data, back))
	if diff := cmp.Diff(s, back, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalToleratesUnknownAndBrokenPhases(t *testing.T) {
	doc := `{
	  "tasks": {},
	  "phases": {
	    "planning": {"name": "planning", "run_count": 99, "success_count": 2, "failure_count": 1},
	    "future_phase": {"name": "future_phase", "run_count": 1, "success_count": 1, "failure_count": 0},
	    "broken": "not an object"
	  },
	  "phase_history": [{"phase": "ghost", "at": "2026-03-01T12:00:00Z", "success": true}],
	  "current_phase": "reviewing",
	  "objectives": []
	}`
	s := NewPipelineState()
	require.NoError(t, json.Unmarshal([]byte(doc), s))

	assert.Equal(t, 3, s.Phases["planning"].RunCount, "run_count repaired")
	assert.Equal(t, 1, s.Phases["future_phase"].SuccessCount)
	assert.Equal(t, 0, s.Phases["broken"].RunCount)
	assert.Equal(t, types.NeutralProfile(), s.Phases["broken"].Profile)
	require.Contains(t, s.Phases, "ghost")
	require.Contains(t, s.Phases, "reviewing")
	assert.Equal(t, "reviewing", s.Phases["reviewing"].Name)
}

func TestManagerSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pipeline_state.json")
	m := NewManager(path, nil, WithClock(fixedClock()), WithCaps(5, 10))

	st, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, st.Tasks)

	task, err := m.AddTask(Task{Description: "x"})
	require.NoError(t, err)
	require.NoError(t, m.Transition(task.ID, TaskInProgress, ""))
	assert.ErrorIs(t, m.Transition(task.ID, TaskNew, ""), ErrInvalidTransition)
	m.EnsurePhases([]string{"planning", "coding"})
	for i := 0; i < 8; i++ {
		m.RecordRun("coding", RunOutcome{Success: true, Artifacts: 1})
	}
	require.NoError(t, m.Save())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	m2 := NewManager(path, nil)
	loaded, err := m2.Load()
	require.NoError(t, err)
	if diff := cmp.Diff(m.State(), loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("reloaded state mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, loaded.Phases["coding"].RunHistory, 5)
	assert.Equal(t, 8, loaded.Phases["coding"].RunCount)
	assert.Contains(t, loaded.Phases, "planning")
}

func TestManagerLoadRejectsCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewManager(path, nil).Load()
	assert.Error(t, err)
}

func TestSnapshotIsIndependent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "s.json"), nil, WithClock(fixedClock()))
	_, err := m.AddTask(Task{ID: "t1"})
	require.NoError(t, err)
	snap, err := m.Snapshot()
	require.NoError(t, err)
	require.NoError(t, m.Transition("t1", TaskInProgress, ""))
	assert.Equal(t, TaskNew, snap.Tasks["t1"].Status)
}
