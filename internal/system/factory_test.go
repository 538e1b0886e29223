package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"phaseloop/internal/bus"
	"phaseloop/internal/config"
	"phaseloop/internal/llm"
	"phaseloop/internal/logging"
	"phaseloop/internal/loop"
	"phaseloop/internal/state"
	"phaseloop/internal/tools"
	"phaseloop/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func bootTest(t *testing.T, mutate func(*config.Config), skipWatchers bool) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.File = ""
	if mutate != nil {
		mutate(cfg)
	}
	app, err := Boot(context.Background(), BootConfig{
		Workspace:         t.TempDir(),
		ConfigOverride:    cfg,
		LoggerOverride:    logging.NewNop(),
		LLMClientOverride: llm.NewScriptedClient(),
		SkipWatchers:      skipWatchers,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestBootWiresComponents(t *testing.T) {
	app := bootTest(t, nil, false)

	assert.Equal(t, []string{"coding", "debugging", "planning", "refactoring", "review", "testing"}, app.Phases.Names())
	assert.NotNil(t, app.Coordinator)
	assert.NotNil(t, app.Archive)
	assert.NotNil(t, app.Audit)
	assert.NotNil(t, app.AckWatcher)

	st := app.State.State()
	for _, name := range app.Phases.Names() {
		assert.Contains(t, st.Phases, name)
	}

	_, err := app.Tools.Execute(context.Background(), tools.Call{
		Name: "write_file", Phase: "coding", Args: map[string]any{"path": "a.txt", "content": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, app.Tracker.Len(), "tool calls feed the tracker")
	_, err = os.Stat(filepath.Join(app.Workspace, ".phaseloop", "action_history.jsonl"))
	assert.NoError(t, err, "audit log is written")
}

func TestBootGateBlocksAfterEscalation(t *testing.T) {
	app := bootTest(t, func(c *config.Config) { c.Loop.MaxInterventions = 1 }, true)
	for i := 0; i < 3; i++ {
		app.Tracker.Record(loop.ActionRecord{Phase: "coding", Tool: "read_file", Signature: "read_file(path=x)"})
	}
	require.NotNil(t, app.Intervention.CheckAndIntervene())

	_, err := app.Tools.Execute(context.Background(), tools.Call{
		Name: "write_file", Args: map[string]any{"path": "a.txt", "content": "x"},
	})
	assert.Equal(t, tools.KindBlocked, tools.KindOf(err))
}

func TestBootRestoresBlockedState(t *testing.T) {
	ws := t.TempDir()
	boot := func() *App {
		cfg := config.DefaultConfig()
		cfg.Logging.File = ""
		cfg.Loop.MaxInterventions = 1
		app, err := Boot(context.Background(), BootConfig{
			Workspace:         ws,
			ConfigOverride:    cfg,
			LoggerOverride:    logging.NewNop(),
			LLMClientOverride: llm.NewScriptedClient(),
			SkipWatchers:      true,
			SkipScan:          true,
		})
		require.NoError(t, err)
		return app
	}

	first := boot()
	for i := 0; i < 3; i++ {
		first.Tracker.Record(loop.ActionRecord{Phase: "coding", Tool: "read_file", Signature: "read_file(path=x)"})
	}
	require.NotNil(t, first.Intervention.CheckAndIntervene())
	require.True(t, first.Intervention.Blocked())
	require.NoError(t, first.Close())

	second := boot()
	defer second.Close()
	assert.True(t, second.Intervention.Blocked(), "a restart does not clear the block")
	assert.Equal(t, 1, second.Intervention.Escalations())
	_, err := second.Tools.Execute(context.Background(), tools.Call{
		Name: "write_file", Args: map[string]any{"path": "a.txt", "content": "x"},
	})
	assert.Equal(t, tools.KindBlocked, tools.KindOf(err))

	require.True(t, second.Intervention.Acknowledge("ops"))
	snap, err := loop.LoadSnapshot(filepath.Join(ws, ".phaseloop", "loop_state.json"))
	require.NoError(t, err)
	assert.False(t, snap.Blocked)
}

func TestBootPrunesOldArchivedMessages(t *testing.T) {
	ws := t.TempDir()
	archive, err := bus.OpenArchive(filepath.Join(ws, ".phaseloop", "messages.db"))
	require.NoError(t, err)
	old := bus.Message{ID: "old", Seq: 1, Type: bus.TypeGuidance, Sender: "coordinator", Recipient: "coding",
		Priority: bus.PriorityNormal, CreatedAt: time.Now().Add(-90 * 24 * time.Hour), TTL: time.Hour}
	recent := old
	recent.ID, recent.Seq, recent.CreatedAt = "recent", 2, time.Now().Add(-time.Hour)
	require.NoError(t, archive.Store(context.Background(), old))
	require.NoError(t, archive.Store(context.Background(), recent))
	require.NoError(t, archive.Close())

	cfg := config.DefaultConfig()
	cfg.Logging.File = ""
	app, err := Boot(context.Background(), BootConfig{
		Workspace:         ws,
		ConfigOverride:    cfg,
		LoggerOverride:    logging.NewNop(),
		LLMClientOverride: llm.NewScriptedClient(),
		SkipWatchers:      true,
		SkipScan:          true,
	})
	require.NoError(t, err)
	defer app.Close()

	n, err := app.Archive.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBootMutatingToolsOverride(t *testing.T) {
	app := bootTest(t, func(c *config.Config) { c.Loop.MutatingTools = []string{"write_file"} }, true)
	assert.True(t, app.Tools.Get("write_file").Mutating)
	assert.False(t, app.Tools.Get("edit_file").Mutating)
}

func TestBootRequiresAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.File = ""
	cfg.LLM.APIKey = ""
	_, err := Boot(context.Background(), BootConfig{
		Workspace:      t.TempDir(),
		ConfigOverride: cfg,
		LoggerOverride: logging.NewNop(),
		SkipWatchers:   true,
		SkipScan:       true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Coordinator.LearningRate = 0
	_, err := Boot(context.Background(), BootConfig{
		Workspace:         t.TempDir(),
		ConfigOverride:    cfg,
		LoggerOverride:    logging.NewNop(),
		LLMClientOverride: llm.NewScriptedClient(),
		SkipWatchers:      true,
	})
	assert.ErrorContains(t, err, "learning_rate")
}

func TestBootedCoordinatorRuns(t *testing.T) {
	app := bootTest(t, func(c *config.Config) { c.Coordinator.MaxIterations = 1 }, true)
	app.State.AddObjective(state.Objective{Title: "add a README", Profile: types.NeutralProfile()})

	require.NoError(t, app.Coordinator.Run(context.Background()))

	st := app.State.State()
	assert.Equal(t, 1, st.Iteration)
	require.Len(t, st.PhaseHistory, 1)
	assert.Equal(t, "planning", st.PhaseHistory[0].Phase)
	_, err := os.Stat(app.State.Path())
	assert.NoError(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	app := bootTest(t, nil, false)
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())

	var nilApp *App
	assert.NoError(t, nilApp.Close())
}
