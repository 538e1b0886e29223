package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseloop/internal/bus"
	"phaseloop/internal/config"
	"phaseloop/internal/state"
	"phaseloop/internal/types"
)

// execute runs the root command against ws and returns its stdout.
func execute(t *testing.T, ws string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--workspace", ws}, args...))
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		workspace, configPath = "", ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestParseProfile(t *testing.T) {
	p, err := parseProfile([]string{"functional=0.9", " Urgency = 0.2 "})
	require.NoError(t, err)
	assert.Equal(t, 0.9, p.Get(types.DimFunctional))
	assert.Equal(t, 0.2, p.Get(types.DimUrgency))
	assert.Equal(t, types.NeutralValue, p.Get(types.DimData))

	for _, bad := range []string{"functional", "speed=0.5", "data=1.5", "data=x"} {
		_, err := parseProfile([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestFormatTaskCounts(t *testing.T) {
	got := formatTaskCounts(map[state.TaskStatus]int{state.TaskNew: 2, state.TaskCompleted: 1})
	assert.Equal(t, "Tasks: NEW=2 IN_PROGRESS=0 QA_PENDING=0 NEEDS_FIXES=0 COMPLETED=1 FAILED=0 SKIPPED=0", got)
}

func TestInitWritesConfigOnce(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	cfg, err := config.Load(filepath.Join(ws, config.DefaultConfigPath))
	require.NoError(t, err)
	assert.Equal(t, "planning", cfg.Coordinator.InitialPhase)

	out, err = execute(t, ws, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestStatusRendersState(t *testing.T) {
	ws := t.TempDir()
	mgr := state.NewManager(filepath.Join(ws, ".phaseloop", "pipeline_state.json"), nil)
	_, err := mgr.Load()
	require.NoError(t, err)
	mgr.AddObjective(state.Objective{ID: "obj-1", Title: "add caching"})
	_, err = mgr.AddTask(state.Task{Description: "write cache"})
	require.NoError(t, err)
	mgr.RecordRun("planning", state.RunOutcome{Success: true, Artifacts: 1, Reason: "fallback"})
	require.NoError(t, mgr.Save())

	out, err := execute(t, ws, "status")
	require.NoError(t, err)
	for _, want := range []string{"add caching", "NEW=1", "planning", "fallback"} {
		assert.Contains(t, out, want)
	}
}

func TestAckWritesFile(t *testing.T) {
	ws := t.TempDir()
	out, err := execute(t, ws, "ack", "--by", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")

	data, err := os.ReadFile(filepath.Join(ws, ".phaseloop", "loop_ack"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "alice "))
}

func TestMessagesSearchesArchive(t *testing.T) {
	ws := t.TempDir()
	archive, err := bus.OpenArchive(filepath.Join(ws, ".phaseloop", "messages.db"))
	require.NoError(t, err)
	b := bus.New(bus.Config{}, nil)
	b.SetArchive(archive)
	_, err = b.Publish(bus.Message{Type: bus.TypeGuidance, Sender: "coordinator", Recipient: "coding",
		Payload: map[string]any{"text": "stop re-reading main.go"}})
	require.NoError(t, err)
	_, err = b.Publish(bus.Message{Type: bus.TypeStatusUpdate, Sender: "review", Payload: map[string]any{"text": "done"}})
	require.NoError(t, err)
	require.NoError(t, archive.Close())

	out, err := execute(t, ws, "messages", "--recipient", "coding", "--since", time.Hour.String())
	require.NoError(t, err)
	assert.Contains(t, out, "stop re-reading main.go")
	assert.NotContains(t, out, "status_update")
}

func TestGraphPrintsCycles(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "go.mod", "module example.com/cyc\n\ngo 1.24\n")
	writeFile(t, ws, "a/a.go", "package a\n\nimport \"example.com/cyc/b\"\n\nvar X = b.Y\n")
	writeFile(t, ws, "b/b.go", "package b\n\nimport \"example.com/cyc/a\"\n\nvar Y = 1\nvar _ = a.X\n")

	out, err := execute(t, ws, "graph")
	require.NoError(t, err)
	assert.Contains(t, out, "1 cycle(s)")
	assert.Contains(t, out, "a -> b -> a")
}

func TestRunWithoutObjective(t *testing.T) {
	ws := t.TempDir()
	t.Setenv("GEMINI_API_KEY", "test-key")
	_, err := execute(t, ws, "run", "--max-iterations", "1")
	// Booting needs no network; with no objective the loop is never entered.
	require.NoError(t, err)
}
