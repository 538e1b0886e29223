package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseloop/internal/loop"
	"phaseloop/internal/tools"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir(), nil)
	require.NoError(t, err)
	return ws
}

func writeFile(t *testing.T, ws *Workspace, rel, content string) {
	t.Helper()
	p := filepath.Join(ws.Root(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// =============================================================================
// WORKSPACE
// =============================================================================

func TestResolveRejectsEscape(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	for _, p := range []string{"../outside.txt", "a/../../x", "/etc/passwd"} {
		_, err := ws.Resolve(p)
		require.Error(t, err, p)
		assert.ErrorIs(t, err, tools.ErrPathEscape, p)
		assert.Equal(t, tools.KindStructural, tools.KindOf(err), p)
	}

	abs, err := ws.Resolve("sub/new.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root(), "sub", "new.txt"), abs)

	abs, err = ws.Resolve(filepath.Join(ws.Root(), "x.go"))
	require.NoError(t, err)
	assert.Equal(t, "x.go", ws.Rel(abs))
}

func TestResolveFollowsSymlinks(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(ws.Root(), "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := ws.Resolve("link/secret.txt")
	assert.ErrorIs(t, err, tools.ErrPathEscape)
}

// =============================================================================
// FILE TOOLS
// =============================================================================

func TestReadFile(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	writeFile(t, ws, "test.txt", "Line 1\nLine 2\nLine 3\nLine 4")
	ctx := context.Background()

	out, err := ws.executeReadFile(ctx, map[string]any{"path": "test.txt"})
	require.NoError(t, err)
	assert.Equal(t, "Line 1\nLine 2\nLine 3\nLine 4", out)

	out, err = ws.executeReadFile(ctx, map[string]any{"path": "test.txt", "start_line": float64(2), "end_line": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, "Line 2\nLine 3", out)

	_, err = ws.executeReadFile(ctx, map[string]any{"path": "missing.txt"})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = ws.executeReadFile(ctx, map[string]any{})
	assert.Equal(t, tools.KindStructural, tools.KindOf(err))
}

func TestWriteFileCreatesDirs(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)

	out, err := ws.executeWriteFile(context.Background(), map[string]any{"path": "a/b/c.txt", "content": "nested"})
	require.NoError(t, err)
	assert.Contains(t, out, "a/b/c.txt")

	data, err := os.ReadFile(filepath.Join(ws.Root(), "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))

	_, err = ws.executeWriteFile(context.Background(), map[string]any{"path": "../evil.txt", "content": "x"})
	assert.ErrorIs(t, err, tools.ErrPathEscape)
}

func TestEditFile(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	writeFile(t, ws, "e.txt", "foo bar foo")
	ctx := context.Background()

	out, err := ws.executeEditFile(ctx, map[string]any{"path": "e.txt", "old_text": "foo", "new_text": "baz"})
	require.NoError(t, err)
	assert.Contains(t, out, "Replaced 1")

	_, err = ws.executeEditFile(ctx, map[string]any{"path": "e.txt", "old_text": "foo", "new_text": "qux", "replace_all": true})
	require.NoError(t, err)
	data, _ := os.ReadFile(filepath.Join(ws.Root(), "e.txt"))
	assert.Equal(t, "baz bar qux", string(data))

	_, err = ws.executeEditFile(ctx, map[string]any{"path": "e.txt", "old_text": "absent", "new_text": "x"})
	assert.Equal(t, tools.KindStructural, tools.KindOf(err))
}

func TestDeleteFile(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	writeFile(t, ws, "gone.txt", "x")
	require.NoError(t, os.Mkdir(filepath.Join(ws.Root(), "dir"), 0o755))
	ctx := context.Background()

	_, err := ws.executeDeleteFile(ctx, map[string]any{"path": "gone.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(ws.Root(), "gone.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = ws.executeDeleteFile(ctx, map[string]any{"path": "dir"})
	assert.Equal(t, tools.KindStructural, tools.KindOf(err))
	_, err = ws.executeDeleteFile(ctx, map[string]any{"path": "."})
	assert.Error(t, err)
}

func TestListFiles(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	writeFile(t, ws, "a.go", "")
	writeFile(t, ws, "pkg/b.go", "")
	writeFile(t, ws, ".hidden/c.go", "")
	ctx := context.Background()

	out, err := ws.executeListFiles(ctx, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "pkg/"}, strings.Split(out, "\n"))

	out, err = ws.executeListFiles(ctx, map[string]any{"recursive": true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "pkg/", "pkg/b.go"}, strings.Split(out, "\n"))
}

func TestGrep(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	writeFile(t, ws, "main.go", "package main\n\nfunc Hello() {}\n")
	writeFile(t, ws, "util/u.go", "package util\n// hello again\n")
	writeFile(t, ws, "notes.txt", "Hello from notes\n")
	ctx := context.Background()

	out, err := ws.executeGrep(ctx, map[string]any{"pattern": "hello", "ignore_case": true, "file_pattern": "*.go"})
	require.NoError(t, err)
	assert.Contains(t, out, "main.go:3: func Hello() {}")
	assert.Contains(t, out, "util/u.go:2: // hello again")
	assert.NotContains(t, out, "notes.txt")

	out, err = ws.executeGrep(ctx, map[string]any{"pattern": "Hello", "path": "main.go", "context_lines": float64(1)})
	require.NoError(t, err)
	assert.Contains(t, out, "-1: ")

	out, err = ws.executeGrep(ctx, map[string]any{"pattern": "nothing_here"})
	require.NoError(t, err)
	assert.Contains(t, out, "No matches")

	_, err = ws.executeGrep(ctx, map[string]any{"pattern": "("})
	assert.Equal(t, tools.KindStructural, tools.KindOf(err))
}

// =============================================================================
// REGISTRY INTEGRATION
// =============================================================================

func TestRegisteredToolsFeedTheTracker(t *testing.T) {
	t.Parallel()
	ws := newWorkspace(t)
	reg := tools.NewRegistry(nil)
	require.NoError(t, RegisterAll(reg, ws))
	assert.Equal(t, []string{"delete_file", "edit_file", "grep", "list_files", "read_file", "write_file"}, reg.Names())

	tracker := loop.NewActionTracker(50, nil)
	reg.SetRecorder(tracker)
	ctx := context.Background()

	_, err := reg.Execute(ctx, tools.Call{Name: "write_file", Phase: "coding", Args: map[string]any{"path": "x.go", "content": "package x"}})
	require.NoError(t, err)
	_, err = reg.Execute(ctx, tools.Call{Name: "read_file", Phase: "coding", Args: map[string]any{"path": "x.go"}})
	require.NoError(t, err)
	_, err = reg.Execute(ctx, tools.Call{Name: "read_file", Phase: "coding", Args: map[string]any{"path": "../x.go"}})
	require.Error(t, err)

	recs := tracker.Window()
	require.Len(t, recs, 3)
	assert.True(t, recs[0].Mutating)
	assert.NotEmpty(t, recs[0].ContentHash)
	assert.False(t, recs[1].Mutating)
	assert.Empty(t, recs[1].ContentHash)
	assert.False(t, recs[2].Success)
}
