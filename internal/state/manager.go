package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"phaseloop/internal/logging"
)

// Manager owns the PipelineState and its file. The coordinator is the only
// writer; the mutex protects readers such as the status command.
type Manager struct {
	mu         sync.RWMutex
	path       string
	state      *PipelineState
	runCap     int
	historyCap int
	log        *logging.CategoryLogger
	now        func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithCaps sets the per-phase run history cap and the phase history cap.
func WithCaps(runCap, historyCap int) ManagerOption {
	return func(m *Manager) {
		m.runCap = runCap
		m.historyCap = historyCap
	}
}

// NewManager creates a manager for the document at path. Call Load before use.
func NewManager(path string, log *logging.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	m := &Manager{
		path:       path,
		state:      NewPipelineState(),
		runCap:     50,
		historyCap: 500,
		log:        log.Get(logging.CategoryState),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Path returns the document path.
func (m *Manager) Path() string { return m.path }

// Load reads the document. A missing file yields an empty state.
func (m *Manager) Load() (*PipelineState, error) {
	timer := logging.StartTimer(m.log, "state.Load")
	defer timer.Stop()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.log.Info("No state at %s, starting fresh", m.path)
		m.mu.Lock()
		m.state = NewPipelineState()
		m.mu.Unlock()
		return m.state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	st := NewPipelineState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	m.log.Info("Loaded state: %d tasks, %d phases, iteration %d", len(st.Tasks), len(st.Phases), st.Iteration)
	return st, nil
}

// Save writes the document atomically.
func (m *Manager) Save() error {
	m.mu.Lock()
	m.state.Version = SchemaVersion
	m.state.UpdatedAt = m.now().UTC()
	data, err := json.MarshalIndent(m.state, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := WriteFileAtomic(m.path, data, 0o644); err != nil {
		m.log.Error("Failed to save state: %v", err)
		return fmt.Errorf("save state: %w", err)
	}
	m.log.Debug("Saved state to %s (%d bytes)", m.path, len(data))
	return nil
}

// State returns the live state. Callers other than the coordinator must treat
// it as read-only.
func (m *Manager) State() *PipelineState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns a deep copy for concurrent readers.
func (m *Manager) Snapshot() (*PipelineState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Restore replaces the live state's contents with snap, keeping the live
// pointer valid for holders of State.
func (m *Manager) Restore(snap *PipelineState) {
	if snap == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.state = *snap
	m.log.Debug("State restored to iteration %d", snap.Iteration)
}

// Update runs fn with the write lock held.
func (m *Manager) Update(fn func(*PipelineState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
}

// RecordRun records one phase run.
func (m *Manager) RecordRun(phase string, out RunOutcome) *PhaseState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.RecordRun(phase, out, m.now().UTC(), m.runCap, m.historyCap)
	ps := m.state.Phases[phase]
	m.log.Debug("Recorded %s run: success=%v artifacts=%d runs=%d rate=%.2f",
		phase, out.Success, out.Artifacts, ps.RunCount, ps.SuccessRate)
	return ps
}

// EnsurePhases adds zeroed states for registered phases missing on disk.
func (m *Manager) EnsurePhases(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.EnsurePhases(names)
}

// AddTask adds a task in NEW status.
func (m *Manager) AddTask(t Task) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, err := m.state.AddTask(t, m.now().UTC())
	if err != nil {
		return nil, err
	}
	m.log.Info("Task added: %s %q", task.ID, task.Description)
	return task, nil
}

// Transition changes a task's status through the allowed table.
func (m *Manager) Transition(id string, to TaskStatus, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state.TransitionTask(id, to, note, m.now().UTC()); err != nil {
		m.log.Warn("Task transition rejected: %v", err)
		return err
	}
	m.log.Debug("Task %s -> %s", id, to)
	return nil
}

// AddObjective adds an active objective.
func (m *Manager) AddObjective(o Objective) *Objective {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AddObjective(o)
}

// CompleteObjective retires an active objective.
func (m *Manager) CompleteObjective(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CompleteObjective(id) {
		return false
	}
	m.log.Info("Objective completed: %s", id)
	return true
}

// WriteFileAtomic replaces path with data through a synced temp file and a
// rename, so readers see either the old or the new contents.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems reject fsync on directories.
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
