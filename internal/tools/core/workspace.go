package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"phaseloop/internal/logging"
	"phaseloop/internal/tools"
)

// Workspace roots the file tools at a directory.
type Workspace struct {
	root string
	log  *logging.CategoryLogger
}

// NewWorkspace creates a workspace rooted at root.
func NewWorkspace(root string, log *logging.Logger) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Workspace{root: abs, log: log.Get(logging.CategoryTools)}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

// Resolve maps p to an absolute path inside the workspace. Symlinks on the
// existing part of the path are followed before the containment check.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	var abs string
	if filepath.IsAbs(p) {
		abs = filepath.Clean(p)
	} else {
		abs = filepath.Join(w.root, p)
	}
	abs = evalExisting(abs)
	if !w.contains(abs) {
		return "", tools.Structural(fmt.Errorf("%w: %s", tools.ErrPathEscape, p))
	}
	return abs, nil
}

// Rel returns abs relative to the root with forward slashes.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (w *Workspace) contains(abs string) bool {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// evalExisting resolves symlinks on the longest existing prefix of p.
func evalExisting(p string) string {
	rest := ""
	cur := p
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		if rest == "" {
			rest = filepath.Base(cur)
		} else {
			rest = filepath.Join(filepath.Base(cur), rest)
		}
		cur = parent
	}
}
