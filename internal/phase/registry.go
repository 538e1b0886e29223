package phase

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrPhaseNotFound is returned when a phase is not registered.
	ErrPhaseNotFound = errors.New("phase not found")

	// ErrPhaseAlreadyRegistered is returned when registering a duplicate.
	ErrPhaseAlreadyRegistered = errors.New("phase already registered")
)

// Registry maps phase names to implementations.
type Registry struct {
	mu     sync.RWMutex
	phases map[string]Phase
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{phases: make(map[string]Phase)}
}

// Register adds p under p.Name().
func (r *Registry) Register(p Phase) error {
	name := p.Name()
	if name == "" {
		return errors.New("phase name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.phases[name]; ok {
		return fmt.Errorf("%w: %s", ErrPhaseAlreadyRegistered, name)
	}
	r.phases[name] = p
	return nil
}

// MustRegister registers p and panics on error.
func (r *Registry) MustRegister(p Phase) {
	if err := r.Register(p); err != nil {
		panic(fmt.Sprintf("failed to register phase %s: %v", p.Name(), err))
	}
}

// Get returns the phase registered under name.
func (r *Registry) Get(name string) (Phase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.phases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPhaseNotFound, name)
	}
	return p, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.phases[name]
	return ok
}

// Names returns registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.phases))
	for n := range r.phases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered phases.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.phases)
}
