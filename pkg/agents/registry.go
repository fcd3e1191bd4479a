package agents

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds agent definitions. An empty registry is open: every
// well-formed reference resolves to a bare definition.
type Registry struct {
	agents map[string]Definition
	mu     sync.RWMutex
}

// NewRegistry creates a registry populated with defs
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{agents: make(map[string]Definition)}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid agent definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[def.ID]; exists {
		return fmt.Errorf("agent already registered: %s", def.ID)
	}
	r.agents[def.ID] = def
	return nil
}

// Replace swaps the whole set of definitions at once
func (r *Registry) Replace(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return fmt.Errorf("invalid agent definition: %w", err)
		}
		if _, exists := next[def.ID]; exists {
			return fmt.Errorf("duplicate agent ID found: %s", def.ID)
		}
		next[def.ID] = def
	}

	r.mu.Lock()
	r.agents = next
	r.mu.Unlock()
	return nil
}

// Resolve returns the definition for ref
func (r *Registry) Resolve(ref string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.agents) == 0 {
		return Definition{ID: ref}, nil
	}

	def, exists := r.agents[ref]
	if !exists {
		return Definition{}, fmt.Errorf("%w: %s", ErrAgentNotFound, ref)
	}
	if def.Disabled {
		return Definition{}, fmt.Errorf("%w: %s is disabled", ErrAgentNotFound, ref)
	}
	return def, nil
}

// List returns all definitions sorted by id
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.agents))
	for _, def := range r.agents {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}
