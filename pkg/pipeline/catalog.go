package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Catalog holds the loaded pipeline definitions. Replace swaps the whole set
// at once; runs already started keep the definition they were started with.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog creates a catalog from defs
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[string]Definition)}
	if err := c.Replace(defs); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates defs and installs them in place of the current set. On
// error the catalog is left unchanged.
func (c *Catalog) Replace(defs []Definition) error {
	next := make(map[string]Definition, len(defs))
	for _, def := range defs {
		def.Normalize()
		if err := def.Validate(); err != nil {
			return err
		}
		if _, dup := next[def.ID]; dup {
			return fmt.Errorf("%w: duplicate pipeline id %s", ErrInvalidDefinition, def.ID)
		}
		next[def.ID] = def
	}

	c.mu.Lock()
	c.defs = next
	c.mu.Unlock()
	return nil
}

// Get returns the definition for id
func (c *Catalog) Get(id string) (Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrPipelineNotFound, id)
	}
	return def, nil
}

// List returns all definitions sorted by id
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of definitions
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}
