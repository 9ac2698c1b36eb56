package ecs

import (
	"sync"
	"sync/atomic"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Factory produces a module definition. Called each time a container
// enables the module, so definitions must not share mutable state.
type Factory func() *ModuleDef

// Catalog is the process-wide registry of module factories, populated at
// startup and by the module distributor. Registration is single-writer;
// readers see a consistent snapshot through an atomic pointer swap.
type Catalog struct {
	mu   sync.Mutex // serializes writers
	view atomic.Pointer[map[string]Factory]
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	c := &Catalog{}
	empty := map[string]Factory{}
	c.view.Store(&empty)
	return c
}

// Register adds or replaces a module factory.
func (c *Catalog) Register(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := *c.view.Load()
	next := make(map[string]Factory, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = factory
	c.view.Store(&next)
}

// Resolve looks up a factory by module name.
func (c *Catalog) Resolve(name string) (Factory, error) {
	if f, ok := (*c.view.Load())[name]; ok {
		return f, nil
	}
	return nil, apierrors.NotFound("module", name)
}

// Names returns the registered module names.
func (c *Catalog) Names() []string {
	view := *c.view.Load()
	out := make([]string, 0, len(view))
	for name := range view {
		out = append(out, name)
	}
	return out
}
