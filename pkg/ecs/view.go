package ecs

import (
	"sort"

	"github.com/simforge/simforge/pkg/apierrors"
)

// ViewHooks bind a view to its execution context. Spawn allocates a fresh
// entity (command executors only); Owns restricts entity references to the
// submitting match; Destroy queues an entity for the container's cleanup
// sweep at the end of the tick.
type ViewHooks struct {
	Spawn   func() (Entity, error)
	Owns    func(Entity) bool
	Destroy func(Entity)
}

// View is a permission-scoped read/write window over a container's
// component store, bound to the module whose system or command is running.
type View struct {
	store  *Store
	set    *ModuleSet
	module *Module
	hooks  ViewHooks
}

// NewView creates a view for the given module. The sim package constructs
// these on the tick executor; views must not outlive the call they were
// created for.
func NewView(store *Store, set *ModuleSet, module *Module, hooks ViewHooks) *View {
	return &View{store: store, set: set, module: module, hooks: hooks}
}

// Module returns the module this view is scoped to.
func (v *View) Module() *Module { return v.module }

// Spawn allocates a new entity and attaches the module's flag component.
func (v *View) Spawn() (Entity, error) {
	if v.hooks.Spawn == nil {
		return 0, apierrors.Internal("view has no entity allocator")
	}
	e, err := v.hooks.Spawn()
	if err != nil {
		return 0, err
	}
	v.store.Attach(e, v.module.Flag, 1)
	return e, nil
}

// Destroy queues the entity for removal in the tick's cleanup pass.
func (v *View) Destroy(e Entity) error {
	if err := v.checkOwned(e); err != nil {
		return err
	}
	if v.hooks.Destroy != nil {
		v.hooks.Destroy(e)
	}
	return nil
}

// Get reads a component value by name. Reading a component the module may
// not see fails with PERMISSION_DENIED.
func (v *View) Get(e Entity, component string) (float32, error) {
	c, err := v.readable(component)
	if err != nil {
		return 0, err
	}
	if err := v.checkOwned(e); err != nil {
		return 0, err
	}
	return v.store.Get(e, c), nil
}

// Exists reports component presence, subject to read permission.
func (v *View) Exists(e Entity, component string) (bool, error) {
	c, err := v.readable(component)
	if err != nil {
		return false, err
	}
	if err := v.checkOwned(e); err != nil {
		return false, err
	}
	return v.store.Exists(e, c), nil
}

// Set writes a component value, subject to write permission.
func (v *View) Set(e Entity, component string, value float32) error {
	c, err := v.writable(component)
	if err != nil {
		return err
	}
	if err := v.checkOwned(e); err != nil {
		return err
	}
	v.store.Attach(e, c, value)
	return nil
}

// Remove detaches a component, subject to write permission.
func (v *View) Remove(e Entity, component string) error {
	c, err := v.writable(component)
	if err != nil {
		return err
	}
	if err := v.checkOwned(e); err != nil {
		return err
	}
	v.store.Remove(e, c)
	return nil
}

// EntitiesWithAll returns, in ascending id order, the entities carrying
// every listed component. Each component must be readable by the module.
func (v *View) EntitiesWithAll(components ...string) ([]Entity, error) {
	descs := make([]*Component, 0, len(components))
	for _, name := range components {
		c, err := v.readable(name)
		if err != nil {
			return nil, err
		}
		descs = append(descs, c)
	}
	set := v.store.EntitiesWithAll(descs)
	out := make([]Entity, 0, len(set))
	for e := range set {
		if v.hooks.Owns != nil && !v.hooks.Owns(e) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (v *View) readable(name string) (*Component, error) {
	c, err := v.set.resolveComponent(v.module, name)
	if err != nil {
		return nil, err
	}
	if !canRead(v.module, c) {
		return nil, apierrors.PermissionDenied(
			"module %s may not read %s.%s (%s)", v.module.Name, c.Module, c.Name, c.Permission)
	}
	return c, nil
}

func (v *View) writable(name string) (*Component, error) {
	c, err := v.set.resolveComponent(v.module, name)
	if err != nil {
		return nil, err
	}
	if !canWrite(v.module, c) {
		return nil, apierrors.PermissionDenied(
			"module %s may not write %s.%s (%s)", v.module.Name, c.Module, c.Name, c.Permission)
	}
	return c, nil
}

func (v *View) checkOwned(e Entity) error {
	if v.hooks.Owns != nil && !v.hooks.Owns(e) {
		return apierrors.NotFound("entity", uint64(e))
	}
	return nil
}
