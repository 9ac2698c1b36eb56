package ecs

import (
	"github.com/simforge/simforge/pkg/apierrors"
)

// SystemFn is one simulation system. It runs once per tick with a view of
// the component store scoped to the declaring module's permissions.
type SystemFn func(v *View) error

// ExecutorFn executes a queued command against a match-bound view. The
// payload has already been validated against the command's schema.
type ExecutorFn func(v *View, payload Payload) error

// CommandDef declares a player-facing command: its payload schema and the
// executor invoked during the tick's command drain.
type CommandDef struct {
	Name    string
	Schema  map[string]FieldType
	Execute ExecutorFn
}

// ModuleDef is the template a Factory returns. Component ids are not
// assigned here; they are allocated from the Runtime when a container
// enables the module.
type ModuleDef struct {
	Name string
	// FlagComponent names the component whose attachment marks an entity
	// as managed by this module. It must appear in Components.
	FlagComponent string
	Components    []ComponentSpec
	Systems       []SystemFn
	Commands      []CommandDef
}

// ComponentSpec declares one component contributed by a module.
type ComponentSpec struct {
	Name       string
	Permission Permission
}

// Module is an enabled module instance inside one container: the definition
// with process-wide component ids assigned.
type Module struct {
	Name       string
	Flag       *Component
	Components []*Component
	Systems    []SystemFn
	Commands   []*CommandDef

	byName map[string]*Component
}

// Component resolves one of the module's own components by name.
func (m *Module) Component(name string) (*Component, bool) {
	c, ok := m.byName[name]
	return c, ok
}

// ModuleSet is a container's registry of enabled modules. It preserves
// enable order, which fixes system execution order, and indexes commands by
// name (unique per container).
type ModuleSet struct {
	rt       *Runtime
	modules  []*Module
	byName   map[string]*Module
	commands map[string]*boundCommand
}

type boundCommand struct {
	module *Module
	def    *CommandDef
}

// NewModuleSet creates an empty module set bound to the runtime context.
func NewModuleSet(rt *Runtime) *ModuleSet {
	return &ModuleSet{
		rt:       rt,
		byName:   make(map[string]*Module),
		commands: make(map[string]*boundCommand),
	}
}

// Enable resolves the factory from the catalog, allocates component ids,
// and registers the module's commands and systems. A command name that
// collides with one from an already-enabled module fails with
// MODULE_CONFLICT and leaves the set unchanged.
func (s *ModuleSet) Enable(name string) (*Module, error) {
	if _, ok := s.byName[name]; ok {
		return nil, apierrors.Conflict("module %s already enabled", name)
	}
	factory, err := s.rt.Catalog().Resolve(name)
	if err != nil {
		return nil, err
	}
	def := factory()

	for _, cmd := range def.Commands {
		if _, ok := s.commands[cmd.Name]; ok {
			return nil, apierrors.New(apierrors.KindModuleConflict,
				"command %s from module %s collides with an enabled module", cmd.Name, name)
		}
	}

	mod := &Module{
		Name:    def.Name,
		Systems: def.Systems,
		byName:  make(map[string]*Component, len(def.Components)),
	}
	for _, spec := range def.Components {
		c := &Component{
			ID:         s.rt.AllocComponentID(),
			Name:       spec.Name,
			Module:     def.Name,
			Permission: spec.Permission,
		}
		mod.Components = append(mod.Components, c)
		mod.byName[spec.Name] = c
	}
	flag, ok := mod.byName[def.FlagComponent]
	if !ok {
		return nil, apierrors.Validation("module %s: flag component %s not declared", name, def.FlagComponent)
	}
	mod.Flag = flag

	for i := range def.Commands {
		cmd := def.Commands[i]
		mod.Commands = append(mod.Commands, &cmd)
		s.commands[cmd.Name] = &boundCommand{module: mod, def: &cmd}
	}

	s.modules = append(s.modules, mod)
	s.byName[name] = mod
	return mod, nil
}

// Disable removes the module's systems and commands and returns the module
// so the caller can queue flag-carrier cleanup for the next sweep.
func (s *ModuleSet) Disable(name string) (*Module, error) {
	mod, ok := s.byName[name]
	if !ok {
		return nil, apierrors.NotFound("module", name)
	}
	delete(s.byName, name)
	for i, m := range s.modules {
		if m == mod {
			s.modules = append(s.modules[:i], s.modules[i+1:]...)
			break
		}
	}
	for _, cmd := range mod.Commands {
		delete(s.commands, cmd.Name)
	}
	return mod, nil
}

// Modules returns the enabled modules in registration order.
func (s *ModuleSet) Modules() []*Module { return s.modules }

// Module looks up an enabled module by name.
func (s *ModuleSet) Module(name string) (*Module, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// Command looks up a registered command by name.
func (s *ModuleSet) Command(name string) (*Module, *CommandDef, error) {
	bc, ok := s.commands[name]
	if !ok {
		return nil, nil, apierrors.NotFound("command", name)
	}
	return bc.module, bc.def, nil
}

// CommandNames returns every registered command name.
func (s *ModuleSet) CommandNames() []string {
	out := make([]string, 0, len(s.commands))
	for name := range s.commands {
		out = append(out, name)
	}
	return out
}

// resolveComponent finds a component by name, preferring the accessor
// module's own components, then searching other enabled modules in
// registration order.
func (s *ModuleSet) resolveComponent(accessor *Module, name string) (*Component, error) {
	if accessor != nil {
		if c, ok := accessor.Component(name); ok {
			return c, nil
		}
	}
	for _, m := range s.modules {
		if m == accessor {
			continue
		}
		if c, ok := m.Component(name); ok {
			return c, nil
		}
	}
	return nil, apierrors.NotFound("component", name)
}

// Cross-module permission rule. The declaring module always has full
// access; READ grants external reads, WRITE grants external reads and
// writes, PRIVATE and OWNER are not exposed outside the declaring module.
// Enforcement is strict: a denied access returns PERMISSION_DENIED rather
// than a zero value.

func canRead(accessor *Module, c *Component) bool {
	if accessor != nil && accessor.Name == c.Module {
		return true
	}
	return c.Permission == PermissionRead || c.Permission == PermissionWrite
}

func canWrite(accessor *Module, c *Component) bool {
	if accessor != nil && accessor.Name == c.Module {
		return true
	}
	return c.Permission == PermissionWrite
}
