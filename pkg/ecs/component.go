// Package ecs implements the entity/component data store that every
// simulation container hosts, together with the module system that
// contributes components, systems, and commands to it.
//
// The store itself carries no synchronization: all mutations are applied by
// the owning container's single tick executor (see pkg/sim). The process-wide
// pieces — the module catalog and the component id generator — live on the
// Runtime context object so tests can create isolated fixtures.
package ecs

import "sync/atomic"

// Entity is an opaque identifier allocated monotonically per container.
// Presence is defined by having at least one component attached.
type Entity uint64

// Permission governs cross-module access to a component.
type Permission string

const (
	// PermissionPrivate components are not exposed outside the declaring
	// module at all.
	PermissionPrivate Permission = "PRIVATE"
	// PermissionRead components may be read, but not written, by other
	// modules.
	PermissionRead Permission = "READ"
	// PermissionWrite components may be read and written by other modules.
	PermissionWrite Permission = "WRITE"
	// PermissionOwner components are readable in snapshots but accessible
	// only to the declaring module from systems and commands.
	PermissionOwner Permission = "OWNER"
)

// Component is an immutable descriptor of a named float-valued attribute.
// IDs are unique process-wide, allocated from the Runtime when a module is
// enabled for the first time.
type Component struct {
	ID         uint64
	Name       string
	Module     string
	Permission Permission
}

// FieldType is a primitive command-payload field type.
type FieldType string

const (
	FieldFloat  FieldType = "float"
	FieldInt    FieldType = "int"
	FieldString FieldType = "string"
	FieldBool   FieldType = "bool"
)

// Runtime is the process-wide module context: the catalog of module
// factories and the component id generator. It is created once at startup
// and passed into container constructors.
type Runtime struct {
	catalog *Catalog
	nextID  atomic.Uint64
}

// NewRuntime creates an isolated runtime context.
func NewRuntime() *Runtime {
	return &Runtime{catalog: NewCatalog()}
}

// Catalog returns the runtime's module catalog.
func (r *Runtime) Catalog() *Catalog { return r.catalog }

// AllocComponentID returns the next process-wide component id.
func (r *Runtime) AllocComponentID() uint64 {
	return r.nextID.Add(1)
}
