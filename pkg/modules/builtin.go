// Package modules ships the built-in simulation modules registered by the
// node binary: a basic entity module and a physics module layered on top of
// it. They double as the reference for writing third-party modules.
package modules

import (
	"github.com/simforge/simforge/pkg/ecs"
)

// Component names contributed by the built-in modules.
const (
	EntityFlag = "ENTITY_FLAG"
	PositionX  = "POSITION_X"
	PositionY  = "POSITION_Y"
	Health     = "HEALTH"
	SpawnSeed  = "SPAWN_SEED"

	PhysicsFlag = "PHYSICS_FLAG"
	VelocityX   = "VELOCITY_X"
	VelocityY   = "VELOCITY_Y"
)

// RegisterBuiltins adds the built-in module factories to the catalog.
func RegisterBuiltins(catalog *ecs.Catalog) {
	catalog.Register("entity", EntityModule)
	catalog.Register("physics", PhysicsModule)
}

// EntityModule contributes positioned, destroyable entities with health,
// plus the spawn/move/destroy commands.
func EntityModule() *ecs.ModuleDef {
	return &ecs.ModuleDef{
		Name:          "entity",
		FlagComponent: EntityFlag,
		Components: []ecs.ComponentSpec{
			{Name: EntityFlag, Permission: ecs.PermissionRead},
			{Name: PositionX, Permission: ecs.PermissionWrite},
			{Name: PositionY, Permission: ecs.PermissionWrite},
			{Name: Health, Permission: ecs.PermissionRead},
			{Name: SpawnSeed, Permission: ecs.PermissionPrivate},
		},
		Commands: []ecs.CommandDef{
			{
				Name: "spawn",
				Schema: map[string]ecs.FieldType{
					"x": ecs.FieldFloat,
					"y": ecs.FieldFloat,
				},
				Execute: func(v *ecs.View, p ecs.Payload) error {
					e, err := v.Spawn()
					if err != nil {
						return err
					}
					if err := v.Set(e, PositionX, p.Float("x")); err != nil {
						return err
					}
					if err := v.Set(e, PositionY, p.Float("y")); err != nil {
						return err
					}
					if err := v.Set(e, Health, 100); err != nil {
						return err
					}
					return v.Set(e, SpawnSeed, float32(e%997))
				},
			},
			{
				Name: "move",
				Schema: map[string]ecs.FieldType{
					"entity": ecs.FieldInt,
					"x":      ecs.FieldFloat,
					"y":      ecs.FieldFloat,
				},
				Execute: func(v *ecs.View, p ecs.Payload) error {
					e := p.Entity("entity")
					if err := v.Set(e, PositionX, p.Float("x")); err != nil {
						return err
					}
					return v.Set(e, PositionY, p.Float("y"))
				},
			},
			{
				Name: "destroy",
				Schema: map[string]ecs.FieldType{
					"entity": ecs.FieldInt,
				},
				Execute: func(v *ecs.View, p ecs.Payload) error {
					return v.Destroy(p.Entity("entity"))
				},
			},
		},
	}
}

// PhysicsModule integrates velocities into positions each tick. It writes
// the entity module's POSITION components, which are declared WRITE.
func PhysicsModule() *ecs.ModuleDef {
	return &ecs.ModuleDef{
		Name:          "physics",
		FlagComponent: PhysicsFlag,
		Components: []ecs.ComponentSpec{
			{Name: PhysicsFlag, Permission: ecs.PermissionRead},
			{Name: VelocityX, Permission: ecs.PermissionRead},
			{Name: VelocityY, Permission: ecs.PermissionRead},
		},
		Systems: []ecs.SystemFn{
			func(v *ecs.View) error {
				moving, err := v.EntitiesWithAll(PositionX, VelocityX)
				if err != nil {
					return err
				}
				for _, e := range moving {
					px, _ := v.Get(e, PositionX)
					vx, _ := v.Get(e, VelocityX)
					if err := v.Set(e, PositionX, px+vx); err != nil {
						return err
					}
					py, _ := v.Get(e, PositionY)
					vy, _ := v.Get(e, VelocityY)
					if err := v.Set(e, PositionY, py+vy); err != nil {
						return err
					}
				}
				return nil
			},
		},
		Commands: []ecs.CommandDef{
			{
				Name: "set_velocity",
				Schema: map[string]ecs.FieldType{
					"entity": ecs.FieldInt,
					"vx":     ecs.FieldFloat,
					"vy":     ecs.FieldFloat,
				},
				Execute: func(v *ecs.View, p ecs.Payload) error {
					e := p.Entity("entity")
					if err := v.Set(e, VelocityX, p.Float("vx")); err != nil {
						return err
					}
					return v.Set(e, VelocityY, p.Float("vy"))
				},
			},
		},
	}
}
