package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/simforge/pkg/apierrors"
)

func ownerModule() *ModuleDef {
	return &ModuleDef{
		Name:          "owner",
		FlagComponent: "OWNER_FLAG",
		Components: []ComponentSpec{
			{Name: "OWNER_FLAG", Permission: PermissionRead},
			{Name: "PUBLIC_RW", Permission: PermissionWrite},
			{Name: "PUBLIC_RO", Permission: PermissionRead},
			{Name: "SECRET", Permission: PermissionPrivate},
			{Name: "GUARDED", Permission: PermissionOwner},
		},
		Commands: []CommandDef{
			{Name: "noop", Schema: map[string]FieldType{}, Execute: func(*View, Payload) error { return nil }},
		},
	}
}

func otherModule() *ModuleDef {
	return &ModuleDef{
		Name:          "other",
		FlagComponent: "OTHER_FLAG",
		Components: []ComponentSpec{
			{Name: "OTHER_FLAG", Permission: PermissionRead},
		},
	}
}

func newFixture(t *testing.T) (*Runtime, *ModuleSet, *Store) {
	t.Helper()
	rt := NewRuntime()
	rt.Catalog().Register("owner", ownerModule)
	rt.Catalog().Register("other", otherModule)
	return rt, NewModuleSet(rt), NewStore()
}

func TestEnableAllocatesUniqueComponentIDs(t *testing.T) {
	_, set, _ := newFixture(t)
	mod, err := set.Enable("owner")
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for _, c := range mod.Components {
		assert.False(t, seen[c.ID], "duplicate component id")
		seen[c.ID] = true
		assert.Equal(t, "owner", c.Module)
	}
	assert.Equal(t, "OWNER_FLAG", mod.Flag.Name)
}

func TestEnableUnknownModule(t *testing.T) {
	_, set, _ := newFixture(t)
	_, err := set.Enable("missing")
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
}

func TestEnableTwiceConflicts(t *testing.T) {
	_, set, _ := newFixture(t)
	_, err := set.Enable("owner")
	require.NoError(t, err)
	_, err = set.Enable("owner")
	assert.Equal(t, apierrors.KindConflict, apierrors.KindOf(err))
}

func TestCommandNameCollisionIsModuleConflict(t *testing.T) {
	rt, set, _ := newFixture(t)
	rt.Catalog().Register("clash", func() *ModuleDef {
		return &ModuleDef{
			Name:          "clash",
			FlagComponent: "CLASH_FLAG",
			Components:    []ComponentSpec{{Name: "CLASH_FLAG", Permission: PermissionRead}},
			Commands: []CommandDef{
				{Name: "noop", Schema: map[string]FieldType{}, Execute: func(*View, Payload) error { return nil }},
			},
		}
	})

	_, err := set.Enable("owner")
	require.NoError(t, err)
	_, err = set.Enable("clash")
	assert.Equal(t, apierrors.KindModuleConflict, apierrors.KindOf(err))
	// The failed enable must not leave the module behind.
	_, ok := set.Module("clash")
	assert.False(t, ok)
}

func TestDisableRemovesCommandsAndSystems(t *testing.T) {
	_, set, _ := newFixture(t)
	_, err := set.Enable("owner")
	require.NoError(t, err)

	_, _, err = set.Command("noop")
	require.NoError(t, err)

	_, err = set.Disable("owner")
	require.NoError(t, err)

	_, _, err = set.Command("noop")
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
	assert.Empty(t, set.Modules())
}

func TestViewOwnerHasFullAccess(t *testing.T) {
	_, set, store := newFixture(t)
	mod, err := set.Enable("owner")
	require.NoError(t, err)

	v := NewView(store, set, mod, ViewHooks{})
	require.NoError(t, v.Set(1, "SECRET", 3))
	got, err := v.Get(1, "SECRET")
	require.NoError(t, err)
	assert.Equal(t, float32(3), got)

	require.NoError(t, v.Set(1, "GUARDED", 4))
	require.NoError(t, v.Remove(1, "GUARDED"))
}

func TestViewCrossModulePermissions(t *testing.T) {
	_, set, store := newFixture(t)
	owner, err := set.Enable("owner")
	require.NoError(t, err)
	other, err := set.Enable("other")
	require.NoError(t, err)

	ownerView := NewView(store, set, owner, ViewHooks{})
	require.NoError(t, ownerView.Set(1, "PUBLIC_RW", 10))
	require.NoError(t, ownerView.Set(1, "PUBLIC_RO", 20))
	require.NoError(t, ownerView.Set(1, "SECRET", 30))
	require.NoError(t, ownerView.Set(1, "GUARDED", 40))

	v := NewView(store, set, other, ViewHooks{})

	// WRITE: read and write allowed.
	got, err := v.Get(1, "PUBLIC_RW")
	require.NoError(t, err)
	assert.Equal(t, float32(10), got)
	require.NoError(t, v.Set(1, "PUBLIC_RW", 11))

	// READ: read allowed, write denied.
	got, err = v.Get(1, "PUBLIC_RO")
	require.NoError(t, err)
	assert.Equal(t, float32(20), got)
	err = v.Set(1, "PUBLIC_RO", 21)
	assert.Equal(t, apierrors.KindPermissionDenied, apierrors.KindOf(err))

	// PRIVATE: denied both ways.
	_, err = v.Get(1, "SECRET")
	assert.Equal(t, apierrors.KindPermissionDenied, apierrors.KindOf(err))

	// OWNER: denied outside the declaring module.
	_, err = v.Get(1, "GUARDED")
	assert.Equal(t, apierrors.KindPermissionDenied, apierrors.KindOf(err))
	err = v.Set(1, "GUARDED", 41)
	assert.Equal(t, apierrors.KindPermissionDenied, apierrors.KindOf(err))
}

func TestViewEntitiesWithAllSortedAscending(t *testing.T) {
	_, set, store := newFixture(t)
	owner, err := set.Enable("owner")
	require.NoError(t, err)

	v := NewView(store, set, owner, ViewHooks{})
	for _, e := range []Entity{9, 3, 7, 1} {
		require.NoError(t, v.Set(e, "PUBLIC_RW", float32(e)))
	}

	got, err := v.EntitiesWithAll("PUBLIC_RW")
	require.NoError(t, err)
	assert.Equal(t, []Entity{1, 3, 7, 9}, got)
}

func TestViewMatchOwnershipGuard(t *testing.T) {
	_, set, store := newFixture(t)
	owner, err := set.Enable("owner")
	require.NoError(t, err)

	owned := map[Entity]bool{5: true}
	v := NewView(store, set, owner, ViewHooks{Owns: func(e Entity) bool { return owned[e] }})

	require.NoError(t, v.Set(5, "PUBLIC_RW", 1))
	err = v.Set(6, "PUBLIC_RW", 1)
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
}

func TestCatalogSnapshotIsolation(t *testing.T) {
	c := NewCatalog()
	c.Register("a", ownerModule)
	names := c.Names()
	c.Register("b", otherModule)
	// The earlier snapshot is unaffected by later registration.
	assert.Len(t, names, 1)
	assert.Len(t, c.Names(), 2)
}

func TestValidatePayload(t *testing.T) {
	schema := map[string]FieldType{
		"x":    FieldFloat,
		"n":    FieldInt,
		"name": FieldString,
		"on":   FieldBool,
	}

	ok := Payload{"x": 1.5, "n": float64(3), "name": "a", "on": true, "extra": "ignored"}
	require.NoError(t, ValidatePayload(schema, ok))

	missing := Payload{"x": 1.5, "n": float64(3), "name": "a"}
	err := ValidatePayload(schema, missing)
	assert.Equal(t, apierrors.KindValidation, apierrors.KindOf(err))

	wrongType := Payload{"x": "no", "n": float64(3), "name": "a", "on": true}
	err = ValidatePayload(schema, wrongType)
	assert.Equal(t, apierrors.KindValidation, apierrors.KindOf(err))
}

func TestPayloadAccessors(t *testing.T) {
	p := Payload{"x": 2.5, "n": float64(7), "s": "hi", "b": true}
	assert.Equal(t, float32(2.5), p.Float("x"))
	assert.Equal(t, int64(7), p.Int("n"))
	assert.Equal(t, Entity(7), p.Entity("n"))
	assert.Equal(t, "hi", p.String("s"))
	assert.True(t, p.Bool("b"))
	assert.Equal(t, float32(0), p.Float("absent"))
}
