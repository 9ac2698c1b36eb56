package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func comp(id uint64, name string) *Component {
	return &Component{ID: id, Name: name, Module: "test", Permission: PermissionWrite}
}

func TestAttachGetExists(t *testing.T) {
	s := NewStore()
	c := comp(1, "HEALTH")

	s.Attach(7, c, 42.5)
	assert.Equal(t, float32(42.5), s.Get(7, c))
	assert.True(t, s.Exists(7, c))

	// Overwrite.
	s.Attach(7, c, 10)
	assert.Equal(t, float32(10), s.Get(7, c))
}

func TestGetAbsentIsZero(t *testing.T) {
	s := NewStore()
	c := comp(1, "HEALTH")
	assert.Equal(t, float32(0), s.Get(99, c))
	assert.False(t, s.Exists(99, c))
}

func TestZeroValueStillExists(t *testing.T) {
	s := NewStore()
	c := comp(1, "HEALTH")
	s.Attach(7, c, 0)
	assert.Equal(t, float32(0), s.Get(7, c))
	assert.True(t, s.Exists(7, c))
}

func TestRemoveClearsValueAndPresence(t *testing.T) {
	s := NewStore()
	c := comp(1, "HEALTH")
	s.Attach(7, c, 5)
	s.Remove(7, c)

	assert.Equal(t, float32(0), s.Get(7, c))
	assert.False(t, s.Exists(7, c))

	// Removal is idempotent.
	s.Remove(7, c)
	assert.False(t, s.Exists(7, c))
}

func TestAttachMany(t *testing.T) {
	s := NewStore()
	a, b := comp(1, "A"), comp(2, "B")
	s.AttachMany(3, []*Component{a, b}, []float32{1.5, 2.5})
	assert.Equal(t, float32(1.5), s.Get(3, a))
	assert.Equal(t, float32(2.5), s.Get(3, b))

	// Missing values default to zero but still mark presence.
	s.AttachMany(4, []*Component{a, b}, []float32{9})
	assert.Equal(t, float32(0), s.Get(4, b))
	assert.True(t, s.Exists(4, b))
}

func TestEntitiesWithAllIsIntersection(t *testing.T) {
	s := NewStore()
	a, b, c := comp(1, "A"), comp(2, "B"), comp(3, "C")

	s.Attach(1, a, 1)
	s.Attach(1, b, 1)
	s.Attach(2, a, 1)
	s.Attach(3, a, 1)
	s.Attach(3, b, 1)
	s.Attach(3, c, 1)

	got := s.EntitiesWithAll([]*Component{a, b})
	require.Len(t, got, 2)
	assert.Contains(t, got, Entity(1))
	assert.Contains(t, got, Entity(3))

	got = s.EntitiesWithAll([]*Component{a, b, c})
	require.Len(t, got, 1)
	assert.Contains(t, got, Entity(3))

	assert.Empty(t, s.EntitiesWithAll(nil))
}

func TestEntitiesWithAllAfterRemove(t *testing.T) {
	s := NewStore()
	a, b := comp(1, "A"), comp(2, "B")
	s.Attach(1, a, 1)
	s.Attach(1, b, 1)
	s.Remove(1, b)

	assert.Empty(t, s.EntitiesWithAll([]*Component{a, b}))
	assert.Len(t, s.EntitiesWithAll([]*Component{a}), 1)
}

func TestRemoveEntity(t *testing.T) {
	s := NewStore()
	a, b := comp(1, "A"), comp(2, "B")
	s.Attach(1, a, 1)
	s.Attach(1, b, 2)
	s.Attach(2, a, 3)

	s.RemoveEntity(1)
	assert.False(t, s.Exists(1, a))
	assert.False(t, s.Exists(1, b))
	assert.True(t, s.Exists(2, a))
}
