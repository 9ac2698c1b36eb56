package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/simforge/pkg/apierrors"
)

type doc struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, CollectionContainers, "1", doc{Name: "c1", N: 1}))
	require.NoError(t, s.Put(ctx, CollectionContainers, "2", doc{Name: "c2", N: 2}))
	// Upsert overwrites.
	require.NoError(t, s.Put(ctx, CollectionContainers, "1", doc{Name: "c1", N: 7}))

	var got doc
	require.NoError(t, s.Get(ctx, CollectionContainers, "1", &got))
	assert.Equal(t, doc{Name: "c1", N: 7}, got)

	err := s.Get(ctx, CollectionContainers, "99", &got)
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))
	// Collections are namespaces.
	err = s.Get(ctx, CollectionMatches, "1", &got)
	assert.Equal(t, apierrors.KindNotFound, apierrors.KindOf(err))

	all, err := s.List(ctx, CollectionContainers)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, CollectionContainers, "2"))
	require.NoError(t, s.Delete(ctx, CollectionContainers, "2")) // idempotent
	all, err = s.List(ctx, CollectionContainers)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	exerciseStore(t, s)
}

func TestDisabledStore(t *testing.T) {
	s := DisabledStore{}
	ctx := context.Background()
	err := s.Put(ctx, CollectionHistory, "k", doc{})
	assert.Equal(t, apierrors.KindUpstreamUnavailable, apierrors.KindOf(err))
	_, err = s.List(ctx, CollectionHistory)
	assert.Equal(t, apierrors.KindUpstreamUnavailable, apierrors.KindOf(err))
	assert.NoError(t, s.Close())
}
