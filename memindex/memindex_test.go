package memindex

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/freshdiskann/index"
)

func newTestIndex(t *testing.T, maxPoints int) *Index[float32] {
	t.Helper()
	ix, err := New[float32](8, maxPoints, DefaultOptions())
	require.NoError(t, err)
	return ix
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestInsertAndSearch(t *testing.T) {
	ix := newTestIndex(t, 100)
	rng := rand.New(rand.NewSource(1))

	vectors := make(map[index.Label][]float32)
	for tag := index.Label(100); tag < 150; tag++ {
		v := randomVector(rng, 8)
		vectors[tag] = v
		require.NoError(t, ix.Insert(v, tag))
	}
	assert.Equal(t, 50, ix.NumPoints())

	// Each inserted vector should be its own nearest neighbor.
	found := 0
	for tag, v := range vectors {
		results := ix.SearchWithTags(v, 1, 20)
		require.NotEmpty(t, results)
		if results[0].Label == tag {
			found++
			assert.InDelta(t, 0, results[0].Distance, 1e-6)
		}
	}
	assert.GreaterOrEqual(t, found, 48, "recall of exact matches")
}

func TestInsertDimensionMismatch(t *testing.T) {
	ix := newTestIndex(t, 10)
	err := ix.Insert([]float32{1, 2}, 1)

	var dimErr *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 8, dimErr.Expected)
}

func TestInsertCapacity(t *testing.T) {
	ix := newTestIndex(t, 3)
	rng := rand.New(rand.NewSource(2))

	for tag := index.Label(0); tag < 3; tag++ {
		require.NoError(t, ix.Insert(randomVector(rng, 8), tag))
	}

	err := ix.Insert(randomVector(rng, 8), 99)
	var capErr *index.ErrCapacityExceeded
	assert.ErrorAs(t, err, &capErr)
}

func TestLazyDelete(t *testing.T) {
	ix := newTestIndex(t, 20)
	rng := rand.New(rand.NewSource(3))

	v := randomVector(rng, 8)
	require.NoError(t, ix.Insert(v, 7))
	for tag := index.Label(10); tag < 15; tag++ {
		require.NoError(t, ix.Insert(randomVector(rng, 8), tag))
	}

	require.NoError(t, ix.LazyDelete(7))
	assert.Equal(t, 5, ix.NumPoints())

	for _, r := range ix.SearchWithTags(v, 5, 20) {
		assert.NotEqual(t, index.Label(7), r.Label)
	}

	var notFound *index.ErrTagNotFound
	assert.ErrorAs(t, ix.LazyDelete(7), &notFound, "second delete is soft")
}

func TestReinsertShadowsOldSlot(t *testing.T) {
	ix := newTestIndex(t, 20)

	v1 := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	v2 := []float32{0, 0, 0, 0, 0, 0, 0, 9}
	require.NoError(t, ix.Insert(v1, 42))
	require.NoError(t, ix.Insert(v2, 42))
	assert.Equal(t, 1, ix.NumPoints())

	results := ix.SearchWithTags(v2, 1, 10)
	require.NotEmpty(t, results)
	assert.Equal(t, index.Label(42), results[0].Label)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
}

func TestConsolidateDeletes(t *testing.T) {
	ix := newTestIndex(t, 50)
	rng := rand.New(rand.NewSource(4))

	kept := make(map[index.Label][]float32)
	for tag := index.Label(0); tag < 30; tag++ {
		v := randomVector(rng, 8)
		require.NoError(t, ix.Insert(v, tag))
		if tag >= 10 {
			kept[tag] = v
		}
	}
	for tag := index.Label(0); tag < 10; tag++ {
		require.NoError(t, ix.LazyDelete(tag))
	}

	ix.ConsolidateDeletes()
	assert.Equal(t, 20, ix.NumPoints())

	found := 0
	for tag, v := range kept {
		results := ix.SearchWithTags(v, 1, 20)
		require.NotEmpty(t, results)
		if results[0].Label == tag {
			found++
		}
	}
	assert.GreaterOrEqual(t, found, 18, "survivors remain searchable after compaction")
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	ix := newTestIndex(t, 20)
	rng := rand.New(rand.NewSource(5))

	want := make(map[index.Label][]float32)
	for tag := index.Label(100); tag < 110; tag++ {
		v := randomVector(rng, 8)
		want[tag] = v
		require.NoError(t, ix.Insert(v, tag))
	}
	require.NoError(t, ix.LazyDelete(105))

	prefix := filepath.Join(t.TempDir(), "snap")
	n, err := ix.Save(prefix)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	vectors, dim, err := LoadSnapshotData[float32](prefix + ".data")
	require.NoError(t, err)
	assert.Equal(t, 8, dim)
	require.Len(t, vectors, 9)

	tags, err := LoadSnapshotTags(prefix + ".tags")
	require.NoError(t, err)
	require.Len(t, tags, 9)

	for i, tag := range tags {
		assert.NotEqual(t, index.Label(105), tag)
		assert.Equal(t, want[tag], vectors[i])
	}
}

func TestInitEmptyResets(t *testing.T) {
	ix := newTestIndex(t, 20)
	rng := rand.New(rand.NewSource(6))

	for tag := index.Label(0); tag < 5; tag++ {
		require.NoError(t, ix.Insert(randomVector(rng, 8), tag))
	}
	ix.InitEmpty()

	assert.Equal(t, 0, ix.NumPoints())
	assert.Empty(t, ix.SearchWithTags(randomVector(rng, 8), 3, 10))
}
