package freshdiskann

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/freshdiskann/blobstore"
	"github.com/hupe1980/freshdiskann/diskindex"
	"github.com/hupe1980/freshdiskann/index"
)

// Invariants 4 and 5: merge moves every mem point to disk and keeps the
// labels sidecar in lockstep with the disk index.
func TestMergeInvariants(t *testing.T) {
	ix := newTestOverlay(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(50))

	for tag := index.Label(0); tag < 40; tag++ {
		require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), tag))
	}

	preDisk := ix.DiskPoints()
	preMem := ix.MemPoints()
	require.NoError(t, ix.Merge(ctx))

	assert.Equal(t, 0, ix.MemPoints())
	assert.Equal(t, preDisk+preMem, ix.DiskPoints())

	labels, err := diskindex.ReadLabelsFile(diskindex.LabelsPath(ix.cfg.IndexPrefix))
	require.NoError(t, err)
	assert.Len(t, labels, ix.DiskPoints())

	// A second merge folds in further inserts on top of the existing file.
	for tag := index.Label(100); tag < 120; tag++ {
		require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), tag))
	}
	require.NoError(t, ix.Merge(ctx))
	assert.Equal(t, 60, ix.DiskPoints())

	labels, err = diskindex.ReadLabelsFile(diskindex.LabelsPath(ix.cfg.IndexPrefix))
	require.NoError(t, err)
	assert.Len(t, labels, 60)
}

func TestMergeEmptyIsNoop(t *testing.T) {
	ix := newTestOverlay(t, 100)
	require.NoError(t, ix.Merge(context.Background()))
	assert.Equal(t, 0, ix.DiskPoints())
	assert.Equal(t, 0, ix.Stats().Merges)
}

func TestMergeSearchableAfterReopen(t *testing.T) {
	cfg := testConfig(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(51))

	vectors := make(map[index.Label][]float32)
	{
		ix, err := New[float32](cfg)
		require.NoError(t, err)
		for tag := index.Label(0); tag < 30; tag++ {
			v := randomVector(rng, 8)
			vectors[tag] = v
			require.NoError(t, ix.Insert(ctx, v, tag))
		}
		require.NoError(t, ix.Merge(ctx))
		require.NoError(t, ix.Close())
	}

	// A fresh overlay over the same paths serves the merged data.
	ix, err := New[float32](cfg)
	require.NoError(t, err)
	defer ix.Close()

	assert.Equal(t, 30, ix.DiskPoints())
	recovered := 0
	for tag, v := range vectors {
		labels, _, err := ix.Search(ctx, v, 1, 32)
		require.NoError(t, err)
		if labels[0] == tag {
			recovered++
		}
	}
	assert.GreaterOrEqual(t, recovered, 28)
}

func TestMergeBuildFailureLeavesRecoverySnapshot(t *testing.T) {
	ix := newTestOverlay(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(52))

	for tag := index.Label(0); tag < 20; tag++ {
		require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), tag))
	}
	require.NoError(t, ix.Merge(ctx))

	preMerge, err := os.ReadFile(ix.cfg.DataFilePath)
	require.NoError(t, err)
	preLabels, err := os.ReadFile(diskindex.LabelsPath(ix.cfg.IndexPrefix))
	require.NoError(t, err)

	// Make the external build primitive fail after the data file has been
	// enlarged.
	buildErr := errors.New("simulated build failure")
	ix.buildIndex = func(context.Context, string, string, diskindex.BuildParams, string) error {
		return buildErr
	}

	for tag := index.Label(100); tag < 110; tag++ {
		require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), tag))
	}
	err = ix.Merge(ctx)
	require.ErrorIs(t, err, buildErr)

	// The data file was committed ahead of the stale index.
	enlarged, err := os.ReadFile(ix.cfg.DataFilePath)
	require.NoError(t, err)
	assert.Greater(t, len(enlarged), len(preMerge))

	// The recovery snapshot rewinds both files.
	require.NoError(t, RestorePreMergeSnapshot(ix.cfg.IndexPrefix, ix.cfg.DataFilePath))

	restored, err := os.ReadFile(ix.cfg.DataFilePath)
	require.NoError(t, err)
	assert.Equal(t, preMerge, restored)

	restoredLabels, err := os.ReadFile(diskindex.LabelsPath(ix.cfg.IndexPrefix))
	require.NoError(t, err)
	assert.Equal(t, preLabels, restoredLabels)
}

func TestMergeDimensionMismatch(t *testing.T) {
	ix := newTestOverlay(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(53))

	// A data file written for a different dimension must abort the merge.
	data := []byte{2, 0, 0, 0, 16, 0, 0, 0}
	data = append(data, make([]byte, 2*16*4)...)
	require.NoError(t, os.WriteFile(ix.cfg.DataFilePath, data, 0o644))

	require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), 1))
	err := ix.Merge(ctx)
	assert.ErrorIs(t, err, ErrMergeDimensionMismatch)
}

func TestMergeCleansTempFiles(t *testing.T) {
	ix := newTestOverlay(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(54))

	for tag := index.Label(0); tag < 10; tag++ {
		require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), tag))
	}
	require.NoError(t, ix.Merge(ctx))

	tempPrefix := diskindex.TempMemPath(ix.cfg.IndexPrefix)
	for _, path := range []string{tempPrefix, tempPrefix + ".data", tempPrefix + ".tags"} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
	_, err := os.Stat(PreMergeSnapshotPath(ix.cfg.IndexPrefix))
	assert.True(t, os.IsNotExist(err))
}

func TestMergeUploadsSnapshot(t *testing.T) {
	cfg := testConfig(t, 1000)
	store := blobstore.NewMemoryStore()
	cfg.SnapshotStore = store

	ix, err := New[float32](cfg)
	require.NoError(t, err)
	defer ix.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(55))
	for tag := index.Label(0); tag < 10; tag++ {
		require.NoError(t, ix.Insert(ctx, randomVector(rng, 8), tag))
	}
	require.NoError(t, ix.Merge(ctx))

	names := store.Names()
	assert.Contains(t, names, "base.data")
	assert.Contains(t, names, "ann_disk.index")
	assert.Contains(t, names, "ann_labels.txt")
	assert.Contains(t, names, "ann_pq_pivots.bin")
	assert.Contains(t, names, "ann_pq_compressed.bin")
}

func TestMergeRefreshesTombstoneRows(t *testing.T) {
	ix := newTestOverlay(t, 1000)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(56))

	vectors := make(map[index.Label][]float32)
	for tag := index.Label(0); tag < 20; tag++ {
		v := randomVector(rng, 8)
		vectors[tag] = v
		require.NoError(t, ix.Insert(ctx, v, tag))
	}
	require.NoError(t, ix.Merge(ctx))

	require.NoError(t, ix.Remove(ctx, 5))
	require.NoError(t, ix.Merge(ctx)) // no new points, still rebuilds row view

	stats := ix.Stats()
	assert.Equal(t, uint64(1), stats.DeletedLabels)
	assert.Equal(t, uint64(1), stats.DeletedRows)

	labels, _, err := ix.Search(ctx, vectors[5], 5, 32)
	require.NoError(t, err)
	assert.NotContains(t, labels, index.Label(5))
}
