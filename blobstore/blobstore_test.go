package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()

	// Missing blob.
	_, err := store.Open(ctx, "missing")
	assert.Error(t, err)

	// Put + Open.
	content := []byte("index snapshot bytes")
	require.NoError(t, store.Put(ctx, "snap/file.bin", content))

	blob, err := store.Open(ctx, "snap/file.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), blob.Size())

	buf := make([]byte, 5)
	n, err := blob.ReadAt(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("snaps"), buf)
	require.NoError(t, blob.Close())

	// Create + streamed write.
	w, err := store.Create(ctx, "snap/streamed.bin")
	require.NoError(t, err)
	_, err = w.Write([]byte("part1-"))
	require.NoError(t, err)
	_, err = w.Write([]byte("part2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blob, err = store.Open(ctx, "snap/streamed.bin")
	require.NoError(t, err)
	got := make([]byte, blob.Size())
	_, err = blob.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("part1-part2"), got)
	require.NoError(t, blob.Close())

	// Delete is idempotent.
	require.NoError(t, store.Delete(ctx, "snap/file.bin"))
	require.NoError(t, store.Delete(ctx, "snap/file.bin"))
	_, err = store.Open(ctx, "snap/file.bin")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestMemoryStoreNames(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Put(context.Background(), "a", []byte("1")))
	require.NoError(t, m.Put(context.Background(), "b", []byte("2")))
	assert.ElementsMatch(t, []string{"a", "b"}, m.Names())
}
