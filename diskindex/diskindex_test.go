package diskindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/scalar"
)

// writeDataFile writes a base data file [u32 N][u32 D][T...] for tests.
func writeDataFile[T scalar.Scalar](t *testing.T, path string, vectors [][]T) {
	t.Helper()

	dim := 0
	if len(vectors) > 0 {
		dim = len(vectors[0])
	}

	data := make([]byte, 0, DataHeaderSize+len(vectors)*dim*scalar.Size[T]())
	data = binary.LittleEndian.AppendUint32(data, uint32(len(vectors)))
	data = binary.LittleEndian.AppendUint32(data, uint32(dim))
	for _, v := range vectors {
		data = scalar.AppendLE(data, v)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func testVectors(rng *rand.Rand, n, dim int) [][]float32 {
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = make([]float32, dim)
		for j := range vectors[i] {
			vectors[i][j] = rng.Float32()
		}
	}
	return vectors
}

func buildTestIndex(t *testing.T, vectors [][]float32, labels []index.Label) string {
	t.Helper()
	dir := t.TempDir()
	dataFile := filepath.Join(dir, "base.data")
	prefix := filepath.Join(dir, "ann")

	writeDataFile(t, dataFile, vectors)

	labelFile := ""
	if labels != nil {
		labelFile = LabelsPath(prefix)
		require.NoError(t, WriteLabelsFile(labelFile, labels))
	}

	p := DefaultBuildParams()
	p.R = 16
	p.L = 32
	p.PQSubvectors = 4
	p.PQCentroids = 32
	require.NoError(t, Build[float32](context.Background(), dataFile, prefix, p, labelFile))
	return prefix
}

func TestBuildWritesFileFamily(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	prefix := buildTestIndex(t, testVectors(rng, 200, 8), nil)

	for _, path := range []string{
		IndexPath(prefix),
		PQPivotsPath(prefix),
		PQCompressedPath(prefix),
		BuilderLabelsPath(prefix),
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
}

func TestLoadAndSearch(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	vectors := testVectors(rng, 300, 8)
	prefix := buildTestIndex(t, vectors, nil)

	r, err := Load[float32](prefix, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, 300, r.NumPoints())

	// Sequential labels were synthesized by the builder.
	label, ok := r.GetLabel(42)
	require.True(t, ok)
	assert.Equal(t, index.Label(42), label)

	_, ok = r.GetLabel(1000)
	assert.False(t, ok)

	hits := 0
	for i := 0; i < 50; i++ {
		results, err := r.Search(context.Background(), vectors[i], 1, 32, 0, nil)
		require.NoError(t, err)
		require.NotEmpty(t, results)
		if results[0].Row == index.RowID(i) {
			hits++
			assert.InDelta(t, 0, results[0].Distance, 1e-6)
		}
	}
	assert.GreaterOrEqual(t, hits, 45, "seeded recall")
}

func TestSearchSkipsDeletedRows(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	vectors := testVectors(rng, 200, 8)
	prefix := buildTestIndex(t, vectors, nil)

	r, err := Load[float32](prefix, nil)
	require.NoError(t, err)
	defer r.Close()

	deleted := roaring.New()
	deleted.Add(10)

	results, err := r.Search(context.Background(), vectors[10], 5, 32, 0, deleted)
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, index.RowID(10), res.Row)
	}
}

func TestBuildWithLabelFile(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	vectors := testVectors(rng, 50, 8)
	labels := make([]index.Label, 50)
	for i := range labels {
		labels[i] = index.Label(1000 + i)
	}
	prefix := buildTestIndex(t, vectors, labels)

	r, err := Load[float32](prefix, nil)
	require.NoError(t, err)
	defer r.Close()

	label, ok := r.GetLabel(7)
	require.True(t, ok)
	assert.Equal(t, index.Label(1007), label)
}

func TestBuildUint8(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	dir := t.TempDir()
	dataFile := filepath.Join(dir, "base.data")
	prefix := filepath.Join(dir, "ann")

	vectors := make([][]uint8, 100)
	for i := range vectors {
		vectors[i] = make([]uint8, 8)
		for j := range vectors[i] {
			vectors[i][j] = uint8(rng.Intn(256))
		}
	}
	writeDataFile(t, dataFile, vectors)

	p := DefaultBuildParams()
	p.R = 16
	p.L = 32
	p.PQSubvectors = 4
	p.PQCentroids = 16
	require.NoError(t, Build[uint8](context.Background(), dataFile, prefix, p, ""))

	r, err := Load[uint8](prefix, nil)
	require.NoError(t, err)
	defer r.Close()

	// Loading with the wrong element type must fail.
	_, err = Load[float32](prefix, nil)
	assert.Error(t, err)

	results, err := r.Search(context.Background(), vectors[0], 1, 16, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestSearchIOLimit(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	vectors := testVectors(rng, 200, 8)
	prefix := buildTestIndex(t, vectors, nil)

	r, err := Load[float32](prefix, nil)
	require.NoError(t, err)
	defer r.Close()

	// An expansion budget of one still yields entry-point-adjacent results.
	results, err := r.Search(context.Background(), vectors[0], 5, 32, 1, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestCompressionRoundTrip(t *testing.T) {
	payload := make([]byte, 700*1024)
	rng := rand.New(rand.NewSource(7))
	for i := range payload {
		payload[i] = byte(rng.Intn(8)) // compressible
	}

	for _, ctype := range []CompressionType{CompressionNone, CompressionLZ4, CompressionZSTD} {
		var buf bytes.Buffer
		require.NoError(t, writeBlocks(&buf, payload, ctype))

		out, err := decompressBlocks(buf.Bytes(), ctype)
		require.NoError(t, err)
		assert.Equal(t, payload, out, "ctype %d", ctype)
	}
}

func TestZstdCompressionBuild(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	dir := t.TempDir()
	dataFile := filepath.Join(dir, "base.data")
	prefix := filepath.Join(dir, "ann")
	vectors := testVectors(rng, 100, 8)
	writeDataFile(t, dataFile, vectors)

	p := DefaultBuildParams()
	p.R = 8
	p.L = 16
	p.PQSubvectors = 4
	p.PQCentroids = 16
	p.Compression = CompressionZSTD
	require.NoError(t, Build[float32](context.Background(), dataFile, prefix, p, ""))

	r, err := Load[float32](prefix, nil)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 100, r.NumPoints())
}

func TestReadDataHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.data")
	writeDataFile(t, path, [][]float32{{1, 2}, {3, 4}})

	n, dim, err := ReadDataHeader(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)
	assert.Equal(t, uint32(2), dim)
}

func TestLabelsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	labels := []index.Label{5, 10, 4294967295}
	require.NoError(t, WriteLabelsFile(path, labels))

	got, err := ReadLabelsFile(path)
	require.NoError(t, err)
	assert.Equal(t, labels, got)
}
