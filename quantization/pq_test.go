package quantization

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProductQuantizerValidation(t *testing.T) {
	_, err := NewProductQuantizer(10, 3, 256)
	assert.Error(t, err, "dimension not divisible by M")

	_, err = NewProductQuantizer(16, 4, 300)
	assert.Error(t, err, "too many centroids")

	pq, err := NewProductQuantizer(16, 4, 256)
	require.NoError(t, err)
	assert.Equal(t, 4, pq.NumSubvectors())
	assert.Equal(t, 4, pq.SubvectorDim())
	assert.False(t, pq.IsTrained())
}

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = make([]float32, dim)
		for j := range vectors[i] {
			vectors[i][j] = rng.Float32()
		}
	}
	return vectors
}

func TestTrainEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dim := 16
	vectors := randomVectors(rng, 500, dim)

	pq, err := NewProductQuantizer(dim, 4, 16)
	require.NoError(t, err)
	require.NoError(t, pq.Train(vectors))
	require.True(t, pq.IsTrained())

	codes := pq.Encode(vectors[0])
	require.Len(t, codes, 4)

	// The reconstruction should be closer to the encoded vector than to a
	// random other vector most of the time; check the error is bounded.
	decoded := pq.Decode(codes)
	require.Len(t, decoded, dim)

	var errSq float32
	for i := range decoded {
		d := decoded[i] - vectors[0][i]
		errSq += d * d
	}
	assert.Less(t, errSq, float32(dim), "reconstruction error should be bounded")
}

func TestAdcDistanceMatchesDecodedDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	dim := 8
	vectors := randomVectors(rng, 300, dim)

	pq, err := NewProductQuantizer(dim, 4, 32)
	require.NoError(t, err)
	require.NoError(t, pq.Train(vectors))

	query := vectors[10]
	table := pq.BuildDistanceTable(query)

	for _, vec := range vectors[:20] {
		codes := pq.Encode(vec)
		adc := pq.AdcDistance(table, codes)

		decoded := pq.Decode(codes)
		var exact float32
		for i := range decoded {
			d := query[i] - decoded[i]
			exact += d * d
		}
		assert.InDelta(t, exact, adc, 1e-3)
	}
}

func TestTrainErrors(t *testing.T) {
	pq, err := NewProductQuantizer(8, 2, 4)
	require.NoError(t, err)

	assert.Error(t, pq.Train(nil))
	assert.Error(t, pq.Train([][]float32{make([]float32, 4)}))
}

func TestSetCodebooks(t *testing.T) {
	pq, err := NewProductQuantizer(4, 2, 2)
	require.NoError(t, err)

	books := [][][]float32{
		{{0, 0}, {1, 1}},
		{{0, 0}, {2, 2}},
	}
	pq.SetCodebooks(books)
	require.True(t, pq.IsTrained())

	codes := pq.Encode([]float32{1, 1, 0, 0})
	assert.Equal(t, []byte{1, 0}, codes)
}

func TestTrainFewerVectorsThanCentroids(t *testing.T) {
	pq, err := NewProductQuantizer(4, 2, 16)
	require.NoError(t, err)

	require.NoError(t, pq.Train([][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}))
	codes := pq.Encode([]float32{1, 2, 3, 4})
	assert.Len(t, codes, 2)
}
