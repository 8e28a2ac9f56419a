// Package quantization provides product quantization for the on-disk index.
// PQ splits vectors into subvectors and quantizes each independently using
// k-means clustering, enabling approximate distance ranking from a compact
// in-memory representation.
package quantization

import (
	"errors"
	"math"
	"math/rand"
)

const kmeansIterations = 20

// ProductQuantizer compresses vectors into one byte per subvector.
//
// Example: a 128-dim vector with M=16 subvectors becomes 16 bytes
// (32x compression vs float32).
type ProductQuantizer struct {
	numSubvectors int           // M
	numCentroids  int           // K, at most 256 for uint8 codes
	dimension     int           // D
	subvectorDim  int           // D/M
	codebooks     [][][]float32 // M codebooks of K centroids each
	trained       bool
}

// NewProductQuantizer creates a PQ quantizer. dimension must be divisible by
// numSubvectors and numCentroids must fit in a byte.
func NewProductQuantizer(dimension, numSubvectors, numCentroids int) (*ProductQuantizer, error) {
	if numSubvectors <= 0 || dimension%numSubvectors != 0 {
		return nil, errors.New("quantization: dimension must be divisible by numSubvectors")
	}
	if numCentroids <= 0 || numCentroids > 256 {
		return nil, errors.New("quantization: numCentroids must be in (0, 256]")
	}

	return &ProductQuantizer{
		numSubvectors: numSubvectors,
		numCentroids:  numCentroids,
		dimension:     dimension,
		subvectorDim:  dimension / numSubvectors,
		codebooks:     make([][][]float32, numSubvectors),
	}, nil
}

// Train calibrates the quantizer with k-means over the training vectors.
// It must be called before Encode or BuildDistanceTable.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return errors.New("quantization: no training vectors")
	}
	if len(vectors[0]) != pq.dimension {
		return errors.New("quantization: training vector dimension mismatch")
	}

	for m := 0; m < pq.numSubvectors; m++ {
		sub := make([][]float32, len(vectors))
		start := m * pq.subvectorDim
		for i, vec := range vectors {
			sub[i] = vec[start : start+pq.subvectorDim]
		}
		pq.codebooks[m] = kmeans(sub, pq.numCentroids, kmeansIterations)
	}

	pq.trained = true
	return nil
}

// Encode quantizes a vector into M codes. The quantizer must be trained.
func (pq *ProductQuantizer) Encode(vec []float32) []byte {
	codes := make([]byte, pq.numSubvectors)
	for m := 0; m < pq.numSubvectors; m++ {
		start := m * pq.subvectorDim
		codes[m] = uint8(nearestCentroid(vec[start:start+pq.subvectorDim], pq.codebooks[m]))
	}
	return codes
}

// Decode reconstructs an approximate vector from PQ codes.
func (pq *ProductQuantizer) Decode(codes []byte) []float32 {
	out := make([]float32, pq.dimension)
	for m, code := range codes {
		start := m * pq.subvectorDim
		copy(out[start:start+pq.subvectorDim], pq.codebooks[m][code])
	}
	return out
}

// BuildDistanceTable precomputes squared distances from a query to every
// centroid. The table has M*K entries; entry m*K+k is the distance from
// query subvector m to centroid k. Used for fast asymmetric distance
// computation during beam search.
func (pq *ProductQuantizer) BuildDistanceTable(query []float32) []float32 {
	table := make([]float32, pq.numSubvectors*pq.numCentroids)
	for m := 0; m < pq.numSubvectors; m++ {
		start := m * pq.subvectorDim
		sub := query[start : start+pq.subvectorDim]
		for k := 0; k < pq.numCentroids; k++ {
			table[m*pq.numCentroids+k] = squaredL2(sub, pq.codebooks[m][k])
		}
	}
	return table
}

// AdcDistance computes the approximate distance between a query (via its
// distance table) and a quantized vector.
func (pq *ProductQuantizer) AdcDistance(table []float32, codes []byte) float32 {
	var dist float32
	for m, code := range codes {
		dist += table[m*pq.numCentroids+int(code)]
	}
	return dist
}

// NumSubvectors returns M.
func (pq *ProductQuantizer) NumSubvectors() int { return pq.numSubvectors }

// NumCentroids returns K.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// SubvectorDim returns D/M.
func (pq *ProductQuantizer) SubvectorDim() int { return pq.subvectorDim }

// IsTrained reports whether the quantizer has codebooks.
func (pq *ProductQuantizer) IsTrained() bool { return pq.trained }

// Codebooks returns the raw codebooks with shape [M][K][subvectorDim].
func (pq *ProductQuantizer) Codebooks() [][][]float32 { return pq.codebooks }

// SetCodebooks installs codebooks loaded from disk and marks the quantizer
// trained. The codebooks must have shape [M][K][subvectorDim].
func (pq *ProductQuantizer) SetCodebooks(codebooks [][][]float32) {
	pq.codebooks = codebooks
	pq.trained = true
}

// kmeans clusters vectors into k centroids, seeding with k-means++.
func kmeans(vectors [][]float32, k, maxIters int) [][]float32 {
	dim := len(vectors[0])

	if len(vectors) < k {
		// Not enough data; cycle the inputs as centroids.
		centroids := make([][]float32, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
			copy(centroids[i], vectors[i%len(vectors)])
		}
		return centroids
	}

	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
	}

	// k-means++ seeding: sample each next centroid proportional to the
	// squared distance from the nearest already-chosen centroid.
	copy(centroids[0], vectors[rand.Intn(len(vectors))])

	minDistSq := make([]float32, len(vectors))
	var sum float32
	for i, vec := range vectors {
		d := squaredL2(vec, centroids[0])
		minDistSq[i] = d
		sum += d
	}

	for c := 1; c < k; c++ {
		if sum == 0 {
			copy(centroids[c], vectors[rand.Intn(len(vectors))])
			continue
		}

		target := rand.Float32() * sum
		var cumsum float32
		chosen := 0
		for i, d := range minDistSq {
			cumsum += d
			if cumsum >= target {
				chosen = i
				break
			}
		}
		copy(centroids[c], vectors[chosen])

		sum = 0
		for i, vec := range vectors {
			if d := squaredL2(vec, centroids[c]); d < minDistSq[i] {
				minDistSq[i] = d
			}
			sum += minDistSq[i]
		}
	}

	// Lloyd iterations.
	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			nearest := nearestCentroid(vec, centroids)
			if assignments[i] != nearest {
				assignments[i] = nearest
				changed = true
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		sums := make([][]float32, k)
		for i := range sums {
			sums[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for j, v := range vec {
				sums[c][j] += v
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue
			}
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] / float32(counts[c])
			}
		}
	}

	return centroids
}

func nearestCentroid(vec []float32, centroids [][]float32) int {
	best := 0
	bestDist := float32(math.MaxFloat32)
	for i, c := range centroids {
		if d := squaredL2(vec, c); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
