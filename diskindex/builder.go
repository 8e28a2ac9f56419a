package diskindex

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/quantization"
	"github.com/hupe1980/freshdiskann/scalar"
)

const gigabyte = 1 << 30

// BuildParams configures a full index build.
type BuildParams struct {
	// R is the maximum number of edges per node. Typical: 32-128.
	R int

	// L is the candidate list size during construction. Typical: 64-200.
	L int

	// Alpha is the Vamana pruning factor (>= 1.0).
	Alpha float32

	// PQSubvectors is the requested number of PQ subvectors (M). If the
	// dimension is not divisible by it, the largest divisor of the
	// dimension not exceeding it is used instead.
	PQSubvectors int

	// PQCentroids is the number of centroids per subspace (K, <= 256).
	PQCentroids int

	// BuildRAMGB bounds transient build memory. It caps the shard fan-out
	// during graph construction.
	BuildRAMGB float64

	// PQRAMGB bounds PQ training memory. It caps the training sample size.
	PQRAMGB float64

	// Threads is the build parallelism. Zero means runtime.NumCPU().
	Threads int

	// Compression selects the graph block compression.
	Compression CompressionType
}

// DefaultBuildParams returns sensible build defaults.
func DefaultBuildParams() BuildParams {
	return BuildParams{
		R:            32,
		L:            64,
		Alpha:        1.2,
		PQSubvectors: 8,
		PQCentroids:  256,
		Threads:      runtime.NumCPU(),
		Compression:  CompressionLZ4,
	}
}

// Build constructs the complete on-disk index family from a base data file:
//
//	<prefix>_disk.index             header + raw vectors + compressed graph
//	<prefix>_pq_pivots.bin          PQ codebooks
//	<prefix>_pq_compressed.bin      PQ codes, one row per vector
//	<prefix>_disk.index_labels.txt  row-ordered labels
//
// Labels are taken from labelFile when it exists; otherwise rows are labeled
// sequentially. Each file is written via temp file + rename.
func Build[T scalar.Scalar](ctx context.Context, dataFile, prefix string, p BuildParams, labelFile string) error {
	if p.R <= 0 || p.L <= 0 || p.Alpha < 1.0 {
		return errors.New("diskindex: invalid graph parameters")
	}
	if p.Threads <= 0 {
		p.Threads = runtime.NumCPU()
	}
	if p.PQCentroids <= 0 || p.PQCentroids > 256 {
		p.PQCentroids = 256
	}

	vectors, dim, err := ReadDataFile[T](dataFile)
	if err != nil {
		return fmt.Errorf("diskindex: read base data: %w", err)
	}
	if len(vectors) == 0 {
		return errors.New("diskindex: no vectors to build")
	}

	labels, err := buildLabels(labelFile, len(vectors))
	if err != nil {
		return err
	}

	b := &builder[T]{
		params:  p,
		dim:     dim,
		vectors: vectors,
		labels:  labels,
		graph:   make([][]uint32, len(vectors)),
	}

	if err := b.trainPQ(); err != nil {
		return fmt.Errorf("diskindex: train PQ: %w", err)
	}
	if err := b.buildGraph(ctx); err != nil {
		return fmt.Errorf("diskindex: build graph: %w", err)
	}
	if err := b.writeFiles(prefix); err != nil {
		return fmt.Errorf("diskindex: write files: %w", err)
	}

	return nil
}

func buildLabels(labelFile string, n int) ([]index.Label, error) {
	if labelFile != "" {
		if _, err := os.Stat(labelFile); err == nil {
			labels, err := ReadLabelsFile(labelFile)
			if err != nil {
				return nil, fmt.Errorf("diskindex: read label file: %w", err)
			}
			if len(labels) != n {
				return nil, fmt.Errorf("diskindex: label file has %d entries for %d points", len(labels), n)
			}
			return labels, nil
		}
	}

	labels := make([]index.Label, n)
	for i := range labels {
		labels[i] = index.Label(i)
	}
	return labels, nil
}

type builder[T scalar.Scalar] struct {
	params  BuildParams
	dim     int
	vectors [][]T
	labels  []index.Label
	graph   [][]uint32
	graphMu sync.RWMutex

	pq         *quantization.ProductQuantizer
	pqCodes    [][]byte
	entryPoint uint32
}

// pqSubvectors resolves the requested M against the dimension.
func (b *builder[T]) pqSubvectors() int {
	m := b.params.PQSubvectors
	if m <= 0 {
		m = 8
	}
	if m > b.dim {
		m = b.dim
	}
	for b.dim%m != 0 {
		m--
	}
	return m
}

func (b *builder[T]) trainPQ() error {
	m := b.pqSubvectors()

	var err error
	b.pq, err = quantization.NewProductQuantizer(b.dim, m, b.params.PQCentroids)
	if err != nil {
		return err
	}

	// The PQ RAM budget caps the training sample: each training vector is
	// held widened to float32.
	sample := len(b.vectors)
	if b.params.PQRAMGB > 0 {
		budget := int(b.params.PQRAMGB * gigabyte / float64(b.dim*4))
		if budget < 256 {
			budget = 256
		}
		if budget < sample {
			sample = budget
		}
	}

	training := make([][]float32, 0, sample)
	if sample < len(b.vectors) {
		rng := rand.New(rand.NewSource(42))
		for _, i := range rng.Perm(len(b.vectors))[:sample] {
			training = append(training, scalar.Widen(b.vectors[i], nil))
		}
	} else {
		for _, v := range b.vectors {
			training = append(training, scalar.Widen(v, nil))
		}
	}

	if err := b.pq.Train(training); err != nil {
		return err
	}

	b.pqCodes = make([][]byte, len(b.vectors))
	buf := make([]float32, b.dim)
	for i, v := range b.vectors {
		b.pqCodes[i] = b.pq.Encode(scalar.Widen(v, buf))
	}

	return nil
}

// buildGraph runs Vamana construction: random initialization, then one pass
// of greedy-search + robust-prune per node, sharded across workers.
func (b *builder[T]) buildGraph(ctx context.Context) error {
	n := len(b.vectors)
	r := b.params.R

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		edges := make(map[uint32]struct{}, r/2)
		for len(edges) < r/2 && len(edges) < n-1 {
			j := uint32(rng.Intn(n))
			if j != uint32(i) {
				edges[j] = struct{}{}
			}
		}
		adj := make([]uint32, 0, len(edges))
		for j := range edges {
			adj = append(adj, j)
		}
		b.graph[i] = adj
	}

	b.entryPoint = b.selectEntryPoint()

	workers := b.shardCount(n)
	chunk := (n + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := min(start+chunk, n)
		if start >= end {
			break
		}
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				b.insertNode(uint32(i))
			}
			return nil
		})
	}

	return g.Wait()
}

// shardCount derives the worker count from Threads, bounded by the build RAM
// budget (each worker holds candidate buffers of roughly L*R edge entries).
func (b *builder[T]) shardCount(n int) int {
	workers := b.params.Threads
	if b.params.BuildRAMGB > 0 {
		perWorker := float64(b.params.L*b.params.R*8 + b.dim*4)
		if byBudget := int(b.params.BuildRAMGB * gigabyte / perWorker); byBudget < workers {
			workers = byBudget
		}
	}
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	return workers
}

func (b *builder[T]) selectEntryPoint() uint32 {
	centroid := make([]float32, b.dim)
	for _, vec := range b.vectors {
		for j, v := range vec {
			centroid[j] += float32(v)
		}
	}
	for j := range centroid {
		centroid[j] /= float32(len(b.vectors))
	}

	best := uint32(0)
	bestDist := float32(math.MaxFloat32)
	widened := make([]float32, b.dim)
	for i, vec := range b.vectors {
		d := squaredL2F(centroid, scalar.Widen(vec, widened))
		if d < bestDist {
			bestDist = d
			best = uint32(i)
		}
	}
	return best
}

func (b *builder[T]) insertNode(node uint32) {
	candidates := b.greedySearch(node, b.params.L)
	pruned := b.robustPrune(node, candidates)

	b.graphMu.Lock()
	b.graph[node] = pruned
	b.graphMu.Unlock()

	for _, neighbor := range pruned {
		b.addReverseEdge(neighbor, node)
	}
}

// greedySearch walks the current graph toward node's vector and returns
// candidate neighbors sorted by distance.
func (b *builder[T]) greedySearch(node uint32, l int) []buildCand {
	target := b.vectors[node]

	visited := make(map[uint32]struct{}, l*4)
	candidates := &buildHeap{}
	heap.Init(candidates)

	entry := b.entryPoint
	entryDist := scalar.SquaredL2(b.vectors[entry], target)
	heap.Push(candidates, buildCand{id: entry, dist: entryDist})
	visited[entry] = struct{}{}

	results := make([]buildCand, 0, l*2)
	if entry != node {
		results = append(results, buildCand{id: entry, dist: entryDist})
	}

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(buildCand)

		if len(results) >= l {
			sortBuildCands(results)
			if curr.dist > results[l-1].dist {
				break
			}
		}

		b.graphMu.RLock()
		neighbors := append([]uint32(nil), b.graph[curr.id]...)
		b.graphMu.RUnlock()

		for _, neighbor := range neighbors {
			if neighbor == node {
				continue
			}
			if _, ok := visited[neighbor]; ok {
				continue
			}
			visited[neighbor] = struct{}{}

			dist := scalar.SquaredL2(b.vectors[neighbor], target)
			heap.Push(candidates, buildCand{id: neighbor, dist: dist})
			results = append(results, buildCand{id: neighbor, dist: dist})
		}

		if len(results) > l*2 {
			sortBuildCands(results)
			results = results[:l]
		}
	}

	sortBuildCands(results)
	if len(results) > l {
		results = results[:l]
	}
	return results
}

func (b *builder[T]) robustPrune(node uint32, candidates []buildCand) []uint32 {
	selected := make([]uint32, 0, b.params.R)
	for _, cand := range candidates {
		if len(selected) >= b.params.R {
			break
		}
		if cand.id == node {
			continue
		}

		dominated := false
		for _, s := range selected {
			between := scalar.SquaredL2(b.vectors[cand.id], b.vectors[s])
			if b.params.Alpha*between < cand.dist {
				dominated = true
				break
			}
		}
		if !dominated {
			selected = append(selected, cand.id)
		}
	}
	return selected
}

func (b *builder[T]) addReverseEdge(src, dst uint32) {
	b.graphMu.Lock()
	defer b.graphMu.Unlock()

	for _, n := range b.graph[src] {
		if n == dst {
			return
		}
	}
	b.graph[src] = append(b.graph[src], dst)

	if len(b.graph[src]) <= b.params.R {
		return
	}

	srcVec := b.vectors[src]
	candidates := make([]buildCand, 0, len(b.graph[src]))
	for _, n := range b.graph[src] {
		candidates = append(candidates, buildCand{id: n, dist: scalar.SquaredL2(srcVec, b.vectors[n])})
	}
	sortBuildCands(candidates)
	b.graph[src] = b.robustPrune(src, candidates)
}

// writeFiles writes the file family, each via temp file + rename.
func (b *builder[T]) writeFiles(prefix string) error {
	if err := atomicWriteFile(IndexPath(prefix), b.marshalIndexFile()); err != nil {
		return err
	}
	if err := atomicWriteFile(PQPivotsPath(prefix), b.marshalPQPivots()); err != nil {
		return err
	}
	if err := atomicWriteFile(PQCompressedPath(prefix), b.marshalPQCodes()); err != nil {
		return err
	}
	return WriteLabelsFile(BuilderLabelsPath(prefix), b.labels)
}

func (b *builder[T]) marshalIndexFile() []byte {
	n := len(b.vectors)
	elem := scalar.Size[T]()

	vecBytes := make([]byte, 0, n*b.dim*elem)
	for _, v := range b.vectors {
		vecBytes = scalar.AppendLE(vecBytes, v)
	}

	var graphRaw []byte
	for _, adj := range b.graph {
		graphRaw = binary.LittleEndian.AppendUint32(graphRaw, uint32(len(adj)))
		for _, e := range adj {
			graphRaw = binary.LittleEndian.AppendUint32(graphRaw, e)
		}
	}

	var graphBuf bytes.Buffer
	// writeBlocks only fails on writer errors; bytes.Buffer cannot fail.
	_ = writeBlocks(&graphBuf, graphRaw, b.params.Compression)

	header := FileHeader{
		Magic:         FormatMagic,
		Version:       FormatVersion,
		Dimension:     uint32(b.dim),
		Count:         uint64(n),
		ScalarKind:    uint32(scalar.KindOf[T]()),
		R:             uint32(b.params.R),
		L:             uint32(b.params.L),
		Alpha:         uint32(b.params.Alpha * 1000),
		EntryPoint:    b.entryPoint,
		VectorsOffset: HeaderSize,
		GraphOffset:   uint64(HeaderSize + len(vecBytes)),
	}
	header.SetCompression(b.params.Compression)

	var out bytes.Buffer
	out.Grow(HeaderSize + len(vecBytes) + graphBuf.Len())
	_, _ = header.WriteTo(&out)
	out.Write(vecBytes)
	out.Write(graphBuf.Bytes())
	return out.Bytes()
}

func (b *builder[T]) marshalPQPivots() []byte {
	m := b.pq.NumSubvectors()
	k := b.pq.NumCentroids()
	subDim := b.pq.SubvectorDim()

	out := make([]byte, 0, 12+m*k*subDim*4)
	out = binary.LittleEndian.AppendUint32(out, uint32(m))
	out = binary.LittleEndian.AppendUint32(out, uint32(k))
	out = binary.LittleEndian.AppendUint32(out, uint32(subDim))

	books := b.pq.Codebooks()
	for mi := 0; mi < m; mi++ {
		for ki := 0; ki < k; ki++ {
			out = scalar.AppendLE(out, books[mi][ki])
		}
	}
	return out
}

func (b *builder[T]) marshalPQCodes() []byte {
	m := b.pq.NumSubvectors()
	out := make([]byte, 0, 8+len(b.pqCodes)*m)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.pqCodes)))
	out = binary.LittleEndian.AppendUint32(out, uint32(m))
	for _, codes := range b.pqCodes {
		out = append(out, codes...)
	}
	return out
}

func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type buildCand struct {
	id   uint32
	dist float32
}

type buildHeap []buildCand

func (h buildHeap) Len() int           { return len(h) }
func (h buildHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h buildHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *buildHeap) Push(x any) {
	*h = append(*h, x.(buildCand))
}

func (h *buildHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func sortBuildCands(cands []buildCand) {
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
}

func squaredL2F(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
