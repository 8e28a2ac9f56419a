package diskindex

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"golang.org/x/time/rate"

	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/internal/mmap"
	"github.com/hupe1980/freshdiskann/quantization"
	"github.com/hupe1980/freshdiskann/scalar"
)

// ReaderOptions configures a loaded index.
type ReaderOptions struct {
	// RerankK is the number of beam candidates reranked with exact
	// distances from the vectors section. Values below 2*k are raised to
	// 2*k at search time.
	RerankK int

	// IOLimitBytesPerSec throttles vector reads during rerank. Zero means
	// unlimited.
	IOLimitBytesPerSec float64
}

// DefaultReaderOptions returns sensible search defaults.
func DefaultReaderOptions() *ReaderOptions {
	return &ReaderOptions{RerankK: 100}
}

// RowResult is a search hit addressed by physical row.
type RowResult struct {
	Row      index.RowID
	Distance float32
}

// Reader serves beam searches against a built index family. The graph, PQ
// data and labels are held in memory; raw vectors are read from the mmap'd
// vectors section.
type Reader[T scalar.Scalar] struct {
	prefix string
	opts   *ReaderOptions

	header  FileHeader
	mapping *mmap.File
	graph   [][]uint32
	labels  []index.Label

	pq      *quantization.ProductQuantizer
	pqCodes [][]byte

	limiter     *rate.Limiter
	visitedPool sync.Pool
}

// Load opens the index family under prefix. The caller owns the returned
// reader and must Close it to release the mapping.
func Load[T scalar.Scalar](prefix string, opts *ReaderOptions) (*Reader[T], error) {
	if opts == nil {
		opts = DefaultReaderOptions()
	}

	mapping, err := mmap.Open(IndexPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("diskindex: open index file: %w", err)
	}

	r := &Reader[T]{prefix: prefix, opts: opts, mapping: mapping}
	if err := r.load(); err != nil {
		mapping.Close()
		return nil, err
	}

	if opts.IOLimitBytesPerSec > 0 {
		burst := int(opts.IOLimitBytesPerSec)
		if burst < 1<<20 {
			burst = 1 << 20
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.IOLimitBytesPerSec), burst)
	}
	r.visitedPool = sync.Pool{
		New: func() any {
			return bitset.New(1024)
		},
	}

	return r, nil
}

func (r *Reader[T]) load() error {
	data := r.mapping.Bytes()
	if len(data) < HeaderSize {
		return fmt.Errorf("diskindex: index file too short: %d bytes", len(data))
	}

	if _, err := r.header.ReadFrom(bytes.NewReader(data)); err != nil {
		return err
	}
	if err := r.header.Validate(); err != nil {
		return err
	}
	if got := scalar.KindOf[T](); r.header.Kind() != got {
		return fmt.Errorf("diskindex: scalar kind mismatch: file has %s, reader instantiated for %s", r.header.Kind(), got)
	}

	n := int(r.header.Count)
	elem := scalar.Size[T]()
	wantVectors := int(r.header.VectorsOffset) + n*int(r.header.Dimension)*elem
	if len(data) < wantVectors || int(r.header.GraphOffset) > len(data) {
		return fmt.Errorf("diskindex: index file truncated: %d bytes", len(data))
	}

	graphRaw, err := decompressBlocks(data[r.header.GraphOffset:], r.header.Compression())
	if err != nil {
		return fmt.Errorf("diskindex: decompress graph: %w", err)
	}

	r.graph = make([][]uint32, n)
	off := 0
	for i := 0; i < n; i++ {
		if off+4 > len(graphRaw) {
			return fmt.Errorf("diskindex: graph truncated at node %d", i)
		}
		degree := int(binary.LittleEndian.Uint32(graphRaw[off:]))
		off += 4
		if off+degree*4 > len(graphRaw) {
			return fmt.Errorf("diskindex: graph truncated at node %d", i)
		}
		adj := make([]uint32, degree)
		for j := 0; j < degree; j++ {
			adj[j] = binary.LittleEndian.Uint32(graphRaw[off:])
			off += 4
		}
		r.graph[i] = adj
	}

	if err := r.loadPQ(); err != nil {
		return err
	}

	// The builder-emitted labels file maps rows to labels. A missing file
	// leaves GetLabel failing for every row; callers fall back accordingly.
	labels, err := ReadLabelsFile(BuilderLabelsPath(r.prefix))
	if err == nil && len(labels) == n {
		r.labels = labels
	}

	return nil
}

func (r *Reader[T]) loadPQ() error {
	raw, err := os.ReadFile(PQPivotsPath(r.prefix))
	if err != nil {
		return fmt.Errorf("diskindex: read pq pivots: %w", err)
	}
	if len(raw) < 12 {
		return fmt.Errorf("diskindex: pq pivots too short: %d bytes", len(raw))
	}

	m := int(binary.LittleEndian.Uint32(raw[0:]))
	k := int(binary.LittleEndian.Uint32(raw[4:]))
	subDim := int(binary.LittleEndian.Uint32(raw[8:]))
	if len(raw) < 12+m*k*subDim*4 {
		return fmt.Errorf("diskindex: pq pivots truncated")
	}

	books := make([][][]float32, m)
	off := 12
	for mi := 0; mi < m; mi++ {
		books[mi] = make([][]float32, k)
		for ki := 0; ki < k; ki++ {
			books[mi][ki] = scalar.DecodeLE[float32](raw[off:], subDim)
			off += subDim * 4
		}
	}

	pq, err := quantization.NewProductQuantizer(m*subDim, m, k)
	if err != nil {
		return err
	}
	pq.SetCodebooks(books)
	r.pq = pq

	codesRaw, err := os.ReadFile(PQCompressedPath(r.prefix))
	if err != nil {
		return fmt.Errorf("diskindex: read pq codes: %w", err)
	}
	if len(codesRaw) < 8 {
		return fmt.Errorf("diskindex: pq codes too short: %d bytes", len(codesRaw))
	}
	n := int(binary.LittleEndian.Uint32(codesRaw[0:]))
	cm := int(binary.LittleEndian.Uint32(codesRaw[4:]))
	if cm != m || n != int(r.header.Count) || len(codesRaw) < 8+n*m {
		return fmt.Errorf("diskindex: pq codes shape mismatch: %d rows of %d codes", n, cm)
	}

	r.pqCodes = make([][]byte, n)
	for i := 0; i < n; i++ {
		r.pqCodes[i] = codesRaw[8+i*m : 8+(i+1)*m]
	}

	return nil
}

// NumPoints returns the number of rows in the index.
func (r *Reader[T]) NumPoints() int {
	return int(r.header.Count)
}

// GetLabel resolves the label of a row. The second return is false when the
// row is out of range or no label mapping was loaded.
func (r *Reader[T]) GetLabel(row index.RowID) (index.Label, bool) {
	if int(row) >= len(r.labels) {
		return 0, false
	}
	return r.labels[row], true
}

// Search returns up to k rows nearest to query using a beam of width l.
// Rows present in deleted never appear in results. ioLimit caps the number of
// node expansions; zero or negative means unlimited. Candidates from the PQ
// beam are reranked with exact distances before the final cut.
func (r *Reader[T]) Search(ctx context.Context, query []T, k, l int, ioLimit int, deleted *roaring.Bitmap) ([]RowResult, error) {
	if len(query) != int(r.header.Dimension) {
		return nil, &index.ErrDimensionMismatch{Expected: int(r.header.Dimension), Actual: len(query)}
	}
	if k <= 0 || len(r.graph) == 0 {
		return nil, nil
	}
	if l < k {
		l = k
	}

	widened := scalar.Widen(query, nil)
	table := r.pq.BuildDistanceTable(widened)

	candidates := r.beamSearch(table, l, ioLimit, deleted)

	rerankK := r.opts.RerankK
	if rerankK < 2*k {
		rerankK = 2 * k
	}
	if len(candidates) > rerankK {
		candidates = candidates[:rerankK]
	}

	// Exact rerank against the mmap'd vectors section keeps disk distances
	// comparable with the exact distances of the in-memory index.
	elem := scalar.Size[T]()
	rowBytes := int(r.header.Dimension) * elem
	results := make([]RowResult, 0, len(candidates))
	for _, c := range candidates {
		if r.limiter != nil {
			if err := r.limiter.WaitN(ctx, rowBytes); err != nil {
				return nil, err
			}
		}
		vec := r.vectorAt(c.Row)
		if vec == nil {
			continue
		}
		results = append(results, RowResult{Row: c.Row, Distance: scalar.SquaredL2(query, vec)})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// beamSearch traverses the graph with PQ approximate distances.
func (r *Reader[T]) beamSearch(table []float32, beamWidth, ioLimit int, deleted *roaring.Bitmap) []RowResult {
	n := uint32(len(r.graph))
	entry := r.header.EntryPoint
	if entry >= n {
		return nil
	}

	visited := r.getVisited(uint(n))
	defer r.putVisited(visited)

	candidates := &readHeap{}
	heap.Init(candidates)

	entryDist := r.pq.AdcDistance(table, r.pqCodes[entry])
	heap.Push(candidates, RowResult{Row: entry, Distance: entryDist})
	visited.Set(uint(entry))

	results := make([]RowResult, 0, beamWidth*2)
	// A deleted entry point still navigates; it just never lands in results.
	if deleted == nil || !deleted.Contains(entry) {
		results = append(results, RowResult{Row: entry, Distance: entryDist})
	}

	expansions := 0
	for candidates.Len() > 0 {
		if ioLimit > 0 && expansions >= ioLimit {
			break
		}
		curr := heap.Pop(candidates).(RowResult)
		expansions++

		if len(results) >= beamWidth {
			sortRowResults(results)
			if curr.Distance > results[beamWidth-1].Distance {
				break
			}
		}

		for _, neighbor := range r.graph[curr.Row] {
			if neighbor >= n || visited.Test(uint(neighbor)) {
				continue
			}
			visited.Set(uint(neighbor))

			dist := r.pq.AdcDistance(table, r.pqCodes[neighbor])
			heap.Push(candidates, RowResult{Row: neighbor, Distance: dist})

			if deleted == nil || !deleted.Contains(neighbor) {
				results = append(results, RowResult{Row: neighbor, Distance: dist})
			}
		}

		if len(results) > beamWidth*2 {
			sortRowResults(results)
			results = results[:beamWidth*2]
		}
	}

	sortRowResults(results)
	if len(results) > beamWidth {
		results = results[:beamWidth]
	}
	return results
}

// vectorAt decodes the raw vector of a row from the vectors section.
func (r *Reader[T]) vectorAt(row index.RowID) []T {
	elem := scalar.Size[T]()
	dim := int(r.header.Dimension)
	off := int(r.header.VectorsOffset) + int(row)*dim*elem
	data := r.mapping.Bytes()
	if off < 0 || off+dim*elem > len(data) {
		return nil
	}
	return scalar.DecodeLE[T](data[off:], dim)
}

// Close releases the mmap.
func (r *Reader[T]) Close() error {
	if r == nil {
		return nil
	}
	return r.mapping.Close()
}

func (r *Reader[T]) getVisited(size uint) *bitset.BitSet {
	bs := r.visitedPool.Get().(*bitset.BitSet)
	bs.ClearAll()
	if bs.Len() < size {
		bs = bitset.New(size)
	}
	return bs
}

func (r *Reader[T]) putVisited(bs *bitset.BitSet) {
	r.visitedPool.Put(bs)
}

type readHeap []RowResult

func (h readHeap) Len() int           { return len(h) }
func (h readHeap) Less(i, j int) bool { return h[i].Distance < h[j].Distance }
func (h readHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *readHeap) Push(x any) {
	*h = append(*h, x.(RowResult))
}

func (h *readHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func sortRowResults(rs []RowResult) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Distance < rs[j].Distance })
}
