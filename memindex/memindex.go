// Package memindex implements the mutable in-memory Vamana index that absorbs
// insertions between merges. Points are addressed by caller-supplied tags,
// deletions are lazy, and ConsolidateDeletes compacts the structure in place.
package memindex

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/scalar"
)

// Options configures graph construction.
type Options struct {
	// R is the maximum number of edges per node.
	R int

	// L is the candidate list size during construction.
	L int

	// Alpha is the Vamana pruning factor (>= 1.0).
	Alpha float32
}

// DefaultOptions returns sensible construction defaults.
func DefaultOptions() Options {
	return Options{R: 32, L: 64, Alpha: 1.2}
}

// Index is a dynamic in-memory Vamana graph with tag addressing.
//
// Slots are append-only between consolidations: a lazy delete only sets a bit,
// and the slot is reclaimed by ConsolidateDeletes. A tag maps to at most one
// live slot; reinserting an existing tag shadows (and lazily deletes) the
// previous slot.
type Index[T scalar.Scalar] struct {
	dim       int
	maxPoints int
	opts      Options

	mu         sync.RWMutex
	vectors    [][]T
	tags       []index.Label
	tagToSlot  map[index.Label]uint32
	graph      [][]uint32
	entryPoint uint32
	deleted    *bitset.BitSet

	visitedPool sync.Pool
}

// New creates an empty index with capacity for maxPoints live points.
func New[T scalar.Scalar](dim, maxPoints int, opts Options) (*Index[T], error) {
	if dim <= 0 {
		return nil, &index.ErrInvalidDimension{Dimension: dim}
	}

	ix := &Index[T]{
		dim:       dim,
		maxPoints: maxPoints,
		opts:      opts,
	}
	ix.visitedPool = sync.Pool{
		New: func() any {
			return bitset.New(1024)
		},
	}
	ix.InitEmpty()

	return ix, nil
}

// InitEmpty resets the index to its empty state, retaining capacity settings.
func (ix *Index[T]) InitEmpty() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.vectors = make([][]T, 0, ix.maxPoints)
	ix.tags = make([]index.Label, 0, ix.maxPoints)
	ix.tagToSlot = make(map[index.Label]uint32)
	ix.graph = make([][]uint32, 0, ix.maxPoints)
	ix.entryPoint = 0
	ix.deleted = bitset.New(uint(ix.maxPoints))
}

// Dimension returns the vector dimension.
func (ix *Index[T]) Dimension() int { return ix.dim }

// NumPoints returns the number of live (not lazy-deleted) points.
func (ix *Index[T]) NumPoints() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors) - int(ix.deleted.Count())
}

// Insert adds a (vector, tag) pair. An existing live tag is shadowed: its old
// slot is lazily deleted and the new vector takes over the tag.
func (ix *Index[T]) Insert(v []T, tag index.Label) error {
	if len(v) != ix.dim {
		return &index.ErrDimensionMismatch{Expected: ix.dim, Actual: len(v)}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.vectors)-int(ix.deleted.Count()) >= ix.maxPoints {
		return &index.ErrCapacityExceeded{MaxPoints: ix.maxPoints}
	}

	if old, ok := ix.tagToSlot[tag]; ok {
		ix.deleted.Set(uint(old))
	}

	slot := uint32(len(ix.vectors))
	vec := make([]T, len(v))
	copy(vec, v)
	ix.vectors = append(ix.vectors, vec)
	ix.tags = append(ix.tags, tag)
	ix.tagToSlot[tag] = slot
	ix.graph = append(ix.graph, nil)

	if slot == 0 {
		ix.entryPoint = 0
		return nil
	}

	neighbors := ix.findNeighbors(vec, slot)
	ix.graph[slot] = neighbors
	ix.repairReverseEdges(slot, vec, neighbors)

	// Prefer a high-degree node as the search starting point.
	if len(neighbors) > len(ix.graph[ix.entryPoint]) {
		ix.entryPoint = slot
	}

	return nil
}

// LazyDelete marks the tag's slot as deleted without removing it. Deleting an
// absent tag returns ErrTagNotFound, which callers may treat as soft.
func (ix *Index[T]) LazyDelete(tag index.Label) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	slot, ok := ix.tagToSlot[tag]
	if !ok {
		return &index.ErrTagNotFound{Tag: tag}
	}

	ix.deleted.Set(uint(slot))
	delete(ix.tagToSlot, tag)
	return nil
}

// ConsolidateDeletes physically removes lazy-deleted slots and compacts the
// graph, remapping edges onto the surviving slots.
func (ix *Index[T]) ConsolidateDeletes() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.deleted.Count() == 0 {
		return
	}

	remap := make(map[uint32]uint32, len(ix.vectors))
	newVectors := make([][]T, 0, len(ix.vectors))
	newTags := make([]index.Label, 0, len(ix.vectors))

	for slot := uint32(0); slot < uint32(len(ix.vectors)); slot++ {
		if ix.deleted.Test(uint(slot)) {
			continue
		}
		remap[slot] = uint32(len(newVectors))
		newVectors = append(newVectors, ix.vectors[slot])
		newTags = append(newTags, ix.tags[slot])
	}

	newGraph := make([][]uint32, len(newVectors))
	for oldSlot, newSlot := range remap {
		edges := make([]uint32, 0, len(ix.graph[oldSlot]))
		for _, n := range ix.graph[oldSlot] {
			if mapped, ok := remap[n]; ok {
				edges = append(edges, mapped)
			}
		}
		newGraph[newSlot] = edges
	}

	if mapped, ok := remap[ix.entryPoint]; ok {
		ix.entryPoint = mapped
	} else {
		ix.entryPoint = 0
	}

	ix.vectors = newVectors
	ix.tags = newTags
	ix.graph = newGraph
	ix.deleted = bitset.New(uint(ix.maxPoints))

	ix.tagToSlot = make(map[index.Label]uint32, len(newTags))
	for slot, tag := range newTags {
		ix.tagToSlot[tag] = uint32(slot)
	}
}

// SearchWithTags returns up to k nearest live entries as (tag, distance)
// pairs, using a beam of width l. Lazy-deleted slots are never returned.
func (ix *Index[T]) SearchWithTags(query []T, k, l int) []index.SearchResult {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.vectors) == 0 || k <= 0 {
		return nil
	}
	if l < k {
		l = k
	}

	candidates := ix.beamSearch(query, l, ^uint32(0))

	results := make([]index.SearchResult, 0, k)
	for _, c := range candidates {
		if ix.deleted.Test(uint(c.id)) {
			continue
		}
		results = append(results, index.SearchResult{Label: ix.tags[c.id], Distance: c.dist})
		if len(results) == k {
			break
		}
	}

	return results
}

// beamSearch runs best-first graph traversal from the entry point, returning
// candidate slots sorted by exact distance. excludeSlot is skipped entirely
// (used during insertion); pass ^uint32(0) to disable.
func (ix *Index[T]) beamSearch(query []T, beamWidth int, excludeSlot uint32) []distNode {
	n := uint32(len(ix.vectors))
	entry := ix.entryPoint
	if entry >= n {
		return nil
	}

	visited := ix.getVisited(uint(n))
	defer ix.putVisited(visited)

	candidates := &distHeap{}
	heap.Init(candidates)

	entryDist := scalar.SquaredL2(query, ix.vectors[entry])
	heap.Push(candidates, distNode{id: entry, dist: entryDist})
	visited.Set(uint(entry))

	results := make([]distNode, 0, beamWidth*2)
	if entry != excludeSlot {
		results = append(results, distNode{id: entry, dist: entryDist})
	}

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(distNode)

		if len(results) >= beamWidth {
			sortDistNodes(results)
			if curr.dist > results[beamWidth-1].dist {
				break
			}
		}

		for _, neighbor := range ix.graph[curr.id] {
			if neighbor >= n || visited.Test(uint(neighbor)) || neighbor == excludeSlot {
				continue
			}
			visited.Set(uint(neighbor))

			dist := scalar.SquaredL2(query, ix.vectors[neighbor])
			heap.Push(candidates, distNode{id: neighbor, dist: dist})
			results = append(results, distNode{id: neighbor, dist: dist})

			if len(results) > beamWidth*2 {
				sortDistNodes(results)
				results = results[:beamWidth*2]
			}
		}
	}

	sortDistNodes(results)
	return results
}

// findNeighbors selects up to R diverse neighbors for a new slot via greedy
// search plus robust pruning.
func (ix *Index[T]) findNeighbors(vec []T, slot uint32) []uint32 {
	candidates := ix.beamSearch(vec, ix.opts.L, slot)
	return ix.robustPrune(vec, candidates, ix.opts.R)
}

// robustPrune applies the Vamana alpha-RNG pruning rule: a candidate is
// rejected when an already-selected neighbor dominates it.
func (ix *Index[T]) robustPrune(center []T, candidates []distNode, r int) []uint32 {
	selected := make([]uint32, 0, r)

	for _, cand := range candidates {
		if len(selected) >= r {
			break
		}

		dominated := false
		for _, s := range selected {
			between := scalar.SquaredL2(ix.vectors[cand.id], ix.vectors[s])
			if ix.opts.Alpha*between < cand.dist {
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

// repairReverseEdges adds the new slot as a candidate edge of each of its
// neighbors and re-prunes their adjacency lists. Required for Vamana graph
// quality after every insertion.
func (ix *Index[T]) repairReverseEdges(slot uint32, vec []T, neighbors []uint32) {
	for _, neighbor := range neighbors {
		nVec := ix.vectors[neighbor]

		candidates := make([]distNode, 0, len(ix.graph[neighbor])+1)
		for _, e := range ix.graph[neighbor] {
			candidates = append(candidates, distNode{id: e, dist: scalar.SquaredL2(nVec, ix.vectors[e])})
		}
		candidates = append(candidates, distNode{id: slot, dist: scalar.SquaredL2(nVec, vec)})

		sortDistNodes(candidates)
		ix.graph[neighbor] = ix.robustPrune(nVec, candidates, ix.opts.R)
	}
}

func (ix *Index[T]) getVisited(size uint) *bitset.BitSet {
	bs := ix.visitedPool.Get().(*bitset.BitSet)
	bs.ClearAll()
	if bs.Len() < size {
		bs = bitset.New(size)
	}
	return bs
}

func (ix *Index[T]) putVisited(bs *bitset.BitSet) {
	ix.visitedPool.Put(bs)
}

// distNode is a slot with its distance for heap and sort operations.
type distNode struct {
	id   uint32
	dist float32
}

type distHeap []distNode

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x any) {
	*h = append(*h, x.(distNode))
}

func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func sortDistNodes(nodes []distNode) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].dist < nodes[j].dist })
}
