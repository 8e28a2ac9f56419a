// Package freshdiskann implements a dynamic, disk-resident approximate
// nearest-neighbor index. A small mutable in-memory Vamana graph absorbs
// insertions, a large immutable on-disk Vamana index serves the bulk of the
// data, and a tombstone registry hides deletions until a merge folds
// everything into a freshly rebuilt on-disk index.
//
// Queries fan out to both indices and fuse the results; insert, remove and
// merge serialize against queries through a single readers-writer gate.
package freshdiskann

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/freshdiskann/diskindex"
	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/memindex"
	"github.com/hupe1980/freshdiskann/scalar"
)

// ErrInvalidSearchParams is returned when a search is issued with k <= 0 or
// a beam width smaller than k.
var ErrInvalidSearchParams = errors.New("freshdiskann: search requires k > 0 and l >= k")

// DynamicDiskIndex combines a mutable in-memory index, an immutable on-disk
// index and a tombstone registry behind one public surface.
type DynamicDiskIndex[T scalar.Scalar] struct {
	cfg       Config
	logger    *Logger
	threshold int

	// gate serializes mutations (insert, remove, merge) against queries.
	gate       sync.RWMutex
	mem        *memindex.Index[T]
	disk       *diskindex.Reader[T]
	tombstones *tombstoneRegistry
	labels     *labelMap
	merges     int

	// buildIndex is the external disk-build primitive, replaceable in tests.
	buildIndex func(ctx context.Context, dataFile, prefix string, p diskindex.BuildParams, labelFile string) error
}

// New constructs the overlay. The in-memory index starts empty with capacity
// for twice the merge threshold; the on-disk index is loaded if present, and
// a load failure leaves the overlay operating mem-only until the first merge.
func New[T scalar.Scalar](cfg Config) (*DynamicDiskIndex[T], error) {
	if cfg.Dimension <= 0 {
		return nil, &index.ErrInvalidDimension{Dimension: cfg.Dimension}
	}
	if cfg.DataFilePath == "" || cfg.IndexPrefix == "" {
		return nil, errors.New("freshdiskann: DataFilePath and IndexPrefix are required")
	}

	cfg = cfg.withDefaults()

	threshold := cfg.MemThreshold
	if threshold <= 0 {
		var err error
		threshold, err = planMemThreshold[T](cfg.Dimension, cfg.R, cfg.RAMBudgetGB)
		if err != nil {
			return nil, err
		}
	}

	// 2x capacity absorbs insertions that arrive while a merge is pending.
	mem, err := memindex.New[T](cfg.Dimension, 2*threshold, memindex.Options{
		R:     cfg.R,
		L:     cfg.L,
		Alpha: cfg.Alpha,
	})
	if err != nil {
		return nil, err
	}

	ix := &DynamicDiskIndex[T]{
		cfg:        cfg,
		logger:     cfg.Logger,
		threshold:  threshold,
		mem:        mem,
		tombstones: newTombstoneRegistry(),
		labels:     newLabelMap(),
		buildIndex: diskindex.Build[T],
	}

	if err := ix.loadDiskIndex(); err != nil {
		ix.logger.Info("no on-disk index loaded, starting mem-only",
			"prefix", cfg.IndexPrefix,
			"error", err,
		)
	}

	return ix, nil
}

func (ix *DynamicDiskIndex[T]) readerOptions() *diskindex.ReaderOptions {
	opts := diskindex.DefaultReaderOptions()
	opts.IOLimitBytesPerSec = ix.cfg.IOLimitBytesPerSec
	return opts
}

// loadDiskIndex loads the on-disk index and rebuilds the label map.
func (ix *DynamicDiskIndex[T]) loadDiskIndex() error {
	r, err := diskindex.Load[T](ix.cfg.IndexPrefix, ix.readerOptions())
	if err != nil {
		return err
	}
	ix.disk = r
	ix.labels = buildLabelMap(r, diskindex.LabelsPath(ix.cfg.IndexPrefix), ix.logger)
	return nil
}

// Threshold returns the in-memory point count that triggers a merge.
func (ix *DynamicDiskIndex[T]) Threshold() int { return ix.threshold }

// R returns the configured maximum graph degree.
func (ix *DynamicDiskIndex[T]) R() int { return ix.cfg.R }

// L returns the configured build candidate list size.
func (ix *DynamicDiskIndex[T]) L() int { return ix.cfg.L }

// Insert adds a (vector, label) pair. Reinserting a tombstoned label
// resurrects it with the new vector; the stale on-disk copy stays hidden,
// and after later merges it remains hidden as a superseded row. Crossing the merge threshold triggers a merge after
// the mutation gate is released.
func (ix *DynamicDiskIndex[T]) Insert(ctx context.Context, v []T, label index.Label) error {
	ix.gate.Lock()

	if ix.tombstones.isDeletedLabel(label) {
		ix.tombstones.unmarkDeleted(label)
		// The old on-disk version must not resurface; the mem copy shadows it.
		if row, ok := ix.labels.rowOf(label); ok {
			ix.tombstones.markRowDeleted(row)
		}
	}

	if err := ix.mem.Insert(v, label); err != nil {
		ix.gate.Unlock()
		return err
	}

	trigger := ix.mem.NumPoints() >= ix.threshold
	ix.gate.Unlock()

	// The check-then-act window is tolerated: threshold crossing is
	// monotone within an insert burst, and a merge of an under-full mem
	// index is harmless.
	if trigger {
		return ix.Merge(ctx)
	}
	return nil
}

// Remove tombstones a label. Searches beginning after Remove returns never
// yield the label. Removing an absent label is observably successful.
func (ix *DynamicDiskIndex[T]) Remove(_ context.Context, label index.Label) error {
	ix.gate.Lock()
	defer ix.gate.Unlock()

	ix.tombstones.markDeleted(label)
	if row, ok := ix.labels.rowOf(label); ok {
		ix.tombstones.markRowDeleted(row)
	}

	if err := ix.mem.LazyDelete(label); err != nil {
		ix.logger.LogSoftError("remove", label, err)
	}
	return nil
}

// Search returns the k nearest labels and distances for query using a beam
// of width l (l >= k; 0 selects the configured default). Unused output slots
// carry label 0 and the maximum finite distance.
func (ix *DynamicDiskIndex[T]) Search(ctx context.Context, query []T, k, l int) ([]index.Label, []float32, error) {
	if l == 0 {
		l = ix.cfg.SearchL
		if l < 2*k {
			l = 2 * k
		}
	}
	if k <= 0 || l < k {
		return nil, nil, ErrInvalidSearchParams
	}
	if len(query) != ix.cfg.Dimension {
		return nil, nil, &index.ErrDimensionMismatch{Expected: ix.cfg.Dimension, Actual: len(query)}
	}

	ix.gate.RLock()
	defer ix.gate.RUnlock()

	var (
		memResults  []index.SearchResult
		diskResults []diskindex.RowResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		memResults = ix.mem.SearchWithTags(query, k, l)
		return nil
	})
	if ix.disk != nil {
		g.Go(func() error {
			var err error
			diskResults, err = ix.disk.Search(gctx, query, k, l, 0, ix.tombstones.rows())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	// Fuse: mem results precede disk results so that equal distances break
	// toward the in-memory (freshest) copy.
	combined := make([]index.SearchResult, 0, len(memResults)+len(diskResults))
	for _, r := range memResults {
		if ix.tombstones.isDeletedLabel(r.Label) {
			continue
		}
		combined = append(combined, r)
	}
	for _, r := range diskResults {
		if ix.tombstones.isDeletedRow(r.Row) {
			continue
		}
		label, ok := ix.disk.GetLabel(r.Row)
		if !ok {
			ix.logger.Debug("dropping disk result without label", "row", r.Row)
			continue
		}
		if ix.tombstones.isDeletedLabel(label) {
			continue
		}
		combined = append(combined, index.SearchResult{Label: label, Distance: r.Distance})
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Distance < combined[j].Distance
	})

	labels := make([]index.Label, k)
	distances := make([]float32, k)
	for i := range distances {
		distances[i] = math.MaxFloat32
	}

	seen := make(map[index.Label]struct{}, k)
	out := 0
	for _, r := range combined {
		if _, dup := seen[r.Label]; dup {
			continue
		}
		seen[r.Label] = struct{}{}
		labels[out] = r.Label
		distances[out] = r.Distance
		out++
		if out == k {
			break
		}
	}

	return labels, distances, nil
}

// Merge folds the in-memory index and tombstones into a freshly rebuilt
// on-disk index. It is a stop-the-world operation: the exclusive gate is
// held for the duration.
func (ix *DynamicDiskIndex[T]) Merge(ctx context.Context) error {
	ix.gate.Lock()
	defer ix.gate.Unlock()
	return ix.mergeLocked(ctx)
}

// Stats describes the current overlay state.
type Stats struct {
	MemPoints     int
	DiskPoints    int
	DeletedLabels uint64
	DeletedRows   uint64
	Merges        int
	Threshold     int
}

// Stats returns a snapshot of the overlay state.
func (ix *DynamicDiskIndex[T]) Stats() Stats {
	ix.gate.RLock()
	defer ix.gate.RUnlock()

	s := Stats{
		MemPoints:     ix.mem.NumPoints(),
		DeletedLabels: ix.tombstones.deletedLabels.GetCardinality(),
		DeletedRows:   ix.tombstones.deletedRows.GetCardinality(),
		Merges:        ix.merges,
		Threshold:     ix.threshold,
	}
	if ix.disk != nil {
		s.DiskPoints = ix.disk.NumPoints()
	}
	return s
}

// MemPoints returns the number of live in-memory points.
func (ix *DynamicDiskIndex[T]) MemPoints() int {
	ix.gate.RLock()
	defer ix.gate.RUnlock()
	return ix.mem.NumPoints()
}

// DiskPoints returns the number of rows in the on-disk index.
func (ix *DynamicDiskIndex[T]) DiskPoints() int {
	ix.gate.RLock()
	defer ix.gate.RUnlock()
	if ix.disk == nil {
		return 0
	}
	return ix.disk.NumPoints()
}

// Close releases the on-disk index mapping. The overlay is unusable after.
func (ix *DynamicDiskIndex[T]) Close() error {
	ix.gate.Lock()
	defer ix.gate.Unlock()

	if ix.disk != nil {
		err := ix.disk.Close()
		ix.disk = nil
		return err
	}
	return nil
}
