package freshdiskann

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"github.com/hupe1980/freshdiskann/blobstore"
	"github.com/hupe1980/freshdiskann/diskindex"
	"github.com/hupe1980/freshdiskann/scalar"
)

// Construction errors.
var (
	// ErrNoCapacityConfig is returned when neither MemThreshold nor
	// RAMBudgetGB is provided.
	ErrNoCapacityConfig = errors.New("freshdiskann: either MemThreshold or RAMBudgetGB must be set")

	// ErrBudgetTooSmall is returned when the RAM budget cannot hold a
	// single in-memory point.
	ErrBudgetTooSmall = errors.New("freshdiskann: RAM budget too small for a single point")
)

// Config configures a DynamicDiskIndex. The distance metric is squared L2.
type Config struct {
	// Dimension is the vector dimension. Required.
	Dimension int

	// R is the maximum graph degree. Zero means 32.
	R int

	// L is the candidate list size during build. Zero means 64.
	L int

	// Alpha is the Vamana pruning factor. Zero means 1.2.
	Alpha float32

	// SearchL is the default beam width when a search passes l == 0.
	// Values below 2*k, including zero, are raised to 2*k at search time.
	SearchL int

	// PQSubvectors is the requested number of PQ subvectors. Zero means 8.
	PQSubvectors int

	// PQCentroids is the number of PQ centroids per subspace. Zero means 256.
	PQCentroids int

	// Compression selects the graph block compression of the on-disk index.
	Compression diskindex.CompressionType

	// DataFilePath is the base data file holding all committed vectors.
	// Required.
	DataFilePath string

	// IndexPrefix is the path prefix of the on-disk index family. Required.
	IndexPrefix string

	// MemThreshold is the in-memory point count that triggers a merge.
	// When zero, the threshold is derived from RAMBudgetGB.
	MemThreshold int

	// RAMBudgetGB is the overall memory budget in gigabytes. 20% is
	// reserved for the in-memory index; the rest covers disk cache and
	// build transients.
	RAMBudgetGB float64

	// Threads bounds build parallelism. Zero means runtime.NumCPU().
	Threads int

	// IOLimitBytesPerSec throttles disk-index reads. Zero means unlimited.
	IOLimitBytesPerSec float64

	// Logger receives soft errors and merge progress. Nil means a text
	// logger to stderr.
	Logger *Logger

	// SnapshotStore, when set, receives a copy of the index family after
	// every successful merge.
	SnapshotStore blobstore.BlobStore
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.R == 0 {
		out.R = 32
	}
	if out.L == 0 {
		out.L = 64
	}
	if out.Alpha == 0 {
		out.Alpha = 1.2
	}
	if out.PQSubvectors == 0 {
		out.PQSubvectors = 8
	}
	if out.PQCentroids == 0 {
		out.PQCentroids = 256
	}
	if out.Threads == 0 {
		out.Threads = runtime.NumCPU()
	}
	if out.Logger == nil {
		out.Logger = NewLogger(nil)
	}
	return out
}

// buildParams derives the external build parameters from the configuration.
// The build and PQ memory budgets take 70% of the overall budget, with
// floors keeping tiny budgets workable.
func (c *Config) buildParams() diskindex.BuildParams {
	return diskindex.BuildParams{
		R:            c.R,
		L:            c.L,
		Alpha:        c.Alpha,
		PQSubvectors: c.PQSubvectors,
		PQCentroids:  c.PQCentroids,
		BuildRAMGB:   math.Max(0.003, c.RAMBudgetGB*0.7),
		PQRAMGB:      math.Max(0.001, c.RAMBudgetGB*0.7),
		Threads:      c.Threads,
		Compression:  c.Compression,
	}
}

// Capacity planner constants. The dynamic index keeps 20% of the caller's
// budget; the remainder is reserved for the disk cache and build transients.
const (
	overheadFactor    = 1.1
	graphSlackFactor  = 1.3
	dynamicIndexRatio = 0.2
)

// planMemThreshold derives the in-memory point threshold from a RAM budget.
func planMemThreshold[T scalar.Scalar](dim, degree int, budgetGB float64) (int, error) {
	if budgetGB <= 0 {
		return 0, ErrNoCapacityConfig
	}

	alignedDim := (dim + 7) / 8 * 8
	perPoint := overheadFactor * (float64(alignedDim*scalar.Size[T]()) +
		float64(degree)*4*graphSlackFactor +
		float64(unsafe.Sizeof(sync.Mutex{})) +
		float64(unsafe.Sizeof(uintptr(0))))

	threshold := int(budgetGB * float64(1<<30) * dynamicIndexRatio / perPoint)
	if threshold < 1 {
		return 0, ErrBudgetTooSmall
	}
	return threshold, nil
}
