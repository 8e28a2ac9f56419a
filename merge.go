package freshdiskann

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/freshdiskann/diskindex"
	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/memindex"
	"github.com/hupe1980/freshdiskann/scalar"
)

// ErrMergeDimensionMismatch is returned when the base data file carries a
// dimension different from the index configuration.
var ErrMergeDimensionMismatch = errors.New("freshdiskann: base data file dimension mismatch")

// mergeLocked rebuilds the on-disk index from the base data file after
// folding in the in-memory points. The exclusive gate must be held.
//
// The merge is not transactional: a failure after the append step leaves the
// base data file enlarged but the on-disk index stale. A recovery snapshot of
// the pre-merge data file and labels sidecar is written beforehand and can be
// applied with RestorePreMergeSnapshot.
func (ix *DynamicDiskIndex[T]) mergeLocked(ctx context.Context) error {
	prefix := ix.cfg.IndexPrefix
	dataFile := ix.cfg.DataFilePath

	// Step 1: physically remove lazy-deleted entries from the mem index.
	ix.mem.ConsolidateDeletes()

	// Step 2: snapshot the mem index next to the on-disk family.
	tempPrefix := diskindex.TempMemPath(prefix)
	numActive, err := ix.mem.Save(tempPrefix)
	if err != nil {
		return fmt.Errorf("freshdiskann: snapshot mem index: %w", err)
	}

	// Steps 3-4: inspect the base data file header.
	oldN, fresh, err := ix.inspectDataFile(dataFile)
	if err != nil {
		removeTempFiles(tempPrefix)
		return err
	}

	if oldN+numActive == 0 {
		removeTempFiles(tempPrefix)
		ix.logger.Info("merge skipped, nothing to build")
		return nil
	}

	// Recovery snapshot of the files the merge is about to mutate. A failed
	// snapshot does not block the merge.
	if !fresh {
		if err := writePreMergeSnapshot(prefix, dataFile, diskindex.LabelsPath(prefix)); err != nil {
			ix.logger.Warn("pre-merge snapshot failed", "error", err)
		}
	}

	// Step 5: append the snapshot vectors and bump the header count.
	if err := appendVectors[T](dataFile, tempPrefix, ix.cfg.Dimension, oldN, numActive, fresh); err != nil {
		return fmt.Errorf("freshdiskann: append vectors: %w", err)
	}

	// Step 6: reconcile the labels sidecar with the enlarged data file.
	if err := ix.reconcileLabels(prefix, tempPrefix, oldN); err != nil {
		return fmt.Errorf("freshdiskann: reconcile labels: %w", err)
	}

	// Step 7: release the disk handle so its files can be replaced.
	if ix.disk != nil {
		if err := ix.disk.Close(); err != nil {
			ix.logger.Warn("closing disk index", "error", err)
		}
		ix.disk = nil
	}

	// Step 8: drop stale PQ artifacts so the builder regenerates them.
	_ = os.Remove(diskindex.PQPivotsPath(prefix))
	_ = os.Remove(diskindex.PQCompressedPath(prefix))

	// Step 9: invoke the external build primitive.
	if err := ix.buildIndex(ctx, dataFile, prefix, ix.cfg.buildParams(), diskindex.LabelsPath(prefix)); err != nil {
		ix.logger.LogMerge(numActive, 0, err)
		return fmt.Errorf("freshdiskann: disk build failed, data file committed but index stale: %w", err)
	}

	// Step 10: the builder may emit a numerically recoded labels file;
	// restore the authoritative sidecar over its output path.
	labels, err := diskindex.ReadLabelsFile(diskindex.LabelsPath(prefix))
	if err != nil {
		return fmt.Errorf("freshdiskann: reread labels sidecar: %w", err)
	}
	if err := diskindex.WriteLabelsFile(diskindex.BuilderLabelsPath(prefix), labels); err != nil {
		return fmt.Errorf("freshdiskann: restore builder labels: %w", err)
	}

	// Step 11: reload the disk index and rebuild the label map. Unlike the
	// startup load, a post-merge reload failure is fatal.
	if err := ix.loadDiskIndex(); err != nil {
		return fmt.Errorf("freshdiskann: reload disk index: %w", err)
	}

	// Step 12: reset the mem index.
	ix.mem.InitEmpty()

	// Step 13: recompute the deleted-row view; deleted labels persist.
	ix.tombstones.refreshFromLabelMap(ix.labels)

	// Step 14: drop the temp snapshot and the recovery snapshot.
	removeTempFiles(tempPrefix)
	_ = os.Remove(PreMergeSnapshotPath(prefix))

	ix.merges++
	ix.logger.LogMerge(numActive, ix.disk.NumPoints(), nil)

	if ix.cfg.SnapshotStore != nil {
		ix.uploadSnapshot(ctx)
	}

	return nil
}

// inspectDataFile parses the data file header. Files shorter than the header
// are treated as new. A zero on-file dimension is a recoverable uninitialised
// state and is overridden; any other mismatch is fatal.
func (ix *DynamicDiskIndex[T]) inspectDataFile(dataFile string) (oldN int, fresh bool, err error) {
	fi, err := os.Stat(dataFile)
	if err != nil || fi.Size() < diskindex.DataHeaderSize {
		return 0, true, nil
	}

	n, fileD, err := diskindex.ReadDataHeader(dataFile)
	if err != nil {
		return 0, false, fmt.Errorf("freshdiskann: read data header: %w", err)
	}
	if fileD != uint32(ix.cfg.Dimension) && fileD != 0 {
		return 0, false, fmt.Errorf("%w: file has %d, index has %d", ErrMergeDimensionMismatch, fileD, ix.cfg.Dimension)
	}
	return int(n), false, nil
}

// appendVectors appends the mem snapshot's vectors to the base data file and
// rewrites the header with the new count and the index dimension, which
// replaces an uninitialised zero dimension. A fresh file is truncated and
// given a header first.
func appendVectors[T scalar.Scalar](dataFile, tempPrefix string, dim, oldN, numActive int, fresh bool) error {
	payload, err := os.ReadFile(tempPrefix + ".data")
	if err != nil {
		return err
	}
	want := diskindex.DataHeaderSize + numActive*dim*scalar.Size[T]()
	if len(payload) < want {
		return fmt.Errorf("mem snapshot data truncated: have %d bytes, want %d", len(payload), want)
	}

	f, err := os.OpenFile(dataFile, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if fresh {
		if err := f.Truncate(0); err != nil {
			return err
		}
		var header [diskindex.DataHeaderSize]byte
		binary.LittleEndian.PutUint32(header[4:], uint32(dim))
		if _, err := f.Write(header[:]); err != nil {
			return err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	if _, err := f.Write(payload[diskindex.DataHeaderSize:want]); err != nil {
		return err
	}

	var header [diskindex.DataHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], uint32(oldN+numActive))
	binary.LittleEndian.PutUint32(header[4:], uint32(dim))
	if _, err := f.WriteAt(header[:], 0); err != nil {
		return err
	}

	return f.Sync()
}

// reconcileLabels brings the labels sidecar in line with the data file: pad
// a short sidecar with sequential ids (a prior incident lost labels), trim a
// long one, then append the snapshot's tags and rewrite atomically.
func (ix *DynamicDiskIndex[T]) reconcileLabels(prefix, tempPrefix string, oldN int) error {
	labelsPath := diskindex.LabelsPath(prefix)

	var labels []index.Label
	if _, err := os.Stat(labelsPath); err == nil {
		labels, err = diskindex.ReadLabelsFile(labelsPath)
		if err != nil {
			return err
		}
	}

	if len(labels) < oldN {
		ix.logger.Error("labels sidecar shorter than data file, padding with sequential ids",
			"sidecar_lines", len(labels),
			"data_points", oldN,
		)
		for i := len(labels); i < oldN; i++ {
			labels = append(labels, index.Label(i))
		}
	} else if len(labels) > oldN {
		labels = labels[:oldN]
	}

	tags, err := memindex.LoadSnapshotTags(tempPrefix + ".tags")
	if err != nil {
		return err
	}
	labels = append(labels, tags...)

	return diskindex.WriteLabelsFile(labelsPath, labels)
}

func removeTempFiles(tempPrefix string) {
	_ = os.Remove(tempPrefix)
	_ = os.Remove(tempPrefix + ".data")
	_ = os.Remove(tempPrefix + ".tags")
}
