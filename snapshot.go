package freshdiskann

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/freshdiskann/diskindex"
)

// Pre-merge snapshot magic: "FPMS".
const preMergeMagic uint32 = 0x534D5046

const preMergeSnapshotSuffix = "_premerge.snap"

// PreMergeSnapshotPath returns the path of the recovery snapshot written
// before each merge of an existing data file.
func PreMergeSnapshotPath(prefix string) string {
	return prefix + preMergeSnapshotSuffix
}

// writePreMergeSnapshot stores zstd-compressed copies of the base data file
// and labels sidecar so a crashed merge can be rolled back. The labels
// section is empty when no sidecar exists yet.
func writePreMergeSnapshot(prefix, dataFile, labelsFile string) error {
	data, err := os.ReadFile(dataFile)
	if err != nil {
		return err
	}

	var labels []byte
	if _, err := os.Stat(labelsFile); err == nil {
		labels, err = os.ReadFile(labelsFile)
		if err != nil {
			return err
		}
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	out := binary.LittleEndian.AppendUint32(nil, preMergeMagic)
	out = appendSection(out, enc.EncodeAll(data, nil), len(data))
	out = appendSection(out, enc.EncodeAll(labels, nil), len(labels))

	tmp := PreMergeSnapshotPath(prefix) + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, PreMergeSnapshotPath(prefix))
}

func appendSection(out, compressed []byte, rawLen int) []byte {
	out = binary.LittleEndian.AppendUint64(out, uint64(rawLen))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(compressed)))
	return append(out, compressed...)
}

// RestorePreMergeSnapshot rewinds the base data file and labels sidecar to
// their pre-merge state from the recovery snapshot under prefix. Callers use
// it after a merge failed between the append and reload steps.
func RestorePreMergeSnapshot(prefix, dataFile string) error {
	raw, err := os.ReadFile(PreMergeSnapshotPath(prefix))
	if err != nil {
		return err
	}
	if len(raw) < 4 || binary.LittleEndian.Uint32(raw) != preMergeMagic {
		return fmt.Errorf("freshdiskann: invalid pre-merge snapshot under %s", prefix)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	off := 4
	data, off, err := readSection(dec, raw, off)
	if err != nil {
		return err
	}
	labels, _, err := readSection(dec, raw, off)
	if err != nil {
		return err
	}

	if err := os.WriteFile(dataFile, data, 0o644); err != nil {
		return err
	}
	if len(labels) > 0 {
		if err := os.WriteFile(diskindex.LabelsPath(prefix), labels, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func readSection(dec *zstd.Decoder, raw []byte, off int) ([]byte, int, error) {
	if len(raw) < off+16 {
		return nil, 0, fmt.Errorf("freshdiskann: truncated pre-merge snapshot")
	}
	rawLen := binary.LittleEndian.Uint64(raw[off:])
	compLen := binary.LittleEndian.Uint64(raw[off+8:])
	off += 16
	if uint64(len(raw)) < uint64(off)+compLen {
		return nil, 0, fmt.Errorf("freshdiskann: truncated pre-merge snapshot")
	}

	out, err := dec.DecodeAll(raw[off:off+int(compLen)], nil)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(out)) != rawLen {
		return nil, 0, fmt.Errorf("freshdiskann: pre-merge snapshot size mismatch")
	}
	return out, off + int(compLen), nil
}

// uploadSnapshot copies the index family and base data file to the
// configured blob store. Failures are soft: the merge already succeeded.
func (ix *DynamicDiskIndex[T]) uploadSnapshot(ctx context.Context) {
	prefix := ix.cfg.IndexPrefix

	paths := []string{
		ix.cfg.DataFilePath,
		diskindex.IndexPath(prefix),
		diskindex.PQPivotsPath(prefix),
		diskindex.PQCompressedPath(prefix),
		diskindex.LabelsPath(prefix),
		diskindex.BuilderLabelsPath(prefix),
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				ix.logger.LogSnapshot(path, err)
			}
			continue
		}
		name := filepath.Base(path)
		err = ix.cfg.SnapshotStore.Put(ctx, name, data)
		ix.logger.LogSnapshot(name, err)
	}
}
