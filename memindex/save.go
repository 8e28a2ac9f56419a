package memindex

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/scalar"
)

// Snapshot file magic: "FMEM".
const snapshotMagic uint32 = 0x4D454D46

// Save writes a snapshot of the live points to three files:
//
//	<pathPrefix>       small metadata record (magic, count, dim, scalar kind)
//	<pathPrefix>.data  [u32 N][u32 D] followed by N*D raw scalars
//	<pathPrefix>.tags  [u32 N] followed by N little-endian u32 tags
//
// Lazy-deleted slots are excluded. Returns the number of points written.
func (ix *Index[T]) Save(pathPrefix string) (int, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	live := make([]uint32, 0, len(ix.vectors))
	for slot := uint32(0); slot < uint32(len(ix.vectors)); slot++ {
		if !ix.deleted.Test(uint(slot)) {
			live = append(live, slot)
		}
	}

	n := uint32(len(live))

	meta := make([]byte, 0, 16)
	meta = binary.LittleEndian.AppendUint32(meta, snapshotMagic)
	meta = binary.LittleEndian.AppendUint32(meta, n)
	meta = binary.LittleEndian.AppendUint32(meta, uint32(ix.dim))
	meta = binary.LittleEndian.AppendUint32(meta, uint32(scalar.KindOf[T]()))
	if err := os.WriteFile(pathPrefix, meta, 0o644); err != nil {
		return 0, fmt.Errorf("memindex: write snapshot meta: %w", err)
	}

	data := make([]byte, 0, 8+int(n)*ix.dim*scalar.Size[T]())
	data = binary.LittleEndian.AppendUint32(data, n)
	data = binary.LittleEndian.AppendUint32(data, uint32(ix.dim))
	for _, slot := range live {
		data = scalar.AppendLE(data, ix.vectors[slot])
	}
	if err := os.WriteFile(pathPrefix+".data", data, 0o644); err != nil {
		return 0, fmt.Errorf("memindex: write snapshot data: %w", err)
	}

	tags := make([]byte, 0, 4+int(n)*4)
	tags = binary.LittleEndian.AppendUint32(tags, n)
	for _, slot := range live {
		tags = binary.LittleEndian.AppendUint32(tags, ix.tags[slot])
	}
	if err := os.WriteFile(pathPrefix+".tags", tags, 0o644); err != nil {
		return 0, fmt.Errorf("memindex: write snapshot tags: %w", err)
	}

	return int(n), nil
}

// LoadSnapshotData reads the vectors of a snapshot .data file.
func LoadSnapshotData[T scalar.Scalar](path string) (vectors [][]T, dim int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("memindex: read snapshot data: %w", err)
	}
	if len(raw) < 8 {
		return nil, 0, fmt.Errorf("memindex: snapshot data too short: %d bytes", len(raw))
	}

	n := int(binary.LittleEndian.Uint32(raw[0:]))
	dim = int(binary.LittleEndian.Uint32(raw[4:]))
	elem := scalar.Size[T]()
	if len(raw) < 8+n*dim*elem {
		return nil, 0, fmt.Errorf("memindex: snapshot data truncated: have %d bytes, want %d", len(raw), 8+n*dim*elem)
	}

	vectors = make([][]T, n)
	for i := 0; i < n; i++ {
		off := 8 + i*dim*elem
		vectors[i] = scalar.DecodeLE[T](raw[off:], dim)
	}
	return vectors, dim, nil
}

// LoadSnapshotTags reads the tag sequence of a snapshot .tags file.
func LoadSnapshotTags(path string) ([]index.Label, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("memindex: read snapshot tags: %w", err)
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("memindex: snapshot tags too short: %d bytes", len(raw))
	}

	n := int(binary.LittleEndian.Uint32(raw[0:]))
	if len(raw) < 4+n*4 {
		return nil, fmt.Errorf("memindex: snapshot tags truncated: have %d bytes, want %d", len(raw), 4+n*4)
	}

	tags := make([]index.Label, n)
	for i := range tags {
		tags[i] = binary.LittleEndian.Uint32(raw[4+i*4:])
	}
	return tags, nil
}
