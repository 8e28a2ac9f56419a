// Package diskindex implements the immutable on-disk Vamana index: a builder
// that constructs the full file family from a base data file, and a reader
// that serves beam searches against the built artifacts.
package diskindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/hupe1980/freshdiskann/scalar"
)

// File format constants.
const (
	// FormatMagic identifies the graph+vectors file ("FDSK").
	FormatMagic uint32 = 0x4B534446

	// FormatVersion is the current format version.
	FormatVersion uint32 = 1

	// HeaderSize is the size of the file header in bytes.
	HeaderSize = 128
)

// Suffixes of the on-disk file family under a shared path prefix.
const (
	DiskIndexSuffix     = "_disk.index"
	PQPivotsSuffix      = "_pq_pivots.bin"
	PQCompressedSuffix  = "_pq_compressed.bin"
	LabelsSuffix        = "_labels.txt"
	BuilderLabelsSuffix = "_disk.index_labels.txt"
	TempMemSuffix       = "_temp_mem.index"
)

// IndexPath returns the path of the graph+vectors file.
func IndexPath(prefix string) string { return prefix + DiskIndexSuffix }

// PQPivotsPath returns the path of the PQ codebook file.
func PQPivotsPath(prefix string) string { return prefix + PQPivotsSuffix }

// PQCompressedPath returns the path of the PQ codes file.
func PQCompressedPath(prefix string) string { return prefix + PQCompressedSuffix }

// LabelsPath returns the path of the authoritative labels sidecar.
func LabelsPath(prefix string) string { return prefix + LabelsSuffix }

// BuilderLabelsPath returns the path of the builder-emitted labels file.
func BuilderLabelsPath(prefix string) string { return prefix + BuilderLabelsSuffix }

// TempMemPath returns the path prefix of the transient mem-index snapshot.
func TempMemPath(prefix string) string { return prefix + TempMemSuffix }

// Flag bits carried in the header. The low two bits encode the graph block
// compression algorithm.
const (
	flagCompressionMask uint32 = 0x3
)

// FileHeader is the fixed-size header of the graph+vectors file.
type FileHeader struct {
	Magic      uint32
	Version    uint32
	Flags      uint32
	Dimension  uint32
	Count      uint64
	ScalarKind uint32

	// Vamana graph parameters.
	R          uint32
	L          uint32
	Alpha      uint32 // pruning factor * 1000
	EntryPoint uint32

	// Section offsets.
	VectorsOffset uint64
	GraphOffset   uint64

	Checksum uint32
	Reserved [60]byte
}

// Compression returns the graph compression algorithm recorded in Flags.
func (h *FileHeader) Compression() CompressionType {
	return CompressionType(h.Flags & flagCompressionMask)
}

// SetCompression records the graph compression algorithm in Flags.
func (h *FileHeader) SetCompression(c CompressionType) {
	h.Flags = (h.Flags &^ flagCompressionMask) | (uint32(c) & flagCompressionMask)
}

// AlphaFloat returns the pruning factor as a float.
func (h *FileHeader) AlphaFloat() float32 {
	return float32(h.Alpha) / 1000.0
}

// Kind returns the scalar element kind.
func (h *FileHeader) Kind() scalar.Kind {
	return scalar.Kind(h.ScalarKind)
}

// Validate checks magic, version and checksum.
func (h *FileHeader) Validate() error {
	if h.Magic != FormatMagic {
		return fmt.Errorf("diskindex: invalid magic: 0x%08X (expected 0x%08X)", h.Magic, FormatMagic)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("diskindex: unsupported version: %d (expected %d)", h.Version, FormatVersion)
	}
	if h.Dimension == 0 {
		return errors.New("diskindex: dimension cannot be zero")
	}
	if computed := h.computeChecksum(); h.Checksum != computed {
		return fmt.Errorf("diskindex: header checksum mismatch: 0x%08X (expected 0x%08X)", h.Checksum, computed)
	}
	return nil
}

func (h *FileHeader) marshalFields() []byte {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint32(buf, h.Magic)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint32(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, h.Dimension)
	buf = binary.LittleEndian.AppendUint64(buf, h.Count)
	buf = binary.LittleEndian.AppendUint32(buf, h.ScalarKind)
	buf = binary.LittleEndian.AppendUint32(buf, h.R)
	buf = binary.LittleEndian.AppendUint32(buf, h.L)
	buf = binary.LittleEndian.AppendUint32(buf, h.Alpha)
	buf = binary.LittleEndian.AppendUint32(buf, h.EntryPoint)
	buf = binary.LittleEndian.AppendUint64(buf, h.VectorsOffset)
	buf = binary.LittleEndian.AppendUint64(buf, h.GraphOffset)
	return buf
}

func (h *FileHeader) computeChecksum() uint32 {
	return crc32.ChecksumIEEE(h.marshalFields())
}

// WriteTo writes the header to w, setting the checksum.
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	h.Checksum = h.computeChecksum()

	buf := make([]byte, HeaderSize)
	fields := h.marshalFields()
	copy(buf, fields)
	binary.LittleEndian.PutUint32(buf[len(fields):], h.Checksum)
	copy(buf[len(fields)+4:], h.Reserved[:])

	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom reads the header from r.
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), err
	}

	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	h.Flags = binary.LittleEndian.Uint32(buf[8:])
	h.Dimension = binary.LittleEndian.Uint32(buf[12:])
	h.Count = binary.LittleEndian.Uint64(buf[16:])
	h.ScalarKind = binary.LittleEndian.Uint32(buf[24:])
	h.R = binary.LittleEndian.Uint32(buf[28:])
	h.L = binary.LittleEndian.Uint32(buf[32:])
	h.Alpha = binary.LittleEndian.Uint32(buf[36:])
	h.EntryPoint = binary.LittleEndian.Uint32(buf[40:])
	h.VectorsOffset = binary.LittleEndian.Uint64(buf[44:])
	h.GraphOffset = binary.LittleEndian.Uint64(buf[52:])
	h.Checksum = binary.LittleEndian.Uint32(buf[60:])
	copy(h.Reserved[:], buf[64:])

	return int64(n), nil
}
