package diskindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hupe1980/freshdiskann/index"
	"github.com/hupe1980/freshdiskann/scalar"
)

// DataHeaderSize is the size of the base data file header: two little-endian
// u32 values (count, dimension).
const DataHeaderSize = 8

// ReadDataHeader parses the (count, dimension) header of a base data file.
func ReadDataHeader(path string) (n, dim uint32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var buf [DataHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return 0, 0, fmt.Errorf("diskindex: read data header: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[0:]), binary.LittleEndian.Uint32(buf[4:]), nil
}

// ReadDataFile loads all vectors of a base data file.
func ReadDataFile[T scalar.Scalar](path string) (vectors [][]T, dim int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(raw) < DataHeaderSize {
		return nil, 0, fmt.Errorf("diskindex: data file too short: %d bytes", len(raw))
	}

	n := int(binary.LittleEndian.Uint32(raw[0:]))
	dim = int(binary.LittleEndian.Uint32(raw[4:]))
	elem := scalar.Size[T]()
	if dim <= 0 || len(raw) < DataHeaderSize+n*dim*elem {
		return nil, 0, fmt.Errorf("diskindex: data file truncated: %d points of dim %d in %d bytes", n, dim, len(raw))
	}

	vectors = make([][]T, n)
	for i := 0; i < n; i++ {
		off := DataHeaderSize + i*dim*elem
		vectors[i] = scalar.DecodeLE[T](raw[off:], dim)
	}
	return vectors, dim, nil
}

// ReadLabelsFile reads a labels sidecar: one decimal label per line.
func ReadLabelsFile(path string) ([]index.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []index.Label
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		v, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("diskindex: parse label %q: %w", line, err)
		}
		labels = append(labels, index.Label(v))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// WriteLabelsFile rewrites a labels sidecar atomically (temp file + rename).
func WriteLabelsFile(path string, labels []index.Label) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "labels-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, l := range labels {
		if _, err := w.WriteString(strconv.FormatUint(uint64(l), 10)); err != nil {
			tmp.Close()
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
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
