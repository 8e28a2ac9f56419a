package diskindex

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType selects the block compression of the graph section.
type CompressionType uint8

const (
	// CompressionNone stores graph blocks uncompressed.
	CompressionNone CompressionType = 0
	// CompressionLZ4 uses LZ4 block compression (fast decode, default).
	CompressionLZ4 CompressionType = 1
	// CompressionZSTD uses zstd block compression (better ratio).
	CompressionZSTD CompressionType = 2
)

// Graph blocks are framed as [uncompressedSize u32][compressedSize u32][data].
// compressedSize == 0 marks an uncompressed block.
const blockHeaderSize = 8

// graphBlockSize is the uncompressed payload size of one graph block.
const graphBlockSize = 256 * 1024

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// writeBlocks chunks data into blocks, compresses each and writes the framed
// result to w.
func writeBlocks(w io.Writer, data []byte, ctype CompressionType) error {
	for len(data) > 0 {
		n := min(len(data), graphBlockSize)
		if err := writeBlock(w, data[:n], ctype); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func writeBlock(w io.Writer, block []byte, ctype CompressionType) error {
	var compressed []byte
	var err error

	switch ctype {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(block)))
		var n int
		n, err = lz4.CompressBlock(block, buf, nil)
		if err == nil && n > 0 {
			compressed = buf[:n]
		}
	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(block, nil)
		zstdEncoderPool.Put(enc)
	}
	if err != nil {
		return err
	}

	// Store incompressible blocks raw.
	if compressed == nil || len(compressed) >= len(block) {
		header := make([]byte, blockHeaderSize)
		binary.LittleEndian.PutUint32(header[0:], uint32(len(block)))
		binary.LittleEndian.PutUint32(header[4:], 0)
		if _, err := w.Write(header); err != nil {
			return err
		}
		_, err := w.Write(block)
		return err
	}

	header := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint32(header[0:], uint32(len(block)))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(compressed)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

// decompressBlocks decodes a framed block sequence back into flat bytes.
func decompressBlocks(data []byte, ctype CompressionType) ([]byte, error) {
	var out []byte
	for len(data) > 0 {
		if len(data) < blockHeaderSize {
			return nil, errors.New("diskindex: truncated block header")
		}
		uSize := binary.LittleEndian.Uint32(data[0:])
		cSize := binary.LittleEndian.Uint32(data[4:])
		data = data[blockHeaderSize:]

		if cSize == 0 {
			if uint32(len(data)) < uSize {
				return nil, errors.New("diskindex: truncated raw block")
			}
			out = append(out, data[:uSize]...)
			data = data[uSize:]
			continue
		}

		if uint32(len(data)) < cSize {
			return nil, errors.New("diskindex: truncated compressed block")
		}
		payload := data[:cSize]
		data = data[cSize:]

		block := make([]byte, uSize)
		switch ctype {
		case CompressionZSTD:
			dec := getZstdDecoder()
			decoded, err := dec.DecodeAll(payload, block[:0])
			zstdDecoderPool.Put(dec)
			if err != nil {
				return nil, err
			}
			if uint32(len(decoded)) != uSize {
				return nil, errors.New("diskindex: decompressed size mismatch")
			}
			out = append(out, decoded...)
		default: // LZ4
			n, err := lz4.UncompressBlock(payload, block)
			if err != nil {
				return nil, err
			}
			if uint32(n) != uSize {
				return nil, errors.New("diskindex: decompressed size mismatch")
			}
			out = append(out, block...)
		}
	}
	return out, nil
}
