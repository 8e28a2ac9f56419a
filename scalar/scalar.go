// Package scalar defines the element types supported by the index family and
// the little-endian codec used by the on-disk formats.
package scalar

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Scalar is the constraint for vector element types. The index family is
// instantiated for float32, int8 and uint8.
type Scalar interface {
	~float32 | ~int8 | ~uint8
}

// Kind identifies a scalar element type inside file headers.
type Kind uint32

const (
	// KindFloat32 is a 4-byte IEEE 754 float.
	KindFloat32 Kind = iota
	// KindInt8 is a signed byte.
	KindInt8
	// KindUint8 is an unsigned byte.
	KindUint8
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindFloat32:
		return "float32"
	case KindInt8:
		return "int8"
	case KindUint8:
		return "uint8"
	default:
		return "unknown"
	}
}

// KindOf returns the Kind for the type parameter T.
func KindOf[T Scalar]() Kind {
	var zero T
	switch any(zero).(type) {
	case float32:
		return KindFloat32
	case int8:
		return KindInt8
	default:
		return KindUint8
	}
}

// Size returns the encoded size of one element of T in bytes.
func Size[T Scalar]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// AppendLE appends the little-endian encoding of vals to dst.
func AppendLE[T Scalar](dst []byte, vals []T) []byte {
	switch vs := any(vals).(type) {
	case []float32:
		for _, v := range vs {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
	case []int8:
		for _, v := range vs {
			dst = append(dst, byte(v))
		}
	case []uint8:
		dst = append(dst, vs...)
	}
	return dst
}

// DecodeLE decodes n elements of T from data. It returns nil if data is too
// short.
func DecodeLE[T Scalar](data []byte, n int) []T {
	if len(data) < n*Size[T]() {
		return nil
	}

	out := make([]T, n)
	switch vs := any(out).(type) {
	case []float32:
		for i := range vs {
			vs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case []int8:
		for i := range vs {
			vs[i] = int8(data[i])
		}
	case []uint8:
		copy(vs, data[:n])
	}
	return out
}

// Widen converts a vector of T into float32, reusing dst when it has
// sufficient capacity.
func Widen[T Scalar](v []T, dst []float32) []float32 {
	if cap(dst) < len(v) {
		dst = make([]float32, len(v))
	}
	dst = dst[:len(v)]
	for i, x := range v {
		dst[i] = float32(x)
	}
	return dst
}

// SquaredL2 computes the squared L2 distance between two vectors of equal
// length. Elements are widened to float32 before subtraction so the same
// kernel serves all three element types.
func SquaredL2[T Scalar](a, b []T) float32 {
	var sum float32
	for i := range a {
		d := float32(a[i]) - float32(b[i])
		sum += d * d
	}
	return sum
}
