// Package dtypes defines the element types supported by gocu device memory,
// and the host-side plumbing to move typed Go values in and out of raw bytes.
package dtypes

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is the element type of a device allocation.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// Float16 is recognized for host-side conversion only; the device
	// capability set does not allocate it.
	Float16

	Float32
	Float64
	Complex64
	Complex128
)

// Short aliases.
const (
	F16  = Float16
	F32  = Float32
	F64  = Float64
	C64  = Complex64
	C128 = Complex128
)

var names = map[DType]string{
	InvalidDType: "InvalidDType",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, ok := names[dtype]; ok {
		return name
	}
	return "DType(unknown)"
}

// MapOfNames maps the various spellings of each dtype ("Float32", "float32",
// "F32", "f4", ...) to its DType. The two-character forms follow the numpy
// letter+itemsize convention.
var MapOfNames = map[string]DType{
	"Float16": Float16, "float16": Float16, "F16": Float16, "f16": Float16, "f2": Float16,
	"Float32": Float32, "float32": Float32, "F32": Float32, "f32": Float32, "f4": Float32,
	"Float64": Float64, "float64": Float64, "F64": Float64, "f64": Float64, "f8": Float64,
	"Complex64": Complex64, "complex64": Complex64, "C64": Complex64, "c64": Complex64, "c8": Complex64,
	"Complex128": Complex128, "complex128": Complex128, "C128": Complex128, "c128": Complex128, "c16": Complex128,
}

// FromName returns the DType for any of the recognized spellings.
func FromName(name string) (DType, error) {
	dtype, ok := MapOfNames[name]
	if !ok {
		return InvalidDType, errors.Errorf("unknown dtype name %q", name)
	}
	return dtype, nil
}

// Size returns the size of one element in bytes.
func (dtype DType) Size() int {
	switch dtype {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64, Complex64:
		return 8
	case Complex128:
		return 16
	}
	return 0
}

// IsComplex reports whether the dtype has an imaginary component.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// Depth returns the number of real components per element: 1 for real
// dtypes, 2 for complex ones. The device kernels are parameterized by it.
func (dtype DType) Depth() int {
	if dtype.IsComplex() {
		return 2
	}
	return 1
}

// Real returns the dtype of one real component: Complex64 -> Float32,
// Complex128 -> Float64, real dtypes map to themselves.
func (dtype DType) Real() DType {
	switch dtype {
	case Complex64:
		return Float32
	case Complex128:
		return Float64
	}
	return dtype
}

// DeviceSupported reports whether the device capability set can allocate
// this dtype. Float16 is host-conversion only.
func (dtype DType) DeviceSupported() bool {
	switch dtype {
	case Float32, Float64, Complex64, Complex128:
		return true
	}
	return false
}

// DeviceSupportedDTypes lists the dtypes a device allocation may have.
var DeviceSupportedDTypes = []DType{Float32, Float64, Complex64, Complex128}

// Supported is the constraint of Go types that map to a device dtype.
type Supported interface {
	float32 | float64 | complex64 | complex128
}

// FromGenericsType returns the DType of the Go type T.
func FromGenericsType[T Supported]() DType {
	var v T
	switch any(v).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case complex64:
		return Complex64
	case complex128:
		return Complex128
	}
	return InvalidDType
}

// SliceToBytes reinterprets a flat slice of supported values as its raw
// bytes. The returned slice aliases data and must be kept alive while used.
func SliceToBytes[T Supported](data []T) []byte {
	if len(data) == 0 {
		return nil
	}
	var v T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), len(data)*int(unsafe.Sizeof(v)))
}

// BytesToSlice reinterprets raw bytes as a flat slice of supported values.
// Trailing bytes that do not fill a whole element are dropped.
func BytesToSlice[T Supported](data []byte) []T {
	var v T
	elemSize := int(unsafe.Sizeof(v))
	n := len(data) / elemSize
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

// ScalarToBytes encodes one scalar value as the raw bytes of the given
// dtype, in host byte order. The imaginary part is discarded for real
// dtypes (Float16 included, converted with x448/float16).
func ScalarToBytes(dtype DType, value complex128) ([]byte, error) {
	switch dtype {
	case Float16:
		bits := float16.Fromfloat32(float32(real(value))).Bits()
		buf := make([]byte, 2)
		binary.NativeEndian.PutUint16(buf, bits)
		return buf, nil
	case Float32:
		buf := make([]byte, 4)
		binary.NativeEndian.PutUint32(buf, math.Float32bits(float32(real(value))))
		return buf, nil
	case Float64:
		buf := make([]byte, 8)
		binary.NativeEndian.PutUint64(buf, math.Float64bits(real(value)))
		return buf, nil
	case Complex64:
		buf := make([]byte, 8)
		binary.NativeEndian.PutUint32(buf, math.Float32bits(float32(real(value))))
		binary.NativeEndian.PutUint32(buf[4:], math.Float32bits(float32(imag(value))))
		return buf, nil
	case Complex128:
		buf := make([]byte, 16)
		binary.NativeEndian.PutUint64(buf, math.Float64bits(real(value)))
		binary.NativeEndian.PutUint64(buf[8:], math.Float64bits(imag(value)))
		return buf, nil
	}
	return nil, errors.Errorf("cannot encode scalar for dtype %s", dtype)
}
