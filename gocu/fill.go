package gocu

import (
	"github.com/asuszko/gocu-interface/dtypes"
)

// Fill is the initial content of a new allocation. It is a closed sum
// type: exactly one of FillScalar, FillValues, FillBytes or FillFrom,
// matched exhaustively by the allocator.
type Fill interface {
	isFill()
}

type fillScalar struct {
	value complex128
}

// FillScalar broadcast-fills every element with value. The imaginary part
// is dropped for real dtypes.
func FillScalar(value complex128) Fill {
	return fillScalar{value: value}
}

type fillValues struct {
	dtype dtypes.DType
	data  []byte
	count int
}

// FillValues copies a flat slice of host values, element-wise, sized to
// the smaller of source and destination.
func FillValues[T dtypes.Supported](values []T) Fill {
	return fillValues{
		dtype: dtypes.FromGenericsType[T](),
		data:  dtypes.SliceToBytes(values),
		count: len(values),
	}
}

type fillBytes struct {
	data []byte
}

// FillBytes copies raw host bytes, sized to the smaller of source and
// destination. The bytes are assumed to already be in the allocation's
// dtype encoding.
func FillBytes(data []byte) Fill {
	return fillBytes{data: data}
}

type fillFrom struct {
	src *DevicePtr
}

// FillFrom copies from an existing device allocation, device to device.
func FillFrom(src *DevicePtr) Fill {
	return fillFrom{src: src}
}

func (fillScalar) isFill() {}
func (fillValues) isFill() {}
func (fillBytes) isFill()  {}
func (fillFrom) isFill()   {}
