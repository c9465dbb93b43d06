package gocu

import (
	"github.com/pkg/errors"

	"github.com/asuszko/gocu-interface/dtypes"
)

// UnifiedPtr is a DevicePtr backed by managed memory: the same allocation
// is addressable from the host through Bytes and the typed views. There
// is no implicit coherence; synchronize the device (or the relevant
// stream) before reading device-written values through the host view.
type UnifiedPtr struct {
	DevicePtr
	host []byte
}

// MallocUnified allocates managed memory for the given shape and dtype.
// The handle supports every DevicePtr operation plus host-side views.
func (d *Device) MallocUnified(dims []int, dtype dtypes.DType, fill Fill, stream *Stream) (*UnifiedPtr, error) {
	d.checkOpen()
	if dtype == dtypes.InvalidDType {
		dtype = d.defaultDType
	}
	if !dtype.DeviceSupported() {
		return nil, errors.WithMessagef(ErrConfiguration, "dtype %s is not device-supported", dtype)
	}
	if stream != nil && stream.device != d {
		return nil, errors.WithMessagef(ErrConfiguration, "allocating on device %d with a stream of device %d", d.id, stream.device.id)
	}
	size, err := sizeOf(dims)
	if err != nil {
		return nil, err
	}
	nbytes := size * dtype.Size()
	ptr, host, err := d.dctx.MallocManaged(nbytes)
	if err != nil {
		return nil, errors.WithMessagef(ErrAllocationFailure, "allocating %d managed bytes on device %d: %v", nbytes, d.id, err)
	}
	p := &UnifiedPtr{
		DevicePtr: DevicePtr{
			device: d,
			dims:   append([]int(nil), dims...),
			dtype:  dtype,
			size:   size,
			nbytes: nbytes,
			ptr:    ptr,
			stream: stream,
		},
		host: host,
	}
	if err = p.applyFill(fill); err != nil {
		_ = d.dctx.Free(ptr)
		return nil, err
	}
	return p, nil
}

// Bytes returns the host view of the allocation.
func (p *UnifiedPtr) Bytes() []byte {
	p.checkAlive()
	return p.host
}

func view[T dtypes.Supported](p *UnifiedPtr) []T {
	p.checkAlive()
	if want := dtypes.FromGenericsType[T](); want != p.dtype {
		usagePanic("viewing %s unified allocation as %s", p.dtype, want)
	}
	return dtypes.BytesToSlice[T](p.host)
}

// Float32s returns the host view as float32 elements. Panics with a
// UsageError on any other dtype.
func (p *UnifiedPtr) Float32s() []float32 { return view[float32](p) }

// Float64s returns the host view as float64 elements.
func (p *UnifiedPtr) Float64s() []float64 { return view[float64](p) }

// Complex64s returns the host view as complex64 elements.
func (p *UnifiedPtr) Complex64s() []complex64 { return view[complex64](p) }

// Complex128s returns the host view as complex128 elements.
func (p *UnifiedPtr) Complex128s() []complex128 { return view[complex128](p) }
