package gocu

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

// DevicePtr owns one device-exclusive allocation plus its shape, dtype and
// size metadata, and provides the copy and in-place compute operations.
//
// A handle is created through Device.Malloc or Stream.Malloc and released
// exactly once with Release. The affinity stream, when set, is where the
// handle's async operations go when no stream is passed explicitly; the
// handle does not own it.
type DevicePtr struct {
	device   *Device
	dims     []int
	dtype    dtypes.DType
	size     int
	nbytes   int
	ptr      cudriver.Ptr
	stream   *Stream
	released bool
}

// Dims returns a copy of the shape.
func (p *DevicePtr) Dims() []int { return slices.Clone(p.dims) }

// Rank returns the number of axes.
func (p *DevicePtr) Rank() int { return len(p.dims) }

// DType returns the element type.
func (p *DevicePtr) DType() dtypes.DType { return p.dtype }

// Len returns the element count.
func (p *DevicePtr) Len() int { return p.size }

// NBytes returns the allocation size in bytes. Immutable after
// construction.
func (p *DevicePtr) NBytes() int { return p.nbytes }

// DevPtr returns the opaque device address, for raw Device helpers and
// library calls.
func (p *DevicePtr) DevPtr() cudriver.Ptr {
	p.checkAlive()
	return p.ptr
}

// Device returns the owning device.
func (p *DevicePtr) Device() *Device { return p.device }

// Stream returns the affinity stream, or nil for the default queue.
func (p *DevicePtr) Stream() *Stream { return p.stream }

// SetStream replaces the affinity stream. A nil stream targets the
// default queue.
func (p *DevicePtr) SetStream(s *Stream) { p.stream = s }

// String implements fmt.Stringer.
func (p *DevicePtr) String() string {
	if p.released {
		return fmt.Sprintf("DevicePtr(%s)%v [released]", p.dtype, p.dims)
	}
	return fmt.Sprintf("DevicePtr(%s)%v on device %d", p.dtype, p.dims, p.device.id)
}

// checkAlive panics on use after release: holding on to a released handle
// is a programming error, not a recoverable condition.
func (p *DevicePtr) checkAlive() {
	if p.released {
		usagePanic("operation on released DevicePtr(%s)%v", p.dtype, p.dims)
	}
}

func (p *DevicePtr) driverStream() cudriver.Stream {
	if p.stream == nil {
		return nil
	}
	return p.stream.s
}

// resolveStream picks the explicit stream when given, else the handle's
// affinity stream, else the default queue.
func (p *DevicePtr) resolveStream(s *Stream) cudriver.Stream {
	if s != nil {
		return s.s
	}
	return p.driverStream()
}

// applyFill initializes a fresh allocation from the fill variant.
func (p *DevicePtr) applyFill(fill Fill) error {
	ctx := p.device.dctx
	switch f := fill.(type) {
	case fillScalar:
		raw, err := dtypes.ScalarToBytes(p.dtype, f.value)
		if err != nil {
			return errors.WithMessage(ErrConfiguration, err.Error())
		}
		host := make([]byte, p.nbytes)
		for i := 0; i < p.size; i++ {
			copy(host[i*p.dtype.Size():], raw)
		}
		return errors.WithMessagef(ctx.MemcpyH2D(p.ptr, host), "broadcast fill")
	case fillValues:
		if f.dtype != p.dtype {
			if err := p.device.policy.advise("fill dtype %s does not match allocation dtype %s, copying the smaller extent", f.dtype, p.dtype); err != nil {
				return err
			}
		}
		if f.count != p.size {
			if err := p.device.policy.advise("fill length %d does not match allocation length %d, copying the smaller extent", f.count, p.size); err != nil {
				return err
			}
		}
		n := min(len(f.data), p.nbytes)
		return errors.WithMessagef(ctx.MemcpyH2D(p.ptr, f.data[:n]), "fill from host values")
	case fillBytes:
		n := min(len(f.data), p.nbytes)
		return errors.WithMessagef(ctx.MemcpyH2D(p.ptr, f.data[:n]), "fill from host bytes")
	case fillFrom:
		f.src.checkAlive()
		if f.src.dtype != p.dtype || !slices.Equal(f.src.dims, p.dims) {
			if err := p.device.policy.advise("fill source (%s)%v does not match allocation (%s)%v, copying the smaller extent",
				f.src.dtype, f.src.dims, p.dtype, p.dims); err != nil {
				return err
			}
		}
		n := min(f.src.nbytes, p.nbytes)
		return errors.WithMessagef(ctx.MemcpyD2D(p.ptr, f.src.ptr, n), "fill from device")
	case nil:
		return nil
	}
	return errors.WithMessagef(ErrConfiguration, "unsupported fill variant %T", fill)
}

// checkOperand validates an elementwise operand and resolves the element
// count both sides cover: exact match under Strict, the smaller extent
// (with a warning) under Permissive.
func (p *DevicePtr) checkOperand(b *DevicePtr) (int, error) {
	p.checkAlive()
	b.checkAlive()
	if p.dtype != b.dtype {
		if err := p.device.policy.advise("arithmetic between dtypes %s and %s, running over the smaller extent", p.dtype, b.dtype); err != nil {
			return 0, err
		}
	}
	if !slices.Equal(p.dims, b.dims) {
		if err := p.device.policy.advise("arithmetic between shapes %v and %v, running over the smaller extent", p.dims, b.dims); err != nil {
			return 0, err
		}
	}
	return min(p.size, b.size), nil
}

func (p *DevicePtr) binaryVec(op cudriver.BinaryOp, b *DevicePtr) error {
	n, err := p.checkOperand(b)
	if err != nil {
		return err
	}
	if p.dtype != b.dtype {
		// The kernel reads both operands with one dtype; crossing
		// dtypes would reinterpret bytes. Clamp to the common prefix
		// in elements of the destination dtype.
		n = min(n, b.nbytes/p.dtype.Size())
	}
	return errors.WithMessagef(
		p.device.dctx.Elementwise(op, p.ptr, b.ptr, n, p.dtype, p.driverStream()),
		"in-place %s", op)
}

func (p *DevicePtr) binaryVal(op cudriver.BinaryOp, value complex128) error {
	p.checkAlive()
	raw, err := dtypes.ScalarToBytes(p.dtype, value)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	return errors.WithMessagef(
		p.device.dctx.ElementwiseScalar(op, p.ptr, raw, p.size, p.dtype, p.driverStream()),
		"in-place %s by scalar", op)
}

// Add performs in-place elementwise addition: p += b.
func (p *DevicePtr) Add(b *DevicePtr) error { return p.binaryVec(cudriver.OpAdd, b) }

// Sub performs in-place elementwise subtraction: p -= b.
func (p *DevicePtr) Sub(b *DevicePtr) error { return p.binaryVec(cudriver.OpSub, b) }

// Mul performs in-place elementwise multiplication: p *= b.
func (p *DevicePtr) Mul(b *DevicePtr) error { return p.binaryVec(cudriver.OpMul, b) }

// Div performs in-place elementwise division: p /= b.
func (p *DevicePtr) Div(b *DevicePtr) error { return p.binaryVec(cudriver.OpDiv, b) }

// AddScalar performs in-place addition of a broadcast scalar.
func (p *DevicePtr) AddScalar(v complex128) error { return p.binaryVal(cudriver.OpAdd, v) }

// SubScalar performs in-place subtraction of a broadcast scalar.
func (p *DevicePtr) SubScalar(v complex128) error { return p.binaryVal(cudriver.OpSub, v) }

// MulScalar performs in-place multiplication by a broadcast scalar.
func (p *DevicePtr) MulScalar(v complex128) error { return p.binaryVal(cudriver.OpMul, v) }

// DivScalar performs in-place division by a broadcast scalar.
func (p *DevicePtr) DivScalar(v complex128) error { return p.binaryVal(cudriver.OpDiv, v) }

// Transpose repermutes the storage of a 2-dimensional handle in place and
// reverses its shape. Other ranks fail with ErrUnsupportedRank.
func (p *DevicePtr) Transpose() error {
	p.checkAlive()
	if len(p.dims) != 2 {
		return errors.WithMessagef(ErrUnsupportedRank, "transpose of rank-%d shape %v", len(p.dims), p.dims)
	}
	rows, cols := p.dims[0], p.dims[1]
	err := p.device.dctx.Transpose(p.ptr, rows, cols, p.dtype, p.driverStream())
	if err != nil {
		return errors.WithMessage(err, "transpose")
	}
	p.dims[0], p.dims[1] = cols, rows
	return nil
}

// Conj conjugates a complex handle. With inPlace it mutates and returns
// the receiver; otherwise it allocates a conjugated copy with the same
// shape, dtype and stream affinity. On real dtypes conjugation is a
// no-op, treated as an advisory condition: Permissive warns and returns
// the receiver untouched, Strict fails.
func (p *DevicePtr) Conj(inPlace bool) (*DevicePtr, error) {
	p.checkAlive()
	if !p.dtype.IsComplex() {
		if err := p.device.policy.advise("conjugate of non-complex dtype %s is a no-op", p.dtype); err != nil {
			return nil, errors.WithMessage(ErrConfiguration, err.Error())
		}
		return p, nil
	}
	if !inPlace {
		out, err := p.device.Malloc(p.dims, p.dtype, FillFrom(p), p.stream)
		if err != nil {
			return nil, err
		}
		if _, err = out.Conj(true); err != nil {
			_ = out.Release()
			return nil, err
		}
		return out, nil
	}
	if err := p.device.dctx.Conjugate(p.ptr, p.size, p.dtype, p.driverStream()); err != nil {
		return nil, errors.WithMessage(err, "conjugate")
	}
	return p, nil
}

// resolveCopyBytes applies the shared byte-count rule of the d2d copies:
// nbytes <= 0 requests the whole source, the count is clamped to the
// source size, and exceeding the destination is a hard failure.
func resolveCopyBytes(src, dst *DevicePtr, nbytes int) (int, error) {
	if nbytes <= 0 {
		nbytes = src.nbytes
	}
	nbytes = min(nbytes, src.nbytes)
	if nbytes > dst.nbytes {
		return 0, errors.WithMessagef(ErrDestinationTooSmall,
			"copying %d bytes into a %d-byte destination", nbytes, dst.nbytes)
	}
	return nbytes, nil
}

// CopyDeviceToDevice copies nbytes from src to dst through the device
// copy path. nbytes <= 0 copies the whole source.
func CopyDeviceToDevice(src, dst *DevicePtr, nbytes int) error {
	src.checkAlive()
	dst.checkAlive()
	n, err := resolveCopyBytes(src, dst, nbytes)
	if err != nil {
		return err
	}
	return errors.WithMessage(src.device.dctx.MemcpyD2D(dst.ptr, src.ptr, n), "device to device copy")
}

// CopyDeviceToDeviceAsync is CopyDeviceToDevice enqueued on a stream: it
// returns once the copy is queued. A nil stream falls back to the source's
// affinity stream, then to the default queue.
func CopyDeviceToDeviceAsync(src, dst *DevicePtr, nbytes int, s *Stream) error {
	src.checkAlive()
	dst.checkAlive()
	n, err := resolveCopyBytes(src, dst, nbytes)
	if err != nil {
		return err
	}
	return errors.WithMessage(
		src.device.dctx.MemcpyD2DAsync(dst.ptr, src.ptr, n, src.resolveStream(s)),
		"async device to device copy")
}

// ToHost synchronously copies device contents into dst, sized to the
// smaller of the allocation and the destination.
func (p *DevicePtr) ToHost(dst []byte) error {
	p.checkAlive()
	n := min(p.nbytes, len(dst))
	return errors.WithMessage(p.device.dctx.MemcpyD2H(dst[:n], p.ptr), "device to host copy")
}

// ToHostBytes allocates a host buffer of the full allocation size and
// copies into it. Meant for development and tests; steady-state callers
// reuse a pinned buffer instead.
func (p *DevicePtr) ToHostBytes() ([]byte, error) {
	host := make([]byte, p.nbytes)
	if err := p.ToHost(host); err != nil {
		return nil, err
	}
	return host, nil
}

// FromHost synchronously copies host bytes into the allocation, sized to
// the smaller of the two.
func (p *DevicePtr) FromHost(src []byte) error {
	p.checkAlive()
	n := min(p.nbytes, len(src))
	return errors.WithMessage(p.device.dctx.MemcpyH2D(p.ptr, src[:n]), "host to device copy")
}

// checkStreamable gates the async host copies: a buffer that was not
// page-locked through the owning device gives undefined behavior with a
// native driver. Advisory under Permissive, an error under Strict.
func (p *DevicePtr) checkStreamable(buf []byte) error {
	if p.device.pinned.isPinned(buf) {
		return nil
	}
	return p.device.policy.advise("async copy with a host buffer that is not pinned; call RequireStreamable first")
}

// ToHostAsync enqueues a device-to-host copy and returns. The result is
// defined only after the stream is synchronized. dst must be pinned.
func (p *DevicePtr) ToHostAsync(dst []byte, s *Stream) error {
	p.checkAlive()
	if err := p.checkStreamable(dst); err != nil {
		return err
	}
	n := min(p.nbytes, len(dst))
	return errors.WithMessage(
		p.device.dctx.MemcpyD2HAsync(dst[:n], p.ptr, p.resolveStream(s)),
		"async device to host copy")
}

// FromHostAsync enqueues a host-to-device copy and returns. src must stay
// untouched and pinned until the stream is synchronized.
func (p *DevicePtr) FromHostAsync(src []byte, s *Stream) error {
	p.checkAlive()
	if err := p.checkStreamable(src); err != nil {
		return err
	}
	n := min(p.nbytes, len(src))
	return errors.WithMessage(
		p.device.dctx.MemcpyH2DAsync(p.ptr, src[:n], p.resolveStream(s)),
		"async host to device copy")
}

// Zero sets the whole allocation to zero bytes.
func (p *DevicePtr) Zero() error {
	p.checkAlive()
	return errors.WithMessage(p.device.dctx.Memset(p.ptr, 0, p.nbytes), "zero")
}

// ZeroAsync enqueues a zeroing of the whole allocation.
func (p *DevicePtr) ZeroAsync(s *Stream) error {
	p.checkAlive()
	return errors.WithMessage(
		p.device.dctx.MemsetAsync(p.ptr, 0, p.nbytes, p.resolveStream(s)),
		"async zero")
}

// Release frees the underlying allocation. Exactly once: a second Release,
// like any other operation on a released handle, panics with a UsageError.
func (p *DevicePtr) Release() error {
	p.checkAlive()
	p.released = true
	return errors.WithMessagef(p.device.dctx.Free(p.ptr), "releasing DevicePtr(%s)%v", p.dtype, p.dims)
}

// ToHostSlice copies the full device contents into a freshly allocated
// typed slice. The dtype of T must match the handle's dtype.
func ToHostSlice[T dtypes.Supported](p *DevicePtr) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != p.DType() {
		return nil, errors.WithMessagef(ErrConfiguration, "reading %s allocation as %s", p.DType(), want)
	}
	host, err := p.ToHostBytes()
	if err != nil {
		return nil, err
	}
	return dtypes.BytesToSlice[T](host), nil
}
