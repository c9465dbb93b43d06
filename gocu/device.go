package gocu

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

// Device owns one accelerator: its driver context, a fixed set of
// streams created up front, the registry of pinned host buffers, and
// default-queue BLAS and FFT handles. Create it with NewDevice and
// release everything with Close.
//
// A Device is not safe for concurrent use from multiple goroutines;
// partition work across streams instead.
type Device struct {
	id           int
	drv          cudriver.Driver
	ctx          *Context
	dctx         cudriver.Context
	streams      []*Stream
	pinned       *pinnedRegistry
	blas         *Blas
	fft          *FFT
	props        cudriver.Properties
	policy       Policy
	defaultDType dtypes.DType
	closed       bool
}

// Option configures a Device at construction time.
type Option func(*Device)

// WithPolicy selects how advisory conditions (dtype or shape mismatches,
// unpinned async buffers) are handled. The default is Permissive.
func WithPolicy(p Policy) Option {
	return func(d *Device) { d.policy = p }
}

// WithStrict is shorthand for WithPolicy(Strict).
func WithStrict() Option {
	return func(d *Device) { d.policy = Strict }
}

// WithDefaultDType sets the dtype used when Malloc is called with
// InvalidDType. The default is Float32.
func WithDefaultDType(dtype dtypes.DType) Option {
	return func(d *Device) { d.defaultDType = dtype }
}

// NewDevice acquires device id through drv, makes its context current and
// creates nStreams streams. The returned Device must be released with
// Close.
func NewDevice(drv cudriver.Driver, id, nStreams int, options ...Option) (*Device, error) {
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, errors.WithMessage(ErrDeviceUnavailable, err.Error())
	}
	if id < 0 || id >= count {
		return nil, errors.WithMessagef(ErrDeviceUnavailable, "device id %d out of range, driver reports %d device(s)", id, count)
	}
	if nStreams < 0 {
		return nil, errors.WithMessagef(ErrConfiguration, "negative stream count %d", nStreams)
	}
	ctx, err := newContext(drv, id)
	if err != nil {
		return nil, err
	}
	d := &Device{
		id:           id,
		drv:          drv,
		ctx:          ctx,
		dctx:         ctx.Driver(),
		policy:       Permissive,
		defaultDType: dtypes.Float32,
	}
	for _, opt := range options {
		opt(d)
	}
	if !d.defaultDType.DeviceSupported() {
		_ = ctx.Destroy()
		return nil, errors.WithMessagef(ErrConfiguration, "default dtype %s is not device-supported", d.defaultDType)
	}
	fail := func(err error) (*Device, error) {
		d.teardown()
		return nil, err
	}
	if d.props, err = d.dctx.Properties(); err != nil {
		return fail(errors.WithMessagef(err, "querying properties of device %d", id))
	}
	d.pinned = newPinnedRegistry(d.dctx)
	if d.blas, err = newBlas(d, nil); err != nil {
		return fail(err)
	}
	if d.fft, err = newFFT(d, nil); err != nil {
		return fail(err)
	}
	for i := 0; i < nStreams; i++ {
		s, err := newStream(d, i)
		if err != nil {
			return fail(err)
		}
		d.streams = append(d.streams, s)
	}
	return d, nil
}

// ID returns the logical device id.
func (d *Device) ID() int { return d.id }

// Context returns the device's execution context, for the multi-GPU
// cases that sequence work through Push/Pop or Invoke explicitly.
func (d *Device) Context() *Context { return d.ctx }

// Policy returns the advisory-condition policy.
func (d *Device) Policy() Policy { return d.policy }

// Name returns the driver-reported device name.
func (d *Device) Name() string { return d.props.Name }

// NumStreams returns the stream count chosen at construction.
func (d *Device) NumStreams() int { return len(d.streams) }

// Stream returns stream i. Streams are created up front and live until
// Close; indexes out of range panic.
func (d *Device) Stream(i int) *Stream {
	d.checkOpen()
	return d.streams[i]
}

// Blas returns the default-queue dense-linear-algebra handle.
func (d *Device) Blas() *Blas { return d.blas }

// FFT returns the default-queue transform-library handle.
func (d *Device) FFT() *FFT { return d.fft }

func (d *Device) checkOpen() {
	if d.closed {
		usagePanic("operation on closed device %d", d.id)
	}
}

// DeviceQuery is the answer of Device.Query.
type DeviceQuery struct {
	Name                string
	MultiProcessorCount int
	TotalBytes          uint64
	FreeBytes           uint64
}

// String implements fmt.Stringer.
func (q DeviceQuery) String() string {
	return fmt.Sprintf("%s: %d SMs, %d of %d bytes free", q.Name, q.MultiProcessorCount, q.FreeBytes, q.TotalBytes)
}

// Query reports the device name and current memory occupancy.
func (d *Device) Query() (DeviceQuery, error) {
	d.checkOpen()
	free, total, err := d.dctx.MemInfo()
	if err != nil {
		return DeviceQuery{}, errors.WithMessagef(err, "querying memory of device %d", d.id)
	}
	return DeviceQuery{
		Name:                d.props.Name,
		MultiProcessorCount: d.props.MultiProcessorCount,
		TotalBytes:          total,
		FreeBytes:           free,
	}, nil
}

// sizeOf validates a shape and returns its element count.
func sizeOf(dims []int) (int, error) {
	if len(dims) == 0 {
		return 0, errors.WithMessage(ErrConfiguration, "allocation with an empty shape")
	}
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			return 0, errors.WithMessagef(ErrConfiguration, "allocation with non-positive dimension in shape %v", dims)
		}
		size *= dim
	}
	return size, nil
}

// Malloc allocates device-exclusive memory for the given shape and dtype
// and initializes it from fill (nil leaves the contents undefined).
// InvalidDType selects the device's default dtype. The stream, when not
// nil, becomes the handle's affinity stream.
func (d *Device) Malloc(dims []int, dtype dtypes.DType, fill Fill, stream *Stream) (*DevicePtr, error) {
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
	ptr, err := d.dctx.Malloc(nbytes)
	if err != nil {
		return nil, errors.WithMessagef(ErrAllocationFailure, "allocating %d bytes on device %d: %v", nbytes, d.id, err)
	}
	p := &DevicePtr{
		device: d,
		dims:   append([]int(nil), dims...),
		dtype:  dtype,
		size:   size,
		nbytes: nbytes,
		ptr:    ptr,
		stream: stream,
	}
	if err = p.applyFill(fill); err != nil {
		_ = d.dctx.Free(ptr)
		return nil, err
	}
	return p, nil
}

// MemcpyH2D copies host bytes to a raw device address, synchronously.
// The handle-level DevicePtr.FromHost is the usual entry point; this
// exists for library interop on raw pointers.
func (d *Device) MemcpyH2D(dst cudriver.Ptr, src []byte) error {
	d.checkOpen()
	return errors.WithMessage(d.dctx.MemcpyH2D(dst, src), "host to device copy")
}

// MemcpyD2H copies from a raw device address into host bytes,
// synchronously.
func (d *Device) MemcpyD2H(dst []byte, src cudriver.Ptr) error {
	d.checkOpen()
	return errors.WithMessage(d.dctx.MemcpyD2H(dst, src), "device to host copy")
}

// MemcpyD2D copies between raw device addresses, synchronously.
func (d *Device) MemcpyD2D(dst, src cudriver.Ptr, nbytes int) error {
	d.checkOpen()
	return errors.WithMessage(d.dctx.MemcpyD2D(dst, src, nbytes), "device to device copy")
}

// Memcpy3D copies a dense 3-dimensional extent of elemSize-byte elements
// between raw device addresses.
func (d *Device) Memcpy3D(dst, src cudriver.Ptr, extent [3]int, elemSize int) error {
	d.checkOpen()
	for _, dim := range extent {
		if dim <= 0 {
			return errors.WithMessagef(ErrConfiguration, "3D copy with non-positive extent %v", extent)
		}
	}
	if elemSize <= 0 {
		return errors.WithMessagef(ErrConfiguration, "3D copy with element size %d", elemSize)
	}
	return errors.WithMessage(d.dctx.Memcpy3D(dst, src, extent, elemSize), "3D device copy")
}

// Memset fills nbytes at a raw device address with a byte value.
func (d *Device) Memset(p cudriver.Ptr, value byte, nbytes int) error {
	d.checkOpen()
	return errors.WithMessage(d.dctx.Memset(p, value, nbytes), "memset")
}

// HostPin page-locks buf[:nbytes] for streamed transfers; nbytes <= 0
// pins the whole buffer. Pinning an already-pinned buffer is logged and
// kept as is. Pinned buffers are unpinned by HostUnpin or, in bulk, by
// Close.
func (d *Device) HostPin(buf []byte, nbytes int) error {
	d.checkOpen()
	return d.pinned.pin(buf, nbytes)
}

// HostUnpin releases the page-lock on a buffer previously passed to
// HostPin. Unpinning an unknown buffer is logged and ignored.
func (d *Device) HostUnpin(buf []byte) {
	d.checkOpen()
	d.pinned.unpin(buf)
}

// PinnedCount returns the number of registered pinned buffers.
func (d *Device) PinnedCount() int { return d.pinned.len() }

// RequireStreamable guarantees the given buffers participate safely in
// async copies, pinning any that are not pinned yet.
func (d *Device) RequireStreamable(bufs ...[]byte) error {
	d.checkOpen()
	for _, buf := range bufs {
		if d.pinned.isPinned(buf) {
			continue
		}
		if err := d.pinned.pin(buf, 0); err != nil {
			return err
		}
	}
	return nil
}

// Synchronize blocks the host until the whole device is idle, the
// default queue and every stream included.
func (d *Device) Synchronize() error {
	d.checkOpen()
	return errors.WithMessagef(d.dctx.Synchronize(), "synchronizing device %d", d.id)
}

// Reset drops every allocation on the device and returns it to a clean
// state, with fresh streams and library handles in place of the old
// ones. Outstanding DevicePtr handles are invalid afterwards; pinned
// host registrations survive.
func (d *Device) Reset() error {
	d.checkOpen()
	if err := d.Synchronize(); err != nil {
		klog.Errorf("Device %d failed to synchronize before reset: %v", d.id, err)
	}
	nStreams := len(d.streams)
	for _, s := range d.streams {
		if err := s.destroy(); err != nil {
			klog.Errorf("Device %d reset: %v", d.id, err)
		}
	}
	d.streams = nil
	if err := d.blas.destroy(); err != nil {
		klog.Errorf("Device %d reset: %v", d.id, err)
	}
	if err := d.fft.destroy(); err != nil {
		klog.Errorf("Device %d reset: %v", d.id, err)
	}
	if err := d.dctx.Reset(); err != nil {
		return errors.WithMessagef(err, "resetting device %d", d.id)
	}
	var err error
	if d.blas, err = newBlas(d, nil); err != nil {
		return err
	}
	if d.fft, err = newFFT(d, nil); err != nil {
		return err
	}
	for i := 0; i < nStreams; i++ {
		s, err := newStream(d, i)
		if err != nil {
			return err
		}
		d.streams = append(d.streams, s)
	}
	return nil
}

// Close releases the device: it synchronizes, unpins every registered
// host buffer, destroys the streams and library handles, and destroys
// the context, in that order. Failures along the way are logged and the
// teardown keeps going; the first error is returned. Closing twice is a
// no-op.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	err := d.teardown()
	d.closed = true
	return err
}

func (d *Device) teardown() error {
	var first error
	keep := func(err error) {
		if err != nil {
			klog.Errorf("Device %d teardown: %v", d.id, err)
			if first == nil {
				first = err
			}
		}
	}
	keep(errors.WithMessage(d.dctx.Synchronize(), "synchronize"))
	if d.pinned != nil {
		d.pinned.unpinAll()
	}
	for _, s := range d.streams {
		keep(s.destroy())
	}
	d.streams = nil
	if d.blas != nil {
		keep(d.blas.destroy())
		d.blas = nil
	}
	if d.fft != nil {
		keep(d.fft.destroy())
		d.fft = nil
	}
	keep(d.ctx.Destroy())
	return first
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d.closed {
		return fmt.Sprintf("Device %d [closed]", d.id)
	}
	return fmt.Sprintf("Device %d (%s, %d streams)", d.id, d.props.Name, len(d.streams))
}
