package gocu

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

// Stream owns one asynchronous execution queue bound to a Device, plus its
// own BLAS and FFT handles scoped to that queue. Work submitted to a
// Stream runs in submission order; across streams (or against the default
// queue) there is no ordering until Synchronize.
type Stream struct {
	device  *Device
	ordinal int
	s       cudriver.Stream
	blas    *Blas
	fft     *FFT
}

// newStream allocates the native queue and its per-queue library handles.
func newStream(device *Device, ordinal int) (*Stream, error) {
	ds, err := device.dctx.CreateStream()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating stream %d on device %d", ordinal, device.id)
	}
	s := &Stream{device: device, ordinal: ordinal, s: ds}
	s.blas, err = newBlas(device, ds)
	if err != nil {
		_ = ds.Destroy()
		return nil, err
	}
	s.fft, err = newFFT(device, ds)
	if err != nil {
		_ = ds.Destroy()
		return nil, err
	}
	return s, nil
}

// Device returns the owning device.
func (s *Stream) Device() *Device { return s.device }

// Ordinal returns the stream's id within its device.
func (s *Stream) Ordinal() int { return s.ordinal }

// Driver returns the underlying driver queue.
func (s *Stream) Driver() cudriver.Stream { return s.s }

// Blas returns the dense-linear-algebra handle bound to this queue.
func (s *Stream) Blas() *Blas { return s.blas }

// FFT returns the transform-library handle bound to this queue.
func (s *Stream) FFT() *FFT { return s.fft }

// Malloc allocates through the owning device and tags the handle with
// this stream's affinity, so its async operations default to this queue.
// Allocation itself is synchronous regardless; batch allocations outside
// async regions to avoid stalling the queue.
func (s *Stream) Malloc(dims []int, dtype dtypes.DType, fill Fill) (*DevicePtr, error) {
	return s.device.Malloc(dims, dtype, fill, s)
}

// Synchronize blocks the host until every operation previously enqueued
// on this stream has completed. This is the only call that turns
// "enqueued" into "observably complete".
func (s *Stream) Synchronize() error {
	return errors.WithMessagef(s.s.Synchronize(), "synchronizing stream %d on device %d", s.ordinal, s.device.id)
}

// destroy synchronizes and releases the queue and its library handles.
// Called from Device teardown; the sync guarantees no in-flight work is
// destroyed with the queue.
func (s *Stream) destroy() error {
	err := s.Synchronize()
	if err != nil {
		klog.Errorf("Stream %d on device %d failed to synchronize before destroy: %v", s.ordinal, s.device.id, err)
	}
	if berr := s.blas.destroy(); berr != nil && err == nil {
		err = berr
	}
	if ferr := s.fft.destroy(); ferr != nil && err == nil {
		err = ferr
	}
	if derr := s.s.Destroy(); derr != nil && err == nil {
		err = errors.WithMessagef(derr, "destroying stream %d on device %d", s.ordinal, s.device.id)
	}
	return err
}

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream %d on device %d", s.ordinal, s.device.id)
}
