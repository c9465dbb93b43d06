package gocu

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

// BatchedPtr views an owning DevicePtr's storage as batch contiguous n×n
// matrices, through a device-resident pointer table as the batched BLAS
// entry points expect. It owns only the table: Release frees the table
// and never the base allocation, which must outlive the view.
type BatchedPtr struct {
	device   *Device
	base     *DevicePtr
	table    cudriver.Ptr
	n        int
	batch    int
	dtype    dtypes.DType
	released bool
}

// Batched builds a pointer table over base, which must hold at least
// batch matrices of n×n elements back to back.
func (d *Device) Batched(base *DevicePtr, n, batch int) (*BatchedPtr, error) {
	d.checkOpen()
	base.checkAlive()
	if base.device != d {
		return nil, errors.WithMessagef(ErrConfiguration, "batched view on device %d over an allocation of device %d", d.id, base.device.id)
	}
	if n <= 0 || batch <= 0 {
		return nil, errors.WithMessagef(ErrConfiguration, "batched view with n=%d batch=%d", n, batch)
	}
	stride := n * n * base.dtype.Size()
	if stride*batch > base.nbytes {
		return nil, errors.WithMessagef(ErrConfiguration,
			"batched view needs %d bytes (%d matrices of %dx%d %s), base holds %d",
			stride*batch, batch, n, n, base.dtype, base.nbytes)
	}
	table, err := d.dctx.MallocPointerArray(base.ptr, stride, batch)
	if err != nil {
		return nil, errors.WithMessagef(ErrAllocationFailure, "allocating %d-entry pointer table on device %d: %v", batch, d.id, err)
	}
	return &BatchedPtr{
		device: d,
		base:   base,
		table:  table,
		n:      n,
		batch:  batch,
		dtype:  base.dtype,
	}, nil
}

func (p *BatchedPtr) checkAlive() {
	if p.released {
		usagePanic("operation on released BatchedPtr(%s) %dx%dx%d", p.dtype, p.batch, p.n, p.n)
	}
	p.base.checkAlive()
}

// Base returns the owning allocation the view was built over.
func (p *BatchedPtr) Base() *DevicePtr { return p.base }

// Table returns the device address of the pointer table.
func (p *BatchedPtr) Table() cudriver.Ptr {
	p.checkAlive()
	return p.table
}

// N returns the matrix order.
func (p *BatchedPtr) N() int { return p.n }

// Batch returns the matrix count.
func (p *BatchedPtr) Batch() int { return p.batch }

// DType returns the element type, inherited from the base.
func (p *BatchedPtr) DType() dtypes.DType { return p.dtype }

// Release frees the pointer table. The base allocation is untouched.
// Exactly once; reuse after Release panics with a UsageError.
func (p *BatchedPtr) Release() error {
	p.checkAlive()
	p.released = true
	return errors.WithMessagef(p.device.dctx.Free(p.table), "releasing pointer table of BatchedPtr(%s) %dx%dx%d", p.dtype, p.batch, p.n, p.n)
}

// String implements fmt.Stringer.
func (p *BatchedPtr) String() string {
	return fmt.Sprintf("BatchedPtr(%s) %d matrices of %dx%d", p.dtype, p.batch, p.n, p.n)
}
