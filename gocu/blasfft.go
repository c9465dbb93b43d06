package gocu

import (
	"github.com/pkg/errors"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

// Blas is a dense-linear-algebra handle scoped to one queue: the Device
// owns one on the default queue and every Stream owns its own. Matrices
// are 2-dimensional handles in row-major order.
type Blas struct {
	device *Device
	h      cudriver.Blas
}

func newBlas(device *Device, s cudriver.Stream) (*Blas, error) {
	h, err := device.dctx.NewBlas(s)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating blas handle on device %d", device.id)
	}
	return &Blas{device: device, h: h}, nil
}

func (b *Blas) destroy() error {
	return errors.WithMessage(b.h.Destroy(), "destroying blas handle")
}

func blasOperands(x, y *DevicePtr) (int, error) {
	x.checkAlive()
	y.checkAlive()
	if x.dtype != y.dtype {
		return 0, errors.WithMessagef(ErrConfiguration, "blas operands mix dtypes %s and %s", x.dtype, y.dtype)
	}
	return min(x.size, y.size), nil
}

// Axpy computes y += alpha*x over the elements both handles cover.
func (b *Blas) Axpy(alpha complex128, x, y *DevicePtr) error {
	n, err := blasOperands(x, y)
	if err != nil {
		return err
	}
	raw, err := dtypes.ScalarToBytes(x.dtype, alpha)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	return errors.WithMessage(b.h.Axpy(n, raw, x.ptr, 1, y.ptr, 1, x.dtype), "axpy")
}

// Scal computes x *= alpha.
func (b *Blas) Scal(alpha complex128, x *DevicePtr) error {
	x.checkAlive()
	raw, err := dtypes.ScalarToBytes(x.dtype, alpha)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	return errors.WithMessage(b.h.Scal(x.size, raw, x.ptr, 1, x.dtype), "scal")
}

// Nrm2 returns the Euclidean norm of x. The value travels back to the
// host, so the call synchronizes the queue.
func (b *Blas) Nrm2(x *DevicePtr) (float64, error) {
	x.checkAlive()
	norm, err := b.h.Nrm2(x.size, x.ptr, 1, x.dtype)
	return norm, errors.WithMessage(err, "nrm2")
}

// gemmDims checks a 2D operand and returns its row/column counts after
// the optional transposition.
func gemmDims(p *DevicePtr, trans bool) (rows, cols int, err error) {
	p.checkAlive()
	if len(p.dims) != 2 {
		return 0, 0, errors.WithMessagef(ErrUnsupportedRank, "gemm operand has rank-%d shape %v", len(p.dims), p.dims)
	}
	rows, cols = p.dims[0], p.dims[1]
	if trans {
		rows, cols = cols, rows
	}
	return rows, cols, nil
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c, where op optionally
// transposes. All three handles must share a dtype; shapes must agree.
func (b *Blas) Gemm(transA, transB bool, alpha complex128, a, bm, c *DevicePtr, beta complex128) error {
	m, k, err := gemmDims(a, transA)
	if err != nil {
		return err
	}
	kb, n, err := gemmDims(bm, transB)
	if err != nil {
		return err
	}
	cm, cn, err := gemmDims(c, false)
	if err != nil {
		return err
	}
	if k != kb || cm != m || cn != n {
		return errors.WithMessagef(ErrConfiguration,
			"gemm shapes do not agree: op(a)=%dx%d op(b)=%dx%d c=%dx%d", m, k, kb, n, cm, cn)
	}
	if a.dtype != bm.dtype || a.dtype != c.dtype {
		return errors.WithMessagef(ErrConfiguration, "gemm operands mix dtypes %s, %s and %s", a.dtype, bm.dtype, c.dtype)
	}
	alphaRaw, err := dtypes.ScalarToBytes(a.dtype, alpha)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	betaRaw, err := dtypes.ScalarToBytes(a.dtype, beta)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	// Row-major contiguous: the leading dimension is the column count of
	// the stored (untransposed) matrix.
	return errors.WithMessage(b.h.Gemm(transA, transB, m, n, k,
		alphaRaw, a.ptr, a.dims[1],
		bm.ptr, bm.dims[1],
		betaRaw, c.ptr, c.dims[1],
		a.dtype), "gemm")
}

// GemmBatched multiplies the batched square matrices behind three pointer
// tables: c[i] = alpha*op(a[i])*op(b[i]) + beta*c[i].
func (b *Blas) GemmBatched(transA, transB bool, alpha complex128, a, bm, c *BatchedPtr, beta complex128) error {
	a.checkAlive()
	bm.checkAlive()
	c.checkAlive()
	if a.n != bm.n || a.n != c.n || a.batch != bm.batch || a.batch != c.batch {
		return errors.WithMessagef(ErrConfiguration,
			"batched gemm geometries do not agree: a=%dx%dx%d b=%dx%dx%d c=%dx%dx%d",
			a.batch, a.n, a.n, bm.batch, bm.n, bm.n, c.batch, c.n, c.n)
	}
	if a.dtype != bm.dtype || a.dtype != c.dtype {
		return errors.WithMessagef(ErrConfiguration, "batched gemm operands mix dtypes %s, %s and %s", a.dtype, bm.dtype, c.dtype)
	}
	alphaRaw, err := dtypes.ScalarToBytes(a.dtype, alpha)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	betaRaw, err := dtypes.ScalarToBytes(a.dtype, beta)
	if err != nil {
		return errors.WithMessage(ErrConfiguration, err.Error())
	}
	return errors.WithMessage(
		b.h.GemmBatched(transA, transB, a.n, alphaRaw, a.table, bm.table, betaRaw, c.table, a.batch, a.dtype),
		"batched gemm")
}

// FFT is a transform-library handle scoped to one queue.
type FFT struct {
	device *Device
	h      cudriver.FFT
}

func newFFT(device *Device, s cudriver.Stream) (*FFT, error) {
	h, err := device.dctx.NewFFT(s)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating fft handle on device %d", device.id)
	}
	return &FFT{device: device, h: h}, nil
}

func (f *FFT) destroy() error {
	return errors.WithMessage(f.h.Destroy(), "destroying fft handle")
}

// Plan1D prepares batch complex-to-complex transforms of length n.
func (f *FFT) Plan1D(n, batch int, dtype dtypes.DType) (*FFTPlan, error) {
	if !dtype.IsComplex() {
		return nil, errors.WithMessagef(ErrConfiguration, "1D plans are complex-to-complex, got %s", dtype)
	}
	p, err := f.h.Plan1D(n, batch, dtype)
	if err != nil {
		return nil, errors.WithMessagef(err, "planning %d transforms of length %d", batch, n)
	}
	return &FFTPlan{p: p, n: n, batch: batch, dtype: dtype}, nil
}

// FFTPlan executes planned transforms between device handles. Transforms
// are unnormalized in both directions, as the native libraries are.
type FFTPlan struct {
	p     cudriver.FFTPlan
	n     int
	batch int
	dtype dtypes.DType
}

func (fp *FFTPlan) checkOperands(dst, src *DevicePtr) error {
	dst.checkAlive()
	src.checkAlive()
	if src.dtype != fp.dtype || dst.dtype != fp.dtype {
		return errors.WithMessagef(ErrConfiguration, "plan dtype %s, operands %s and %s", fp.dtype, src.dtype, dst.dtype)
	}
	need := fp.n * fp.batch * fp.dtype.Size()
	if src.nbytes < need {
		return errors.WithMessagef(ErrConfiguration, "plan needs %d bytes, source holds %d", need, src.nbytes)
	}
	if dst.nbytes < need {
		return errors.WithMessagef(ErrDestinationTooSmall, "plan needs %d bytes, destination holds %d", need, dst.nbytes)
	}
	return nil
}

// Forward executes the forward transforms, src into dst. In-place when
// dst == src.
func (fp *FFTPlan) Forward(dst, src *DevicePtr) error {
	if err := fp.checkOperands(dst, src); err != nil {
		return err
	}
	return errors.WithMessage(fp.p.Forward(dst.ptr, src.ptr), "forward fft")
}

// Inverse executes the inverse transforms, src into dst. Unnormalized:
// divide by the transform length to recover the sequence.
func (fp *FFTPlan) Inverse(dst, src *DevicePtr) error {
	if err := fp.checkOperands(dst, src); err != nil {
		return err
	}
	return errors.WithMessage(fp.p.Inverse(dst.ptr, src.ptr), "inverse fft")
}

// Destroy releases the plan.
func (fp *FFTPlan) Destroy() error {
	return errors.WithMessage(fp.p.Destroy(), "destroying fft plan")
}
