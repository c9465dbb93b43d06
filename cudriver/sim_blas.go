package cudriver

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	gonumblas "gonum.org/v1/gonum/blas/gonum"

	"github.com/asuszko/gocu-interface/dtypes"
)

// simBlas is the reference dense-linear-algebra handle, backed by gonum's
// pure-Go BLAS implementation. Matrices are row-major.
type simBlas struct {
	ctx       *simContext
	stream    Stream
	destroyed bool
}

var blasImpl = gonumblas.Implementation{}

// NewBlas implements Context.
func (ctx *simContext) NewBlas(s Stream) (Blas, error) {
	if err := ctx.checkStream(s); err != nil {
		return nil, err
	}
	return &simBlas{ctx: ctx, stream: s}, nil
}

func (ctx *simContext) checkStream(s Stream) error {
	if s == nil {
		return nil
	}
	ss, ok := s.(*simStream)
	if !ok {
		return errors.Errorf("stream %T does not belong to this driver", s)
	}
	if ss.ctx != ctx {
		return errors.Errorf("stream belongs to device %d, not device %d", ss.ctx.dev.id, ctx.dev.id)
	}
	return nil
}

func (b *simBlas) checkAlive() error {
	if b.destroyed {
		return errors.New("blas handle already destroyed")
	}
	return nil
}

// Destroy implements Blas.
func (b *simBlas) Destroy() error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	b.destroyed = true
	return nil
}

func vectorBytes(n, inc, elemSize int) (int, error) {
	if n <= 0 || inc == 0 {
		return 0, errors.Errorf("invalid vector geometry n=%d inc=%d", n, inc)
	}
	if inc < 0 {
		inc = -inc
	}
	return ((n-1)*inc + 1) * elemSize, nil
}

func scalarOperand(raw []byte, dtype dtypes.DType) ([]byte, error) {
	if len(raw) < dtype.Size() {
		return nil, errors.Errorf("scalar operand holds %d bytes, want %d for %s", len(raw), dtype.Size(), dtype)
	}
	return append([]byte(nil), raw[:dtype.Size()]...), nil
}

// Axpy implements Blas.
func (b *simBlas) Axpy(n int, alpha []byte, x Ptr, incx int, y Ptr, incy int, dtype dtypes.DType) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	a, err := scalarOperand(alpha, dtype)
	if err != nil {
		return err
	}
	xBytes, err := vectorBytes(n, incx, dtype.Size())
	if err != nil {
		return err
	}
	yBytes, err := vectorBytes(n, incy, dtype.Size())
	if err != nil {
		return err
	}
	xWindow, err := b.ctx.resolve(x, xBytes)
	if err != nil {
		return err
	}
	yWindow, err := b.ctx.resolve(y, yBytes)
	if err != nil {
		return err
	}
	return b.ctx.enqueue(b.stream, func() error {
		switch dtype {
		case dtypes.Float32:
			blasImpl.Saxpy(n, dtypes.BytesToSlice[float32](a)[0], dtypes.BytesToSlice[float32](xWindow), incx, dtypes.BytesToSlice[float32](yWindow), incy)
		case dtypes.Float64:
			blasImpl.Daxpy(n, dtypes.BytesToSlice[float64](a)[0], dtypes.BytesToSlice[float64](xWindow), incx, dtypes.BytesToSlice[float64](yWindow), incy)
		case dtypes.Complex64:
			blasImpl.Caxpy(n, dtypes.BytesToSlice[complex64](a)[0], dtypes.BytesToSlice[complex64](xWindow), incx, dtypes.BytesToSlice[complex64](yWindow), incy)
		case dtypes.Complex128:
			blasImpl.Zaxpy(n, dtypes.BytesToSlice[complex128](a)[0], dtypes.BytesToSlice[complex128](xWindow), incx, dtypes.BytesToSlice[complex128](yWindow), incy)
		default:
			return errors.Errorf("axpy has no %s variant", dtype)
		}
		return nil
	})
}

// Scal implements Blas.
func (b *simBlas) Scal(n int, alpha []byte, x Ptr, incx int, dtype dtypes.DType) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if incx < 0 {
		return errors.Errorf("scal requires a positive increment, got %d", incx)
	}
	a, err := scalarOperand(alpha, dtype)
	if err != nil {
		return err
	}
	xBytes, err := vectorBytes(n, incx, dtype.Size())
	if err != nil {
		return err
	}
	xWindow, err := b.ctx.resolve(x, xBytes)
	if err != nil {
		return err
	}
	return b.ctx.enqueue(b.stream, func() error {
		switch dtype {
		case dtypes.Float32:
			blasImpl.Sscal(n, dtypes.BytesToSlice[float32](a)[0], dtypes.BytesToSlice[float32](xWindow), incx)
		case dtypes.Float64:
			blasImpl.Dscal(n, dtypes.BytesToSlice[float64](a)[0], dtypes.BytesToSlice[float64](xWindow), incx)
		case dtypes.Complex64:
			blasImpl.Cscal(n, dtypes.BytesToSlice[complex64](a)[0], dtypes.BytesToSlice[complex64](xWindow), incx)
		case dtypes.Complex128:
			blasImpl.Zscal(n, dtypes.BytesToSlice[complex128](a)[0], dtypes.BytesToSlice[complex128](xWindow), incx)
		default:
			return errors.Errorf("scal has no %s variant", dtype)
		}
		return nil
	})
}

// Nrm2 implements Blas. The result is returned to the host, so the call
// waits for the queue to reach it.
func (b *simBlas) Nrm2(n int, x Ptr, incx int, dtype dtypes.DType) (float64, error) {
	if err := b.checkAlive(); err != nil {
		return 0, err
	}
	if incx <= 0 {
		return 0, errors.Errorf("nrm2 requires a positive increment, got %d", incx)
	}
	xBytes, err := vectorBytes(n, incx, dtype.Size())
	if err != nil {
		return 0, err
	}
	xWindow, err := b.ctx.resolve(x, xBytes)
	if err != nil {
		return 0, err
	}
	var result float64
	err = b.ctx.enqueue(b.stream, func() error {
		switch dtype {
		case dtypes.Float32:
			result = float64(blasImpl.Snrm2(n, dtypes.BytesToSlice[float32](xWindow), incx))
		case dtypes.Float64:
			result = blasImpl.Dnrm2(n, dtypes.BytesToSlice[float64](xWindow), incx)
		case dtypes.Complex64:
			result = float64(blasImpl.Scnrm2(n, dtypes.BytesToSlice[complex64](xWindow), incx))
		case dtypes.Complex128:
			result = blasImpl.Dznrm2(n, dtypes.BytesToSlice[complex128](xWindow), incx)
		default:
			return errors.Errorf("nrm2 has no %s variant", dtype)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if b.stream != nil {
		if err := b.stream.Synchronize(); err != nil {
			return 0, err
		}
	}
	return result, nil
}

func transFlag(trans bool) blas.Transpose {
	if trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Gemm implements Blas.
func (b *simBlas) Gemm(transA, transB bool, m, n, k int, alpha []byte, aPtr Ptr, lda int, bPtr Ptr, ldb int, beta []byte, cPtr Ptr, ldc int, dtype dtypes.DType) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if m <= 0 || n <= 0 || k <= 0 {
		return errors.Errorf("invalid gemm geometry m=%d n=%d k=%d", m, n, k)
	}
	alphaOp, err := scalarOperand(alpha, dtype)
	if err != nil {
		return err
	}
	betaOp, err := scalarOperand(beta, dtype)
	if err != nil {
		return err
	}
	rowsA, colsA := m, k
	if transA {
		rowsA, colsA = k, m
	}
	rowsB, colsB := k, n
	if transB {
		rowsB, colsB = n, k
	}
	if lda < colsA || ldb < colsB || ldc < n {
		return errors.Errorf("leading dimensions too small: lda=%d ldb=%d ldc=%d", lda, ldb, ldc)
	}
	aWindow, err := b.ctx.resolve(aPtr, ((rowsA-1)*lda+colsA)*dtype.Size())
	if err != nil {
		return err
	}
	bWindow, err := b.ctx.resolve(bPtr, ((rowsB-1)*ldb+colsB)*dtype.Size())
	if err != nil {
		return err
	}
	cWindow, err := b.ctx.resolve(cPtr, ((m-1)*ldc+n)*dtype.Size())
	if err != nil {
		return err
	}
	tA, tB := transFlag(transA), transFlag(transB)
	return b.ctx.enqueue(b.stream, func() error {
		switch dtype {
		case dtypes.Float32:
			blasImpl.Sgemm(tA, tB, m, n, k, dtypes.BytesToSlice[float32](alphaOp)[0], dtypes.BytesToSlice[float32](aWindow), lda, dtypes.BytesToSlice[float32](bWindow), ldb, dtypes.BytesToSlice[float32](betaOp)[0], dtypes.BytesToSlice[float32](cWindow), ldc)
		case dtypes.Float64:
			blasImpl.Dgemm(tA, tB, m, n, k, dtypes.BytesToSlice[float64](alphaOp)[0], dtypes.BytesToSlice[float64](aWindow), lda, dtypes.BytesToSlice[float64](bWindow), ldb, dtypes.BytesToSlice[float64](betaOp)[0], dtypes.BytesToSlice[float64](cWindow), ldc)
		case dtypes.Complex64:
			blasImpl.Cgemm(tA, tB, m, n, k, dtypes.BytesToSlice[complex64](alphaOp)[0], dtypes.BytesToSlice[complex64](aWindow), lda, dtypes.BytesToSlice[complex64](bWindow), ldb, dtypes.BytesToSlice[complex64](betaOp)[0], dtypes.BytesToSlice[complex64](cWindow), ldc)
		case dtypes.Complex128:
			blasImpl.Zgemm(tA, tB, m, n, k, dtypes.BytesToSlice[complex128](alphaOp)[0], dtypes.BytesToSlice[complex128](aWindow), lda, dtypes.BytesToSlice[complex128](bWindow), ldb, dtypes.BytesToSlice[complex128](betaOp)[0], dtypes.BytesToSlice[complex128](cWindow), ldc)
		default:
			return errors.Errorf("gemm has no %s variant", dtype)
		}
		return nil
	})
}

// GemmBatched implements Blas.
func (b *simBlas) GemmBatched(transA, transB bool, n int, alpha []byte, aTable, bTable Ptr, beta []byte, cTable Ptr, batch int, dtype dtypes.DType) error {
	if err := b.checkAlive(); err != nil {
		return err
	}
	if n <= 0 || batch <= 0 {
		return errors.Errorf("invalid batched gemm geometry n=%d batch=%d", n, batch)
	}
	alphaOp, err := scalarOperand(alpha, dtype)
	if err != nil {
		return err
	}
	betaOp, err := scalarOperand(beta, dtype)
	if err != nil {
		return err
	}
	aMats, err := b.decodeTable(aTable, n, batch, dtype)
	if err != nil {
		return err
	}
	bMats, err := b.decodeTable(bTable, n, batch, dtype)
	if err != nil {
		return err
	}
	cMats, err := b.decodeTable(cTable, n, batch, dtype)
	if err != nil {
		return err
	}
	tA, tB := transFlag(transA), transFlag(transB)
	return b.ctx.enqueue(b.stream, func() error {
		for i := 0; i < batch; i++ {
			switch dtype {
			case dtypes.Float32:
				blasImpl.Sgemm(tA, tB, n, n, n, dtypes.BytesToSlice[float32](alphaOp)[0], dtypes.BytesToSlice[float32](aMats[i]), n, dtypes.BytesToSlice[float32](bMats[i]), n, dtypes.BytesToSlice[float32](betaOp)[0], dtypes.BytesToSlice[float32](cMats[i]), n)
			case dtypes.Float64:
				blasImpl.Dgemm(tA, tB, n, n, n, dtypes.BytesToSlice[float64](alphaOp)[0], dtypes.BytesToSlice[float64](aMats[i]), n, dtypes.BytesToSlice[float64](bMats[i]), n, dtypes.BytesToSlice[float64](betaOp)[0], dtypes.BytesToSlice[float64](cMats[i]), n)
			case dtypes.Complex64:
				blasImpl.Cgemm(tA, tB, n, n, n, dtypes.BytesToSlice[complex64](alphaOp)[0], dtypes.BytesToSlice[complex64](aMats[i]), n, dtypes.BytesToSlice[complex64](bMats[i]), n, dtypes.BytesToSlice[complex64](betaOp)[0], dtypes.BytesToSlice[complex64](cMats[i]), n)
			case dtypes.Complex128:
				blasImpl.Zgemm(tA, tB, n, n, n, dtypes.BytesToSlice[complex128](alphaOp)[0], dtypes.BytesToSlice[complex128](aMats[i]), n, dtypes.BytesToSlice[complex128](bMats[i]), n, dtypes.BytesToSlice[complex128](betaOp)[0], dtypes.BytesToSlice[complex128](cMats[i]), n)
			default:
				return errors.Errorf("batched gemm has no %s variant", dtype)
			}
		}
		return nil
	})
}

// decodeTable resolves a device pointer table into the byte windows of the
// batch n x n matrices it addresses.
func (b *simBlas) decodeTable(table Ptr, n, batch int, dtype dtypes.DType) ([][]byte, error) {
	tableWindow, err := b.ctx.resolve(table, batch*simPtrSize)
	if err != nil {
		return nil, err
	}
	matBytes := n * n * dtype.Size()
	mats := make([][]byte, batch)
	for i := 0; i < batch; i++ {
		addr := getUintptr(tableWindow[i*simPtrSize:])
		mats[i], err = b.ctx.resolve(Ptr{addr: addr}, matBytes)
		if err != nil {
			return nil, errors.WithMessagef(err, "pointer table entry %d", i)
		}
	}
	return mats, nil
}
