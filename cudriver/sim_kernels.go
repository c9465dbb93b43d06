package cudriver

import (
	"github.com/pkg/errors"

	"github.com/asuszko/gocu-interface/dtypes"
)

// Elementwise implements Context.
func (ctx *simContext) Elementwise(op BinaryOp, dst, src Ptr, n int, dtype dtypes.DType, s Stream) error {
	if !dtype.DeviceSupported() {
		return errors.Errorf("elementwise %s kernel has no %s variant", op, dtype)
	}
	dstWindow, err := ctx.resolve(dst, n*dtype.Size())
	if err != nil {
		return err
	}
	srcWindow, err := ctx.resolve(src, n*dtype.Size())
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		switch dtype {
		case dtypes.Float32:
			elementwiseVec(op, dtypes.BytesToSlice[float32](dstWindow), dtypes.BytesToSlice[float32](srcWindow))
		case dtypes.Float64:
			elementwiseVec(op, dtypes.BytesToSlice[float64](dstWindow), dtypes.BytesToSlice[float64](srcWindow))
		case dtypes.Complex64:
			elementwiseVec(op, dtypes.BytesToSlice[complex64](dstWindow), dtypes.BytesToSlice[complex64](srcWindow))
		case dtypes.Complex128:
			elementwiseVec(op, dtypes.BytesToSlice[complex128](dstWindow), dtypes.BytesToSlice[complex128](srcWindow))
		}
		return nil
	})
}

// ElementwiseScalar implements Context.
func (ctx *simContext) ElementwiseScalar(op BinaryOp, dst Ptr, scalar []byte, n int, dtype dtypes.DType, s Stream) error {
	if !dtype.DeviceSupported() {
		return errors.Errorf("elementwise %s kernel has no %s variant", op, dtype)
	}
	if len(scalar) < dtype.Size() {
		return errors.Errorf("scalar operand holds %d bytes, want %d for %s", len(scalar), dtype.Size(), dtype)
	}
	dstWindow, err := ctx.resolve(dst, n*dtype.Size())
	if err != nil {
		return err
	}
	operand := append([]byte(nil), scalar[:dtype.Size()]...)
	return ctx.enqueue(s, func() error {
		switch dtype {
		case dtypes.Float32:
			elementwiseVal(op, dtypes.BytesToSlice[float32](dstWindow), dtypes.BytesToSlice[float32](operand)[0])
		case dtypes.Float64:
			elementwiseVal(op, dtypes.BytesToSlice[float64](dstWindow), dtypes.BytesToSlice[float64](operand)[0])
		case dtypes.Complex64:
			elementwiseVal(op, dtypes.BytesToSlice[complex64](dstWindow), dtypes.BytesToSlice[complex64](operand)[0])
		case dtypes.Complex128:
			elementwiseVal(op, dtypes.BytesToSlice[complex128](dstWindow), dtypes.BytesToSlice[complex128](operand)[0])
		}
		return nil
	})
}

// Conjugate implements Context.
func (ctx *simContext) Conjugate(p Ptr, n int, dtype dtypes.DType, s Stream) error {
	if !dtype.IsComplex() {
		return errors.Errorf("conjugate kernel is undefined for %s", dtype)
	}
	window, err := ctx.resolve(p, n*dtype.Size())
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		switch dtype {
		case dtypes.Complex64:
			values := dtypes.BytesToSlice[complex64](window)
			for i, v := range values {
				values[i] = complex(real(v), -imag(v))
			}
		case dtypes.Complex128:
			values := dtypes.BytesToSlice[complex128](window)
			for i, v := range values {
				values[i] = complex(real(v), -imag(v))
			}
		}
		return nil
	})
}

// Transpose implements Context.
func (ctx *simContext) Transpose(p Ptr, rows, cols int, dtype dtypes.DType, s Stream) error {
	if !dtype.DeviceSupported() {
		return errors.Errorf("transpose kernel has no %s variant", dtype)
	}
	if rows <= 0 || cols <= 0 {
		return errors.Errorf("invalid transpose geometry %dx%d", rows, cols)
	}
	window, err := ctx.resolve(p, rows*cols*dtype.Size())
	if err != nil {
		return err
	}
	return ctx.enqueue(s, func() error {
		switch dtype {
		case dtypes.Float32:
			transposeVec(dtypes.BytesToSlice[float32](window), rows, cols)
		case dtypes.Float64:
			transposeVec(dtypes.BytesToSlice[float64](window), rows, cols)
		case dtypes.Complex64:
			transposeVec(dtypes.BytesToSlice[complex64](window), rows, cols)
		case dtypes.Complex128:
			transposeVec(dtypes.BytesToSlice[complex128](window), rows, cols)
		}
		return nil
	})
}

func elementwiseVec[T dtypes.Supported](op BinaryOp, dst, src []T) {
	switch op {
	case OpAdd:
		for i := range dst {
			dst[i] += src[i]
		}
	case OpSub:
		for i := range dst {
			dst[i] -= src[i]
		}
	case OpMul:
		for i := range dst {
			dst[i] *= src[i]
		}
	case OpDiv:
		for i := range dst {
			dst[i] /= src[i]
		}
	}
}

func elementwiseVal[T dtypes.Supported](op BinaryOp, dst []T, v T) {
	switch op {
	case OpAdd:
		for i := range dst {
			dst[i] += v
		}
	case OpSub:
		for i := range dst {
			dst[i] -= v
		}
	case OpMul:
		for i := range dst {
			dst[i] *= v
		}
	case OpDiv:
		for i := range dst {
			dst[i] /= v
		}
	}
}

// transposeVec repermutes a row-major rows x cols matrix in place, through
// a scratch copy.
func transposeVec[T dtypes.Supported](data []T, rows, cols int) {
	scratch := make([]T, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			scratch[c*rows+r] = data[r*cols+c]
		}
	}
	copy(data, scratch)
}
