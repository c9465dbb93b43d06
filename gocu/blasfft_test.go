package gocu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asuszko/gocu-interface/dtypes"
)

func TestBlasScal(t *testing.T) {
	dev := testDevice(t, 0)

	x := must1(dev.Malloc([]int{4}, dtypes.Float32, FillValues([]float32{1, 2, 3, 4}), nil))
	defer func() { must(x.Release()) }()

	must(dev.Blas().Scal(0.5, x))
	must(dev.Synchronize())
	require.Equal(t, []float32{0.5, 1, 1.5, 2}, must1(ToHostSlice[float32](x)))
}

func TestBlasAxpyComplex(t *testing.T) {
	dev := testDevice(t, 0)

	x := must1(dev.Malloc([]int{3}, dtypes.Complex128, FillScalar(1+1i), nil))
	defer func() { must(x.Release()) }()
	y := must1(dev.Malloc([]int{3}, dtypes.Complex128, FillScalar(2), nil))
	defer func() { must(y.Release()) }()

	must(dev.Blas().Axpy(2i, x, y))
	must(dev.Synchronize())
	// 2 + 2i*(1+1i) = 2 + 2i - 2 = 2i
	for _, v := range must1(ToHostSlice[complex128](y)) {
		require.Equal(t, 2i, v)
	}
}

func TestBlasAxpyDTypeMismatch(t *testing.T) {
	dev := testDevice(t, 0)

	x := must1(dev.Malloc([]int{3}, dtypes.Float32, nil, nil))
	defer func() { must(x.Release()) }()
	y := must1(dev.Malloc([]int{3}, dtypes.Float64, nil, nil))
	defer func() { must(y.Release()) }()

	require.ErrorIs(t, dev.Blas().Axpy(1, x, y), ErrConfiguration)
}

func TestBlasGemm(t *testing.T) {
	dev := testDevice(t, 0)

	a := must1(dev.Malloc([]int{2, 3}, dtypes.Float32, FillValues([]float32{1, 2, 3, 4, 5, 6}), nil))
	defer func() { must(a.Release()) }()
	b := must1(dev.Malloc([]int{3, 2}, dtypes.Float32, FillValues([]float32{7, 8, 9, 10, 11, 12}), nil))
	defer func() { must(b.Release()) }()
	c := must1(dev.Malloc([]int{2, 2}, dtypes.Float32, FillScalar(0), nil))
	defer func() { must(c.Release()) }()

	must(dev.Blas().Gemm(false, false, 1, a, b, c, 0))
	must(dev.Synchronize())
	require.Equal(t, []float32{58, 64, 139, 154}, must1(ToHostSlice[float32](c)))

	// op(a) = aᵀ flips the contraction; shapes no longer agree with c.
	require.ErrorIs(t, dev.Blas().Gemm(true, false, 1, a, b, c, 0), ErrConfiguration)
}

func TestBlasGemmTransposed(t *testing.T) {
	dev := testDevice(t, 0)

	// aᵀ with a stored 3x2 gives the same 2x3 operand as above.
	a := must1(dev.Malloc([]int{3, 2}, dtypes.Float32, FillValues([]float32{1, 4, 2, 5, 3, 6}), nil))
	defer func() { must(a.Release()) }()
	b := must1(dev.Malloc([]int{3, 2}, dtypes.Float32, FillValues([]float32{7, 8, 9, 10, 11, 12}), nil))
	defer func() { must(b.Release()) }()
	c := must1(dev.Malloc([]int{2, 2}, dtypes.Float32, nil, nil))
	defer func() { must(c.Release()) }()

	must(dev.Blas().Gemm(true, false, 1, a, b, c, 0))
	must(dev.Synchronize())
	require.Equal(t, []float32{58, 64, 139, 154}, must1(ToHostSlice[float32](c)))
}

func TestBlasGemmRankAndDTypeErrors(t *testing.T) {
	dev := testDevice(t, 0)

	vec := must1(dev.Malloc([]int{6}, dtypes.Float32, nil, nil))
	defer func() { must(vec.Release()) }()
	mat := must1(dev.Malloc([]int{2, 3}, dtypes.Float32, nil, nil))
	defer func() { must(mat.Release()) }()
	dbl := must1(dev.Malloc([]int{3, 2}, dtypes.Float64, nil, nil))
	defer func() { must(dbl.Release()) }()
	c := must1(dev.Malloc([]int{2, 2}, dtypes.Float32, nil, nil))
	defer func() { must(c.Release()) }()

	require.ErrorIs(t, dev.Blas().Gemm(false, false, 1, vec, mat, c, 0), ErrUnsupportedRank)
	require.ErrorIs(t, dev.Blas().Gemm(false, false, 1, mat, dbl, c, 0), ErrConfiguration)
}

func TestBatchedGemm(t *testing.T) {
	dev := testDevice(t, 0)
	const n, batch = 2, 3

	// Each a-matrix is 2*I, each b-matrix counts up per batch.
	aVals := make([]float32, n*n*batch)
	bVals := make([]float32, n*n*batch)
	for i := 0; i < batch; i++ {
		aVals[i*n*n+0], aVals[i*n*n+3] = 2, 2
		for j := 0; j < n*n; j++ {
			bVals[i*n*n+j] = float32(i*n*n + j)
		}
	}
	aBase := must1(dev.Malloc([]int{batch, n, n}, dtypes.Float32, FillValues(aVals), nil))
	defer func() { must(aBase.Release()) }()
	bBase := must1(dev.Malloc([]int{batch, n, n}, dtypes.Float32, FillValues(bVals), nil))
	defer func() { must(bBase.Release()) }()
	cBase := must1(dev.Malloc([]int{batch, n, n}, dtypes.Float32, FillScalar(0), nil))
	defer func() { must(cBase.Release()) }()

	a := must1(dev.Batched(aBase, n, batch))
	b := must1(dev.Batched(bBase, n, batch))
	c := must1(dev.Batched(cBase, n, batch))

	must(dev.Blas().GemmBatched(false, false, 1, a, b, c, 0))
	must(dev.Synchronize())
	got := must1(ToHostSlice[float32](cBase))
	for i := range got {
		require.Equal(t, 2*bVals[i], got[i], "c[%d]", i)
	}

	// Release frees the tables, never the bases.
	must(a.Release())
	must(b.Release())
	must(c.Release())
	require.Equal(t, bVals, must1(ToHostSlice[float32](bBase)))
	requireUsagePanic(t, func() { _ = a.Release() })
}

func TestBatchedGeometryErrors(t *testing.T) {
	dev := testDevice(t, 0)

	base := must1(dev.Malloc([]int{2, 2}, dtypes.Float32, nil, nil))
	defer func() { must(base.Release()) }()

	_, err := dev.Batched(base, 2, 2) // two 2x2 matrices do not fit in one
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = dev.Batched(base, 0, 1)
	require.ErrorIs(t, err, ErrConfiguration)

	ok := must1(dev.Batched(base, 2, 1))
	other := must1(dev.Malloc([]int{4, 2, 2}, dtypes.Float64, nil, nil))
	defer func() { must(other.Release()) }()
	dbl := must1(dev.Batched(other, 2, 4))
	err = dev.Blas().GemmBatched(false, false, 1, ok, dbl, dbl, 0)
	require.ErrorIs(t, err, ErrConfiguration)
	must(ok.Release())
	must(dbl.Release())
}

func TestFFTRoundTrip(t *testing.T) {
	dev := testDevice(t, 0)
	const n = 8

	signal := make([]complex64, n)
	for i := range signal {
		signal[i] = complex(float32(i+1), float32(-i))
	}
	src := must1(dev.Malloc([]int{n}, dtypes.Complex64, FillValues(signal), nil))
	defer func() { must(src.Release()) }()
	dst := must1(dev.Malloc([]int{n}, dtypes.Complex64, nil, nil))
	defer func() { must(dst.Release()) }()

	plan := must1(dev.FFT().Plan1D(n, 1, dtypes.Complex64))
	defer func() { must(plan.Destroy()) }()

	must(plan.Forward(dst, src))
	must(plan.Inverse(dst, dst))
	must(dev.Synchronize())

	// Both directions are unnormalized: the round trip scales by n.
	got := must1(ToHostSlice[complex64](dst))
	for i := range got {
		require.InDelta(t, real(signal[i])*n, real(got[i]), 1e-3, "re[%d]", i)
		require.InDelta(t, imag(signal[i])*n, imag(got[i]), 1e-3, "im[%d]", i)
	}
}

func TestFFTPlanErrors(t *testing.T) {
	dev := testDevice(t, 0)

	_, err := dev.FFT().Plan1D(8, 1, dtypes.Float32)
	require.ErrorIs(t, err, ErrConfiguration)

	plan := must1(dev.FFT().Plan1D(16, 2, dtypes.Complex128))
	defer func() { must(plan.Destroy()) }()

	small := must1(dev.Malloc([]int{16}, dtypes.Complex128, nil, nil))
	defer func() { must(small.Release()) }()
	full := must1(dev.Malloc([]int{2, 16}, dtypes.Complex128, nil, nil))
	defer func() { must(full.Release()) }()
	wrong := must1(dev.Malloc([]int{2, 16}, dtypes.Complex64, nil, nil))
	defer func() { must(wrong.Release()) }()

	require.ErrorIs(t, plan.Forward(full, small), ErrConfiguration)       // source short
	require.ErrorIs(t, plan.Forward(small, full), ErrDestinationTooSmall) // destination short
	require.ErrorIs(t, plan.Forward(full, wrong), ErrConfiguration)      // dtype mismatch
}
