package gocu

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asuszko/gocu-interface/cudriver"
	"github.com/asuszko/gocu-interface/dtypes"
)

func TestNewDeviceErrors(t *testing.T) {
	drv := cudriver.NewSimDriver(2)

	_, err := NewDevice(drv, 5, 0)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	_, err = NewDevice(drv, -1, 0)
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	_, err = NewDevice(drv, 0, -3)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = NewDevice(drv, 0, 0, WithDefaultDType(dtypes.Float16))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestDeviceQuery(t *testing.T) {
	dev := testDevice(t, 0)

	before := must1(dev.Query())
	require.NotEmpty(t, before.Name)
	require.Greater(t, before.TotalBytes, uint64(0))
	require.Less(t, before.FreeBytes, before.TotalBytes)

	p := must1(dev.Malloc([]int{1 << 20}, dtypes.Float32, nil, nil))
	after := must1(dev.Query())
	require.Less(t, after.FreeBytes, before.FreeBytes)
	must(p.Release())

	again := must1(dev.Query())
	require.Equal(t, before.FreeBytes, again.FreeBytes)
}

func TestDeviceReset(t *testing.T) {
	dev := testDevice(t, 0)

	before := must1(dev.Query())
	// Leak on purpose; Reset reclaims it.
	_ = must1(dev.Malloc([]int{1024}, dtypes.Float64, nil, nil))
	must(dev.Reset())
	after := must1(dev.Query())
	require.Equal(t, before.FreeBytes, after.FreeBytes)
}

func TestHostPinIdempotentAndUnpinAll(t *testing.T) {
	dev := testDevice(t, 0)

	bufA := make([]byte, 256)
	bufB := make([]byte, 256)
	must(dev.HostPin(bufA, 0))
	must(dev.HostPin(bufB, 128))
	require.Equal(t, 2, dev.PinnedCount())

	// Double pin keeps the existing registration.
	must(dev.HostPin(bufA, 0))
	require.Equal(t, 2, dev.PinnedCount())

	// Unpinning an unknown buffer is reported, never fatal.
	dev.HostUnpin(make([]byte, 16))
	require.Equal(t, 2, dev.PinnedCount())

	dev.HostUnpin(bufA)
	require.Equal(t, 1, dev.PinnedCount())

	dev.pinned.unpinAll()
	require.Equal(t, 0, dev.PinnedCount())
	dev.pinned.unpinAll() // idempotent on empty
	require.Equal(t, 0, dev.PinnedCount())

	require.Error(t, dev.HostPin(nil, 0))
}

func TestRequireStreamable(t *testing.T) {
	dev := testDevice(t, 1)

	buf := make([]byte, 64)
	require.False(t, dev.pinned.isPinned(buf))
	must(dev.RequireStreamable(buf))
	require.True(t, dev.pinned.isPinned(buf))
	must(dev.RequireStreamable(buf)) // already pinned, no-op
	require.Equal(t, 1, dev.PinnedCount())
}

func TestAsyncUnpinnedBufferPolicy(t *testing.T) {
	host := make([]byte, 16)

	strict := testDevice(t, 1, WithStrict())
	p := must1(strict.Malloc([]int{4}, dtypes.Float32, nil, strict.Stream(0)))
	defer func() { must(p.Release()) }()
	require.Error(t, p.FromHostAsync(host, nil))
	require.Error(t, p.ToHostAsync(host, nil))

	perm := testDevice(t, 1)
	q := must1(perm.Malloc([]int{4}, dtypes.Float32, FillScalar(1), perm.Stream(0)))
	defer func() { must(q.Release()) }()
	must(q.ToHostAsync(host, nil))
	must(perm.Stream(0).Synchronize())
	require.Equal(t, []float32{1, 1, 1, 1}, dtypes.BytesToSlice[float32](host))
}

func TestCloseDrainsPinnedAndIsIdempotent(t *testing.T) {
	dev := must1(NewDevice(cudriver.NewSimDriver(1), 0, 2))
	must(dev.HostPin(make([]byte, 64), 0))
	must(dev.HostPin(make([]byte, 64), 0))
	require.Equal(t, 2, dev.PinnedCount())

	must(dev.Close())
	require.Equal(t, 0, dev.PinnedCount())
	must(dev.Close()) // second close is a no-op

	requireUsagePanic(t, func() { _, _ = dev.Malloc([]int{1}, dtypes.Float32, nil, nil) })
	requireUsagePanic(t, func() { dev.Stream(0) })
}

func TestRawMemcpy3D(t *testing.T) {
	dev := testDevice(t, 0)

	extent := [3]int{4, 3, 2}
	n := extent[0] * extent[1] * extent[2]
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32(i)
	}
	src := must1(dev.Malloc([]int{extent[2], extent[1], extent[0]}, dtypes.Float32, FillValues(vals), nil))
	defer func() { must(src.Release()) }()
	dst := must1(dev.Malloc([]int{extent[2], extent[1], extent[0]}, dtypes.Float32, FillScalar(0), nil))
	defer func() { must(dst.Release()) }()

	must(dev.Memcpy3D(dst.DevPtr(), src.DevPtr(), extent, dtypes.Float32.Size()))
	require.Equal(t, vals, must1(ToHostSlice[float32](dst)))

	require.ErrorIs(t, dev.Memcpy3D(dst.DevPtr(), src.DevPtr(), [3]int{0, 1, 1}, 4), ErrConfiguration)
	require.ErrorIs(t, dev.Memcpy3D(dst.DevPtr(), src.DevPtr(), extent, 0), ErrConfiguration)
}

// TestComplexArithmeticScenario mirrors a real workload: two 768x512
// complex planes combined with the in-place vector ops and checked
// against a host reference.
func TestComplexArithmeticScenario(t *testing.T) {
	dev := testDevice(t, 0)

	const rows, cols = 768, 512
	dims := []int{rows, cols}
	n := rows * cols

	a := must1(dev.Malloc(dims, dtypes.Complex64, FillScalar(3+5i), nil))
	defer func() { must(a.Release()) }()
	b := must1(dev.Malloc(dims, dtypes.Complex64, FillScalar(16+1i), nil))
	defer func() { must(b.Release()) }()

	ha := make([]complex64, n)
	hb := make([]complex64, n)
	for i := range ha {
		ha[i], hb[i] = 3 + 5i, 16 + 1i
	}

	must(b.Add(a))
	for i := range hb {
		hb[i] += ha[i]
	}
	must(b.Mul(a))
	for i := range hb {
		hb[i] *= ha[i]
	}
	must(a.Sub(b))
	for i := range ha {
		ha[i] -= hb[i]
	}
	must(a.Div(b))
	for i := range ha {
		ha[i] /= hb[i]
	}

	gotA := must1(ToHostSlice[complex64](a))
	gotB := must1(ToHostSlice[complex64](b))
	for i := 0; i < n; i++ {
		require.InDelta(t, 0, cmplx.Abs(complex128(gotA[i]-ha[i])), 1e-5, "a[%d]", i)
		require.InDelta(t, 0, cmplx.Abs(complex128(gotB[i]-hb[i])), 1e-5, "b[%d]", i)
	}
}
