package gocu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asuszko/gocu-interface/dtypes"
)

func TestUnifiedHostView(t *testing.T) {
	dev := testDevice(t, 0)

	p := must1(dev.MallocUnified([]int{8}, dtypes.Float64, FillScalar(2), nil))
	defer func() { must(p.Release()) }()

	must(dev.Synchronize())
	view := p.Float64s()
	require.Len(t, view, 8)
	for _, v := range view {
		require.Equal(t, float64(2), v)
	}

	// Host writes are the device's bytes: device ops see them.
	view[0] = 40
	must(p.AddScalar(1))
	must(dev.Synchronize())
	require.Equal(t, float64(41), p.Float64s()[0])
	require.Equal(t, float64(3), p.Float64s()[1])
}

func TestUnifiedDeviceOps(t *testing.T) {
	dev := testDevice(t, 0)

	a := must1(dev.MallocUnified([]int{4}, dtypes.Complex64, FillScalar(1+2i), nil))
	defer func() { must(a.Release()) }()
	b := must1(dev.Malloc([]int{4}, dtypes.Complex64, FillScalar(3), nil))
	defer func() { must(b.Release()) }()

	must(a.Mul(b))
	must(dev.Synchronize())
	for _, v := range a.Complex64s() {
		require.Equal(t, complex64(3+6i), v)
	}

	// The copy path between handles works for unified memory too.
	must(CopyDeviceToDevice(&a.DevicePtr, b, -1))
	require.Equal(t, complex64(3+6i), must1(ToHostSlice[complex64](b))[0])
}

func TestUnifiedViewDTypeMismatchPanics(t *testing.T) {
	dev := testDevice(t, 0)

	p := must1(dev.MallocUnified([]int{4}, dtypes.Float32, nil, nil))
	defer func() { must(p.Release()) }()

	requireUsagePanic(t, func() { _ = p.Float64s() })
	requireUsagePanic(t, func() { _ = p.Complex64s() })
	require.Len(t, p.Float32s(), 4)
}

func TestUnifiedReleasePanicsOnReuse(t *testing.T) {
	dev := testDevice(t, 0)

	p := must1(dev.MallocUnified([]int{4}, dtypes.Float32, nil, nil))
	must(p.Release())
	requireUsagePanic(t, func() { _ = p.Bytes() })
}
